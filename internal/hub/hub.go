// Package hub downloads model artifacts from the Hugging Face Hub or plain
// HTTPS URLs into a local cache directory.
package hub

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
)

const (
	DefaultEndpoint = "https://huggingface.co"
	DefaultRevision = "main"
)

var ErrNotFound = errors.New("artifact not found")

// BundleFile is one member of a graph bundle directory.
type BundleFile struct {
	Name     string
	Required bool
}

// BundleFiles are fetched for a location ending in "/".
var BundleFiles = []BundleFile{
	{Name: "model.onnx", Required: true},
	{Name: "signature.json"},
	{Name: "gradcam.onnx"},
}

// Ref points at one file, or with a trailing "/" one directory, in a Hub
// model repository. An empty File is the repository root.
type Ref struct {
	Repo     string // "owner/name"
	Revision string
	File     string
}

func (r Ref) IsDir() bool {
	return r.File == "" || strings.HasSuffix(r.File, "/")
}

// ParseURI parses hf://owner/name[@revision]/path/to/file. A trailing "/"
// names a directory, so hf://owner/name/ is the whole repository.
func ParseURI(uri string) (Ref, error) {
	rest, ok := strings.CutPrefix(uri, "hf://")
	if !ok {
		return Ref{}, fmt.Errorf("not an hf:// uri: %s", uri)
	}
	parts := strings.SplitN(rest, "/", 3)
	if len(parts) < 3 || parts[0] == "" || parts[1] == "" || (parts[2] == "" && !strings.HasSuffix(rest, "/")) {
		return Ref{}, fmt.Errorf("hf uri must be hf://owner/repo/file or hf://owner/repo/dir/: %s", uri)
	}

	name, rev := parts[1], DefaultRevision
	if i := strings.IndexByte(name, '@'); i >= 0 {
		name, rev = name[:i], name[i+1:]
	}
	return Ref{Repo: parts[0] + "/" + name, Revision: rev, File: parts[2]}, nil
}

// Client fetches artifacts into CacheDir. Files already present in the
// cache are not downloaded again.
type Client struct {
	Endpoint   string
	Token      string
	CacheDir   string
	HTTPClient *http.Client
}

func New(cacheDir, token string) *Client {
	return &Client{
		Endpoint:   DefaultEndpoint,
		Token:      token,
		CacheDir:   cacheDir,
		HTTPClient: &http.Client{Timeout: 10 * time.Minute},
	}
}

// Fetch downloads uri (hf:// or http(s)://) and returns the local path. For
// .onnx files the optional "<name>.gradcam.onnx" sibling is fetched too. A
// uri ending in "/" is a graph bundle and yields a local directory.
func (c *Client) Fetch(ctx context.Context, uri string) (string, error) {
	remote, local, err := c.locate(uri)
	if err != nil {
		return "", err
	}
	if strings.HasSuffix(uri, "/") {
		return c.fetchBundle(ctx, remote, local)
	}

	if err := c.download(ctx, remote, local); err != nil {
		return "", err
	}

	if strings.HasSuffix(local, ".onnx") && !strings.HasSuffix(local, ".gradcam.onnx") {
		companion := strings.TrimSuffix(local, ".onnx") + ".gradcam.onnx"
		companionURL := strings.TrimSuffix(remote, ".onnx") + ".gradcam.onnx"
		if err := c.download(ctx, companionURL, companion); err != nil && !errors.Is(err, ErrNotFound) {
			log.Printf("hub: optional %s: %v", companionURL, err)
		}
	}
	return local, nil
}

func (c *Client) fetchBundle(ctx context.Context, remote, local string) (string, error) {
	for _, f := range BundleFiles {
		err := c.download(ctx, remote+f.Name, filepath.Join(local, f.Name))
		switch {
		case err == nil:
		case f.Required:
			return "", err
		case !errors.Is(err, ErrNotFound):
			log.Printf("hub: optional %s%s: %v", remote, f.Name, err)
		}
	}
	return local, nil
}

// locate maps a uri to its download URL and cache path.
func (c *Client) locate(uri string) (string, string, error) {
	if strings.HasPrefix(uri, "hf://") {
		ref, err := ParseURI(uri)
		if err != nil {
			return "", "", err
		}
		remote := fmt.Sprintf("%s/%s/resolve/%s/%s",
			strings.TrimRight(c.Endpoint, "/"), ref.Repo, url.PathEscape(ref.Revision), ref.File)
		local := filepath.Join(c.CacheDir, filepath.FromSlash(ref.Repo), ref.Revision, filepath.FromSlash(ref.File))
		return remote, local, nil
	}

	u, err := url.Parse(uri)
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return "", "", fmt.Errorf("unsupported artifact uri: %s", uri)
	}
	clean := path.Clean("/" + u.Path)
	local := filepath.Join(c.CacheDir, "url", u.Host, filepath.FromSlash(clean))
	return uri, local, nil
}

func (c *Client) download(ctx context.Context, remote, local string) error {
	if fi, err := os.Stat(local); err == nil && fi.Size() > 0 {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, remote, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if c.Token != "" && c.sameHost(remote) {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("download %s: %w", remote, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%s: %w", remote, ErrNotFound)
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("download %s failed with status: %d", remote, resp.StatusCode)
	}

	if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(local), ".download-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, resp.Body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("write %s: %w", local, err)
	}
	if err := os.Rename(tmp.Name(), local); err != nil {
		return fmt.Errorf("move %s into cache: %w", local, err)
	}

	log.Printf("hub: downloaded %s (%d bytes)", remote, n)
	return nil
}

// sameHost keeps the token from leaking to third-party URLs.
func (c *Client) sameHost(remote string) bool {
	a, err1 := url.Parse(remote)
	b, err2 := url.Parse(c.Endpoint)
	return err1 == nil && err2 == nil && a.Host == b.Host
}
