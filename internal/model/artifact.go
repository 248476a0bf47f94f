package model

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Fetcher materializes a remote artifact location into a local path.
type Fetcher interface {
	Fetch(ctx context.Context, uri string) (string, error)
}

// IsRemote reports whether a location must go through a Fetcher.
func IsRemote(location string) bool {
	for _, prefix := range []string{"hf://", "https://", "http://"} {
		if strings.HasPrefix(location, prefix) {
			return true
		}
	}
	return false
}

// DetectArtifact inspects a local path and reports which runtime can open
// it: a directory holding model.onnx is a graph bundle, a regular .onnx
// file is a direct model. A missing path wraps os.ErrNotExist.
func DetectArtifact(path string) (RuntimeKind, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("artifact %s: %w", path, err)
	}

	if fi.IsDir() {
		modelPath := filepath.Join(path, BundleModelFile)
		mi, err := os.Stat(modelPath)
		if err != nil {
			return "", fmt.Errorf("bundle %s: %w", path, err)
		}
		if mi.IsDir() {
			return "", fmt.Errorf("bundle %s: %s is a directory", path, BundleModelFile)
		}
		return GraphCallable, nil
	}

	if !strings.EqualFold(filepath.Ext(path), ".onnx") {
		return "", fmt.Errorf("artifact %s: unsupported file type %q", path, filepath.Ext(path))
	}
	return DirectCallable, nil
}

// open loads a local artifact with whichever opener method fits its shape.
func open(opener Opener, path string) (*Handle, error) {
	kind, err := DetectArtifact(path)
	if err != nil {
		return nil, err
	}

	var h *Handle
	switch kind {
	case GraphCallable:
		h, err = opener.OpenBundle(path)
	case DirectCallable:
		h, err = opener.OpenFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", path, err)
	}
	if h.Kind == "" {
		h.Kind = kind
	}
	if h.Location == "" {
		h.Location = path
	}
	return h, nil
}
