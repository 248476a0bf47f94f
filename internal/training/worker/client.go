// Package worker drives an out-of-process training worker that owns the
// model and the accelerator. Batches travel as ONNX TensorProto parts of a
// multipart request; everything else is JSON.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/Brownie44l1/medianalytica-api/internal/tensor"
	"github.com/Brownie44l1/medianalytica-api/internal/training"
)

const TensorContentType = "application/x-protobuf; messageType=onnx.TensorProto"

var _ training.Learner = (*Client)(nil)

type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

func New(baseURL string) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: 30 * time.Minute}, // one batch on a large backbone can take minutes
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

type layersResponse struct {
	Layers []training.Layer `json:"layers"`
}

type batchResponse struct {
	Loss        float64     `json:"loss"`
	Predictions [][]float32 `json:"predictions"`
}

func (c *Client) Layers(ctx context.Context) ([]training.Layer, error) {
	var out layersResponse
	if err := c.do(ctx, http.MethodGet, "/v1/layers", nil, "", &out); err != nil {
		return nil, err
	}
	if len(out.Layers) == 0 {
		return nil, fmt.Errorf("worker reported no layers")
	}
	return out.Layers, nil
}

func (c *Client) Configure(ctx context.Context, cfg training.TrainConfig) error {
	return c.postJSON(ctx, "/v1/configure", cfg)
}

func (c *Client) SetLearningRate(ctx context.Context, lr float64) error {
	return c.postJSON(ctx, "/v1/lr", map[string]float64{"learning_rate": lr})
}

func (c *Client) TrainBatch(ctx context.Context, inputs, labels *tensor.Tensor) (training.BatchResult, error) {
	body, contentType, err := tensorForm(map[string]*tensor.Tensor{"inputs": inputs, "labels": labels})
	if err != nil {
		return training.BatchResult{}, err
	}
	var out batchResponse
	if err := c.do(ctx, http.MethodPost, "/v1/train_batch", body, contentType, &out); err != nil {
		return training.BatchResult{}, err
	}
	preds, err := predictions(out.Predictions, inputs.Shape[0])
	if err != nil {
		return training.BatchResult{}, err
	}
	return training.BatchResult{Loss: out.Loss, Predictions: preds}, nil
}

func (c *Client) PredictBatch(ctx context.Context, inputs *tensor.Tensor) (*tensor.Tensor, error) {
	body, contentType, err := tensorForm(map[string]*tensor.Tensor{"inputs": inputs})
	if err != nil {
		return nil, err
	}
	var out batchResponse
	if err := c.do(ctx, http.MethodPost, "/v1/predict_batch", body, contentType, &out); err != nil {
		return nil, err
	}
	return predictions(out.Predictions, inputs.Shape[0])
}

func (c *Client) Save(ctx context.Context, ref string) error {
	return c.postJSON(ctx, "/v1/save", map[string]string{"ref": ref})
}

func (c *Client) Load(ctx context.Context, ref string) error {
	return c.postJSON(ctx, "/v1/load", map[string]string{"ref": ref})
}

func (c *Client) Release(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/v1/release", nil, "", nil)
}

// CheckHealth reports whether the worker is reachable.
func (c *Client) CheckHealth(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, "", nil)
}

func (c *Client) postJSON(ctx context.Context, path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", path, err)
	}
	return c.do(ctx, http.MethodPost, path, bytes.NewReader(data), "application/json", nil)
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("send %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e errorResponse
		if json.NewDecoder(resp.Body).Decode(&e) == nil && e.Error != "" {
			return fmt.Errorf("worker %s failed with status %d: %s", path, resp.StatusCode, e.Error)
		}
		return fmt.Errorf("worker %s failed with status: %d", path, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

// tensorForm writes each tensor as a TensorProto form file named after its
// part, inputs first.
func tensorForm(parts map[string]*tensor.Tensor) (io.Reader, string, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	for _, name := range []string{"inputs", "labels"} {
		t, ok := parts[name]
		if !ok {
			continue
		}
		part, err := writer.CreatePart(partHeader(name))
		if err != nil {
			return nil, "", fmt.Errorf("create form part %s: %w", name, err)
		}
		if _, err := part.Write(EncodeTensor(name, t)); err != nil {
			return nil, "", fmt.Errorf("write form part %s: %w", name, err)
		}
	}

	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("close form: %w", err)
	}
	return body, writer.FormDataContentType(), nil
}

func partHeader(name string) textproto.MIMEHeader {
	return textproto.MIMEHeader{
		"Content-Disposition": {fmt.Sprintf(`form-data; name=%q; filename="%s.pb"`, name, name)},
		"Content-Type":        {TensorContentType},
	}
}

func predictions(rows [][]float32, batch int) (*tensor.Tensor, error) {
	if len(rows) != batch {
		return nil, fmt.Errorf("worker returned %d predictions for a batch of %d", len(rows), batch)
	}
	if batch == 0 {
		return tensor.Zeros(0, 0), nil
	}
	width := len(rows[0])
	out := tensor.Zeros(batch, width)
	for i, row := range rows {
		if len(row) != width {
			return nil, fmt.Errorf("prediction %d has %d classes, want %d", i, len(row), width)
		}
		copy(out.Data[i*width:], row)
	}
	return out, nil
}
