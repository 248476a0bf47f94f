package model

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/Brownie44l1/medianalytica-api/internal/tensor"
)

const (
	BundleModelFile     = "model.onnx"
	BundleSignatureFile = "signature.json"
	BundleGradCAMFile   = "gradcam.onnx"

	gradInput      = "input"
	gradClassIndex = "class_index"
	featuresSuffix = ":features"
	gradsSuffix    = ":gradients"
)

// InitRuntime points onnxruntime_go at the shared library and creates the
// process-wide environment. It is safe to call more than once.
func InitRuntime(libraryPath string) error {
	if libraryPath != "" {
		ort.SetSharedLibraryPath(libraryPath)
	}
	if ort.IsInitialized() {
		return nil
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("failed to initialize ONNX environment: %w", err)
	}
	return nil
}

func ShutdownRuntime() error {
	if !ort.IsInitialized() {
		return nil
	}
	return ort.DestroyEnvironment()
}

// Signature describes a graph bundle's exported serving signature.
type Signature struct {
	Signature string   `json:"signature"`
	Inputs    []string `json:"inputs"`
	Outputs   []string `json:"outputs"`
}

// ORTOpener loads artifacts with ONNX Runtime. InitRuntime must have been
// called first.
type ORTOpener struct {
	// IntraOpThreads limits ORT's per-session thread pool; 0 keeps the
	// library default.
	IntraOpThreads int
}

func (o ORTOpener) OpenBundle(dir string) (*Handle, error) {
	modelPath := filepath.Join(dir, BundleModelFile)

	var sig Signature
	if data, err := os.ReadFile(filepath.Join(dir, BundleSignatureFile)); err == nil {
		if err := json.Unmarshal(data, &sig); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", BundleSignatureFile, err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read %s: %w", BundleSignatureFile, err)
	}

	inputs, outputs, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect %s: %w", modelPath, err)
	}

	inputNames := sig.Inputs
	if len(inputNames) == 0 {
		for _, in := range inputs {
			inputNames = append(inputNames, in.Name)
		}
	}
	outputNames := sig.Outputs
	if len(outputNames) == 0 {
		for _, out := range outputs {
			outputNames = append(outputNames, out.Name)
		}
	}
	if len(inputNames) == 0 || len(outputNames) == 0 {
		return nil, fmt.Errorf("bundle %s exposes no inputs or outputs", dir)
	}

	// Signatures return a dict; the first key in sorted order is the result.
	sorted := append([]string(nil), outputNames...)
	sort.Strings(sorted)

	rt, err := o.newSession(modelPath, inputNames[0], sorted[0])
	if err != nil {
		return nil, err
	}

	grads, err := o.openGradients(filepath.Join(dir, BundleGradCAMFile))
	if err != nil {
		rt.Close()
		return nil, err
	}

	return &Handle{
		Kind:      GraphCallable,
		Location:  dir,
		Runtime:   rt,
		Gradients: grads,
		Metadata:  readMetadata(modelPath),
		LoadedAt:  time.Now(),
	}, nil
}

func (o ORTOpener) OpenFile(path string) (*Handle, error) {
	inputs, outputs, err := ort.GetInputOutputInfo(path)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect %s: %w", path, err)
	}
	if len(inputs) == 0 || len(outputs) == 0 {
		return nil, fmt.Errorf("model %s exposes no inputs or outputs", path)
	}

	rt, err := o.newSession(path, inputs[0].Name, outputs[0].Name)
	if err != nil {
		return nil, err
	}

	grads, err := o.openGradients(strings.TrimSuffix(path, filepath.Ext(path)) + ".gradcam.onnx")
	if err != nil {
		rt.Close()
		return nil, err
	}

	return &Handle{
		Kind:      DirectCallable,
		Location:  path,
		Runtime:   rt,
		Gradients: grads,
		Metadata:  readMetadata(path),
		LoadedAt:  time.Now(),
	}, nil
}

func (o ORTOpener) sessionOptions() (*ort.SessionOptions, error) {
	if o.IntraOpThreads <= 0 {
		return nil, nil
	}
	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}
	if err := opts.SetIntraOpNumThreads(o.IntraOpThreads); err != nil {
		opts.Destroy()
		return nil, fmt.Errorf("failed to set intra-op threads: %w", err)
	}
	return opts, nil
}

func (o ORTOpener) newSession(path, input, output string) (*ortRuntime, error) {
	opts, err := o.sessionOptions()
	if err != nil {
		return nil, err
	}
	if opts != nil {
		defer opts.Destroy()
	}

	session, err := ort.NewDynamicAdvancedSession(path, []string{input}, []string{output}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}
	return &ortRuntime{session: session}, nil
}

// openGradients loads the optional Grad-CAM companion graph. A missing
// file is not an error.
func (o ORTOpener) openGradients(path string) (GradientSource, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, nil
	}

	_, outputs, err := ort.GetInputOutputInfo(path)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect %s: %w", path, err)
	}
	names := make([]string, 0, len(outputs))
	for _, out := range outputs {
		names = append(names, out.Name)
	}
	layers := PairedLayers(names)
	if len(layers) == 0 {
		return nil, fmt.Errorf("%s exports no feature/gradient pairs", path)
	}

	outputNames := make([]string, 0, 2*len(layers))
	for _, layer := range layers {
		outputNames = append(outputNames, layer+featuresSuffix, layer+gradsSuffix)
	}

	opts, err := o.sessionOptions()
	if err != nil {
		return nil, err
	}
	if opts != nil {
		defer opts.Destroy()
	}
	session, err := ort.NewDynamicAdvancedSession(path, []string{gradInput, gradClassIndex}, outputNames, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create gradient session: %w", err)
	}
	return &ortGradients{session: session, layers: layers}, nil
}

// PairedLayers returns, in export order, the layers for which both a
// "<layer>:features" and a "<layer>:gradients" output exist.
func PairedLayers(outputNames []string) []string {
	have := make(map[string]bool, len(outputNames))
	for _, name := range outputNames {
		have[name] = true
	}
	var layers []string
	for _, name := range outputNames {
		layer, ok := strings.CutSuffix(name, featuresSuffix)
		if ok && have[layer+gradsSuffix] {
			layers = append(layers, layer)
		}
	}
	return layers
}

func readMetadata(path string) map[string]string {
	info, err := ReadONNXInfo(path)
	if err != nil {
		return nil
	}
	return info.Metadata
}

type ortRuntime struct {
	session *ort.DynamicAdvancedSession
}

func (r *ortRuntime) Predict(ctx context.Context, input *tensor.Tensor) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	in, err := ort.NewTensor(ort.NewShape(input.Shape64()...), input.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	defer in.Destroy()

	outputs := []ort.Value{nil}
	if err := r.session.Run([]ort.Value{in}, outputs); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}
	defer outputs[0].Destroy()

	probs, _, err := flatten(outputs[0])
	return probs, err
}

func (r *ortRuntime) Close() error {
	return r.session.Destroy()
}

type ortGradients struct {
	session *ort.DynamicAdvancedSession
	layers  []string
}

func (g *ortGradients) Layers() []string { return g.layers }

func (g *ortGradients) FeatureGradients(ctx context.Context, input *tensor.Tensor, layer string, classIndex int) (*tensor.Tensor, *tensor.Tensor, error) {
	pos := -1
	for i, l := range g.layers {
		if l == layer {
			pos = i
			break
		}
	}
	if pos < 0 {
		return nil, nil, fmt.Errorf("layer %q not exported", layer)
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	in, err := ort.NewTensor(ort.NewShape(input.Shape64()...), input.Data)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	defer in.Destroy()
	idx, err := ort.NewTensor(ort.NewShape(1), []int64{int64(classIndex)})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create class index tensor: %w", err)
	}
	defer idx.Destroy()

	outputs := make([]ort.Value, 2*len(g.layers))
	if err := g.session.Run([]ort.Value{in, idx}, outputs); err != nil {
		return nil, nil, fmt.Errorf("gradient computation failed: %w", err)
	}
	defer func() {
		for _, v := range outputs {
			if v != nil {
				v.Destroy()
			}
		}
	}()

	features, err := toTensor(outputs[2*pos])
	if err != nil {
		return nil, nil, fmt.Errorf("%s features: %w", layer, err)
	}
	grads, err := toTensor(outputs[2*pos+1])
	if err != nil {
		return nil, nil, fmt.Errorf("%s gradients: %w", layer, err)
	}
	return features, grads, nil
}

func (g *ortGradients) Close() error {
	return g.session.Destroy()
}

// flatten copies an output tensor into a float32 slice. float64 outputs are
// narrowed; any leading batch dimension is dropped by flattening.
func flatten(v ort.Value) ([]float32, []int64, error) {
	switch t := v.(type) {
	case *ort.Tensor[float32]:
		src := t.GetData()
		out := make([]float32, len(src))
		copy(out, src)
		return out, t.GetShape(), nil
	case *ort.Tensor[float64]:
		src := t.GetData()
		out := make([]float32, len(src))
		for i, x := range src {
			out[i] = float32(x)
		}
		return out, t.GetShape(), nil
	default:
		return nil, nil, fmt.Errorf("unsupported output value %T", v)
	}
}

func toTensor(v ort.Value) (*tensor.Tensor, error) {
	data, shape, err := flatten(v)
	if err != nil {
		return nil, err
	}
	dims := make([]int, len(shape))
	for i, d := range shape {
		dims[i] = int(d)
	}
	return tensor.New(dims, data)
}
