package training

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Brownie44l1/medianalytica-api/internal/preprocess"
	"github.com/Brownie44l1/medianalytica-api/internal/tensor"
)

var ImageExtensions = []string{".jpg", ".jpeg", ".png", ".bmp", ".tif", ".tiff", ".webp"}

type Sample struct {
	Path  string
	Label int
}

// ImageFolder is a labelled split laid out as <dir>/<class>/<image>. Class
// indices follow the given class order, not directory order.
type ImageFolder struct {
	Dir     string
	Classes []string
	Samples []Sample
}

func NewImageFolder(dir string, classes []string) (*ImageFolder, error) {
	d := &ImageFolder{Dir: dir, Classes: classes}
	for label, class := range classes {
		entries, err := os.ReadDir(filepath.Join(dir, class))
		if err != nil {
			return nil, fmt.Errorf("failed to list class %s: %w", class, err)
		}
		var files []string
		for _, e := range entries {
			if e.IsDir() || !hasImageExt(e.Name()) {
				continue
			}
			files = append(files, e.Name())
		}
		sort.Strings(files)
		for _, f := range files {
			d.Samples = append(d.Samples, Sample{Path: filepath.Join(dir, class, f), Label: label})
		}
	}
	if len(d.Samples) == 0 {
		return nil, fmt.Errorf("no images found in %s", dir)
	}
	return d, nil
}

func hasImageExt(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range ImageExtensions {
		if ext == e {
			return true
		}
	}
	return false
}

func (d *ImageFolder) Len() int { return len(d.Samples) }

func (d *ImageFolder) NumClasses() int { return len(d.Classes) }

func (d *ImageFolder) ClassCounts() []int {
	counts := make([]int, len(d.Classes))
	for _, s := range d.Samples {
		counts[s.Label]++
	}
	return counts
}

// Batches splits the samples into batches of at most batchSize. With
// shuffle, the order is a deterministic function of seed.
func (d *ImageFolder) Batches(batchSize int, shuffle bool, seed int64) [][]Sample {
	order := make([]Sample, len(d.Samples))
	copy(order, d.Samples)
	if shuffle {
		rng := rand.New(rand.NewSource(seed))
		rng.Shuffle(len(order), func(i, j int) {
			order[i], order[j] = order[j], order[i]
		})
	}

	var batches [][]Sample
	for start := 0; start < len(order); start += batchSize {
		end := start + batchSize
		if end > len(order) {
			end = len(order)
		}
		batches = append(batches, order[start:end])
	}
	return batches
}

// LoadBatch decodes and preprocesses samples through the serving pipeline
// and returns inputs (B, H, W, 3) with one-hot labels (B, classes).
func LoadBatch(samples []Sample, numClasses int, opts preprocess.Options) (inputs, labels *tensor.Tensor, err error) {
	items := make([]*tensor.Tensor, len(samples))
	labels = tensor.Zeros(len(samples), numClasses)
	for i, s := range samples {
		data, err := os.ReadFile(s.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read %s: %w", s.Path, err)
		}
		img, _, err := preprocess.Decode(data)
		if err != nil {
			return nil, nil, fmt.Errorf("%s: %w", s.Path, err)
		}
		items[i], err = preprocess.Image(img, opts)
		if err != nil {
			return nil, nil, fmt.Errorf("%s: %w", s.Path, err)
		}
		labels.Data[i*numClasses+s.Label] = 1
	}

	inputs, err = tensor.Stack(items)
	if err != nil {
		return nil, nil, err
	}
	return inputs, labels, nil
}

// CriticalBoost and CriticalCap raise the weight of a class whose misses are
// costlier than its false alarms.
const (
	CriticalBoost = 1.2
	CriticalCap   = 2.0
)

// ClassWeights returns balanced weights n / (k * count_c). The class named
// critical, if any, gets min(w * CriticalBoost, CriticalCap).
func ClassWeights(counts []int, classes []string, critical string) ([]float64, error) {
	total := 0
	for _, c := range counts {
		total += c
	}
	weights := make([]float64, len(counts))
	for i, c := range counts {
		if c == 0 {
			return nil, fmt.Errorf("class %s has no samples", classes[i])
		}
		weights[i] = float64(total) / (float64(len(counts)) * float64(c))
		if critical != "" && classes[i] == critical {
			weights[i] = min(weights[i]*CriticalBoost, CriticalCap)
		}
	}
	return weights, nil
}
