package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/Brownie44l1/medianalytica-api/internal/explain"
	"github.com/Brownie44l1/medianalytica-api/internal/model"
	"github.com/Brownie44l1/medianalytica-api/internal/preprocess"
)

// RepoPrefix names the Hub repositories: <user>/<prefix>-<type>-model.
const RepoPrefix = "medianalytica"

// Config holds the service configuration
type Config struct {
	Port           string         `json:"port"`
	ModelsDir      string         `json:"models_dir"`
	HFUsername     string         `json:"hf_username"`
	HFToken        string         `json:"-"`
	HubCacheDir    string         `json:"hub_cache_dir"`
	ORTLibraryPath string         `json:"ort_library_path"`
	PreloadModels  bool           `json:"preload_models"`
	MaxUploadMB    int64          `json:"max_upload_mb"`
	GradCAMFormat  explain.Format `json:"gradcam_format"`

	// Diseases without artifacts get the default locations under ModelsDir
	// and, when HFUsername is set, on the Hub.
	Diseases []model.DiseaseModelConfig `json:"diseases"`
}

// Default returns the configuration of the four-organ deployment
func Default() *Config {
	return &Config{
		Port:          "8080",
		ModelsDir:     "models",
		HubCacheDir:   filepath.Join(os.TempDir(), "medianalytica-hub"),
		PreloadModels: true,
		MaxUploadMB:   10,
		GradCAMFormat: explain.PNG,
		Diseases:      DefaultDiseases(),
	}
}

func DefaultDiseases() []model.DiseaseModelConfig {
	return []model.DiseaseModelConfig{
		{
			DiseaseType:   "skin",
			ImageSize:     model.ImageSize{Width: 300, Height: 300},
			ClassNames:    []string{"akiec", "bcc", "bkl", "mel", "nv"},
			Preprocessing: preprocess.PlainNormalize,
			ClassNameLocalizations: map[string]string{
				"akiec": "Aktinik Keratoz",
				"bcc":   "Bazal Hücreli Karsinom",
				"bkl":   "İyi Huylu Keratoz",
				"mel":   "Melanom",
				"nv":    "Melanositik Nevüs (Ben)",
			},
		},
		{
			DiseaseType:   "bone",
			ImageSize:     model.ImageSize{Width: 384, Height: 384},
			ClassNames:    []string{"Normal", "Fracture", "Benign_Tumor", "Malignant_Tumor"},
			Preprocessing: preprocess.ContrastNormalize,
			ClassNameLocalizations: map[string]string{
				"Normal":          "Normal",
				"Fracture":        "Kırık",
				"Benign_Tumor":    "İyi Huylu Tümör",
				"Malignant_Tumor": "Kötü Huylu Tümör",
			},
		},
		{
			DiseaseType:   "lung",
			ImageSize:     model.ImageSize{Width: 384, Height: 384},
			ClassNames:    []string{"COVID-19", "Non-COVID", "Normal"},
			Preprocessing: preprocess.ContrastNormalize,
			ClassNameLocalizations: map[string]string{
				"COVID-19":  "COVID-19",
				"Non-COVID": "Non-COVID (Pnömoni)",
				"Normal":    "Normal",
			},
		},
		{
			DiseaseType: "eye",
			ImageSize:   model.ImageSize{Width: 224, Height: 224},
			ClassNames: []string{
				"Diabetic_Retinopathy", "Disc_Edema", "Glaucoma", "Macular_Scar", "Myopia",
				"Normal", "Pterygium", "Retinal_Detachment", "Retinitis_Pigmentosa",
			},
			Preprocessing: preprocess.SimpleRescale,
			ClassNameLocalizations: map[string]string{
				"Diabetic_Retinopathy": "Diyabetik Retinopati",
				"Disc_Edema":           "Disk Ödemi",
				"Glaucoma":             "Glokom",
				"Macular_Scar":         "Maküla Skarı",
				"Myopia":               "Miyopi",
				"Normal":               "Normal",
				"Pterygium":            "Pterijyum",
				"Retinal_Detachment":   "Retina Dekolmanı",
				"Retinitis_Pigmentosa": "Retinitis Pigmentosa",
			},
		},
	}
}

// DefaultArtifacts lists where a disease model is looked for, in priority
// order: graph bundle, single file, then the Hub repository as a bundle and
// as a single file.
func DefaultArtifacts(modelsDir, hfUsername, diseaseType string) []string {
	locations := []string{
		filepath.Join(modelsDir, diseaseType+"_model"),
		filepath.Join(modelsDir, diseaseType+"_model.onnx"),
	}
	if hfUsername != "" {
		repo := fmt.Sprintf("hf://%s/%s-%s-model/", hfUsername, RepoPrefix, diseaseType)
		locations = append(locations, repo, repo+"model.onnx")
	}
	return locations
}

// LoadFromFile reads a JSON file over the defaults. A file that names
// diseases replaces the default table.
func LoadFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return config, nil
}

// Load builds the runtime configuration: CONFIG_PATH (if set) or the
// defaults, then environment overrides, then default artifact locations.
func Load() (*Config, error) {
	config := Default()
	if path := os.Getenv("CONFIG_PATH"); path != "" {
		var err error
		if config, err = LoadFromFile(path); err != nil {
			return nil, err
		}
	}
	if err := config.ApplyEnv(); err != nil {
		return nil, err
	}
	config.FillArtifacts()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) ApplyEnv() error {
	c.Port = getEnv("PORT", c.Port)
	c.ModelsDir = getEnv("MODELS_DIR", c.ModelsDir)
	c.HFUsername = getEnv("HF_USERNAME", c.HFUsername)
	c.HFToken = getEnv("HF_TOKEN", c.HFToken)
	c.HubCacheDir = getEnv("HUB_CACHE_DIR", c.HubCacheDir)
	c.ORTLibraryPath = getEnv("ORT_LIBRARY_PATH", c.ORTLibraryPath)
	c.GradCAMFormat = explain.Format(strings.ToLower(getEnv("GRADCAM_FORMAT", string(c.GradCAMFormat))))

	if v := os.Getenv("PRELOAD_MODELS"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("PRELOAD_MODELS: %w", err)
		}
		c.PreloadModels = b
	}
	if v := os.Getenv("MAX_UPLOAD_MB"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("MAX_UPLOAD_MB: %w", err)
		}
		c.MaxUploadMB = n
	}
	return nil
}

// FillArtifacts gives every disease without explicit locations the
// default ones.
func (c *Config) FillArtifacts() {
	for i := range c.Diseases {
		if len(c.Diseases[i].ArtifactLocations) == 0 {
			c.Diseases[i].ArtifactLocations = DefaultArtifacts(c.ModelsDir, c.HFUsername, c.Diseases[i].DiseaseType)
		}
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("port is required")
	}
	if c.MaxUploadMB <= 0 {
		return fmt.Errorf("max_upload_mb must be positive")
	}
	if !c.GradCAMFormat.Valid() {
		return fmt.Errorf("gradcam_format must be png, jpeg or webp, got %q", c.GradCAMFormat)
	}
	if len(c.Diseases) == 0 {
		return fmt.Errorf("at least one disease must be configured")
	}
	seen := make(map[string]bool, len(c.Diseases))
	for _, d := range c.Diseases {
		if err := d.Validate(); err != nil {
			return err
		}
		if seen[d.DiseaseType] {
			return fmt.Errorf("disease %s configured twice", d.DiseaseType)
		}
		seen[d.DiseaseType] = true
	}
	return nil
}

func (c *Config) MaxUploadBytes() int64 { return c.MaxUploadMB << 20 }

// Disease returns the configuration of one disease type.
func (c *Config) Disease(diseaseType string) (model.DiseaseModelConfig, bool) {
	for _, d := range c.Diseases {
		if d.DiseaseType == diseaseType {
			return d, true
		}
	}
	return model.DiseaseModelConfig{}, false
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
