package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DefaultMaxFileSize = 5 * 1024 * 1024
	DefaultChunkSize   = 1024 * 1024

	// DefaultMaxImagePixels bounds decoded width*height, the same limit
	// Pillow uses for decompression bombs.
	DefaultMaxImagePixels = 89_478_485
)

// DefaultLabels is the class order the classifier was trained with.
var DefaultLabels = []string{
	"Corn___Common_Rust",
	"Corn___Gray_Leaf_Spot",
	"Corn___Healthy",
	"Corn___Northern_Leaf_Blight",
	"Potato___Early_Blight",
	"Potato___Healthy",
	"Potato___Late_Blight",
	"Rice___Brown_Spot",
	"Rice___Healthy",
	"Rice___Leaf_Blast",
	"Rice___Neck_Blast",
	"Sugarcane___Bacterial_Blight",
	"Sugarcane___Healthy",
	"Sugarcane___Red_Rot",
	"Wheat___Brown_Rust",
	"Wheat___Healthy",
	"Wheat___Yellow_Rust",
}

// ImageNet statistics used by the training transforms.
var (
	DefaultMean = [3]float32{0.485, 0.456, 0.406}
	DefaultStd  = [3]float32{0.229, 0.224, 0.225}
)

type Config struct {
	Port        string
	Environment string
	LogLevel    string
	CORSOrigins []string

	MaxFileSize    int64
	ChunkSize      int64
	MaxImagePixels int64

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	Model Model
}

// Model describes where the classifier comes from and how its input is shaped.
type Model struct {
	Repo       string
	File       string
	Path       string
	CacheDir   string
	HubURL     string
	RuntimeLib string
	PoolSize   int
	InputName  string
	OutputName string
	ImageSize  int
	Mean       [3]float32
	Std        [3]float32
	Labels     []string
}

// Manifest is the optional YAML file that overrides the model defaults.
type Manifest struct {
	Labels     []string  `yaml:"labels"`
	ImageSize  int       `yaml:"image_size"`
	Mean       []float32 `yaml:"mean"`
	Std        []float32 `yaml:"std"`
	InputName  string    `yaml:"input_name"`
	OutputName string    `yaml:"output_name"`
}

func (c *Config) IsDev() bool {
	return c.Environment == "dev"
}

// Load reads .env (if present) and the process environment.
func Load() (*Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	cfg := &Config{
		Port:           getEnv("PORT", "8080"),
		Environment:    getEnv("ENVIRONMENT", "production"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		CORSOrigins:    getEnvList("CORS_ORIGINS", []string{"http://localhost:5173", "http://127.0.0.1:5173"}),
		MaxFileSize:    getEnvInt64("MAX_FILE_SIZE", DefaultMaxFileSize),
		ChunkSize:      getEnvInt64("CHUNK_SIZE", DefaultChunkSize),
		MaxImagePixels: getEnvInt64("MAX_IMAGE_PIXELS", DefaultMaxImagePixels),
		ReadTimeout:    getEnvDuration("READ_TIMEOUT", 30*time.Second),
		WriteTimeout:   getEnvDuration("WRITE_TIMEOUT", 30*time.Second),
		IdleTimeout:    getEnvDuration("IDLE_TIMEOUT", 60*time.Second),
		Model: Model{
			Repo:       getEnv("MODEL_REPO", "VisionaryQuant/5_Crop_Disease_Detection"),
			File:       getEnv("MODEL_FILE", "best_crop_disease_model.onnx"),
			Path:       getEnv("MODEL_PATH", filepath.Join("models", "best_crop_disease_model.onnx")),
			CacheDir:   getEnv("MODEL_CACHE_DIR", defaultCacheDir()),
			HubURL:     strings.TrimRight(getEnv("MODEL_HUB_URL", "https://huggingface.co"), "/"),
			RuntimeLib: getEnv("ONNXRUNTIME_LIB", ""),
			PoolSize:   getEnvInt("MODEL_POOL_SIZE", runtime.NumCPU()),
			InputName:  "input",
			OutputName: "output",
			ImageSize:  300,
			Mean:       DefaultMean,
			Std:        DefaultStd,
			Labels:     append([]string(nil), DefaultLabels...),
		},
	}

	if path := getEnv("MODEL_MANIFEST", ""); path != "" {
		m, err := LoadManifest(path)
		if err != nil {
			return nil, err
		}
		if err := cfg.Model.Apply(m); err != nil {
			return nil, fmt.Errorf("manifest %s: %w", path, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadDotEnv loads the given files (.env by default) without overriding the
// process environment. A missing file is fine, a malformed one is not.
func loadDotEnv(filenames ...string) error {
	err := godotenv.Load(filenames...)
	if err == nil || errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("failed to load .env: %w", err)
}

func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	return &m, nil
}

// Apply overrides the fields set in the manifest. Zero values keep defaults.
func (m *Model) Apply(man *Manifest) error {
	if len(man.Labels) > 0 {
		m.Labels = append([]string(nil), man.Labels...)
	}
	if man.ImageSize > 0 {
		m.ImageSize = man.ImageSize
	}
	if man.InputName != "" {
		m.InputName = man.InputName
	}
	if man.OutputName != "" {
		m.OutputName = man.OutputName
	}
	if len(man.Mean) > 0 {
		if len(man.Mean) != 3 {
			return fmt.Errorf("mean must have 3 values, got %d", len(man.Mean))
		}
		copy(m.Mean[:], man.Mean)
	}
	if len(man.Std) > 0 {
		if len(man.Std) != 3 {
			return fmt.Errorf("std must have 3 values, got %d", len(man.Std))
		}
		copy(m.Std[:], man.Std)
	}
	return nil
}

func (c *Config) Validate() error {
	if c.MaxFileSize <= 0 {
		return errors.New("MAX_FILE_SIZE must be positive")
	}
	if c.ChunkSize <= 0 {
		return errors.New("CHUNK_SIZE must be positive")
	}
	if c.MaxImagePixels <= 0 {
		return errors.New("MAX_IMAGE_PIXELS must be positive")
	}
	if c.ChunkSize > c.MaxFileSize {
		return fmt.Errorf("CHUNK_SIZE (%d) must not exceed MAX_FILE_SIZE (%d)", c.ChunkSize, c.MaxFileSize)
	}
	if c.Model.PoolSize <= 0 {
		return errors.New("MODEL_POOL_SIZE must be positive")
	}
	if c.Model.ImageSize <= 0 {
		return errors.New("image size must be positive")
	}
	if len(c.Model.Labels) == 0 {
		return errors.New("label vocabulary is empty")
	}
	for i, s := range c.Model.Std {
		if s == 0 {
			return fmt.Errorf("std[%d] is zero", i)
		}
	}
	return nil
}

func defaultCacheDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "crop-disease-api")
	}
	return filepath.Join(os.TempDir(), "crop-disease-api")
}

func getEnv(key string, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if intVal, err := strconv.Atoi(v); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvInt64(key string, defaultVal int64) int64 {
	if v := os.Getenv(key); v != "" {
		if intVal, err := strconv.ParseInt(v, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

func getEnvList(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
