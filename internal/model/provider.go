package model

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"

	"github.com/Brownie44l1/crop-disease-api/internal/config"
)

// Acquire resolves the weight file, starts ONNX Runtime and opens the session
// pool. It is called once at startup and any error is fatal.
func Acquire(ctx context.Context, cfg config.Model, logger *zap.Logger) (*Server, error) {
	path, err := ResolveWeights(ctx, cfg, http.DefaultClient, logger)
	if err != nil {
		return nil, err
	}

	if cfg.RuntimeLib != "" {
		ort.SetSharedLibraryPath(cfg.RuntimeLib)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, fmt.Errorf("failed to initialize ONNX environment: %w", err)
	}

	logger.Info("loading model", zap.String("path", path), zap.Int("pool_size", cfg.PoolSize))
	srv, err := NewServer(path, ServerOptions{
		InputName:  cfg.InputName,
		OutputName: cfg.OutputName,
		ImageSize:  cfg.ImageSize,
		PoolSize:   cfg.PoolSize,
	})
	if err != nil {
		ort.DestroyEnvironment()
		return nil, err
	}
	return srv, nil
}

// ResolveWeights returns a local path to the model file. An existing cfg.Path
// wins, then the hub cache, and as a last resort the file is downloaded from
// the hub into the cache.
func ResolveWeights(ctx context.Context, cfg config.Model, client *http.Client, logger *zap.Logger) (string, error) {
	if cfg.Path != "" && fileExists(cfg.Path) {
		return cfg.Path, nil
	}

	cached := CachePath(cfg)
	if fileExists(cached) {
		logger.Debug("using cached weights", zap.String("path", cached))
		return cached, nil
	}

	url := fmt.Sprintf("%s/%s/resolve/main/%s", cfg.HubURL, cfg.Repo, cfg.File)
	logger.Info("downloading weights", zap.String("url", url), zap.String("dest", cached))
	if err := download(ctx, client, url, cached); err != nil {
		return "", fmt.Errorf("failed to fetch %s from %s: %w", cfg.File, cfg.Repo, err)
	}
	return cached, nil
}

// CachePath is where the hub copy of the weights is stored.
func CachePath(cfg config.Model) string {
	return filepath.Join(cfg.CacheDir, filepath.FromSlash(cfg.Repo), cfg.File)
}

func download(ctx context.Context, client *http.Client, url, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	if token := os.Getenv("HF_TOKEN"); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".download-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dest)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
