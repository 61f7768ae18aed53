package model

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Brownie44l1/crop-disease-api/internal/config"
)

func hubServer(t *testing.T, body string, hits *atomic.Int64) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path != "/VisionaryQuant/5_Crop_Disease_Detection/resolve/main/model.onnx" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func modelConfig(t *testing.T, hubURL string) config.Model {
	return config.Model{
		Repo:     "VisionaryQuant/5_Crop_Disease_Detection",
		File:     "model.onnx",
		Path:     filepath.Join(t.TempDir(), "missing.onnx"),
		CacheDir: t.TempDir(),
		HubURL:   hubURL,
	}
}

func TestResolveWeights_PrefersLocalPath(t *testing.T) {
	var hits atomic.Int64
	srv := hubServer(t, "weights", &hits)
	cfg := modelConfig(t, srv.URL)
	require.NoError(t, os.WriteFile(cfg.Path, []byte("local"), 0o644))

	path, err := ResolveWeights(context.Background(), cfg, srv.Client(), zap.NewNop())
	require.NoError(t, err)
	require.Equal(t, cfg.Path, path)
	require.Zero(t, hits.Load())
}

func TestResolveWeights_DownloadsOnceIntoCache(t *testing.T) {
	var hits atomic.Int64
	srv := hubServer(t, "onnx-bytes", &hits)
	cfg := modelConfig(t, srv.URL)

	path, err := ResolveWeights(context.Background(), cfg, srv.Client(), zap.NewNop())
	require.NoError(t, err)
	require.Equal(t, CachePath(cfg), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "onnx-bytes", string(data))

	_, err = ResolveWeights(context.Background(), cfg, srv.Client(), zap.NewNop())
	require.NoError(t, err)
	require.Equal(t, int64(1), hits.Load())
}

func TestResolveWeights_HubError(t *testing.T) {
	var hits atomic.Int64
	srv := hubServer(t, "", &hits)
	cfg := modelConfig(t, srv.URL)
	cfg.File = "nope.onnx"

	_, err := ResolveWeights(context.Background(), cfg, srv.Client(), zap.NewNop())
	require.Error(t, err)
	require.NoFileExists(t, CachePath(cfg))
}
