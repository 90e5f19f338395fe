package factory_test

import (
	"os"
	"path/filepath"
	"testing"

	"NetSecMonitor/internal/config"
	"NetSecMonitor/internal/factory"
	_ "NetSecMonitor/internal/ingest"
	_ "NetSecMonitor/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestCreateSinks(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.Writers = []config.WriterDef{
		{Type: "memory", Enabled: true},
		{Type: "sqlite", Enabled: true, SQLite: config.SQLiteConfig{Path: filepath.Join(t.TempDir(), "netsec.db")}},
		{Type: "clickhouse", Enabled: false},
	}

	sinks, err := factory.CreateSinks(cfg, zap.NewNop())
	require.NoError(t, err)
	assert.Len(t, sinks, 2)
	for _, s := range sinks {
		assert.NoError(t, s.Close())
	}
}

func TestCreateSinks_NoneEnabled(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.Writers = []config.WriterDef{{Type: "memory", Enabled: false}}

	_, err := factory.CreateSinks(cfg, zap.NewNop())
	assert.Error(t, err)
}

func TestCreateSinks_UnknownType(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.Writers = []config.WriterDef{
		{Type: "memory", Enabled: true},
		{Type: "parquet", Enabled: true},
	}

	_, err := factory.CreateSinks(cfg, zap.NewNop())
	assert.ErrorContains(t, err, "unknown writer type")
}

func TestCreateSource(t *testing.T) {
	cfg := config.Default()
	src, err := factory.CreateSource(cfg, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, src.Close())

	path := filepath.Join(t.TempDir(), "capture.jsonl")
	require.NoError(t, os.WriteFile(path, nil, 0o644))
	cfg.Ingest.Source = "replay"
	cfg.Ingest.Replay.Path = path
	src, err = factory.CreateSource(cfg, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, src.Close())

	cfg.Ingest.Source = "carrier-pigeon"
	_, err = factory.CreateSource(cfg, zap.NewNop())
	assert.Error(t, err)
}

func TestCreateScanSource_None(t *testing.T) {
	src, err := factory.CreateScanSource(config.Default(), zap.NewNop())
	require.NoError(t, err)
	assert.Nil(t, src)
}
