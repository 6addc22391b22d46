package core_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/awarenet/relmem-go/pkg/core"
)

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("RELMEM_STORAGE_PROVIDER", "postgres")
	t.Setenv("RELMEM_STORAGE_HOST", "db.internal")
	t.Setenv("RELMEM_STORAGE_PORT", "5433")
	t.Setenv("RELMEM_STORAGE_USER", "relmem")
	t.Setenv("RELMEM_EMBEDDING_PROVIDER", "openai")
	t.Setenv("RELMEM_EMBEDDING_DIMENSIONS", "768")
	t.Setenv("RELMEM_LLM_PROVIDER", "anthropic")
	t.Setenv("RELMEM_PROMOTION_THRESHOLD", "5")
	t.Setenv("RELMEM_PROMOTION_SCORE_FLOOR", "0.75")
	t.Setenv("RELMEM_DECAY_INTERVAL", "30m")

	config, err := core.LoadConfigFromEnv()
	require.NoError(t, err)

	assert.Equal(t, "postgres", config.Storage.Provider)
	assert.Equal(t, "db.internal", config.Storage.Host)
	assert.Equal(t, 5433, config.Storage.Port)
	assert.Equal(t, "relmem", config.Storage.User)
	assert.Equal(t, 768, config.Embedder.Dimensions)
	assert.Equal(t, "anthropic", config.LLM.Provider)
	assert.Equal(t, 5, config.Governance.PromotionThreshold)
	assert.Equal(t, 0.75, config.Governance.PromotionScoreFloor)
	assert.Equal(t, 30*time.Minute, config.Workers.DecayInterval)
}

func TestLoadConfigFromEnvDefaults(t *testing.T) {
	t.Setenv("RELMEM_STORAGE_PROVIDER", "")
	t.Setenv("RELMEM_EMBEDDING_PROVIDER", "")
	t.Setenv("RELMEM_EMBEDDING_DIMENSIONS", "")

	config, err := core.LoadConfigFromEnv()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", config.Storage.Provider)
	assert.Equal(t, "openai", config.Embedder.Provider)
	assert.Equal(t, 1536, config.Embedder.Dimensions)
}

func TestLoadConfigFromJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	payload := `{
		"storage": {"provider": "sqlite", "db_path": "/tmp/relmem.db"},
		"embedder": {"provider": "openai", "dimensions": 1536}
	}`
	require.NoError(t, os.WriteFile(path, []byte(payload), 0o600))

	config, err := core.LoadConfigFromJSON(path)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", config.Storage.Provider)
	assert.Equal(t, "/tmp/relmem.db", config.Storage.DBPath)
	require.NoError(t, config.Validate())

	_, err = core.LoadConfigFromJSON(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	valid := &core.Config{
		Storage:  core.StorageConfig{Provider: "memory"},
		Embedder: core.EmbedderConfig{Provider: "openai", Dimensions: 1536},
	}
	assert.NoError(t, valid.Validate())

	missing := &core.Config{}
	assert.ErrorIs(t, missing.Validate(), core.ErrInvalidConfig)

	unknown := &core.Config{Storage: core.StorageConfig{Provider: "etcd"}}
	assert.ErrorIs(t, unknown.Validate(), core.ErrInvalidConfig)

	badDims := &core.Config{
		Storage:  core.StorageConfig{Provider: "memory"},
		Embedder: core.EmbedderConfig{Provider: "openai"},
	}
	assert.ErrorIs(t, badDims.Validate(), core.ErrInvalidConfig)
}
