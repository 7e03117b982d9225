package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gofanout/fanout/internal/conn"
	"github.com/gofanout/fanout/pkg/config"
)

const sampleSettings = `
defaults:
  user: deploy
  port: 2200
  identity_file: /keys/deploy
engine:
  max_workers: 8
report:
  brokers: ["kafka-1:9092", "kafka-2:9092"]
  topic: fanout.runs
roles:
  web: [web1, web2, "admin@web3:2222"]
  db: [db1]
`

func writeSettings(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadFromFileStore(t *testing.T) {
	store, err := config.NewStore(config.FileStore, &config.FileConfig{
		Path: writeSettings(t, sampleSettings),
	})
	require.NoError(t, err)

	settings, err := config.Load(store)
	require.NoError(t, err)

	assert.Equal(t, conn.Params{
		User:         "deploy",
		Port:         2200,
		IdentityFile: "/keys/deploy",
	}, settings.Defaults)
	assert.Equal(t, 8, settings.Engine.MaxWorkers)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, settings.Report.Brokers)
	assert.Equal(t, "fanout.runs", settings.Report.Topic)

	hosts, ok := settings.Role("web")
	require.True(t, ok)
	assert.Equal(t, []string{"web1", "web2", "admin@web3:2222"}, hosts)

	_, ok = settings.Role("missing")
	assert.False(t, ok)
}

func TestLoadRejectsInvalidSettings(t *testing.T) {
	store, err := config.NewStore(config.FileStore, &config.FileConfig{
		Path: writeSettings(t, "engine:\n  max_workers: -3\n"),
	})
	require.NoError(t, err)

	_, err = config.Load(store)
	assert.ErrorContains(t, err, "invalid settings")
}

func TestLoadMissingFileFails(t *testing.T) {
	store, err := config.NewStore(config.FileStore, &config.FileConfig{
		Path: filepath.Join(t.TempDir(), "absent.yaml"),
	})
	require.NoError(t, err)

	_, err = config.Load(store)
	assert.Error(t, err)
}

func TestNewStoreRejectsMismatchedConfig(t *testing.T) {
	_, err := config.NewStore(config.FileStore, &config.MongoConfig{})
	assert.ErrorContains(t, err, "expected *FileConfig")

	_, err = config.NewStore(config.MongoStore, &config.FileConfig{})
	assert.ErrorContains(t, err, "expected *MongoConfig")

	_, err = config.NewStore(config.StoreType(99), nil)
	assert.ErrorIs(t, err, config.ErrInvalidStoreType)
}
