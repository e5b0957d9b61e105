package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/docextract/internal/config"
	"github.com/sells-group/docextract/internal/progress"
)

func sqliteConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Store:    config.StoreConfig{Driver: "sqlite", DatabaseURL: filepath.Join(t.TempDir(), "cli.db")},
		Progress: config.ProgressConfig{Driver: "log"},
		Log:      config.LogConfig{Level: "info", Format: "json"},
	}
}

func TestInitStore_SQLite(t *testing.T) {
	cfg = sqliteConfig(t)

	st, err := initStore(context.Background())
	require.NoError(t, err)
	defer st.Close() //nolint:errcheck

	ids, err := st.ListDocumentIDs(context.Background(), "none")
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestInitStore_Invalid(t *testing.T) {
	cfg = sqliteConfig(t)
	cfg.Store.Driver = "mysql"

	_, err := initStore(context.Background())
	assert.ErrorContains(t, err, "must be postgres or sqlite")
}

func TestInitPublisher(t *testing.T) {
	cfg = sqliteConfig(t)

	tests := []struct {
		driver string
		want   progress.Publisher
	}{
		{"none", progress.Nop{}},
		{"log", progress.LogPublisher{}},
		{"", progress.LogPublisher{}},
	}
	for _, tt := range tests {
		cfg.Progress.Driver = tt.driver
		pub, closeFn, err := initPublisher(context.Background())
		require.NoError(t, err)
		assert.Equal(t, tt.want, pub)
		assert.NoError(t, closeFn())
	}

	cfg.Progress.Driver = "kafka"
	_, _, err := initPublisher(context.Background())
	assert.ErrorContains(t, err, "unsupported progress driver")
}

func TestInitWorker_RequiresKey(t *testing.T) {
	cfg = sqliteConfig(t)
	cfg.LLM.MaxAttempts = 3
	cfg.Worker.ConsecutiveFailureLimit = 10
	cfg.Worker.VariableConcurrency = 1

	_, err := initWorker(context.Background())
	assert.ErrorContains(t, err, "anthropic.key is required")

	cfg.Anthropic.Key = "sk-ant-test"
	env, err := initWorker(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, env.Worker)
	env.Close()
}

const cliProject = `
project:
  name: Invoices
variables:
  - name: total
    type: NUMBER
    instructions: Invoice total.
documents:
  - filename: a.txt
    content: Total due 120.00
  - filename: b.txt
    content: Total due 75.50
`

func execute(t *testing.T, args ...string) []byte {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	require.NoError(t, rootCmd.Execute())
	return out.Bytes()
}

func TestCLI_ImportAndControlJob(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) }) //nolint:errcheck

	t.Setenv("DOCEXTRACT_STORE_DRIVER", "sqlite")
	t.Setenv("DOCEXTRACT_STORE_DATABASE_URL", filepath.Join(dir, "cli.db"))
	t.Setenv("DOCEXTRACT_LOG_LEVEL", "error")

	path := filepath.Join(dir, "invoices.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cliProject), 0o600))

	var imported struct {
		ProjectID   string   `json:"project_id"`
		DocumentIDs []string `json:"document_ids"`
		Prompts     int      `json:"prompts"`
	}
	require.NoError(t, json.Unmarshal(execute(t, "import", path), &imported))
	assert.Len(t, imported.DocumentIDs, 2)
	assert.Equal(t, 1, imported.Prompts)

	var job struct {
		ID          string   `json:"id"`
		Status      string   `json:"status"`
		DocumentIDs []string `json:"document_ids"`
	}
	require.NoError(t, json.Unmarshal(execute(t, "jobs", "create", "--project", imported.ProjectID), &job))
	assert.Equal(t, "PENDING", job.Status)
	assert.Len(t, job.DocumentIDs, 2)

	require.NoError(t, json.Unmarshal(execute(t, "jobs", "cancel", job.ID), &job))
	assert.Equal(t, "CANCELLED", job.Status)

	require.NoError(t, json.Unmarshal(execute(t, "jobs", "status", job.ID), &job))
	assert.Equal(t, "CANCELLED", job.Status)
}
