package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 7, cfg.Workflow.HorizonDays)
	assert.Equal(t, 50, cfg.Ledger.MaxEntries)
	assert.Equal(t, BackendFS, cfg.Attachments.Backend)
	assert.Contains(t, cfg.Workflow.Banks, "ČSOB")
	loc, err := cfg.Location()
	require.NoError(t, err)
	assert.Equal(t, "Europe/Prague", loc.String())
}

func TestFromYAMLOverridesAndExpandsEnv(t *testing.T) {
	t.Setenv("HYPOLINE_TEST_BUCKET", "hypo-files")
	cfg, err := FromYAML([]byte(`
workflow:
  horizon_days: 14
attachments:
  backend: s3
  s3:
    bucket: ${HYPOLINE_TEST_BUCKET}
webhooks:
  - url: https://hooks.example.com/hypoline
    events: [stage.done]
`))
	require.NoError(t, err)
	assert.Equal(t, 14, cfg.Workflow.HorizonDays)
	assert.Equal(t, 50, cfg.Ledger.MaxEntries)
	assert.NotEmpty(t, cfg.Workflow.Banks)
	assert.Equal(t, "hypo-files", cfg.Attachments.S3.Bucket)
	require.Len(t, cfg.Webhooks, 1)
}

func TestFromYAMLReplacesBanks(t *testing.T) {
	cfg, err := FromYAML([]byte("workflow:\n  banks: [ČSOB, Fio banka]\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"ČSOB", "Fio banka"}, cfg.Workflow.Banks)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"horizon":   "workflow:\n  horizon_days: 0\n",
		"ledger":    "ledger:\n  max_entries: -1\n",
		"backend":   "attachments:\n  backend: ftp\n",
		"s3 bucket": "attachments:\n  backend: s3\n",
		"timezone":  "office:\n  timezone: Mars/Olympus\n",
		"webhook":   "webhooks:\n  - url: not a url\n",
		"yaml":      "workflow: [",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	require.NoError(t, err)
	assert.Nil(t, cfg)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "hypoline.yml"), []byte(GenerateDefault()), 0o644))
	cfg, err = LoadOptional(dir)
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, "Hypoteční kancelář", cfg.Office.Name)
}

func TestSetEnvValueKeepsOtherKeys(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(EnvPath(dir), []byte("OTHER=1\n"), 0o644))
	t.Setenv("HYPOLINE_ACTOR", "")
	require.NoError(t, SetEnvValue(dir, "HYPOLINE_ACTOR", "Jana Veselá"))
	require.NoError(t, SetEnvValue(dir, "HYPOLINE_ACTOR", "Petr Novák"))

	data, err := os.ReadFile(EnvPath(dir))
	require.NoError(t, err)
	assert.Contains(t, string(data), "OTHER=1")
	assert.Contains(t, string(data), `HYPOLINE_ACTOR="Petr Novák"`)
	assert.Equal(t, "Petr Novák", os.Getenv("HYPOLINE_ACTOR"))
}

func TestLoadEnvMissingFile(t *testing.T) {
	assert.NoError(t, LoadEnv(t.TempDir()))
}
