package logger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInitWritesJSONAndAudit(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "app.log")
	audit := filepath.Join(dir, "audit", "audit.log")

	require.NoError(t, Init(Config{
		Level:       "debug",
		OutputPaths: []string{out},
		Audit:       AuditConfig{Enabled: true, Path: audit},
	}))
	t.Cleanup(func() { _ = Init(Config{}) })

	Named("directory").Info("registered", "name", "scout")
	Audit().Info("transition", "session_id", "S1")
	require.NoError(t, Sync())

	raw, err := os.ReadFile(out)
	require.NoError(t, err)
	var entry map[string]any
	require.NoError(t, json.Unmarshal(raw, &entry))
	require.Equal(t, "directory", entry["component"])
	require.Equal(t, "scout", entry["name"])

	auditRaw, err := os.ReadFile(audit)
	require.NoError(t, err)
	require.Contains(t, string(auditRaw), `"session_id":"S1"`)
}

func TestInitRejectsEmptyAuditPath(t *testing.T) {
	err := Init(Config{Audit: AuditConfig{Enabled: true}})
	require.Error(t, err)
}

func TestParseLevel(t *testing.T) {
	require.Equal(t, "WARN", parseLevel("warning").String())
	require.Equal(t, "INFO", parseLevel("bogus").String())
}
