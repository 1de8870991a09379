package main

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roboricindustries/raycon-dispatch/internal/config"
	"github.com/roboricindustries/raycon-dispatch/pkg/policy"
	"github.com/roboricindustries/raycon-dispatch/pkg/store"
)

func TestRootCommandTree(t *testing.T) {
	root := buildRootCmd()
	for _, name := range []string{"serve", "hub", "agent", "distribute", "sweep", "agents"} {
		cmd, _, err := root.Find([]string{name})
		require.NoError(t, err)
		assert.Equal(t, name, cmd.Name())
	}
}

func TestNewLogger(t *testing.T) {
	l := newLogger(config.LoggingConfig{Level: "debug", Format: "json"})
	assert.True(t, l.Enabled(context.Background(), slog.LevelDebug))

	l = newLogger(config.LoggingConfig{Level: "warn"})
	assert.False(t, l.Enabled(context.Background(), slog.LevelInfo))
}

// writeConfig points the commands at a SQLite file in a temp dir.
func writeConfig(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	dsn := filepath.Join(dir, "dispatch.db")
	path := filepath.Join(dir, "config.yaml")
	content := fmt.Sprintf(`
tenant: acme
database:
  driver: sqlite
  dsn: %q
sweep:
  item_delay: "1ms"
metrics:
  enabled: false
logging:
  level: error
`, dsn)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path, dsn
}

func seed(t *testing.T, dsn string) {
	t.Helper()
	st, err := store.OpenSQL(store.Options{Driver: store.DriverSQLite, DSN: dsn})
	require.NoError(t, err)
	defer st.Close()

	ctx := context.Background()
	require.NoError(t, st.UpsertAgent(ctx, &store.Agent{
		ID:           "agent-1",
		TenantID:     "acme",
		DisplayName:  "Ana",
		Role:         policy.RoleAgent,
		Status:       policy.StatusOnline,
		LastActivity: time.Now().UTC(),
	}))
	require.NoError(t, st.CreateConversation(ctx, &store.Conversation{
		ID:        "conv-1",
		TenantID:  "acme",
		Status:    store.StatusPending,
		CreatedAt: time.Now().UTC(),
	}))
}

func run(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	root := buildRootCmd()
	root.SetOut(&out)
	root.SetArgs(args)
	require.NoError(t, root.Execute())
	return out.String()
}

func TestAgentsAndDistributeCommands(t *testing.T) {
	path, dsn := writeConfig(t)
	seed(t, dsn)

	out := run(t, "agents", "--config", path)
	assert.Contains(t, out, "CAPACITY")
	assert.Contains(t, out, "agent-1")

	out = run(t, "distribute", "conv-1", "--config", path)
	assert.Contains(t, out, "assigned")
	assert.Contains(t, out, "agent-1")

	out = run(t, "sweep", "--config", path)
	assert.Contains(t, out, "listed=0")
}
