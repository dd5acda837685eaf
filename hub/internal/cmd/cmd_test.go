package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/murmur-chat/murmur/hub/internal/auth"
	"github.com/murmur-chat/murmur/hub/internal/config"
	"github.com/murmur-chat/murmur/hub/internal/store"
)

const testSecret = "cmd-test-secret-0123456789abcdefghijkl"

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd("1.2.3")
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "murmur-hub 1.2.3\n", out)
}

func TestInitDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hub.json")
	out, err := execute(t, "init", "--defaults", "-o", path)
	require.NoError(t, err)
	assert.Contains(t, out, path)

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Len(t, cfg.Auth.JWTSecret, 64)
}

func writeConfig(t *testing.T, cfg *config.Config) string {
	t.Helper()
	data, err := json.Marshal(cfg)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "hub.json")
	require.NoError(t, os.WriteFile(path, data, 0600))
	return path
}

func TestTokenIssuesVerifiableToken(t *testing.T) {
	cfg := config.Default(testSecret)
	cfg.Storage.DSN = filepath.Join(t.TempDir(), "murmur.db")
	path := writeConfig(t, cfg)

	s, err := store.NewSQLite(cfg.Storage.DSN)
	require.NoError(t, err)
	u := &store.User{Username: "alice", DisplayName: "Alice"}
	require.NoError(t, s.CreateUser(context.Background(), u))
	require.NoError(t, s.Close())

	out, err := execute(t, "token", strconv.FormatInt(u.ID, 10), path)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(out, "Bearer "), out)

	claims, err := auth.NewHMACVerifier(testSecret).Verify(context.Background(), auth.StripBearer(out))
	require.NoError(t, err)
	assert.Equal(t, u.ID, claims.UserID)
	assert.Equal(t, "alice", claims.Username)
}

func TestTokenErrors(t *testing.T) {
	cfg := config.Default(testSecret)
	cfg.Storage.DSN = filepath.Join(t.TempDir(), "murmur.db")
	path := writeConfig(t, cfg)

	_, err := execute(t, "token", "abc", path)
	assert.ErrorContains(t, err, "invalid user id")

	_, err = execute(t, "token", "42", path)
	assert.ErrorIs(t, err, auth.ErrUserNotFound)

	_, err = execute(t, "token", "1")
	assert.ErrorContains(t, err, "read config")
}

func TestResolveConfigPath(t *testing.T) {
	root := NewRootCmd("dev")
	assert.Equal(t, "given.json", resolveConfigPath(root, []string{"given.json"}))
	assert.Equal(t, defaultConfigPath, resolveConfigPath(root, nil))

	require.NoError(t, root.PersistentFlags().Set("config", "flag.json"))
	assert.Equal(t, "flag.json", resolveConfigPath(root, nil))
	assert.Equal(t, "given.json", resolveConfigPath(root, []string{"given.json"}))
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(config.LoggingConfig{Level: "warn", Format: "json"}, &buf)
	logger.Info("hidden")
	logger.Warn("shown", "user_id", 7)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	assert.Equal(t, "shown", rec["msg"])

	buf.Reset()
	newLogger(config.LoggingConfig{Level: "debug", Format: "text"}, &buf).Debug("details")
	assert.Contains(t, buf.String(), "msg=details")
}
