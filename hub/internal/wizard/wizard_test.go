package wizard

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/murmur-chat/murmur/hub/internal/config"
	"github.com/murmur-chat/murmur/pkg/cli"
)

func runWizard(t *testing.T, input string) (*config.Config, string, string) {
	t.Helper()
	out := &bytes.Buffer{}
	p := &cli.Prompter{In: strings.NewReader(input), Out: out}

	outputPath := filepath.Join(t.TempDir(), "hub-config.json")
	require.NoError(t, New(p).Run(outputPath))

	data, err := os.ReadFile(outputPath)
	require.NoError(t, err)
	var cfg config.Config
	require.NoError(t, json.Unmarshal(data, &cfg))
	return &cfg, outputPath, out.String()
}

func answers(lines ...string) string {
	return strings.Join(lines, "\n") + "\n"
}

func TestWizard_SQLiteWithBot(t *testing.T) {
	cfg, path, out := runWizard(t, answers(
		":9090", // listen address
		"http://localhost:3000, https://chat.example.com", // origins
		"1",                // storage: sqlite
		"./data/murmur.db", // sqlite path
		"",                 // max conns per user (default)
		"n",                // redis
		"y",                // enable bot
		"sk-test-key",      // api key
		"",                 // model (default)
		"50",               // history
		"2",                // log level: debug
		"2",                // log format: text
	))

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, []string{"http://localhost:3000", "https://chat.example.com"}, cfg.Server.AllowedOrigins)
	assert.GreaterOrEqual(t, len(cfg.Auth.JWTSecret), 32)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, "./data/murmur.db", cfg.Storage.DSN)
	assert.Equal(t, 10, cfg.Realtime.MaxConnsPerUser)
	assert.Empty(t, cfg.Cache.Driver)
	assert.Empty(t, cfg.Queue.Driver)
	assert.True(t, cfg.Bot.Enabled)
	assert.Equal(t, "sk-test-key", cfg.Bot.APIKey)
	assert.Equal(t, "claude-sonnet-4-20250514", cfg.Bot.Model)
	assert.Equal(t, 50, cfg.Bot.History)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)

	assert.Contains(t, out, "Config written to "+path)
	assert.NotContains(t, out, "MURMUR_BOT_API_KEY")
}

func TestWizard_PostgresWithRedis(t *testing.T) {
	cfg, path, _ := runWizard(t, answers(
		":8080",
		"",
		"2", // storage: postgres
		"postgres://murmur:pass@db:5432/murmur",
		"25",
		"y", // redis
		"redis://cache:6379/1",
		"n", // bot
		"",
		"",
	))

	assert.Equal(t, "postgres", cfg.Storage.Driver)
	assert.Equal(t, 25, cfg.Realtime.MaxConnsPerUser)
	assert.Equal(t, "redis", cfg.Cache.Driver)
	assert.Equal(t, "redis://cache:6379/1", cfg.Cache.URL)
	assert.Equal(t, "asynq", cfg.Queue.Driver)
	assert.Equal(t, "redis://cache:6379/1", cfg.Queue.RedisURL)
	assert.False(t, cfg.Bot.Enabled)

	// The written file must pass validation as-is.
	_, err := config.Load(path)
	require.NoError(t, err)
}

func TestWizard_BotWithoutKeyWarns(t *testing.T) {
	cfg, _, out := runWizard(t, answers(
		"", "", "1", "", "", "n",
		"y", // enable bot
		"",  // no api key
		"", "",
		"", "",
	))
	assert.True(t, cfg.Bot.Enabled)
	assert.Empty(t, cfg.Bot.APIKey)
	assert.Contains(t, out, "MURMUR_BOT_API_KEY")
}

func TestWizard_ClosedInputTakesDefaults(t *testing.T) {
	cfg, path, _ := runWizard(t, "")

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, []string{"*"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, "murmur.db", cfg.Storage.DSN)
	assert.Equal(t, 10, cfg.Realtime.MaxConnsPerUser)
	assert.False(t, cfg.Bot.Enabled)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)

	_, err := config.Load(path)
	require.NoError(t, err)
}

func TestWriteDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "murmur-hub.json")
	require.NoError(t, WriteDefaults(path))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}
