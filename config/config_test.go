package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func boolPtr(v bool) *bool {
	return &v
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "tcp", cfg.Network)
	assert.Equal(t, "127.0.0.1:7070", cfg.Address)
	assert.Equal(t, 1024, cfg.BufferSize)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, StoreMemory, cfg.Store)
	assert.Zero(t, cfg.CallsPerSecond)
	assert.NoError(t, cfg.Validate())
}

func TestMerge(t *testing.T) {
	t.Run("set fields win", func(t *testing.T) {
		dst := Default()
		Merge(&dst, FileConfig{
			Server: FileServerConfig{Network: "unix", Address: "/run/wizard.sock", BufferSize: 4096, CallsPerSecond: 5, CallBurst: 2},
			Log:    FileLogConfig{Level: "debug"},
			Store:  FileStoreConfig{Backend: StoreRedis, CleanupInterval: time.Minute},
		})

		assert.Equal(t, "unix", dst.Network)
		assert.Equal(t, "/run/wizard.sock", dst.Address)
		assert.Equal(t, 4096, dst.BufferSize)
		assert.Equal(t, 5.0, dst.CallsPerSecond)
		assert.Equal(t, 2, dst.CallBurst)
		assert.Equal(t, "debug", dst.LogLevel)
		assert.Equal(t, StoreRedis, dst.Store)
		assert.Equal(t, time.Minute, dst.CleanupInterval)
	})

	t.Run("unset bool keeps default", func(t *testing.T) {
		dst := Default()
		dst.ReplyDecodeErrors = true
		Merge(&dst, FileConfig{})
		assert.True(t, dst.ReplyDecodeErrors)
	})

	t.Run("explicit false applies", func(t *testing.T) {
		dst := Default()
		dst.ReplyDecodeErrors = true
		Merge(&dst, FileConfig{Server: FileServerConfig{ReplyDecodeErrors: boolPtr(false)}})
		assert.False(t, dst.ReplyDecodeErrors)
	})
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Run("parses every kind", func(t *testing.T) {
		t.Setenv("DISPATCH_ADDRESS", " 0.0.0.0:9000 ")
		t.Setenv("DISPATCH_BUFFER_SIZE", "2048")
		t.Setenv("DISPATCH_CALLS_PER_SECOND", "2.5")
		t.Setenv("DISPATCH_CALL_BURST", "3")
		t.Setenv("DISPATCH_REPLY_DECODE_ERRORS", "true")
		t.Setenv("DISPATCH_CLEANUP_INTERVAL", "90s")

		cfg := Default()
		require.NoError(t, ApplyEnvOverrides(&cfg))
		assert.Equal(t, "0.0.0.0:9000", cfg.Address)
		assert.Equal(t, 2048, cfg.BufferSize)
		assert.Equal(t, 2.5, cfg.CallsPerSecond)
		assert.Equal(t, 3, cfg.CallBurst)
		assert.True(t, cfg.ReplyDecodeErrors)
		assert.Equal(t, 90*time.Second, cfg.CleanupInterval)
	})

	t.Run("invalid value is reported and ignored", func(t *testing.T) {
		t.Setenv("DISPATCH_BUFFER_SIZE", "lots")
		cfg := Default()
		err := ApplyEnvOverrides(&cfg)
		assert.ErrorContains(t, err, "DISPATCH_BUFFER_SIZE")
		assert.Equal(t, 1024, cfg.BufferSize)
	})

	t.Run("blank value is ignored", func(t *testing.T) {
		t.Setenv("DISPATCH_NETWORK", "  ")
		cfg := Default()
		require.NoError(t, ApplyEnvOverrides(&cfg))
		assert.Equal(t, "tcp", cfg.Network)
	})
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"network", func(c *Config) { c.Network = "udp" }, "unsupported network"},
		{"address", func(c *Config) { c.Address = "" }, "address is required"},
		{"buffer", func(c *Config) { c.BufferSize = 0 }, "buffer size"},
		{"negative rate", func(c *Config) { c.CallsPerSecond = -1 }, "calls per second"},
		{"burst", func(c *Config) { c.CallsPerSecond = 1 }, "call burst"},
		{"store", func(c *Config) { c.Store = "etcd" }, "unknown store"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			assert.ErrorContains(t, cfg.Validate(), tc.want)
		})
	}
}

func TestLoad(t *testing.T) {
	t.Run("yaml then env", func(t *testing.T) {
		dir := t.TempDir()
		t.Chdir(dir)
		path := writeFile(t, dir, "config.yaml", `
server:
  network: tcp
  address: 127.0.0.1:7171
  replyDecodeErrors: true
log:
  level: debug
store:
  cleanupInterval: 5m
`)
		t.Setenv("DISPATCH_ADDRESS", "127.0.0.1:7272")

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, "127.0.0.1:7272", cfg.Address)
		assert.True(t, cfg.ReplyDecodeErrors)
		assert.Equal(t, "debug", cfg.LogLevel)
		assert.Equal(t, 5*time.Minute, cfg.CleanupInterval)
	})

	t.Run("dotenv does not override the environment", func(t *testing.T) {
		dir := t.TempDir()
		t.Chdir(dir)
		writeFile(t, dir, ".env", "DISPATCH_LOG_LEVEL=warn\nDISPATCH_STORE=redis\n")
		t.Setenv("DISPATCH_STORE", "memory")
		t.Setenv("DISPATCH_LOG_LEVEL", "")
		require.NoError(t, os.Unsetenv("DISPATCH_LOG_LEVEL"))

		cfg, err := Load("")
		require.NoError(t, err)
		assert.Equal(t, "warn", cfg.LogLevel)
		assert.Equal(t, StoreMemory, cfg.Store)
	})

	t.Run("missing file", func(t *testing.T) {
		t.Chdir(t.TempDir())
		_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.Error(t, err)
	})

	t.Run("bad yaml", func(t *testing.T) {
		dir := t.TempDir()
		t.Chdir(dir)
		_, err := Load(writeFile(t, dir, "config.yaml", "server: [oops"))
		assert.ErrorContains(t, err, "parse")
	})

	t.Run("invalid result", func(t *testing.T) {
		dir := t.TempDir()
		t.Chdir(dir)
		_, err := Load(writeFile(t, dir, "config.yaml", "server:\n  network: udp\n"))
		assert.ErrorContains(t, err, "unsupported network")
	})
}
