package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/semihalev/zlog/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshns/meshns/config"
	"github.com/meshns/meshns/directory"
)

func Test_parseLevel(t *testing.T) {
	tests := []struct {
		level string
		want  zlog.Level
		err   bool
	}{
		{"debug", zlog.LevelDebug, false},
		{"INFO", zlog.LevelInfo, false},
		{"", zlog.LevelInfo, false},
		{"warn", zlog.LevelWarn, false},
		{"error", zlog.LevelError, false},
		{"loud", zlog.LevelInfo, true},
	}

	for _, tt := range tests {
		lvl, err := parseLevel(tt.level)
		if tt.err {
			assert.Error(t, err, tt.level)
			continue
		}
		assert.NoError(t, err, tt.level)
		assert.Equal(t, tt.want, lvl, tt.level)
	}

	assert.Error(t, setupLogger("loud"))
	assert.NoError(t, setupLogger("debug"))
}

func Test_logLevel(t *testing.T) {
	cfg := &config.Config{LogLevel: "warn"}

	t.Setenv("MESHNS_LOG", "")
	assert.Equal(t, "warn", logLevel("", cfg))

	t.Setenv("MESHNS_LOG", "error")
	assert.Equal(t, "error", logLevel("", cfg))
	assert.Equal(t, "debug", logLevel("debug", cfg))
}

func Test_newDirectory(t *testing.T) {
	t.Setenv("MESHNS_TOKEN", "secret")

	dir, err := newDirectory(&config.Config{Directory: config.Directory{Kind: "central", URL: "http://127.0.0.1:9993"}})
	require.NoError(t, err)
	assert.IsType(t, &directory.Central{}, dir)

	_, err = newDirectory(&config.Config{Directory: config.Directory{Kind: "carrier-pigeon"}})
	assert.Error(t, err)
}

func Test_startBadConfig(t *testing.T) {
	err := start(context.Background(), filepath.Join(t.TempDir(), "missing.conf"), "", "8056c2e21c000001")
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bogus.conf")
	require.NoError(t, os.WriteFile(path, []byte("[directory]\nkind = \"bogus\"\n"), 0600))

	err = start(context.Background(), path, "info", "8056c2e21c000001")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown directory kind")
}

func Test_versionCmd(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"version"})
	defer rootCmd.SetArgs(nil)

	require.NoError(t, rootCmd.Execute())
	assert.Equal(t, "meshns v"+Version+"\n", out.String())
}

func Test_startArgs(t *testing.T) {
	rootCmd.SetArgs([]string{"start"})
	defer rootCmd.SetArgs(nil)

	assert.Error(t, rootCmd.Execute())
}
