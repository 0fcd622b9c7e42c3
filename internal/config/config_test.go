package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := Parse("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.True(t, cfg.Device.SendAcks)
	assert.Equal(t, 5*time.Second, cfg.Requests.Timeout)
	assert.Equal(t, 115200, cfg.Device.BaudRate)
}

func TestLoadFile(t *testing.T) {
	doc := `
[device]
path = "socket://192.168.1.5:6638"
baudrate = 460800
send_acks = false
tx_rate = 2000

[requests]
timeout = "750ms"
max_retries = 0
concurrency = 8

[admin]
listen = "127.0.0.1:8989"

[capture]
path = "/tmp/zbncp.db"

[log]
level = "debug"
`
	path := filepath.Join(t.TempDir(), "zbncp.toml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "socket://192.168.1.5:6638", cfg.Device.Path)
	assert.Equal(t, 460800, cfg.Device.BaudRate)
	assert.False(t, cfg.Device.SendAcks)
	assert.EqualValues(t, 2000, cfg.Device.TxRate)
	assert.Equal(t, 750*time.Millisecond, cfg.Requests.Timeout)
	assert.Equal(t, 0, cfg.Requests.MaxRetries)
	assert.Equal(t, 8, cfg.Requests.Concurrency)
	assert.Equal(t, "127.0.0.1:8989", cfg.AdminListen)
	assert.Equal(t, "/tmp/zbncp.db", cfg.CapturePath)
	assert.Equal(t, log.DebugLevel, cfg.LogLevel)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

func TestRejects(t *testing.T) {
	bad := []string{
		"[device]\nbaudrate = 0",
		"[device]\ntx_rate = -1",
		"[requests]\ntimeout = \"soon\"",
		"[requests]\ntimeout = \"0s\"",
		"[requests]\nconcurrency = 0",
		"[requests]\nconcurrency = 255",
		"[requests]\nmax_retries = -1",
		"[log]\nlevel = \"loud\"",
		"[device]\nparity = \"even\"",
	}
	for _, doc := range bad {
		_, err := Parse(doc)
		assert.Error(t, err, doc)
	}
}
