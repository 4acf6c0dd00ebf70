package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "kaze.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `{
		"name": "demo",
		"listen": "127.0.0.1:9090",
		"workers": 2,
		"doc_root": "/srv/www",
		"sql": {"dsn": "file:demo?mode=memory", "pool_size": 4}
	}`)
	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "demo", c.Name)
	assert.Equal(t, "127.0.0.1:9090", c.Listen)
	assert.Equal(t, 2, c.Workers)
	assert.Equal(t, "/srv/www", c.DocRoot)
	assert.Equal(t, 4, c.SQL.PoolSize)
	assert.Equal(t, uint64(60000), c.RecvTimeoutMS, "unset fields keep defaults")
}

func TestLoadRejectsBadWorkers(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `{"workers": 0}`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadMinRuntime(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `{"min_runtime": "0.1.0"}`)
	_, err := Load(path)
	assert.NoError(t, err)

	path = writeConfig(t, t.TempDir(), `{"min_runtime": "99.0.0"}`)
	_, err = Load(path)
	assert.Error(t, err, "future min_runtime must be rejected")
}

func TestWatchReload(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `{"name": "before"}`)

	got := make(chan *Config, 4)
	w, err := Watch(path, func(c *Config) { got <- c })
	require.NoError(t, err)
	defer w.Close()

	time.Sleep(50 * time.Millisecond)
	writeConfig(t, dir, `{"name": "after"}`)

	select {
	case c := <-got:
		assert.Equal(t, "after", c.Name)
	case <-time.After(3 * time.Second):
		t.Fatalf("config change was not observed")
	}
}
