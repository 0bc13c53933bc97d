package coremain

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pmkol/fwdns/pkg/config"
)

func writeFile(t *testing.T, dir, name, s string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(s), 0o644))
	return p
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "config.yaml", `
listen: "127.0.0.1:5300"
retry_count: 2
upstreams:
  - addr: 1.1.1.1
    priority: 2
  - addr: 8.8.8.8
    port: "5353"
    timeout: 800
    priority: 1
    proxy:
      type: socks5
      host: 127.0.0.1
      port: 1080
cache:
  max_entries: 500
`)
	cfg, v, err := loadConfig(p)
	require.NoError(t, err)
	assert.Equal(t, p, v.ConfigFileUsed())

	snap, err := cfg.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:5300", snap.Listen)
	assert.Equal(t, config.PolicyPriority, snap.Policy)
	assert.Equal(t, 2, snap.RetryCount)
	assert.True(t, snap.CacheEnabled)
	assert.Equal(t, 500, snap.CacheMaxEntries)
	assert.Equal(t, uint32(config.DefaultDefaultTTL), snap.CacheDefaultTTL)
	assert.False(t, snap.QueryLogEnabled)

	require.Len(t, snap.Upstreams, 2)
	u := snap.Upstreams[0]
	assert.Equal(t, "1.1.1.1:53", u.Addr())
	assert.True(t, u.Enabled)
	assert.Equal(t, config.DefaultTimeout, u.Timeout)
	u = snap.Upstreams[1]
	assert.Equal(t, "8.8.8.8:5353", u.Addr())
	assert.Equal(t, 800*time.Millisecond, u.Timeout)
	require.NotNil(t, u.Proxy)
	assert.Equal(t, "127.0.0.1:1080", u.Proxy.Addr())

	c := snap.Candidates()
	require.Len(t, c, 2)
	assert.Equal(t, "8.8.8.8:5353", c[0].Addr())
}

func TestLoadConfig_invalid(t *testing.T) {
	dir := t.TempDir()

	_, _, err := loadConfig(writeFile(t, dir, "unknown.yaml", "listen: :53\nnope: 1\n"))
	require.Error(t, err)

	_, _, err = loadConfig(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)

	tests := []struct {
		name string
		s    string
	}{
		{"bad policy", "upstream_policy: random\n"},
		{"bad client", "allowed_clients: [\"nope\"]\n"},
		{"bad proxy", "upstreams:\n  - addr: 1.1.1.1\n    proxy: {type: http, host: 127.0.0.1, port: 8080}\n"},
		{"empty addr", "upstreams:\n  - port: 53\n"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			cfg, _, err := loadConfig(writeFile(t, dir, "c.yaml", tt.s))
			require.NoError(t, err)
			_, err = cfg.Snapshot()
			require.ErrorIs(t, err, config.ErrInvalid)
		})
	}
}

func TestMergeInclude(t *testing.T) {
	dir := t.TempDir()
	sub := writeFile(t, dir, "sub.yaml", `
allowed_clients: ["10.0.0.0/8"]
upstreams:
  - addr: 9.9.9.9
`)
	p := writeFile(t, dir, "config.yaml", "include: [\""+filepath.ToSlash(sub)+"\"]\nallowed_clients: [\"127.0.0.1\"]\nupstreams:\n  - addr: 1.1.1.1\n")

	cfg, v, err := loadConfig(p)
	require.NoError(t, err)
	require.NoError(t, mergeInclude(cfg, 0, []string{v.ConfigFileUsed()}))
	require.Len(t, cfg.Upstreams, 2)
	assert.Equal(t, "9.9.9.9", cfg.Upstreams[0].Addr)
	assert.Equal(t, "1.1.1.1", cfg.Upstreams[1].Addr)
	assert.Equal(t, []string{"10.0.0.0/8", "127.0.0.1"}, cfg.AllowedClients)

	self := writeFile(t, dir, "loop.yaml", "include: [\""+filepath.ToSlash(filepath.Join(dir, "loop.yaml"))+"\"]\n")
	cfg, _, err = loadConfig(self)
	require.NoError(t, err)
	require.ErrorContains(t, mergeInclude(cfg, 0, []string{self}), "maximum include depth")
}

func TestConfigDump(t *testing.T) {
	p := writeFile(t, t.TempDir(), "config.yaml", "upstreams:\n  - addr: 1.1.1.1\n")
	cmd := newConfigDumpCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"-c", p})
	require.NoError(t, cmd.Execute())

	s := out.String()
	assert.Contains(t, s, "5354")
	assert.Contains(t, s, "upstream_policy: priority")
	assert.Contains(t, s, "max_entries: 10000")
	assert.Contains(t, s, "port: 53")
}
