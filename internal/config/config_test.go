package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	require.True(t, cfg.Signing.AllowUnsigned)
	require.Equal(t, DefaultMaxRetries, cfg.Database.MaxRetries)
}

func TestLoadParsesOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bpfman.toml")
	data := []byte(`
[interfaces.eth0]
xdp_mode = "hw"

[signing]
allow_unsigned = false
verify_enabled = true
cosign_key_path = "/etc/bpfman/cosign.pub"

[database]
max_retries = 10
millisec_delay = 25

[registry]
allow_unsigned_list = ["example.com/trusted:latest"]
`)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "hw", cfg.XdpModeFor("eth0"))
	require.Equal(t, DefaultXdpMode, cfg.XdpModeFor("eth1"))
	require.False(t, cfg.Signing.AllowUnsigned)
	require.Equal(t, "/etc/bpfman/cosign.pub", cfg.Signing.CosignKeyPath)
	require.Equal(t, 10, cfg.Database.MaxRetries)
	require.Equal(t, 25, cfg.Database.MillisecDelay)
	require.True(t, cfg.AllowUnsignedFor("example.com/trusted:latest"))
	require.False(t, cfg.AllowUnsignedFor("example.com/untrusted:latest"))
}

func TestLoadAppliesDatabaseDefaultsWhenOmitted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bpfman.toml")
	require.NoError(t, os.WriteFile(path, []byte(`[signing]
allow_unsigned = false
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, DefaultMaxRetries, cfg.Database.MaxRetries)
	require.Equal(t, DefaultMillisecDelay, cfg.Database.MillisecDelay)
}
