package wfconfig_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wforce/wforced/internal/aghtime"
	"github.com/wforce/wforced/internal/wfconfig"
)

const validYAML = `
stats_dbs:
  - name: db
    num_windows: 5
    window_size: 60s
    fields:
      - name: attempts
        kind: int
lists:
  - name: denylist
    key_space: login
policy:
  script_path: policy.js
replication:
  enabled: false
api:
  address: 127.0.0.1:8084
`

func TestLoad_valid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wforced.yml")
	require.NoError(t, os.WriteFile(path, []byte(validYAML), 0o600))

	c, err := wfconfig.Load(path)
	require.NoError(t, err)
	require.Len(t, c.StatsDBs, 1)
	assert.Equal(t, "db", c.StatsDBs[0].Name)
	assert.Equal(t, "127.0.0.1:8084", c.API.Addr)
}

func TestLoad_missingFile(t *testing.T) {
	_, err := wfconfig.Load("/nonexistent/wforced.yml")
	assert.Error(t, err)
}

func TestConfig_validateRejectsBadStatsKind(t *testing.T) {
	c := &wfconfig.Config{
		StatsDBs: []wfconfig.StatsDBConfig{{
			Name: "db", NumWindows: 1, WindowSize: aghtime.Duration{Duration: 60 * time.Second},
			Fields: []wfconfig.FieldConfig{{Name: "f", Kind: "bogus"}},
		}},
		Policy: wfconfig.PolicyConfig{ScriptPath: "x.js"},
		API:    wfconfig.APIConfig{Addr: "127.0.0.1:0"},
	}

	assert.Error(t, c.Validate())
}

func TestConfig_validateRequiresReplicationKeyWhenEnabled(t *testing.T) {
	c := &wfconfig.Config{
		Policy:      wfconfig.PolicyConfig{ScriptPath: "x.js"},
		API:         wfconfig.APIConfig{Addr: "127.0.0.1:0"},
		Replication: wfconfig.ReplicationConfig{Enabled: true},
	}

	assert.Error(t, c.Validate())
}

func TestConfig_validateRequiresControlKeyWhenEnabled(t *testing.T) {
	c := &wfconfig.Config{
		Policy:  wfconfig.PolicyConfig{ScriptPath: "x.js"},
		API:     wfconfig.APIConfig{Addr: "127.0.0.1:0"},
		Control: wfconfig.ControlConfig{Enabled: true, Addr: "127.0.0.1:0"},
	}

	assert.Error(t, c.Validate())
}
