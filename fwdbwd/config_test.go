package fwdbwd

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLadder(t *testing.T) {
	tests := []struct {
		name string
		p    PruningConfig
		want []float64
	}{
		{"disabled", PruningConfig{}, []float64{math.Inf(1)}},
		{"single", PruningConfig{Init: 100}, []float64{100}},
		{"steps", PruningConfig{Init: 100, Inc: 50, Limit: 250}, []float64{100, 150, 200, 250}},
		{"limit between steps", PruningConfig{Init: 100, Inc: 50, Limit: 220}, []float64{100, 150, 200}},
		{"limit before init", PruningConfig{Init: 100, Inc: 50, Limit: 20}, []float64{100}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.p.Ladder())
		})
	}

	full := PruningConfig{Init: 1, Inc: 1, Limit: MaxPruningTrials}
	require.NoError(t, full.Validate())
	assert.Len(t, full.Ladder(), MaxPruningTrials)
	assert.Equal(t, float64(MaxPruningTrials), full.Ladder()[MaxPruningTrials-1])

	fine := PruningConfig{Init: 1, Inc: 1e-9, Limit: 1e3}
	assert.Len(t, fine.Ladder(), MaxPruningTrials)
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	bad := []func(*Config){
		func(c *Config) { c.Pruning.Init = -1 },
		func(c *Config) { c.Pruning = PruningConfig{Init: 100, Inc: 10, Limit: 50} },
		func(c *Config) { c.Pruning.MinForwardProb = 1 },
		func(c *Config) { c.Pruning = PruningConfig{Init: 1, Inc: 1e-9, Limit: 1e3} },
		func(c *Config) { c.Pruning = PruningConfig{Init: 1, Inc: 1, Limit: math.Inf(1)} },
		func(c *Config) { c.Pruning = PruningConfig{Init: math.NaN()} },
		func(c *Config) { c.Update = "tmx" },
		func(c *Config) { c.Mode = "viterbi" },
		func(c *Config) { c.Adapt = "sometimes" },
		func(c *Config) { c.BoundarySlack = -1 },
		func(c *Config) { c.AgreementTolerance = -1 },
	}
	for i, mutate := range bad {
		cfg := DefaultConfig()
		mutate(&cfg)
		assert.ErrorIs(t, cfg.Validate(), ErrConfig, "case %d", i)
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fb.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
pruning:
  init: 250
  inc: 150
  limit: 1000
update: mvw
mode: model
boundary_slack: 3
triphone:
  expand: true
  backoff: true
  context_free: [sil, sp]
`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 250.0, cfg.Pruning.Init)
	assert.Equal(t, -10.0, cfg.Pruning.MinForwardProb)
	assert.Equal(t, []float64{250, 400, 550, 700, 850, 1000}, cfg.Pruning.Ladder())
	assert.Equal(t, ModeModel, cfg.Mode)
	assert.Equal(t, AdaptNone, cfg.Adapt)
	assert.Equal(t, 3, cfg.BoundarySlack)
	assert.Equal(t, 1e-4, cfg.AgreementTolerance)
	assert.Equal(t, []string{"sil", "sp"}, cfg.Triphone.ContextFree)
	u := cfg.updates()
	assert.False(t, u.trans)
	assert.False(t, u.durs)
	assert.True(t, u.means && u.vars && u.weights)

	require.NoError(t, os.WriteFile(path, []byte("mode: viterbi\n"), 0o644))
	_, err = LoadConfig(path)
	assert.ErrorIs(t, err, ErrConfig)

	require.NoError(t, os.WriteFile(path, []byte("pruning: [1, 2\n"), 0o644))
	_, err = LoadConfig(path)
	assert.Error(t, err)

	_, err = LoadConfig(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}
