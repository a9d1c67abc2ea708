package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validYAML = `
name: checkout
load:
  pattern: basic
  vus: 5
  duration: 30s
  ramp_up: 5s
global:
  base_url: https://api.test
  think_time: 500ms
scenarios:
  - name: browse
    weight: 70
    steps:
      - type: rest
        name: get catalog
        rest:
          method: GET
          url: /catalog
        checks:
          - type: status
            value: 200
  - name: buy
    weight: 30
    steps:
      - type: rest
        name: create order
        rest:
          method: POST
          url: /orders
          json:
            sku: "{{sku}}"
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadValid(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	require.NoError(t, err)

	assert.Equal(t, "checkout", cfg.Name)
	require.Len(t, cfg.Load.Phases, 1)
	assert.Equal(t, PatternBasic, cfg.Load.Phases[0].Pattern)
	assert.Equal(t, 5, cfg.Load.Phases[0].VUs())
	require.Len(t, cfg.Scenarios, 2)
	assert.Equal(t, 70, cfg.Scenarios[0].EffectiveWeight())
	assert.Equal(t, StepRest, cfg.Scenarios[0].Steps[0].Type)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.ErrorContains(t, err, "not found")
}

func TestParseJSON(t *testing.T) {
	cfg, err := Parse([]byte(`{
		"name": "api smoke",
		"load": {"pattern": "basic", "virtual_users": 2, "duration": "10s"},
		"scenarios": [
			{"name": "ping", "steps": [
				{"type": "rest", "name": "ping", "rest": {"method": "GET", "url": "https://x.test/ping"}}
			]}
		]
	}`))
	require.NoError(t, err)
	assert.Equal(t, "api smoke", cfg.Name)
	assert.Equal(t, 2, cfg.Load.Phases[0].VUs())
}

func TestParsePhaseList(t *testing.T) {
	cfg, err := Parse([]byte(`
name: phased
load:
  - pattern: basic
    vus: 2
    duration: 10s
  - pattern: arrivals
    rate: 5
    duration: 30s
scenarios:
  - name: s
    steps:
      - type: wait
        name: pause
        wait: {duration: 1s}
`))
	require.NoError(t, err)
	require.Len(t, cfg.Load.Phases, 2)
	assert.Equal(t, PatternArrivals, cfg.Load.Phases[1].Pattern)
	assert.Equal(t, 5.0, cfg.Load.Phases[1].Rate)
}

func TestParseRejectsMissingName(t *testing.T) {
	_, err := Parse([]byte(`
scenarios:
  - name: s
    steps: []
`))
	assert.Error(t, err)
}

func TestParseRejectsUnknownPattern(t *testing.T) {
	_, err := Parse([]byte(`
name: x
load: {pattern: spiral, vus: 1, duration: 10s}
scenarios:
  - name: s
    steps:
      - {type: wait, name: w, wait: {duration: 1s}}
`))
	assert.Error(t, err)
}

func TestInferStepType(t *testing.T) {
	cfg, err := Parse([]byte(`
name: inferred
load: {vus: 1, duration: 1s}
scenarios:
  - name: s
    steps:
      - name: implicit rest
        rest: {method: GET, url: https://x.test}
      - name: implicit wait
        wait: {duration: 100ms}
      - name: implicit rendezvous
        rendezvous: {name: gate, count: 2}
`))
	require.NoError(t, err)
	steps := cfg.Scenarios[0].Steps
	assert.Equal(t, StepRest, steps[0].Type)
	assert.Equal(t, StepWait, steps[1].Type)
	assert.Equal(t, StepRendezvous, steps[2].Type)
}

func TestContinuesOnErrorDefault(t *testing.T) {
	s := &Step{}
	assert.True(t, s.ContinuesOnError())
	no := false
	s.ContinueOnError = &no
	assert.False(t, s.ContinuesOnError())
}
