package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ermannoGirardo/edoxb-smart-home/errors"
)

func TestLoadRules(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.json")
	raw := `[{"source_sensor":"thermostat","key":"temp","above":30,"target_sensor":"vent","action":"open"}]`
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o644))

	rules, err := loadRules(path)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, "thermostat", rules[0].SourceSensor)
	assert.Equal(t, "vent", rules[0].TargetSensor)
	assert.InDelta(t, 30.0, rules[0].Above, 0.001)
}

func TestLoadRulesMissingFile(t *testing.T) {
	_, err := loadRules(filepath.Join(t.TempDir(), "absent.json"))
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
}

func TestLoadRulesBadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.json")
	require.NoError(t, os.WriteFile(path, []byte("{broken"), 0o644))

	_, err := loadRules(path)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestNewLoggerLevels(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error", "bogus"} {
		assert.NotNil(t, newLogger(level), level)
	}
}

func TestLateExecutorUnbound(t *testing.T) {
	ex := &lateExecutor{}
	_, err := ex.ExecuteAction(context.Background(), "thermostat", "open")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrNotStarted))
}
