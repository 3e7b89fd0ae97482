// Package automation reacts to incoming readings. The core only promises to
// call the hook on every successful reading and to contain its failures;
// what a notifier does with the data is its own business.
package automation

import (
	"context"
	"log/slog"
	"sync"

	"github.com/ermannoGirardo/edoxb-smart-home/types"
)

// Notifier is invoked on every successful reading. Implementations must be
// safe for concurrent calls from independent poll loops.
type Notifier interface {
	OnSensorData(ctx context.Context, sensorName string, reading types.SensorData)
}

// ActionExecutor runs a named action on a sensor. Satisfied by the manager.
type ActionExecutor interface {
	ExecuteAction(ctx context.Context, sensorName, actionName string) (types.ActionResult, error)
}

// Rule fires a target sensor's action when a source reading's numeric key
// crosses the threshold.
type Rule struct {
	SourceSensor string  `json:"source_sensor"`
	Key          string  `json:"key"`
	Above        float64 `json:"above"`
	TargetSensor string  `json:"target_sensor"`
	Action       string  `json:"action"`
}

// RuleNotifier evaluates threshold rules against readings and executes the
// matching actions. Executor errors are logged, never propagated: a
// misbehaving rule must not break ingestion.
type RuleNotifier struct {
	executor ActionExecutor
	logger   *slog.Logger

	mu    sync.RWMutex
	rules []Rule
	// firing tracks rules currently past their threshold so a rule fires
	// once per crossing, not once per reading.
	firing map[int]bool
}

// NewRuleNotifier builds a notifier over the given rules.
func NewRuleNotifier(rules []Rule, executor ActionExecutor, logger *slog.Logger) *RuleNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &RuleNotifier{
		executor: executor,
		logger:   logger,
		rules:    rules,
		firing:   make(map[int]bool),
	}
}

// OnSensorData evaluates every rule bound to sensorName against reading.
func (n *RuleNotifier) OnSensorData(ctx context.Context, sensorName string, reading types.SensorData) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Error("automation hook panicked", "sensor", sensorName, "panic", r)
		}
	}()

	n.mu.RLock()
	rules := n.rules
	n.mu.RUnlock()

	for i, rule := range rules {
		if rule.SourceSensor != sensorName {
			continue
		}
		value, ok := numericValue(reading.Data[rule.Key])
		if !ok {
			continue
		}
		n.evaluate(ctx, i, rule, value)
	}
}

// Rules returns a copy of the configured rules.
func (n *RuleNotifier) Rules() []Rule {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]Rule, len(n.rules))
	copy(out, n.rules)
	return out
}

func (n *RuleNotifier) evaluate(ctx context.Context, idx int, rule Rule, value float64) {
	crossed := value > rule.Above

	n.mu.Lock()
	wasFiring := n.firing[idx]
	n.firing[idx] = crossed
	n.mu.Unlock()

	if !crossed || wasFiring {
		return
	}

	n.logger.Info("automation rule triggered",
		"source", rule.SourceSensor, "key", rule.Key, "value", value,
		"threshold", rule.Above, "target", rule.TargetSensor, "action", rule.Action)

	result, err := n.executor.ExecuteAction(ctx, rule.TargetSensor, rule.Action)
	if err != nil {
		n.logger.Error("automation action failed",
			"target", rule.TargetSensor, "action", rule.Action, "error", err)
		return
	}
	if !result.Success {
		n.logger.Error("automation action rejected by device",
			"target", rule.TargetSensor, "action", rule.Action, "error", result.Error)
	}
}

// numericValue extracts a float from the loosely typed reading data.
func numericValue(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
