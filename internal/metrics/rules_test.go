package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRuleTable_RuleFor(t *testing.T) {
	tests := []struct {
		key  string
		want Rule
	}{
		{DiscoveryState, RuleDrop},
		{DiscoveryWorkerState, RuleDrop},
		{DiscoveryTestsByAdapter + "executor://go-test", RuleSum},
		{DiscoveryTestsByAdapter, RuleDrop},
		{DiscoveryAdapterTime + "executor://go-test", RuleSum},
		{DiscoveryTotalAdapterTime, RuleSum},
		{DiscoveryAdapterLoadTime, RuleSum},
		{"something.else", RuleDrop},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			assert.Equal(t, tt.want, DiscoveryRules.RuleFor(tt.key))
		})
	}
}

func TestRuleTable_MergeAndFinalize(t *testing.T) {
	merged := make(map[string]float64)

	rejected := ExecutionRules.Merge(merged, map[string]any{
		ExecutionTestsByAdapter + "a": 3,
		ExecutionAdapterTime + "a":    1.5,
		ExecutionTotalAdapterTime:     1.5,
		ExecutionState:                StateCompleted,
	})
	assert.Empty(t, rejected)

	rejected = ExecutionRules.Merge(merged, map[string]any{
		ExecutionTestsByAdapter + "a": int64(2),
		ExecutionTestsByAdapter + "b": "4",
		ExecutionAdapterTime + "b":    "oops",
		ExecutionState:                StateAborted,
	})
	assert.Equal(t, []string{ExecutionAdapterTime + "b"}, rejected)

	out := ExecutionRules.Finalize(merged)
	assert.Equal(t, 5.0, out[ExecutionTestsByAdapter+"a"])
	assert.Equal(t, 4.0, out[ExecutionTestsByAdapter+"b"])
	assert.Equal(t, 1.5, out[ExecutionAdapterTime+"a"])
	assert.Equal(t, 1, out[ExecutionAdaptersUsed], "two adapters still count as one")
	assert.Equal(t, 1, out[ExecutionAdaptersDiscovered])
	assert.NotContains(t, out, ExecutionState)
}

func TestRuleTable_FinalizeEmpty(t *testing.T) {
	out := DiscoveryRules.Finalize(map[string]float64{})
	assert.Empty(t, out)
}

func TestMapCollection(t *testing.T) {
	c := NewCollection()
	c.Add(DiscoveryState, StateCompleted)

	v, ok := c.TryGetValue(DiscoveryState)
	assert.True(t, ok)
	assert.Equal(t, StateCompleted, v)

	_, ok = c.TryGetValue("missing")
	assert.False(t, ok)

	all := c.All()
	all["mutated"] = true
	_, ok = c.TryGetValue("mutated")
	assert.False(t, ok, "All must return a copy")
}

func TestStateOf(t *testing.T) {
	assert.Equal(t, StateAborted, StateOf(true, true))
	assert.Equal(t, StateCanceled, StateOf(false, true))
	assert.Equal(t, StateCompleted, StateOf(false, false))
}
