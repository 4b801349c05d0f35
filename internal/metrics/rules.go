package metrics

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Rule says how values of one metric key combine across workers
type Rule int

const (
	// RuleDrop discards the key when merging
	RuleDrop Rule = iota
	// RuleSum adds the numeric values together
	RuleSum
)

// String implements fmt.Stringer
func (r Rule) String() string {
	if r == RuleSum {
		return "sum"
	}
	return "drop"
}

// RuleEntry classifies a key or, when Prefix is set, every key starting with Key
type RuleEntry struct {
	Key    string
	Prefix bool
	Rule   Rule
}

// RuleTable is an ordered classification table. The first matching entry
// wins; keys matching nothing are dropped.
type RuleTable struct {
	Entries []RuleEntry

	// UsedPrefix and DiscoveredPrefix drive the two derived counts
	UsedPrefix       string
	DiscoveredPrefix string
	UsedKey          string
	DiscoveredKey    string
}

// DiscoveryRules merges discovery metrics
var DiscoveryRules = RuleTable{
	Entries: []RuleEntry{
		{Key: DiscoveryState, Rule: RuleDrop},
		{Key: DiscoveryWorkerState, Rule: RuleDrop},
		{Key: DiscoveryTestsByAdapter, Prefix: true, Rule: RuleSum},
		{Key: DiscoveryAdapterTime, Prefix: true, Rule: RuleSum},
		{Key: DiscoveryTotalAdapterTime, Rule: RuleSum},
		{Key: DiscoveryAdapterLoadTime, Rule: RuleSum},
	},
	UsedPrefix:       DiscoveryTestsByAdapter,
	DiscoveredPrefix: DiscoveryAdapterTime,
	UsedKey:          DiscoveryAdaptersUsed,
	DiscoveredKey:    DiscoveryAdaptersDiscovered,
}

// ExecutionRules merges execution metrics
var ExecutionRules = RuleTable{
	Entries: []RuleEntry{
		{Key: ExecutionState, Rule: RuleDrop},
		{Key: ExecutionWorkerState, Rule: RuleDrop},
		{Key: ExecutionTestsByAdapter, Prefix: true, Rule: RuleSum},
		{Key: ExecutionAdapterTime, Prefix: true, Rule: RuleSum},
		{Key: ExecutionTotalAdapterTime, Rule: RuleSum},
	},
	UsedPrefix:       ExecutionTestsByAdapter,
	DiscoveredPrefix: ExecutionAdapterTime,
	UsedKey:          ExecutionAdaptersUsed,
	DiscoveredKey:    ExecutionAdaptersDiscovered,
}

// RuleFor classifies key
func (t RuleTable) RuleFor(key string) Rule {
	for _, e := range t.Entries {
		if e.Prefix && strings.HasPrefix(key, e.Key) && len(key) > len(e.Key) {
			return e.Rule
		}
		if !e.Prefix && key == e.Key {
			return e.Rule
		}
	}
	return RuleDrop
}

// Merge folds in into merged following the table. It returns the keys that
// had a summable rule but a non-numeric value.
func (t RuleTable) Merge(merged map[string]float64, in map[string]any) []string {
	var rejected []string
	for key, value := range in {
		if t.RuleFor(key) != RuleSum {
			continue
		}
		f, ok := ToFloat(value)
		if !ok {
			rejected = append(rejected, key)
			continue
		}
		merged[key] += f
	}
	return rejected
}

// Finalize copies merged into a result map and adds the derived counts,
// which depend only on the shape of the merged keys. Adapters used is 1
// whenever any tests-by-adapter key is present.
func (t RuleTable) Finalize(merged map[string]float64) map[string]any {
	out := make(map[string]any, len(merged)+2)
	used, discovered := false, 0
	for key, value := range merged {
		out[key] = value
		if strings.HasPrefix(key, t.UsedPrefix) {
			used = true
		}
		if strings.HasPrefix(key, t.DiscoveredPrefix) {
			discovered++
		}
	}
	if used {
		out[t.UsedKey] = 1
	}
	if discovered > 0 {
		out[t.DiscoveredKey] = discovered
	}
	return out
}

// ToFloat converts the numeric types workers report into float64
func ToFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
