package engine

import (
	"sort"

	"github.com/tofesapp/automation/internal/trigger"
)

// MatchRules filters rules against an event payload and orders the
// matches for dispatch: priority descending, creation order ascending
// on ties. The sort is stable and the store returns rules in creation
// order, so evaluation order is deterministic across calls.
//
// Rules with no conditions match unconditionally. A matched rule with
// zero actions is a legal no-op; the caller still records the match for
// audit.
func MatchRules(rules []trigger.Rule, payload trigger.Payload) []trigger.Rule {
	var matched []trigger.Rule
	for _, rule := range rules {
		if trigger.MatchesAll(rule.Conditions, payload) {
			matched = append(matched, rule)
		}
	}

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Priority > matched[j].Priority
	})

	return matched
}
