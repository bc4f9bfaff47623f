package domain

import (
	"fmt"
	"time"
)

// Snapshot renders the machine as a portable map suitable for JSON
// round-tripping across the API surface.
func (sm *StateMachine) Snapshot() map[string]interface{} {
	history := make([]interface{}, 0, len(sm.history))
	for _, entry := range sm.history {
		h := map[string]interface{}{
			"state":     string(entry.State),
			"timestamp": entry.Timestamp.UTC().Format(time.RFC3339Nano),
		}
		if entry.Meta != nil {
			h["meta"] = metaToMap(entry.Meta)
		}
		history = append(history, h)
	}
	return map[string]interface{}{
		"aggregate_id":  sm.aggregateID,
		"kind":          string(sm.def.Kind),
		"current_state": string(sm.current),
		"history":       history,
	}
}

// FromSnapshot reconstructs a machine from a Snapshot map.
func FromSnapshot(data map[string]interface{}) (*StateMachine, error) {
	kind, _ := data["kind"].(string)
	def := DefinitionFor(AggregateKind(kind))
	if def.Kind != AggregateKind(kind) {
		return nil, Validationf("unknown aggregate kind %q", kind)
	}
	id, _ := data["aggregate_id"].(string)
	current, _ := data["current_state"].(string)

	rawHistory, _ := data["history"].([]interface{})
	history := make([]HistoryEntry, 0, len(rawHistory))
	for i, raw := range rawHistory {
		m, ok := raw.(map[string]interface{})
		if !ok {
			return nil, Validationf("history entry %d is not a map", i)
		}
		stateStr, _ := m["state"].(string)
		tsStr, _ := m["timestamp"].(string)
		ts, err := time.Parse(time.RFC3339Nano, tsStr)
		if err != nil {
			return nil, fmt.Errorf("%w: history entry %d has bad timestamp %q", ErrValidation, i, tsStr)
		}
		entry := HistoryEntry{State: State(stateStr), Timestamp: ts}
		if rawMeta, ok := m["meta"].(map[string]interface{}); ok {
			entry.Meta = metaFromMap(rawMeta)
		}
		history = append(history, entry)
	}

	return RestoreStateMachine(def, id, State(current), history)
}

func metaToMap(meta *TransitionMeta) map[string]interface{} {
	m := map[string]interface{}{
		"triggered_by": meta.TriggeredBy,
	}
	if meta.Reason != "" {
		m["reason"] = meta.Reason
	}
	if meta.FileUploaded != "" {
		m["file_uploaded"] = meta.FileUploaded
	}
	if meta.QualityIssuesCount != nil {
		m["quality_issues_count"] = *meta.QualityIssuesCount
	}
	if meta.ErrorMessage != "" {
		m["error_message"] = meta.ErrorMessage
	}
	if len(meta.Additional) > 0 {
		m["additional"] = meta.Additional
	}
	if meta.Forced {
		m["forced"] = true
	}
	return m
}

func metaFromMap(m map[string]interface{}) *TransitionMeta {
	meta := &TransitionMeta{}
	meta.TriggeredBy, _ = m["triggered_by"].(string)
	meta.Reason, _ = m["reason"].(string)
	meta.FileUploaded, _ = m["file_uploaded"].(string)
	meta.ErrorMessage, _ = m["error_message"].(string)
	if v, ok := m["quality_issues_count"]; ok {
		switch n := v.(type) {
		case int:
			meta.QualityIssuesCount = &n
		case float64:
			count := int(n)
			meta.QualityIssuesCount = &count
		}
	}
	if add, ok := m["additional"].(map[string]interface{}); ok {
		meta.Additional = add
	}
	if forced, ok := m["forced"].(bool); ok {
		meta.Forced = forced
	}
	return meta
}
