package schemas

import "fmt"

type TraceStatus struct {
	StatusCode  string  `json:"status_code"`
	Description *string `json:"description,omitempty"`
}

type SpanContext struct {
	TraceID    string            `json:"trace_id"`
	SpanID     string            `json:"span_id"`
	IsRemote   bool              `json:"is_remote"`
	TraceState map[string]string `json:"trace_state,omitempty"`
}

type SpanEvent struct {
	Name       string         `json:"name"`
	Attributes map[string]any `json:"attributes"`
	Timestamp  *float64       `json:"timestamp"`
}

type SpanLink struct {
	Context    SpanContext    `json:"context"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

type OtelResource struct {
	Attributes map[string]any `json:"attributes"`
	SchemaURL  string         `json:"schema_url"`
}

// Span is one trace event recorded during an attempt. The triple
// (rollout_id, attempt_id, sequence_id) is unique.
type Span struct {
	RolloutID  string         `json:"rollout_id"`
	AttemptID  string         `json:"attempt_id"`
	SequenceID int64          `json:"sequence_id"`
	TraceID    string         `json:"trace_id"`
	SpanID     string         `json:"span_id"`
	ParentID   *string        `json:"parent_id"`
	Name       string         `json:"name"`
	Kind       string         `json:"kind,omitempty"`
	Status     TraceStatus    `json:"status"`
	Attributes map[string]any `json:"attributes"`
	Events     []SpanEvent    `json:"events"`
	Links      []SpanLink     `json:"links"`
	StartTime  *float64       `json:"start_time"`
	EndTime    *float64       `json:"end_time"`
	Context    *SpanContext   `json:"context,omitempty"`
	Parent     *SpanContext   `json:"parent,omitempty"`
	Resource   OtelResource   `json:"resource"`
}

func (s Span) DocumentKey() string {
	return fmt.Sprintf("%s/%s/%d", s.RolloutID, s.AttemptID, s.SequenceID)
}

func (s Span) PartitionKey() string { return s.RolloutID }

func (s Span) Field(name string) any {
	switch name {
	case "rollout_id":
		return s.RolloutID
	case "attempt_id":
		return s.AttemptID
	case "sequence_id":
		return s.SequenceID
	case "trace_id":
		return s.TraceID
	case "span_id":
		return s.SpanID
	case "name":
		return s.Name
	}
	return nil
}
