// Package otlp ingests OTLP/HTTP trace exports and turns them into store
// spans.
package otlp

import (
	"strconv"
	"strings"

	"go.opentelemetry.io/collector/pdata/pcommon"
	"go.opentelemetry.io/collector/pdata/ptrace"
	"go.uber.org/zap"

	"lightning-store/pkg/schemas"
)

// Attribute keys that tie a span to a rollout attempt. They are read from
// the span first and from its resource second.
const (
	AttrRolloutID  = "agentlightning.rollout_id"
	AttrAttemptID  = "agentlightning.attempt_id"
	AttrSequenceID = "agentlightning.span_sequence_id"
)

// Convert flattens an OTLP payload into spans. Spans without a rollout or
// attempt id are dropped with a warning and counted in dropped. A span
// without a sequence id keeps SequenceID zero so the store assigns one.
func Convert(td ptrace.Traces, log *zap.Logger) (spans []schemas.Span, dropped int) {
	rss := td.ResourceSpans()
	for i := 0; i < rss.Len(); i++ {
		rs := rss.At(i)
		res := rs.Resource().Attributes()
		resource := schemas.OtelResource{
			Attributes: res.AsRaw(),
			SchemaURL:  rs.SchemaUrl(),
		}
		sss := rs.ScopeSpans()
		for j := 0; j < sss.Len(); j++ {
			ss := sss.At(j).Spans()
			for k := 0; k < ss.Len(); k++ {
				span := ss.At(k)
				rolloutID := lookupString(span.Attributes(), res, AttrRolloutID)
				attemptID := lookupString(span.Attributes(), res, AttrAttemptID)
				if rolloutID == "" || attemptID == "" {
					dropped++
					log.Warn("dropping span without rollout or attempt id",
						zap.String("trace_id", span.TraceID().String()),
						zap.String("span_id", span.SpanID().String()),
						zap.String("name", span.Name()),
						zap.String("rollout_id", rolloutID),
						zap.String("attempt_id", attemptID))
					continue
				}
				out := convertSpan(span, resource)
				out.RolloutID = rolloutID
				out.AttemptID = attemptID
				out.SequenceID = lookupInt(span.Attributes(), res, AttrSequenceID)
				spans = append(spans, out)
			}
		}
	}
	return spans, dropped
}

func lookup(spanAttrs, resAttrs pcommon.Map, key string) (pcommon.Value, bool) {
	if v, ok := spanAttrs.Get(key); ok {
		return v, true
	}
	return resAttrs.Get(key)
}

func lookupString(spanAttrs, resAttrs pcommon.Map, key string) string {
	v, ok := lookup(spanAttrs, resAttrs, key)
	if !ok {
		return ""
	}
	return v.AsString()
}

func lookupInt(spanAttrs, resAttrs pcommon.Map, key string) int64 {
	v, ok := lookup(spanAttrs, resAttrs, key)
	if !ok {
		return 0
	}
	switch v.Type() {
	case pcommon.ValueTypeInt:
		return v.Int()
	case pcommon.ValueTypeDouble:
		return int64(v.Double())
	case pcommon.ValueTypeStr:
		n, err := strconv.ParseInt(v.Str(), 10, 64)
		if err == nil {
			return n
		}
	}
	return 0
}

func convertSpan(span ptrace.Span, resource schemas.OtelResource) schemas.Span {
	traceID := span.TraceID().String()
	out := schemas.Span{
		TraceID:    traceID,
		SpanID:     span.SpanID().String(),
		Name:       span.Name(),
		Kind:       strings.ToUpper(span.Kind().String()),
		Status:     convertStatus(span.Status()),
		Attributes: span.Attributes().AsRaw(),
		Events:     make([]schemas.SpanEvent, 0, span.Events().Len()),
		Links:      make([]schemas.SpanLink, 0, span.Links().Len()),
		StartTime:  seconds(span.StartTimestamp()),
		EndTime:    seconds(span.EndTimestamp()),
		Context: &schemas.SpanContext{
			TraceID:    traceID,
			SpanID:     span.SpanID().String(),
			TraceState: traceState(span.TraceState()),
		},
		Resource: resource,
	}
	if parent := span.ParentSpanID(); !parent.IsEmpty() {
		id := parent.String()
		out.ParentID = &id
		out.Parent = &schemas.SpanContext{TraceID: traceID, SpanID: id}
	}
	for i := 0; i < span.Events().Len(); i++ {
		ev := span.Events().At(i)
		out.Events = append(out.Events, schemas.SpanEvent{
			Name:       ev.Name(),
			Attributes: ev.Attributes().AsRaw(),
			Timestamp:  seconds(ev.Timestamp()),
		})
	}
	for i := 0; i < span.Links().Len(); i++ {
		l := span.Links().At(i)
		out.Links = append(out.Links, schemas.SpanLink{
			Context: schemas.SpanContext{
				TraceID:    l.TraceID().String(),
				SpanID:     l.SpanID().String(),
				TraceState: traceState(l.TraceState()),
			},
			Attributes: l.Attributes().AsRaw(),
		})
	}
	return out
}

func convertStatus(st ptrace.Status) schemas.TraceStatus {
	out := schemas.TraceStatus{StatusCode: strings.ToUpper(st.Code().String())}
	if msg := st.Message(); msg != "" {
		out.Description = &msg
	}
	return out
}

func seconds(ts pcommon.Timestamp) *float64 {
	if ts == 0 {
		return nil
	}
	v := float64(ts) / 1e9
	return &v
}

// traceState parses a W3C tracestate header value ("k1=v1,k2=v2").
func traceState(ts pcommon.TraceState) map[string]string {
	raw := ts.AsRaw()
	if raw == "" {
		return nil
	}
	out := make(map[string]string)
	for _, member := range strings.Split(raw, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(member), "=")
		if ok && k != "" {
			out[k] = v
		}
	}
	return out
}
