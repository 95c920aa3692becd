package otlp

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/collector/pdata/pcommon"
	"go.opentelemetry.io/collector/pdata/ptrace"
	"go.opentelemetry.io/collector/pdata/ptrace/ptraceotlp"
	"go.uber.org/zap"
	spb "google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/grpc/codes"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"lightning-store/internal/collection"
	"lightning-store/internal/collection/memory"
	"lightning-store/internal/store"
)

type countingRecorder struct{ ingested, dropped int }

func (c *countingRecorder) SpansIngested(n int) { c.ingested += n }
func (c *countingRecorder) SpansDropped(n int)  { c.dropped += n }

func newSpan(ss ptrace.ScopeSpans, name string, id byte) ptrace.Span {
	sp := ss.Spans().AppendEmpty()
	sp.SetName(name)
	sp.SetTraceID(pcommon.TraceID([16]byte{0xaa, id}))
	sp.SetSpanID(pcommon.SpanID([8]byte{0xbb, id}))
	sp.SetStartTimestamp(pcommon.Timestamp(1_700_000_000_500_000_000))
	sp.SetEndTimestamp(pcommon.Timestamp(1_700_000_001_000_000_000))
	return sp
}

// sampleTraces has one resource carrying the rollout id and four spans:
// one with its own attempt id and sequence id, one overriding the rollout
// id, one relying on the store for its sequence id, and one missing the
// attempt id entirely.
func sampleTraces() ptrace.Traces {
	td := ptrace.NewTraces()
	rs := td.ResourceSpans().AppendEmpty()
	rs.Resource().Attributes().PutStr(AttrRolloutID, "ro-res")
	rs.Resource().Attributes().PutStr("service.name", "agent")
	ss := rs.ScopeSpans().AppendEmpty()

	a := newSpan(ss, "llm", 1)
	a.Attributes().PutStr(AttrAttemptID, "at-1")
	a.Attributes().PutInt(AttrSequenceID, 7)
	a.Attributes().PutStr("gen_ai.model", "m")
	a.Status().SetCode(ptrace.StatusCodeError)
	a.Status().SetMessage("rate limited")
	a.Events().AppendEmpty().SetName("retry")

	b := newSpan(ss, "tool", 2)
	b.Attributes().PutStr(AttrRolloutID, "ro-span")
	b.Attributes().PutStr(AttrAttemptID, "at-2")
	b.Attributes().PutStr(AttrSequenceID, "3")
	b.SetParentSpanID(pcommon.SpanID([8]byte{0xbb, 1}))

	c := newSpan(ss, "reward", 3)
	c.Attributes().PutStr(AttrAttemptID, "at-1")

	newSpan(ss, "orphan", 4)
	return td
}

func TestConvert(t *testing.T) {
	spans, dropped := Convert(sampleTraces(), zap.NewNop())
	assert.Equal(t, 1, dropped)
	require.Len(t, spans, 3)

	llm := spans[0]
	assert.Equal(t, "ro-res", llm.RolloutID, "resource attributes are the fallback")
	assert.Equal(t, "at-1", llm.AttemptID)
	assert.Equal(t, int64(7), llm.SequenceID)
	assert.Equal(t, "ERROR", llm.Status.StatusCode)
	require.NotNil(t, llm.Status.Description)
	assert.Equal(t, "rate limited", *llm.Status.Description)
	assert.Equal(t, "m", llm.Attributes["gen_ai.model"])
	assert.Equal(t, "agent", llm.Resource.Attributes["service.name"])
	require.Len(t, llm.Events, 1)
	assert.Equal(t, "retry", llm.Events[0].Name)
	require.NotNil(t, llm.StartTime)
	assert.InDelta(t, 1_700_000_000.5, *llm.StartTime, 1e-3)
	assert.Nil(t, llm.ParentID)

	tool := spans[1]
	assert.Equal(t, "ro-span", tool.RolloutID, "span attributes win over resource attributes")
	assert.Equal(t, int64(3), tool.SequenceID)
	require.NotNil(t, tool.ParentID)
	assert.Equal(t, llm.SpanID, *tool.ParentID)

	assert.Zero(t, spans[2].SequenceID)
}

func newTestHandler(t *testing.T) (*Handler, *store.Store, *countingRecorder) {
	t.Helper()
	s := store.New(memory.NewBackend(), store.Options{Logger: zap.NewNop()})
	rec := &countingRecorder{}
	return NewHandler(s, zap.NewNop(), rec), s, rec
}

func post(h http.Handler, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/traces", bytes.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestHandlerProtobuf(t *testing.T) {
	h, s, rec := newTestHandler(t)
	body, err := ptraceotlp.NewExportRequestFromTraces(sampleTraces()).MarshalProto()
	require.NoError(t, err)

	rr := post(h, body, map[string]string{"Content-Type": "application/x-protobuf"})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/x-protobuf", rr.Header().Get("Content-Type"))

	resp := ptraceotlp.NewExportResponse()
	require.NoError(t, resp.UnmarshalProto(rr.Body.Bytes()))
	assert.Equal(t, int64(1), resp.PartialSuccess().RejectedSpans())
	assert.Equal(t, 3, rec.ingested)
	assert.Equal(t, 1, rec.dropped)

	ctx := context.Background()
	got, err := s.QuerySpans(ctx, "ro-res", "at-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(7), got[0].SequenceID)
	assert.Equal(t, int64(8), got[1].SequenceID, "assigned ids continue after explicit ones")

	got, err = s.QuerySpans(ctx, "ro-span", "")
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestHandlerGzipBothWays(t *testing.T) {
	h, s, _ := newTestHandler(t)
	raw, err := ptraceotlp.NewExportRequestFromTraces(sampleTraces()).MarshalProto()
	require.NoError(t, err)
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err = zw.Write(raw)
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	rr := post(h, buf.Bytes(), map[string]string{
		"Content-Type":     "application/x-protobuf",
		"Content-Encoding": "gzip",
		"Accept-Encoding":  "gzip",
	})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "gzip", rr.Header().Get("Content-Encoding"))

	zr, err := gzip.NewReader(rr.Body)
	require.NoError(t, err)
	plain, err := io.ReadAll(zr)
	require.NoError(t, err)
	resp := ptraceotlp.NewExportResponse()
	require.NoError(t, resp.UnmarshalProto(plain))
	assert.Equal(t, int64(1), resp.PartialSuccess().RejectedSpans())

	spans, err := s.QuerySpans(context.Background(), "ro-res", "")
	require.NoError(t, err)
	assert.Len(t, spans, 2)
}

func TestHandlerJSON(t *testing.T) {
	h, s, _ := newTestHandler(t)
	body, err := ptraceotlp.NewExportRequestFromTraces(sampleTraces()).MarshalJSON()
	require.NoError(t, err)

	rr := post(h, body, map[string]string{"Content-Type": "application/json; charset=utf-8"})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))

	spans, err := s.QuerySpans(context.Background(), "ro-res", "at-1")
	require.NoError(t, err)
	assert.Len(t, spans, 2)
}

func TestHandlerSkipsTakenSequenceIDs(t *testing.T) {
	h, s, rec := newTestHandler(t)
	export := func(seqs ...int64) ptraceotlp.ExportResponse {
		td := ptrace.NewTraces()
		rs := td.ResourceSpans().AppendEmpty()
		rs.Resource().Attributes().PutStr(AttrRolloutID, "ro-1")
		rs.Resource().Attributes().PutStr(AttrAttemptID, "at-1")
		ss := rs.ScopeSpans().AppendEmpty()
		for i, seq := range seqs {
			sp := newSpan(ss, "step", byte(i))
			if seq > 0 {
				sp.Attributes().PutInt(AttrSequenceID, seq)
			}
		}
		body, err := ptraceotlp.NewExportRequestFromTraces(td).MarshalProto()
		require.NoError(t, err)
		rr := post(h, body, map[string]string{"Content-Type": "application/x-protobuf"})
		require.Equal(t, http.StatusOK, rr.Code)
		resp := ptraceotlp.NewExportResponse()
		require.NoError(t, resp.UnmarshalProto(rr.Body.Bytes()))
		return resp
	}

	resp := export(0, 5, 5, 0)
	assert.Equal(t, int64(1), resp.PartialSuccess().RejectedSpans())
	assert.Contains(t, resp.PartialSuccess().ErrorMessage(), AttrSequenceID)

	got, err := s.QuerySpans(context.Background(), "ro-1", "at-1")
	require.NoError(t, err)
	seqs := make([]int64, 0, len(got))
	for _, sp := range got {
		seqs = append(seqs, sp.SequenceID)
	}
	assert.Equal(t, []int64{1, 5, 6}, seqs)

	resp = export(5, 0)
	assert.Equal(t, int64(1), resp.PartialSuccess().RejectedSpans())
	got, err = s.QuerySpans(context.Background(), "ro-1", "at-1")
	require.NoError(t, err)
	assert.Len(t, got, 4)
	assert.Equal(t, 4, rec.ingested)
	assert.Equal(t, 2, rec.dropped)
}

func TestHandlerRejectsMalformedProtobuf(t *testing.T) {
	h, s, _ := newTestHandler(t)
	rr := post(h, []byte{0xff, 0xff, 0xff}, map[string]string{"Content-Type": "application/x-protobuf"})
	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "application/x-protobuf", rr.Header().Get("Content-Type"))

	var st spb.Status
	require.NoError(t, proto.Unmarshal(rr.Body.Bytes(), &st))
	assert.Equal(t, int32(codes.InvalidArgument), st.Code)
	assert.Contains(t, st.Message, "malformed")

	n, err := s.Backend().Spans.Count(context.Background(), collection.Query{})
	require.NoError(t, err)
	assert.Zero(t, n, "a rejected request writes nothing")
}

func TestHandlerRejectsMalformedJSONWithJSONStatus(t *testing.T) {
	h, _, _ := newTestHandler(t)
	rr := post(h, []byte(`{"resourceSpans": [`), map[string]string{
		"Content-Type":    "application/json",
		"Accept-Encoding": "gzip",
	})
	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	assert.Equal(t, "gzip", rr.Header().Get("Content-Encoding"))

	zr, err := gzip.NewReader(rr.Body)
	require.NoError(t, err)
	plain, err := io.ReadAll(zr)
	require.NoError(t, err)
	var st spb.Status
	require.NoError(t, protojson.Unmarshal(plain, &st))
	assert.Equal(t, int32(codes.InvalidArgument), st.Code)
}

func TestHandlerRejectsUnsupportedContent(t *testing.T) {
	h, _, _ := newTestHandler(t)
	tests := []map[string]string{
		{"Content-Type": "text/plain"},
		{"Content-Type": "application/x-protobuf", "Content-Encoding": "br"},
		{"Content-Type": "application/x-protobuf", "Content-Encoding": "gzip"},
	}
	for _, headers := range tests {
		rr := post(h, []byte("not gzip"), headers)
		assert.Equal(t, http.StatusBadRequest, rr.Code, "headers %v", headers)
		var st spb.Status
		require.NoError(t, proto.Unmarshal(rr.Body.Bytes(), &st))
		assert.Equal(t, int32(codes.InvalidArgument), st.Code)
	}
}

func TestTraceState(t *testing.T) {
	sp := ptrace.NewSpan()
	assert.Nil(t, traceState(sp.TraceState()))
	sp.TraceState().FromRaw("vendor=abc, other=1")
	assert.Equal(t, map[string]string{"vendor": "abc", "other": "1"}, traceState(sp.TraceState()))
}
