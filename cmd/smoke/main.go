package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"go.opentelemetry.io/collector/pdata/pcommon"
	"go.opentelemetry.io/collector/pdata/ptrace"
	"go.opentelemetry.io/collector/pdata/ptrace/ptraceotlp"
	"go.uber.org/zap"

	"lightning-store/internal/otlp"
	"lightning-store/internal/store"
	"lightning-store/pkg/client"
	"lightning-store/pkg/schemas"
)

func main() {
	base := envOr("AGL_STORE_URL", "http://localhost:4747")
	token := envOr("AGL_SERVER_API_TOKEN", "")

	baseFlag := flag.String("base", base, "store base URL (e.g., http://localhost:4747)")
	tokenFlag := flag.String("token", token, "API token, if the store requires one")
	wait := flag.Duration("wait", 10*time.Second, "how long to wait for the rollout to finish")
	flag.Parse()

	log, _ := zap.NewDevelopment()
	c := client.New(*baseFlag, client.WithAPIToken(*tokenFlag), client.WithLogger(log), client.WithGzip())
	ctx := context.Background()

	if err := c.Health(ctx); err != nil {
		fatalf("health: %v", err)
	}

	// 1) Publish resources
	res, err := c.UpdateResources(ctx, "", schemas.NamedResources{
		"main_llm": {ResourceType: "llm", Endpoint: "http://localhost:8000/v1", Model: "smoke-model"},
	})
	if err != nil {
		fatalf("update resources: %v", err)
	}
	fmt.Println("✅ resources:", res.ResourcesID)

	// 2) Enqueue, retrying while the queue is full
	var r *schemas.Rollout
	for {
		r, err = c.EnqueueRollout(ctx, schemas.EnqueueRolloutRequest{
			Input:  json.RawMessage(`{"question": "2 + 2"}`),
			Mode:   schemas.Ptr(schemas.ModeTrain),
			Config: &schemas.RolloutConfig{MaxAttempts: 2, RetryCondition: []schemas.AttemptStatus{schemas.AttemptFailed}},
		})
		if !errors.Is(err, store.ErrQueueFull) {
			break
		}
		time.Sleep(200 * time.Millisecond)
	}
	if err != nil {
		fatalf("enqueue: %v", err)
	}
	fmt.Println("✅ enqueued:", r.RolloutID)

	// 3) Dequeue as a runner
	worker := "smoke-runner"
	ar, err := c.DequeueRollout(ctx, &worker)
	if err != nil || ar == nil {
		fatalf("dequeue: %v (got %v)", err, ar)
	}
	fmt.Printf("✅ dequeued %s attempt %s (#%d)\n", ar.RolloutID, ar.Attempt.AttemptID, ar.Attempt.SequenceID)

	// 4) Report a span through OTLP and one through the JSON API
	if err := exportSpan(ctx, c.OTLPEndpoint(), *tokenFlag, ar); err != nil {
		fatalf("otlp export: %v", err)
	}
	seq, err := c.GetNextSpanSequenceID(ctx, ar.RolloutID, ar.Attempt.AttemptID)
	if err != nil {
		fatalf("next sequence id: %v", err)
	}
	if _, err := c.AddSpan(ctx, schemas.Span{
		RolloutID: ar.RolloutID, AttemptID: ar.Attempt.AttemptID, SequenceID: seq,
		TraceID: "00000000000000000000000000000001", SpanID: "0000000000000002", Name: "reward",
		Attributes: map[string]any{"reward": 1.0},
	}); err != nil {
		fatalf("add span: %v", err)
	}
	spans, err := c.QuerySpans(ctx, ar.RolloutID, store.LatestAttempt)
	if err != nil {
		fatalf("query spans: %v", err)
	}
	fmt.Printf("✅ %d spans stored\n", len(spans))

	// 5) Finish the attempt and wait for the rollout
	if _, err := c.UpdateAttempt(ctx, ar.RolloutID, store.LatestAttempt, schemas.UpdateAttemptRequest{
		Status: schemas.Ptr(schemas.AttemptSucceeded),
	}); err != nil {
		fatalf("update attempt: %v", err)
	}
	done, err := c.WaitForRollouts(ctx, []string{ar.RolloutID}, *wait)
	if err != nil {
		fatalf("wait: %v", err)
	}
	if len(done) != 1 || done[0].Status != schemas.RolloutSucceeded {
		fatalf("rollout not finished: %s", compactJSON(done))
	}
	fmt.Println("✅ rollout finished:")
	fmt.Println(compactJSON(done[0]))

	w, err := c.GetWorkerByID(ctx, worker)
	if err != nil || w == nil {
		fatalf("get worker: %v", err)
	}
	fmt.Println("✅ worker status:", w.Status)
}

func exportSpan(ctx context.Context, endpoint, token string, ar *schemas.AttemptedRollout) error {
	td := ptrace.NewTraces()
	rs := td.ResourceSpans().AppendEmpty()
	rs.Resource().Attributes().PutStr(otlp.AttrRolloutID, ar.RolloutID)
	rs.Resource().Attributes().PutStr(otlp.AttrAttemptID, ar.Attempt.AttemptID)
	sp := rs.ScopeSpans().AppendEmpty().Spans().AppendEmpty()
	sp.SetName("llm.call")
	sp.SetTraceID(pcommon.TraceID{1})
	sp.SetSpanID(pcommon.SpanID{1})
	now := time.Now()
	sp.SetStartTimestamp(pcommon.NewTimestampFromTime(now.Add(-time.Second)))
	sp.SetEndTimestamp(pcommon.NewTimestampFromTime(now))

	body, err := ptraceotlp.NewExportRequestFromTraces(td).MarshalProto()
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-protobuf")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("status %d: %s", resp.StatusCode, b)
	}
	fmt.Println("✅ exported one span over OTLP")
	return nil
}

// --- helpers ---

func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func compactJSON(v any) string {
	b, _ := json.MarshalIndent(v, "", "  ")
	return string(b)
}

func fatalf(format string, args ...any) {
	fmt.Printf("❌ "+format+"\n", args...)
	os.Exit(1)
}
