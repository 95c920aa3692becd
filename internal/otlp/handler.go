package otlp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/klauspost/compress/gzip"
	"go.opentelemetry.io/collector/pdata/ptrace/ptraceotlp"
	"go.uber.org/zap"
	spb "google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/grpc/codes"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"lightning-store/internal/collection"
	"lightning-store/internal/store"
	"lightning-store/pkg/schemas"
)

const (
	contentTypeProtobuf = "application/x-protobuf"
	contentTypeJSON     = "application/json"

	DefaultMaxBodyBytes = 64 << 20
)

// Sink receives the converted spans of one export request.
type Sink interface {
	AddOTelSpans(ctx context.Context, spans []schemas.Span) ([]schemas.Span, error)
}

// Recorder counts ingested and dropped spans. It may be nil.
type Recorder interface {
	SpansIngested(n int)
	SpansDropped(n int)
}

// Handler serves POST /v1/traces following the OTLP/HTTP conventions:
// protobuf or JSON bodies, optional gzip in both directions, and a
// google.rpc.Status body on failure encoded like the request.
type Handler struct {
	sink         Sink
	log          *zap.Logger
	rec          Recorder
	maxBodyBytes int64
}

func NewHandler(sink Sink, log *zap.Logger, rec Recorder) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{sink: sink, log: log, rec: rec, maxBodyBytes: DefaultMaxBodyBytes}
}

type encoding int

const (
	encProto encoding = iota
	encJSON
)

func (e encoding) contentType() string {
	if e == encJSON {
		return contentTypeJSON
	}
	return contentTypeProtobuf
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	enc, ok := requestEncoding(r.Header.Get("Content-Type"))
	if !ok {
		h.writeStatus(w, r, enc, http.StatusBadRequest, codes.InvalidArgument,
			fmt.Sprintf("unsupported content type %q", r.Header.Get("Content-Type")))
		return
	}

	body, err := h.readBody(r)
	if err != nil {
		h.writeStatus(w, r, enc, http.StatusBadRequest, codes.InvalidArgument, err.Error())
		return
	}

	req := ptraceotlp.NewExportRequest()
	if enc == encJSON {
		err = req.UnmarshalJSON(body)
	} else {
		err = req.UnmarshalProto(body)
	}
	if err != nil {
		h.writeStatus(w, r, enc, http.StatusBadRequest, codes.InvalidArgument, "malformed trace export: "+err.Error())
		return
	}

	spans, dropped := Convert(req.Traces(), h.log)
	var duplicates int
	if len(spans) > 0 {
		stored, err := h.sink.AddOTelSpans(r.Context(), spans)
		if err != nil {
			h.log.Error("store otlp spans", zap.Int("spans", len(spans)), zap.Error(err))
			switch {
			case errors.Is(err, store.ErrInvalidRequest):
				h.writeStatus(w, r, enc, http.StatusBadRequest, codes.InvalidArgument, err.Error())
			case errors.Is(err, collection.ErrAlreadyExists):
				h.writeStatus(w, r, enc, http.StatusConflict, codes.AlreadyExists, err.Error())
			default:
				h.writeStatus(w, r, enc, http.StatusInternalServerError, codes.Internal, err.Error())
			}
			return
		}
		duplicates = len(spans) - len(stored)
		spans = stored
	}
	if h.rec != nil {
		h.rec.SpansIngested(len(spans))
		h.rec.SpansDropped(dropped + duplicates)
	}

	resp := ptraceotlp.NewExportResponse()
	if rejected := dropped + duplicates; rejected > 0 {
		resp.PartialSuccess().SetRejectedSpans(int64(rejected))
		resp.PartialSuccess().SetErrorMessage(rejectionMessage(dropped, duplicates))
	}
	var out []byte
	if enc == encJSON {
		out, err = resp.MarshalJSON()
	} else {
		out, err = resp.MarshalProto()
	}
	if err != nil {
		h.writeStatus(w, r, enc, http.StatusInternalServerError, codes.Internal, err.Error())
		return
	}
	h.write(w, r, enc, http.StatusOK, out)
}

func rejectionMessage(dropped, duplicates int) string {
	var parts []string
	if dropped > 0 {
		parts = append(parts, fmt.Sprintf("%d spans lacked %s or %s", dropped, AttrRolloutID, AttrAttemptID))
	}
	if duplicates > 0 {
		parts = append(parts, fmt.Sprintf("%d spans reused a stored %s", duplicates, AttrSequenceID))
	}
	return strings.Join(parts, "; ")
}

// requestEncoding maps a Content-Type onto an encoding. Unknown types report
// false and fall back to protobuf for the error body.
func requestEncoding(contentType string) (encoding, bool) {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return encProto, false
	}
	switch mt {
	case contentTypeProtobuf, "application/protobuf":
		return encProto, true
	case contentTypeJSON:
		return encJSON, true
	}
	return encProto, false
}

func (h *Handler) readBody(r *http.Request) ([]byte, error) {
	var src io.Reader = io.LimitReader(r.Body, h.maxBodyBytes+1)
	switch ce := strings.ToLower(strings.TrimSpace(r.Header.Get("Content-Encoding"))); ce {
	case "", "identity":
	case "gzip":
		zr, err := gzip.NewReader(src)
		if err != nil {
			return nil, fmt.Errorf("invalid gzip body: %w", err)
		}
		defer zr.Close()
		src = io.LimitReader(zr, h.maxBodyBytes+1)
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", ce)
	}
	body, err := io.ReadAll(src)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > h.maxBodyBytes {
		return nil, fmt.Errorf("body exceeds %d bytes", h.maxBodyBytes)
	}
	return body, nil
}

func (h *Handler) writeStatus(w http.ResponseWriter, r *http.Request, enc encoding, httpCode int, code codes.Code, msg string) {
	st := &spb.Status{Code: int32(code), Message: msg}
	var (
		out []byte
		err error
	)
	if enc == encJSON {
		out, err = protojson.Marshal(st)
	} else {
		out, err = proto.Marshal(st)
	}
	if err != nil {
		h.log.Error("marshal otlp status", zap.Error(err))
		out = nil
	}
	if httpCode >= 500 {
		h.log.Error("otlp export failed", zap.Int("code", httpCode), zap.String("message", msg))
	} else {
		h.log.Warn("otlp export rejected", zap.Int("code", httpCode), zap.String("message", msg))
	}
	h.write(w, r, enc, httpCode, out)
}

func (h *Handler) write(w http.ResponseWriter, r *http.Request, enc encoding, code int, body []byte) {
	w.Header().Set("Content-Type", enc.contentType())
	if acceptsGzip(r) {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(body); err == nil && zw.Close() == nil {
			body = buf.Bytes()
			w.Header().Set("Content-Encoding", "gzip")
		}
	}
	w.WriteHeader(code)
	_, _ = w.Write(body)
}

func acceptsGzip(r *http.Request) bool {
	for _, part := range strings.Split(r.Header.Get("Accept-Encoding"), ",") {
		name, _, _ := strings.Cut(strings.TrimSpace(part), ";")
		if strings.EqualFold(name, "gzip") {
			return true
		}
	}
	return false
}
