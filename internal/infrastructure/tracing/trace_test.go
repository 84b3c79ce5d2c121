package tracing

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func newObserved(t *testing.T) (*Tracer, *observer.ObservedLogs) {
	core, logs := observer.New(zap.DebugLevel)
	tr := New("webhost", zap.New(core))
	t.Cleanup(tr.Close)
	return tr, logs
}

func TestStartSpanPropagates(t *testing.T) {
	tr, _ := newObserved(t)

	parent, ctx := tr.StartSpan(context.Background(), "dispatch")
	assert.NotEmpty(t, parent.TraceID)
	assert.Equal(t, parent.TraceID, GetTraceID(ctx))
	assert.Equal(t, parent.SpanID, GetSpanID(ctx))

	child, _ := tr.StartSpan(ctx, "handler")
	assert.Equal(t, parent.TraceID, child.TraceID)
	assert.Equal(t, parent.SpanID, child.ParentID)
}

func TestStartSpanUsesTraceFromContext(t *testing.T) {
	tr, _ := newObserved(t)

	ctx := WithTraceID(context.Background(), "req_fixed")
	span, _ := tr.StartSpan(ctx, "dispatch")
	assert.Equal(t, TraceID("req_fixed"), span.TraceID)
}

func TestFinishOnce(t *testing.T) {
	tr, _ := newObserved(t)

	span, _ := tr.StartSpan(context.Background(), "op")
	assert.True(t, span.Finish())
	assert.False(t, span.Finish())
}

func TestSubmitLogsOnClose(t *testing.T) {
	tr, logs := newObserved(t)

	span, _ := tr.StartSpan(context.Background(), "op")
	span.SetTag("scheme", "app")
	span.SetError(errors.New("boom"))
	tr.FinishAndSubmit(span)
	tr.FinishAndSubmit(span)
	tr.Close()

	entries := logs.FilterMessage("span completed with error").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "app", entries[0].ContextMap()["scheme"])
	assert.Equal(t, int64(http.StatusInternalServerError), entries[0].ContextMap()["status"])

	// Submitting after close is a no-op
	assert.NotPanics(t, func() { tr.Submit(span) })
}

func TestHeaderRoundTrip(t *testing.T) {
	tr, _ := newObserved(t)
	_, ctx := tr.StartSpan(context.Background(), "op")

	h := make(http.Header)
	InjectTraceContext(ctx, h)

	traceID, spanID := ExtractTraceContext(h)
	assert.Equal(t, GetTraceID(ctx), traceID)
	assert.Equal(t, GetSpanID(ctx), spanID)
}

func TestHTTPMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	tr, _ := newObserved(t)

	r := gin.New()
	r.Use(HTTPMiddleware(tr))
	r.GET("/health", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(TraceHeader, "req_incoming")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "req_incoming", w.Header().Get(TraceHeader))
	assert.NotEmpty(t, w.Header().Get(SpanHeader))
}
