package metrics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/carllm/internal/extract"
	"github.com/kalambet/carllm/internal/storage"
)

type recordingSink struct {
	total int
	err   error
}

func (s *recordingSink) IncrementTokens(_ context.Context, _ string, delta int) error {
	if s.err != nil {
		return s.err
	}
	s.total += delta
	return nil
}

func TestObservers(t *testing.T) {
	m := New()
	m.ObserveRun("z-ai/glm-4.7", storage.RunCompleted)
	m.ObserveRun("z-ai/glm-4.7", storage.RunCompleted)
	m.ObserveRun("minimax/minimax-m2.1", storage.RunFailed)
	m.ObserveRequest("diagnose", "ok")
	m.ObserveSufficiency(false)
	m.ObserveExtraction("replacements", extract.OutcomeUpdated)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.runs.WithLabelValues("z-ai/glm-4.7", "completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("minimax/minimax-m2.1", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("diagnose", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sufficiency.WithLabelValues("needs_more_info")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.extractions.WithLabelValues("replacements", "updated")))
}

func TestTokenSink(t *testing.T) {
	m := New()
	inner := &recordingSink{}
	sink := m.TokenSink(inner)

	require.NoError(t, sink.IncrementTokens(context.Background(), "chat-1", 7))
	require.NoError(t, sink.IncrementTokens(context.Background(), "chat-1", -2))

	assert.Equal(t, 5, inner.total)
	assert.Equal(t, 7.0, testutil.ToFloat64(m.tokens))
}

func TestTokenSink_FailedFlushNotCounted(t *testing.T) {
	m := New()
	sink := m.TokenSink(&recordingSink{err: errors.New("locked")})

	assert.Error(t, sink.IncrementTokens(context.Background(), "chat-1", 3))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.tokens))
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.ObserveRun("x", storage.RunFailed)
	m.ObserveRequest("reply", "internal")
	m.ObserveSufficiency(true)
	m.ObserveExtraction("metadata", extract.OutcomeSkipped)

	inner := &recordingSink{}
	assert.Same(t, inner, m.TokenSink(inner))
}

func TestHandler(t *testing.T) {
	m := New()
	m.ObserveRequest("reply", "ok")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `carllm_pipeline_requests_total{operation="reply",status="ok"} 1`), body)
}
