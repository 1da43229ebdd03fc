package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"salescoachdev/classifier"
	"salescoachdev/coacherr"
	"salescoachdev/contextbuilder"
	"salescoachdev/corpus"
	"salescoachdev/curriculum"
	"salescoachdev/logger"
	"salescoachdev/metrics"
	"salescoachdev/retrieval"
	"salescoachdev/session"
)

type fakeSearch struct {
	result retrieval.Result
	query  string
}

func (f *fakeSearch) Search(_ context.Context, query string, _ retrieval.SearchOptions) (retrieval.Result, error) {
	f.query = query
	return f.result, nil
}

func (f *fakeSearch) Stats(context.Context) (retrieval.Stats, error) {
	return retrieval.Stats{Total: 3, Training: 2, Embedded: 3}, nil
}

type fakeReviewer struct {
	rejected   map[string]string
	approveErr error
}

func (f *fakeReviewer) Approve(_ context.Context, id string) (corpus.Chunk, error) {
	if f.approveErr != nil {
		return corpus.Chunk{}, f.approveErr
	}
	return corpus.Chunk{ID: id, TechniqueID: "2.1.8", ReviewStatus: corpus.ReviewApproved}, nil
}

func (f *fakeReviewer) Reject(_ context.Context, id, correction string) (corpus.Chunk, error) {
	f.rejected[id] = correction
	return corpus.Chunk{ID: id, TechniqueID: correction, ReviewStatus: corpus.ReviewCorrected}, nil
}

func (f *fakeReviewer) BulkApproveByTechnique(context.Context, string) (int, error) { return 4, nil }
func (f *fakeReviewer) Reset(context.Context) (int, error)                         { return 2, nil }
func (f *fakeReviewer) Queue(context.Context, string, int) ([]corpus.Chunk, error) { return nil, nil }

type fakeTagger struct{}

func (fakeTagger) Run(context.Context) (classifier.TagReport, error) {
	return classifier.TagReport{Scanned: 5, Suggested: 3, NoMatch: 2}, nil
}

type testServer struct {
	handler  http.Handler
	search   *fakeSearch
	reviewer *fakeReviewer
}

func newTestServer(t *testing.T) testServer {
	t.Helper()
	cur, err := curriculum.Default()
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	rec := metrics.NewRecorder(reg)
	engine := session.NewEngine(session.EngineProps{
		Logger:     logger.Nop(),
		Repository: session.NewMemoryRepository(),
		Curriculum: curriculum.NewStaticStore(cur),
		Builder:    contextbuilder.New(contextbuilder.BuilderProps{Logger: logger.Nop(), Metrics: rec}),
		Metrics:    rec,
	})
	search := &fakeSearch{result: retrieval.Result{Degraded: true, DegradedReason: "embedding provider unavailable"}}
	reviewer := &fakeReviewer{rejected: map[string]string{}}

	srv := New(ServerProps{
		Logger:     logger.Nop(),
		Sessions:   engine,
		Search:     search,
		Tagger:     fakeTagger{},
		Reviewer:   reviewer,
		Curriculum: curriculum.NewStaticStore(cur),
		Gatherer:   reg,
	})
	return testServer{handler: srv.Handler(), search: search, reviewer: reviewer}
}

func (ts testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body == "" {
		reader = bytes.NewReader(nil)
	} else {
		reader = bytes.NewReader([]byte(body))
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/sessions", `{"learnerId":"l-1","techniques":["1.1"],"seed":5}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.NotContains(t, rec.Body.String(), "customer_profile")
	assert.NotContains(t, rec.Body.String(), "behavior")
	started := decode[startResponse](t, rec)
	id := started.Session.ID
	assert.Equal(t, session.ModeIntroBriefing, started.Reply.Mode)

	rec = ts.do(t, http.MethodPost, "/sessions/"+id+"/stop", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = ts.do(t, http.MethodPost, "/sessions/"+id+"/turns", `{"message":"ready"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, session.ModeContextGathering, decode[session.Reply](t, rec).Mode)

	rec = ts.do(t, http.MethodPost, "/sessions/"+id+"/context", `{"sector":"retail","product":"POS systems"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, session.ModeRoleplay, decode[session.Reply](t, rec).Mode)

	// Without a generation provider the customer cannot answer: retryable, state kept.
	rec = ts.do(t, http.MethodPost, "/sessions/"+id+"/turns", `{"message":"Good morning"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.NotContains(t, rec.Body.String(), "generation provider")

	rec = ts.do(t, http.MethodGet, "/sessions/"+id, "")
	require.Equal(t, http.StatusOK, rec.Code)
	view := decode[sessionView](t, rec)
	assert.Equal(t, session.ModeRoleplay, view.Mode)
	assert.Zero(t, view.TurnCount)

	rec = ts.do(t, http.MethodPost, "/sessions/"+id+"/turns", `{"message":"  "}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodDelete, "/sessions/"+id, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = ts.do(t, http.MethodGet, "/sessions/"+id, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBadRequests(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/sessions", `{"unknown":true}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/search", `{"query":""}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodGet, "/corpus/review?limit=abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSearchReportsDegradedResult(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/search", `{"query":"how do I summarise","limit":3}`)
	require.Equal(t, http.StatusOK, rec.Code)
	res := decode[retrieval.Result](t, rec)
	assert.True(t, res.Degraded)
	assert.Empty(t, res.Documents)
	assert.Equal(t, "how do I summarise", ts.search.query)
	assert.Contains(t, rec.Body.String(), `"documents":[]`)
}

func TestReviewEndpoints(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/corpus/chunks/c-1/reject", `{"correction":"3.1"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "3.1", ts.reviewer.rejected["c-1"])

	rec = ts.do(t, http.MethodPost, "/corpus/techniques/2.1.8/approve", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]int{"approved": 4}, decode[map[string]int](t, rec))

	ts.reviewer.approveErr = coacherr.Invariant("classifier.Approve", "chunk c-2 changed concurrently")
	rec = ts.do(t, http.MethodPost, "/corpus/chunks/c-2/approve", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.NotContains(t, rec.Body.String(), "c-2")

	rec = ts.do(t, http.MethodGet, "/corpus/review", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"chunks":[]}`, rec.Body.String())

	rec = ts.do(t, http.MethodPost, "/corpus/tag", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 3, decode[classifier.TagReport](t, rec).Suggested)
}

func TestHealthMetricsAndReload(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	ts.do(t, http.MethodPost, "/sessions", `{}`)
	rec = ts.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "coach_"), "expected coach metrics")

	rec = ts.do(t, http.MethodPost, "/curriculum/reload", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, "/corpus/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 3, decode[retrieval.Stats](t, rec).Total)
}

func TestCorpusRoutesWithoutStore(t *testing.T) {
	cur, err := curriculum.Default()
	require.NoError(t, err)
	srv := New(ServerProps{Logger: logger.Nop(), Curriculum: curriculum.NewStaticStore(cur), Gatherer: prometheus.NewRegistry()})
	handler := srv.Handler()

	for _, path := range []string{"/search", "/corpus/tag", "/corpus/index"} {
		req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(`{}`))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code, path)
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/corpus/stats", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	// A server with a store but no indexer still refuses to index.
	rec = newTestServer(t).do(t, http.MethodPost, "/corpus/index", `{"documents":[]}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
