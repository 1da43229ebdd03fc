package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorderCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRecorder(reg)

	r.ObserveSearch(SearchDegraded, 5*time.Millisecond)
	r.ObserveSearch(SearchOK, time.Millisecond)
	r.ObserveSearch(SearchOK, time.Millisecond)
	r.IncIndexed("indexed")
	r.IncTagged("no_match")
	r.AddReview("bulk_approve", 4)
	r.AddReview("reset", 0)
	r.IncContextLayer("scenario", true)
	r.IncTurn("roleplay", "ok")
	r.ObserveProviderCall("gemini", "complete", errors.New("boom"), time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(r.searchesTotal.WithLabelValues(SearchOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.searchesTotal.WithLabelValues(SearchDegraded)))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.indexTotal.WithLabelValues("indexed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.tagTotal.WithLabelValues("no_match")))
	assert.Equal(t, 4.0, testutil.ToFloat64(r.reviewTotal.WithLabelValues("bulk_approve")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.contextLayers.WithLabelValues("scenario", "fallback")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.turnsTotal.WithLabelValues("roleplay", "ok")))

	n, err := testutil.GatherAndCount(reg, "coach_provider_call_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = testutil.GatherAndCount(reg, "coach_review_actions_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n, "zero-sized review actions are not recorded")
}

func TestNilRecorderIsSafe(t *testing.T) {
	var r *Recorder
	assert.NotPanics(t, func() {
		r.ObserveSearch(SearchOK, time.Millisecond)
		r.IncIndexed("indexed")
		r.IncTagged("suggested")
		r.AddReview("approve", 1)
		r.IncContextLayer("base", false)
		r.IncTurn("intro_briefing", "ok")
		r.ObserveProviderCall("openai", "embed", nil, time.Millisecond)
	})
}
