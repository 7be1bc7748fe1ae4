package bundler

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func countingServer(t *testing.T, status int, hits *int, auth *string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*hits++
		if auth != nil {
			*auth = r.Header.Get("Authorization")
		}
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestOpticalPrimaryIsAuthenticatedAndRequired(t *testing.T) {
	var primaryHits, secondaryHits int
	var primaryAuth, secondaryAuth string
	primary := countingServer(t, http.StatusOK, &primaryHits, &primaryAuth)
	secondary := countingServer(t, http.StatusOK, &secondaryHits, &secondaryAuth)

	p := NewOpticalPoster(OpticalConfig{
		PrimaryURL:    primary.URL,
		AdminKey:      "bridge-admin",
		SecondaryURLs: []string{secondary.URL},
	}, slog.Default())

	require.NoError(t, p.Post(context.Background(), &opticalRecord{ID: "item-1"}))
	require.Equal(t, 1, primaryHits)
	require.Equal(t, "Bearer bridge-admin", primaryAuth)
	require.Equal(t, 1, secondaryHits)
	require.Empty(t, secondaryAuth)
}

func TestOpticalPrimaryFailureFailsThePost(t *testing.T) {
	var primaryHits, secondaryHits int
	primary := countingServer(t, http.StatusInternalServerError, &primaryHits, nil)
	secondary := countingServer(t, http.StatusOK, &secondaryHits, nil)

	p := NewOpticalPoster(OpticalConfig{
		PrimaryURL:    primary.URL,
		SecondaryURLs: []string{secondary.URL},
	}, slog.Default())

	require.Error(t, p.Post(context.Background(), &opticalRecord{ID: "item-1"}))
	require.Zero(t, secondaryHits)
}

func TestOpticalSecondaryFailureIsTolerated(t *testing.T) {
	var primaryHits, secondaryHits int
	primary := countingServer(t, http.StatusOK, &primaryHits, nil)
	secondary := countingServer(t, http.StatusBadGateway, &secondaryHits, nil)

	p := NewOpticalPoster(OpticalConfig{
		PrimaryURL:    primary.URL,
		SecondaryURLs: []string{secondary.URL},
	}, slog.Default())

	require.NoError(t, p.Post(context.Background(), &opticalRecord{ID: "item-1"}))
	require.Equal(t, 1, secondaryHits)
}

func TestOpticalPremiumRoutesToDedicatedSecondaries(t *testing.T) {
	var primaryHits, standardHits, goldHits int
	primary := countingServer(t, http.StatusOK, &primaryHits, nil)
	standard := countingServer(t, http.StatusOK, &standardHits, nil)
	gold := countingServer(t, http.StatusOK, &goldHits, nil)

	p := NewOpticalPoster(OpticalConfig{
		PrimaryURL:    primary.URL,
		SecondaryURLs: []string{standard.URL},
		PremiumURLs:   map[string][]string{"gold": {gold.URL}},
	}, slog.Default())

	require.NoError(t, p.Post(context.Background(), &opticalRecord{ID: "item-1", PremiumTag: "gold"}))
	require.Equal(t, 1, primaryHits)
	require.Equal(t, 1, goldHits)
	require.Zero(t, standardHits)
}

func TestOpticalCanaryPercentBounds(t *testing.T) {
	id := randomItemID(t)

	var zeroHits, fullHits int
	zeroCanary := countingServer(t, http.StatusOK, &zeroHits, nil)
	fullCanary := countingServer(t, http.StatusOK, &fullHits, nil)

	// canary_percent 0 never samples; 100 always does.
	never := NewOpticalPoster(OpticalConfig{CanaryURLs: []string{zeroCanary.URL}, CanaryPercent: 0}, slog.Default())
	always := NewOpticalPoster(OpticalConfig{CanaryURLs: []string{fullCanary.URL}, CanaryPercent: 100}, slog.Default())

	require.NoError(t, never.Post(context.Background(), &opticalRecord{ID: id}))
	require.NoError(t, always.Post(context.Background(), &opticalRecord{ID: id}))
	require.Zero(t, zeroHits)
	require.Equal(t, 1, fullHits)
}

func TestOpticalSkipsConfiguredNestedTypes(t *testing.T) {
	p := NewOpticalPoster(OpticalConfig{
		SkipNestedTypes: []string{"application/json", "Text/Plain"},
	}, slog.Default())

	require.True(t, p.skipsNestedType("application/json"))
	require.True(t, p.skipsNestedType("application/json; charset=utf-8"))
	require.True(t, p.skipsNestedType("text/plain"))
	require.False(t, p.skipsNestedType("image/png"))
	require.False(t, p.skipsNestedType(""))
}
