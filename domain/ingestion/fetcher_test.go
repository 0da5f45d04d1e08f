package ingestion

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ragworks/ingest/internal/config"
	"github.com/ragworks/ingest/pkg/apperror"
)

func newTestFetcher(maxBytes int64) *Fetcher {
	f := NewFetcher(config.IngestConfig{
		MaxFileSizeBytes: maxBytes,
		MaxRedirects:     5,
		FetchTimeoutMs:   5000,
		FetchRetries:     3,
	}, discardLogger())
	f.retryBase = 0
	return f
}

func TestFetchSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, "<html><body>hello</body></html>")
	}))
	defer srv.Close()

	result, err := newTestFetcher(1 << 20).Fetch(context.Background(), srv.URL)
	require.NoError(t, err)

	assert.Equal(t, "<html><body>hello</body></html>", result.Content)
	assert.Equal(t, "html", result.Kind)
	assert.Equal(t, http.StatusOK, result.Metadata.StatusCode)
	assert.Equal(t, srv.URL, result.Metadata.FinalURL)
}

func TestFetchClientErrorDoesNotRetry(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := newTestFetcher(1 << 20).Fetch(context.Background(), srv.URL)
	require.Error(t, err)
	assert.Equal(t, apperror.KindPermanentExternal, apperror.KindOf(err))
	assert.Equal(t, int32(1), hits.Load())
}

func TestFetchRetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, "recovered body")
	}))
	defer srv.Close()

	result, err := newTestFetcher(1 << 20).Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "recovered body", result.Content)
	assert.Equal(t, int32(3), hits.Load())
}

func TestFetchExhaustsRetryBudget(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := newTestFetcher(1 << 20).Fetch(context.Background(), srv.URL)
	require.Error(t, err)
	assert.Equal(t, apperror.KindTransientExternal, apperror.KindOf(err))
	// Initial attempt plus three retries.
	assert.Equal(t, int32(4), hits.Load())
}

func TestFetchRejectsNonHTTPSchemes(t *testing.T) {
	fetcher := newTestFetcher(1 << 20)

	for _, raw := range []string{"ftp://example.org/file", "file:///etc/passwd", "not a url at all"} {
		_, err := fetcher.Fetch(context.Background(), raw)
		require.Error(t, err, raw)
		assert.Equal(t, apperror.KindInvalidInput, apperror.KindOf(err), raw)
	}
}

func TestFetchRedirectLimit(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, srv.URL+r.URL.Path+"x", http.StatusFound)
	}))
	defer srv.Close()

	_, err := newTestFetcher(1 << 20).Fetch(context.Background(), srv.URL)
	require.Error(t, err)
	assert.Equal(t, apperror.KindSourceAcquisition, apperror.KindOf(err))
}

func TestFetchEmptyBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	_, err := newTestFetcher(1 << 20).Fetch(context.Background(), srv.URL)
	assert.ErrorIs(t, err, apperror.ErrEmptyContent)
}

func TestFetchBodyTooLarge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "this body is longer than the limit")
	}))
	defer srv.Close()

	_, err := newTestFetcher(10).Fetch(context.Background(), srv.URL)
	assert.ErrorIs(t, err, apperror.ErrFileTooLarge)
}
