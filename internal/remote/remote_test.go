package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"primescan/pkg/contract"
)

func serve(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestFetchRange(t *testing.T) {
	srv := serve(t, http.StatusOK, `{"start":2,"end":18446744073709551615}`)
	iv, err := New(0).FetchRange(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, contract.Interval{Start: 2, End: 1<<64 - 1}, iv)
}

func TestFetchRangeErrors(t *testing.T) {
	cases := map[string]*httptest.Server{
		"status":  serve(t, http.StatusInternalServerError, `{}`),
		"missing": serve(t, http.StatusOK, `{"start":1}`),
		"empty":   serve(t, http.StatusOK, `{"start":5,"end":5}`),
		"json":    serve(t, http.StatusOK, `not json`),
	}
	for name, srv := range cases {
		_, err := New(time.Second).FetchRange(context.Background(), srv.URL)
		require.Error(t, err, name)
		assert.True(t, errors.Is(err, contract.ErrConfig), "%s: %v", name, err)
	}

	// 连接失败
	srv := serve(t, http.StatusOK, `{}`)
	srv.Close()
	_, err := New(time.Second).FetchRange(context.Background(), srv.URL)
	assert.True(t, errors.Is(err, contract.ErrConfig))
}

func TestPostSummary(t *testing.T) {
	var got contract.Summary
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	sum := contract.Summary{Interval: contract.Interval{Start: 0, End: 20}, Workers: 4, Chunks: 4,
		Counts: contract.RecordCount{Primes: 8, NonPrimes: 12}}
	require.NoError(t, New(0).PostSummary(context.Background(), srv.URL, sum))
	assert.Equal(t, sum, got)

	bad := serve(t, http.StatusBadGateway, ``)
	err := New(0).PostSummary(context.Background(), bad.URL, sum)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "http 502")
}

func TestPostSummaryCanceled(t *testing.T) {
	srv := serve(t, http.StatusOK, ``)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := New(0).PostSummary(ctx, srv.URL, contract.Summary{})
	assert.True(t, errors.Is(err, context.Canceled), "%v", err)
}
