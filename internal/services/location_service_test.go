package services

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func newIPInfoServer(t *testing.T, calls *int32, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(calls, 1)
		assert.Equal(t, "/8.8.8.8/json", r.URL.Path)
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestLocationService_LocalAddresses(t *testing.T) {
	svc := NewLocationService(LocationConfig{Enabled: true, BaseURL: "http://127.0.0.1:1"}, testLogger())

	for _, ip := range []string{"127.0.0.1", "10.1.2.3", "192.168.0.10", "::1", "fe80::1"} {
		loc := svc.Lookup(context.Background(), ip)
		assert.Equal(t, "Local Network", loc.Display, ip)
		assert.Equal(t, "LOCAL", loc.CountryCode, ip)
	}
	assert.Equal(t, 0, svc.Stats().CacheSize)
}

func TestLocationService_InvalidIP(t *testing.T) {
	svc := NewLocationService(LocationConfig{Enabled: true}, testLogger())

	loc := svc.Lookup(context.Background(), "not-an-ip")
	assert.Equal(t, "Unknown", loc.City)
	assert.Equal(t, LocationSourceBasic, loc.Source)
}

func TestLocationService_LookupAndCache(t *testing.T) {
	var calls int32
	srv := newIPInfoServer(t, &calls, http.StatusOK, `{
		"ip": "8.8.8.8", "city": "Mountain View", "region": "California", "country": "US",
		"loc": "37.4056,-122.0775", "org": "AS15169 Google LLC", "postal": "94043",
		"timezone": "America/Los_Angeles"
	}`)

	svc := NewLocationService(LocationConfig{Enabled: true, Token: "test-token", BaseURL: srv.URL, CacheTTL: time.Hour}, testLogger())

	loc := svc.Lookup(context.Background(), "8.8.8.8")
	assert.Equal(t, "Mountain View", loc.City)
	assert.Equal(t, "Mountain View, California, US", loc.Display)
	assert.Equal(t, "AS15169 Google LLC", loc.ISP)
	assert.Equal(t, LocationSourceIPInfo, loc.Source)
	require.NotNil(t, loc.Latitude)
	assert.InDelta(t, 37.4056, *loc.Latitude, 0.0001)
	require.NotNil(t, loc.Longitude)
	assert.InDelta(t, -122.0775, *loc.Longitude, 0.0001)

	again := svc.Lookup(context.Background(), "8.8.8.8")
	assert.Equal(t, LocationSourceCache, again.Source)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	stats := svc.Stats()
	assert.Equal(t, 1, stats.CacheSize)
	assert.Equal(t, int64(1), stats.Lookups)
	assert.Equal(t, int64(1), stats.CacheHits)
	assert.Equal(t, 1, stats.Countries["US"])
}

func TestLocationService_CacheExpiry(t *testing.T) {
	var calls int32
	srv := newIPInfoServer(t, &calls, http.StatusOK, `{"ip":"8.8.8.8","country":"US"}`)

	svc := NewLocationService(LocationConfig{Enabled: true, Token: "test-token", BaseURL: srv.URL, CacheTTL: time.Hour}, testLogger())
	clock := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return clock }

	loc := svc.Lookup(context.Background(), "8.8.8.8")
	assert.Equal(t, "US", loc.Display)

	clock = clock.Add(2 * time.Hour)
	svc.Lookup(context.Background(), "8.8.8.8")
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestLocationService_UpstreamErrorFallsBack(t *testing.T) {
	var calls int32
	srv := newIPInfoServer(t, &calls, http.StatusTooManyRequests, `{"error":"rate limited"}`)

	svc := NewLocationService(LocationConfig{Enabled: true, Token: "test-token", BaseURL: srv.URL}, testLogger())

	loc := svc.Lookup(context.Background(), "8.8.8.8")
	assert.Equal(t, "External", loc.Display)
	assert.Equal(t, "XX", loc.CountryCode)
	assert.Equal(t, int64(1), svc.Stats().Failures)

	// fallback is cached
	svc.Lookup(context.Background(), "8.8.8.8")
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestLocationService_DisabledSkipsNetwork(t *testing.T) {
	var calls int32
	srv := newIPInfoServer(t, &calls, http.StatusOK, `{}`)

	svc := NewLocationService(LocationConfig{Enabled: false, BaseURL: srv.URL}, testLogger())

	loc := svc.Lookup(context.Background(), "8.8.8.8")
	assert.Equal(t, "External", loc.Display)
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
}

func TestLocationService_ClearCache(t *testing.T) {
	var calls int32
	srv := newIPInfoServer(t, &calls, http.StatusOK, `{"ip":"8.8.8.8","country":"US"}`)
	svc := NewLocationService(LocationConfig{Enabled: true, Token: "test-token", BaseURL: srv.URL}, testLogger())

	svc.Lookup(context.Background(), "8.8.8.8")
	assert.Equal(t, 1, svc.ClearCache())
	assert.Equal(t, 0, svc.Stats().CacheSize)
}
