package api

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/IvanBrykalov/mapcache/cache"
	"github.com/IvanBrykalov/mapcache/eviction"
	"github.com/IvanBrykalov/mapcache/store/memstore"
)

type fixture struct {
	st   *memstore.Store
	maps *Registry
	srv  *httptest.Server
	down atomic.Bool
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{}
	f.st = memstore.New(memstore.Options{Fault: func(string) error {
		if f.down.Load() {
			return errors.New("store down")
		}
		return nil
	}})
	sched := eviction.New(eviction.Options{})
	reg := prometheus.NewRegistry()
	f.maps = NewRegistry(f.st, sched, RegistryOptions{Metrics: reg})
	f.srv = httptest.NewServer(NewServer(f.maps, reg, nil).Router())
	t.Cleanup(func() {
		f.srv.Close()
		_ = f.maps.Close()
		_ = sched.Close()
	})
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func readAll(t *testing.T, resp *http.Response) string {
	t.Helper()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}

func decodePut(t *testing.T, resp *http.Response) PutResult {
	t.Helper()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var res PutResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	return res
}

func TestServer_PutGetDelete(t *testing.T) {
	f := newFixture(t)

	res := decodePut(t, f.do(t, http.MethodPut, "/v1/maps/users/alice", "v1"))
	assert.True(t, res.Written)
	assert.False(t, res.Replaced)
	assert.Nil(t, res.Previous)

	res = decodePut(t, f.do(t, http.MethodPut, "/v1/maps/users/alice?ttl=1m", "v2"))
	assert.True(t, res.Replaced)
	require.NotNil(t, res.Previous)
	assert.Equal(t, "v1", *res.Previous)

	resp := f.do(t, http.MethodGet, "/v1/maps/users/alice", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "v2", readAll(t, resp))

	resp = f.do(t, http.MethodHead, "/v1/maps/users/alice", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEqual(t, "0", resp.Header.Get("X-Cache-TTL-Remaining"))

	resp = f.do(t, http.MethodDelete, "/v1/maps/users/alice", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/v1/maps/users/alice", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = f.do(t, http.MethodHead, "/v1/maps/users/alice", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_PutIfAbsent(t *testing.T) {
	f := newFixture(t)

	res := decodePut(t, f.do(t, http.MethodPut, "/v1/maps/locks/job?nx=1&ttl=30", "owner-1"))
	assert.True(t, res.Written)

	res = decodePut(t, f.do(t, http.MethodPut, "/v1/maps/locks/job?nx=1&ttl=30", "owner-2"))
	assert.False(t, res.Written)
	require.NotNil(t, res.Previous)
	assert.Equal(t, "owner-1", *res.Previous)

	resp := f.do(t, http.MethodGet, "/v1/maps/locks/job", "")
	assert.Equal(t, "owner-1", readAll(t, resp))
}

func TestServer_ExpiredEntryIsNotServed(t *testing.T) {
	f := newFixture(t)

	decodePut(t, f.do(t, http.MethodPut, "/v1/maps/s/k?ttl=20ms", "v"))
	time.Sleep(40 * time.Millisecond)

	resp := f.do(t, http.MethodGet, "/v1/maps/s/k", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_MapInfoAndMetrics(t *testing.T) {
	f := newFixture(t)

	decodePut(t, f.do(t, http.MethodPut, "/v1/maps/carts/1", "a"))
	decodePut(t, f.do(t, http.MethodPut, "/v1/maps/carts/2", "b"))
	f.do(t, http.MethodGet, "/v1/maps/carts/1", "")
	f.do(t, http.MethodGet, "/v1/maps/carts/3", "")

	resp := f.do(t, http.MethodGet, "/v1/maps/carts", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var info MapInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))
	assert.Equal(t, "carts", info.Name)
	assert.Equal(t, 2, info.Size)
	assert.EqualValues(t, 1, info.Stats.Hits)
	assert.EqualValues(t, 1, info.Stats.Misses)

	resp = f.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := readAll(t, resp)
	assert.Contains(t, body, `mapcache_hits_total{map="carts"} 1`)
	assert.Contains(t, body, `mapcache_size_entries{map="carts"} 2`)

	assert.Equal(t, []string{"carts"}, f.maps.Names())
}

func TestServer_Errors(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPut, "/v1/maps/m/k?ttl=-5s", "v")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp = f.do(t, http.MethodPut, "/v1/maps/m/k?ttl=soon", "v")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp = f.do(t, http.MethodGet, "/v1/maps/%7Bbad%7D/k", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	f.down.Store(true)
	resp = f.do(t, http.MethodGet, "/v1/maps/m/k", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	f.down.Store(false)

	resp = f.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", readAll(t, resp))
}

func TestParseTTL(t *testing.T) {
	for in, want := range map[string]time.Duration{
		"":       0,
		"0":      0,
		"90":     90 * time.Second,
		"1500ms": 1500 * time.Millisecond,
		"2h":     2 * time.Hour,
	} {
		got, err := parseTTL(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
}

func TestServer_InvalidMapNameIsRepeatable(t *testing.T) {
	f := newFixture(t)

	for i := 0; i < 3; i++ {
		resp := f.do(t, http.MethodGet, "/v1/maps/a%7Bb%7D/k", "")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "request %d", i)
	}
	assert.Empty(t, f.maps.Names())
}

func TestRegistry_FailedOpenLeavesNoCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	sched := eviction.New(eviction.Options{})
	require.NoError(t, sched.Close())
	maps := NewRegistry(memstore.New(memstore.Options{}), sched, RegistryOptions{Metrics: reg})
	t.Cleanup(func() { _ = maps.Close() })

	// invalid names never reach collector registration
	for i := 0; i < 2; i++ {
		_, err := maps.Open("a{b")
		assert.ErrorIs(t, err, cache.ErrInvalidArgument)
	}

	// a valid name whose cache cannot start unregisters what it registered
	for i := 0; i < 2; i++ {
		_, err := maps.Open("users")
		assert.ErrorIs(t, err, eviction.ErrClosed)
	}
	mfs, err := reg.Gather()
	require.NoError(t, err)
	assert.Empty(t, mfs)
}
