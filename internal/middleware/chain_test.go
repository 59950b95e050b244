package middleware

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamveil/streamveil/internal/cache"
	"github.com/streamveil/streamveil/internal/config"
	"github.com/streamveil/streamveil/internal/observability"
	"github.com/streamveil/streamveil/internal/relay"
	"github.com/streamveil/streamveil/internal/risk"
	"github.com/streamveil/streamveil/internal/token"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubProvider returns a fixed report per address.
type stubProvider struct {
	reports map[string]*risk.Report
}

func (p *stubProvider) Lookup(_ context.Context, ip string) (*risk.Report, error) {
	if r, ok := p.reports[ip]; ok {
		return r, nil
	}
	return nil, risk.ErrNoData
}

func (p *stubProvider) Name() string { return "stub" }

type chainFixture struct {
	chain    *Chain
	tokens   *token.Service
	metrics  *observability.Metrics
	upstream *httptest.Server
}

func newFixture(t *testing.T, reports map[string]*risk.Report, upstream http.Handler) *chainFixture {
	t.Helper()

	store := cache.NewMemoryStore(0)
	t.Cleanup(func() { _ = store.Close() })

	tokens := token.NewService(config.TokenConfig{TTL: "1h", BindAddress: true}, store, testLogger())

	var ev *risk.Evaluator
	if reports != nil {
		ev = risk.NewEvaluator(config.RiskConfig{
			Enabled:        true,
			ScoreThreshold: 50,
			FailurePolicy:  config.FailurePolicyFailOpen,
		}, &stubProvider{reports: reports}, store, testLogger())
	}

	srv := httptest.NewServer(upstream)
	t.Cleanup(srv.Close)

	rl, err := relay.New(config.UpstreamConfig{
		BaseURL:  srv.URL,
		Username: "up-user",
		Password: "up-pass",
		Timeout:  "2s",
	}, testLogger())
	require.NoError(t, err)

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	return &chainFixture{
		chain:    NewChain(tokens, rl, ev, nil, testLogger(), metrics),
		tokens:   tokens,
		metrics:  metrics,
		upstream: srv,
	}
}

func (f *chainFixture) mux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /token", f.chain.HandleIssueToken)
	mux.HandleFunc("GET /check-vpn", f.chain.HandleCheckVPN)
	mux.HandleFunc("GET /api/{action}", f.chain.HandleAPI)
	mux.HandleFunc("GET /stream/{kind}/{id}", f.chain.HandleStream)
	return f.chain.Wrap(mux)
}

func echoUpstream() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"path": r.URL.Path})
	})
}

func issueToken(t *testing.T, h http.Handler, remoteAddr string) string {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/token", nil)
	req.RemoteAddr = remoteAddr
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var body struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Token, 32)
	return body.Token
}

func TestIssueTokenEndpoint(t *testing.T) {
	t.Run("clean address gets a token", func(t *testing.T) {
		f := newFixture(t, map[string]*risk.Report{
			"198.51.100.10": {ISP: "Comcast", Score: 1},
		}, echoUpstream())
		h := f.mux()

		tok := issueToken(t, h, "198.51.100.10:4242")
		assert.NotEmpty(t, tok)
		assert.Equal(t, int64(1), f.metrics.Snapshot().TokensIssued)
	})

	t.Run("risky address is refused", func(t *testing.T) {
		f := newFixture(t, map[string]*risk.Report{
			"203.0.113.9": {ISP: "OVH Hosting", Score: 5},
		}, echoUpstream())
		h := f.mux()

		req := httptest.NewRequest(http.MethodGet, "/token", nil)
		req.RemoteAddr = "203.0.113.9:1000"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusForbidden, rec.Code)
		var body map[string]string
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "vpn_blocked", body["error"])
		assert.Equal(t, "keyword_match", body["reason"])
		assert.Equal(t, int64(0), f.metrics.Snapshot().TokensIssued)
	})

	t.Run("no evaluator means no gate", func(t *testing.T) {
		f := newFixture(t, nil, echoUpstream())
		issueToken(t, f.mux(), "203.0.113.9:1000")
	})
}

func TestCheckVPNEndpoint(t *testing.T) {
	f := newFixture(t, map[string]*risk.Report{
		"198.51.100.10": {ISP: "Comcast", Score: 1, Country: "US"},
		"203.0.113.9":   {ISP: "NordVPN", VPN: true},
	}, echoUpstream())
	h := f.mux()

	t.Run("explicit ip parameter", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/check-vpn?ip=203.0.113.9", nil)
		req.RemoteAddr = "198.51.100.10:1"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		var body checkVPNResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.True(t, body.Blocked)
		assert.Equal(t, risk.ReasonVPNFlag, body.Reason)
		assert.Equal(t, "203.0.113.9", body.Address)
	})

	t.Run("defaults to caller address", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/check-vpn", nil)
		req.RemoteAddr = "198.51.100.10:1"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		var body checkVPNResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.False(t, body.Blocked)
		assert.Equal(t, "US", body.Country)
	})

	t.Run("second call is served from the cache", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/check-vpn?ip=203.0.113.9", nil)
		req.RemoteAddr = "198.51.100.10:1"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		var body checkVPNResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.True(t, body.Cached)
	})

	t.Run("disabled evaluator reports clean", func(t *testing.T) {
		off := newFixture(t, nil, echoUpstream())
		req := httptest.NewRequest(http.MethodGet, "/check-vpn?ip=203.0.113.9", nil)
		req.RemoteAddr = "198.51.100.10:1"
		rec := httptest.NewRecorder()
		off.mux().ServeHTTP(rec, req)

		var body checkVPNResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.False(t, body.Blocked)
		assert.Equal(t, risk.ReasonClean, body.Reason)
	})
}

func TestAPIEndpointTokenGate(t *testing.T) {
	f := newFixture(t, nil, echoUpstream())
	h := f.mux()
	tok := issueToken(t, h, "198.51.100.10:4242")

	t.Run("valid token passes through", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/get_live_streams?token="+tok, nil)
		req.RemoteAddr = "198.51.100.10:555"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "player_api.php")
	})

	t.Run("bearer header works too", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/get_live_streams", nil)
		req.RemoteAddr = "198.51.100.10:555"
		req.Header.Set("Authorization", "Bearer "+tok)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("missing token rejected", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/get_live_streams", nil)
		req.RemoteAddr = "198.51.100.10:555"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		var body map[string]string
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "token_invalid", body["error"])
		assert.Equal(t, token.ReasonMissing, body["reason"])
	})

	t.Run("unknown token rejected", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet,
			"/api/get_live_streams?token=00000000000000000000000000000000", nil)
		req.RemoteAddr = "198.51.100.10:555"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("token bound to another address rejected", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/get_live_streams?token="+tok, nil)
		req.RemoteAddr = "192.0.2.77:555"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		var body map[string]string
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, token.ReasonAddressMismatch, body["reason"])
	})
}

func TestExpiredTokenRejected(t *testing.T) {
	store := cache.NewMemoryStore(0)
	t.Cleanup(func() { _ = store.Close() })
	tokens := token.NewService(config.TokenConfig{TTL: "1ms"}, store, testLogger())

	srv := httptest.NewServer(echoUpstream())
	t.Cleanup(srv.Close)
	rl, err := relay.New(config.UpstreamConfig{
		BaseURL:  srv.URL,
		Username: "up-user",
		Password: "up-pass",
		Timeout:  "2s",
	}, testLogger())
	require.NoError(t, err)

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	c := NewChain(tokens, rl, nil, nil, testLogger(), metrics)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /token", c.HandleIssueToken)
	mux.HandleFunc("GET /stream/{kind}/{id}", c.HandleStream)
	h := c.Wrap(mux)

	tok := issueToken(t, h, "198.51.100.10:4242")
	time.Sleep(20 * time.Millisecond)

	req := httptest.NewRequest(http.MethodGet, "/stream/live/42?token="+tok, nil)
	req.RemoteAddr = "198.51.100.10:555"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	// A stale session reads as expired, not unknown, so a player knows to
	// re-authenticate.
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "token_expired", body["error"])
	assert.Equal(t, token.ReasonExpired, body["reason"])
	assert.Equal(t, int64(1), metrics.Snapshot().TokensRejected)
}

func TestStreamEndpoint(t *testing.T) {
	var gotPath string
	f := newFixture(t, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_, _ = w.Write([]byte("bytes"))
	}))
	h := f.mux()
	tok := issueToken(t, h, "198.51.100.10:4242")

	do := func(target string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, target, nil)
		req.RemoteAddr = "198.51.100.10:555"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	t.Run("live with defaults", func(t *testing.T) {
		rec := do("/stream/live/42?token=" + tok)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "/live/up-user/up-pass/42.m3u8", gotPath)
	})

	t.Run("ext query parameter", func(t *testing.T) {
		do("/stream/live/42?ext=ts&token=" + tok)
		assert.Equal(t, "/live/up-user/up-pass/42.ts", gotPath)
	})

	t.Run("extension in the id segment", func(t *testing.T) {
		do("/stream/movie/7.mkv?token=" + tok)
		assert.Equal(t, "/movie/up-user/up-pass/7.mkv", gotPath)
	})

	t.Run("vod alias", func(t *testing.T) {
		do("/stream/vod/7?token=" + tok)
		assert.Equal(t, "/movie/up-user/up-pass/7.mp4", gotPath)
	})

	t.Run("unknown kind is a 404", func(t *testing.T) {
		rec := do("/stream/radio/42?token=" + tok)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("token required", func(t *testing.T) {
		rec := do("/stream/live/42")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestWrapRequestID(t *testing.T) {
	f := newFixture(t, nil, echoUpstream())
	h := f.mux()

	t.Run("generates an id when absent", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/check-vpn", nil)
		req.RemoteAddr = "198.51.100.10:1"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		id := rec.Header().Get("X-Request-Id")
		assert.Len(t, id, 32)
	})

	t.Run("propagates a valid client id", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/check-vpn", nil)
		req.RemoteAddr = "198.51.100.10:1"
		req.Header.Set("X-Request-Id", "client-id-1")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		assert.Equal(t, "client-id-1", rec.Header().Get("X-Request-Id"))
	})

	t.Run("replaces an injection attempt", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/check-vpn", nil)
		req.RemoteAddr = "198.51.100.10:1"
		req.Header.Set("X-Request-Id", "bad\r\nid")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		assert.NotEqual(t, "bad\r\nid", rec.Header().Get("X-Request-Id"))
		assert.Len(t, rec.Header().Get("X-Request-Id"), 32)
	})
}

func TestClientIP(t *testing.T) {
	cases := []struct {
		name   string
		xff    string
		realIP string
		remote string
		want   string
	}{
		{"remote addr only", "", "", "198.51.100.10:4242", "198.51.100.10"},
		{"forwarded-for wins", "203.0.113.9, 10.0.0.1", "", "198.51.100.10:4242", "203.0.113.9"},
		{"real-ip beats remote", "", "203.0.113.9", "198.51.100.10:4242", "203.0.113.9"},
		{"ipv4-mapped prefix stripped", "::ffff:203.0.113.9", "", "198.51.100.10:4242", "203.0.113.9"},
		{"no port on remote addr", "", "", "198.51.100.10", "198.51.100.10"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tc.remote
			if tc.xff != "" {
				r.Header.Set("X-Forwarded-For", tc.xff)
			}
			if tc.realIP != "" {
				r.Header.Set("X-Real-IP", tc.realIP)
			}
			assert.Equal(t, tc.want, ClientIP(r))
		})
	}
}

func TestValidRequestID(t *testing.T) {
	assert.True(t, validRequestID("abc-123_X.y:z"))
	assert.False(t, validRequestID(""))
	assert.False(t, validRequestID("has space"))
	assert.False(t, validRequestID("crlf\r\n"))
	long := make([]byte, maxRequestIDLen+1)
	for i := range long {
		long[i] = 'a'
	}
	assert.False(t, validRequestID(string(long)))
}

func TestSetEvaluatorSwap(t *testing.T) {
	f := newFixture(t, nil, echoUpstream())
	h := f.mux()

	// No gate: risky address gets a token.
	issueToken(t, h, "203.0.113.9:1")

	store := cache.NewMemoryStore(0)
	defer func() { _ = store.Close() }()
	f.chain.SetEvaluator(risk.NewEvaluator(config.RiskConfig{
		Enabled:       true,
		FailurePolicy: config.FailurePolicyFailOpen,
	}, &stubProvider{reports: map[string]*risk.Report{
		"203.0.113.9": {ISP: "NordVPN", VPN: true},
	}}, store, testLogger()))

	req := httptest.NewRequest(http.MethodGet, "/token", nil)
	req.RemoteAddr = "203.0.113.9:1"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// Swapping back to nil disables the gate again.
	f.chain.SetEvaluator(nil)
	issueToken(t, h, "203.0.113.9:1")
}
