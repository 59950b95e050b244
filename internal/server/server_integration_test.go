package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2"

	"github.com/streamveil/streamveil/internal/config"
)

func TestServerRunAndShutdown(t *testing.T) {
	t.Run("starts and stops gracefully", func(t *testing.T) {
		cfg := baseConfig()
		cfg.Server.Address = ":0" // random port
		cfg.Admin.Address = ":0"  // random port

		srv, err := New(cfg, testLogger(), "test")
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())

		done := make(chan error, 1)
		go func() {
			done <- srv.Run(ctx)
		}()

		// Give server time to start.
		time.Sleep(200 * time.Millisecond)

		// Cancel to trigger shutdown.
		cancel()

		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Fatal("server did not shut down within timeout")
		}
	})
}

// freeAddr returns a "host:port" string with a port the OS has confirmed is
// available. The listener is closed immediately so the port can be reused.
func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

// waitHealthy polls the admin health endpoint until the server is up.
func waitHealthy(t *testing.T, adminAddr string) {
	t.Helper()
	require.Eventually(t, func() bool {
		resp, httpErr := http.Get("http://" + adminAddr + "/healthz")
		if httpErr != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 50*time.Millisecond, "server did not become ready")
}

func TestServerHealthEndpoints(t *testing.T) {
	t.Run("startz, healthz, readyz and metrics are accessible", func(t *testing.T) {
		proxyAddr := freeAddr(t)
		adminAddr := freeAddr(t)

		cfg := baseConfig()
		cfg.Server.Address = proxyAddr
		cfg.Admin.Address = adminAddr

		srv, err := New(cfg, testLogger(), "test")
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		done := make(chan error, 1)
		go func() {
			done <- srv.Run(ctx)
		}()

		waitHealthy(t, adminAddr)
		client := &http.Client{Timeout: 2 * time.Second}

		respS, err := client.Get("http://" + adminAddr + "/startz")
		require.NoError(t, err)
		defer respS.Body.Close()
		assert.Equal(t, http.StatusOK, respS.StatusCode)

		var startBody map[string]string
		require.NoError(t, json.NewDecoder(respS.Body).Decode(&startBody))
		assert.Equal(t, "started", startBody["status"])

		resp, err := client.Get("http://" + adminAddr + "/healthz")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		var body map[string]string
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		assert.Equal(t, "alive", body["status"])

		resp2, err := client.Get("http://" + adminAddr + "/readyz")
		require.NoError(t, err)
		defer resp2.Body.Close()
		assert.Equal(t, http.StatusOK, resp2.StatusCode)

		resp3, err := client.Get("http://" + adminAddr + "/metrics")
		require.NoError(t, err)
		defer resp3.Body.Close()
		assert.Equal(t, http.StatusOK, resp3.StatusCode)
		metricsBody, _ := io.ReadAll(resp3.Body)
		assert.Contains(t, string(metricsBody), "streamveil_tokens_issued_total")

		cancel()
		<-done
	})
}

func TestServerTokenAndRelayFlow(t *testing.T) {
	t.Run("issues a token and relays an API call with injected credentials", func(t *testing.T) {
		var gotUpstream url.Values
		var gotPath string
		upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotUpstream = r.URL.Query()
			gotPath = r.URL.Path
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"user_info":{"status":"Active"}}`)
		}))
		defer upstream.Close()

		proxyAddr := freeAddr(t)
		adminAddr := freeAddr(t)

		cfg := baseConfig()
		cfg.Upstream.BaseURL = upstream.URL
		cfg.Server.Address = proxyAddr
		cfg.Admin.Address = adminAddr

		srv, err := New(cfg, testLogger(), "test")
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		done := make(chan error, 1)
		go func() {
			done <- srv.Run(ctx)
		}()

		waitHealthy(t, adminAddr)
		client := &http.Client{Timeout: 5 * time.Second}

		// Without a token the API endpoint is closed.
		respNoTok, err := client.Get("http://" + proxyAddr + "/api/get_live_categories")
		require.NoError(t, err)
		respNoTok.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, respNoTok.StatusCode)

		// Obtain a token.
		respTok, err := client.Get("http://" + proxyAddr + "/token")
		require.NoError(t, err)
		defer respTok.Body.Close()
		require.Equal(t, http.StatusOK, respTok.StatusCode)

		var tok struct {
			Token     string `json:"token"`
			ExpiresAt string `json:"expires_at"`
		}
		require.NoError(t, json.NewDecoder(respTok.Body).Decode(&tok))
		require.Len(t, tok.Token, 32)

		// The relay injects the real credentials; the client never sees them.
		respAPI, err := client.Get("http://" + proxyAddr + "/api/get_live_categories?token=" + tok.Token)
		require.NoError(t, err)
		defer respAPI.Body.Close()
		assert.Equal(t, http.StatusOK, respAPI.StatusCode)

		assert.Equal(t, "/player_api.php", gotPath)
		assert.Equal(t, "up-user", gotUpstream.Get("username"))
		assert.Equal(t, "up-pass", gotUpstream.Get("password"))
		assert.Equal(t, "get_live_categories", gotUpstream.Get("action"))

		apiBody, _ := io.ReadAll(respAPI.Body)
		assert.Contains(t, string(apiBody), "Active")

		// Stream relay builds the upstream path from kind/id with the same
		// injected credentials.
		respStream, err := client.Get("http://" + proxyAddr + "/stream/live/42?token=" + tok.Token)
		require.NoError(t, err)
		respStream.Body.Close()
		assert.Equal(t, http.StatusOK, respStream.StatusCode)
		assert.Equal(t, "/live/up-user/up-pass/42.m3u8", gotPath)

		cancel()
		<-done
	})

	t.Run("check-vpn reports disabled evaluation as clean", func(t *testing.T) {
		proxyAddr := freeAddr(t)
		adminAddr := freeAddr(t)

		cfg := baseConfig()
		cfg.Server.Address = proxyAddr
		cfg.Admin.Address = adminAddr

		srv, err := New(cfg, testLogger(), "test")
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		done := make(chan error, 1)
		go func() {
			done <- srv.Run(ctx)
		}()

		waitHealthy(t, adminAddr)
		client := &http.Client{Timeout: 2 * time.Second}

		resp, err := client.Get("http://" + proxyAddr + "/check-vpn?ip=203.0.113.9")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		var body map[string]any
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		assert.Equal(t, false, body["blocked"])

		cancel()
		<-done
	})
}

func TestServerRedisBackedTokens(t *testing.T) {
	t.Run("token records land in redis under the token prefix", func(t *testing.T) {
		mr := miniredis.RunT(t)
		proxyAddr := freeAddr(t)
		adminAddr := freeAddr(t)

		cfg := baseConfig()
		cfg.Server.Address = proxyAddr
		cfg.Admin.Address = adminAddr
		cfg.Store.Backend = config.StoreBackendRedis
		cfg.Store.Redis.Endpoints = []string{mr.Addr()}

		srv, err := New(cfg, testLogger(), "test")
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		done := make(chan error, 1)
		go func() {
			done <- srv.Run(ctx)
		}()

		waitHealthy(t, adminAddr)
		client := &http.Client{Timeout: 2 * time.Second}

		resp, err := client.Get("http://" + proxyAddr + "/token")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var tok struct {
			Token string `json:"token"`
		}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&tok))
		assert.True(t, mr.Exists("sv:token:"+tok.Token))

		cancel()
		<-done
	})
}

func TestServerTLSHTTP2(t *testing.T) {
	t.Run("negotiates HTTP/2 over TLS via ALPN", func(t *testing.T) {
		upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `[]`)
		}))
		defer upstream.Close()

		dir := t.TempDir()
		certFile := dir + "/tls.crt"
		keyFile := dir + "/tls.key"
		require.NoError(t, generateSelfSignedCert(certFile, keyFile))

		proxyAddr := freeAddr(t)
		adminAddr := freeAddr(t)

		cfg := baseConfig()
		cfg.Upstream.BaseURL = upstream.URL
		cfg.Server.Address = proxyAddr
		cfg.Admin.Address = adminAddr
		cfg.Server.TLS.Enabled = true
		cfg.Server.TLS.CertFile = certFile
		cfg.Server.TLS.KeyFile = keyFile

		srv, err := New(cfg, testLogger(), "test")
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		done := make(chan error, 1)
		go func() {
			done <- srv.Run(ctx)
		}()

		waitHealthy(t, adminAddr)

		tr := &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
		require.NoError(t, http2.ConfigureTransport(tr))
		tlsClient := &http.Client{Timeout: 5 * time.Second, Transport: tr}

		resp, err := tlsClient.Get("https://" + proxyAddr + "/token")
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, "HTTP/2.0", resp.Proto, "TLS connection must negotiate HTTP/2 via ALPN")
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		cancel()
		<-done
	})
}
