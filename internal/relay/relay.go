// Package relay forwards client requests to the wrapped Xtream-style media
// API with the real subscription credentials injected server-side. Clients
// authenticate with StreamVeil tokens and never see the upstream username
// or password.
//
// Two surfaces exist: the JSON API relay (player_api.php actions with a
// strict query parameter allow list) and the media stream relay, which
// copies bodies to the client without buffering.
package relay

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/streamveil/streamveil/internal/config"
)

// allowedParams is the query parameter allow list for API calls. Anything
// not listed is dropped before the request reaches the upstream, so clients
// cannot smuggle credential overrides or unexpected parameters.
var allowedParams = map[string]struct{}{
	"category_id": {},
	"series_id":   {},
	"stream_id":   {},
	"vod_id":      {},
	"search":      {},
	"page":        {},
	"limit":       {},
}

// StreamKind identifies the media stream family.
type StreamKind string

const (
	StreamLive   StreamKind = "live"
	StreamMovie  StreamKind = "movie"
	StreamSeries StreamKind = "series"
)

// streamDefaults maps each kind to its upstream path segment and default
// container extension.
var streamDefaults = map[StreamKind]struct {
	segment    string
	defaultExt string
}{
	StreamLive:   {"live", "m3u8"},
	StreamMovie:  {"movie", "mp4"},
	StreamSeries: {"series", "mp4"},
}

// ParseStreamKind normalizes a path segment to a StreamKind. "vod" is an
// accepted alias for movie.
func ParseStreamKind(s string) (StreamKind, bool) {
	switch strings.ToLower(s) {
	case "live":
		return StreamLive, true
	case "movie", "vod":
		return StreamMovie, true
	case "series":
		return StreamSeries, true
	}
	return "", false
}

// hopByHopHeaders are never copied between client and upstream.
// Transfer-Encoding in particular must be excluded: the Go HTTP stack
// re-chunks the relayed body itself.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// forwardedRequestHeaders are the client request headers passed through to
// the upstream on stream requests. Range in particular enables seeking in
// VOD content.
var forwardedRequestHeaders = []string{
	"Range",
	"Accept",
	"User-Agent",
	"If-Modified-Since",
	"If-None-Match",
}

// Relay forwards API and stream requests to the upstream with credentials
// injected.
type Relay struct {
	baseURL  string
	username string
	password string

	// apiClient has a hard timeout; API responses are small JSON bodies.
	// streamClient bounds only the dial and response-header phases, since
	// live streams stay open indefinitely.
	apiClient    *http.Client
	streamClient *http.Client
	logger       *slog.Logger

	// Metrics hooks, set by the caller. All optional.
	OnAPIRequest    func(action string)
	OnStreamRequest func(kind string)
	OnUpstreamError func()
}

// New creates a relay for the configured upstream.
func New(cfg config.UpstreamConfig, logger *slog.Logger) (*Relay, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream URL %q: %w", cfg.BaseURL, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid upstream URL %q: scheme must be http or https", cfg.BaseURL)
	}
	if logger == nil {
		logger = slog.Default()
	}

	timeout := config.MustParseDuration(cfg.Timeout, 15*time.Second)
	idleConnTimeout := config.MustParseDuration(cfg.IdleConnTimeout, 90*time.Second)
	transport := buildTransport(cfg, timeout, idleConnTimeout)

	return &Relay{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		username:     cfg.Username,
		password:     cfg.Password.Value(),
		apiClient:    &http.Client{Transport: transport, Timeout: timeout},
		streamClient: &http.Client{Transport: transport},
		logger:       logger,
	}, nil
}

func buildTransport(cfg config.UpstreamConfig, responseTimeout, idleConnTimeout time.Duration) *http.Transport {
	maxIdle := cfg.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 100
	}
	t := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          maxIdle,
		MaxIdleConnsPerHost:   maxIdle,
		IdleConnTimeout:       idleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: responseTimeout,
	}
	if cfg.TLSInsecureVerify {
		t.TLSClientConfig = &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: true, //nolint:gosec // Configurable per-user choice.
		}
	}
	return t
}

// CallAPI relays a player_api.php request for the given action. Client
// query parameters outside the allow list are silently dropped; the real
// credentials and the action are set server-side.
func (rl *Relay) CallAPI(w http.ResponseWriter, r *http.Request, action string) {
	q := url.Values{}
	q.Set("username", rl.username)
	q.Set("password", rl.password)
	if action != "" {
		q.Set("action", action)
	}
	for key, vals := range r.URL.Query() {
		if _, ok := allowedParams[key]; !ok {
			continue
		}
		for _, v := range vals {
			q.Add(key, v)
		}
	}

	upstreamURL := rl.baseURL + "/player_api.php?" + q.Encode()

	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, upstreamURL, nil)
	if err != nil {
		rl.writeUpstreamError(w, fmt.Errorf("create request: %w", err))
		return
	}
	req.Header.Set("Accept", "application/json")
	if ua := r.Header.Get("User-Agent"); ua != "" {
		req.Header.Set("User-Agent", ua)
	}

	if rl.OnAPIRequest != nil {
		rl.OnAPIRequest(action)
	}

	resp, err := rl.apiClient.Do(req)
	if err != nil {
		rl.writeUpstreamError(w, err)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	// player_api.php responses are JSON; some upstreams omit the header and
	// the net/http sniffer would relabel the body text/plain.
	if resp.Header.Get("Content-Type") == "" {
		resp.Header.Set("Content-Type", "application/json")
	}

	rl.copyResponse(w, r, resp)
}

// ServeStream relays a media stream. id must be numeric; ext is reduced to
// its alphanumeric characters, falling back to the kind's default container.
// The body is copied to the client as it arrives, flushed on every write.
func (rl *Relay) ServeStream(w http.ResponseWriter, r *http.Request, kind StreamKind, id, ext string) {
	defaults, ok := streamDefaults[kind]
	if !ok {
		http.NotFound(w, r)
		return
	}
	if !isDigits(id) {
		http.Error(w, "invalid stream id", http.StatusBadRequest)
		return
	}
	ext = sanitizeExt(ext)
	if ext == "" {
		ext = defaults.defaultExt
	}

	upstreamURL := fmt.Sprintf("%s/%s/%s/%s/%s.%s",
		rl.baseURL, defaults.segment,
		url.PathEscape(rl.username), url.PathEscape(rl.password),
		id, ext)

	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, upstreamURL, nil)
	if err != nil {
		rl.writeUpstreamError(w, fmt.Errorf("create request: %w", err))
		return
	}
	for _, h := range forwardedRequestHeaders {
		if v := r.Header.Get(h); v != "" {
			req.Header.Set(h, v)
		}
	}

	if rl.OnStreamRequest != nil {
		rl.OnStreamRequest(string(kind))
	}

	resp, err := rl.streamClient.Do(req)
	if err != nil {
		rl.writeUpstreamError(w, err)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	rl.copyResponse(w, r, resp)
}

// copyResponse relays status, headers, and body. The body streams through a
// fixed buffer with a flush after every write so live content is never held
// back, mirroring a reverse proxy with an immediate flush interval.
func (rl *Relay) copyResponse(w http.ResponseWriter, r *http.Request, resp *http.Response) {
	header := w.Header()
	for key, vals := range resp.Header {
		if isHopByHop(key) {
			continue
		}
		for _, v := range vals {
			header.Add(key, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, writeErr := w.Write(buf[:n]); writeErr != nil {
				if !isClientDisconnect(writeErr) {
					rl.logger.Debug("relay: client write failed", "error", writeErr, "path", r.URL.Path)
				}
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if readErr != nil {
			if readErr != io.EOF && !isClientDisconnect(readErr) {
				rl.logger.Debug("relay: upstream read ended", "error", readErr, "path", r.URL.Path)
			}
			return
		}
	}
}

// writeUpstreamError reports an upstream failure as 502. Credentials never
// appear in the logged error because they live in the query string, which
// url.Error includes, so the message is scrubbed first.
func (rl *Relay) writeUpstreamError(w http.ResponseWriter, err error) {
	if rl.OnUpstreamError != nil {
		rl.OnUpstreamError()
	}
	rl.logger.Error("relay: upstream request failed", "error", rl.scrubError(err))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadGateway)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   "bad_gateway",
		"message": "upstream request failed",
	})
}

// scrubError removes the upstream credentials from an error message.
func (rl *Relay) scrubError(err error) string {
	msg := err.Error()
	if rl.password != "" {
		msg = strings.ReplaceAll(msg, rl.password, "[REDACTED]")
	}
	if rl.username != "" {
		msg = strings.ReplaceAll(msg, rl.username, "[REDACTED]")
	}
	return msg
}

func isHopByHop(key string) bool {
	for _, h := range hopByHopHeaders {
		if strings.EqualFold(key, h) {
			return true
		}
	}
	return false
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// sanitizeExt keeps only ASCII letters and digits, lowercased. Path
// separators, dots, and anything else a client might use to escape the
// stream path are removed outright.
func sanitizeExt(ext string) string {
	var b strings.Builder
	for i := 0; i < len(ext); i++ {
		c := ext[i]
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9':
			b.WriteByte(c)
		case c >= 'A' && c <= 'Z':
			b.WriteByte(c + ('a' - 'A'))
		}
	}
	return b.String()
}

func isClientDisconnect(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "client disconnected") ||
		strings.Contains(msg, "connection reset by peer") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "context canceled")
}
