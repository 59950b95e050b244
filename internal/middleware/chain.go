// Package middleware implements the request processing pipeline for StreamVeil.
// The pipeline handles: request-ID propagation → risk gate → token validation
// → upstream relay. The risk gate and token binding are configurable.
package middleware

import (
	cryptorand "crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/streamveil/streamveil/internal/events"
	"github.com/streamveil/streamveil/internal/observability"
	"github.com/streamveil/streamveil/internal/relay"
	"github.com/streamveil/streamveil/internal/risk"
	"github.com/streamveil/streamveil/internal/token"
)

var tracer = otel.Tracer("streamveil.middleware")

// requestIDHeader is the canonical HTTP header for request correlation.
const requestIDHeader = "X-Request-Id"

// maxRequestIDLen is the maximum allowed length for a client-supplied X-Request-Id.
const maxRequestIDLen = 128

// requestIDRng is a per-goroutine-safe CSPRNG seeded from crypto/rand.
// ChaCha8 is cryptographically strong and avoids a syscall per ID
// (unlike crypto/rand.Read), which reduces latency under high concurrency.
var requestIDRng = func() *rand.ChaCha8 {
	var seed [32]byte
	if _, err := cryptorand.Read(seed[:]); err != nil {
		panic("failed to seed ChaCha8: " + err.Error())
	}
	return rand.NewChaCha8(seed)
}()

// generateRequestID creates a 16-byte hex-encoded random ID (128 bits).
func generateRequestID() string {
	var buf [16]byte
	for i := 0; i < len(buf); i += 8 {
		v := requestIDRng.Uint64()
		binary.LittleEndian.PutUint64(buf[i:], v)
	}
	return hex.EncodeToString(buf[:])
}

// validRequestID checks that a client-supplied request ID is safe to propagate.
// Rejects IDs that are too long or contain non-printable / injection characters.
// Allowed characters: alphanumeric, hyphens, underscores, dots, colons.
func validRequestID(s string) bool {
	if len(s) == 0 || len(s) > maxRequestIDLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '_' || c == '.' || c == ':':
		default:
			return false
		}
	}
	return true
}

// jsonErrorResponse is the structured error body returned by StreamVeil.
type jsonErrorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	Reason    string `json:"reason,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// writeJSONError writes a structured JSON error response. The body never
// carries upstream credentials or stack detail.
func writeJSONError(w http.ResponseWriter, code int, errType, message, reason string) {
	resp := jsonErrorResponse{
		Error:     errType,
		Message:   message,
		Reason:    reason,
		RequestID: w.Header().Get(requestIDHeader),
	}
	body, _ := json.Marshal(resp)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(body)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "internal_error", "response encoding failed", "")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(body)
}

// ClientIP extracts the client address for risk evaluation and token binding.
// Order: first X-Forwarded-For entry → X-Real-IP → RemoteAddr. IPv4-mapped
// IPv6 prefixes are stripped so both notations resolve to the same address.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if addr := risk.NormalizeAddr(first); addr != "" {
			return addr
		}
	}
	if rip := r.Header.Get("X-Real-IP"); rip != "" {
		if addr := risk.NormalizeAddr(rip); addr != "" {
			return addr
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return risk.NormalizeAddr(host)
}

// extractToken pulls the session token from the request: ?token= query
// parameter first, then an Authorization: Bearer header.
func extractToken(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	auth := r.Header.Get("Authorization")
	if rest, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return strings.TrimSpace(rest)
	}
	return ""
}

// statusWriter captures the HTTP status code written by downstream handlers.
type statusWriter struct {
	http.ResponseWriter
	code    int
	written bool
}

func (sw *statusWriter) WriteHeader(code int) {
	if !sw.written {
		sw.code = code
		sw.written = true
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	if !sw.written {
		sw.code = http.StatusOK
		sw.written = true
	}
	return sw.ResponseWriter.Write(b)
}

// Unwrap supports http.ResponseController and middleware that check for
// underlying interfaces (http.Hijacker, http.Flusher, etc.).
func (sw *statusWriter) Unwrap() http.ResponseWriter {
	return sw.ResponseWriter
}

// Flush implements http.Flusher so that media streaming works even with
// handlers that assert w.(http.Flusher) directly instead of using Unwrap().
func (sw *statusWriter) Flush() {
	if f, ok := sw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// statusWriterPool amortizes statusWriter allocations on the hot path.
var statusWriterPool = sync.Pool{
	New: func() any { return &statusWriter{} },
}

// Chain wires the token service, risk evaluator, and upstream relay into the
// HTTP handlers the server mounts. The evaluator is swappable at runtime for
// config hot reload; nil disables the risk gate.
type Chain struct {
	tokens  *token.Service
	relay   *relay.Relay
	risk    atomic.Pointer[risk.Evaluator]
	logger  *slog.Logger
	metrics *observability.Metrics
	emitter *events.Emitter
}

// NewChain creates the pipeline. evaluator and emitter may be nil.
func NewChain(
	tokens *token.Service,
	rl *relay.Relay,
	evaluator *risk.Evaluator,
	emitter *events.Emitter,
	logger *slog.Logger,
	metrics *observability.Metrics,
) *Chain {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Chain{
		tokens:  tokens,
		relay:   rl,
		logger:  logger,
		metrics: metrics,
		emitter: emitter,
	}
	if evaluator != nil {
		c.risk.Store(evaluator)
	}
	return c
}

// SetEvaluator atomically replaces the risk evaluator. Pass nil to disable
// the risk gate. Used for config hot reload.
func (c *Chain) SetEvaluator(ev *risk.Evaluator) {
	c.risk.Store(ev)
}

// Wrap decorates a handler with request-ID propagation and request duration
// metrics. Applied once, outermost, by the server.
func (c *Chain) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := statusWriterPool.Get().(*statusWriter)
		sw.ResponseWriter = w
		sw.code = http.StatusOK
		sw.written = false

		// Propagate or generate X-Request-Id for request correlation.
		// Validate client-supplied IDs to prevent CRLF injection and log pollution.
		reqID := r.Header.Get(requestIDHeader)
		if !validRequestID(reqID) {
			reqID = generateRequestID()
			r.Header.Set(requestIDHeader, reqID)
		}
		sw.Header().Set(requestIDHeader, reqID)

		defer func() {
			duration := time.Since(start).Seconds()
			c.metrics.PromRequestDuration.WithLabelValues(
				r.Method,
				strconv.Itoa(sw.code),
			).Observe(duration)
			sw.ResponseWriter = nil // prevent dangling reference
			statusWriterPool.Put(sw)
		}()

		next.ServeHTTP(sw, r)
	})
}

// HandleIssueToken issues a new session token. When the risk gate is enabled
// the requesting address is evaluated first; blocked addresses get no token.
func (c *Chain) HandleIssueToken(w http.ResponseWriter, r *http.Request) {
	addr := ClientIP(r)

	if ev := c.risk.Load(); ev != nil {
		decision, allowed := c.evaluateRisk(w, r, ev, addr)
		if !allowed {
			c.emit(events.AuditEvent{
				Type:      events.TypeRiskBlocked,
				Address:   addr,
				Reason:    decision.Reason,
				Detail:    decision.Detail,
				Path:      r.URL.Path,
				Timestamp: time.Now().UTC().Format(time.RFC3339),
				RequestID: r.Header.Get(requestIDHeader),
			})
			return
		}
	}

	tok, err := c.tokens.Issue(r.Context(), addr)
	if err != nil {
		c.logger.Error("token issue failed", "error", err, "address", addr)
		writeJSONError(w, http.StatusInternalServerError, "token_issue_failed", "could not issue token", "")
		return
	}

	c.metrics.IncTokensIssued()
	c.emit(events.AuditEvent{
		Type:      events.TypeTokenIssued,
		Address:   addr,
		TokenID:   tok.ID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		RequestID: r.Header.Get(requestIDHeader),
	})

	writeJSON(w, http.StatusOK, tok)
}

// checkVPNResponse is the diagnostic body of the check-vpn endpoint.
type checkVPNResponse struct {
	Address string `json:"address"`
	Blocked bool   `json:"blocked"`
	Reason  string `json:"reason"`
	Detail  string `json:"detail,omitempty"`
	Cached  bool   `json:"cached"`
	Country string `json:"country,omitempty"`
	ISP     string `json:"isp,omitempty"`
}

// HandleCheckVPN evaluates an address and reports the verdict without gating
// anything. The ip query parameter defaults to the caller's address.
func (c *Chain) HandleCheckVPN(w http.ResponseWriter, r *http.Request) {
	addr := risk.NormalizeAddr(r.URL.Query().Get("ip"))
	if addr == "" {
		addr = ClientIP(r)
	}

	ev := c.risk.Load()
	if ev == nil {
		writeJSON(w, http.StatusOK, checkVPNResponse{
			Address: addr,
			Blocked: false,
			Reason:  risk.ReasonClean,
			Detail:  "risk evaluation disabled",
		})
		return
	}

	ctx, span := tracer.Start(r.Context(), "streamveil.risk")
	span.SetAttributes(attribute.String("risk.address", addr))
	riskStart := time.Now()
	decision := ev.Evaluate(ctx, addr)
	c.metrics.PromRiskDuration.Observe(time.Since(riskStart).Seconds())
	span.SetAttributes(
		attribute.Bool("risk.allowed", decision.Allowed),
		attribute.String("risk.reason", decision.Reason),
	)
	span.End()

	writeJSON(w, http.StatusOK, checkVPNResponse{
		Address: addr,
		Blocked: !decision.Allowed,
		Reason:  decision.Reason,
		Detail:  decision.Detail,
		Cached:  decision.Cached,
		Country: decision.Country,
		ISP:     decision.ISP,
	})
}

// HandleAPI relays a player API call. Requires a valid token.
func (c *Chain) HandleAPI(w http.ResponseWriter, r *http.Request) {
	if !c.requireToken(w, r) {
		return
	}

	action := r.PathValue("action")
	c.metrics.IncAPIRequests(action)

	ctx, span := tracer.Start(r.Context(), "streamveil.upstream")
	span.SetAttributes(attribute.String("upstream.action", action))
	c.relay.CallAPI(w, r.WithContext(ctx), action)
	span.End()
}

// HandleStream relays a media stream. Requires a valid token. The stream id
// may carry the extension Xtream-player style ("42.ts"); an explicit ?ext=
// query parameter wins over the suffix.
func (c *Chain) HandleStream(w http.ResponseWriter, r *http.Request) {
	if !c.requireToken(w, r) {
		return
	}

	kind, ok := relay.ParseStreamKind(r.PathValue("kind"))
	if !ok {
		writeJSONError(w, http.StatusNotFound, "unknown_stream_kind", "stream kind must be live, movie, or series", "")
		return
	}

	id := r.PathValue("id")
	ext := r.URL.Query().Get("ext")
	if base, suffix, found := strings.Cut(id, "."); found {
		id = base
		if ext == "" {
			ext = suffix
		}
	}

	c.metrics.IncStreamRequests(string(kind))
	c.metrics.PromUpstreamActive.Inc()
	defer c.metrics.PromUpstreamActive.Dec()

	ctx, span := tracer.Start(r.Context(), "streamveil.upstream")
	span.SetAttributes(
		attribute.String("stream.kind", string(kind)),
		attribute.String("stream.id", id),
	)
	c.relay.ServeStream(w, r.WithContext(ctx), kind, id, ext)
	span.End()
}

// evaluateRisk runs the risk gate. On a block it writes the 403 response and
// returns allowed=false; the caller only needs to emit its audit event.
func (c *Chain) evaluateRisk(w http.ResponseWriter, r *http.Request, ev *risk.Evaluator, addr string) (risk.Decision, bool) {
	ctx, span := tracer.Start(r.Context(), "streamveil.risk")
	span.SetAttributes(attribute.String("risk.address", addr))
	riskStart := time.Now()
	decision := ev.Evaluate(ctx, addr)
	c.metrics.PromRiskDuration.Observe(time.Since(riskStart).Seconds())
	span.SetAttributes(
		attribute.Bool("risk.allowed", decision.Allowed),
		attribute.String("risk.reason", decision.Reason),
	)
	span.End()

	if decision.Allowed {
		return decision, true
	}

	c.logger.Info("risk gate blocked address",
		"address", addr, "reason", decision.Reason, "detail", decision.Detail)
	writeJSONError(w, http.StatusForbidden, "vpn_blocked",
		"address failed the connection risk check", decision.Reason)
	return decision, false
}

// requireToken validates the session token on gated routes. On failure the
// 401 response is written and false returned.
func (c *Chain) requireToken(w http.ResponseWriter, r *http.Request) bool {
	id := extractToken(r)
	addr := ClientIP(r)

	_, span := tracer.Start(r.Context(), "streamveil.token")
	tokenStart := time.Now()
	result := c.tokens.Validate(r.Context(), id, addr)
	c.metrics.PromTokenDuration.Observe(time.Since(tokenStart).Seconds())
	span.SetAttributes(attribute.Bool("token.valid", result.Valid))
	span.End()

	if result.Valid {
		c.metrics.IncTokensValidated()
		return true
	}

	c.metrics.IncTokensRejected(result.Reason)
	c.emit(events.AuditEvent{
		Type:      events.TypeTokenRejected,
		Address:   addr,
		Reason:    result.Reason,
		Path:      r.URL.Path,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		RequestID: r.Header.Get(requestIDHeader),
	})

	errType := "token_invalid"
	if result.Reason == token.ReasonExpired {
		errType = "token_expired"
	}
	writeJSONError(w, http.StatusUnauthorized, errType, "a valid token is required", result.Reason)
	return false
}

func (c *Chain) emit(ev events.AuditEvent) {
	if c.emitter == nil {
		return
	}
	c.emitter.Emit(ev)
}
