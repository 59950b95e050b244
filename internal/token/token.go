// Package token issues and validates the short-lived bearer tokens that
// gate access to the relay endpoints. Tokens are opaque 128-bit random
// identifiers; all state lives in the shared TTL store, so any replica can
// validate a token issued by another when the store is Redis-backed.
package token

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/streamveil/streamveil/internal/cache"
	"github.com/streamveil/streamveil/internal/config"
)

// Rejection reasons returned by Validate. Stable strings: they appear in
// API responses, audit events, and metrics labels.
const (
	ReasonMissing         = "token_missing"
	ReasonUnknown         = "token_unknown"
	ReasonExpired         = "token_expired"
	ReasonAddressMismatch = "address_mismatch"
)

// idBytes is the token identifier entropy. 16 bytes = 128 bits, hex-encoded
// to 32 characters.
const idBytes = 16

// expiredRetention keeps expired records around past their lifetime so that
// validation can tell an expired token from a never-issued one. After the
// retention window the record ages out of the store and the token reads as
// unknown, which is indistinguishable to the client (both are 401).
const expiredRetention = 24 * time.Hour

// Token is an issued credential as returned to the client.
type Token struct {
	ID        string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	TTL       int64     `json:"ttl_seconds"`
}

// record is the stored server-side state for one token.
type record struct {
	Address   string    `json:"address,omitempty"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Result is the outcome of a validation.
type Result struct {
	Valid bool
	// Reason is one of the Reason* constants when Valid is false.
	Reason string
}

// Service issues and validates tokens.
type Service struct {
	store       cache.Store
	ttl         time.Duration
	bindAddress bool
	logger      *slog.Logger

	// Metrics hooks, set by the caller. All optional.
	OnIssue  func()
	OnReject func(reason string)

	now func() time.Time // test override
}

// NewService creates a token service backed by the given store.
func NewService(cfg config.TokenConfig, store cache.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:       store,
		ttl:         config.MustParseDuration(cfg.TTL, 6*time.Hour),
		bindAddress: cfg.BindAddress,
		logger:      logger,
		now:         time.Now,
	}
}

// TTL returns the configured token lifetime.
func (s *Service) TTL() time.Duration { return s.ttl }

// Issue creates a new token. When address binding is enabled, the token is
// only valid from clientAddr.
func (s *Service) Issue(ctx context.Context, clientAddr string) (*Token, error) {
	buf := make([]byte, idBytes)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("token: generate id: %w", err)
	}
	id := hex.EncodeToString(buf)

	now := s.now().UTC()
	rec := record{
		IssuedAt:  now,
		ExpiresAt: now.Add(s.ttl),
	}
	if s.bindAddress {
		rec.Address = clientAddr
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("token: marshal record: %w", err)
	}
	if err := s.store.Set(ctx, id, data, s.ttl+expiredRetention); err != nil {
		return nil, fmt.Errorf("token: store record: %w", err)
	}

	if s.OnIssue != nil {
		s.OnIssue()
	}
	s.logger.Debug("token issued", "expires_at", rec.ExpiresAt, "bound", s.bindAddress)

	return &Token{
		ID:        id,
		ExpiresAt: rec.ExpiresAt,
		TTL:       int64(s.ttl.Seconds()),
	}, nil
}

// Validate checks a presented token. Expired records found in the store are
// deleted on sight.
func (s *Service) Validate(ctx context.Context, id, clientAddr string) Result {
	if id == "" {
		return s.reject(ReasonMissing)
	}
	if !validID(id) {
		return s.reject(ReasonUnknown)
	}

	data, found := s.store.Get(ctx, id)
	if !found {
		return s.reject(ReasonUnknown)
	}

	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		s.logger.Warn("token: corrupt record, deleting", "error", err)
		_ = s.store.Delete(ctx, id)
		return s.reject(ReasonUnknown)
	}

	if s.now().After(rec.ExpiresAt) {
		_ = s.store.Delete(ctx, id)
		return s.reject(ReasonExpired)
	}

	if s.bindAddress && rec.Address != "" && rec.Address != clientAddr {
		return s.reject(ReasonAddressMismatch)
	}

	return Result{Valid: true}
}

// Revoke deletes a token immediately. Unknown tokens are a no-op.
func (s *Service) Revoke(ctx context.Context, id string) error {
	if !validID(id) {
		return nil
	}
	return s.store.Delete(ctx, id)
}

func (s *Service) reject(reason string) Result {
	if s.OnReject != nil {
		s.OnReject(reason)
	}
	return Result{Reason: reason}
}

// validID reports whether id has the exact shape Issue produces: lowercase
// hex, 32 characters. Anything else never hits the store.
func validID(id string) bool {
	if len(id) != idBytes*2 {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
