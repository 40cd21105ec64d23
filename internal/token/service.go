package token

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

var (
	// ErrTokenInvalid covers malformed serialisation and signature failures.
	ErrTokenInvalid = errors.New("token: invalid")
	// ErrTokenExpired indicates presentation after expires_at.
	ErrTokenExpired = errors.New("token: expired")
	// ErrTokenReplayed indicates a token_id that was already consumed.
	ErrTokenReplayed = errors.New("token: replayed")
)

// consumedGrace extends replay-set retention past expiry so clock skew
// between instances cannot resurrect a consumed token.
const consumedGrace = time.Hour

// ConsumedStore is the replay-protection set. MarkConsumed must perform an
// atomic check-and-insert: it returns true exactly once per token ID.
type ConsumedStore interface {
	MarkConsumed(ctx context.Context, tokenID string, retainUntil time.Time) (bool, error)
}

// Options parameterise the token service.
type Options struct {
	// SigningSeed is a hex-encoded 32-byte ed25519 seed. When empty an
	// ephemeral keypair is generated; tokens then die with the process.
	SigningSeed      string
	ValidityDuration time.Duration
}

// Service issues and validates signed, single-use action tokens.
type Service struct {
	priv     ed25519.PrivateKey
	pub      ed25519.PublicKey
	validity time.Duration
	consumed ConsumedStore
	now      func() time.Time
	logger   zerolog.Logger
}

// NewService constructs the token service.
func NewService(opts Options, consumed ConsumedStore, logger zerolog.Logger) (*Service, error) {
	if consumed == nil {
		return nil, errors.New("token: consumed store is required")
	}

	validity := opts.ValidityDuration
	if validity <= 0 {
		validity = 4 * time.Hour
	}

	svc := &Service{
		validity: validity,
		consumed: consumed,
		now:      time.Now,
		logger:   logger.With().Str("component", "token_service").Logger(),
	}

	if opts.SigningSeed != "" {
		seed, err := hex.DecodeString(strings.TrimSpace(opts.SigningSeed))
		if err != nil {
			return nil, fmt.Errorf("decode signing seed: %w", err)
		}
		if len(seed) != ed25519.SeedSize {
			return nil, fmt.Errorf("signing seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
		}
		svc.priv = ed25519.NewKeyFromSeed(seed)
		svc.pub = svc.priv.Public().(ed25519.PublicKey)
		return svc, nil
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	svc.pub, svc.priv = pub, priv
	svc.logger.Warn().Msg("tokens.signing_seed not configured; generated ephemeral signing key")
	return svc, nil
}

// WithClock overrides the service clock. Intended for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Issue mints a fresh token for one action on one resource and returns the
// token together with its signed serialised form.
func (s *Service) Issue(action Action, resourceID, projectID string, estimatedSavings decimal.Decimal, identity string) (Token, string, error) {
	issued := s.now().UTC()
	tok := Token{
		TokenID:          uuid.NewString(),
		Action:           action,
		ResourceID:       resourceID,
		ProjectID:        projectID,
		IssuedAt:         issued,
		ExpiresAt:        issued.Add(s.validity),
		EstimatedSavings: estimatedSavings,
		Identity:         identity,
	}

	payload, err := json.Marshal(tok)
	if err != nil {
		return Token{}, "", fmt.Errorf("marshal token payload: %w", err)
	}

	sig := ed25519.Sign(s.priv, payload)
	serialized := base64.RawURLEncoding.EncodeToString(payload) + "." + base64.RawURLEncoding.EncodeToString(sig)

	s.logger.Info().
		Str("token_id", tok.TokenID).
		Str("action", string(action)).
		Str("resource_id", resourceID).
		Time("expires_at", tok.ExpiresAt).
		Msg("action token issued")

	return tok, serialized, nil
}

// Validate checks a serialised token and, on success, atomically consumes
// it. Order is fixed: signature first, then expiry, then replay. A token
// that fails here authorises nothing.
func (s *Service) Validate(ctx context.Context, serialized string) (Token, error) {
	payload, sig, err := splitSerialized(serialized)
	if err != nil {
		return Token{}, ErrTokenInvalid
	}

	if !ed25519.Verify(s.pub, payload, sig) {
		s.logger.Warn().Msg("token rejected: bad signature")
		return Token{}, ErrTokenInvalid
	}

	var tok Token
	if err := json.Unmarshal(payload, &tok); err != nil {
		return Token{}, ErrTokenInvalid
	}
	if tok.TokenID == "" {
		return Token{}, ErrTokenInvalid
	}
	if _, err := ParseAction(string(tok.Action)); err != nil {
		return Token{}, ErrTokenInvalid
	}

	now := s.now().UTC()
	if now.After(tok.ExpiresAt) {
		s.logger.Warn().Str("token_id", tok.TokenID).Msg("token rejected: expired")
		return Token{}, ErrTokenExpired
	}

	first, err := s.consumed.MarkConsumed(ctx, tok.TokenID, tok.ExpiresAt.Add(consumedGrace))
	if err != nil {
		return Token{}, fmt.Errorf("mark token consumed: %w", err)
	}
	if !first {
		s.logger.Warn().Str("token_id", tok.TokenID).Msg("token rejected: replay")
		return Token{}, ErrTokenReplayed
	}

	return tok, nil
}

// ActionURL renders the execute link embedded in notifications.
func ActionURL(baseURL string, action Action, serialized string) string {
	return fmt.Sprintf("%s/api/v1/execute/%s?token=%s",
		strings.TrimRight(baseURL, "/"), string(action), url.QueryEscape(serialized))
}

func splitSerialized(serialized string) (payload, sig []byte, err error) {
	parts := strings.Split(serialized, ".")
	if len(parts) != 2 {
		return nil, nil, errors.New("malformed token")
	}
	payload, err = base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, nil, err
	}
	sig, err = base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, nil, err
	}
	if len(sig) != ed25519.SignatureSize {
		return nil, nil, errors.New("malformed signature")
	}
	return payload, sig, nil
}
