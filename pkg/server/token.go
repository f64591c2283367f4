package server

import (
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/boardwalk/boardwalk/pkg/clock"
	"github.com/google/uuid"
	"github.com/zeebo/blake3"
)

// Token purposes. A token signed for one purpose never verifies for
// another.
const (
	PurposeAPI        = "api"
	PurposeUI         = "ui"
	PurposeOAuthState = "oauth_state"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
)

// Claims is the signed payload of a token.
type Claims struct {
	Subject   string `json:"sub"`
	Purpose   string `json:"pur"`
	IssuedAt  int64  `json:"iat"`
	ExpiresAt int64  `json:"exp"`
	ID        string `json:"jti"`
}

// Signer issues and verifies tokens of the form payload.mac, both base64url
// encoded, where mac is a keyed BLAKE3 hash of the payload.
type Signer struct {
	key   [32]byte
	ttl   time.Duration
	clock clock.Clock
}

// NewSigner derives the MAC key from secret.
func NewSigner(secret string, ttl time.Duration, clk clock.Clock) *Signer {
	if clk == nil {
		clk = clock.Real()
	}
	s := &Signer{ttl: ttl, clock: clk}
	blake3.DeriveKey("boardwalkd 2024 token signing key", []byte(secret), s.key[:])
	return s
}

func (s *Signer) mac(payload []byte) []byte {
	h, err := blake3.NewKeyed(s.key[:])
	if err != nil {
		panic(err) // key is always 32 bytes
	}
	_, _ = h.Write(payload)
	return h.Sum(nil)
}

// Sign returns a token for subject valid for the signer's lifetime.
func (s *Signer) Sign(subject, purpose string) (string, error) {
	now := s.clock.Now()
	payload, err := json.Marshal(Claims{
		Subject:   subject,
		Purpose:   purpose,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(s.ttl).Unix(),
		ID:        uuid.NewString(),
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode token: %w", err)
	}
	enc := base64.RawURLEncoding
	return enc.EncodeToString(payload) + "." + enc.EncodeToString(s.mac(payload)), nil
}

// Verify checks a token's signature, purpose and expiry.
func (s *Signer) Verify(token, purpose string) (*Claims, error) {
	encPayload, encMAC, ok := strings.Cut(token, ".")
	if !ok {
		return nil, ErrInvalidToken
	}
	enc := base64.RawURLEncoding
	payload, err := enc.DecodeString(encPayload)
	if err != nil {
		return nil, ErrInvalidToken
	}
	mac, err := enc.DecodeString(encMAC)
	if err != nil {
		return nil, ErrInvalidToken
	}
	if subtle.ConstantTimeCompare(mac, s.mac(payload)) != 1 {
		return nil, ErrInvalidToken
	}

	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, ErrInvalidToken
	}
	if claims.Purpose != purpose {
		return nil, ErrInvalidToken
	}
	if s.clock.Now().Unix() >= claims.ExpiresAt {
		return nil, ErrTokenExpired
	}
	return &claims, nil
}
