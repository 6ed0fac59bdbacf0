// Package scantoken builds and verifies the signed, time-boxed tokens that
// students present when scanning a session code.
//
// Wire format: `<jsonPayload>:<hex HMAC-SHA256(jsonPayload)>`.
package scantoken

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// TTL is the fixed validity window of a freshly issued token.
const TTL = 30 * time.Minute

const separator = ":"

var (
	ErrMalformedToken    = errors.New("malformed token")
	ErrSignatureMismatch = errors.New("token signature mismatch")
	ErrTokenExpired      = errors.New("token expired")
)

// Direction is the scan direction a token authorizes.
type Direction string

const (
	In  Direction = "IN"
	Out Direction = "OUT"
)

// Valid reports whether d is a known direction.
func (d Direction) Valid() bool {
	return d == In || d == Out
}

// Token is the decoded token payload.
type Token struct {
	SessionID       string    `json:"sessionId"`
	Direction       Direction `json:"scanType"`
	IssuedAtMillis  int64     `json:"timestamp"`
	ExpiresAtMillis int64     `json:"expiry"`
}

// Codec signs and verifies tokens with a server-held secret.
type Codec struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// Option configures a Codec.
type Option func(*Codec)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Codec) {
		if now != nil {
			c.now = now
		}
	}
}

// New creates a codec. The secret is copied and never exposed again.
func New(secret []byte, opts ...Option) (*Codec, error) {
	if len(secret) == 0 {
		return nil, errors.New("scantoken: secret required")
	}
	c := &Codec{
		secret: append([]byte(nil), secret...),
		ttl:    TTL,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Encode issues a token for the session and direction and returns it together
// with its wire form.
func (c *Codec) Encode(sessionID string, dir Direction) (Token, string, error) {
	if sessionID == "" || !dir.Valid() {
		return Token{}, "", ErrMalformedToken
	}
	issued := c.now().UnixMilli()
	tok := Token{
		SessionID:       sessionID,
		Direction:       dir,
		IssuedAtMillis:  issued,
		ExpiresAtMillis: issued + c.ttl.Milliseconds(),
	}
	payload, err := json.Marshal(tok)
	if err != nil {
		return Token{}, "", err
	}
	return tok, string(payload) + separator + c.sign(payload), nil
}

// Decode verifies the wire token and returns its payload.
// The MAC is checked before the payload is parsed.
func (c *Codec) Decode(wire string) (Token, error) {
	i := strings.LastIndex(wire, separator)
	if i <= 0 || i == len(wire)-1 {
		return Token{}, ErrMalformedToken
	}
	payload, sig := wire[:i], wire[i+1:]

	want := c.sign([]byte(payload))
	if subtle.ConstantTimeCompare([]byte(want), []byte(sig)) == 0 {
		return Token{}, ErrSignatureMismatch
	}

	var tok Token
	if err := json.Unmarshal([]byte(payload), &tok); err != nil {
		return Token{}, ErrMalformedToken
	}
	if tok.SessionID == "" || !tok.Direction.Valid() || tok.ExpiresAtMillis < tok.IssuedAtMillis {
		return Token{}, ErrMalformedToken
	}

	if c.now().UnixMilli() > tok.ExpiresAtMillis {
		return Token{}, ErrTokenExpired
	}
	return tok, nil
}

func (c *Codec) sign(payload []byte) string {
	h := hmac.New(sha256.New, c.secret)
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
