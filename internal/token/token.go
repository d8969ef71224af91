// Package token mints and verifies signed application tokens.
//
// A token is the prefix "zbt." followed by base64url (unpadded) of the
// CBOR-encoded claims with a 64-byte Ed25519 signature appended. Claims
// are encoded with Core Deterministic Encoding so a given set of claims
// always produces the same bytes.
package token

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Prefix marks a string as a signed token rather than an opaque credential
const Prefix = "zbt."

const signatureSize = ed25519.SignatureSize

var (
	ErrMalformed        = errors.New("token: malformed")
	ErrInvalidSignature = errors.New("token: invalid Ed25519 signature")
	ErrExpired          = errors.New("token: expired")
	ErrAudienceMismatch = errors.New("token: issued for another application")
	ErrInvalidKey       = errors.New("token: invalid public key")
)

// Claims identifies an application user. App is the audience.
type Claims struct {
	Subject   string `cbor:"1,keyasint"`
	App       string `cbor:"2,keyasint"`
	ID        string `cbor:"3,keyasint,omitempty"`
	IssuedAt  int64  `cbor:"4,keyasint"`
	ExpiresAt int64  `cbor:"5,keyasint"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("token: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("token: CBOR decoder initialization failed: " + err.Error())
	}
}

// IsSigned reports whether s is in signed-token format
func IsSigned(s string) bool {
	return strings.HasPrefix(s, Prefix)
}

// Mint signs claims with privateKey
func Mint(privateKey ed25519.PrivateKey, claims *Claims) (string, error) {
	payload, err := encMode.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("token: encoding claims: %w", err)
	}

	signature := ed25519.Sign(privateKey, payload)

	raw := make([]byte, len(payload)+signatureSize)
	copy(raw, payload)
	copy(raw[len(payload):], signature)

	return Prefix + base64.RawURLEncoding.EncodeToString(raw), nil
}

// Verify checks s against publicKey at the current time
func Verify(publicKey ed25519.PublicKey, s string) (*Claims, error) {
	return VerifyAt(publicKey, s, time.Now())
}

// VerifyAt checks the signature and expiry of s as of now
func VerifyAt(publicKey ed25519.PublicKey, s string, now time.Time) (*Claims, error) {
	if !IsSigned(s) {
		return nil, ErrMalformed
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(s, Prefix))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(raw) <= signatureSize {
		return nil, ErrMalformed
	}
	if len(publicKey) != ed25519.PublicKeySize {
		return nil, ErrInvalidKey
	}

	split := len(raw) - signatureSize
	payload, signature := raw[:split], raw[split:]
	if !ed25519.Verify(publicKey, payload, signature) {
		return nil, ErrInvalidSignature
	}

	var claims Claims
	if err := decMode.Unmarshal(payload, &claims); err != nil {
		return nil, fmt.Errorf("%w: decoding claims: %v", ErrMalformed, err)
	}
	if now.Unix() >= claims.ExpiresAt {
		return nil, ErrExpired
	}
	return &claims, nil
}

// VerifyForApp additionally requires the token to be issued for app
func VerifyForApp(publicKey ed25519.PublicKey, s, app string, now time.Time) (*Claims, error) {
	claims, err := VerifyAt(publicKey, s, now)
	if err != nil {
		return nil, err
	}
	if claims.App != app {
		return nil, fmt.Errorf("%w: got %q, want %q", ErrAudienceMismatch, claims.App, app)
	}
	return claims, nil
}

// ParsePublicKey decodes a hex-encoded Ed25519 public key
func ParsePublicKey(s string) (ed25519.PublicKey, error) {
	b, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(b) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: want %d bytes, got %d", ErrInvalidKey, ed25519.PublicKeySize, len(b))
	}
	return ed25519.PublicKey(b), nil
}
