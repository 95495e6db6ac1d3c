package authority

import (
	"crypto/ed25519"
	"crypto/sha256"
	"fmt"
	"io"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/hkdf"

	"github.com/aural-labs/selfsession/pkg/contracts"
)

// WireClaims is the JWT form of an authority token handed to the client at
// consent time. The wire form proves issuance; liveness (revocation, TTL)
// is always re-checked against the Manager.
type WireClaims struct {
	jwt.RegisteredClaims
}

// WireSigner mints and verifies the signed wire form of authority tokens.
// The signing key is derived from a root secret with HKDF-SHA256, so the
// daemon never stores a raw ed25519 seed.
type WireSigner struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// NewWireSigner derives the signing key pair from rootSecret.
func NewWireSigner(rootSecret []byte) (*WireSigner, error) {
	if len(rootSecret) == 0 {
		return nil, fmt.Errorf("authority: root secret must not be empty")
	}
	kdf := hkdf.New(sha256.New, rootSecret, nil, []byte("selfsession:authority:v1"))
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(kdf, seed); err != nil {
		return nil, fmt.Errorf("authority: derive signing seed: %w", err)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &WireSigner{
		priv: priv,
		pub:  priv.Public().(ed25519.PublicKey),
	}, nil
}

// Mint produces the signed compact form of a token.
func (w *WireSigner) Mint(token *contracts.AuthorityToken) (string, error) {
	claims := WireClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        token.TokenID,
			Subject:   token.SessionID,
			IssuedAt:  jwt.NewNumericDate(token.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(token.ExpiresAt),
			Issuer:    "selfsession/authority",
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(w.priv)
}

// Verify parses and validates the compact form, returning its claims. The
// caller still must consult the Manager: a structurally valid wire token
// may reference a revoked authority.
func (w *WireSigner) Verify(compact string, now time.Time) (*WireClaims, error) {
	claims := &WireClaims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if _, err := parser.ParseWithClaims(compact, claims, func(*jwt.Token) (interface{}, error) {
		return w.pub, nil
	}); err != nil {
		return nil, fmt.Errorf("authority: verify wire token: %w", err)
	}
	return claims, nil
}
