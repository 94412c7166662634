// Package identity verifies client identity tokens presented at WebSocket
// connect time. Token issuance is out of scope (the gateway consumes
// tokens minted by an external auth system); this package only validates
// them and tracks revocation.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the identity carried by a verified client token.
type Claims struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// ErrRevoked is returned by Verifier.Verify when the token hashes to an
// entry in the revocation registry.
var ErrRevoked = errors.New("identity: token revoked")

// RevocationStore reports whether a token, identified by its SHA-256 hash,
// has been revoked.
type RevocationStore interface {
	IsRevoked(tokenHash string) bool
}

// noRevocations is used when the caller wires no revocation store; every
// token is accepted subject to normal JWT validation.
type noRevocations struct{}

func (noRevocations) IsRevoked(string) bool { return false }

// Verifier validates client-presented JWTs against a fixed HMAC secret.
type Verifier struct {
	secret     []byte
	revocation RevocationStore
}

// NewVerifier constructs a Verifier. revocation may be nil, in which case
// no token is ever treated as revoked.
func NewVerifier(secret []byte, revocation RevocationStore) *Verifier {
	if revocation == nil {
		revocation = noRevocations{}
	}
	return &Verifier{secret: secret, revocation: revocation}
}

// Verify validates tokenString's signature and expiry, then checks it
// against the revocation registry by its SHA-256 hash. Returns the claims
// and the token's hash (hex-encoded, stored alongside the connection so a
// later revocation can be checked without re-parsing the JWT).
func (v *Verifier) Verify(tokenString string) (*Claims, string, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, "", err
	}
	if !token.Valid {
		return nil, "", jwt.ErrSignatureInvalid
	}

	hash := TokenHash(tokenString)
	if v.revocation.IsRevoked(hash) {
		return nil, hash, ErrRevoked
	}

	return claims, hash, nil
}

// IsRevoked re-checks a previously established token hash against the
// revocation registry, used by the hub to close connections whose identity
// is revoked mid-session without re-parsing the original JWT.
func (v *Verifier) IsRevoked(tokenHash string) bool {
	return v.revocation.IsRevoked(tokenHash)
}

// TokenHash returns the hex-encoded SHA-256 digest of a raw token string,
// the form stored on a connection and in the revocation registry.
func TokenHash(tokenString string) string {
	sum := sha256.Sum256([]byte(tokenString))
	return hex.EncodeToString(sum[:])
}
