package identity

import "golang.org/x/crypto/bcrypt"

// AdminAuthenticator gates the handful of admin-only operations (forcing an
// instrument registry refresh, replaying a dead-letter order task) behind a
// single bcrypt-hashed operator password, the way the teacher's admin login
// branch does for its back-office surface.
type AdminAuthenticator struct {
	passwordHash []byte
}

// NewAdminAuthenticator wraps a bcrypt hash produced out of band (e.g. by
// an operator running `htpasswd`-style tooling); the gateway never mints
// this hash itself.
func NewAdminAuthenticator(passwordHash string) *AdminAuthenticator {
	return &AdminAuthenticator{passwordHash: []byte(passwordHash)}
}

// Authenticate returns nil when password matches the configured admin hash
// and a non-nil error otherwise.
func (a *AdminAuthenticator) Authenticate(password string) error {
	return bcrypt.CompareHashAndPassword(a.passwordHash, []byte(password))
}
