package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/epic1st/optionstream/backend/internal/apperr"
	"github.com/epic1st/optionstream/backend/internal/identity"
	"github.com/epic1st/optionstream/backend/internal/logging"
)

type ctxKey int

const (
	ctxRequestID ctxKey = iota
	ctxClaims
	ctxEnvironment
)

// requestIDMiddleware stamps every request with a UUID, used both in the
// error envelope and in structured log lines for the request's lifetime.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxRequestID, id)))
	})
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(ctxRequestID).(string)
	return id
}

// securityHeadersMiddleware adds the fixed set of response headers every
// endpoint carries, matching the teacher's security/middleware.go.
func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		h.Del("Server")
		next.ServeHTTP(w, r)
	})
}

// corsMiddleware allows only an explicit origin list, per spec.md §6's
// production requirement that allow_origins be a closed https:// list.
func corsMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if allowed[origin] {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Credentials", "true")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Admin-Password")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// httpsRedirectMiddleware 301-redirects plaintext requests to HTTPS outside
// development, per spec.md §6, exempting /health and /metrics so a load
// balancer's plaintext probe is never bounced.
func httpsRedirectMiddleware(environment string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if environment == "development" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.TLS == nil && r.Header.Get("X-Forwarded-Proto") != "https" &&
				r.URL.Path != "/health" && r.URL.Path != "/metrics" {
				target := "https://" + r.Host + r.URL.RequestURI()
				http.Redirect(w, r, target, http.StatusMovedPermanently)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// authMiddleware requires a valid bearer identity token on every route it
// wraps, stashing the verified claims on the request context (read back
// with claimsFrom).
func authMiddleware(verifier *identity.Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				writeError(w, r, apperr.Auth("missing bearer token"))
				return
			}
			claims, _, err := verifier.Verify(token)
			if err != nil {
				writeError(w, r, apperr.Auth("invalid identity token"))
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxClaims, claims)))
		})
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

func claimsFrom(ctx context.Context) *identity.Claims {
	c, _ := ctx.Value(ctxClaims).(*identity.Claims)
	return c
}

// adminMiddleware gates admin-only routes behind the operator password
// configured out of band, checked via X-Admin-Password.
func adminMiddleware(admin *identity.AdminAuthenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if admin == nil {
				writeError(w, r, apperr.New(apperr.CodeConfig, "admin interface not configured"))
				return
			}
			if err := admin.Authenticate(r.Header.Get("X-Admin-Password")); err != nil {
				writeError(w, r, apperr.Auth("invalid admin credentials"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// writeJSON encodes v as the response body with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// errorEnvelope is the production-safe error body per spec.md §6: a fixed
// type/message shape plus a request ID an operator can grep logs for.
type errorEnvelope struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	RequestID string `json:"request_id"`
}

// writeError classifies err through the apperr taxonomy, logs it with the
// request ID, and writes the production-safe envelope. The environment is
// read from the request context stamped by environmentMiddleware;
// development callers get the unwrapped error text instead of a generic
// message.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := apperr.Of(err)
	reqID := requestID(r.Context())
	logging.Warn("api request failed",
		logging.String("request_id", reqID), logging.String("code", string(code)), logging.Err(err))

	msg := string(code)
	if env, _ := r.Context().Value(ctxEnvironment).(string); env == "development" {
		msg = err.Error()
	}
	writeJSON(w, code.HTTPStatus(), errorEnvelope{Type: string(code), Message: msg, RequestID: reqID})
}

// environmentMiddleware threads the configured environment onto the
// request context so writeError can decide verbosity without every
// handler needing a reference back to the server config.
func environmentMiddleware(environment string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxEnvironment, environment)))
		})
	}
}
