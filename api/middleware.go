package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/ConorRoberts/ticket-marketplace-sub000/auth"
	"github.com/ConorRoberts/ticket-marketplace-sub000/handlers"
	"github.com/ConorRoberts/ticket-marketplace-sub000/metrics"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logrus.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"remote":   r.RemoteAddr,
			"duration": time.Since(start).String(),
		}).Debugf("api: request")
	})
}

// bearerToken returns the token from an "Authorization: Bearer" header.
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}

// authorizePush rejects pushes without the shared secret, or without a valid
// identity-provider token when no secret is configured.
func authorizePush(secret string, verifier auth.Authenticator, m *metrics.Metrics) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		if secret == "" && verifier == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if secret != "" {
				if subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
					m.RecordAuthFailure(metrics.IngressPush)
					handlers.WriteError(w, http.StatusUnauthorized, "invalid push credentials")
					return
				}
				next.ServeHTTP(w, r)
				return
			}
			identity, err := verifier.Authenticate(r.Context(), token)
			if err == nil && identity.IsAnonymous() {
				err = auth.ErrMissingToken
			}
			if err != nil {
				m.RecordAuthFailure(metrics.IngressPush)
				logrus.WithError(err).WithFields(logrus.Fields{
					"path": r.URL.Path,
				}).Infof("api: push rejected")
				handlers.WriteError(w, http.StatusUnauthorized, err.Error())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// rateLimit applies one token bucket to every request it wraps. mux builds
// the middleware chain per request, so the limiter lives outside it.
func rateLimit(perSecond float64, burst int) mux.MiddlewareFunc {
	limiter := rate.NewLimiter(rate.Limit(perSecond), burst)
	return func(next http.Handler) http.Handler {
		if perSecond <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				w.Header().Set("Retry-After", "1")
				handlers.WriteError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
