// Package auth verifies the bearer credentials presented by connections and
// HTTP pushes.
package auth

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
)

var (
	// ErrInvalidToken is returned when a token is malformed or otherwise invalid.
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken is returned when a token has expired.
	ErrExpiredToken = errors.New("token has expired")
	// ErrInvalidSignature is returned when the token signature does not verify.
	ErrInvalidSignature = errors.New("invalid token signature")
	// ErrMissingToken is returned when anonymous access is disabled and no token was given.
	ErrMissingToken = errors.New("token required")
)

// Identity is the verified principal behind a connection. The zero value is
// the anonymous identity.
type Identity struct {
	UserID    string
	SessionID string
}

// Anonymous is the identity of a connection that presented no token.
var Anonymous = Identity{}

// IsAnonymous reports whether no user is attached.
func (i Identity) IsAnonymous() bool {
	return i.UserID == ""
}

// String is used in log fields.
func (i Identity) String() string {
	if i.IsAnonymous() {
		return "anonymous"
	}
	return i.UserID
}

// Authenticator resolves a bearer token into an Identity.
// An empty token means no credential was supplied.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (Identity, error)
}

// Claims are the token claims the relay reads. The identity provider puts the
// session id in "sid".
type Claims struct {
	SessionID string `json:"sid,omitempty"`
	jwt.RegisteredClaims
}

// Options configures a JWTAuthenticator.
type Options struct {
	// SecretKey verifies HMAC-signed tokens.
	SecretKey string

	// PublicKeyPEM verifies RSA-signed tokens. Either this or SecretKey must be set.
	PublicKeyPEM string

	// Issuer, when set, must match the token's "iss" claim.
	Issuer string

	// AllowAnonymous admits connections that present no token.
	AllowAnonymous bool

	// Leeway tolerates clock skew on exp/nbf/iat.
	Leeway time.Duration
}

// JWTAuthenticator verifies tokens locally against a shared secret or the
// identity provider's public key.
type JWTAuthenticator struct {
	secretKey      []byte
	publicKey      *rsa.PublicKey
	parser         *jwt.Parser
	allowAnonymous bool
}

// Compile time verification that *JWTAuthenticator implements Authenticator.
var _ Authenticator = (*JWTAuthenticator)(nil)

// NewJWTAuthenticator builds an authenticator from opts.
func NewJWTAuthenticator(opts Options) (*JWTAuthenticator, error) {
	a := &JWTAuthenticator{
		allowAnonymous: opts.AllowAnonymous,
	}
	if opts.SecretKey != "" {
		a.secretKey = []byte(opts.SecretKey)
	}
	if opts.PublicKeyPEM != "" {
		key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(opts.PublicKeyPEM))
		if err != nil {
			return nil, fmt.Errorf("parse public key: %w", err)
		}
		a.publicKey = key
	}
	if a.secretKey == nil && a.publicKey == nil {
		return nil, errors.New("auth: a secret key or a public key is required")
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods(a.validMethods()),
		jwt.WithLeeway(opts.Leeway),
		jwt.WithExpirationRequired(),
	}
	if opts.Issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(opts.Issuer))
	}
	a.parser = jwt.NewParser(parserOpts...)
	return a, nil
}

func (a *JWTAuthenticator) validMethods() []string {
	var methods []string
	if a.secretKey != nil {
		methods = append(methods, "HS256", "HS384", "HS512")
	}
	if a.publicKey != nil {
		methods = append(methods, "RS256", "RS384", "RS512")
	}
	return methods
}

func (a *JWTAuthenticator) keyFunc(token *jwt.Token) (interface{}, error) {
	switch token.Method.(type) {
	case *jwt.SigningMethodHMAC:
		if a.secretKey != nil {
			return a.secretKey, nil
		}
	case *jwt.SigningMethodRSA:
		if a.publicKey != nil {
			return a.publicKey, nil
		}
	}
	return nil, ErrInvalidSignature
}

// Authenticate returns Anonymous for an empty token (when allowed) and the
// token's subject otherwise.
func (a *JWTAuthenticator) Authenticate(ctx context.Context, token string) (Identity, error) {
	if err := ctx.Err(); err != nil {
		return Identity{}, err
	}
	if token == "" {
		if a.allowAnonymous {
			return Anonymous, nil
		}
		return Identity{}, ErrMissingToken
	}
	return a.Verify(token)
}

// Verify checks token and returns the identity it carries.
func (a *JWTAuthenticator) Verify(token string) (Identity, error) {
	claims := &Claims{}
	parsed, err := a.parser.ParseWithClaims(token, claims, a.keyFunc)
	if err != nil {
		logrus.WithError(err).Debugf("auth: token rejected")
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return Identity{}, ErrExpiredToken
		case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, ErrInvalidSignature):
			return Identity{}, ErrInvalidSignature
		}
		return Identity{}, ErrInvalidToken
	}
	if !parsed.Valid || claims.Subject == "" {
		return Identity{}, ErrInvalidToken
	}
	return Identity{
		UserID:    claims.Subject,
		SessionID: claims.SessionID,
	}, nil
}

// VerifyToken verifies an HMAC-signed token with secretKey.
func VerifyToken(token, secretKey string) (Identity, error) {
	a, err := NewJWTAuthenticator(Options{SecretKey: secretKey})
	if err != nil {
		return Identity{}, err
	}
	return a.Verify(token)
}
