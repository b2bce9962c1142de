package wsrelay

import (
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/streamspace-dev/chatrelay/internal/config"
	"github.com/streamspace-dev/chatrelay/internal/phonenorm"
)

// WebSocket close codes sent on a rejected handshake.
const (
	CloseInvalidToken   = 4001
	CloseUserIDMismatch = 4002
	CloseDisabled       = 4003
)

// Claims is the JWT claims shape: the "user_id" claim carries the E.164
// phone number acting as userId; the registered "sub" claim is not read.
type Claims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// Authenticator verifies the bearer token on WebSocket accept and on
// any HTTP endpoint that needs the caller's identity.
type Authenticator struct {
	secret []byte
	issuer string
	dev    bool
}

func NewAuthenticator(cfg config.Config) *Authenticator {
	return &Authenticator{secret: []byte(cfg.JWTSecret), issuer: cfg.JWTIssuer, dev: cfg.IsDev()}
}

// AuthResult is the outcome of verifying a token.
type AuthResult struct {
	UserID   string
	Disabled bool
}

// ErrAuth is returned with one of the Close* codes as its Code when
// verification fails.
type ErrAuth struct {
	Code int
}

func (e *ErrAuth) Error() string {
	switch e.Code {
	case CloseUserIDMismatch:
		return "user id mismatch"
	case CloseDisabled:
		return "account disabled"
	default:
		return "invalid token"
	}
}

// Verify authenticates a bearer token. In DEV mode a bare E.164 phone
// number is accepted as the token directly; in PROD the token must be
// a valid HMAC-signed JWT from the configured issuer, with an expiry,
// whose "user_id" claim is the phone number.
func (a *Authenticator) Verify(token string) (AuthResult, error) {
	token = strings.TrimPrefix(token, "Bearer ")
	token = strings.TrimSpace(token)
	if token == "" {
		return AuthResult{}, &ErrAuth{Code: CloseInvalidToken}
	}

	if a.dev {
		return AuthResult{UserID: phonenorm.Normalize(token)}, nil
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, &ErrAuth{Code: CloseInvalidToken}
		}
		return a.secret, nil
	}, jwt.WithIssuer(a.issuer), jwt.WithExpirationRequired())
	if err != nil || !parsed.Valid {
		return AuthResult{}, &ErrAuth{Code: CloseInvalidToken}
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || claims.UserID == "" {
		return AuthResult{}, &ErrAuth{Code: CloseInvalidToken}
	}

	return AuthResult{UserID: phonenorm.Normalize(claims.UserID)}, nil
}

// MatchesPath reports whether the path userId matches the token's
// userId after normalization.
func MatchesPath(tokenUserID, pathUserID string) bool {
	return phonenorm.Equal(tokenUserID, pathUserID)
}
