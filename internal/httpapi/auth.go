package httpapi

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	adminAudience = "amorelay"

	ScopeTokensRefresh = "tokens:refresh"
	ScopeNotesRead     = "notes:read"
)

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

type adminClaims struct {
	Subject string
	Scopes  map[string]struct{}
	Exp     time.Time
}

func authorizeAdmin(authHeader, secret, requiredScope string, now time.Time) (adminClaims, *authError) {
	claims, err := parseAdminBearer(authHeader, secret, now)
	if err != nil {
		return adminClaims{}, err
	}
	if requiredScope != "" {
		if _, ok := claims.Scopes[requiredScope]; !ok {
			return adminClaims{}, &authError{
				status:  403,
				code:    "forbidden",
				message: "missing required scope: " + requiredScope,
			}
		}
	}
	return claims, nil
}

func parseAdminBearer(authHeader, secret string, now time.Time) (adminClaims, *authError) {
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return adminClaims{}, &authError{
			status:  401,
			code:    "unauthorized",
			message: "missing or invalid bearer token",
		}
	}
	raw := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))

	mapClaims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(raw, mapClaims, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(adminAudience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil {
		return adminClaims{}, &authError{status: 401, code: "unauthorized", message: jwtFailureMessage(err)}
	}

	subject, _ := mapClaims.GetSubject()
	exp, _ := mapClaims.GetExpirationTime()
	scopes := parseScopes(mapClaims["scopes"])
	if len(scopes) == 0 {
		return adminClaims{}, &authError{status: 403, code: "forbidden", message: "no scopes granted"}
	}
	claims := adminClaims{Subject: subject, Scopes: scopes}
	if exp != nil {
		claims.Exp = exp.Time
	}
	return claims, nil
}

func jwtFailureMessage(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return "invalid jwt format"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return "jwt signature mismatch"
	case errors.Is(err, jwt.ErrTokenUnverifiable):
		return "unsupported jwt algorithm"
	case errors.Is(err, jwt.ErrTokenExpired):
		return "token expired"
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return "missing exp claim"
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return "invalid aud claim"
	default:
		return "invalid bearer token"
	}
}

func parseScopes(v any) map[string]struct{} {
	out := map[string]struct{}{}
	switch typed := v.(type) {
	case []any:
		for _, item := range typed {
			if scope, ok := item.(string); ok && scope != "" {
				out[scope] = struct{}{}
			}
		}
	case []string:
		for _, scope := range typed {
			if scope != "" {
				out[scope] = struct{}{}
			}
		}
	case string:
		for _, scope := range strings.Fields(typed) {
			out[scope] = struct{}{}
		}
	}
	return out
}

// IssueAdminToken signs an HS256 bearer accepted by the admin routes.
func IssueAdminToken(secret, subject string, scopes []string, ttl time.Duration, now time.Time) (string, time.Time, error) {
	if strings.TrimSpace(secret) == "" {
		return "", time.Time{}, fmt.Errorf("jwt secret is required")
	}
	if len(scopes) == 0 {
		return "", time.Time{}, fmt.Errorf("at least one scope is required")
	}
	if ttl <= 0 {
		return "", time.Time{}, fmt.Errorf("token ttl must be positive")
	}
	expiresAt := now.UTC().Add(ttl)
	claims := jwt.MapClaims{
		"sub":    subject,
		"aud":    adminAudience,
		"scopes": scopes,
		"iat":    now.UTC().Unix(),
		"exp":    expiresAt.Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}
