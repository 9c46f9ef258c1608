package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// SessionHeader lets unauthenticated clients keep their own session.
const SessionHeader = "X-Session-ID"

const maxSessionHeaderLen = 128

type contextKey string

const subjectKey contextKey = "authSubject"

// Subject retrieves the authenticated subject from ctx.
func Subject(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	if value, ok := ctx.Value(subjectKey).(string); ok && value != "" {
		return value, true
	}
	return "", false
}

// SessionKey picks the session a request belongs to: the JWT subject when
// authenticated, else the session header. Empty means anonymous.
func SessionKey(c *gin.Context) string {
	if subject, ok := Subject(c.Request.Context()); ok {
		return "sub:" + subject
	}
	if value := strings.TrimSpace(c.GetHeader(SessionHeader)); value != "" && len(value) <= maxSessionHeaderLen {
		return "hdr:" + value
	}
	return ""
}

// Verifier validates HMAC-signed bearer tokens.
type Verifier struct {
	secret   []byte
	audience string
}

// NewVerifier returns a verifier for secret. An empty audience skips the
// audience check.
func NewVerifier(secret, audience string) *Verifier {
	return &Verifier{secret: []byte(strings.TrimSpace(secret)), audience: strings.TrimSpace(audience)}
}

// Verify parses tokenString and returns its subject.
func (v *Verifier) Verify(tokenString string) (string, error) {
	if len(v.secret) == 0 {
		return "", errors.New("missing JWT secret")
	}

	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		return "", errors.New("invalid token")
	}
	if v.audience != "" && !containsAudience(claims.Audience, v.audience) {
		return "", errors.New("invalid audience")
	}
	if claims.Subject == "" {
		return "", errors.New("missing subject")
	}
	return claims.Subject, nil
}

// JWTMiddleware rejects requests without a valid bearer token and injects
// the token subject into the request context.
func JWTMiddleware(verifier *Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString, err := extractBearerToken(c.GetHeader("Authorization"))
		if err != nil {
			unauthorized(c, err.Error())
			return
		}

		subject, err := verifier.Verify(tokenString)
		if err != nil {
			unauthorized(c, err.Error())
			return
		}

		ctx := context.WithValue(c.Request.Context(), subjectKey, subject)
		c.Request = c.Request.WithContext(ctx)
		c.Set(string(subjectKey), subject)

		c.Next()
	}
}

func extractBearerToken(header string) (string, error) {
	if header == "" {
		return "", errors.New("authorization header required")
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("invalid authorization header")
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", errors.New("token missing")
	}
	return token, nil
}

func unauthorized(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": message})
}

func containsAudience(claims jwt.ClaimStrings, expected string) bool {
	for _, aud := range claims {
		if aud == expected {
			return true
		}
	}
	return false
}
