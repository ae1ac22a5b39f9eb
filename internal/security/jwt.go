package security

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/camerakit/camera-daemon/internal/logging"
)

// TokenClaims are the validated claims of a signed token.
type TokenClaims struct {
	UserID string `json:"user_id"`
	Role   Role   `json:"role"`
	IAT    int64  `json:"iat"`
	EXP    int64  `json:"exp"`
}

// HasPermission checks the claims' role against a required minimum.
func (c *TokenClaims) HasPermission(required Role) bool {
	return c.Role.HasPermission(required)
}

// Expired reports whether the token expiry has passed.
func (c *TokenClaims) Expired() bool {
	return time.Now().Unix() > c.EXP
}

// TokenHandler signs and validates HMAC tokens.
type TokenHandler struct {
	secret []byte
	logger *logging.Logger
}

// NewTokenHandler requires a non-empty symmetric secret.
func NewTokenHandler(secret string, logger *logging.Logger) (*TokenHandler, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, fmt.Errorf("token secret must be provided")
	}
	if logger == nil {
		logger = logging.GetLogger("token-handler")
	}
	return &TokenHandler{secret: []byte(secret), logger: logger}, nil
}

// Generate creates a signed token for userID with the given role and
// expiry.
func (h *TokenHandler) Generate(userID string, role Role, expiry time.Duration) (string, error) {
	if strings.TrimSpace(userID) == "" {
		return "", fmt.Errorf("user id cannot be empty")
	}
	if _, ok := roleRank[role]; !ok {
		return "", fmt.Errorf("invalid role: %q", role)
	}
	if expiry <= 0 {
		expiry = 24 * time.Hour
	}
	now := time.Now().Unix()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": userID,
		"role":    string(role),
		"iat":     now,
		"exp":     now + int64(expiry.Seconds()),
	})
	return token.SignedString(h.secret)
}

// Validate checks signature, required fields, role membership and expiry.
// Algorithm is pinned to HS256.
func (h *TokenHandler) Validate(tokenString string) (*TokenClaims, error) {
	if strings.TrimSpace(tokenString) == "" {
		return nil, fmt.Errorf("token cannot be empty")
	}

	token, err := jwt.ParseWithClaims(tokenString, jwt.MapClaims{}, func(t *jwt.Token) (interface{}, error) {
		if t.Method.Alg() != "HS256" {
			return nil, fmt.Errorf("unsupported signing method: %s", t.Method.Alg())
		}
		return h.secret, nil
	})
	if err != nil {
		h.logger.WithError(err).Warn("Token validation failed")
		return nil, fmt.Errorf("failed to validate token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}

	for _, field := range []string{"user_id", "role", "iat", "exp"} {
		if _, exists := claims[field]; !exists {
			return nil, fmt.Errorf("missing required claim: %s", field)
		}
	}

	roleStr, _ := claims["role"].(string)
	role, err := ParseRole(roleStr)
	if err != nil {
		return nil, err
	}

	userID, _ := claims["user_id"].(string)
	iat, iatOK := claims["iat"].(float64)
	exp, expOK := claims["exp"].(float64)
	if userID == "" || !iatOK || !expOK {
		return nil, fmt.Errorf("malformed claims")
	}

	tc := &TokenClaims{
		UserID: userID,
		Role:   role,
		IAT:    int64(iat),
		EXP:    int64(exp),
	}
	if tc.Expired() {
		return nil, fmt.Errorf("token has expired")
	}
	return tc, nil
}
