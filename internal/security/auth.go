package security

import (
	"sync"
	"time"

	"github.com/camerakit/camera-daemon/internal/logging"
)

// AuthMethod identifies how a principal authenticated.
type AuthMethod string

const (
	AuthMethodAuto   AuthMethod = "auto"
	AuthMethodJWT    AuthMethod = "jwt"
	AuthMethodAPIKey AuthMethod = "api_key"
)

// Principal is the authenticated identity bound to a client for its
// lifetime.
type Principal struct {
	UserID     string     `json:"user_id"`
	Role       Role       `json:"role"`
	AuthMethod AuthMethod `json:"auth_method"`
	ExpiresAt  time.Time  `json:"expires_at"`
}

// AuthResult is the structured outcome of one authentication attempt.
// Failures carry no principal and never reveal whether the identity
// exists.
type AuthResult struct {
	Authenticated bool       `json:"authenticated"`
	Principal     *Principal `json:"principal,omitempty"`
	AuthMethod    AuthMethod `json:"auth_method"`
	ErrorMessage  string     `json:"error_message,omitempty"`
}

// rateWindow tracks one client's fixed request window.
type rateWindow struct {
	windowStart  time.Time
	requestCount int
}

// AuthManager combines credential validation, connection admission and
// per-client rate limiting.
type AuthManager struct {
	tokens *TokenHandler
	keys   *APIKeyStore
	logger *logging.Logger

	maxConnections    int
	requestsPerWindow int
	windowSize        time.Duration

	mu          sync.Mutex
	connections map[string]*Principal // client id -> principal (nil until authenticated)
	rates       map[string]*rateWindow
}

// NewAuthManager wires the middleware from its credential backends.
func NewAuthManager(tokens *TokenHandler, keys *APIKeyStore, maxConnections, requestsPerMinute int, logger *logging.Logger) *AuthManager {
	if logger == nil {
		logger = logging.GetLogger("auth-manager")
	}
	return &AuthManager{
		tokens:            tokens,
		keys:              keys,
		logger:            logger,
		maxConnections:    maxConnections,
		requestsPerWindow: requestsPerMinute,
		windowSize:        time.Minute,
		connections:       make(map[string]*Principal),
		rates:             make(map[string]*rateWindow),
	}
}

// RegisterClient admits a new client, rejecting when the connection limit
// is reached. Each accepted client gets an auth slot and a rate window.
func (a *AuthManager) RegisterClient(clientID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.connections) >= a.maxConnections {
		a.logger.WithFields(logging.Fields{
			"client_id":       clientID,
			"max_connections": a.maxConnections,
		}).Warn("Connection limit reached, rejecting client")
		return false
	}
	a.connections[clientID] = nil
	a.rates[clientID] = &rateWindow{windowStart: time.Now()}
	return true
}

// UnregisterClient drops a client's auth slot and rate record.
func (a *AuthManager) UnregisterClient(clientID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.connections, clientID)
	delete(a.rates, clientID)
}

// ActiveConnections returns the admitted client count.
func (a *AuthManager) ActiveConnections() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.connections)
}

// Authenticate validates a credential. Mode auto tries the signed-token
// form first and falls back to API keys.
func (a *AuthManager) Authenticate(clientID, credential string, method AuthMethod) *AuthResult {
	switch method {
	case AuthMethodJWT:
		return a.authenticateJWT(clientID, credential)
	case AuthMethodAPIKey:
		return a.authenticateAPIKey(clientID, credential)
	default:
		result := a.authenticateJWT(clientID, credential)
		if result.Authenticated {
			return result
		}
		if a.keys != nil {
			if keyResult := a.authenticateAPIKey(clientID, credential); keyResult.Authenticated {
				return keyResult
			}
		}
		return &AuthResult{
			Authenticated: false,
			AuthMethod:    AuthMethodAuto,
			ErrorMessage:  "invalid credential",
		}
	}
}

func (a *AuthManager) authenticateJWT(clientID, credential string) *AuthResult {
	claims, err := a.tokens.Validate(credential)
	if err != nil {
		return &AuthResult{
			Authenticated: false,
			AuthMethod:    AuthMethodJWT,
			ErrorMessage:  "invalid credential",
		}
	}
	principal := &Principal{
		UserID:     claims.UserID,
		Role:       claims.Role,
		AuthMethod: AuthMethodJWT,
		ExpiresAt:  time.Unix(claims.EXP, 0),
	}
	a.bind(clientID, principal)
	return &AuthResult{Authenticated: true, Principal: principal, AuthMethod: AuthMethodJWT}
}

func (a *AuthManager) authenticateAPIKey(clientID, credential string) *AuthResult {
	rec, err := a.keys.Validate(credential)
	if err != nil {
		return &AuthResult{
			Authenticated: false,
			AuthMethod:    AuthMethodAPIKey,
			ErrorMessage:  "invalid credential",
		}
	}
	principal := &Principal{
		UserID:     rec.KeyID,
		Role:       rec.Role,
		AuthMethod: AuthMethodAPIKey,
	}
	if rec.ExpiresAt != nil {
		principal.ExpiresAt = *rec.ExpiresAt
	}
	a.bind(clientID, principal)
	return &AuthResult{Authenticated: true, Principal: principal, AuthMethod: AuthMethodAPIKey}
}

func (a *AuthManager) bind(clientID string, principal *Principal) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, registered := a.connections[clientID]; registered {
		a.connections[clientID] = principal
	}
}

// PrincipalFor returns the bound principal, if the client authenticated.
func (a *AuthManager) PrincipalFor(clientID string) (*Principal, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.connections[clientID]
	if !ok || p == nil {
		return nil, false
	}
	cp := *p
	return &cp, true
}

// CheckPermission verifies role sufficiency and expiry for a client.
func (a *AuthManager) CheckPermission(clientID string, required Role) bool {
	p, ok := a.PrincipalFor(clientID)
	if !ok {
		return false
	}
	if !p.ExpiresAt.IsZero() && time.Now().After(p.ExpiresAt) {
		return false
	}
	return p.Role.HasPermission(required)
}

// AllowRequest applies the fixed-window rate limit: when the window has
// elapsed the count resets; a rejected request does not advance the
// count.
func (a *AuthManager) AllowRequest(clientID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	w, ok := a.rates[clientID]
	if !ok {
		w = &rateWindow{windowStart: time.Now()}
		a.rates[clientID] = w
	}

	now := time.Now()
	if now.Sub(w.windowStart) >= a.windowSize {
		w.windowStart = now
		w.requestCount = 0
	}
	if w.requestCount >= a.requestsPerWindow {
		return false
	}
	w.requestCount++
	return true
}
