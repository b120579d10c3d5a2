package api

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

// Authentication errors
var (
	ErrAuthRequired      = errors.New("authentication required")
	ErrAuthFailed        = errors.New("authentication failed")
	ErrAuthTokenInvalid  = errors.New("invalid auth token format")
	ErrAuthTokenMismatch = errors.New("auth token mismatch")
)

// authMessageType tags the handshake frame.
const authMessageType = "auth"

// AuthConfig holds authentication configuration.
type AuthConfig struct {
	// Enabled determines if authentication is required
	Enabled bool
	// Token is the secret token that clients must provide
	Token string
}

// Authenticator handles connection authentication.
type Authenticator struct {
	config AuthConfig
	mu     sync.RWMutex
}

// NewAuthenticator creates a new Authenticator with the given config.
// Enabling auth without a token generates one; read it with GetToken.
func NewAuthenticator(config AuthConfig) *Authenticator {
	if config.Enabled && config.Token == "" {
		config.Token = GenerateToken()
	}
	return &Authenticator{
		config: config,
	}
}

// NewAuthenticatorFromEnv creates an Authenticator from HIE_AUTH_ENABLED and
// HIE_AUTH_TOKEN.
func NewAuthenticatorFromEnv() *Authenticator {
	enabled := os.Getenv("HIE_AUTH_ENABLED") == "true" || os.Getenv("HIE_AUTH_ENABLED") == "1"
	return NewAuthenticator(AuthConfig{
		Enabled: enabled,
		Token:   os.Getenv("HIE_AUTH_TOKEN"),
	})
}

// IsEnabled returns true if authentication is enabled.
func (a *Authenticator) IsEnabled() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.config.Enabled
}

// GetToken returns the current auth token (for displaying to admin).
func (a *Authenticator) GetToken() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.config.Token
}

// ValidateToken checks the provided token in constant time.
func (a *Authenticator) ValidateToken(providedToken string) error {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if !a.config.Enabled {
		return nil
	}
	if providedToken == "" {
		return ErrAuthRequired
	}
	if subtle.ConstantTimeCompare([]byte(a.config.Token), []byte(providedToken)) != 1 {
		return ErrAuthTokenMismatch
	}
	return nil
}

// ServerHandshake runs the server side of the handshake on a fresh
// connection. It is a no-op when auth is disabled.
func (a *Authenticator) ServerHandshake(rw io.ReadWriter) error {
	if !a.IsEnabled() {
		return nil
	}

	var msg AuthMessage
	if err := readJSON(rw, &msg); err != nil {
		_ = writeJSON(rw, AuthResponse{Error: ErrAuthTokenInvalid.Error()})
		return fmt.Errorf("%w: %v", ErrAuthTokenInvalid, err)
	}
	if msg.Type != authMessageType {
		_ = writeJSON(rw, AuthResponse{Error: ErrAuthRequired.Error()})
		return ErrAuthRequired
	}
	if err := a.ValidateToken(msg.Token); err != nil {
		_ = writeJSON(rw, AuthResponse{Error: err.Error()})
		return err
	}
	return writeJSON(rw, AuthResponse{Success: true})
}

// ClientHandshake authenticates a client connection with token.
func ClientHandshake(rw io.ReadWriter, token string) error {
	if err := writeJSON(rw, AuthMessage{Type: authMessageType, Token: token}); err != nil {
		return err
	}
	var resp AuthResponse
	if err := readJSON(rw, &resp); err != nil {
		return fmt.Errorf("failed to read auth response: %w", err)
	}
	if !resp.Success {
		return fmt.Errorf("%w: %s", ErrAuthFailed, resp.Error)
	}
	return nil
}

// GenerateToken generates a cryptographically secure random token.
func GenerateToken() string {
	bytes := make([]byte, 32) // 256 bits
	if _, err := rand.Read(bytes); err != nil {
		return "hierachain-default-token-change-me"
	}
	return hex.EncodeToString(bytes)
}

// AuthMessage is the first frame a client sends when auth is enabled.
type AuthMessage struct {
	Type  string `json:"type"`  // Must be "auth"
	Token string `json:"token"` // The authentication token
}

// AuthResponse is sent back to the client after auth attempt.
type AuthResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}
