// Package auth provides the session token the realtime channel authenticates
// with. A provider reports ok=false when no user is signed in.
package auth

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
)

// ErrNoToken is returned when a token source exists but holds no token.
var ErrNoToken = errors.New("no session token")

// Static always returns the same token.
type Static string

// Token returns the token and whether it is non-empty.
func (s Static) Token() (string, bool) {
	return string(s), s != ""
}

// Env reads the named environment variable on every call.
type Env string

// Token returns the variable's trimmed value.
func (e Env) Token() (string, bool) {
	tok := strings.TrimSpace(os.Getenv(string(e)))
	return tok, tok != ""
}

// File reads a token file on every call, so a rotated token is picked up on
// the next connect.
type File string

// Token returns the file's trimmed contents. A missing or empty file means
// no token.
func (f File) Token() (string, bool) {
	tok, err := LoadToken(string(f))
	if err != nil {
		return "", false
	}
	return tok, true
}

// LoadToken reads a token from path.
func LoadToken(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("token path is required")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read token file: %w", err)
	}

	tok := strings.TrimSpace(string(data))
	if tok == "" {
		return "", fmt.Errorf("%s: %w", path, ErrNoToken)
	}
	return tok, nil
}

// Session holds the token of the signed-in user. Sign-in calls Set and
// sign-out calls Clear.
type Session struct {
	mu    sync.RWMutex
	token string
}

// NewSession creates a Session, signed in when token is non-empty.
func NewSession(token string) *Session {
	return &Session{token: token}
}

// Token returns the current token.
func (s *Session) Token() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token, s.token != ""
}

// Set replaces the token.
func (s *Session) Set(token string) {
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
}

// Clear signs the session out.
func (s *Session) Clear() {
	s.Set("")
}

// Provider is the interface shared by every token source in this package.
type Provider interface {
	Token() (string, bool)
}

// Chain returns the first token any provider has.
type Chain []Provider

// Token tries each provider in order.
func (c Chain) Token() (string, bool) {
	for _, p := range c {
		if tok, ok := p.Token(); ok {
			return tok, true
		}
	}
	return "", false
}

// FromConfig builds the provider chain for the configured sources, in
// precedence order: literal token, environment variable, token file.
func FromConfig(token, tokenEnv, tokenFile string) Provider {
	var chain Chain
	if token != "" {
		chain = append(chain, Static(token))
	}
	if tokenEnv != "" {
		chain = append(chain, Env(tokenEnv))
	}
	if tokenFile != "" {
		chain = append(chain, File(tokenFile))
	}
	return chain
}
