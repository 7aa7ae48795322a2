// ABOUTME: Auth provider supplying the bearer token and current-user identity
// ABOUTME: Loads the token from flag, CONVOSYNC_TOKEN, or the XDG token file

package auth

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/2389/convosync/internal/message"
)

// ErrNoToken is returned when no bearer token is configured.
var ErrNoToken = errors.New("no token configured")

// TokenEnvVar is the environment variable consulted by LoadToken.
const TokenEnvVar = "CONVOSYNC_TOKEN"

// Provider supplies the credential and identity for outgoing requests.
type Provider interface {
	Token() string
	Identity() message.Identity
}

// TokenProvider is a Provider backed by a fixed bearer token.
type TokenProvider struct {
	token    string
	identity message.Identity
}

// NewTokenProvider parses the identity out of token. An opaque token, or a
// JWT without an id claim, is accepted with an empty identity; ownership then
// falls back to message direction.
func NewTokenProvider(token string) (*TokenProvider, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrNoToken
	}
	identity, _ := IdentityFromToken(token)
	return &TokenProvider{token: token, identity: identity}, nil
}

// NewStaticProvider builds a Provider from explicit values.
func NewStaticProvider(token string, identity message.Identity) *TokenProvider {
	return &TokenProvider{token: token, identity: identity}
}

func (p *TokenProvider) Token() string {
	return p.token
}

func (p *TokenProvider) Identity() message.Identity {
	return p.identity
}

// LoadToken returns the first token found in path, CONVOSYNC_TOKEN, or
// $XDG_CONFIG_HOME/convosync/token. It returns "" when none is set.
func LoadToken(path string) string {
	if path != "" {
		if token := readTokenFile(path); token != "" {
			return token
		}
	}

	if token := os.Getenv(TokenEnvVar); token != "" {
		return strings.TrimSpace(token)
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		configDir = filepath.Join(homeDir, ".config")
	}
	return readTokenFile(filepath.Join(configDir, "convosync", "token"))
}

func readTokenFile(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
