// Package secrets resolves named credential material at call time.
// Credentials never live in the config struct so that rotating a key does
// not require a restart of long-running extraction loops.
package secrets

import (
	"fmt"
	"os"
	"strings"
)

// Store fetches named credential material.
type Store interface {
	Get(name string) (string, error)
}

// Well-known secret names.
const (
	GatewayAPIKey = "gateway-api-key"
	RerankAPIKey  = "rerank-api-key"
	APIToken      = "api-token"
)

// EnvStore reads secrets from FRAMESIGHT_SECRET_* environment variables.
// The secret name is upper-cased and dashes become underscores, so
// "gateway-api-key" resolves from FRAMESIGHT_SECRET_GATEWAY_API_KEY.
type EnvStore struct{}

func (EnvStore) Get(name string) (string, error) {
	env := "FRAMESIGHT_SECRET_" + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
	v := os.Getenv(env)
	if v == "" {
		return "", fmt.Errorf("secret %q not found (set %s)", name, env)
	}
	return v, nil
}

// StaticStore serves a fixed map of secrets. Used by tests.
type StaticStore map[string]string

func (s StaticStore) Get(name string) (string, error) {
	v, ok := s[name]
	if !ok {
		return "", fmt.Errorf("secret %q not found", name)
	}
	return v, nil
}
