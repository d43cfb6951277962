package core

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Environment variables read by CredentialsFromEnv.
const (
	EnvAPIKey    = "BINANCE_API_KEY"
	EnvSecretKey = "BINANCE_SECRET_KEY"
)

// Credentials holds an API key pair. It is immutable once constructed and
// never prints or serializes the secret.
type Credentials struct {
	apiKey    string
	secretKey string
}

// NewCredentials validates and wraps an API key pair.
func NewCredentials(apiKey, secretKey string) (*Credentials, error) {
	apiKey = strings.TrimSpace(apiKey)
	secretKey = strings.TrimSpace(secretKey)
	if apiKey == "" {
		return nil, NewConfigError(errors.New("api key is empty"))
	}
	if secretKey == "" {
		return nil, NewConfigError(ErrEmptySecret)
	}
	return &Credentials{apiKey: apiKey, secretKey: secretKey}, nil
}

// CredentialsFromEnv reads the key pair from the process environment after
// loading an optional .env file from the working directory.
func CredentialsFromEnv(files ...string) (*Credentials, error) {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, NewConfigError(fmt.Errorf("load env file: %w", err))
	}

	apiKey, ok := os.LookupEnv(EnvAPIKey)
	if !ok {
		return nil, NewConfigError(fmt.Errorf("%s is not set", EnvAPIKey))
	}
	secret, ok := os.LookupEnv(EnvSecretKey)
	if !ok {
		return nil, NewConfigError(fmt.Errorf("%s is not set", EnvSecretKey))
	}
	return NewCredentials(apiKey, secret)
}

// APIKey returns the public key identifier sent in the X-MBX-APIKEY header.
func (c *Credentials) APIKey() string {
	return c.apiKey
}

// SecretKey returns the signing secret. It must only be handed to the signer.
func (c *Credentials) SecretKey() string {
	return c.secretKey
}

// String returns a masked representation safe for logs.
func (c *Credentials) String() string {
	if c == nil {
		return "<nil>"
	}
	return "Credentials{" + MaskKey(c.apiKey) + "}"
}

// GoString keeps %#v from dumping the secret.
func (c *Credentials) GoString() string {
	return c.String()
}

// MarshalJSON refuses to expose key material.
func (c *Credentials) MarshalJSON() ([]byte, error) {
	return []byte(`"` + MaskKey(c.apiKey) + `"`), nil
}

// MarshalZerologObject logs the masked key only.
func (c *Credentials) MarshalZerologObject(e *zerolog.Event) {
	e.Str("api_key", MaskKey(c.apiKey))
}

// MaskKey keeps the first and last four characters of a key.
func MaskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "****" + key[len(key)-4:]
}
