package aws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
)

// Secret names read at startup.
const (
	SecretDBCredentials       = "fulfillment/DB_CREDENTIALS"
	SecretStripeAPIKey        = "fulfillment/STRIPE_API_KEY"
	SecretStripeWebhookSecret = "fulfillment/STRIPE_WEBHOOK_SECRET"
	SecretShippoAPIKey        = "fulfillment/SHIPPO_API_KEY"
	SecretJWT                 = "fulfillment/JWT_SECRET"
)

var (
	ErrSecretNotFound  = errors.New("secret not found")
	ErrMalformedSecret = errors.New("malformed secret")
)

// SecretGetter reads a secret string by name.
type SecretGetter interface {
	GetSecret(ctx context.Context, name string) (string, error)
}

// SecretValueAPI is the subset of the Secrets Manager client used here.
type SecretValueAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// SecretsClient caches secrets for the life of the process.
type SecretsClient struct {
	api   SecretValueAPI
	cache map[string]string
	mu    sync.RWMutex
}

func NewSecretsClient(cfg sdkaws.Config) *SecretsClient {
	return NewSecretsClientWithAPI(secretsmanager.NewFromConfig(cfg))
}

func NewSecretsClientWithAPI(api SecretValueAPI) *SecretsClient {
	return &SecretsClient{api: api, cache: make(map[string]string)}
}

// GetSecret returns the secret string, or the binary value as text when the
// secret was stored as binary. Unknown names wrap ErrSecretNotFound.
func (s *SecretsClient) GetSecret(ctx context.Context, name string) (string, error) {
	s.mu.RLock()
	v, ok := s.cache[name]
	s.mu.RUnlock()
	if ok {
		return v, nil
	}

	out, err := s.api.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: sdkaws.String(name)})
	if err != nil {
		var missing *types.ResourceNotFoundException
		if errors.As(err, &missing) {
			return "", fmt.Errorf("%w: %s", ErrSecretNotFound, name)
		}
		return "", fmt.Errorf("get secret %s: %w", name, err)
	}
	switch {
	case out.SecretString != nil:
		v = *out.SecretString
	case len(out.SecretBinary) > 0:
		v = string(out.SecretBinary)
	default:
		return "", fmt.Errorf("secret %s has no value", name)
	}

	s.mu.Lock()
	s.cache[name] = v
	s.mu.Unlock()
	return v, nil
}

// DBCredentials is the JSON document stored under SecretDBCredentials.
// Port may be stored as a number or a string.
type DBCredentials struct {
	User     string      `json:"POSTGRES_USER"`
	Password string      `json:"POSTGRES_PASSWORD"`
	Database string      `json:"POSTGRES_DB"`
	Host     string      `json:"POSTGRES_HOST"`
	Port     json.Number `json:"POSTGRES_PORT"`
}

// DatabaseCredentials reads and decodes SecretDBCredentials. A missing
// secret returns nil credentials and no error.
func DatabaseCredentials(ctx context.Context, sm SecretGetter) (*DBCredentials, error) {
	raw, err := sm.GetSecret(ctx, SecretDBCredentials)
	if errors.Is(err, ErrSecretNotFound) || (err == nil && raw == "") {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var creds DBCredentials
	if err := json.Unmarshal([]byte(raw), &creds); err != nil {
		return nil, fmt.Errorf("%w %s: %v", ErrMalformedSecret, SecretDBCredentials, err)
	}
	return &creds, nil
}
