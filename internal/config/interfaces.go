package config

import "context"

// SecretProvider resolves secret references to plaintext values. SSMProvider
// serves deployed environments and EnvVarProvider serves local runs.
type SecretProvider interface {
	// GetParametersBatch returns key -> plaintext for every key it could
	// resolve.
	GetParametersBatch(ctx context.Context, keys []string) (map[string]string, error)
}
