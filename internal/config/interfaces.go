package config

import "context"

// SecretProvider abstracts the retrieval of secrets so deployments can plug
// in their secret manager while local development resolves from environment
// variables. The interface enables dependency injection for testing.
type SecretProvider interface {
	// GetParametersBatch retrieves multiple secret values in one call to
	// avoid throttling. The keys slice contains provider-specific secret
	// identifiers. Returns a map of key -> plaintext value for all
	// successfully resolved secrets; missing keys are omitted.
	GetParametersBatch(ctx context.Context, keys []string) (map[string]string, error)
}
