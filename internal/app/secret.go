package app

import "github.com/google/uuid"

// generateSecretPrefix produces a random URL path segment used to guard
// the manager API when no SB_API_PREFIX was configured.
func generateSecretPrefix() string {
	return uuid.NewString()
}
