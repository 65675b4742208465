package credential

import (
	"fmt"

	"github.com/chinmina/marketplace-session/internal/config"
	"github.com/rs/zerolog/log"
)

// NewPersisterFromConfig creates the persister selected by the credential
// store configuration.
func NewPersisterFromConfig(cfg config.CredentialStoreConfig) (Persister, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	switch cfg.Type {
	case "file":
		log.Info().Str("path", cfg.Path).Msg("persisting credentials to file")
		p, err := NewFile(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to create file credential persister: %w", err)
		}
		return p, nil
	case "keyring":
		log.Info().Str("service", cfg.Service).Msg("persisting credentials to the system keyring")
		return NewKeyring(cfg.Service), nil
	default:
		log.Info().Msg("credentials held in memory only")
		return NewMemory(), nil
	}
}
