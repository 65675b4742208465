package cache

import (
	"fmt"

	"github.com/chinmina/marketplace-session/internal/config"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// NewFromConfig creates the namespace described by the cache configuration.
func NewFromConfig(cfg config.CacheConfig, clk clockwork.Clock) (*Namespace, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log.Info().
		Dur("ttl", cfg.TTL()).
		Int("max_size", cfg.MaxSize).
		Msg("initializing cache namespace")

	ns, err := New(cfg.TTL(), cfg.MaxSize, clk)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache namespace: %w", err)
	}

	return ns, nil
}
