package inventory

import (
	"nathanbeddoewebdev/benchctl/internal/auth"
	"nathanbeddoewebdev/benchctl/internal/cache"
	"nathanbeddoewebdev/benchctl/internal/config"
	"nathanbeddoewebdev/benchctl/internal/process"
	"nathanbeddoewebdev/benchctl/internal/retry"

	"github.com/go-logr/logr"
)

// NewResolver builds a resolver from the host aliases and lookup settings
// in cfg. When Hetzner lookups are enabled but no token is stored, cloud
// references fail with ErrLookupDisabled.
func NewResolver(cfg *config.Config, store auth.Store, log logr.Logger) *Resolver {
	r := &Resolver{
		Aliases:   cfg.Hosts,
		Cache:     cache.NewDefault(cfg.EffectiveHostCacheTTL()),
		Retry:     retry.DefaultConfig(),
		Retryable: IsTransientHetznerError,
		Logger:    log,
	}
	if cfg.HetznerLookup {
		lookup, err := HetznerFromStore(store)
		if err != nil {
			log.Error(err, "Hetzner lookup disabled")
		} else {
			r.Lookup = lookup
		}
	}
	return r
}

// NewSpawner returns a process spawner using the SSH settings in cfg and a
// resolver built by NewResolver.
func NewSpawner(cfg *config.Config, store auth.Store, log logr.Logger) *process.Spawner {
	return &process.Spawner{
		SSH:     process.SSHConfig{User: cfg.SSHUser, Options: cfg.SSHOptions},
		Resolve: NewResolver(cfg, store, log.WithName("inventory")).Resolve,
		Logger:  log.WithName("process"),
	}
}
