// Package inventory maps the host names used in plans to the addresses
// the process spawner connects to.
//
// A host is resolved in two stages. Configured aliases are substituted
// first; an alias may point at another address or at a cloud server
// reference of the form "hcloud:<server-name>". Cloud references are then
// looked up through the provider API, cached on disk and retried on
// transient failures. Anything else is returned unchanged and handed to
// ssh as is.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"nathanbeddoewebdev/benchctl/internal/cache"
	"nathanbeddoewebdev/benchctl/internal/retry"
	"nathanbeddoewebdev/benchctl/internal/util"

	"github.com/go-logr/logr"
)

// HcloudPrefix marks a host as a Hetzner Cloud server name.
const HcloudPrefix = "hcloud:"

var (
	// ErrServerNotFound is returned when a cloud server does not exist.
	ErrServerNotFound = errors.New("inventory: server not found")

	// ErrLookupDisabled is returned for cloud references when no lookup
	// is configured.
	ErrLookupDisabled = errors.New("inventory: cloud lookup is not configured")
)

// ServerLookup returns the address of a named cloud server.
type ServerLookup interface {
	Address(ctx context.Context, name string) (string, error)
}

// Resolver resolves plan host names. The zero value returns hosts unchanged.
type Resolver struct {
	// Aliases maps normalized alias names to addresses or cloud references.
	Aliases map[string]string

	// Lookup resolves cloud references. Nil disables them.
	Lookup ServerLookup

	// Cache, when set, keeps resolved cloud addresses.
	Cache *cache.Cache

	// Retry controls how transient lookup failures are retried.
	Retry retry.Config

	// Retryable, when set, is consulted in addition to retry.IsRetryable.
	Retryable retry.Predicate

	Logger logr.Logger
}

// Resolve returns the address for host. It has the signature of
// process.ResolveFunc.
func (r *Resolver) Resolve(ctx context.Context, host string) (string, error) {
	target := strings.TrimSpace(host)
	if addr, ok := r.Aliases[util.NormalizeKey(target)]; ok {
		r.Logger.V(1).Info("Resolved alias", "host", host, "target", addr)
		target = strings.TrimSpace(addr)
	}

	name, ok := strings.CutPrefix(target, HcloudPrefix)
	if !ok {
		return target, nil
	}
	if err := util.ValidateHostName(name); err != nil {
		return "", fmt.Errorf("inventory: %q: %w", host, err)
	}
	if r.Lookup == nil {
		return "", fmt.Errorf("%w: cannot resolve %q", ErrLookupDisabled, host)
	}

	addr, err := cache.Fetch(r.Cache, HcloudPrefix+name, func() (string, error) {
		return r.lookup(ctx, name)
	})
	if err != nil {
		return "", fmt.Errorf("inventory: resolve %q: %w", host, err)
	}
	r.Logger.V(1).Info("Resolved cloud server", "host", host, "server", name, "address", addr)
	return addr, nil
}

func (r *Resolver) lookup(ctx context.Context, name string) (string, error) {
	var addr string
	cfg := r.Retry
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		r.Logger.Info("Retrying server lookup", "server", name, "attempt", attempt, "delay", delay, "error", err.Error())
	}
	err := retry.Do(ctx, cfg, r.shouldRetry, func(int) error {
		var err error
		addr, err = r.Lookup.Address(ctx, name)
		return err
	})
	return addr, err
}

func (r *Resolver) shouldRetry(err error) bool {
	if errors.Is(err, ErrServerNotFound) {
		return false
	}
	if retry.IsRetryable(err) {
		return true
	}
	return r.Retryable != nil && r.Retryable(err)
}
