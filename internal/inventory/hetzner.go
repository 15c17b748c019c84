package inventory

import (
	"context"
	"fmt"
	"net"

	"nathanbeddoewebdev/benchctl/internal/auth"

	"github.com/hetznercloud/hcloud-go/v2/hcloud"
)

// HetznerLookup resolves server names through the Hetzner Cloud API.
type HetznerLookup struct {
	client *hcloud.Client
}

// NewHetznerLookup creates a HetznerLookup with the given hcloud client
// options. Default options (application name) are applied first; callers can
// override them.
func NewHetznerLookup(opts ...hcloud.ClientOption) *HetznerLookup {
	defaults := []hcloud.ClientOption{
		hcloud.WithApplication("benchctl", "0.1.0"),
	}
	return &HetznerLookup{client: hcloud.NewClient(append(defaults, opts...)...)}
}

// HetznerFromStore builds a HetznerLookup using the token kept in store.
func HetznerFromStore(store auth.Store, opts ...hcloud.ClientOption) (*HetznerLookup, error) {
	token, err := store.GetToken(auth.Hetzner)
	if err != nil {
		return nil, fmt.Errorf("hetzner auth: %w", err)
	}
	return NewHetznerLookup(append([]hcloud.ClientOption{hcloud.WithToken(token)}, opts...)...), nil
}

// Address returns the public IPv4 address of the named server. Servers
// without one fall back to the first address of their IPv6 network, then
// to their first private network address.
func (h *HetznerLookup) Address(ctx context.Context, name string) (string, error) {
	s, _, err := h.client.Server.GetByName(ctx, name)
	if err != nil {
		return "", fmt.Errorf("failed to get server %q: %w", name, err)
	}
	if s == nil {
		return "", fmt.Errorf("%w: %q", ErrServerNotFound, name)
	}

	if !s.PublicNet.IPv4.IsUnspecified() {
		return s.PublicNet.IPv4.IP.String(), nil
	}
	if !s.PublicNet.IPv6.IsUnspecified() {
		ip := make(net.IP, len(s.PublicNet.IPv6.IP))
		copy(ip, s.PublicNet.IPv6.IP)
		ip[len(ip)-1] = 1
		return ip.String(), nil
	}
	for _, pn := range s.PrivateNet {
		if pn.IP != nil {
			return pn.IP.String(), nil
		}
	}
	return "", fmt.Errorf("server %q has no reachable address", name)
}

// IsTransientHetznerError reports API errors worth retrying.
func IsTransientHetznerError(err error) bool {
	return hcloud.IsError(err, hcloud.ErrorCodeRateLimitExceeded) ||
		hcloud.IsError(err, hcloud.ErrorCodeTimeout) ||
		hcloud.IsError(err, hcloud.ErrorCodeServiceError)
}
