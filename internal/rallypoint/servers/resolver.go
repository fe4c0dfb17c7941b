package servers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"
)

// LookupIP is the subset of *net.Resolver the resolver depends on.
type LookupIP interface {
	LookupIP(ctx context.Context, network, host string) ([]net.IP, error)
}

// Resolver looks up both address families of a relay hostname. Temporary
// DNS failures are retried a few times.
type Resolver struct {
	lookup     LookupIP
	maxRetries uint64
	timeout    time.Duration
}

func NewResolver(lookup LookupIP) *Resolver {
	if lookup == nil {
		lookup = net.DefaultResolver
	}
	return &Resolver{
		lookup:     lookup,
		maxRetries: 2,
		timeout:    10 * time.Second,
	}
}

// Resolve returns the first IPv4 and IPv6 address of host. IPv4-mapped IPv6
// results fill the IPv4 slot when no IPv4 lookup succeeded. An error is
// returned only when neither family produced an address.
func (r *Resolver) Resolve(ctx context.Context, host string) (address4, address6 string, err error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var (
		ips4, ips6 []net.IP
		err4, err6 error
	)

	// Both families are looked up independently, a failure of one does not
	// cancel the other.
	var g errgroup.Group
	g.Go(func() error {
		ips4, err4 = r.lookupFamily(ctx, "ip4", host)
		return nil
	})
	g.Go(func() error {
		ips6, err6 = r.lookupFamily(ctx, "ip6", host)
		return nil
	})
	_ = g.Wait()

	for _, ip := range ips4 {
		if v4 := ip.To4(); v4 != nil {
			address4 = v4.String()
			break
		}
	}
	for _, ip := range ips6 {
		if v4 := ip.To4(); v4 != nil {
			if address4 == "" {
				address4 = v4.String()
			}
			continue
		}
		if address6 == "" {
			address6 = ip.String()
		}
	}

	if address4 == "" && address6 == "" {
		if err4 == nil && err6 == nil {
			return "", "", fmt.Errorf("no addresses found for %q", host)
		}
		return "", "", errors.Join(err4, err6)
	}
	return address4, address6, nil
}

func (r *Resolver) lookupFamily(ctx context.Context, network, host string) ([]net.IP, error) {
	var ips []net.IP
	operation := func() error {
		var err error
		ips, err = r.lookup.LookupIP(ctx, network, host)
		if err == nil {
			return nil
		}
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && (dnsErr.IsNotFound || !dnsErr.IsTemporary) {
			return backoff.Permanent(err)
		}
		return err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.Reset()
	err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(policy, r.maxRetries), ctx))
	if err != nil {
		return nil, fmt.Errorf("%s lookup of %q: %w", network, host, err)
	}
	return ips, nil
}
