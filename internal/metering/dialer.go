package metering

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/dnscache"
	"github.com/rs/zerolog/log"
)

// DefaultDNSCacheTTL is how often cached endpoint addresses are refreshed.
const DefaultDNSCacheTTL = 5 * time.Minute

var (
	sharedResolver     *dnscache.Resolver
	sharedResolverOnce sync.Once
)

// cachedResolver returns the process-wide resolver. The refresh interval is
// fixed by the first caller.
func cachedResolver(ttl time.Duration) *dnscache.Resolver {
	sharedResolverOnce.Do(func() {
		if ttl <= 0 {
			ttl = DefaultDNSCacheTTL
		}
		log.Debug().Dur("ttl", ttl).Msg("Initializing DNS cache for metering endpoint")

		sharedResolver = &dnscache.Resolver{}
		go func() {
			ticker := time.NewTicker(ttl)
			defer ticker.Stop()
			for range ticker.C {
				sharedResolver.Refresh(true)
			}
		}()
	})
	return sharedResolver
}

type cachingDialer struct {
	resolver *dnscache.Resolver
	dialer   *net.Dialer
}

// DialContext resolves through the cache and tries each address in turn.
func (d *cachingDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}

	ips, err := d.resolver.LookupHost(ctx, host)
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, &net.DNSError{Err: "no IP addresses found", Name: host}
	}

	var errs []error
	for _, ip := range ips {
		conn, err := d.dialer.DialContext(ctx, network, net.JoinHostPort(ip, port))
		if err == nil {
			return conn, nil
		}
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	return nil, errors.Join(errs...)
}

// newTransport builds the HTTP transport used for publishing. A negative
// ttl disables DNS caching.
func newTransport(ttl time.Duration) *http.Transport {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConnsPerHost = 10
	if ttl < 0 {
		return transport
	}
	d := &cachingDialer{
		resolver: cachedResolver(ttl),
		dialer:   &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second},
	}
	transport.DialContext = d.DialContext
	return transport
}
