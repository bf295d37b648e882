package sink

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/miekg/dns"
)

const defaultResolveTimeout = 800 * time.Millisecond

// Resolver turns the sink host into an address on every (re)dial.
// With no servers configured it defers to the system resolver.
type Resolver struct {
	servers []string
	timeout time.Duration
	lookup  func(ctx context.Context, host string) ([]string, error)
}

// NewResolver builds a resolver for optional UDP DNS servers.
// Params: servers host:port list; timeout per-query timeout.
// Returns: resolver instance.
func NewResolver(servers []string, timeout time.Duration) *Resolver {
	if timeout <= 0 {
		timeout = defaultResolveTimeout
	}
	return &Resolver{
		servers: append([]string(nil), servers...),
		timeout: timeout,
		lookup:  net.DefaultResolver.LookupHost,
	}
}

// Resolve returns one address for host; IP literals pass through.
// Params: ctx bounds the lookup; host name or IP.
// Returns: address string or lookup error.
func (r *Resolver) Resolve(ctx context.Context, host string) (string, error) {
	if net.ParseIP(host) != nil {
		return host, nil
	}

	if len(r.servers) > 0 {
		ips, err := r.resolveFastest(ctx, host)
		if err == nil && len(ips) > 0 {
			return ips[0], nil
		}
	}

	addrs, err := r.lookup(ctx, host)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", host, err)
	}
	if len(addrs) == 0 {
		return "", fmt.Errorf("resolve %s: no addresses", host)
	}
	return addrs[0], nil
}

// resolveFastest queries all configured servers concurrently and returns the first answer.
// Params: ctx parent context; host name to resolve.
// Returns: A-record IPs or the first error.
func (r *Resolver) resolveFastest(ctx context.Context, host string) ([]string, error) {
	queryCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	type result struct {
		ips []string
		err error
	}
	ch := make(chan result, len(r.servers))
	var wg sync.WaitGroup
	for _, server := range r.servers {
		wg.Add(1)
		go func(address string) {
			defer wg.Done()
			ips, err := queryA(queryCtx, host, address, r.timeout)
			ch <- result{ips: ips, err: err}
		}(server)
	}
	go func() {
		wg.Wait()
		close(ch)
	}()

	var firstErr error
	for {
		select {
		case res, ok := <-ch:
			if !ok {
				if firstErr == nil {
					firstErr = fmt.Errorf("no dns result for %s", host)
				}
				return nil, firstErr
			}
			if res.err == nil && len(res.ips) > 0 {
				return res.ips, nil
			}
			if firstErr == nil {
				firstErr = res.err
			}
		case <-queryCtx.Done():
			return nil, queryCtx.Err()
		}
	}
}

// queryA sends one A query over UDP.
// Params: ctx query context; host name; server host:port; timeout client timeout.
// Returns: answer IPs or error.
func queryA(ctx context.Context, host, server string, timeout time.Duration) ([]string, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(host), dns.TypeA)

	c := &dns.Client{Net: "udp", Timeout: timeout}
	resp, _, err := c.ExchangeContext(ctx, msg, server)
	if err != nil {
		return nil, fmt.Errorf("dns query %s via %s: %w", host, server, err)
	}
	if resp == nil || resp.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("dns query %s via %s: bad response", host, server)
	}

	ips := make([]string, 0, len(resp.Answer))
	for _, answer := range resp.Answer {
		if record, ok := answer.(*dns.A); ok {
			ips = append(ips, record.A.String())
		}
	}
	return ips, nil
}
