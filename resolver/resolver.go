// File: resolver/resolver.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Package resolver turns host/service pairs into endpoints asynchronously.
// Lookups go to a configured nameserver through github.com/miekg/dns, or to
// the system resolver when none is set.

package resolver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/zap"

	"github.com/momentics/hioload-aio/api"
	"github.com/momentics/hioload-aio/reactor"
)

var (
	_ reactor.Service = (*Service)(nil)
	_ reactor.Owned   = (*Service)(nil)
)

// Config selects the lookup backend.
type Config struct {
	// Nameserver is a host:port queried directly. Empty uses the system
	// resolver.
	Nameserver string
	// Network is the DNS transport, "udp" or "tcp".
	Network string
	Timeout time.Duration
}

// Query names what to resolve. Network narrows the address family: "tcp4"
// or "udp4" yields IPv4 only, "tcp6" or "udp6" IPv6 only.
type Query struct {
	Host    string
	Service string
	Network string
}

// Service resolves queries on behalf of one IOService.
type Service struct {
	ios    *reactor.IOService
	log    *zap.Logger
	cfg    Config
	client *dns.Client
	system *net.Resolver

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	closed bool

	wg sync.WaitGroup
}

// Use returns the resolver of ios, creating it with the system resolver on
// first use.
func Use(ios *reactor.IOService) (*Service, error) {
	return reactor.UseService(ios, func(ios *reactor.IOService) (*Service, error) {
		return New(ios, Config{}), nil
	})
}

// New builds an unregistered resolver. Register it with reactor.AddService
// to make it the shared instance.
func New(ios *reactor.IOService, cfg Config) *Service {
	if cfg.Network == "" {
		cfg.Network = "udp"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	s := &Service{
		ios:    ios,
		log:    ios.Logger().Named("resolver"),
		cfg:    cfg,
		client: &dns.Client{Net: cfg.Network, Timeout: cfg.Timeout},
		system: net.DefaultResolver,
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// IOService returns the owning io service.
func (s *Service) IOService() *reactor.IOService { return s.ios }

// AsyncResolve resolves q and completes handler with every endpoint found.
// IP literals complete without a lookup.
func (s *Service) AsyncResolve(q Query, handler api.ResolveHandler) {
	var endpoints []netip.AddrPort
	op := reactor.NewOperation(api.OpResolve, func(err error, _ int) {
		handler(err, endpoints)
	})
	s.ios.WorkStarted()

	port, err := lookupPort(q)
	if err != nil {
		s.ios.PostDeferredCompletion(op, err, 0)
		return
	}
	if addr, perr := netip.ParseAddr(q.Host); perr == nil {
		endpoints = []netip.AddrPort{netip.AddrPortFrom(addr.Unmap(), port)}
		s.ios.PostDeferredCompletion(op, nil, 0)
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.ios.PostDeferredCompletion(op, api.ErrOperationAborted, 0)
		return
	}
	ctx := s.ctx
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
		addrs, err := s.lookup(ctx, q)
		if err == nil {
			endpoints = make([]netip.AddrPort, 0, len(addrs))
			for _, a := range addrs {
				endpoints = append(endpoints, netip.AddrPortFrom(a, port))
			}
		}
		s.ios.PostDeferredCompletion(op, err, 0)
	}()
}

// Cancel aborts every lookup in flight.
func (s *Service) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.cancel()
	s.ctx, s.cancel = context.WithCancel(context.Background())
}

// ShutdownService aborts in-flight lookups and waits for them.
func (s *Service) ShutdownService() {
	s.mu.Lock()
	s.closed = true
	s.cancel()
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Service) lookup(ctx context.Context, q Query) ([]netip.Addr, error) {
	var (
		addrs []netip.Addr
		err   error
	)
	if s.cfg.Nameserver != "" {
		addrs, err = s.exchange(ctx, q)
	} else {
		addrs, err = s.system.LookupNetIP(ctx, family(q.Network), q.Host)
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
			err = api.ErrHostNotFound
		}
	}
	if err != nil && ctx.Err() == context.Canceled {
		return nil, api.ErrOperationAborted
	}
	if err == nil && len(addrs) == 0 {
		err = api.ErrHostNotFound
	}
	if err != nil {
		s.log.Debug("lookup failed", zap.String("host", q.Host), zap.Error(err))
		return nil, err
	}
	for i := range addrs {
		addrs[i] = addrs[i].Unmap()
	}
	return addrs, nil
}

// exchange sends A and/or AAAA questions to the configured nameserver.
func (s *Service) exchange(ctx context.Context, q Query) ([]netip.Addr, error) {
	var types []uint16
	switch family(q.Network) {
	case "ip4":
		types = []uint16{dns.TypeA}
	case "ip6":
		types = []uint16{dns.TypeAAAA}
	default:
		types = []uint16{dns.TypeA, dns.TypeAAAA}
	}

	var out []netip.Addr
	for _, qtype := range types {
		m := new(dns.Msg)
		m.SetQuestion(dns.Fqdn(q.Host), qtype)
		m.RecursionDesired = true
		r, err := s.query(ctx, m)
		if err != nil {
			return nil, fmt.Errorf("resolver: query %s %s: %w", q.Host, dns.TypeToString[qtype], err)
		}
		switch r.Rcode {
		case dns.RcodeSuccess:
		case dns.RcodeNameError:
			return nil, api.ErrHostNotFound
		default:
			return nil, fmt.Errorf("resolver: query %s: %s", q.Host, dns.RcodeToString[r.Rcode])
		}
		for _, rr := range r.Answer {
			var ip net.IP
			switch v := rr.(type) {
			case *dns.A:
				ip = v.A
			case *dns.AAAA:
				ip = v.AAAA
			default:
				continue
			}
			if a, ok := netip.AddrFromSlice(ip); ok {
				out = append(out, a)
			}
		}
	}
	return out, nil
}

// query exchanges m over a fresh connection that is closed as soon as ctx
// is done, so Cancel interrupts a read still waiting for the answer.
func (s *Service) query(ctx context.Context, m *dns.Msg) (*dns.Msg, error) {
	co, err := s.client.DialContext(ctx, s.cfg.Nameserver)
	if err != nil {
		return nil, err
	}
	defer co.Close()
	stop := context.AfterFunc(ctx, func() { _ = co.Close() })
	defer stop()
	r, _, err := s.client.ExchangeWithConnContext(ctx, m, co)
	return r, err
}

func lookupPort(q Query) (uint16, error) {
	if q.Service == "" {
		return 0, nil
	}
	if p, err := strconv.ParseUint(q.Service, 10, 16); err == nil {
		return uint16(p), nil
	}
	network := q.Network
	if network == "" {
		network = "tcp"
	}
	p, err := net.LookupPort(network, q.Service)
	if err != nil {
		return 0, fmt.Errorf("%w: service %q", api.ErrInvalidArgument, q.Service)
	}
	return uint16(p), nil
}

func family(network string) string {
	switch network {
	case "tcp4", "udp4", "ip4":
		return "ip4"
	case "tcp6", "udp6", "ip6":
		return "ip6"
	}
	return "ip"
}
