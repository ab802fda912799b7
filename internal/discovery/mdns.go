package discovery

import (
	"context"
	"log/slog"
	"sync"

	"github.com/grandcat/zeroconf"
)

// MDNSBrowser discovers microphone advertisements over mDNS (zeroconf).
//
// Browse results and goodbye packets (TTL 0) are translated into the
// ServiceFound / ServiceRemoved event stream. A fresh zeroconf resolver is
// created per search and per lookup; the underlying library ties a resolver's
// sockets to a single browse context.
type MDNSBrowser struct {
	logger *slog.Logger
	domain string

	events chan Event

	mu           sync.Mutex
	cancelSearch context.CancelFunc
}

// Create a new MDNSBrowser searching the given mDNS domain
// (DefaultDomain for the usual "local.").
//
// logger allows for a child logger to be used specifically for this browser.
// If no logger is given, slog.Default() is used.
func NewMDNSBrowser(domain string, logger *slog.Logger) *MDNSBrowser {
	if logger == nil {
		logger = slog.Default()
	}
	if domain == "" {
		domain = DefaultDomain
	}
	return &MDNSBrowser{
		logger: logger,
		domain: domain,
		events: make(chan Event, 16),
	}
}

func (b *MDNSBrowser) Events() <-chan Event {
	return b.events
}

func (b *MDNSBrowser) StartSearch(serviceType string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.cancelSearch != nil {
		// Already searching.
		return nil
	}

	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		b.logger.Error(
			"could not create mDNS resolver",
			"err", err,
		)
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	entries := make(chan *zeroconf.ServiceEntry)
	go b.forwardEntries(entries)

	if err := resolver.Browse(ctx, serviceType, b.domain, entries); err != nil {
		b.logger.Error(
			"could not browse for services",
			"serviceType", serviceType,
			"domain", b.domain,
			"err", err,
		)
		cancel()
		// Browse never took ownership of the channel; release the pump.
		close(entries)
		return err
	}

	b.cancelSearch = cancel
	b.events <- Event{Kind: SearchStarted}
	b.logger.Info(
		"mDNS search started",
		"serviceType", serviceType,
		"domain", b.domain,
	)
	return nil
}

func (b *MDNSBrowser) StopSearch() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.cancelSearch == nil {
		return
	}
	b.cancelSearch()
	b.cancelSearch = nil
	b.events <- Event{Kind: SearchStopped}
	b.logger.Info("mDNS search stopped")
}

// Translate zeroconf entries into discovery events. The entries channel is
// closed by the zeroconf library when the browse context is canceled.
func (b *MDNSBrowser) forwardEntries(entries <-chan *zeroconf.ServiceEntry) {
	for entry := range entries {
		if entry.TTL == 0 {
			// Goodbye packet, the device withdrew its advertisement.
			b.events <- Event{Kind: ServiceRemoved, Name: entry.Instance}
			continue
		}
		b.events <- Event{Kind: ServiceFound, Name: entry.Instance, Handle: entry}
	}
}

// Resolve the advertisement into a connectable IPv4 address and port.
//
// If the browse already produced an address it is returned directly;
// otherwise a targeted instance lookup is performed, bounded by ctx.
func (b *MDNSBrowser) Resolve(ctx context.Context, handle Handle) (Address, error) {
	entry, ok := handle.(*zeroconf.ServiceEntry)
	if !ok {
		return Address{}, ErrResolveFailed
	}

	if addr, ok := entryAddress(entry); ok {
		return addr, nil
	}

	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return Address{}, err
	}

	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Lookup(ctx, entry.Instance, entry.Service, entry.Domain, entries); err != nil {
		b.logger.Error(
			"could not look up service instance",
			"instance", entry.Instance,
			"err", err,
		)
		return Address{}, err
	}

	for {
		select {
		case resolved, ok := <-entries:
			if !ok {
				return Address{}, ErrResolveFailed
			}
			if addr, ok := entryAddress(resolved); ok {
				return addr, nil
			}
			// Partial answer without an address record, keep waiting.
		case <-ctx.Done():
			return Address{}, ctx.Err()
		}
	}
}

func entryAddress(entry *zeroconf.ServiceEntry) (Address, bool) {
	if entry == nil || entry.Port <= 0 || len(entry.AddrIPv4) == 0 {
		return Address{}, false
	}
	return Address{IP: entry.AddrIPv4[0].String(), Port: entry.Port}, true
}
