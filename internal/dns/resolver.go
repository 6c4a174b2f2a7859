package dns

import (
	"Flownix/internal/model"
	"context"
	"fmt"
	"net"
	"strings"
	"sync/atomic"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/sirupsen/logrus"
)

// Status is the outcome of a cache query.
type Status int

const (
	// Pending means the address has not been looked up yet.
	Pending Status = iota
	// Found means the address resolved to a hostname.
	Found
	// Unresolvable means a lookup was attempted and failed. It is never retried.
	Unresolvable
)

func (s Status) String() string {
	switch s {
	case Found:
		return "found"
	case Unresolvable:
		return "unresolvable"
	}
	return "pending"
}

// Result is the cached state of one address.
type Result struct {
	Status Status
	Name   string
}

// Domain returns the value stored in flow keys: the hostname, or None.
func (r Result) Domain() string {
	if r.Status == Found {
		return r.Name
	}
	return model.None
}

// LookupFunc performs a reverse lookup of ip.
type LookupFunc func(ctx context.Context, ip string) ([]string, error)

// Resolver is a process-lifetime reverse DNS cache. Entries never expire and
// failures are cached as Unresolvable. It is safe for concurrent use.
type Resolver struct {
	cache   cmap.ConcurrentMap[string, string]
	lookup  LookupFunc
	timeout time.Duration
	lookups atomic.Int64
	log     logrus.FieldLogger
}

// NewResolver creates a resolver. A nil lookup uses the system resolver.
func NewResolver(lookup LookupFunc, timeout time.Duration, log logrus.FieldLogger) *Resolver {
	if lookup == nil {
		lookup = net.DefaultResolver.LookupAddr
	}
	return &Resolver{
		cache:   cmap.New[string](),
		lookup:  lookup,
		timeout: timeout,
		log:     log.WithField("component", "dns"),
	}
}

// Peek returns the cached state of ip without resolving it.
func (r *Resolver) Peek(ip string) Result {
	name, ok := r.cache.Get(ip)
	switch {
	case !ok:
		return Result{Status: Pending}
	case name == model.None:
		return Result{Status: Unresolvable}
	}
	return Result{Status: Found, Name: name}
}

// Lookup returns the hostname of ip, resolving and caching it on a miss.
// The None sentinel is returned as-is without a lookup. If ctx is done the
// result is Pending and nothing is cached.
func (r *Resolver) Lookup(ctx context.Context, ip string) Result {
	if ip == "" || ip == model.None {
		return Result{Status: Unresolvable}
	}
	if res := r.Peek(ip); res.Status != Pending {
		return res
	}
	if ctx.Err() != nil {
		return Result{Status: Pending}
	}

	r.lookups.Add(1)
	lctx := ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		lctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	name := model.None
	names, err := r.lookup(lctx, ip)
	if ctx.Err() != nil {
		// Interrupted by the caller, not a resolution failure.
		return Result{Status: Pending}
	}
	if err != nil || len(names) == 0 {
		r.log.WithField("ip", ip).WithError(err).Debug("Reverse lookup failed, caching as unresolvable")
	} else {
		name = strings.TrimSuffix(names[0], ".")
	}

	// The first cached value wins if another goroutine resolved the same address.
	r.cache.SetIfAbsent(ip, name)
	return r.Peek(ip)
}

// Lookups returns the number of reverse lookups performed.
func (r *Resolver) Lookups() int64 {
	return r.lookups.Load()
}

// Len returns the number of cached addresses.
func (r *Resolver) Len() int {
	return r.cache.Count()
}

// Load warms the cache from a persisted table.
func (r *Resolver) Load(ctx context.Context, table model.DNSTable) error {
	entries, err := table.LoadDNS(ctx)
	if err != nil {
		return fmt.Errorf("failed to load dns table: %w", err)
	}
	r.cache.MSet(entries)
	r.log.Infof("Loaded %d cached dns entries", len(entries))
	return nil
}

// Flush writes the whole cache to a persisted table.
func (r *Resolver) Flush(ctx context.Context, table model.DNSTable) error {
	entries := r.cache.Items()
	if err := table.SaveDNS(ctx, entries); err != nil {
		return fmt.Errorf("failed to save dns table: %w", err)
	}
	r.log.Infof("Flushed %d dns entries", len(entries))
	return nil
}
