package database

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// DefaultTTL is how long a cached connection is reused.
const DefaultTTL = 2 * time.Hour

// Options tunes the gateway and the pools it opens.
type Options struct {
	TTL             time.Duration
	DialTimeout     time.Duration
	QueryTimeout    time.Duration
	BusyTimeout     time.Duration
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DefaultOptions mirrors the engine settings the service ships with.
func DefaultOptions() Options {
	return Options{
		TTL:             DefaultTTL,
		DialTimeout:     10 * time.Second,
		QueryTimeout:    30 * time.Second,
		BusyTimeout:     10 * time.Second,
		MaxOpenConns:    5,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.TTL <= 0 {
		o.TTL = def.TTL
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = def.DialTimeout
	}
	if o.QueryTimeout <= 0 {
		o.QueryTimeout = def.QueryTimeout
	}
	if o.BusyTimeout <= 0 {
		o.BusyTimeout = def.BusyTimeout
	}
	if o.MaxOpenConns <= 0 {
		o.MaxOpenConns = def.MaxOpenConns
	}
	if o.MaxIdleConns <= 0 {
		o.MaxIdleConns = def.MaxIdleConns
	}
	if o.ConnMaxLifetime <= 0 {
		o.ConnMaxLifetime = def.ConnMaxLifetime
	}
	return o
}

// Opener creates a new read-only connection for a validated descriptor.
type Opener func(ctx context.Context, d Descriptor, opts Options) (Conn, error)

// CacheObserver is notified of cache hits and misses.
type CacheObserver func(kind Kind, hit bool)

type cacheEntry struct {
	conn    Conn
	expires time.Time
}

// Gateway hands out read-only connections, cached per descriptor until
// their TTL passes. Reads of live entries take no lock; creation for a
// given key is single-flighted so concurrent callers share one handle.
type Gateway struct {
	opts     Options
	openers  map[Kind]Opener
	entries  sync.Map // key -> *cacheEntry
	flight   singleflight.Group
	now      func() time.Time
	observer CacheObserver
	logger   *zap.Logger
}

// Option customizes a Gateway.
type Option func(*Gateway)

// WithOpener replaces the opener for kind.
func WithOpener(kind Kind, o Opener) Option {
	return func(g *Gateway) { g.openers[kind] = o }
}

// WithClock sets the time source used for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) { g.now = now }
}

// WithCacheObserver registers a hit/miss callback.
func WithCacheObserver(fn CacheObserver) Option {
	return func(g *Gateway) { g.observer = fn }
}

// NewGateway creates a connection gateway.
func NewGateway(opts Options, logger *zap.Logger, options ...Option) *Gateway {
	g := &Gateway{
		opts: opts.withDefaults(),
		openers: map[Kind]Opener{
			KindSQLite:   openSQLite,
			KindMySQL:    openMySQL,
			KindPostgres: openPostgres,
		},
		now:    time.Now,
		logger: logger,
	}
	for _, o := range options {
		o(g)
	}
	return g
}

// TTL returns the cache lifetime of a connection.
func (g *Gateway) TTL() time.Duration { return g.opts.TTL }

// Acquire returns a live connection for d, creating one when the cache has
// none or the cached one has expired. Incomplete descriptors fail with
// ErrConfigIncomplete before any dial.
func (g *Gateway) Acquire(ctx context.Context, d Descriptor) (Conn, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	key := d.Key()
	if c, ok := g.lookup(key); ok {
		g.observe(d.Kind, true)
		return c, nil
	}

	// Waiters share the dial, so it runs detached from the first caller's
	// context. DialTimeout still bounds it.
	dialCtx := context.WithoutCancel(ctx)
	ch := g.flight.DoChan(key, func() (interface{}, error) {
		// Another flight may have finished between lookup and DoChan.
		if c, ok := g.lookup(key); ok {
			return acquired{conn: c, hit: true}, nil
		}
		c, err := g.create(dialCtx, key, d)
		return acquired{conn: c}, err
	})
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		a := res.Val.(acquired)
		g.observe(d.Kind, a.hit)
		return a.conn, nil
	}
}

// acquired is the shared result of one creation flight.
type acquired struct {
	conn Conn
	hit  bool
}

func (g *Gateway) lookup(key string) (Conn, bool) {
	v, ok := g.entries.Load(key)
	if !ok {
		return nil, false
	}
	e := v.(*cacheEntry)
	if !g.now().Before(e.expires) {
		return nil, false
	}
	return e.conn, true
}

func (g *Gateway) create(ctx context.Context, key string, d Descriptor) (Conn, error) {
	open, ok := g.openers[d.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: no opener for %s", ErrConfigIncomplete, d.Kind)
	}
	conn, err := open(ctx, d, g.opts)
	if err != nil {
		g.logger.Warn("open connection failed", zap.String("target", d.String()), zap.Error(err))
		return nil, err
	}

	expires := g.now().Add(g.opts.TTL)
	if old, loaded := g.entries.Swap(key, &cacheEntry{conn: conn, expires: expires}); loaded {
		stale := old.(*cacheEntry)
		if err := stale.conn.Close(); err != nil {
			g.logger.Warn("close expired connection", zap.String("target", d.String()), zap.Error(err))
		}
	}
	g.logger.Info("connection opened",
		zap.String("target", d.String()),
		zap.Time("expires", expires))
	return conn, nil
}

func (g *Gateway) observe(kind Kind, hit bool) {
	if g.observer != nil {
		g.observer(kind, hit)
	}
}

// Close closes every cached connection.
func (g *Gateway) Close() {
	g.entries.Range(func(k, v any) bool {
		if err := v.(*cacheEntry).conn.Close(); err != nil {
			g.logger.Warn("close connection", zap.Any("key", k), zap.Error(err))
		}
		g.entries.Delete(k)
		return true
	})
}
