package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ajnacloud-ksj/ajna-nutri-wealth-backend-v2-sub000/internal/store"
)

const (
	DefaultQueryTTL    = 5 * time.Second
	DefaultMetadataTTL = 30 * time.Second
)

// Tables never served from cache by default: live job state, API keys (a revoke
// must take effect on every instance at once) and the food log.
const (
	jobsTable    = "analysis_jobs"
	apiKeysTable = "api_keys"
	foodTable    = "food_results"
)

const tablesTag = "__tables__"

// Proxy is a store.Binding that serves repeated reads from a Cache and invalidates a
// table's cached reads whenever that table is written through it. Results are stored
// encoded, so every hit decodes a fresh copy the caller may mutate freely. Misses are
// returned through the same encoding, so a read yields the same value types whether
// or not it was cached: numbers are json.Number and times are RFC 3339 strings.
// Never-cached tables pass the binding's values through untouched.
//
// Each table carries a generation that Invalidate bumps. A miss only fills the cache
// if the generation it saw before calling through is still current, so a read that
// raced a write can never cache its pre-write snapshot.
//
// Writes made to the store by other processes are not observed: a cached read may be
// stale for at most its TTL.
type Proxy struct {
	next        store.Binding
	cache       Cache
	scope       string
	queryTTL    time.Duration
	metadataTTL time.Duration
	neverCache  map[string]bool
	logger      *slog.Logger

	genMu sync.RWMutex
	gens  map[string]uint64

	hits          atomic.Uint64
	misses        atomic.Uint64
	invalidations atomic.Uint64
}

// ProxyOption configures a Proxy.
type ProxyOption func(*Proxy)

func WithQueryTTL(d time.Duration) ProxyOption {
	return func(p *Proxy) { p.queryTTL = d }
}

func WithMetadataTTL(d time.Duration) ProxyOption {
	return func(p *Proxy) { p.metadataTTL = d }
}

// WithNeverCache adds tables that always bypass the cache.
func WithNeverCache(tables ...string) ProxyOption {
	return func(p *Proxy) {
		for _, t := range tables {
			p.neverCache[t] = true
		}
	}
}

// WithScope namespaces every key, typically with tenant and namespace, so two
// tenants sharing one cache never see each other's entries.
func WithScope(scope string) ProxyOption {
	return func(p *Proxy) { p.scope = scope }
}

func WithLogger(l *slog.Logger) ProxyOption {
	return func(p *Proxy) { p.logger = l }
}

// NewProxy wraps next with c.
func NewProxy(next store.Binding, c Cache, opts ...ProxyOption) *Proxy {
	p := &Proxy{
		next:        next,
		cache:       c,
		scope:       "default",
		queryTTL:    DefaultQueryTTL,
		metadataTTL: DefaultMetadataTTL,
		neverCache:  map[string]bool{jobsTable: true, apiKeysTable: true, foodTable: true},
		logger:      slog.Default(),
		gens:        make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Proxy) Ping(ctx context.Context) error {
	return p.next.Ping(ctx)
}

func (p *Proxy) Query(ctx context.Context, table string, q store.Query) (*store.QueryResult, error) {
	if p.neverCache[table] {
		return p.next.Query(ctx, table, q)
	}

	if id, ok := singleIDLookup(q); ok {
		var rec store.Record
		if p.lookup(ctx, RecordKey(p.scope, table, id), &rec, false) {
			return &store.QueryResult{Records: []store.Record{rec}}, nil
		}
	}

	digest, err := Digest(struct {
		Op    string      `json:"op"`
		Scope string      `json:"scope"`
		Table string      `json:"table"`
		Query store.Query `json:"params"`
	}{"query", p.scope, table, q})
	if err != nil {
		// Unhashable parameters: serve uncached rather than fail the read.
		p.logger.Warn("cache key digest failed", "table", table, "error", err)
		return p.next.Query(ctx, table, q)
	}
	key := QueryKey(p.scope, table, digest)

	var cached store.QueryResult
	if p.load(ctx, key, &cached) {
		return &cached, nil
	}

	gen := p.generation(table)
	res, err := p.next.Query(ctx, table, q)
	if err != nil {
		return nil, err
	}

	b, err := json.Marshal(res)
	if err != nil {
		p.logger.Warn("cache entry unencodable", "key", key, "error", err)
		return res, nil
	}
	var out store.QueryResult
	if err := decode(b, &out); err != nil {
		p.logger.Warn("cache entry undecodable", "key", key, "error", err)
		return res, nil
	}

	tag := TableTag(p.scope, table)
	p.fill(table, gen, func() {
		p.set(ctx, key, b, p.queryTTL, tag)
		for _, rec := range res.Records {
			if id := rec.String("id"); id != "" {
				p.store(ctx, RecordKey(p.scope, table, id), rec, p.queryTTL, tag)
			}
		}
	})
	return &out, nil
}

func (p *Proxy) Write(ctx context.Context, table string, records []store.Record) error {
	if err := p.next.Write(ctx, table, records); err != nil {
		return err
	}
	p.Invalidate(ctx, table)
	return nil
}

func (p *Proxy) Update(ctx context.Context, table string, filters []store.Filter, updates store.Record) (int64, error) {
	n, err := p.next.Update(ctx, table, filters, updates)
	if err != nil {
		return 0, err
	}
	p.Invalidate(ctx, table)
	return n, nil
}

func (p *Proxy) Delete(ctx context.Context, table string, filters []store.Filter) (int64, error) {
	n, err := p.next.Delete(ctx, table, filters)
	if err != nil {
		return 0, err
	}
	p.Invalidate(ctx, table)
	return n, nil
}

func (p *Proxy) ListTables(ctx context.Context) ([]string, error) {
	key := MetaKey(p.scope, "list_tables", "")
	var tables []string
	if p.load(ctx, key, &tables) {
		return tables, nil
	}

	gen := p.generation(tablesTag)
	tables, err := p.next.ListTables(ctx)
	if err != nil {
		return nil, err
	}
	p.fill(tablesTag, gen, func() {
		p.store(ctx, key, tables, p.metadataTTL, TableTag(p.scope, tablesTag))
	})
	return tables, nil
}

func (p *Proxy) DescribeTable(ctx context.Context, table string) (*store.TableSchema, error) {
	if p.neverCache[table] {
		return p.next.DescribeTable(ctx, table)
	}

	key := MetaKey(p.scope, "describe_table", table)
	var schema store.TableSchema
	if p.load(ctx, key, &schema) {
		return &schema, nil
	}

	gen := p.generation(table)
	res, err := p.next.DescribeTable(ctx, table)
	if err != nil {
		return nil, err
	}
	p.fill(table, gen, func() {
		p.store(ctx, key, res, p.metadataTTL, TableTag(p.scope, table))
	})
	return res, nil
}

// Invalidate drops every cached read of table. Tables that are never cached have
// nothing to drop.
func (p *Proxy) Invalidate(ctx context.Context, table string) {
	if p.neverCache[table] {
		return
	}
	// Bump before dropping entries: a fill that checked the old generation has
	// already stored, so the drop below removes it.
	p.genMu.Lock()
	p.gens[table]++
	p.gens[tablesTag]++
	p.genMu.Unlock()

	n, err := p.cache.InvalidateTag(ctx, TableTag(p.scope, table))
	if err != nil {
		p.logger.Warn("cache invalidation failed", "table", table, "error", err)
		return
	}
	// A write may create a table, so the table list goes too.
	_, _ = p.cache.InvalidateTag(ctx, TableTag(p.scope, tablesTag))
	p.invalidations.Add(uint64(n))
}

// Stats returns hit and miss counters plus backend occupancy when the backend reports it.
func (p *Proxy) Stats() Stats {
	s := Stats{
		Hits:          p.hits.Load(),
		Misses:        p.misses.Load(),
		Invalidations: p.invalidations.Load(),
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	if sz, ok := p.cache.(sizer); ok {
		s.Size = sz.Len()
		s.Evictions = sz.Evictions()
	}
	return s
}

// load decodes a cached entry into dst. Cache failures count as misses.
func (p *Proxy) load(ctx context.Context, key string, dst any) bool {
	return p.lookup(ctx, key, dst, true)
}

// lookup is load with optional miss accounting; the per-id check ahead of a query
// lookup must not count the same read as two misses.
func (p *Proxy) lookup(ctx context.Context, key string, dst any, countMiss bool) bool {
	b, ok, err := p.cache.Get(ctx, key)
	if err != nil {
		p.logger.Warn("cache read failed", "key", key, "error", err)
	}
	if err == nil && ok {
		decodeErr := decode(b, dst)
		if decodeErr == nil {
			p.hits.Add(1)
			return true
		}
		p.logger.Warn("cache entry undecodable", "key", key, "error", decodeErr)
		_ = p.cache.Delete(ctx, key)
	}
	if countMiss {
		p.misses.Add(1)
	}
	return false
}

func (p *Proxy) generation(table string) uint64 {
	p.genMu.RLock()
	defer p.genMu.RUnlock()
	return p.gens[table]
}

// fill runs set only while table is still at generation gen. The read lock is
// held across set so Invalidate cannot bump in between.
func (p *Proxy) fill(table string, gen uint64, set func()) {
	p.genMu.RLock()
	defer p.genMu.RUnlock()
	if p.gens[table] != gen {
		p.logger.Debug("cache fill skipped after concurrent write", "table", table)
		return
	}
	set()
}

func (p *Proxy) store(ctx context.Context, key string, v any, ttl time.Duration, tag string) {
	b, err := json.Marshal(v)
	if err != nil {
		p.logger.Warn("cache entry unencodable", "key", key, "error", err)
		return
	}
	p.set(ctx, key, b, ttl, tag)
}

func (p *Proxy) set(ctx context.Context, key string, b []byte, ttl time.Duration, tag string) {
	if err := p.cache.Set(ctx, key, b, ttl, tag); err != nil {
		p.logger.Warn("cache write failed", "key", key, "error", err)
	}
}

// decode keeps numbers as json.Number so large integer ids survive a round trip.
func decode(b []byte, dst any) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	return dec.Decode(dst)
}

// singleIDLookup reports whether q selects one record by id and nothing else.
func singleIDLookup(q store.Query) (string, bool) {
	if len(q.Filters) != 1 || q.Offset > 0 {
		return "", false
	}
	f := q.Filters[0]
	if f.Field != "id" || f.Operator != store.OpEq || f.Value == nil {
		return "", false
	}
	id := store.Record{"id": f.Value}.String("id")
	return id, id != ""
}

var _ store.Binding = (*Proxy)(nil)
