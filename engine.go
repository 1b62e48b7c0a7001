package strata

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/strata-db/strata/internal/buffer"
	"github.com/strata-db/strata/internal/codec"
	"github.com/strata-db/strata/internal/eval"
	"github.com/strata-db/strata/internal/fsx"
	"github.com/strata-db/strata/internal/inventory"
	"github.com/strata-db/strata/internal/lock"
	"github.com/strata-db/strata/internal/revision"
	"github.com/strata-db/strata/internal/search"
	"github.com/strata-db/strata/internal/segment"
	"github.com/strata-db/strata/internal/zlog"
	"go.uber.org/zap"
)

// Operator is the closed set of predicate operators a caller may pass to
// Explore, Find, or a Query Expression leaf, re-exported from
// internal/eval so callers never import an internal package directly.
type Operator = eval.Operator

const (
	Equals              = eval.Equals
	NotEquals           = eval.NotEquals
	GreaterThan         = eval.GreaterThan
	GreaterThanOrEquals = eval.GreaterThanOrEquals
	LessThan            = eval.LessThan
	LessThanOrEquals    = eval.LessThanOrEquals
	Between             = eval.Between
	Regex               = eval.Regex
	NotRegex            = eval.NotRegex
	Like                = eval.Like
	NotLike             = eval.NotLike
	LinksTo             = eval.LinksTo
)

// Node, Conjunction, Expression, ConjOp, And, Or, and RecordSet are
// likewise re-exported so a caller can build a predicate tree for Query
// without reaching into internal/eval.
type (
	Node        = eval.Node
	Conjunction = eval.Conjunction
	Expression  = eval.Expression
	ConjOp      = eval.ConjOp
	RecordSet   = eval.RecordSet
)

const (
	And = eval.And
	Or  = eval.Or
)

// State is the Engine's lifecycle state machine: NEW -> RUNNING -> STOPPED.
type State int32

const (
	StateNew State = iota
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateRunning:
		return "RUNNING"
	case StateStopped:
		return "STOPPED"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

func validateKey(key string) error {
	if !keyPattern.MatchString(key) {
		return fmt.Errorf("%w: key %q must match ^[A-Za-z0-9_]+$", ErrInvalidArgument, key)
	}
	return nil
}

func fenceOf(asOf *uint64) uint64 {
	if asOf == nil {
		return math.MaxUint64
	}
	return *asOf
}

// searchCacheKey identifies one cached Search result within an
// environment.
type searchCacheKey struct {
	Field string
	Query string
}

// environment is one independent BufferedStore: its own Buffer, Segment
// store, lock Broker, and Inventory, all sharing the Engine's one search
// Indexer per spec.md §4.5's "workers are shared across all
// environments".
type environment struct {
	name      string
	bufferDir string

	inv      *inventory.Inventory
	invStore *inventory.Store

	buf    *buffer.Buffer
	segs   *segment.Store
	broker *lock.Broker
	cache  *lru.Cache[searchCacheKey, RecordSet]
	osLock *fsx.OSLock

	transportMu sync.RWMutex

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Engine is the top-level, versioned, transactional, schemaless record
// store: it multiplexes any number of named environments, each an
// independent Buffer+Segment pair, behind one shared search Indexer and
// one lifecycle state machine.
type Engine struct {
	cfg Config
	fs  fsx.FS
	log *zap.SugaredLogger

	osLocker     *fsx.OSLocker
	atomicWriter *fsx.AtomicWriter
	indexer      *search.Indexer

	state atomic.Int32

	mu   sync.Mutex
	envs map[string]*environment
}

// New constructs an Engine from cfg. The Engine does not touch disk until
// Start is called.
func New(cfg Config) (*Engine, error) {
	return newEngine(cfg, fsx.NewReal())
}

// newEngine is New's implementation, taking an explicit fsx.FS so tests can
// substitute fsx.Chaos for crash-recovery exercises without an Engine-level
// constructor option that production callers never need.
func newEngine(cfg Config, fs fsx.FS) (*Engine, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	log, err := zlog.New(zlog.Level(cfg.LogLevel))
	if err != nil {
		return nil, fmt.Errorf("strata: build logger: %w", err)
	}

	return &Engine{
		cfg:          cfg,
		fs:           fs,
		log:          log,
		osLocker:     fsx.NewOSLocker(fs),
		atomicWriter: fsx.NewAtomicWriter(fs),
		indexer: search.New(search.Options{
			MaxSubstringLength: cfg.MaxSearchSubstringLength,
			Stopwords:          cfg.Stopwords,
		}),
		envs: make(map[string]*environment),
	}, nil
}

// Start transitions the Engine from NEW to RUNNING, opens the default
// environment, and replays any pending transaction backup files left
// behind by a crash.
func (e *Engine) Start(ctx context.Context) error {
	if !e.state.CompareAndSwap(int32(StateNew), int32(StateRunning)) {
		return fmt.Errorf("%w: engine already started", ErrAtomicStateInvalid)
	}

	env, err := e.requireEnvironment(e.cfg.DefaultEnvironment)
	if err != nil {
		return err
	}

	return e.recoverPendingTransactions(ctx, env)
}

// Stop drains every background thread, closes every open environment, and
// transitions the Engine to STOPPED. Stop does not flush undrained Buffer
// pages to Segments - they remain on disk and are recovered by the next
// Start.
func (e *Engine) Stop(_ context.Context) error {
	if !e.state.CompareAndSwap(int32(StateRunning), int32(StateStopped)) {
		return fmt.Errorf("%w: engine is not running", ErrAtomicStateInvalid)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	for _, env := range e.envs {
		close(env.stopCh)
		env.wg.Wait()

		record(env.buf.Close())
		record(env.segs.Close())
		record(env.invStore.Close())
		if env.osLock != nil {
			record(env.osLock.Close())
		}
	}

	return firstErr
}

// Diagnostics reports operator-facing counters for one environment,
// surfaced through ErrCorruption-free introspection rather than any of
// the client-facing error sentinels (SPEC_FULL §7).
type Diagnostics struct {
	Environment    string
	BufferPages    int
	Segments       int
	InventoryCount int
}

// Diagnostics reports the current shape of one environment's on-disk
// state, for operator tooling rather than application logic.
func (e *Engine) Diagnostics(envName string) (Diagnostics, error) {
	env, err := e.requireEnvironment(envName)
	if err != nil {
		return Diagnostics{}, err
	}

	return Diagnostics{
		Environment:    env.name,
		BufferPages:    env.buf.PageCount(),
		Segments:       len(env.segs.Segments()),
		InventoryCount: env.inv.Count(),
	}, nil
}

func (e *Engine) requireEnvironment(name string) (*environment, error) {
	if State(e.state.Load()) != StateRunning {
		return nil, fmt.Errorf("%w: %v", ErrAtomicStateInvalid, errEngineNotRunning)
	}
	return e.ensureEnvironment(name)
}

// ensureEnvironment lazily opens name's on-disk state on first use and
// starts its transporter/watchdog goroutine, matching spec.md §4.6's
// "environments are created implicitly by first use".
func (e *Engine) ensureEnvironment(name string) (*environment, error) {
	if name == "" {
		name = e.cfg.DefaultEnvironment
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if env, ok := e.envs[name]; ok {
		return env, nil
	}

	env, err := e.openEnvironment(name)
	if err != nil {
		return nil, err
	}

	e.envs[name] = env
	env.startTransporter(e)

	return env, nil
}

func (e *Engine) openEnvironment(name string) (*environment, error) {
	bufDir := filepath.Join(e.cfg.BufferDirectory, name)
	segDir := filepath.Join(e.cfg.DatabaseDirectory, name, "segments")

	if err := e.fs.MkdirAll(bufDir, 0o755); err != nil {
		return nil, fmt.Errorf("strata: mkdir %q: %w", bufDir, err)
	}

	osLock, err := e.osLocker.TryLock(filepath.Join(bufDir, ".lock"))
	if err != nil {
		return nil, fmt.Errorf("strata: environment %q is already open in another process: %w", name, err)
	}

	invStore := inventory.NewStore(e.fs, filepath.Join(bufDir, "meta", "inventory"))
	inv, err := invStore.Load()
	if err != nil {
		_ = osLock.Close()
		return nil, fmt.Errorf("strata: load inventory for environment %q: %w", name, err)
	}

	buf, err := buffer.Open(e.fs, bufDir, inv, buffer.Options{
		PageSize:          e.cfg.BufferPageSize,
		MaxUndrainedPages: e.cfg.MaxUndrainedPages,
	}, e.log)
	if err != nil {
		_ = invStore.Close()
		_ = osLock.Close()
		return nil, e.translateInternalErr(err)
	}

	segs, err := segment.Open(e.fs, segDir, segment.Options{MmapThreshold: e.cfg.MmapThresholdBytes}, e.log)
	if err != nil {
		_ = buf.Close()
		_ = invStore.Close()
		_ = osLock.Close()
		return nil, e.translateInternalErr(err)
	}

	var cache *lru.Cache[searchCacheKey, RecordSet]
	if e.cfg.EnableSearchCache {
		cache, err = lru.New[searchCacheKey, RecordSet](e.cfg.SearchCacheSize)
		if err != nil {
			return nil, fmt.Errorf("strata: new search cache: %w", err)
		}
	}

	return &environment{
		name:      name,
		bufferDir: bufDir,
		inv:       inv,
		invStore:  invStore,
		buf:       buf,
		segs:      segs,
		broker:    lock.NewBroker(),
		cache:     cache,
		osLock:    osLock,
		stopCh:    make(chan struct{}),
	}, nil
}

// translateInternalErr maps an internal-package error onto the public
// error taxonomy of spec.md §7, logging the original error so its detail
// is not lost.
func (e *Engine) translateInternalErr(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, buffer.ErrCapacity) {
		return ErrCapacity
	}

	e.log.Errorw("strata: internal error surfaced to caller", "error", err)
	return fmt.Errorf("%w: %v", ErrCorruption, err)
}

// startTransporter runs env's background drain loop until Stop closes
// env.stopCh, per spec.md §4.6's transporter thread.
func (env *environment) startTransporter(e *Engine) {
	env.wg.Add(1)

	go func() {
		defer env.wg.Done()

		interval := e.cfg.TransportInactivityThreshold
		if interval <= 0 {
			interval = time.Second
		}

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-env.stopCh:
				return
			case <-ticker.C:
				if !env.drainOnce(e) {
					return
				}
			}
		}
	}()
}

// drainOnce drains every undrained page but the last, holding
// transportMu for the duration so a present-time read never observes a
// page mid-transport. It returns false if the transporter should stop
// running (an unrecoverable drain error).
func (env *environment) drainOnce(e *Engine) bool {
	done := make(chan bool, 1)

	go func() {
		env.transportMu.Lock()
		defer env.transportMu.Unlock()

		for {
			drained, err := env.buf.Drain(env.segs)
			if err != nil {
				e.log.Errorw("transporter: drain failed, halting environment transporter until restart",
					"environment", env.name, "error", fmt.Errorf("%w: %v", ErrFatal, err))
				done <- false
				return
			}
			if !drained {
				done <- true
				return
			}
		}
	}()

	watchdog := e.cfg.StallWatchdogThreshold
	if watchdog <= 0 {
		watchdog = 30 * time.Second
	}

	select {
	case ok := <-done:
		return ok
	case <-time.After(watchdog):
		e.log.Warnw("transporter: stall watchdog fired, drain still in progress", "environment", env.name)
		return <-done
	}
}

// scanLocator gathers every Revision of shape matching locator from both
// the live Buffer tail and the frozen Segment store, holding transportMu
// for read so the two halves are never split by a concurrent drain.
func (env *environment) scanLocator(shape revision.Shape, locator codec.Value) ([]revision.Revision, error) {
	env.transportMu.RLock()
	defer env.transportMu.RUnlock()

	live, err := env.buf.Live()
	if err != nil {
		return nil, err
	}

	var out []revision.Revision
	for _, rv := range live {
		if revision.ShapeOf(rv) == shape && codec.ValuesEqual(rv.Locator, locator) {
			out = append(out, rv)
		}
	}

	frozen, err := env.segs.ScanLocator(shape, locator)
	if err != nil {
		return nil, err
	}

	return append(out, frozen...), nil
}

// fieldValues returns record's current values for field, as of now.
func (env *environment) fieldValues(record int64, field string) ([]codec.Value, error) {
	revs, err := env.scanLocator(revision.ShapeTable, codec.NewLink(record))
	if err != nil {
		return nil, err
	}

	present := segment.Fold(revs, math.MaxUint64)

	var out []codec.Value
	for _, p := range present {
		if strings.EqualFold(p.Key.String(), field) {
			out = append(out, p.Val)
		}
	}

	return out, nil
}

func (env *environment) invalidateSearchCache(field string) {
	if env.cache == nil {
		return
	}
	for _, k := range env.cache.Keys() {
		if strings.EqualFold(k.Field, field) {
			env.cache.Remove(k)
		}
	}
}

// bufferCorpusSink adapts a Buffer into the search.Sink interface, so the
// shared Indexer's worker pool can append Corpus revisions straight into
// the write-ahead log instead of a standalone in-memory Chunk.
type bufferCorpusSink struct {
	buf    *buffer.Buffer
	record int64

	mu  sync.Mutex
	err error
}

func (s *bufferCorpusSink) Insert(rev revision.Revision) {
	if _, err := s.buf.Append(rev, s.record); err != nil {
		s.mu.Lock()
		if s.err == nil {
			s.err = err
		}
		s.mu.Unlock()
	}
}

func (s *bufferCorpusSink) firstErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// writeAssociation appends the Table and Index revisions for one
// (field, value, record) association, plus - for STRING values - the
// Corpus revisions the shared Indexer produces, and persists the
// Inventory append-log entry for a never-before-seen record.
func (env *environment) writeAssociation(ctx context.Context, e *Engine, field string, value codec.Value, record int64, action revision.Action) error {
	if !env.inv.Contains(record) {
		if err := env.invStore.Append(record); err != nil {
			return fmt.Errorf("strata: persist inventory: %w", err)
		}
	}

	tableRev := revision.NewTableRevision(record, field, value, 0, action)
	if _, err := env.buf.Append(tableRev, record); err != nil {
		return e.translateInternalErr(err)
	}

	indexRev := revision.NewIndexRevision(field, value, record, 0, action)
	if _, err := env.buf.Append(indexRev, record); err != nil {
		return e.translateInternalErr(err)
	}

	if value.Kind == codec.KindString {
		sink := &bufferCorpusSink{buf: env.buf, record: record}
		if err := e.indexer.Index(ctx, sink, field, value.String(), record, 0, action); err != nil {
			return e.translateInternalErr(err)
		}
		if err := sink.firstErr(); err != nil {
			return e.translateInternalErr(err)
		}
		env.invalidateSearchCache(field)
	}

	return nil
}

func associationTokens(record int64, field string, value codec.Value) (lock.RecordToken, lock.FieldToken, lock.RangeToken) {
	return lock.RecordToken{Record: record, Shareable: true},
		lock.FieldToken{Record: record, Field: field},
		lock.RangeToken{Field: field, Operator: lock.OpEquals, Values: []codec.Value{value}}
}

// Add associates value with field on record, unless that exact
// association already exists. Returns true if a new revision was
// written.
func (e *Engine) Add(ctx context.Context, envName, field string, value codec.Value, record int64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, fmt.Errorf("%w: %v", ErrInterrupted, err)
	}
	if err := validateKey(field); err != nil {
		return false, err
	}

	env, err := e.requireEnvironment(envName)
	if err != nil {
		return false, err
	}

	recordTok, fieldTok, rangeTok := associationTokens(record, field, value)

	rp, err := env.broker.WriteLock(recordTok)
	if err != nil {
		return false, e.translateInternalErr(err)
	}
	defer rp.Release()

	fp, err := env.broker.WriteLock(fieldTok)
	if err != nil {
		return false, e.translateInternalErr(err)
	}
	defer fp.Release()

	xp, err := env.broker.WriteLock(rangeTok)
	if err != nil {
		return false, e.translateInternalErr(err)
	}
	defer xp.Release()

	existing, err := env.fieldValues(record, field)
	if err != nil {
		return false, err
	}
	for _, v := range existing {
		if codec.ValuesEqual(v, value) {
			return false, nil
		}
	}

	if err := env.writeAssociation(ctx, e, field, value, record, revision.ActionAdd); err != nil {
		return false, err
	}

	return true, nil
}

// Remove retracts value from field on record, if it is currently present.
// Returns true if a new revision was written.
func (e *Engine) Remove(ctx context.Context, envName, field string, value codec.Value, record int64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, fmt.Errorf("%w: %v", ErrInterrupted, err)
	}
	if err := validateKey(field); err != nil {
		return false, err
	}

	env, err := e.requireEnvironment(envName)
	if err != nil {
		return false, err
	}

	recordTok, fieldTok, rangeTok := associationTokens(record, field, value)

	rp, err := env.broker.WriteLock(recordTok)
	if err != nil {
		return false, e.translateInternalErr(err)
	}
	defer rp.Release()

	fp, err := env.broker.WriteLock(fieldTok)
	if err != nil {
		return false, e.translateInternalErr(err)
	}
	defer fp.Release()

	xp, err := env.broker.WriteLock(rangeTok)
	if err != nil {
		return false, e.translateInternalErr(err)
	}
	defer xp.Release()

	existing, err := env.fieldValues(record, field)
	if err != nil {
		return false, err
	}

	found := false
	for _, v := range existing {
		if codec.ValuesEqual(v, value) {
			found = true
			break
		}
	}
	if !found {
		return false, nil
	}

	if err := env.writeAssociation(ctx, e, field, value, record, revision.ActionRemove); err != nil {
		return false, err
	}

	return true, nil
}

// Set replaces every current value of field on record with value: every
// existing association is removed and value is added, as one sequence of
// revisions under a single lock hold.
func (e *Engine) Set(ctx context.Context, envName, field string, value codec.Value, record int64) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrInterrupted, err)
	}
	if err := validateKey(field); err != nil {
		return err
	}

	env, err := e.requireEnvironment(envName)
	if err != nil {
		return err
	}

	recordTok := lock.RecordToken{Record: record, Shareable: true}
	fieldTok := lock.FieldToken{Record: record, Field: field}
	rangeTok := lock.RangeToken{Field: field, Operator: lock.OpNotEquals}

	rp, err := env.broker.WriteLock(recordTok)
	if err != nil {
		return e.translateInternalErr(err)
	}
	defer rp.Release()

	fp, err := env.broker.WriteLock(fieldTok)
	if err != nil {
		return e.translateInternalErr(err)
	}
	defer fp.Release()

	xp, err := env.broker.WriteLock(rangeTok)
	if err != nil {
		return e.translateInternalErr(err)
	}
	defer xp.Release()

	existing, err := env.fieldValues(record, field)
	if err != nil {
		return err
	}

	for _, v := range existing {
		if codec.ValuesEqual(v, value) {
			continue
		}
		if err := env.writeAssociation(ctx, e, field, v, record, revision.ActionRemove); err != nil {
			return err
		}
	}

	for _, v := range existing {
		if codec.ValuesEqual(v, value) {
			return nil
		}
	}

	return env.writeAssociation(ctx, e, field, value, record, revision.ActionAdd)
}

// Select returns every field currently present on record, grouped by
// field name, as of asOf (nil meaning present-time).
func (e *Engine) Select(ctx context.Context, envName string, record int64, asOf *uint64) (map[string][]codec.Value, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInterrupted, err)
	}

	env, err := e.requireEnvironment(envName)
	if err != nil {
		return nil, err
	}

	if asOf == nil {
		permit, err := env.broker.ReadLock(lock.RecordToken{Record: record})
		if err != nil {
			return nil, e.translateInternalErr(err)
		}
		defer permit.Release()
	}

	revs, err := env.scanLocator(revision.ShapeTable, codec.NewLink(record))
	if err != nil {
		return nil, err
	}

	present := segment.Fold(revs, fenceOf(asOf))

	out := map[string][]codec.Value{}
	for _, p := range present {
		field := p.Key.String()
		out[field] = append(out[field], p.Val)
	}

	return out, nil
}

// SelectField returns record's current values for one field, matched
// case-insensitively, as of asOf.
func (e *Engine) SelectField(ctx context.Context, envName, field string, record int64, asOf *uint64) ([]codec.Value, error) {
	all, err := e.Select(ctx, envName, record, asOf)
	if err != nil {
		return nil, err
	}

	for name, values := range all {
		if strings.EqualFold(name, field) {
			return values, nil
		}
	}

	return nil, nil
}

// BrowseEntry is one distinct value currently indexed for a field,
// together with every record that currently carries it.
type BrowseEntry struct {
	Value   codec.Value
	Records []int64
}

// Browse returns every distinct value associated with field as of asOf,
// each paired with the records that carry it at that point.
func (e *Engine) Browse(ctx context.Context, envName, field string, asOf *uint64) ([]BrowseEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInterrupted, err)
	}
	if err := validateKey(field); err != nil {
		return nil, err
	}

	env, err := e.requireEnvironment(envName)
	if err != nil {
		return nil, err
	}

	var release func()
	if asOf == nil {
		permit, err := env.broker.ReadLock(lock.RangeToken{Field: field, Operator: lock.OpNotEquals})
		if err != nil {
			return nil, e.translateInternalErr(err)
		}
		release = permit.Release
	} else {
		release = func() {}
	}
	defer release()

	revs, err := env.scanLocator(revision.ShapeIndex, codec.NewString(field))
	if err != nil {
		return nil, err
	}

	present := segment.Fold(revs, fenceOf(asOf))

	groups := map[string]*BrowseEntry{}
	var order []string

	for _, p := range present {
		gk := string(codec.CanonicalBytes(p.Key))
		g, ok := groups[gk]
		if !ok {
			g = &BrowseEntry{Value: p.Key}
			groups[gk] = g
			order = append(order, gk)
		}
		g.Records = append(g.Records, p.Val.Link())
	}

	out := make([]BrowseEntry, 0, len(order))
	for _, gk := range order {
		out = append(out, *groups[gk])
	}

	return out, nil
}

func matchOperator(v codec.Value, op Operator, values []codec.Value) (bool, error) {
	switch op {
	case Equals:
		if len(values) != 1 {
			return false, fmt.Errorf("%w: EQUALS requires exactly one value", ErrInvalidArgument)
		}
		return codec.Compare(v, values[0]) == codec.Equal, nil

	case NotEquals:
		if len(values) != 1 {
			return false, fmt.Errorf("%w: NOT_EQUALS requires exactly one value", ErrInvalidArgument)
		}
		return codec.Compare(v, values[0]) != codec.Equal, nil

	case GreaterThan:
		if len(values) != 1 {
			return false, fmt.Errorf("%w: GREATER_THAN requires exactly one value", ErrInvalidArgument)
		}
		return codec.Compare(v, values[0]) == codec.Greater, nil

	case GreaterThanOrEquals:
		if len(values) != 1 {
			return false, fmt.Errorf("%w: GREATER_THAN_OR_EQUALS requires exactly one value", ErrInvalidArgument)
		}
		c := codec.Compare(v, values[0])
		return c == codec.Greater || c == codec.Equal, nil

	case LessThan:
		if len(values) != 1 {
			return false, fmt.Errorf("%w: LESS_THAN requires exactly one value", ErrInvalidArgument)
		}
		return codec.Compare(v, values[0]) == codec.Less, nil

	case LessThanOrEquals:
		if len(values) != 1 {
			return false, fmt.Errorf("%w: LESS_THAN_OR_EQUALS requires exactly one value", ErrInvalidArgument)
		}
		c := codec.Compare(v, values[0])
		return c == codec.Less || c == codec.Equal, nil

	case Between:
		if len(values) != 2 {
			return false, fmt.Errorf("%w: BETWEEN requires exactly two values", ErrInvalidArgument)
		}
		lo := codec.Compare(v, values[0])
		hi := codec.Compare(v, values[1])
		return lo != codec.Less && hi != codec.Greater, nil

	case Regex, NotRegex:
		if len(values) != 1 || !values[0].IsCharacterSequence() {
			return false, fmt.Errorf("%w: %s requires one character-sequence pattern value", ErrInvalidArgument, op)
		}
		if !v.IsCharacterSequence() {
			return op == NotRegex, nil
		}
		re, err := regexp.Compile(values[0].String())
		if err != nil {
			return false, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
		}
		matched := re.MatchString(v.String())
		if op == NotRegex {
			return !matched, nil
		}
		return matched, nil

	default:
		return false, fmt.Errorf("%w: Explore does not accept operator %s; translate it first (see Query)", ErrInvalidArgument, op)
	}
}

func lockOperator(op Operator) lock.Operator {
	return lock.Operator(op)
}

// Explore returns, for every record whose field satisfies op against
// values, the set of matching field values that record carries (a field
// may hold more than one value satisfying a range predicate). op must
// already be a translated operator (EQUALS..NOT_REGEX); LIKE, NOT_LIKE,
// and LINKS_TO are translated by the Evaluator, not by Explore directly -
// use Query for those.
func (e *Engine) Explore(ctx context.Context, envName, field string, op Operator, values []codec.Value, asOf *uint64) (map[int64][]codec.Value, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInterrupted, err)
	}
	if err := validateKey(field); err != nil {
		return nil, err
	}
	if op == Like || op == NotLike || op == LinksTo {
		return nil, fmt.Errorf("%w: Explore requires a translated operator; LIKE/LINKS_TO go through Query", ErrInvalidArgument)
	}

	env, err := e.requireEnvironment(envName)
	if err != nil {
		return nil, err
	}

	var release func()
	if asOf == nil {
		permit, err := env.broker.ReadLock(lock.RangeToken{Field: field, Operator: lockOperator(op), Values: values})
		if err != nil {
			return nil, e.translateInternalErr(err)
		}
		release = permit.Release
	} else {
		release = func() {}
	}
	defer release()

	revs, err := env.scanLocator(revision.ShapeIndex, codec.NewString(field))
	if err != nil {
		return nil, err
	}

	present := segment.Fold(revs, fenceOf(asOf))

	out := make(map[int64][]codec.Value)
	for _, p := range present {
		ok, err := matchOperator(p.Key, op, values)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		rec := p.Val.Link()
		out[rec] = append(out[rec], p.Key)
	}

	return out, nil
}

// Find resolves the record ids whose field satisfies op against values.
// It is Explore's keys, per spec.md §4.9's "find = explore(...).keys()".
func (e *Engine) Find(ctx context.Context, envName, field string, op Operator, values []codec.Value, asOf *uint64) (RecordSet, error) {
	matches, err := e.Explore(ctx, envName, field, op, values, asOf)
	if err != nil {
		return nil, err
	}

	out := make(RecordSet, len(matches))
	for id := range matches {
		out[id] = struct{}{}
	}

	return out, nil
}

// corpusReader adapts an environment's merged live+frozen Corpus
// revisions into search.Reader, folding ADD/REMOVE presence per (field,
// token) pair without duplicating Fold's group-by logic.
type corpusReader struct {
	env  *environment
	asOf uint64
}

func (r *corpusReader) Positions(field, token string, asOf uint64) ([]codec.Position, error) {
	revs, err := r.env.scanLocator(revision.ShapeCorpus, codec.NewString(field))
	if err != nil {
		return nil, err
	}

	filtered := revs[:0:0]
	for _, rv := range revs {
		if codec.ValuesEqual(rv.Key, codec.NewTag(token)) {
			filtered = append(filtered, rv)
		}
	}

	present := segment.Fold(filtered, asOf)

	out := make([]codec.Position, 0, len(present))
	for _, p := range present {
		out = append(out, p.Val.Position())
	}

	return out, nil
}

// Search resolves query as a phrase against field's Corpus, per spec.md
// §4.5's position-adjacency contract. Search acquires no range lock: it
// runs against a best-effort, eventually-consistent snapshot of the
// Corpus, documented in spec.md §5 as a relaxed-consistency read.
func (e *Engine) Search(ctx context.Context, envName, field, query string, asOf *uint64) (RecordSet, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInterrupted, err)
	}
	if err := validateKey(field); err != nil {
		return nil, err
	}

	env, err := e.requireEnvironment(envName)
	if err != nil {
		return nil, err
	}

	cacheable := env.cache != nil && asOf == nil
	cacheKey := searchCacheKey{Field: field, Query: query}

	if cacheable {
		if hit, ok := env.cache.Get(cacheKey); ok {
			return cloneRecordSet(hit), nil
		}
	}

	reader := &corpusReader{env: env, asOf: fenceOf(asOf)}

	matches, err := e.indexer.Query(reader, field, query, reader.asOf)
	if err != nil {
		return nil, e.translateInternalErr(err)
	}

	out := make(RecordSet, len(matches))
	for id := range matches {
		out[id] = struct{}{}
	}

	if cacheable {
		env.cache.Add(cacheKey, cloneRecordSet(out))
	}

	return out, nil
}

func cloneRecordSet(s RecordSet) RecordSet {
	out := make(RecordSet, len(s))
	for id := range s {
		out[id] = struct{}{}
	}
	return out
}

// Verify reports whether record's field currently carries value, as of
// asOf.
func (e *Engine) Verify(ctx context.Context, envName, field string, value codec.Value, record int64, asOf *uint64) (bool, error) {
	values, err := e.SelectField(ctx, envName, field, record, asOf)
	if err != nil {
		return false, err
	}

	for _, v := range values {
		if codec.ValuesEqual(v, value) {
			return true, nil
		}
	}

	return false, nil
}

// Review returns record's raw, unfolded revision history (every ADD and
// REMOVE ever written), oldest first, optionally restricted to one field.
func (e *Engine) Review(ctx context.Context, envName string, record int64, field string) ([]revision.Revision, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInterrupted, err)
	}

	env, err := e.requireEnvironment(envName)
	if err != nil {
		return nil, err
	}

	revs, err := env.scanLocator(revision.ShapeTable, codec.NewLink(record))
	if err != nil {
		return nil, err
	}

	if field != "" {
		filtered := revs[:0:0]
		for _, rv := range revs {
			if strings.EqualFold(rv.Key.String(), field) {
				filtered = append(filtered, rv)
			}
		}
		revs = filtered
	}

	sortRevisionsByVersion(revs)

	return revs, nil
}

func sortRevisionsByVersion(revs []revision.Revision) {
	for i := 1; i < len(revs); i++ {
		for j := i; j > 0 && revs[j-1].Version > revs[j].Version; j-- {
			revs[j-1], revs[j] = revs[j], revs[j-1]
		}
	}
}

// envStoreAdapter implements eval.Store against one Engine environment,
// without internal/eval importing package strata (which would cycle back
// through Engine.Query).
type envStoreAdapter struct {
	engine  *Engine
	envName string
}

func (a *envStoreAdapter) Find(ctx context.Context, key string, op eval.Operator, values []codec.Value, asOf *uint64) (eval.RecordSet, error) {
	return a.engine.Find(ctx, a.envName, key, op, values, asOf)
}

func (a *envStoreAdapter) Search(ctx context.Context, key, query string, asOf *uint64) (eval.RecordSet, error) {
	return a.engine.Search(ctx, a.envName, key, query, asOf)
}

func (a *envStoreAdapter) InventoryIDs(_ context.Context) (eval.RecordSet, error) {
	env, err := a.engine.requireEnvironment(a.envName)
	if err != nil {
		return nil, err
	}

	out := eval.RecordSet{}
	env.inv.Each(func(record int64) { out[record] = struct{}{} })

	return out, nil
}

// Query evaluates a predicate tree built from Conjunction/Expression
// nodes against envName, translating LIKE/NOT_LIKE/LINKS_TO and the
// reserved $id key per spec.md §4.9.
func (e *Engine) Query(ctx context.Context, envName string, node Node) (RecordSet, error) {
	return eval.New().Visit(ctx, &envStoreAdapter{engine: e, envName: envName}, node)
}

// recoverPendingTransactions replays every transaction backup file left
// behind in env's txn directory by a crash between the backup write and
// its removal, per spec.md §4.8's crash-recovery contract. Replay is
// safe even if the crash happened after the Buffer append already
// landed: a duplicate ADD/REMOVE at the same (field, value, record) is
// idempotent under Fold's presence rule.
func (e *Engine) recoverPendingTransactions(ctx context.Context, env *environment) error {
	txnDir := filepath.Join(env.bufferDir, "txn")

	entries, err := e.fs.ReadDir(txnDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("strata: list pending transactions for %q: %w", env.name, err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		path := filepath.Join(txnDir, entry.Name())

		data, err := e.fs.ReadFile(path)
		if err != nil {
			e.log.Warnw("strata: skipping unreadable transaction backup", "path", path, "error", err)
			continue
		}

		writes, err := decodeTxBackup(data)
		if err != nil {
			e.log.Warnw("strata: discarding malformed transaction backup", "path", path, "error", err)
			continue
		}

		for _, w := range writes {
			if err := env.writeAssociation(ctx, e, w.field, w.value, w.record, w.action); err != nil {
				return fmt.Errorf("strata: replay transaction backup %q: %w", path, err)
			}
		}

		if err := e.fs.Remove(path); err != nil && !os.IsNotExist(err) {
			e.log.Warnw("strata: could not remove replayed transaction backup", "path", path, "error", err)
		}

		e.log.Infow("strata: replayed pending transaction backup", "environment", env.name, "path", path)
	}

	return nil
}
