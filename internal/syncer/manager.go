package syncer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/luhtfiimanal/go-shard-archive/internal/bucket"
	"github.com/luhtfiimanal/go-shard-archive/internal/partition"
	"github.com/luhtfiimanal/go-shard-archive/internal/shardfile"
)

var ErrStopped = errors.New("sync engine stopped")

// jobQueue bounds the shards waiting for a worker. Shards that do not fit
// stay idle until the next scheduler pass.
const jobQueue = 1024

// Policy selects how a batch is written into a shard.
type Policy int

const (
	// MergeWrite inserts new keys and merges existing ones.
	MergeWrite Policy = iota
	// UpdateOnly merges into existing keys and drops the rest.
	UpdateOnly
)

// State is the flush state of one shard.
type State int32

const (
	Idle State = iota
	Eligible
	Flushing
)

func (s State) String() string {
	switch s {
	case Eligible:
		return "eligible"
	case Flushing:
		return "flushing"
	}
	return "idle"
}

// Config wires the engine to the store it flushes.
type Config struct {
	Dir         string
	Table       *partition.RangeFunc
	Buckets     *bucket.Container
	FileOptions shardfile.Options
	Merge       bucket.MergeFunc

	Workers      int
	Interval     time.Duration
	MinElements  int
	MaxAge       time.Duration
	Force        bool
	Retries      int
	RetryBackoff time.Duration
	Logger       *slog.Logger
}

type shardState struct {
	mu    sync.Mutex // held while the shard file is open for writing
	state atomic.Int32
	err   error // last failed flush, guarded by Manager.errMu
}

// Manager runs the background flushes. A scheduler goroutine checks every
// bucket on each tick or wake-up and hands eligible shards to a pool of
// workers; a shard is flushed by at most one worker at a time.
type Manager struct {
	cfg Config
	log *slog.Logger

	// layout is held shared by every shard operation and exclusively while
	// the shard set changes shape.
	layout sync.RWMutex
	shards []*shardState
	errMu  sync.Mutex

	jobs chan int
	wake chan struct{}
	stop chan struct{}
	wg   sync.WaitGroup

	runMu   sync.Mutex
	running bool
	stopped bool

	stats counters
}

// New validates cfg and returns a stopped engine. Call Start to run the
// background flushes; FlushShard and FlushAll work either way.
func New(cfg Config) (*Manager, error) {
	if cfg.Table == nil || cfg.Buckets == nil {
		return nil, fmt.Errorf("sync engine needs a partition table and buckets")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	m := &Manager{
		cfg:  cfg,
		log:  cfg.Logger,
		jobs: make(chan int, jobQueue),
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
	}
	m.resize(cfg.Table.NumShards())
	return m, nil
}

func (m *Manager) resize(n int) {
	shards := make([]*shardState, n)
	for i := range shards {
		shards[i] = &shardState{}
	}
	m.shards = shards
}

// Start launches the scheduler and the workers.
func (m *Manager) Start() {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.running || m.stopped {
		return
	}
	m.running = true
	m.wg.Add(1 + m.cfg.Workers)
	go m.schedule()
	for i := 0; i < m.cfg.Workers; i++ {
		go m.work(i)
	}
}

// Wake asks the scheduler for an immediate pass. It never blocks.
func (m *Manager) Wake(int) {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Manager) schedule() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
		case <-m.wake:
		}
		m.dispatch()
	}
}

func (m *Manager) dispatch() {
	m.layout.RLock()
	defer m.layout.RUnlock()
	pressure := m.cfg.Buckets.Pressure()
	for _, b := range m.cfg.Buckets.Buckets() {
		id := b.ID()
		if id >= len(m.shards) || !m.eligible(b, pressure) {
			continue
		}
		st := m.shards[id]
		if !st.state.CompareAndSwap(int32(Idle), int32(Eligible)) {
			continue
		}
		select {
		case m.jobs <- id:
		default:
			st.state.Store(int32(Idle))
		}
	}
}

func (m *Manager) eligible(b *bucket.Bucket, pressure bool) bool {
	n := b.Len()
	switch {
	case n == 0:
		return false
	case m.cfg.Force || pressure:
		return true
	case m.cfg.MinElements > 0 && n >= m.cfg.MinElements:
		return true
	case m.cfg.MaxAge > 0 && b.Age() >= m.cfg.MaxAge:
		return true
	}
	return false
}

func (m *Manager) work(n int) {
	defer m.wg.Done()
	log := m.log.With("worker", n)
	for {
		select {
		case <-m.stop:
			return
		case id := <-m.jobs:
			if err := m.FlushShard(context.Background(), id); err != nil {
				log.Error("background flush failed", "shard", id, "err", err)
			}
		}
	}
}

// FlushShard writes the buffered records of shard id into its file. On
// failure the records go back into the bucket and the error is kept for
// TakeErr.
func (m *Manager) FlushShard(ctx context.Context, id int) error {
	m.layout.RLock()
	defer m.layout.RUnlock()
	st, err := m.shard(id)
	if err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	st.state.Store(int32(Flushing))
	defer st.state.Store(int32(Idle))

	b, err := m.cfg.Buckets.Bucket(id)
	if err != nil {
		return err
	}
	batch := b.Drain()
	if batch == nil {
		return nil
	}
	began := time.Now()
	sorted, err := batch.Sorted(m.cfg.Merge)
	if err == nil {
		_, err = m.retry(ctx, id, func() (int, error) {
			return m.write(id, sorted, MergeWrite)
		})
	}
	if err != nil {
		b.Restore(batch)
		m.setErr(id, err)
		m.stats.failures.Add(1)
		return err
	}
	batch.Release()
	m.setErr(id, nil)
	m.cfg.Buckets.Signal()
	m.stats.flushes.Add(1)
	written := len(sorted) / b.ElementSize()
	m.stats.records.Add(uint64(written))
	m.log.Debug("flushed shard", "shard", id, "written", written, "took", time.Since(began))
	return nil
}

// FlushAll flushes every non-empty bucket, up to Workers shards at a time.
// A failing shard does not stop the others; all errors are joined.
func (m *Manager) FlushAll(ctx context.Context) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	g.SetLimit(m.cfg.Workers)
	for _, b := range m.cfg.Buckets.Buckets() {
		if b.Len() == 0 {
			continue
		}
		id := b.ID()
		g.Go(func() error {
			if err := m.FlushShard(ctx, id); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("flush shard %d: %w", id, err))
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()
	return errors.Join(errs...)
}

// Apply writes recs into shard id right away, bypassing the bucket. recs
// need not be sorted; records sharing a key are merged first. It returns how
// many distinct keys were written. Under UpdateOnly keys absent from the
// shard are skipped and not counted.
func (m *Manager) Apply(ctx context.Context, id int, recs []byte, policy Policy) (int, error) {
	m.layout.RLock()
	defer m.layout.RUnlock()
	st, err := m.shard(id)
	if err != nil {
		return 0, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	fo := m.cfg.FileOptions
	sorted, err := bucket.SortRecords(append([]byte(nil), recs...), fo.ElementSize, fo.KeySize, m.cfg.Merge)
	if err != nil {
		return 0, err
	}
	missing, err := m.retry(ctx, id, func() (int, error) {
		return m.write(id, sorted, policy)
	})
	if err != nil {
		return 0, err
	}
	if missing > 0 {
		m.stats.missing.Add(uint64(missing))
		m.log.Warn("update skipped keys absent from shard", "shard", id, "missing", missing)
	}
	return len(sorted)/fo.ElementSize - missing, nil
}

func (m *Manager) retry(ctx context.Context, id int, fn func() (int, error)) (int, error) {
	var err error
	for attempt := 0; attempt <= m.cfg.Retries; attempt++ {
		if attempt > 0 {
			m.stats.retries.Add(1)
			m.log.Warn("retrying shard write", "shard", id, "attempt", attempt, "err", err)
			select {
			case <-ctx.Done():
				return 0, errors.Join(err, ctx.Err())
			case <-time.After(m.cfg.RetryBackoff):
			}
		}
		var n int
		if n, err = fn(); err == nil {
			return n, nil
		}
	}
	return 0, err
}

func (m *Manager) write(id int, recs []byte, policy Policy) (missing int, err error) {
	path := filepath.Join(m.cfg.Dir, m.cfg.Table.Filename(id))
	if policy == UpdateOnly {
		// nothing to update in a shard that was never written
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			return len(recs) / m.cfg.FileOptions.ElementSize, nil
		}
	}
	f, err := shardfile.Open(path, shardfile.ReadWrite, m.cfg.FileOptions)
	if err != nil {
		return 0, err
	}
	defer func() {
		err = errors.Join(err, f.Close())
	}()
	if policy == UpdateOnly {
		return updateOnly(f, recs, m.cfg.Merge)
	}
	return 0, mergeWrite(f, recs, m.cfg.Merge)
}

// Lock gives the caller exclusive use of shard id's file until unlock is
// called; flushes of that shard wait meanwhile.
func (m *Manager) Lock(id int) (unlock func(), err error) {
	m.layout.RLock()
	st, err := m.shard(id)
	if err != nil {
		m.layout.RUnlock()
		return nil, err
	}
	st.mu.Lock()
	return func() {
		st.mu.Unlock()
		m.layout.RUnlock()
	}, nil
}

// Exclusive runs fn while no shard operation is in progress, then resizes
// the per-shard state to the current table.
func (m *Manager) Exclusive(fn func() error) error {
	m.layout.Lock()
	defer m.layout.Unlock()
	err := fn()
	if n := m.cfg.Table.NumShards(); n != len(m.shards) {
		m.errMu.Lock()
		m.resize(n)
		m.errMu.Unlock()
	}
	return err
}

// State returns the flush state of shard id.
func (m *Manager) State(id int) State {
	m.layout.RLock()
	defer m.layout.RUnlock()
	if id < 0 || id >= len(m.shards) {
		return Idle
	}
	return State(m.shards[id].state.Load())
}

// TakeErr returns and clears the error of the last failed flush of shard id.
func (m *Manager) TakeErr(id int) error {
	m.errMu.Lock()
	defer m.errMu.Unlock()
	if id < 0 || id >= len(m.shards) {
		return nil
	}
	err := m.shards[id].err
	m.shards[id].err = nil
	return err
}

// Errs returns and clears the recorded errors of every shard.
func (m *Manager) Errs() error {
	m.errMu.Lock()
	defer m.errMu.Unlock()
	var errs []error
	for id, st := range m.shards {
		if st.err != nil {
			errs = append(errs, fmt.Errorf("shard %d: %w", id, st.err))
			st.err = nil
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) setErr(id int, err error) {
	m.errMu.Lock()
	m.shards[id].err = err
	m.errMu.Unlock()
}

func (m *Manager) shard(id int) (*shardState, error) {
	if id < 0 || id >= len(m.shards) {
		return nil, fmt.Errorf("%w: shard %d of %d", partition.ErrRouting, id, len(m.shards))
	}
	return m.shards[id], nil
}

// Stop joins the scheduler and the workers, then flushes whatever is still
// buffered. It returns the final flush errors joined with every error still
// recorded for a shard.
func (m *Manager) Stop(ctx context.Context) error {
	m.runMu.Lock()
	if m.stopped {
		m.runMu.Unlock()
		return ErrStopped
	}
	m.stopped = true
	close(m.stop)
	m.runMu.Unlock()
	m.wg.Wait()

	flushErr := m.FlushAll(ctx)
	recorded := m.Errs()
	if flushErr != nil {
		// failed shards are in recorded as well
		return flushErr
	}
	return recorded
}
