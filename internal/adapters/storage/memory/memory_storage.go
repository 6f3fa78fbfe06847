// Package memory disponibiliza o storage em processo, usado quando não há Redis.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/vibewell25/vibewell-sub010/internal/core/domain"
	"github.com/vibewell25/vibewell-sub010/internal/core/ports"
)

const DefaultSweepInterval = time.Minute

type entry struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// Storage is a single-instance CounterStore. All operations run under one
// mutex, so IncrementWindow is a true atomic check-and-increment.
type Storage struct {
	mu    sync.Mutex
	data  map[string]*entry
	zsets map[string]map[string]float64

	now           func() time.Time
	sweepInterval time.Duration
	stopCh        chan struct{}
	wg            sync.WaitGroup
	closeOnce     sync.Once
}

var _ ports.CounterStore = (*Storage)(nil)

type Option func(*Storage)

// WithClock overrides time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Storage) { s.now = now }
}

// WithSweepInterval sets the background purge interval; zero disables it.
func WithSweepInterval(d time.Duration) Option {
	return func(s *Storage) { s.sweepInterval = d }
}

func New(opts ...Option) *Storage {
	s := &Storage{
		data:          make(map[string]*entry),
		zsets:         make(map[string]map[string]float64),
		now:           time.Now,
		sweepInterval: DefaultSweepInterval,
		stopCh:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.sweepInterval > 0 {
		s.wg.Add(1)
		go s.sweepLoop()
	}
	return s
}

func (s *Storage) sweepLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Sweep()
		case <-s.stopCh:
			return
		}
	}
}

// Sweep removes every expired key and returns how many were dropped.
func (s *Storage) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for key, e := range s.data {
		if e.expired(now) {
			delete(s.data, key)
			removed++
		}
	}
	return removed
}

// Close stops the sweeper. Data stays readable.
func (s *Storage) Close() error {
	s.closeOnce.Do(func() {
		close(s.stopCh)
	})
	s.wg.Wait()
	return nil
}

// Size returns the number of live keys (for testing).
func (s *Storage) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}

// lookup returns a live entry, purging it lazily when expired. Caller holds mu.
func (s *Storage) lookup(key string, now time.Time) (*entry, bool) {
	e, ok := s.data[key]
	if !ok {
		return nil, false
	}
	if e.expired(now) {
		delete(s.data, key)
		return nil, false
	}
	return e, true
}

func (s *Storage) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.lookup(key, s.now())
	if !ok {
		return "", false, nil
	}
	return e.value, true, nil
}

func (s *Storage) Set(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := &entry{value: value}
	if ttl > 0 {
		e.expiresAt = s.now().Add(ttl)
	}
	s.data[key] = e
	return nil
}

func (s *Storage) Increment(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.lookup(key, s.now())
	if !ok {
		s.data[key] = &entry{value: "1"}
		return 1, nil
	}

	n, err := strconv.ParseInt(e.value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("value at %s is not an integer", key)
	}
	n++
	e.value = strconv.FormatInt(n, 10)
	return n, nil
}

func (s *Storage) Expire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	e, ok := s.lookup(key, now)
	if !ok {
		return false, nil
	}
	if ttl <= 0 {
		delete(s.data, key)
		return true, nil
	}
	e.expiresAt = now.Add(ttl)
	return true, nil
}

func (s *Storage) Delete(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.lookup(key, s.now())
	delete(s.data, key)
	if _, isSet := s.zsets[key]; isSet {
		delete(s.zsets, key)
		ok = true
	}
	return ok, nil
}

func (s *Storage) IncrementWindow(_ context.Context, key string, window time.Duration) (domain.WindowRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	e, ok := s.lookup(key, now)
	if !ok || e.expiresAt.IsZero() {
		reset := now.Add(window)
		s.data[key] = &entry{value: "1", expiresAt: reset}
		return domain.WindowRecord{Count: 1, ResetTime: reset}, nil
	}

	n, err := strconv.ParseInt(e.value, 10, 64)
	if err != nil {
		return domain.WindowRecord{}, fmt.Errorf("value at %s is not an integer", key)
	}
	n++
	e.value = strconv.FormatInt(n, 10)
	return domain.WindowRecord{Count: n, ResetTime: e.expiresAt}, nil
}

type scored struct {
	member string
	score  float64
}

// sorted returns the members of a set ordered like Redis: by score, then member.
func (s *Storage) sorted(set string) []scored {
	members := s.zsets[set]
	out := make([]scored, 0, len(members))
	for m, sc := range members {
		out = append(out, scored{member: m, score: sc})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score < out[j].score
		}
		return out[i].member < out[j].member
	})
	return out
}

// bounds converts Redis-style inclusive indexes (negatives count from the end).
func bounds(start, stop int64, n int) (int, int, bool) {
	size := int64(n)
	if start < 0 {
		start += size
	}
	if stop < 0 {
		stop += size
	}
	if start < 0 {
		start = 0
	}
	if stop >= size {
		stop = size - 1
	}
	if size == 0 || start > stop || start >= size {
		return 0, 0, false
	}
	return int(start), int(stop), true
}

func (s *Storage) ZAdd(_ context.Context, set string, score float64, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	members, ok := s.zsets[set]
	if !ok {
		members = make(map[string]float64)
		s.zsets[set] = members
	}
	members[member] = score
	return nil
}

func (s *Storage) ZRem(_ context.Context, set string, member string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	members, ok := s.zsets[set]
	if !ok {
		return false, nil
	}
	if _, ok := members[member]; !ok {
		return false, nil
	}
	delete(members, member)
	if len(members) == 0 {
		delete(s.zsets, set)
	}
	return true, nil
}

func (s *Storage) ZRange(_ context.Context, set string, start, stop int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	items := s.sorted(set)
	lo, hi, ok := bounds(start, stop, len(items))
	if !ok {
		return []string{}, nil
	}
	out := make([]string, 0, hi-lo+1)
	for _, it := range items[lo : hi+1] {
		out = append(out, it.member)
	}
	return out, nil
}

func (s *Storage) ZRevRange(_ context.Context, set string, start, stop int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	items := s.sorted(set)
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
	lo, hi, ok := bounds(start, stop, len(items))
	if !ok {
		return []string{}, nil
	}
	out := make([]string, 0, hi-lo+1)
	for _, it := range items[lo : hi+1] {
		out = append(out, it.member)
	}
	return out, nil
}

func (s *Storage) ZRemRangeByScore(_ context.Context, set string, min, max float64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	members := s.zsets[set]
	var removed int64
	for m, sc := range members {
		if sc >= min && sc <= max {
			delete(members, m)
			removed++
		}
	}
	if members != nil && len(members) == 0 {
		delete(s.zsets, set)
	}
	return removed, nil
}

func (s *Storage) ZRemRangeByRank(_ context.Context, set string, start, stop int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	items := s.sorted(set)
	lo, hi, ok := bounds(start, stop, len(items))
	if !ok {
		return 0, nil
	}
	members := s.zsets[set]
	for _, it := range items[lo : hi+1] {
		delete(members, it.member)
	}
	if len(members) == 0 {
		delete(s.zsets, set)
	}
	return int64(hi - lo + 1), nil
}

func (s *Storage) ZCard(_ context.Context, set string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.zsets[set])), nil
}
