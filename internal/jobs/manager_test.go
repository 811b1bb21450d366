package jobs

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/maltedev/listing-harvester/internal/crawl"
	"github.com/maltedev/listing-harvester/internal/events"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type memoryStore struct {
	mu       sync.Mutex
	runs     map[uuid.UUID]*Run
	finished []*Run
	claimErr error
	failErr  error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{runs: make(map[uuid.UUID]*Run)}
}

func (s *memoryStore) Insert(_ context.Context, run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *run
	s.runs[run.ID] = &cp
	return nil
}

func (s *memoryStore) Get(_ context.Context, id uuid.UUID) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, ErrRunNotFound
	}
	cp := *run
	return &cp, nil
}

func (s *memoryStore) List(_ context.Context, limit int) ([]*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Run, 0, len(s.runs))
	for _, r := range s.runs {
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memoryStore) ClaimNext(_ context.Context) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.claimErr != nil {
		return nil, s.claimErr
	}
	var next *Run
	for _, r := range s.runs {
		if r.Status == StatusPending && (next == nil || r.CreatedAt.Before(next.CreatedAt)) {
			next = r
		}
	}
	if next == nil {
		return nil, ErrNoPendingRun
	}
	now := time.Now()
	next.Status = StatusRunning
	next.StartedAt = &now
	cp := *next
	return &cp, nil
}

func (s *memoryStore) Finish(_ context.Context, run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *run
	s.runs[run.ID] = &cp
	s.finished = append(s.finished, &cp)
	return nil
}

func (s *memoryStore) FailRunning(_ context.Context, reason string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return 0, s.failErr
	}
	var n int64
	now := time.Now()
	for _, r := range s.runs {
		if r.Status == StatusRunning {
			r.Status = StatusFailed
			r.Error = reason
			r.CompletedAt = &now
			n++
		}
	}
	return n, nil
}

type fakeCrawler struct {
	mu     sync.Mutex
	full   []crawl.FullParams
	latest []crawl.LatestParams
	fatal  error
}

func (c *fakeCrawler) report(id uuid.UUID, mode crawl.Mode) *crawl.Report {
	r := &crawl.Report{
		RunID:      id,
		Mode:       mode,
		Outcome:    crawl.OutcomeCompleted,
		Unique:     42,
		Saved:      40,
		Warnings:   []crawl.Warning{{Kind: crawl.WarnPersistFailed, Count: 2, Message: "db"}},
		StartedAt:  time.Now(),
		FinishedAt: time.Now(),
	}
	if c.fatal != nil {
		r.Outcome = crawl.OutcomeAborted
		r.Fatal = c.fatal
	}
	return r
}

func (c *fakeCrawler) FullCrawl(_ context.Context, p crawl.FullParams) *crawl.Report {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.full = append(c.full, p)
	return c.report(p.RunID, crawl.ModeFull)
}

func (c *fakeCrawler) LatestCrawl(_ context.Context, p crawl.LatestParams) *crawl.Report {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.latest = append(c.latest, p)
	return c.report(p.RunID, crawl.ModeLatest)
}

type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) PublishRunCompleted(ctx context.Context, payload *events.RunCompletedPayload) error {
	args := m.Called(ctx, payload)
	return args.Error(0)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var defaults = RunParams{
	Query:      "rowery elektryczne",
	CategoryID: "767",
	PriceFrom:  decimal.NewNullDecimal(decimal.NewFromInt(1000)),
	PriceTo:    decimal.NewNullDecimal(decimal.NewFromInt(50000)),
	Target:     50000,
	MaxResults: 999,
	PageSize:   40,
}

func newTestManager(store RunStore, crawler Crawler, pub RunPublisher) *Manager {
	return NewManager(store, crawler, pub, testLogger(), ManagerConfig{Defaults: defaults, PollInterval: 10 * time.Millisecond})
}

func TestManager_CreateRun(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		req     RunRequest
		wantErr bool
		check   func(t *testing.T, run *Run)
	}{
		{
			name: "defaults applied",
			req:  RunRequest{Mode: "full"},
			check: func(t *testing.T, run *Run) {
				assert.Equal(t, crawl.ModeFull, run.Mode)
				assert.Equal(t, StatusPending, run.Status)
				assert.Equal(t, "rowery elektryczne", run.Params.Query)
				assert.Equal(t, 50000, run.Params.Target)
				assert.Equal(t, "50000", run.Params.PriceTo.Decimal.String())
			},
		},
		{
			name: "overrides kept",
			req: RunRequest{Mode: "latest", Params: RunParams{
				Query:      "hulajnoga",
				State:      "used",
				MaxResults: 200,
			}},
			check: func(t *testing.T, run *Run) {
				assert.Equal(t, crawl.ModeLatest, run.Mode)
				assert.Equal(t, "hulajnoga", run.Params.Query)
				assert.Equal(t, "used", run.Params.State)
				assert.Equal(t, 200, run.Params.MaxResults)
				assert.Equal(t, "767", run.Params.CategoryID)
			},
		},
		{name: "unknown mode", req: RunRequest{Mode: "stats"}, wantErr: true},
		{name: "bad state", req: RunRequest{Mode: "full", Params: RunParams{State: "broken"}}, wantErr: true},
		{
			name: "inverted bounds",
			req: RunRequest{Mode: "full", Params: RunParams{
				PriceFrom: decimal.NewNullDecimal(decimal.NewFromInt(60000)),
			}},
			wantErr: true,
		},
		{name: "page size above ceiling", req: RunRequest{Mode: "full", Params: RunParams{PageSize: 5000}}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemoryStore()
			m := newTestManager(store, &fakeCrawler{}, nil)

			run, err := m.CreateRun(ctx, tt.req)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidParams)
				assert.Empty(t, store.runs)
				return
			}
			require.NoError(t, err)
			tt.check(t, run)

			stored, err := m.GetRun(ctx, run.ID)
			require.NoError(t, err)
			assert.Equal(t, run.Params.Query, stored.Params.Query)
		})
	}
}

func TestManager_ProcessNextRun(t *testing.T) {
	ctx := context.Background()

	t.Run("completed run", func(t *testing.T) {
		store := newMemoryStore()
		crawler := &fakeCrawler{}
		pub := new(MockPublisher)
		m := newTestManager(store, crawler, pub)

		run, err := m.CreateRun(ctx, RunRequest{Mode: "full", Params: RunParams{State: "new"}})
		require.NoError(t, err)

		pub.On("PublishRunCompleted", mock.Anything, mock.MatchedBy(func(p *events.RunCompletedPayload) bool {
			return p.RunID == run.ID.String() && p.Outcome == "completed" && p.Saved == 40
		})).Return(nil)

		assert.True(t, m.processNextRun(ctx))
		assert.False(t, m.processNextRun(ctx))

		require.Len(t, crawler.full, 1)
		got := crawler.full[0]
		assert.Equal(t, run.ID, got.RunID)
		assert.Equal(t, crawl.Query{Text: "rowery elektryczne", CategoryID: "767", State: crawl.StateNew}, got.Query)
		assert.Equal(t, 50000, got.Target)

		stored, err := m.GetRun(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, stored.Status)
		assert.Equal(t, "completed", stored.Outcome)
		assert.Equal(t, 42, stored.Unique)
		assert.Equal(t, 40, stored.Saved)
		assert.Len(t, stored.Warnings, 1)
		assert.NotNil(t, stored.StartedAt)
		assert.NotNil(t, stored.CompletedAt)
		pub.AssertExpectations(t)
	})

	t.Run("aborted run is failed", func(t *testing.T) {
		store := newMemoryStore()
		crawler := &fakeCrawler{fatal: crawl.ErrSeedProbe}
		m := newTestManager(store, crawler, nil)

		run, err := m.CreateRun(ctx, RunRequest{Mode: "latest"})
		require.NoError(t, err)
		require.True(t, m.processNextRun(ctx))

		require.Len(t, crawler.latest, 1)
		assert.Equal(t, 999, crawler.latest[0].MaxResults)

		stored, err := m.GetRun(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, stored.Status)
		assert.Equal(t, "aborted", stored.Outcome)
		assert.Equal(t, crawl.ErrSeedProbe.Error(), stored.Error)
	})

	t.Run("publish failure does not block finishing", func(t *testing.T) {
		store := newMemoryStore()
		pub := new(MockPublisher)
		pub.On("PublishRunCompleted", mock.Anything, mock.Anything).Return(errors.New("outbox down"))
		m := newTestManager(store, &fakeCrawler{}, pub)

		run, err := m.CreateRun(ctx, RunRequest{Mode: "full"})
		require.NoError(t, err)
		require.True(t, m.processNextRun(ctx))

		stored, err := m.GetRun(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, stored.Status)
	})

	t.Run("claim error", func(t *testing.T) {
		store := newMemoryStore()
		store.claimErr = errors.New("db down")
		m := newTestManager(store, &fakeCrawler{}, nil)
		assert.False(t, m.processNextRun(ctx))
	})
}

func TestManager_ListRunsNewestFirst(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(newMemoryStore(), &fakeCrawler{}, nil)

	first, err := m.CreateRun(ctx, RunRequest{Mode: "full"})
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	second, err := m.CreateRun(ctx, RunRequest{Mode: "latest"})
	require.NoError(t, err)

	runs, err := m.ListRuns(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, second.ID, runs[0].ID)
	assert.Equal(t, first.ID, runs[1].ID)

	_, err = m.GetRun(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestManager_StartWorker(t *testing.T) {
	store := newMemoryStore()
	crawler := &fakeCrawler{}
	m := newTestManager(store, crawler, nil)

	ctx, cancel := context.WithCancel(context.Background())
	_, err := m.CreateRun(ctx, RunRequest{Mode: "full"})
	require.NoError(t, err)
	_, err = m.CreateRun(ctx, RunRequest{Mode: "latest"})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		m.StartWorker(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return len(store.finished) == 2
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestManager_RecoverInterrupted(t *testing.T) {
	tests := []struct {
		name      string
		statuses  []string
		failErr   error
		wantCount int64
		wantErr   bool
	}{
		{
			name:      "running runs are failed",
			statuses:  []string{StatusRunning, StatusRunning, StatusPending, StatusCompleted},
			wantCount: 2,
		},
		{
			name:      "nothing to recover",
			statuses:  []string{StatusPending, StatusFailed},
			wantCount: 0,
		},
		{
			name:     "store error",
			statuses: []string{StatusRunning},
			failErr:  errors.New("db down"),
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			store := newMemoryStore()
			store.failErr = tt.failErr
			ids := make([]uuid.UUID, len(tt.statuses))
			for i, status := range tt.statuses {
				ids[i] = uuid.New()
				require.NoError(t, store.Insert(ctx, &Run{ID: ids[i], Mode: crawl.ModeFull, Status: status, CreatedAt: time.Now()}))
			}
			m := newTestManager(store, &fakeCrawler{}, nil)

			n, err := m.RecoverInterrupted(ctx)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantCount, n)

			for i, id := range ids {
				run, err := store.Get(ctx, id)
				require.NoError(t, err)
				if tt.statuses[i] == StatusRunning {
					assert.Equal(t, StatusFailed, run.Status)
					assert.Equal(t, interruptedReason, run.Error)
					assert.NotNil(t, run.CompletedAt)
				} else {
					assert.Equal(t, tt.statuses[i], run.Status)
				}
			}
		})
	}
}

func TestManager_StartWorkerSweepsStaleRuns(t *testing.T) {
	store := newMemoryStore()
	stale := &Run{ID: uuid.New(), Mode: crawl.ModeFull, Status: StatusRunning, CreatedAt: time.Now()}
	require.NoError(t, store.Insert(context.Background(), stale))
	m := newTestManager(store, &fakeCrawler{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.StartWorker(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		run, err := store.Get(context.Background(), stale.ID)
		return err == nil && run.Status == StatusFailed
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}
