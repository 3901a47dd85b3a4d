package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/hedgecoord/internal/domain"
	"github.com/alanyoungcy/hedgecoord/internal/metrics"
)

// Config holds reconciliation parameters.
type Config struct {
	UserID          string
	Strategy        Strategy
	PreferredSource Source
	Tolerance       float64
	TimingWindow    time.Duration
	HistorySize     int
	PullInterval    time.Duration

	// TerminalRetention bounds how long records of positions in a terminal
	// state are kept.
	TerminalRetention time.Duration
}

// DefaultConfig returns the standard reconciliation settings.
func DefaultConfig() Config {
	return Config{
		Strategy:        StrategyTimestampPriority,
		PreferredSource: SourceWebSocket,
		Tolerance:       1e-4,
		TimingWindow:    time.Second,
		HistorySize:     1000,
		PullInterval:    30 * time.Second,

		TerminalRetention: 10 * time.Minute,
	}
}

// ConflictSink receives every conflict record for audit.
type ConflictSink interface {
	RecordConflict(ctx context.Context, rec ConflictRecord) error
}

// Stats is a point-in-time view of the manager counters.
type Stats struct {
	Entities   int                    `json:"entities"`
	Observed   int64                  `json:"observed"`
	Applied    int64                  `json:"applied"`
	Stale      int64                  `json:"stale"`
	Agreements int64                  `json:"agreements"`
	Conflicts  int64                  `json:"conflicts"`
	ByType     map[ConflictType]int64 `json:"by_type"`
	Wins       map[Source]int64       `json:"wins"`
	SinkErrors int64                  `json:"sink_errors"`
}

// Manager keeps one canonical record per entity. It is safe for concurrent
// use; sinks and change hooks run outside the lock.
type Manager struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu        sync.Mutex
	records   map[entityKey]Update
	history   []ConflictRecord // ring, oldest first
	stats     Stats
	sinks     []ConflictSink
	onChanged []func(Update)
}

// NewManager creates a Manager. m may be nil.
func NewManager(cfg Config, logger *slog.Logger, m *metrics.Metrics) *Manager {
	def := DefaultConfig()
	if cfg.Strategy == "" {
		cfg.Strategy = def.Strategy
	}
	if !cfg.PreferredSource.Valid() {
		cfg.PreferredSource = def.PreferredSource
	}
	if cfg.Tolerance < 0 {
		cfg.Tolerance = def.Tolerance
	}
	if cfg.HistorySize < 1 {
		cfg.HistorySize = def.HistorySize
	}
	if cfg.PullInterval <= 0 {
		cfg.PullInterval = def.PullInterval
	}
	if cfg.TerminalRetention <= 0 {
		cfg.TerminalRetention = def.TerminalRetention
	}
	return &Manager{
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "reconcile")),
		metrics: m,
		now:     time.Now,
		records: make(map[entityKey]Update),
		stats: Stats{
			ByType: make(map[ConflictType]int64),
			Wins:   make(map[Source]int64),
		},
	}
}

// SetClock replaces the time source used for resolution timestamps.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

// AddSink registers a conflict sink.
func (m *Manager) AddSink(s ConflictSink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sinks = append(m.sinks, s)
}

// OnChange registers fn to run whenever the canonical record of an entity is
// replaced.
func (m *Manager) OnChange(fn func(Update)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChanged = append(m.onChanged, fn)
}

// Observe merges u into the canonical view. It returns the conflict record
// when the update diverged from the other source's view, or nil.
func (m *Manager) Observe(ctx context.Context, u Update) (*ConflictRecord, error) {
	if err := u.validate(); err != nil {
		return nil, err
	}
	key := entityKey{kind: u.Kind, id: u.ID}

	m.mu.Lock()
	m.stats.Observed++
	current, exists := m.records[key]

	var (
		rec     *ConflictRecord
		changed bool
	)
	switch {
	case !exists:
		m.records[key] = u
		changed = true

	case current.Source == u.Source:
		if u.Timestamp.Before(current.Timestamp) {
			m.stats.Stale++
			m.mu.Unlock()
			m.logger.Debug("stale update ignored",
				slog.String("kind", string(u.Kind)),
				slog.String("id", u.ID),
				slog.String("source", string(u.Source)),
			)
			return nil, nil
		}
		m.records[key] = u
		changed = true

	default:
		d := compare(current, u, m.cfg.Tolerance, m.cfg.TimingWindow)
		if len(d.types) == 0 {
			// Both sources agree within tolerance; keep the newer view.
			m.stats.Agreements++
			if !u.Timestamp.Before(current.Timestamp) {
				m.records[key] = u
				changed = !d.equal
			}
			break
		}
		winner, loser := resolve(m.cfg.Strategy, m.cfg.PreferredSource, current, u)
		rec = &ConflictRecord{
			ID:         uuid.NewString(),
			Kind:       u.Kind,
			EntityID:   u.ID,
			Types:      d.types,
			Fields:     d.fields,
			Strategy:   m.cfg.Strategy,
			Winner:     winner.Source,
			Winning:    winner,
			Losing:     loser,
			ResolvedAt: m.now(),
		}
		m.records[key] = winner
		changed = winner.Source == u.Source
		m.recordLocked(*rec)
	}
	if changed {
		m.stats.Applied++
	}
	sinks := slices.Clone(m.sinks)
	hooks := slices.Clone(m.onChanged)
	final := m.records[key]
	m.mu.Unlock()

	if rec != nil {
		for _, t := range rec.Types {
			m.metrics.ConflictResolved(string(t), string(rec.Winner))
		}
		m.logger.Info("conflict resolved",
			slog.String("kind", string(rec.Kind)),
			slog.String("id", rec.EntityID),
			slog.Any("types", rec.Types),
			slog.Any("fields", rec.Fields),
			slog.String("winner", string(rec.Winner)),
		)
		m.forward(ctx, sinks, *rec)
	}
	if changed {
		for _, fn := range hooks {
			fn(final)
		}
	}
	return rec, nil
}

func (m *Manager) recordLocked(rec ConflictRecord) {
	m.stats.Conflicts++
	for _, t := range rec.Types {
		m.stats.ByType[t]++
	}
	m.stats.Wins[rec.Winner]++
	if len(m.history) >= m.cfg.HistorySize {
		m.history = slices.Delete(m.history, 0, len(m.history)-m.cfg.HistorySize+1)
	}
	m.history = append(m.history, rec)
}

func (m *Manager) forward(ctx context.Context, sinks []ConflictSink, rec ConflictRecord) {
	for _, s := range sinks {
		if err := s.RecordConflict(ctx, rec); err != nil {
			m.mu.Lock()
			m.stats.SinkErrors++
			m.mu.Unlock()
			m.logger.Warn("conflict sink failed",
				slog.String("conflict_id", rec.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// ObservePosition records a terminal-observed position.
func (m *Manager) ObservePosition(ctx context.Context, p domain.Position) {
	if _, err := m.Observe(ctx, PositionUpdate(p, SourceWebSocket)); err != nil {
		m.logger.Warn("position observation rejected", slog.String("error", err.Error()))
	}
}

// ObserveAccount records a terminal-reported account snapshot.
func (m *Manager) ObserveAccount(ctx context.Context, a domain.Account) {
	if _, err := m.Observe(ctx, AccountUpdate(a, SourceWebSocket)); err != nil {
		m.logger.Warn("account observation rejected", slog.String("error", err.Error()))
	}
}

// Get returns the canonical record of an entity.
func (m *Manager) Get(kind Kind, id string) (Update, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.records[entityKey{kind: kind, id: id}]
	return u, ok
}

// Prune drops the records of positions whose canonical status is terminal
// and was last updated before cutoff. It returns how many were dropped.
func (m *Manager) Prune(cutoff time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for key, u := range m.records {
		if u.Kind != KindPosition || u.Position == nil {
			continue
		}
		if u.Position.Status.IsTerminal() && u.Timestamp.Before(cutoff) {
			delete(m.records, key)
			n++
		}
	}
	return n
}

// Conflicts returns up to limit conflict records, newest first. A limit of
// zero or less returns the whole retained history.
func (m *Manager) Conflicts(limit int) []ConflictRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.history)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]ConflictRecord, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, m.history[i])
	}
	return out
}

// Stats returns current counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.stats
	st.Entities = len(m.records)
	st.ByType = make(map[ConflictType]int64, len(m.stats.ByType))
	for k, v := range m.stats.ByType {
		st.ByType[k] = v
	}
	st.Wins = make(map[Source]int64, len(m.stats.Wins))
	for k, v := range m.stats.Wins {
		st.Wins[k] = v
	}
	return st
}

// Run consumes the remote store's position feed and periodically pulls the
// user's live positions, observing both as remote updates, until ctx is
// cancelled.
func (m *Manager) Run(ctx context.Context, feed domain.ChangeFeed, positions domain.PositionStore) error {
	ch, err := feed.SubscribePositions(ctx, m.cfg.UserID)
	if err != nil {
		return fmt.Errorf("reconcile: subscribe positions: %w", err)
	}
	m.logger.Info("reconciliation started",
		slog.String("strategy", string(m.cfg.Strategy)),
		slog.String("preferred_source", string(m.cfg.PreferredSource)),
	)

	m.pull(ctx, positions)
	ticker := time.NewTicker(m.cfg.PullInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case p, ok := <-ch:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				m.logger.Warn("position feed closed, relying on periodic pull")
				ch = nil
				continue
			}
			if _, err := m.Observe(ctx, PositionUpdate(p, SourceRemote)); err != nil {
				m.logger.Warn("remote position rejected", slog.String("error", err.Error()))
			}
		case <-ticker.C:
			m.pull(ctx, positions)
			if n := m.Prune(m.now().Add(-m.cfg.TerminalRetention)); n > 0 {
				m.logger.Debug("terminal records pruned", slog.Int("count", n))
			}
		}
	}
}

func (m *Manager) pull(ctx context.Context, positions domain.PositionStore) {
	if positions == nil {
		return
	}
	list, err := positions.ListByStatus(ctx, m.cfg.UserID,
		domain.PositionPending, domain.PositionOpening, domain.PositionOpen, domain.PositionClosing)
	if err != nil {
		m.logger.Warn("position pull failed", slog.String("error", err.Error()))
		return
	}
	for _, p := range list {
		if _, err := m.Observe(ctx, PositionUpdate(p, SourceRemote)); err != nil {
			m.logger.Warn("remote position rejected", slog.String("error", err.Error()))
		}
	}
}
