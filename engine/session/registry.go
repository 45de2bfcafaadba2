package session

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/traceplane/traceplane/engine/domain"
	"github.com/traceplane/traceplane/pkg/metrics"
)

// Materializer is the builder surface the registry drives.
type Materializer interface {
	Build(ctx context.Context, id string, req domain.SessionRequest) (*BuildResult, error)
	Drop(ctx context.Context, id string) error
}

// Options tune a Registry.
type Options struct {
	// MaxBuilds caps concurrent materializations. Defaults to NumCPU.
	MaxBuilds int
	Logger    *slog.Logger
	Metrics   prometheus.Registerer
}

// Registry is the sole owner of session descriptors. All reads and writes,
// including status flips from build goroutines, go through its mutex.
type Registry struct {
	builder Materializer
	log     *slog.Logger
	sem     chan struct{}

	mu       sync.Mutex
	sessions map[string]*domain.Session
	builds   map[string]chan struct{}

	buildsTotal *prometheus.CounterVec
	buildTime   prometheus.Histogram
}

// NewRegistry wires a Registry around a Materializer.
func NewRegistry(b Materializer, opts Options) *Registry {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	maxBuilds := opts.MaxBuilds
	if maxBuilds <= 0 {
		maxBuilds = runtime.NumCPU()
	}
	reg := opts.Metrics
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	return &Registry{
		builder:  b,
		log:      log,
		sem:      make(chan struct{}, maxBuilds),
		sessions: make(map[string]*domain.Session),
		builds:   make(map[string]chan struct{}),
		buildsTotal: metrics.CounterVec(reg, "session_builds_total",
			"Session builds by outcome.", "status"),
		buildTime: metrics.Histogram(reg, "session_build_seconds",
			"Session materialization time.", nil),
	}
}

func newSessionID() string {
	u := uuid.New()
	return hex.EncodeToString(u[:6])
}

// Create registers a session in building state and schedules its build. The
// returned descriptor is a snapshot; poll Get for status changes.
func (r *Registry) Create(ctx context.Context, owner string, req domain.SessionRequest) (*domain.Session, error) {
	if len(req.SignalTypes) == 0 {
		req.SignalTypes = append([]domain.Signal(nil), domain.Signals...)
	}
	for _, sig := range req.SignalTypes {
		if _, err := domain.ParseSignal(string(sig)); err != nil {
			return nil, fmt.Errorf("session: signal %q: %w", sig, err)
		}
	}

	s := &domain.Session{
		ID:          newSessionID(),
		Owner:       owner,
		Status:      domain.SessionBuilding,
		Services:    append([]string(nil), req.Services...),
		SignalTypes: append([]domain.Signal(nil), req.SignalTypes...),
		Start:       req.Start,
		End:         req.End,
		CreatedAt:   time.Now().UTC(),
	}
	done := make(chan struct{})

	r.mu.Lock()
	r.sessions[s.ID] = s
	r.builds[s.ID] = done
	snap := s.Clone()
	r.mu.Unlock()

	go r.runBuild(s.ID, req, done)

	r.log.Info("session: created", "session", snap.ID, "owner", owner, "signals", snap.SignalTypes)
	return snap, nil
}

// runBuild drives one materialization. It never panics out: failures of any
// kind resolve the session to error state.
func (r *Registry) runBuild(id string, req domain.SessionRequest, done chan struct{}) {
	defer close(done)
	defer func() {
		if p := recover(); p != nil {
			r.resolve(id, nil, fmt.Errorf("build panic: %v", p))
		}
	}()

	r.sem <- struct{}{}
	defer func() { <-r.sem }()

	start := time.Now()
	// Builds are not cancellable once scheduled; Delete waits on done instead.
	res, err := r.builder.Build(context.Background(), id, req)
	r.buildTime.Observe(time.Since(start).Seconds())
	r.resolve(id, res, err)
}

func (r *Registry) resolve(id string, res *BuildResult, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return
	}
	if err != nil {
		s.Status = domain.SessionError
		s.Error = err.Error()
		r.buildsTotal.WithLabelValues(domain.SessionError).Inc()
		r.log.Error("session: build failed", "session", id, "error", err)
		return
	}
	s.Status = domain.SessionReady
	s.Counts = res.Counts
	s.Manifest = res.Manifest
	r.buildsTotal.WithLabelValues(domain.SessionReady).Inc()
	r.log.Info("session: ready", "session", id, "counts", res.Counts)
}

// Get returns a snapshot of an owned session, or ErrNotFound. A mismatched
// owner is indistinguishable from an absent session.
func (r *Registry) Get(id, owner string) (*domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok || s.Owner != owner {
		return nil, domain.ErrNotFound
	}
	return s.Clone(), nil
}

// List returns snapshots of all sessions owned by owner, oldest first.
func (r *Registry) List(owner string) []*domain.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Session
	for _, s := range r.sessions {
		if s.Owner == owner {
			out = append(out, s.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// AppendTurn records one conversation exchange against an owned session.
// The session must be ready; turns against building or failed sessions
// return ErrNotReady.
func (r *Registry) AppendTurn(id, owner string, turn domain.ConversationTurn) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok || s.Owner != owner {
		return domain.ErrNotFound
	}
	if s.Status != domain.SessionReady {
		return fmt.Errorf("%w: status %s", domain.ErrNotReady, s.Status)
	}
	if turn.At.IsZero() {
		turn.At = time.Now().UTC()
	}
	s.Conversation = append(s.Conversation, turn)
	return nil
}

// Delete removes an owned session. If a build is in flight it waits for the
// build to resolve first, so the materialization is never torn down under a
// writer.
func (r *Registry) Delete(ctx context.Context, id, owner string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok || s.Owner != owner {
		r.mu.Unlock()
		return domain.ErrNotFound
	}
	done := r.builds[id]
	r.mu.Unlock()

	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	r.mu.Lock()
	delete(r.sessions, id)
	delete(r.builds, id)
	r.mu.Unlock()

	if err := r.builder.Drop(ctx, id); err != nil {
		return err
	}
	r.log.Info("session: deleted", "session", id)
	return nil
}
