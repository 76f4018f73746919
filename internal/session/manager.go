package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/querydesk/internal/agent"
	"github.com/nidhogg/querydesk/internal/database"
	"github.com/nidhogg/querydesk/internal/metrics"
	"github.com/nidhogg/querydesk/internal/provider"
	"go.uber.org/zap"
)

var (
	// ErrNotFound is returned for an unknown session ID.
	ErrNotFound = errors.New("session not found")
	// ErrEmptyTurn is returned for a blank user message.
	ErrEmptyTurn = errors.New("empty message")
	// ErrUnknownKind is returned for a connection with an unsupported engine.
	ErrUnknownKind = errors.New("unknown database kind")
)

// Gateway hands out read-only connections.
type Gateway interface {
	Acquire(ctx context.Context, d database.Descriptor) (database.Conn, error)
}

// ModelFactory returns an initialized model for cfg.
type ModelFactory func(ctx context.Context, cfg provider.ModelConfig) (agent.Completer, error)

// Publisher receives every step event of every turn.
type Publisher interface {
	Publish(ctx context.Context, sessionID, turnID string, ev agent.Event) error
}

// Options configures a Manager.
type Options struct {
	MaxRows           int
	ToolTimeout       time.Duration
	QueryHistoryLimit int
	Greeting          string
	Descriptor        database.Descriptor
	Model             ModelSettings
}

func (o Options) withDefaults() Options {
	if o.MaxRows <= 0 {
		o.MaxRows = agent.DefaultMaxRows
	}
	if o.ToolTimeout <= 0 {
		o.ToolTimeout = agent.DefaultToolTimeout
	}
	if o.QueryHistoryLimit <= 0 {
		o.QueryHistoryLimit = 10
	}
	if o.Greeting == "" {
		o.Greeting = "How can I help you?"
	}
	o.Model = o.Model.normalize()
	return o
}

// Manager owns the sessions and runs turns against them.
type Manager struct {
	gateway   Gateway
	models    ModelFactory
	publisher Publisher
	metrics   *metrics.Metrics
	opts      Options
	logger    *zap.Logger
	now       func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
}

// Option customizes a Manager.
type Option func(*Manager)

// WithPublisher forwards step events to p.
func WithPublisher(p Publisher) Option {
	return func(m *Manager) { m.publisher = p }
}

// WithMetrics records turn metrics.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// NewManager creates a session manager.
func NewManager(gw Gateway, models ModelFactory, opts Options, logger *zap.Logger, options ...Option) *Manager {
	m := &Manager{
		gateway:  gw,
		models:   models,
		opts:     opts.withDefaults(),
		logger:   logger,
		now:      time.Now,
		sessions: make(map[string]*Session),
	}
	for _, o := range options {
		o(m)
	}
	return m
}

// Create starts a session. Nil arguments select the configured defaults.
func (m *Manager) Create(d *database.Descriptor, model *ModelSettings) *Session {
	now := m.now()
	s := &Session{
		ID:         uuid.New().String(),
		CreatedAt:  now,
		lastActive: now,
		descriptor: m.opts.Descriptor,
		model:      m.opts.Model.clone(),
		history:    []Message{{Role: RoleAssistant, Content: m.opts.Greeting, Timestamp: now}},
	}
	if d != nil {
		s.descriptor = *d
	}
	if model != nil {
		s.model = model.normalize()
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	n := len(m.sessions)
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.SessionsActive.Set(float64(n))
	}
	m.logger.Info("session created", zap.String("session", s.ID), zap.String("target", s.descriptor.String()))
	return s
}

// DefaultModel returns a copy of the settings new sessions start with.
func (m *Manager) DefaultModel() ModelSettings {
	return m.opts.Model.clone()
}

// Get returns a session by ID.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s, nil
}

// List returns all sessions, oldest first.
func (m *Manager) List() []View {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.Unlock()

	views := make([]View, len(all))
	for i, s := range all {
		views[i] = s.View()
	}
	sort.Slice(views, func(i, j int) bool { return views[i].CreatedAt.Before(views[j].CreatedAt) })
	return views
}

// Delete removes a session and aborts its running turn.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	n := len(m.sessions)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	s.abort()
	if m.metrics != nil {
		m.metrics.SessionsActive.Set(float64(n))
	}
	m.logger.Info("session deleted", zap.String("session", id))
	return nil
}

// SetConnection replaces the session's connection descriptor. It takes
// effect on the next turn.
func (m *Manager) SetConnection(id string, d database.Descriptor) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	switch d.Kind {
	case database.KindSQLite, database.KindMySQL, database.KindPostgres:
	default:
		return fmt.Errorf("%w %q", ErrUnknownKind, d.Kind)
	}
	s.mu.Lock()
	s.descriptor = d
	s.mu.Unlock()
	return nil
}

// SetModel replaces the session's model settings, clamped to valid ranges.
func (m *Manager) SetModel(id string, ms ModelSettings) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.model = ms.normalize()
	s.mu.Unlock()
	return nil
}

// Reset replaces the history with the greeting. The query log and cached
// connections are kept.
func (m *Manager) Reset(id string) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.history = []Message{{Role: RoleAssistant, Content: m.opts.Greeting, Timestamp: m.now()}}
	s.mu.Unlock()
	return nil
}

// History returns the chat history in chronological order.
func (m *Manager) History(id string) ([]Message, error) {
	s, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	return s.View().Messages, nil
}

// Queries returns the recent queries, newest first.
func (m *Manager) Queries(id string) ([]QueryLogEntry, error) {
	s, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]QueryLogEntry, len(s.audit))
	for i, e := range s.audit {
		out[len(s.audit)-1-i] = e
	}
	return out, nil
}

// Abort cancels the running turn of a session. It reports whether a turn
// was running.
func (m *Manager) Abort(id string) (bool, error) {
	s, err := m.Get(id)
	if err != nil {
		return false, err
	}
	aborted := s.abort()
	if aborted {
		m.logger.Info("turn aborted", zap.String("session", id))
	}
	return aborted, nil
}

// HandleTurn answers text in the session. Turns on one session are
// serialized. Every event is sent on events (which may be nil) and to the
// publisher; events must be received until HandleTurn returns. Failures are
// reported in the outcome; the error is only set for an unknown session or
// an empty message.
func (m *Manager) HandleTurn(ctx context.Context, id, text string, events chan<- agent.Event) (*agent.Outcome, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyTurn
	}
	s, err := m.Get(id)
	if err != nil {
		return nil, err
	}

	s.turn.Lock()
	defer s.turn.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	s.setCancel(cancel)
	defer func() {
		s.setCancel(nil)
		cancel()
	}()

	turnID := uuid.New().String()
	start := m.now()
	s.appendMessage(RoleUser, text, start)
	s.appendAudit(text, start, m.opts.QueryHistoryLimit)

	log := m.logger.With(zap.String("session", id), zap.String("turn", turnID))
	forward := func(ev agent.Event) {
		m.observe(ev)
		if m.publisher != nil && ev.Type != agent.EventToken {
			pctx, pcancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			if err := m.publisher.Publish(pctx, id, turnID, ev); err != nil {
				log.Warn("publish step event", zap.Error(err))
			}
			pcancel()
		}
		if events != nil {
			events <- ev
		}
	}

	out := m.runTurn(ctx, s, text, forward, log)
	s.appendMessage(RoleAssistant, out.Text(), m.now())

	result := "answer"
	if out.Failure != nil {
		result = string(out.Failure.Kind)
	}
	if m.metrics != nil {
		m.metrics.RecordTurn(result, out.Iterations, m.now().Sub(start))
	}
	log.Info("turn finished", zap.String("result", result), zap.Int("iterations", out.Iterations))
	return out, nil
}

func (m *Manager) runTurn(ctx context.Context, s *Session, question string, forward func(agent.Event), log *zap.Logger) *agent.Outcome {
	desc, settings := s.settings()

	fail := func(err error) *agent.Outcome {
		f := agent.Classify(err)
		log.Warn("turn setup failed", zap.String("kind", string(f.Kind)), zap.Error(err))
		forward(agent.Event{Type: agent.EventFailed, Failure: f})
		return &agent.Outcome{Failure: f, Steps: []agent.Step{}}
	}

	conn, err := m.gateway.Acquire(ctx, desc)
	if err != nil {
		return fail(err)
	}
	model, err := m.models(ctx, settings.ModelConfig)
	if err != nil {
		m.recordModelInit("error")
		return fail(err)
	}
	if fb, ok := model.(interface{ UsedFallback() bool }); ok && fb.UsedFallback() {
		m.recordModelInit("fallback")
	} else {
		m.recordModelInit("ok")
	}

	tools := agent.NewSQLTools(conn, m.opts.MaxRows)
	loop := agent.NewLoop(model, tools.Registry(m.opts.ToolTimeout), agent.Config{
		MaxIterations:       settings.MaxIterations,
		HandleParsingErrors: settings.ParseRecovery(),
		Temperature:         settings.Temperature,
		Dialect:             tools.Dialect(),
	}, log)

	ch := make(chan agent.Event, 64)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range ch {
			forward(ev)
		}
	}()
	out := loop.Run(ctx, question, ch)
	close(ch)
	<-done
	return out
}

func (m *Manager) observe(ev agent.Event) {
	if m.metrics == nil || ev.Type != agent.EventObservation || ev.Step == nil {
		return
	}
	if ev.Step.Action == agent.ActionException {
		return
	}
	status := "ok"
	if strings.HasPrefix(ev.Step.Observation, "Error: ") {
		status = "error"
	}
	m.metrics.RecordToolCall(ev.Step.Action, status)
}

func (m *Manager) recordModelInit(result string) {
	if m.metrics != nil {
		m.metrics.RecordModelInit(result)
	}
}

// Schema is a snapshot of every table's columns. Tables that could not be
// described are listed in Errors instead.
type Schema struct {
	Tables map[string][]database.Column `json:"tables"`
	Errors map[string]string            `json:"errors,omitempty"`
	Names  []string                     `json:"names"`
}

// SchemaSnapshot describes every table of the session's database. A failure
// on one table is recorded and the snapshot continues.
func (m *Manager) SchemaSnapshot(ctx context.Context, id string) (*Schema, error) {
	s, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	desc, _ := s.settings()
	conn, err := m.gateway.Acquire(ctx, desc)
	if err != nil {
		return nil, agent.Classify(err)
	}

	tools := agent.NewSQLTools(conn, m.opts.MaxRows)
	names, err := tools.ListTables(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	snap := &Schema{
		Tables: make(map[string][]database.Column, len(names)),
		Errors: make(map[string]string),
		Names:  names,
	}
	for _, name := range names {
		cols, err := tools.DescribeSchema(ctx, name)
		if err != nil {
			snap.Errors[name] = err.Error()
			continue
		}
		snap.Tables[name] = cols
	}
	return snap, nil
}
