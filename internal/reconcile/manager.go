/*
PURPOSE:
  Model-Output Reconciliation Manager. Tracks the output of the run in
  flight, accepts streamed chunks, reconciles them into a final value and
  recovers from streaming and display failures.

REQUIREMENTS:
  User-specified:
  - One active run at a time; Initialize rejects a second one.
  - Chunks append synchronously; subscribers see coalesced deltas.
  - A streaming error keeps the partial output.
  - Display errors recover from the last persisted output.

  Implementation-discovered:
  - Output is append-only while streaming and frozen once Completed.
  - Finished and failed outputs are persisted in a bounded history so a
    later process can restore them.

ARCHITECTURE INTEGRATION:
  - Called by: internal/engine (Harness)
  - Uses: internal/history (Bounded), internal/storage

ERROR HANDLING:
  - ErrRunActive, ErrNoRun, ErrRunFinished for out-of-order calls.
  - Persistence failures are logged and ignored.

STATE MACHINE:
  Idle -> Initialized -> Streaming -> Completed
          Initialized -> Completed          (non-streaming)
          Initialized | Streaming -> Errored
*/

package reconcile

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/daryltucker/prompt-harness/internal/history"
	"github.com/daryltucker/prompt-harness/internal/model"
	"github.com/daryltucker/prompt-harness/internal/output"
	"github.com/daryltucker/prompt-harness/internal/storage"
)

// Status is the lifecycle of a run's output.
type Status string

const (
	StatusIdle        Status = "idle"
	StatusInitialized Status = "initialized"
	StatusStreaming   Status = "streaming"
	StatusCompleted   Status = "completed"
	StatusErrored     Status = "errored"
)

var (
	ErrRunActive   = errors.New("another run is still active")
	ErrNoRun       = errors.New("no run has been initialized")
	ErrRunFinished = errors.New("run already finished")
)

// RunConfig is what a run was started with.
type RunConfig struct {
	ModelID       string `json:"model_id"`
	SystemPrompt  string `json:"system_prompt"`
	UserPrompt    string `json:"user_prompt"`
	Streaming     bool   `json:"streaming"`
	ToolExecution bool   `json:"tool_execution"`
}

// Metadata is response metadata merged into the output on completion.
type Metadata struct {
	Usage            *model.Usage            `json:"usage,omitempty"`
	StreamingMetrics *model.StreamingMetrics `json:"streaming_metrics,omitempty"`
	// Tokens is the number of tokens a chunk carries; 0 counts as one.
	Tokens int `json:"-"`
}

// UpdateOptions qualifies an Update call.
type UpdateOptions struct {
	IsChunk    bool
	IsComplete bool
	Metadata   *Metadata
}

// Update is what subscribers receive.
type Update struct {
	TestID   string
	Delta    string
	Progress model.StreamingProgress
	// Final is set once, after the last delta of a run.
	Final  bool
	Status Status
	// Replace carries the full output when a recovery replaced the live
	// state; subscribers should discard what they have.
	Replace bool
	Output  string
}

// Snapshot is a copy of the manager's state.
type Snapshot struct {
	Status   Status
	Output   model.ModelOutputState
	Config   RunConfig
	Metadata Metadata
}

// Record is a persisted output.
type Record struct {
	State    model.ModelOutputState `json:"state"`
	Config   RunConfig              `json:"config"`
	Status   Status                 `json:"status"`
	Metadata Metadata               `json:"metadata"`
	SavedAt  time.Time              `json:"saved_at"`
}

// Options configures a Manager.
type Options struct {
	CoalesceWindow time.Duration
	MaxPending     int
	MaxRecords     int
	MaxAge         time.Duration
}

// Manager owns the single live ModelOutputState.
type Manager struct {
	opts    Options
	records *history.Bounded[Record]
	now     func() time.Time

	mu        sync.Mutex
	status    Status
	state     model.ModelOutputState
	buf       strings.Builder
	config    RunConfig
	meta      Metadata
	coalescer *Coalescer

	subMu   sync.Mutex
	subs    map[int]func(Update)
	nextSub int
}

// NewManager creates a manager persisting outputs in st (nil keeps them in
// memory).
func NewManager(st *storage.Store, opts Options) *Manager {
	if opts.MaxRecords <= 0 {
		opts.MaxRecords = history.DefaultMaxEntries
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = history.DefaultMaxAge
	}
	return &Manager{
		opts: opts,
		records: history.NewBounded(st, storage.KeyModelOutputs, opts.MaxRecords, opts.MaxAge,
			func(r Record) string { return r.State.TestID },
			func(r Record) time.Time { return r.SavedAt }),
		now:    time.Now,
		status: StatusIdle,
		subs:   make(map[int]func(Update)),
	}
}

// SetClock replaces the time source. Used by tests.
func (m *Manager) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
	m.records.SetClock(now)
}

// Load restores persisted outputs.
func (m *Manager) Load(ctx context.Context) {
	m.records.Load(ctx)
}

// CleanupFunc evicts aged persisted outputs; register it with the store.
func (m *Manager) CleanupFunc() storage.CleanupFunc {
	return func(ctx context.Context) error {
		m.records.Cleanup(ctx)
		return nil
	}
}

// Subscribe registers fn for updates and returns a function removing it.
func (m *Manager) Subscribe(fn func(Update)) func() {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	return func() {
		m.subMu.Lock()
		defer m.subMu.Unlock()
		delete(m.subs, id)
	}
}

// IsActive reports whether a run is initialized or streaming.
func (m *Manager) IsActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeLocked()
}

func (m *Manager) activeLocked() bool {
	return m.status == StatusInitialized || m.status == StatusStreaming
}

// State returns a copy of the live state.
func (m *Manager) State() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Manager) snapshotLocked() Snapshot {
	st := m.state
	st.Output = m.buf.String()
	return Snapshot{Status: m.status, Output: st, Config: m.config, Metadata: m.meta}
}

// Initialize starts tracking testID. It fails with ErrRunActive while a
// previous run is initialized or streaming; it never cancels that run.
func (m *Manager) Initialize(_ context.Context, testID string, cfg RunConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.activeLocked() {
		return ErrRunActive
	}
	// Any previous coalescer was closed when its run finished.

	m.status = StatusInitialized
	m.config = cfg
	m.meta = Metadata{}
	m.buf.Reset()
	m.state = model.ModelOutputState{
		TestID: testID,
		Streaming: model.StreamingState{
			StreamingProgress: model.StreamingProgress{StartTime: m.now()},
		},
	}
	m.coalescer = NewCoalescer(m.opts.CoalesceWindow, m.opts.MaxPending, m.publishDelta(testID))
	return nil
}

func (m *Manager) publishDelta(testID string) func(string) {
	return func(delta string) {
		m.mu.Lock()
		progress := m.state.Streaming.StreamingProgress
		m.mu.Unlock()
		m.notify(Update{TestID: testID, Delta: delta, Progress: progress, Status: StatusStreaming})
	}
}

// Update feeds content into the run. A chunk is appended and published
// through the coalescer; IsComplete finalizes the output. For a run that
// streamed nothing, the completing content becomes the output.
func (m *Manager) Update(ctx context.Context, content string, opts UpdateOptions) error {
	m.mu.Lock()
	switch m.status {
	case StatusIdle:
		m.mu.Unlock()
		return ErrNoRun
	case StatusCompleted, StatusErrored:
		m.mu.Unlock()
		return ErrRunFinished
	}

	c := m.coalescer
	if opts.IsChunk {
		now := m.now()
		p := &m.state.Streaming.StreamingProgress
		if m.status == StatusInitialized {
			p.FirstTokenLatency = now.Sub(p.StartTime)
		}
		tokens := 1
		if opts.Metadata != nil && opts.Metadata.Tokens > 0 {
			tokens = opts.Metadata.Tokens
		}
		p.TokensReceived += tokens
		p.Duration = now.Sub(p.StartTime)
		m.buf.WriteString(content)
		m.status = StatusStreaming
		m.state.Streaming.IsStreaming = true
	}
	if !opts.IsComplete {
		m.mu.Unlock()
		if opts.IsChunk {
			c.Push(content)
		}
		return nil
	}

	if !opts.IsChunk && m.status == StatusInitialized {
		m.buf.WriteString(content)
	}
	m.mergeMetadataLocked(opts.Metadata)
	m.mu.Unlock()

	if opts.IsChunk {
		c.Push(content)
	}
	m.finish(ctx, StatusCompleted, "")
	return nil
}

// CompleteStreaming finalizes a streaming run and attaches metrics. Zero
// fields in metrics are filled from the observed progress.
func (m *Manager) CompleteStreaming(ctx context.Context, metrics model.StreamingMetrics) error {
	m.mu.Lock()
	if !m.activeLocked() {
		err := ErrNoRun
		if m.status != StatusIdle {
			err = ErrRunFinished
		}
		m.mu.Unlock()
		return err
	}

	p := m.state.Streaming.StreamingProgress
	if metrics.TokensReceived == 0 {
		metrics.TokensReceived = p.TokensReceived
	}
	if metrics.FirstTokenLatency == 0 {
		metrics.FirstTokenLatency = p.FirstTokenLatency
	}
	if metrics.Duration == 0 {
		metrics.Duration = m.now().Sub(p.StartTime)
	}
	if metrics.TokensPerSecond == 0 && metrics.Duration > 0 {
		metrics.TokensPerSecond = float64(metrics.TokensReceived) / metrics.Duration.Seconds()
	}
	m.meta.StreamingMetrics = &metrics
	m.state.Streaming.StreamingProgress.Duration = metrics.Duration
	m.mu.Unlock()

	m.finish(ctx, StatusCompleted, "")
	return nil
}

// HandleStreamingError moves the run to Errored. Output received so far is
// kept and persisted as a partial result.
func (m *Manager) HandleStreamingError(ctx context.Context, cause error) (Snapshot, error) {
	return m.FailWithOutput(ctx, "", cause)
}

// FailWithOutput is HandleStreamingError for runs whose text arrives in one
// piece, such as a tool loop that stopped part way. partial becomes the
// output only when nothing was streamed into the run.
func (m *Manager) FailWithOutput(ctx context.Context, partial string, cause error) (Snapshot, error) {
	m.mu.Lock()
	if !m.activeLocked() {
		snap := m.snapshotLocked()
		m.mu.Unlock()
		if snap.Status == StatusIdle {
			return snap, ErrNoRun
		}
		return snap, ErrRunFinished
	}
	if m.buf.Len() == 0 {
		m.buf.WriteString(partial)
	}
	m.mu.Unlock()

	msg := "unknown streaming error"
	if cause != nil {
		msg = cause.Error()
	}
	m.finish(ctx, StatusErrored, msg)
	return m.State(), nil
}

// finish closes the coalescer (publishing any tail), freezes the state,
// persists it and notifies subscribers.
func (m *Manager) finish(ctx context.Context, status Status, errMsg string) {
	m.mu.Lock()
	c := m.coalescer
	m.mu.Unlock()
	if c != nil {
		c.Close()
	}

	m.mu.Lock()
	m.status = status
	m.state.Streaming.IsStreaming = false
	if errMsg != "" {
		m.state.LastError = errMsg
	}
	snap := m.snapshotLocked()
	m.mu.Unlock()

	m.records.Put(ctx, Record{
		State:    snap.Output,
		Config:   snap.Config,
		Status:   snap.Status,
		Metadata: snap.Metadata,
		SavedAt:  m.now(),
	})
	m.notify(Update{
		TestID:   snap.Output.TestID,
		Final:    true,
		Status:   status,
		Progress: snap.Output.Streaming.StreamingProgress,
	})
}

func (m *Manager) mergeMetadataLocked(md *Metadata) {
	if md == nil {
		return
	}
	if md.Usage != nil {
		u := *md.Usage
		m.meta.Usage = &u
	}
	if md.StreamingMetrics != nil {
		sm := *md.StreamingMetrics
		m.meta.StreamingMetrics = &sm
	}
}

// HandleDisplayError handles a failure rendering the output. It restores the
// last good persisted output for the current run (or the most recent one)
// and republishes it. It reports whether recovery succeeded.
func (m *Manager) HandleDisplayError(ctx context.Context, cause error, where string) bool {
	output.Logger.Warn("Output display failed, attempting recovery", "context", where, "error", cause)

	m.mu.Lock()
	if m.activeLocked() {
		// The live buffer is authoritative; resend all of it.
		snap := m.snapshotLocked()
		m.mu.Unlock()
		m.notify(Update{TestID: snap.Output.TestID, Replace: true, Output: snap.Output.Output,
			Status: snap.Status, Progress: snap.Output.Streaming.StreamingProgress})
		return true
	}
	testID := m.state.TestID
	m.mu.Unlock()

	if m.RestoreState(ctx, testID) || (testID != "" && m.RestoreState(ctx, "")) {
		return true
	}

	m.mu.Lock()
	if cause != nil {
		m.state.LastError = cause.Error()
	}
	m.mu.Unlock()
	return false
}

// RestoreState loads a persisted output into the live state: the one for
// testID, or the most recent when testID is empty. An unknown testID restores
// nothing. It refuses to replace an active run.
func (m *Manager) RestoreState(_ context.Context, testID string) bool {
	var (
		rec Record
		ok  bool
	)
	if testID == "" {
		rec, ok = m.records.Current()
	} else {
		rec, ok = m.records.Get(testID)
	}
	if !ok {
		return false
	}

	m.mu.Lock()
	if m.activeLocked() {
		m.mu.Unlock()
		return false
	}
	m.coalescer = nil
	m.status = rec.Status
	m.config = rec.Config
	m.meta = rec.Metadata
	m.state = rec.State
	m.state.Streaming.IsStreaming = false
	m.buf.Reset()
	m.buf.WriteString(rec.State.Output)
	snap := m.snapshotLocked()
	m.mu.Unlock()

	m.notify(Update{TestID: snap.Output.TestID, Replace: true, Output: snap.Output.Output,
		Status: snap.Status, Progress: snap.Output.Streaming.StreamingProgress, Final: true})
	return true
}

// Records returns persisted outputs, oldest first.
func (m *Manager) Records() []Record {
	return m.records.Values()
}

func (m *Manager) notify(u Update) {
	m.subMu.Lock()
	fns := make([]func(Update), 0, len(m.subs))
	for _, fn := range m.subs {
		fns = append(fns, fn)
	}
	m.subMu.Unlock()

	for _, fn := range fns {
		fn(u)
	}
}
