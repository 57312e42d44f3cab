package toolexec

import "sync"

const (
	AdvisoryDeterminismDisabled = "Determinism evaluation was turned off: it cannot run together with tool execution."
	AdvisoryToolsDisabled       = "Tool execution was turned off: it cannot run together with determinism evaluation."
)

// Modes holds the two mutually exclusive run modes. Enabling one while the
// other is on turns the other off and yields an advisory, at most once per
// direction.
type Modes struct {
	mu            sync.Mutex
	toolExecution bool
	determinism   bool
	shown         map[string]bool
	notices       []string
}

func NewModes() *Modes {
	return &Modes{shown: make(map[string]bool)}
}

// EnableToolExecution turns tool execution on. It returns the advisory when
// this call disabled determinism evaluation for the first time, "" otherwise.
func (m *Modes) EnableToolExecution() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.toolExecution = true
	if !m.determinism {
		return ""
	}
	m.determinism = false
	return m.adviseLocked(AdvisoryDeterminismDisabled)
}

// EnableDeterminism is the mirror of EnableToolExecution.
func (m *Modes) EnableDeterminism() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.determinism = true
	if !m.toolExecution {
		return ""
	}
	m.toolExecution = false
	return m.adviseLocked(AdvisoryToolsDisabled)
}

func (m *Modes) DisableToolExecution() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.toolExecution = false
}

func (m *Modes) DisableDeterminism() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.determinism = false
}

func (m *Modes) ToolExecution() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.toolExecution
}

func (m *Modes) Determinism() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.determinism
}

// Notices returns every advisory emitted so far.
func (m *Modes) Notices() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.notices...)
}

func (m *Modes) adviseLocked(msg string) string {
	if m.shown[msg] {
		return ""
	}
	m.shown[msg] = true
	m.notices = append(m.notices, msg)
	return msg
}
