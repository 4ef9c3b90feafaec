package provision

import (
	"sync"
	"time"
)

// Step names, in pipeline order.
const (
	StepLoadManifest     = "load_manifest"
	StepSelectArtifacts  = "select_artifacts"
	StepResolveTransport = "resolve_transport"
	StepEnsureFuses      = "ensure_fuses"
	StepGeneratePayload  = "generate_factory_payload"
	StepVerifyPayload    = "verify_payload_roundtrip"
	StepEncryptPayload   = "encrypt_payload"
	StepValidatePlan     = "validate_flash_plan"
	StepInvokeFlashTool  = "invoke_flash_tool"
	StepWifiHandoff      = "wifi_handoff"
	StepWriteAudit       = "write_audit_entry"
)

// StepStatus is the state of one pipeline step.
type StepStatus string

const (
	StepRunning StepStatus = "started"
	StepOK      StepStatus = "ok"
	StepSkipped StepStatus = "skipped"
	StepWarning StepStatus = "warning"
	StepFailed  StepStatus = "failed"
)

// StepRecord is one step in the run's progress log.
type StepRecord struct {
	Step     string
	Status   StepStatus
	Message  string
	Started  time.Time
	Duration time.Duration
}

// Progress is a copy of a run's step log.
type Progress struct {
	RunID   string
	Current string
	Steps   []StepRecord
	Done    bool
	Elapsed time.Duration
}

// Count returns how many steps ended with status.
func (p Progress) Count(status StepStatus) int {
	n := 0
	for _, s := range p.Steps {
		if s.Status == status {
			n++
		}
	}
	return n
}

// FailedStep returns the first step that failed, if any.
func (p Progress) FailedStep() (StepRecord, bool) {
	for _, s := range p.Steps {
		if s.Status == StepFailed && s.Step != StepWriteAudit {
			return s, true
		}
	}
	return StepRecord{}, false
}

// Tracker accumulates step transitions for one run.
type Tracker struct {
	mu sync.Mutex

	runID     string
	startTime time.Time
	endTime   time.Time
	steps     []StepRecord
	open      map[string]int
	done      bool

	// OnChange, when set, is called with every recorded transition.
	OnChange func(StepRecord)
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		startTime: time.Now(),
		open:      make(map[string]int),
	}
}

func (t *Tracker) start(runID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.runID = runID
	t.startTime = time.Now()
}

// Snapshot returns a copy of the current progress.
func (t *Tracker) Snapshot() Progress {
	t.mu.Lock()
	defer t.mu.Unlock()

	steps := make([]StepRecord, len(t.steps))
	copy(steps, t.steps)

	var current string
	for i := len(steps) - 1; i >= 0; i-- {
		if steps[i].Status == StepRunning {
			current = steps[i].Step
			break
		}
	}

	end := time.Now()
	if t.done {
		end = t.endTime
	}

	return Progress{
		RunID:   t.runID,
		Current: current,
		Steps:   steps,
		Done:    t.done,
		Elapsed: end.Sub(t.startTime),
	}
}

// Begin marks step as running.
func (t *Tracker) Begin(step string) {
	t.mu.Lock()
	rec := StepRecord{Step: step, Status: StepRunning, Started: time.Now()}
	t.steps = append(t.steps, rec)
	t.open[step] = len(t.steps) - 1
	cb := t.OnChange
	t.mu.Unlock()

	if cb != nil {
		cb(rec)
	}
}

// Finish closes step with status. A step that was never begun is recorded
// as an instantaneous transition.
func (t *Tracker) Finish(step string, status StepStatus, msg string) StepRecord {
	t.mu.Lock()
	now := time.Now()
	var rec StepRecord
	if i, ok := t.open[step]; ok {
		delete(t.open, step)
		t.steps[i].Status = status
		t.steps[i].Message = msg
		t.steps[i].Duration = now.Sub(t.steps[i].Started)
		rec = t.steps[i]
	} else {
		rec = StepRecord{Step: step, Status: status, Message: msg, Started: now}
		t.steps = append(t.steps, rec)
	}
	cb := t.OnChange
	t.mu.Unlock()

	if cb != nil {
		cb(rec)
	}
	return rec
}

func (t *Tracker) finishRun() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.done = true
	t.endTime = time.Now()
}
