package observability

import (
	"sync"
	"time"

	"veriflow/pkg/domain"
)

// Snapshot is the side-effect-free view of one instance, served by the query
// handler for dashboards and webhook polling.
type Snapshot struct {
	InstanceID  domain.InstanceID                    `json:"instance_id"`
	SubjectID   domain.SubjectID                     `json:"subject_id"`
	Kind        domain.WorkflowKind                  `json:"kind"`
	TargetTier  domain.Tier                          `json:"target_tier,omitempty"`
	Status      domain.Status                        `json:"status"`
	CurrentStep string                               `json:"current_step,omitempty"`
	Progress    int                                  `json:"progress_percent"`
	StartedAt   time.Time                            `json:"started_at"`
	CompletedAt time.Time                            `json:"completed_at,omitzero"`
	Steps       []domain.StepRecord                  `json:"steps"`
	Results     map[string]domain.VerificationResult `json:"results,omitempty"`
	Errors      []string                             `json:"errors,omitempty"`
}

// Tracker records step-by-step progress of one instance. All methods are
// safe for concurrent use: the workflow goroutine writes, query handlers read.
//
// Invariant: step history is monotonic. A step marked completed is never
// reverted; only a compensation entry may reverse its external effect.
type Tracker struct {
	mu      sync.RWMutex
	snap    Snapshot
	planned int
	index   map[string]int
}

// NewTracker starts tracking an instance over its planned step list. Steps
// discovered later (e.g. compensation) still record; planned only drives the
// progress percentage.
func NewTracker(id domain.InstanceID, subject domain.SubjectID, kind domain.WorkflowKind, plannedSteps int) *Tracker {
	return &Tracker{
		snap: Snapshot{
			InstanceID: id,
			SubjectID:  subject,
			Kind:       kind,
			Status:     domain.StatusPending,
			StartedAt:  time.Now(),
			Results:    make(map[string]domain.VerificationResult),
		},
		planned: plannedSteps,
		index:   make(map[string]int),
	}
}

// SetTargetTier records the tier this instance is working toward.
func (t *Tracker) SetTargetTier(tier domain.Tier) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.snap.TargetTier = tier
}

// SetStatus transitions the overall instance status. Terminal statuses also
// stamp the completion time. Transitions out of a terminal status are ignored.
func (t *Tracker) SetStatus(s domain.Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.snap.Status.IsTerminal() {
		return
	}
	t.snap.Status = s
	if s.IsTerminal() {
		t.snap.CompletedAt = time.Now()
	}
}

// StepStart marks a step running and makes it the current step.
func (t *Tracker) StepStart(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if i, ok := t.index[name]; ok {
		if t.snap.Steps[i].Status == domain.StepCompleted {
			return
		}
		t.snap.Steps[i].Status = domain.StepRunning
		t.snap.Steps[i].StartedAt = time.Now()
	} else {
		t.index[name] = len(t.snap.Steps)
		t.snap.Steps = append(t.snap.Steps, domain.StepRecord{
			Name:      name,
			Status:    domain.StepRunning,
			StartedAt: time.Now(),
		})
	}
	t.snap.CurrentStep = name
}

// StepComplete marks a step done. Completion is final.
func (t *Tracker) StepComplete(name string) {
	t.finish(name, domain.StepCompleted, "")
}

// StepFail marks a step failed with the causing error.
func (t *Tracker) StepFail(name string, err error) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	t.finish(name, domain.StepFailed, msg)
}

// StepSkip records a step the tier configuration excluded. Skipped steps count
// toward progress so tier-conditional plans still reach 100%.
func (t *Tracker) StepSkip(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.index[name]; ok {
		return
	}
	t.index[name] = len(t.snap.Steps)
	t.snap.Steps = append(t.snap.Steps, domain.StepRecord{
		Name:      name,
		Status:    domain.StepSkipped,
		StartedAt: time.Now(),
		EndedAt:   time.Now(),
	})
}

func (t *Tracker) finish(name string, status domain.StepStatus, errMsg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	i, ok := t.index[name]
	if !ok {
		t.index[name] = len(t.snap.Steps)
		t.snap.Steps = append(t.snap.Steps, domain.StepRecord{Name: name, StartedAt: time.Now()})
		i = t.index[name]
	}
	if t.snap.Steps[i].Status == domain.StepCompleted {
		return
	}
	t.snap.Steps[i].Status = status
	t.snap.Steps[i].EndedAt = time.Now()
	t.snap.Steps[i].Error = errMsg
}

// RecordResult stores a provider verification result. Results are immutable
// once recorded; a second write for the same provider is ignored.
func (t *Tracker) RecordResult(provider string, res domain.VerificationResult) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.snap.Results[provider]; exists {
		return
	}
	t.snap.Results[provider] = res
}

// RecordError appends to the instance's error log.
func (t *Tracker) RecordError(err error) {
	if err == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.snap.Errors = append(t.snap.Errors, err.Error())
}

// Snapshot returns a deep copy safe to serialize outside the lock.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := t.snap
	out.Steps = make([]domain.StepRecord, len(t.snap.Steps))
	copy(out.Steps, t.snap.Steps)
	out.Results = make(map[string]domain.VerificationResult, len(t.snap.Results))
	for k, v := range t.snap.Results {
		out.Results[k] = v
	}
	out.Errors = append([]string(nil), t.snap.Errors...)
	out.Progress = t.progressLocked()
	return out
}

func (t *Tracker) progressLocked() int {
	if t.planned <= 0 {
		return 0
	}
	done := 0
	for _, s := range t.snap.Steps {
		if s.Status == domain.StepCompleted || s.Status == domain.StepSkipped {
			done++
		}
	}
	if done > t.planned {
		done = t.planned
	}
	return done * 100 / t.planned
}
