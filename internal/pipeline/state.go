package pipeline

import (
	"fmt"
	"sync"

	"intakego/internal/apperr"
	"intakego/internal/models"
)

// Stage is the progress of one upload through the pipeline.
type Stage string

const (
	StageIdle         Stage = "idle"
	StageUploading    Stage = "uploading"
	StageTranscribing Stage = "transcribing"
	StageProcessing   Stage = "processing"
	StageComplete     Stage = "complete"
	StageError        Stage = "error"
)

var transitions = map[Stage]map[Stage]bool{
	StageIdle:         {StageUploading: true, StageError: true},
	StageUploading:    {StageTranscribing: true, StageError: true},
	StageTranscribing: {StageProcessing: true, StageError: true},
	StageProcessing:   {StageComplete: true, StageError: true},
	StageComplete:     {},
	StageError:        {},
}

// Terminal reports whether no further transitions are possible without Reset.
func (s Stage) Terminal() bool {
	return s == StageComplete || s == StageError
}

// Observer is told about every stage a run enters.
type Observer func(Stage)

// Run tracks the stage of a single pipeline execution and what it produced.
type Run struct {
	mu       sync.Mutex
	stage    Stage
	result   models.IntakeResult
	failure  *apperr.Error
	observer Observer
}

// NewRun starts in the idle stage.
func NewRun(observer Observer) *Run {
	return &Run{stage: StageIdle, observer: observer}
}

// Stage returns the current stage.
func (r *Run) Stage() Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stage
}

// Transition moves to the next stage, rejecting moves the state machine does not allow.
func (r *Run) Transition(to Stage) error {
	r.mu.Lock()
	if !transitions[r.stage][to] {
		from := r.stage
		r.mu.Unlock()
		return fmt.Errorf("illegal stage transition %s -> %s", from, to)
	}
	r.stage = to
	r.mu.Unlock()
	r.notify(to)
	return nil
}

// Fail moves the run into the error stage and records the payload.
func (r *Run) Fail(err *apperr.Error) error {
	if err := r.Transition(StageError); err != nil {
		return err
	}
	r.mu.Lock()
	r.failure = err
	r.mu.Unlock()
	return nil
}

// Complete records the outputs and moves the run into the complete stage.
func (r *Run) Complete(result models.IntakeResult) error {
	r.mu.Lock()
	if !transitions[r.stage][StageComplete] {
		from := r.stage
		r.mu.Unlock()
		return fmt.Errorf("illegal stage transition %s -> %s", from, StageComplete)
	}
	r.stage = StageComplete
	r.result = result
	r.mu.Unlock()
	r.notify(StageComplete)
	return nil
}

// Reset returns a finished run to idle and discards everything it held.
func (r *Run) Reset() error {
	r.mu.Lock()
	if !r.stage.Terminal() {
		from := r.stage
		r.mu.Unlock()
		return fmt.Errorf("cannot reset from %s", from)
	}
	r.stage = StageIdle
	r.result = models.IntakeResult{}
	r.failure = nil
	r.mu.Unlock()
	r.notify(StageIdle)
	return nil
}

// Result returns the outputs of a completed run.
func (r *Run) Result() models.IntakeResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result
}

// Failure returns the error recorded by Fail, if any.
func (r *Run) Failure() *apperr.Error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failure
}

func (r *Run) notify(s Stage) {
	if r.observer != nil {
		r.observer(s)
	}
}
