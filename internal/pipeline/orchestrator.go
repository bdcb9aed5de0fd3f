// Package pipeline sequences upload intake, transcription and summarization for
// one request and guarantees the scratch file is gone when it returns.
package pipeline

import (
	"context"

	"intakego/internal/apperr"
	"intakego/internal/logger"
	"intakego/internal/models"
	"intakego/internal/storage"
)

// Intake stores an upload in scratch storage and deletes it again.
type Intake interface {
	Accept(ctx context.Context, up *storage.Upload) (*models.UploadedAudio, error)
	DeleteNow(ctx context.Context, path string) error
}

type Transcriber interface {
	Transcribe(ctx context.Context, path string) (string, error)
}

type Summarizer interface {
	Summarize(ctx context.Context, transcript string) (string, error)
}

// Admission hands out run slots. A nil Admission admits everything.
type Admission interface {
	Acquire(ctx context.Context) (func(), error)
}

// Orchestrator runs the upload pipeline.
type Orchestrator struct {
	intake      Intake
	transcriber Transcriber
	summarizer  Summarizer
	admission   Admission
	logger      logger.Logger
}

func NewOrchestrator(intake Intake, transcriber Transcriber, summarizer Summarizer, admission Admission, log logger.Logger) *Orchestrator {
	if log == nil {
		log = logger.Nop()
	}
	return &Orchestrator{
		intake:      intake,
		transcriber: transcriber,
		summarizer:  summarizer,
		admission:   admission,
		logger:      log,
	}
}

// Process runs one upload through intake, transcription and summarization,
// reporting each stage to observe. The audio file is deleted right after
// transcription, before summarization starts, and on every failure path.
func (o *Orchestrator) Process(ctx context.Context, up *storage.Upload, observe Observer) (*models.IntakeResult, error) {
	run := NewRun(observe)

	if o.admission != nil {
		release, err := o.admission.Acquire(ctx)
		if err != nil {
			return nil, o.fail(ctx, run, err)
		}
		defer release()
	}

	if err := run.Transition(StageUploading); err != nil {
		return nil, o.fail(ctx, run, err)
	}
	audio, err := o.intake.Accept(ctx, up)
	if err != nil {
		return nil, o.fail(ctx, run, err)
	}

	deleted := false
	cleanup := func() {
		if deleted {
			return
		}
		deleted = true
		_ = o.intake.DeleteNow(context.WithoutCancel(ctx), audio.Path)
	}
	defer cleanup()

	if err := run.Transition(StageTranscribing); err != nil {
		return nil, o.fail(ctx, run, err)
	}
	transcript, err := o.transcriber.Transcribe(ctx, audio.Path)
	cleanup()
	if err != nil {
		return nil, o.fail(ctx, run, err)
	}

	if err := run.Transition(StageProcessing); err != nil {
		return nil, o.fail(ctx, run, err)
	}
	formatted, err := o.summarizer.Summarize(ctx, transcript)
	if err != nil {
		return nil, o.fail(ctx, run, err)
	}

	result := models.IntakeResult{Transcription: transcript, FormattedIntake: formatted}
	if err := run.Complete(result); err != nil {
		return nil, o.fail(ctx, run, err)
	}
	o.logger.Info(ctx, "pipeline complete for %q (%d transcript chars, %d intake chars)",
		audio.FileName, len(transcript), len(formatted))
	return &result, nil
}

func (o *Orchestrator) fail(ctx context.Context, run *Run, err error) *apperr.Error {
	appErr := apperr.From(err)
	stage := run.Stage()
	if failErr := run.Fail(appErr); failErr != nil {
		o.logger.Error(ctx, "record failure: %v", failErr)
	}
	if appErr.Kind == apperr.KindValidation {
		o.logger.Warn(ctx, "pipeline rejected at %s: %v", stage, err)
	} else {
		o.logger.Error(ctx, "pipeline failed at %s: %v", stage, err)
	}
	return appErr
}
