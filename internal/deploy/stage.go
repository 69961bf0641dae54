package deploy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bgdnvk/stormcloud/internal/stream"
	"github.com/sirupsen/logrus"
)

type Phase string

const (
	PhaseValidate Phase = "validate"
	PhaseGrant    Phase = "grant"
	PhaseBuild    Phase = "build"
	PhasePush     Phase = "push"
	PhaseDeploy   Phase = "deploy"
	PhaseWireCI   Phase = "ci"
)

// Observer receives phase and run timings. Implementations must be safe
// for concurrent sessions.
type Observer interface {
	PhaseDone(phase Phase, took time.Duration, err error)
	RunDone(succeeded bool, took time.Duration)
}

type nopObserver struct{}

func (nopObserver) PhaseDone(Phase, time.Duration, error) {}
func (nopObserver) RunDone(bool, time.Duration)           {}

// TimeoutError is a phase whose external call ran out of time.
type TimeoutError struct {
	Phase Phase
	After time.Duration
}

func (e *TimeoutError) Error() string {
	if e.After > 0 {
		return fmt.Sprintf("%s phase timed out after %s", e.Phase, e.After)
	}
	return fmt.Sprintf("%s phase timed out", e.Phase)
}

// StageResult is what the build-and-deploy stage produced.
type StageResult struct {
	Image       ImageRef
	Address     string
	FailedPhase Phase
}

func (r StageResult) Failed() bool { return r.FailedPhase != "" }

// Stage runs validate, build, push, deploy and optionally CI wiring, one
// after the other. Every failure becomes an ERROR event; CI wiring failures
// become a WARN.
type Stage struct {
	Backend     Backend
	CallTimeout time.Duration
	Log         logrus.FieldLogger
	Observer    Observer

	// OnPhase is called when a phase starts.
	OnPhase func(Phase)
}

func NewStage(backend Backend, callTimeout time.Duration, log logrus.FieldLogger) *Stage {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Stage{Backend: backend, CallTimeout: callTimeout, Log: log, Observer: nopObserver{}}
}

// Run validates and then executes the request.
func (s *Stage) Run(ctx context.Context, req *Request, emit stream.Emitter) StageResult {
	if !s.Validate(req, emit) {
		return StageResult{FailedPhase: PhaseValidate}
	}
	return s.Execute(ctx, req, emit)
}

// Validate is the first phase. It makes no external calls.
func (s *Stage) Validate(req *Request, emit stream.Emitter) bool {
	s.enter(PhaseValidate)
	emit(stream.Info("Validating deployment configuration..."))
	if err := req.Validate(); err != nil {
		emit(stream.Error("%v", err))
		s.observer().PhaseDone(PhaseValidate, 0, err)
		return false
	}
	emit(
		stream.Info("Triggering Cloud Build for repository %s", req.SourceRef),
		stream.Info("Using build strategy: %s", req.strategyLabel()),
		stream.Success("%d environment variables and %d secrets configured.", len(req.EnvironmentVariables), len(req.Secrets)),
		stream.Success("Scaling configured: Min Instances=%d, Max Instances=%d.", req.MinInstances, req.MaxInstances),
	)
	s.observer().PhaseDone(PhaseValidate, 0, nil)
	return true
}

// Execute runs build, push, deploy and CI wiring for an already validated
// request.
func (s *Stage) Execute(ctx context.Context, req *Request, emit stream.Emitter) StageResult {
	var res StageResult
	log := s.logger().WithFields(logrus.Fields{"project": req.Project, "service": req.Service(), "attempt": req.Attempt})

	s.enter(PhaseBuild)
	emit(
		stream.Info("Starting build... (Attempt %d)", req.Attempt+1),
		stream.Info("Building container image..."),
	)
	err := s.call(ctx, PhaseBuild, func(ctx context.Context) error {
		img, err := s.Backend.Build(ctx, req.Build())
		res.Image = img
		return err
	})
	if err != nil {
		log.WithError(err).Info("build failed")
		var buildErr *BuildError
		if errors.As(err, &buildErr) {
			emit(stream.Error("%s", buildErr.Diagnostic))
		} else {
			emit(stream.Error("Build failed: %v", err))
		}
		res.FailedPhase = PhaseBuild
		return res
	}
	emit(stream.Success("Container image built: %s", res.Image))

	s.enter(PhasePush)
	emit(stream.Info("Pushing image to %s...", res.Image.Repository))
	err = s.call(ctx, PhasePush, func(ctx context.Context) error {
		return s.Backend.Push(ctx, res.Image)
	})
	if err != nil {
		log.WithError(err).Info("push failed")
		emit(stream.Error("Push failed: %v", err))
		res.FailedPhase = PhasePush
		return res
	}
	emit(stream.Success("Image pushed to %s", res.Image.Repository))

	s.enter(PhaseDeploy)
	emit(stream.Info("Deploying service to Cloud Run..."))
	err = s.call(ctx, PhaseDeploy, func(ctx context.Context) error {
		addr, err := s.Backend.Deploy(ctx, res.Image, req.ServiceSpec())
		res.Address = addr
		return err
	})
	if err == nil && res.Address == "" {
		err = errors.New("backend returned no service address")
	}
	if err != nil {
		log.WithError(err).Info("deploy failed")
		emit(stream.Error("Deploy failed: %v", err))
		res.FailedPhase = PhaseDeploy
		return res
	}
	done := stream.Success("%s", SuccessMessage(res.Address))
	done.Address = res.Address
	emit(done)

	if !req.EnableCI {
		return res
	}
	s.enter(PhaseWireCI)
	emit(stream.Info("Continuous Deployment enabled. Creating Cloud Build trigger..."))
	err = s.call(ctx, PhaseWireCI, func(ctx context.Context) error {
		return s.Backend.WireCI(ctx, req.Build(), req.ServiceSpec())
	})
	if err != nil {
		log.WithError(err).Warn("continuous deployment wiring failed")
		emit(stream.Warn("Continuous deployment could not be configured: %v. The service itself is deployed.", err))
		return res
	}
	emit(stream.Success("Cloud Build trigger created successfully."))
	return res
}

func (s *Stage) enter(phase Phase) {
	if s.OnPhase != nil {
		s.OnPhase(phase)
	}
}

func (s *Stage) logger() logrus.FieldLogger {
	if s.Log == nil {
		return logrus.StandardLogger()
	}
	return s.Log
}

func (s *Stage) observer() Observer {
	if s.Observer == nil {
		return nopObserver{}
	}
	return s.Observer
}

// call runs one external call under its own timeout. A deadline hit while
// the call was running is reported as a *TimeoutError.
func (s *Stage) call(ctx context.Context, phase Phase, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return interruption(phase, err, 0)
	}
	callCtx := ctx
	cancel := func() {}
	if s.CallTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, s.CallTimeout)
	}
	defer cancel()

	start := time.Now()
	err := fn(callCtx)
	took := time.Since(start)
	if err != nil && callCtx.Err() != nil {
		err = interruption(phase, callCtx.Err(), s.timeoutFor(ctx))
	}
	s.observer().PhaseDone(phase, took, err)
	return err
}

func (s *Stage) timeoutFor(parent context.Context) time.Duration {
	if parent.Err() != nil {
		return 0
	}
	return s.CallTimeout
}

func interruption(phase Phase, cause error, after time.Duration) error {
	if errors.Is(cause, context.DeadlineExceeded) {
		return &TimeoutError{Phase: phase, After: after}
	}
	return fmt.Errorf("%s phase cancelled: %w", phase, cause)
}
