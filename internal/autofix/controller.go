package autofix

import (
	"context"
	"errors"

	"github.com/bgdnvk/stormcloud/internal/deploy"
	"github.com/bgdnvk/stormcloud/internal/stream"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Reason says why a session ended.
type Reason string

const (
	ReasonSucceeded   Reason = "succeeded"
	ReasonFailed      Reason = "failed"
	ReasonOracleError Reason = "oracle_error"
	ReasonNoFix       Reason = "no_fix"
	ReasonBadFix      Reason = "invalid_fix"
	ReasonApplyFailed Reason = "apply_failed"
	ReasonExhausted   Reason = "exhausted"
	ReasonCancelled   Reason = "cancelled"
)

// Session is one or more pipeline runs for a single request.
type Session struct {
	ID          uuid.UUID
	Request     *deploy.Request
	MaxAttempts int
	Attempt     int
	LastFix     *SuggestedFix
}

// NewSession copies req. Every session starts at attempt zero, whatever the
// request carries. In autonomous mode the attempt bound is the request's
// MaxRetries, defaulting to deploy.DefaultMaxRetries.
func NewSession(req *deploy.Request) *Session {
	s := &Session{ID: uuid.New(), Request: req.Clone()}
	s.Request.Attempt = 0
	if req.IsAutonomousMode {
		s.MaxAttempts = req.MaxRetries
		if s.MaxAttempts <= 0 {
			s.MaxAttempts = deploy.DefaultMaxRetries
		}
	}
	return s
}

// Result is the terminal state of a session.
type Result struct {
	Outcome  deploy.Outcome
	Reason   Reason
	Attempts int
	LastFix  *SuggestedFix
	Err      error
}

func (r Result) Succeeded() bool { return r.Reason == ReasonSucceeded }

// Metrics receives controller counters. Nil is allowed.
type Metrics interface {
	OracleCalled(result string)
	FixApplied()
}

// Controller closes the feedback loop between failed runs and the oracle.
type Controller struct {
	Runner   Runner
	Oracle   Oracle
	Mutator  SourceMutator
	// Profiler is optional. When set the oracle also sees the repository's
	// key files as they are before each analysis.
	Profiler Profiler
	Log      logrus.FieldLogger
	Metrics  Metrics
}

func NewController(runner Runner, oracle Oracle, mutator SourceMutator, log logrus.FieldLogger) *Controller {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Controller{Runner: runner, Oracle: oracle, Mutator: mutator, Log: log}
}

// Run drives the session to a terminal result. Pipeline events pass straight
// through to emit; the controller adds its own events between runs. The
// oracle only ever sees the events of the run that just failed.
func (c *Controller) Run(ctx context.Context, sess *Session, emit stream.Emitter) Result {
	if emit == nil {
		emit = stream.Discard
	}
	log := c.Log.WithFields(logrus.Fields{"session": sess.ID.String(), "project": sess.Request.Project})

	for {
		req := sess.Request.Clone()
		req.Attempt = sess.Attempt
		out := c.Runner.Run(ctx, req, emit)

		res := Result{Outcome: out, Attempts: sess.Attempt, LastFix: sess.LastFix}
		if out.Succeeded {
			if sess.LastFix != nil {
				emit(stream.Success("Deployment succeeded after applying the suggested fix for %s.", sess.LastFix.FilePath))
			}
			res.Reason = ReasonSucceeded
			return res
		}
		if !sess.Request.IsAutonomousMode {
			res.Reason = ReasonFailed
			return res
		}
		if err := ctx.Err(); err != nil {
			emit(stream.Error("Autonomous mode stopped: %v", err))
			res.Reason, res.Err = ReasonCancelled, err
			return res
		}
		if sess.Attempt >= sess.MaxAttempts {
			emit(stream.Error("Autonomous mode gave up after %d attempts.", sess.Attempt))
			log.WithField("attempts", sess.Attempt).Info("autonomous mode exhausted")
			res.Reason = ReasonExhausted
			return res
		}

		emit(stream.Info("Deployment failed. Autonomous mode is analyzing logs..."))
		fix, err := c.Oracle.Propose(ctx, out.Events, c.appContext(ctx, req, log))
		switch {
		case errors.Is(err, ErrNoFix) || (err == nil && fix == nil):
			c.oracleCalled("no_fix")
			emit(stream.Error("Autonomous mode could not find a fix. Please review the logs manually."))
			res.Reason, res.Err = ReasonNoFix, ErrNoFix
			return res
		case err != nil:
			c.oracleCalled("error")
			log.WithError(err).Warn("fix oracle failed")
			emit(stream.Error("Autonomous mode could not analyze the failure: %v", err))
			res.Reason, res.Err = ReasonOracleError, err
			return res
		}
		if err := fix.Validate(); err != nil {
			c.oracleCalled("invalid")
			emit(stream.Error("Autonomous mode received an unusable fix: %v", err))
			res.Reason, res.Err = ReasonBadFix, err
			return res
		}
		c.oracleCalled("fix")

		emit(stream.Info("Applying AI suggested fix for %s...", fix.FilePath))
		if err := c.Mutator.ApplyFix(ctx, req.SourceRef, *fix); err != nil {
			log.WithError(err).WithField("path", fix.FilePath).Warn("applying fix failed")
			emit(stream.Error("Failed to apply the suggested fix for %s: %v", fix.FilePath, err))
			res.Reason, res.Err = ReasonApplyFailed, err
			return res
		}
		if c.Metrics != nil {
			c.Metrics.FixApplied()
		}

		sess.Attempt++
		sess.LastFix = fix
		log.WithFields(logrus.Fields{"attempt": sess.Attempt, "path": fix.FilePath}).Info("fix applied, retrying")
		emit(stream.Success("Fix applied to %s. Retrying deployment (attempt %d of %d)...", fix.FilePath, sess.Attempt, sess.MaxAttempts))
	}
}

func (c *Controller) appContext(ctx context.Context, req *deploy.Request, log logrus.FieldLogger) AppContext {
	app := AppContextFor(req)
	if c.Profiler == nil {
		return app
	}
	profile, err := c.Profiler.Profile(ctx, req.SourceRef)
	if err != nil {
		log.WithError(err).Warn("reading repository for analysis")
		return app
	}
	app.Profile = profile
	return app
}

func (c *Controller) oracleCalled(result string) {
	if c.Metrics != nil {
		c.Metrics.OracleCalled(result)
	}
}
