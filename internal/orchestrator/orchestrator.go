package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bgdnvk/stormcloud/internal/auth"
	"github.com/bgdnvk/stormcloud/internal/autofix"
	"github.com/bgdnvk/stormcloud/internal/deploy"
	"github.com/bgdnvk/stormcloud/internal/gcp"
	"github.com/bgdnvk/stormcloud/internal/permissions"
	"github.com/bgdnvk/stormcloud/internal/stream"
	"github.com/bgdnvk/stormcloud/internal/telemetry"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ErrInvalidRequest is returned for grant requests that cannot run.
var ErrInvalidRequest = errors.New("invalid request")

// Archiver stores the history of a finished session.
type Archiver interface {
	Store(ctx context.Context, rec gcp.SessionRecord, events []stream.Event) error
}

type Options struct {
	// Keys and Roles are the grant defaults.
	Keys  []string
	Roles []string

	PhaseTimeout   time.Duration
	SessionTimeout time.Duration
	// MaxAttempts applies to autonomous requests that do not set their own.
	MaxAttempts int

	StreamBuffer int
	StallTimeout time.Duration

	Archive Archiver
	Metrics *telemetry.Metrics
}

// Orchestrator starts and tracks sessions. Each session runs on its own
// goroutine and outlives the request that started it.
type Orchestrator struct {
	provider Provider
	opts     Options
	log      logrus.FieldLogger

	mu       sync.Mutex
	sessions map[uuid.UUID]*Session
	wg       sync.WaitGroup
}

func New(provider Provider, opts Options, log logrus.FieldLogger) *Orchestrator {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if len(opts.Keys) == 0 {
		opts.Keys = permissions.DefaultKeys()
	}
	if opts.PhaseTimeout <= 0 {
		opts.PhaseTimeout = 15 * time.Minute
	}
	if opts.SessionTimeout <= 0 {
		opts.SessionTimeout = 30 * time.Minute
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = deploy.DefaultMaxRetries
	}
	return &Orchestrator{
		provider: provider,
		opts:     opts,
		log:      log.WithField("component", "orchestrator"),
		sessions: map[uuid.UUID]*Session{},
	}
}

// StartDeployment validates req and starts a deployment session. Validation
// and authentication failures are returned before anything external is
// called; every later failure is reported on the session's event stream.
func (o *Orchestrator) StartDeployment(ctx context.Context, req *deploy.Request) (*Session, error) {
	principal, err := auth.PrincipalFrom(ctx)
	if err != nil {
		return nil, err
	}
	req = req.Clone()
	// Clients echo autonomousAttempts back; only the controller advances it.
	req.Attempt = 0
	if req.IsAutonomousMode && req.MaxRetries <= 0 {
		req.MaxRetries = o.opts.MaxAttempts
	}
	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, err
	}

	collab, err := o.provider.Collaborators(ctx, principal)
	if err != nil {
		return nil, err
	}

	stage := deploy.NewStage(collab.Backend, o.opts.PhaseTimeout, o.log)
	if o.opts.Metrics != nil {
		stage.Observer = o.opts.Metrics
	}
	grants := permissions.NewStage(collab.Enabler, collab.Policies, collab.Projects, o.opts.Roles, o.log)
	pipeline := deploy.NewPipeline(grants, o.opts.Keys, stage, o.log)
	ctrl := autofix.NewController(pipeline, collab.Oracle, collab.Mutator, o.log)
	ctrl.Profiler = collab.Profiler
	if o.opts.Metrics != nil {
		ctrl.Metrics = o.opts.Metrics
	}
	as := autofix.NewSession(req)

	s := o.newSession(as.ID, KindDeploy, principal, req.Project, req.Service())
	o.launch(ctx, s, collab, func(ctx context.Context, emit stream.Emitter) Result {
		res := ctrl.Run(ctx, as, emit)
		return Result{
			Succeeded: res.Succeeded(),
			Reason:    string(res.Reason),
			Outcome:   res.Outcome,
			Grants:    res.Outcome.Grants,
			Attempts:  res.Attempts,
			LastFix:   res.LastFix,
			Err:       res.Err,
		}
	})
	return s, nil
}

// GrantPermissions starts a session that only runs the permission stage.
// An empty keys list grants the configured defaults.
func (o *Orchestrator) GrantPermissions(ctx context.Context, projectID string, keys []string) (*Session, error) {
	principal, err := auth.PrincipalFrom(ctx)
	if err != nil {
		return nil, err
	}
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return nil, fmt.Errorf("%w: project id is required", ErrInvalidRequest)
	}
	keys = permissions.NormalizeKeys(keys)
	if len(keys) == 0 {
		keys = permissions.NormalizeKeys(o.opts.Keys)
	}

	collab, err := o.provider.Collaborators(ctx, principal)
	if err != nil {
		return nil, err
	}
	grants := permissions.NewStage(collab.Enabler, collab.Policies, collab.Projects, o.opts.Roles, o.log)

	s := o.newSession(uuid.New(), KindGrant, principal, projectID, "")
	o.launch(ctx, s, collab, func(ctx context.Context, emit stream.Emitter) Result {
		record, err := grants.Run(ctx, projectID, keys, emit)
		res := Result{Grants: record, Err: err}
		switch {
		case err != nil:
			emit(stream.Error("Permission setup failed: %v", err))
			res.Reason = string(autofix.ReasonFailed)
		case !record.Complete(keys):
			res.Err = fmt.Errorf("permission setup incomplete, missing: %s", strings.Join(record.Missing(keys), ", "))
			emit(stream.Error("Permission setup incomplete, missing: %s", strings.Join(record.Missing(keys), ", ")))
			res.Reason = string(autofix.ReasonFailed)
		default:
			res.Succeeded = true
			res.Reason = string(autofix.ReasonSucceeded)
		}
		return res
	})
	return s, nil
}

// Session returns a running session.
func (o *Orchestrator) Session(id uuid.UUID) (*Session, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.sessions[id]
	return s, ok
}

// Cancel stops a running session. It reports whether the session was
// found; a session that already ended is not found.
func (o *Orchestrator) Cancel(id uuid.UUID) bool {
	s, ok := o.Session(id)
	if !ok {
		return false
	}
	s.cancel()
	return true
}

// Shutdown cancels every running session and waits for them to end or for
// ctx to expire.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	for _, s := range o.sessions {
		s.cancel()
	}
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) newSession(id uuid.UUID, kind Kind, principal auth.Principal, project, service string) *Session {
	opts := []stream.Option{
		stream.WithBuffer(o.opts.StreamBuffer),
		stream.WithStallTimeout(o.opts.StallTimeout),
		stream.WithLogger(o.log.WithField("session", id.String())),
	}
	if o.opts.Metrics != nil {
		opts = append(opts, stream.WithDropHook(o.opts.Metrics.EventsDropped))
	}
	return &Session{
		ID:        id,
		Kind:      kind,
		Principal: principal,
		Project:   project,
		Service:   service,
		Events:    stream.NewChannel(opts...),
		done:      make(chan struct{}),
	}
}

// launch runs fn on a context that ignores the caller's cancellation but is
// bounded by the session timeout.
func (o *Orchestrator) launch(parent context.Context, s *Session, collab *Collaborators, fn func(context.Context, stream.Emitter) Result) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), o.opts.SessionTimeout)
	s.cancel = cancel
	s.started = time.Now()

	o.mu.Lock()
	o.sessions[s.ID] = s
	o.mu.Unlock()
	o.wg.Add(1)
	o.opts.Metrics.SessionStarted(string(s.Kind))

	log := o.log.WithFields(logrus.Fields{
		"session":   s.ID.String(),
		"kind":      s.Kind,
		"project":   s.Project,
		"principal": s.Principal.Email,
	})
	log.Info("session started")

	go func() {
		defer o.wg.Done()
		defer cancel()

		var history []stream.Event
		emit := func(events ...stream.Event) {
			history = append(history, events...)
			s.Events.Emit(events...)
		}

		res := fn(ctx, emit)
		if res.Reason == string(autofix.ReasonFailed) && errors.Is(ctx.Err(), context.Canceled) {
			res.Reason = string(autofix.ReasonCancelled)
		}
		s.Events.Close()

		o.mu.Lock()
		delete(o.sessions, s.ID)
		o.mu.Unlock()

		if err := collab.Close(); err != nil {
			log.WithError(err).Warn("closing session clients")
		}
		o.archive(s, res, history, log)
		o.opts.Metrics.SessionEnded(string(s.Kind), res.Reason)

		log.WithFields(logrus.Fields{
			"reason":   res.Reason,
			"attempts": res.Attempts,
			"dropped":  s.Events.Dropped(),
			"took":     time.Since(s.started).Round(time.Millisecond),
		}).Info("session ended")

		s.finish(res)
	}()
}

func (o *Orchestrator) archive(s *Session, res Result, history []stream.Event, log logrus.FieldLogger) {
	if o.opts.Archive == nil {
		return
	}
	rec := gcp.SessionRecord{
		Session:   s.ID.String(),
		Principal: s.Principal.Email,
		Project:   s.Project,
		Service:   s.Service,
		Outcome:   res.Reason,
		Attempts:  res.Attempts,
		Address:   res.Outcome.Address,
		Started:   s.started,
		Finished:  time.Now(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := o.opts.Archive.Store(ctx, rec, history); err != nil {
		log.WithError(err).Warn("archiving session")
	}
}
