package deploy

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/bgdnvk/stormcloud/internal/permissions"
	"github.com/bgdnvk/stormcloud/internal/stream"
	"github.com/sirupsen/logrus"
)

type State int

const (
	StateIdle State = iota
	StateGrantingPermissions
	StateBuilding
	StatePushing
	StateDeploying
	StateWiringCI
	StateSucceeded
	StateFailed
)

var stateNames = [...]string{
	StateIdle:                "Idle",
	StateGrantingPermissions: "GrantingPermissions",
	StateBuilding:            "Building",
	StatePushing:             "Pushing",
	StateDeploying:           "Deploying",
	StateWiringCI:            "WiringCI",
	StateSucceeded:           "Succeeded",
	StateFailed:              "Failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "Unknown"
	}
	return stateNames[s]
}

func (s State) Terminal() bool { return s == StateSucceeded || s == StateFailed }

var phaseStates = map[Phase]State{
	PhaseBuild:  StateBuilding,
	PhasePush:   StatePushing,
	PhaseDeploy: StateDeploying,
	PhaseWireCI: StateWiringCI,
}

// Outcome is the result of one pipeline run.
type Outcome struct {
	Succeeded bool
	Address   string
	Events    []stream.Event
	State     State
	States    []State
	Grants    permissions.GrantRecord
}

// Granter runs the permission grant stage. *permissions.Stage satisfies it.
type Granter interface {
	Run(ctx context.Context, projectID string, keys []string, emit stream.Emitter) (permissions.GrantRecord, error)
}

// Pipeline runs the grant stage and then the build-and-deploy stage for one
// request. A Pipeline holds no per-run state and may be shared.
type Pipeline struct {
	Grants Granter
	Keys   []string
	Stage  *Stage
	Log    logrus.FieldLogger
}

func NewPipeline(grants Granter, keys []string, stage *Stage, log logrus.FieldLogger) *Pipeline {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if keys == nil {
		keys = permissions.DefaultKeys()
	}
	keys = permissions.NormalizeKeys(keys)
	return &Pipeline{Grants: grants, Keys: keys, Stage: stage, Log: log}
}

// run is the per-invocation state: the single actor that advances the state
// machine and the recorded history.
type run struct {
	mu     sync.Mutex
	out    Outcome
	failed bool
	emit   stream.Emitter
}

func (r *run) record(events ...stream.Event) {
	r.mu.Lock()
	r.out.Events = append(r.out.Events, events...)
	if stream.HasError(events) {
		r.failed = true
	}
	r.mu.Unlock()
	r.emit(events...)
}

func (r *run) enter(s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.out.State == s || r.out.State.Terminal() {
		return
	}
	r.out.State = s
	r.out.States = append(r.out.States, s)
}

func (r *run) finish(succeeded bool) Outcome {
	if succeeded {
		r.enter(StateSucceeded)
	} else {
		r.enter(StateFailed)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.out.Succeeded = succeeded
	return r.out
}

// Run executes the request. Every event is forwarded to emit and also kept
// in the outcome. The run fails at the first ERROR event.
func (p *Pipeline) Run(ctx context.Context, req *Request, emit stream.Emitter) Outcome {
	if emit == nil {
		emit = stream.Discard
	}
	start := time.Now()
	r := &run{emit: emit, out: Outcome{State: StateIdle, States: []State{StateIdle}, Grants: permissions.GrantRecord{}}}
	log := p.Log.WithFields(logrus.Fields{"project": req.Project, "service": req.Service(), "attempt": req.Attempt})

	stage := *p.Stage
	stage.OnPhase = func(ph Phase) {
		if s, ok := phaseStates[ph]; ok {
			r.enter(s)
		}
	}

	out := p.run(ctx, req, r, &stage, log)
	stage.observer().RunDone(out.Succeeded, time.Since(start))
	log.WithFields(logrus.Fields{"state": out.State.String(), "address": out.Address}).Info("pipeline finished")
	return out
}

func (p *Pipeline) run(ctx context.Context, req *Request, r *run, stage *Stage, log logrus.FieldLogger) Outcome {
	if !stage.Validate(req, r.record) {
		return r.finish(false)
	}

	r.enter(StateGrantingPermissions)
	if p.Grants != nil && len(p.Keys) > 0 {
		r.record(stream.Info("Ensuring required APIs and permissions on project %s...", req.Project))
		start := time.Now()
		grants, err := p.Grants.Run(ctx, req.Project, p.Keys, r.record)
		stage.observer().PhaseDone(PhaseGrant, time.Since(start), err)
		r.mu.Lock()
		r.out.Grants = grants
		r.mu.Unlock()
		if err != nil {
			log.WithError(err).Info("permission grant failed")
			r.record(stream.Error("Permission setup failed: %v", err))
			return r.finish(false)
		}
		if missing := grants.Missing(p.Keys); len(missing) > 0 {
			r.record(stream.Error("Permission setup incomplete, missing: %s", strings.Join(missing, ", ")))
			return r.finish(false)
		}
		r.record(stream.Success("Required APIs and permissions are in place."))
	}

	res := stage.Execute(ctx, req, r.record)
	r.mu.Lock()
	failed := r.failed || res.Failed()
	addr, ok := ExtractAddress(r.out.Events)
	r.out.Address = addr
	r.mu.Unlock()
	if failed || !ok {
		if !failed {
			r.record(stream.Error("Deployment finished without a service address."))
		}
		return r.finish(false)
	}
	return r.finish(true)
}

// Failed reports whether the outcome is a failure.
func (o Outcome) Failed() bool { return !o.Succeeded }

// LastError returns the message of the last ERROR event, if any.
func (o Outcome) LastError() string {
	for i := len(o.Events) - 1; i >= 0; i-- {
		if o.Events[i].Level == stream.LevelError {
			return o.Events[i].Message
		}
	}
	return ""
}
