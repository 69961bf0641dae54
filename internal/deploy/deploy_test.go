package deploy

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bgdnvk/stormcloud/internal/permissions"
	"github.com/bgdnvk/stormcloud/internal/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	mu       sync.Mutex
	calls    []string
	buildErr error
	pushErr  error
	deploy   string
	deployFn func(ctx context.Context) (string, error)
	ciErr    error
}

func (f *fakeBackend) called(name string) {
	f.mu.Lock()
	f.calls = append(f.calls, name)
	f.mu.Unlock()
}

func (f *fakeBackend) Build(_ context.Context, spec BuildSpec) (ImageRef, error) {
	f.called("build")
	if f.buildErr != nil {
		return ImageRef{}, f.buildErr
	}
	return ImageRef{Repository: "us-central1-docker.pkg.dev/demo/cloud-run-source-deploy", Name: spec.Service, Tag: "b1"}, nil
}

func (f *fakeBackend) Push(context.Context, ImageRef) error {
	f.called("push")
	return f.pushErr
}

func (f *fakeBackend) Deploy(ctx context.Context, _ ImageRef, _ ServiceSpec) (string, error) {
	f.called("deploy")
	if f.deployFn != nil {
		return f.deployFn(ctx)
	}
	return f.deploy, nil
}

func (f *fakeBackend) WireCI(context.Context, BuildSpec, ServiceSpec) error {
	f.called("ci")
	return f.ciErr
}

type fakeGranter struct {
	err   error
	keys  []string
	skip  string
	calls int
}

func (g *fakeGranter) Run(_ context.Context, _ string, keys []string, emit stream.Emitter) (permissions.GrantRecord, error) {
	g.calls++
	g.keys = keys
	rec := permissions.GrantRecord{}
	if g.err != nil {
		return rec, g.err
	}
	for _, k := range keys {
		if k == g.skip {
			continue
		}
		rec[k] = true
		emit(stream.Granted(k))
	}
	return rec, nil
}

func validRequest() *Request {
	req := &Request{
		Project:        "demo",
		SourceRef:      SourceRef{RepoURL: "https://github.com/acme/app"},
		DeploymentType: DeploymentNew,
		ServiceName:    "my-service",
		Region:         "us-central1",
		BuildStrategy:  StrategyBuildpacks,
	}
	req.Normalize()
	return req
}

func newTestPipeline(b Backend, g Granter) *Pipeline {
	return NewPipeline(g, nil, NewStage(b, time.Second, nil), nil)
}

func TestPipeline_Success(t *testing.T) {
	b := &fakeBackend{deploy: "https://my-service-42.us-central1.run.app"}
	var events []stream.Event

	out := newTestPipeline(b, &fakeGranter{}).Run(context.Background(), validRequest(), func(e ...stream.Event) { events = append(events, e...) })

	require.True(t, out.Succeeded)
	assert.Equal(t, "https://my-service-42.us-central1.run.app", out.Address)
	assert.Equal(t, StateSucceeded, out.State)
	assert.Equal(t, []State{StateIdle, StateGrantingPermissions, StateBuilding, StatePushing, StateDeploying, StateSucceeded}, out.States)
	assert.Equal(t, []string{"build", "push", "deploy"}, b.calls)
	assert.Equal(t, events, out.Events)
	assert.False(t, stream.HasError(out.Events))

	var urls int
	for _, e := range out.Events {
		if e.Level == stream.LevelSuccess && strings.Contains(e.Message, "URL: ") {
			urls++
			assert.Equal(t, "Service deployed successfully. URL: https://my-service-42.us-central1.run.app", e.Message)
		}
	}
	assert.Equal(t, 1, urls)
	assert.True(t, out.Grants.Complete(permissions.DefaultKeys()))
}

func TestPipeline_DockerfileWithoutPathMakesNoCalls(t *testing.T) {
	b := &fakeBackend{deploy: "https://x.run.app"}
	g := &fakeGranter{}
	req := validRequest()
	req.BuildStrategy = StrategyDockerfile

	out := newTestPipeline(b, g).Run(context.Background(), req, nil)

	assert.False(t, out.Succeeded)
	assert.Equal(t, StateFailed, out.State)
	assert.Empty(t, b.calls)
	assert.Zero(t, g.calls)
	assert.Contains(t, out.LastError(), "dockerfile path")
}

func TestPipeline_BuildDiagnosticIsVerbatim(t *testing.T) {
	diag := "Build failed: 'gunicorn' command not found. Procfile may be misconfigured."
	b := &fakeBackend{buildErr: &BuildError{Diagnostic: diag}}

	out := newTestPipeline(b, &fakeGranter{}).Run(context.Background(), validRequest(), nil)

	assert.False(t, out.Succeeded)
	assert.Equal(t, diag, out.LastError())
	assert.Equal(t, []string{"build"}, b.calls)
	assert.Equal(t, StateBuilding, out.States[len(out.States)-2])

	var errs int
	for _, e := range out.Events {
		if e.Level == stream.LevelError {
			errs++
		}
	}
	assert.Equal(t, 1, errs)
}

func TestPipeline_PushFailureStopsBeforeDeploy(t *testing.T) {
	b := &fakeBackend{pushErr: errors.New("registry unavailable")}

	out := newTestPipeline(b, &fakeGranter{}).Run(context.Background(), validRequest(), nil)

	assert.False(t, out.Succeeded)
	assert.Equal(t, []string{"build", "push"}, b.calls)
	assert.Equal(t, "Push failed: registry unavailable", out.LastError())
}

func TestPipeline_GrantFailureStopsBeforeBuild(t *testing.T) {
	b := &fakeBackend{deploy: "https://x.run.app"}
	g := &fakeGranter{err: &permissions.StageError{Key: "iam", Err: errors.New("denied")}}

	out := newTestPipeline(b, g).Run(context.Background(), validRequest(), nil)

	assert.False(t, out.Succeeded)
	assert.Empty(t, b.calls)
	assert.Equal(t, []State{StateIdle, StateGrantingPermissions, StateFailed}, out.States)
	assert.Contains(t, out.LastError(), "granting iam: denied")
}

func TestPipeline_IncompleteGrantFails(t *testing.T) {
	b := &fakeBackend{deploy: "https://x.run.app"}

	out := newTestPipeline(b, &fakeGranter{skip: "iam"}).Run(context.Background(), validRequest(), nil)

	assert.False(t, out.Succeeded)
	assert.Empty(t, b.calls)
	assert.Contains(t, out.LastError(), "missing: iam")
}

func TestPipeline_CIFailureIsWarning(t *testing.T) {
	b := &fakeBackend{deploy: "https://x.run.app", ciErr: errors.New("no github connection")}
	req := validRequest()
	req.EnableCI = true

	out := newTestPipeline(b, &fakeGranter{}).Run(context.Background(), req, nil)

	require.True(t, out.Succeeded)
	assert.Contains(t, out.States, StateWiringCI)
	last := out.Events[len(out.Events)-1]
	assert.Equal(t, stream.LevelWarn, last.Level)
	assert.Contains(t, last.Message, "no github connection")
}

func TestPipeline_DeployTimeout(t *testing.T) {
	b := &fakeBackend{deployFn: func(ctx context.Context) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}}
	p := NewPipeline(&fakeGranter{}, nil, NewStage(b, 20*time.Millisecond, nil), nil)

	out := p.Run(context.Background(), validRequest(), nil)

	assert.False(t, out.Succeeded)
	assert.Equal(t, "Deploy failed: deploy phase timed out after 20ms", out.LastError())
}

func TestPipeline_EmptyAddressFails(t *testing.T) {
	out := newTestPipeline(&fakeBackend{}, &fakeGranter{}).Run(context.Background(), validRequest(), nil)

	assert.False(t, out.Succeeded)
	assert.Contains(t, out.LastError(), "no service address")
}

func TestPipeline_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	b := &fakeBackend{deploy: "https://x.run.app"}

	out := newTestPipeline(b, nil).Run(ctx, validRequest(), nil)

	assert.False(t, out.Succeeded)
	assert.Empty(t, b.calls)
	assert.Contains(t, out.LastError(), "build phase cancelled")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(r *Request)
		want   string
	}{
		{"ok", func(*Request) {}, ""},
		{"existing without id", func(r *Request) { r.DeploymentType = DeploymentExisting }, "existing service is required"},
		{"bad name", func(r *Request) { r.ServiceName = "My_Service" }, "lowercase DNS label"},
		{"name too long", func(r *Request) { r.ServiceName = "a" + strings.Repeat("b", 63) }, "lowercase DNS label"},
		{"empty name", func(r *Request) { r.ServiceName = "" }, "service name is required"},
		{"duplicate env", func(r *Request) { r.EnvironmentVariables = []EnvVar{{Key: "A"}, {Key: "A"}} }, "more than once"},
		{"min above max", func(r *Request) { r.MinInstances, r.MaxInstances = 3, 1 }, "exceeds max"},
		{"unbounded max", func(r *Request) { r.MinInstances, r.MaxInstances = 3, 0 }, ""},
		{"max instances too large", func(r *Request) { r.MaxInstances = 5000 }, "must not exceed 1000"},
		{"min instances too large", func(r *Request) { r.MinInstances = MaxInstanceLimit + 1 }, "must not exceed 1000"},
		{"retries at limit", func(r *Request) { r.IsAutonomousMode, r.MaxRetries = true, MaxRetriesLimit }, ""},
		{"too many retries", func(r *Request) { r.IsAutonomousMode, r.MaxRetries = true, 5000 }, "between 1 and 10"},
		{"secret clash", func(r *Request) {
			r.EnvironmentVariables = []EnvVar{{Key: "DB"}}
			r.Secrets = []SecretMount{{Name: "db-pass", EnvVarName: "DB"}}
		}, "both an environment variable and a secret"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := validRequest()
			tt.mutate(r)
			err := r.Validate()
			if tt.want == "" {
				assert.NoError(t, err)
				return
			}
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestNormalize_AutonomousDefaultsRetries(t *testing.T) {
	r := &Request{IsAutonomousMode: true}
	r.Normalize()
	assert.Equal(t, DefaultMaxRetries, r.MaxRetries)
	assert.Equal(t, "main", r.Branch)
	assert.Equal(t, DeploymentNew, r.DeploymentType)
	assert.Equal(t, StrategyBuildpacks, r.BuildStrategy)
}

func TestExtractAddress_FromMessage(t *testing.T) {
	events := []stream.Event{
		stream.Info("Deploying service to Cloud Run..."),
		stream.Success("Service deployed successfully. URL: https://svc-1.europe-west1.run.app"),
	}
	addr, ok := ExtractAddress(events)
	require.True(t, ok)
	assert.Equal(t, "https://svc-1.europe-west1.run.app", addr)

	_, ok = ExtractAddress(events[:1])
	assert.False(t, ok)
}
