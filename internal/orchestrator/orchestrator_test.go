package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bgdnvk/stormcloud/internal/auth"
	"github.com/bgdnvk/stormcloud/internal/autofix"
	"github.com/bgdnvk/stormcloud/internal/deploy"
	"github.com/bgdnvk/stormcloud/internal/gcp"
	"github.com/bgdnvk/stormcloud/internal/permissions"
	"github.com/bgdnvk/stormcloud/internal/stream"
	"github.com/bgdnvk/stormcloud/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCloud struct {
	mu       sync.Mutex
	builds   int
	failFor  int
	blocking bool
	policy   *permissions.Policy
	enabled  []string
}

func (f *fakeCloud) Build(ctx context.Context, spec deploy.BuildSpec) (deploy.ImageRef, error) {
	f.mu.Lock()
	f.builds++
	n, blocking := f.builds, f.blocking
	f.mu.Unlock()
	if blocking {
		<-ctx.Done()
		return deploy.ImageRef{}, ctx.Err()
	}
	if n <= f.failFor {
		return deploy.ImageRef{}, &deploy.BuildError{Diagnostic: "Build failed: 'gunicorn' command not found. Procfile may be misconfigured."}
	}
	return deploy.ImageRef{Repository: "us-central1-docker.pkg.dev/demo/cloud-run-source-deploy", Name: spec.Service, Tag: "b1"}, nil
}

func (f *fakeCloud) Push(context.Context, deploy.ImageRef) error { return nil }

func (f *fakeCloud) Deploy(_ context.Context, _ deploy.ImageRef, spec deploy.ServiceSpec) (string, error) {
	return gcp.ServiceURL(spec.Name, "42", spec.Region), nil
}

func (f *fakeCloud) WireCI(context.Context, deploy.BuildSpec, deploy.ServiceSpec) error { return nil }

func (f *fakeCloud) Enable(_ context.Context, _ string, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled = append(f.enabled, key)
	return nil
}

func (f *fakeCloud) ProjectNumber(context.Context, string) (string, error) { return "42", nil }

func (f *fakeCloud) GetPolicy(context.Context, string) (*permissions.Policy, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.policy == nil {
		return &permissions.Policy{}, nil
	}
	return f.policy, nil
}

func (f *fakeCloud) SetPolicy(_ context.Context, _ string, p *permissions.Policy) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.policy = p
	return nil
}

type fakeOracle struct{ calls int }

func (o *fakeOracle) Propose(context.Context, []stream.Event, autofix.AppContext) (*autofix.SuggestedFix, error) {
	o.calls++
	return &autofix.SuggestedFix{FilePath: "Procfile", Content: "web: gunicorn --bind 0.0.0.0:$PORT main:app"}, nil
}

type fakeMutator struct{ applied []autofix.SuggestedFix }

func (m *fakeMutator) ApplyFix(_ context.Context, _ deploy.SourceRef, fix autofix.SuggestedFix) error {
	m.applied = append(m.applied, fix)
	return nil
}

type fakeProvider struct {
	cloud   *fakeCloud
	oracle  *fakeOracle
	mutator *fakeMutator
	calls   int
	closed  int
}

func (p *fakeProvider) Collaborators(_ context.Context, principal auth.Principal) (*Collaborators, error) {
	if principal.Email == "" {
		return nil, auth.ErrUnauthenticated
	}
	p.calls++
	c := &Collaborators{
		Backend:  p.cloud,
		Enabler:  p.cloud,
		Policies: p.cloud,
		Projects: p.cloud,
		Oracle:   p.oracle,
		Mutator:  p.mutator,
	}
	c.OnClose(func() error {
		p.closed++
		return nil
	})
	return c, nil
}

type memArchive struct {
	mu      sync.Mutex
	records []gcp.SessionRecord
	events  [][]stream.Event
}

func (a *memArchive) Store(_ context.Context, rec gcp.SessionRecord, events []stream.Event) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, rec)
	a.events = append(a.events, events)
	return nil
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{cloud: &fakeCloud{}, oracle: &fakeOracle{}, mutator: &fakeMutator{}}
}

func userCtx() context.Context {
	return auth.WithPrincipal(context.Background(), auth.Principal{Email: "dev@example.com"})
}

func request() *deploy.Request {
	return &deploy.Request{
		Project:        "demo",
		SourceRef:      deploy.SourceRef{RepoURL: "https://github.com/acme/app"},
		DeploymentType: deploy.DeploymentNew,
		ServiceName:    "my-service",
		Region:         "us-central1",
	}
}

func collect(t *testing.T, s *Session) []stream.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	events, err := s.Events.Collect(ctx)
	require.NoError(t, err)
	return events
}

func TestStartDeployment_Success(t *testing.T) {
	p := newFakeProvider()
	archive := &memArchive{}
	o := New(p, Options{PhaseTimeout: time.Second, Archive: archive, Metrics: telemetry.NewMetrics()}, nil)

	s, err := o.StartDeployment(userCtx(), request())
	require.NoError(t, err)
	events := collect(t, s)
	res := s.Result()

	require.True(t, res.Succeeded)
	assert.Equal(t, "succeeded", res.Reason)
	assert.Equal(t, "https://my-service-42.us-central1.run.app", res.Outcome.Address)
	assert.False(t, stream.HasError(events))
	assert.True(t, res.Grants.Complete(permissions.DefaultKeys()))

	var urls int
	for _, e := range events {
		if strings.Contains(e.Message, "URL: ") {
			urls++
		}
	}
	assert.Equal(t, 1, urls)

	assert.Equal(t, 1, p.closed)
	require.Len(t, archive.records, 1)
	assert.Equal(t, s.ID.String(), archive.records[0].Session)
	assert.Equal(t, "dev@example.com", archive.records[0].Principal)
	assert.Equal(t, events, archive.events[0])

	_, ok := o.Session(s.ID)
	assert.False(t, ok)
}

func TestStartDeployment_InvalidRequestMakesNoCalls(t *testing.T) {
	p := newFakeProvider()
	o := New(p, Options{}, nil)
	req := request()
	req.BuildStrategy = deploy.StrategyDockerfile

	s, err := o.StartDeployment(userCtx(), req)

	assert.Nil(t, s)
	var verr *deploy.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, err.Error(), "dockerfile path")
	assert.Zero(t, p.calls)
	assert.Zero(t, p.cloud.builds)
}

func TestStartDeployment_Unauthenticated(t *testing.T) {
	p := newFakeProvider()
	o := New(p, Options{}, nil)

	_, err := o.StartDeployment(context.Background(), request())
	assert.ErrorIs(t, err, auth.ErrUnauthenticated)

	_, err = o.GrantPermissions(context.Background(), "demo", nil)
	assert.ErrorIs(t, err, auth.ErrUnauthenticated)
	assert.Zero(t, p.calls)
}

func TestStartDeployment_AutonomousFixThenSuccess(t *testing.T) {
	p := newFakeProvider()
	p.cloud.failFor = 1
	o := New(p, Options{PhaseTimeout: time.Second}, nil)
	req := request()
	req.IsAutonomousMode = true

	s, err := o.StartDeployment(userCtx(), req)
	require.NoError(t, err)
	events := collect(t, s)
	res := s.Result()

	require.True(t, res.Succeeded)
	assert.Equal(t, 1, res.Attempts)
	require.NotNil(t, res.LastFix)
	assert.Equal(t, "Procfile", res.LastFix.FilePath)
	assert.Equal(t, 1, p.oracle.calls)
	assert.Len(t, p.mutator.applied, 1)
	assert.True(t, stream.HasError(events))
}

func TestStartDeployment_ConfiguredMaxAttempts(t *testing.T) {
	p := newFakeProvider()
	p.cloud.failFor = 10
	o := New(p, Options{PhaseTimeout: time.Second, MaxAttempts: 2}, nil)
	req := request()
	req.IsAutonomousMode = true

	s, err := o.StartDeployment(userCtx(), req)
	require.NoError(t, err)
	events := collect(t, s)
	res := s.Result()

	assert.False(t, res.Succeeded)
	assert.Equal(t, string(autofix.ReasonExhausted), res.Reason)
	assert.Equal(t, 2, p.oracle.calls)
	assert.Contains(t, events[len(events)-1].Message, "2 attempts")
}

func TestStartDeployment_IgnoresClientAttemptCounter(t *testing.T) {
	p := newFakeProvider()
	p.cloud.failFor = 1
	o := New(p, Options{PhaseTimeout: time.Second}, nil)
	req := request()
	req.IsAutonomousMode = true
	req.MaxRetries = 3
	req.Attempt = 7

	s, err := o.StartDeployment(userCtx(), req)
	require.NoError(t, err)
	events := collect(t, s)
	res := s.Result()

	require.True(t, res.Succeeded, "last event: %s", events[len(events)-1].Message)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, 1, p.oracle.calls)
	assert.Equal(t, 2, p.cloud.builds)
	for _, e := range events {
		assert.NotContains(t, e.Message, "gave up")
	}
	assert.Equal(t, 7, req.Attempt)
}

func TestStartDeployment_ConsumerDisconnect(t *testing.T) {
	p := newFakeProvider()
	o := New(p, Options{PhaseTimeout: time.Second, StreamBuffer: 1}, nil)

	s, err := o.StartDeployment(userCtx(), request())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	first, err := s.Events.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Validating deployment configuration...", first.Message)
	s.Events.Detach()

	res, err := s.Wait(ctx)
	require.NoError(t, err)
	assert.True(t, res.Succeeded)
	assert.Positive(t, s.Events.Dropped())
}

func TestStartDeployment_CallerCancelDoesNotStopSession(t *testing.T) {
	p := newFakeProvider()
	o := New(p, Options{PhaseTimeout: time.Second}, nil)
	ctx, cancel := context.WithCancel(userCtx())

	s, err := o.StartDeployment(ctx, request())
	require.NoError(t, err)
	cancel()
	collect(t, s)

	assert.True(t, s.Result().Succeeded)
}

func TestCancel(t *testing.T) {
	p := newFakeProvider()
	p.cloud.blocking = true
	o := New(p, Options{PhaseTimeout: time.Minute}, nil)

	s, err := o.StartDeployment(userCtx(), request())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		p.cloud.mu.Lock()
		defer p.cloud.mu.Unlock()
		return p.cloud.builds == 1
	}, 5*time.Second, 5*time.Millisecond)
	assert.True(t, o.Cancel(s.ID))

	events := collect(t, s)
	res := s.Result()
	assert.False(t, res.Succeeded)
	assert.Equal(t, string(autofix.ReasonCancelled), res.Reason)
	assert.Contains(t, events[len(events)-1].Message, "cancelled")
	assert.False(t, o.Cancel(s.ID))
}

func TestGrantPermissions(t *testing.T) {
	p := newFakeProvider()
	o := New(p, Options{}, nil)

	s, err := o.GrantPermissions(userCtx(), "demo", nil)
	require.NoError(t, err)
	events := collect(t, s)
	res := s.Result()

	require.True(t, res.Succeeded)
	var granted []string
	for _, e := range events {
		granted = append(granted, e.Granted)
	}
	assert.Equal(t, permissions.DefaultKeys(), granted)
	assert.True(t, p.cloud.policy.HasMember("roles/run.admin", "serviceAccount:42@cloudbuild.gserviceaccount.com"))
}

func TestGrantPermissions_ProjectRequiredAndKeySubset(t *testing.T) {
	p := newFakeProvider()
	o := New(p, Options{}, nil)

	_, err := o.GrantPermissions(userCtx(), " ", nil)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	s, err := o.GrantPermissions(userCtx(), "demo", []string{"run.googleapis.com"})
	require.NoError(t, err)
	collect(t, s)
	assert.True(t, s.Result().Succeeded)
}

func TestGrantPermissions_NormalizesKeys(t *testing.T) {
	p := newFakeProvider()
	o := New(p, Options{}, nil)

	s, err := o.GrantPermissions(userCtx(), "demo", []string{"run.googleapis.com ", "", " iam", "run.googleapis.com"})
	require.NoError(t, err)
	events := collect(t, s)
	res := s.Result()

	require.True(t, res.Succeeded)
	assert.False(t, stream.HasError(events))
	var granted []string
	for _, e := range events {
		granted = append(granted, e.Granted)
	}
	assert.Equal(t, []string{"run.googleapis.com", permissions.IAMKey}, granted)
	assert.Equal(t, []string{"run.googleapis.com"}, p.cloud.enabled)
}

func TestShutdown(t *testing.T) {
	p := newFakeProvider()
	p.cloud.blocking = true
	o := New(p, Options{PhaseTimeout: time.Minute}, nil)

	s, err := o.StartDeployment(userCtx(), request())
	require.NoError(t, err)
	go func() { _, _ = s.Events.Collect(context.Background()) }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, o.Shutdown(ctx))
	assert.False(t, s.Result().Succeeded)
}

var errBoom = errors.New("boom")

func TestCollaborators_Close(t *testing.T) {
	c := &Collaborators{}
	c.OnClose(func() error { return nil })
	c.OnClose(func() error { return errBoom })
	assert.ErrorIs(t, c.Close(), errBoom)
}
