package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bgdnvk/stormcloud/internal/auth"
	"github.com/bgdnvk/stormcloud/internal/autofix"
	"github.com/bgdnvk/stormcloud/internal/deploy"
	"github.com/bgdnvk/stormcloud/internal/gcp"
	"github.com/bgdnvk/stormcloud/internal/github"
	"github.com/bgdnvk/stormcloud/internal/permissions"
	"github.com/sirupsen/logrus"
)

// Collaborators is everything one session talks to. They are built per
// principal so that a session only ever acts with its caller's credentials.
type Collaborators struct {
	Backend  deploy.Backend
	Enabler  permissions.CapabilityEnabler
	Policies permissions.PolicyStore
	Projects permissions.ProjectResolver
	Oracle   autofix.Oracle
	Mutator  autofix.SourceMutator
	Profiler autofix.Profiler

	closers []func() error
}

// OnClose registers fn to run when the session is done with the
// collaborators.
func (c *Collaborators) OnClose(fn func() error) {
	c.closers = append(c.closers, fn)
}

func (c *Collaborators) Close() error {
	var errs []error
	for _, fn := range c.closers {
		errs = append(errs, fn())
	}
	return errors.Join(errs...)
}

type Provider interface {
	Collaborators(ctx context.Context, p auth.Principal) (*Collaborators, error)
}

// CloudProvider wires the Google Cloud adapters and the GitHub contents API
// with the principal's credentials. The oracle is shared between sessions.
type CloudProvider struct {
	Credentials   auth.CredentialSource
	Oracle        autofix.Oracle
	GitHubBaseURL string
	Repository    string
	PollInterval  time.Duration
	Log           logrus.FieldLogger
}

func (p *CloudProvider) Collaborators(ctx context.Context, principal auth.Principal) (*Collaborators, error) {
	log := p.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	creds, err := p.Credentials.Credentials(ctx, principal)
	if err != nil {
		return nil, err
	}

	cloud, err := gcp.New(ctx, creds.Cloud, log)
	if err != nil {
		return nil, fmt.Errorf("google cloud clients: %w", err)
	}
	if p.Repository != "" {
		cloud.Repository = p.Repository
	}
	if p.PollInterval > 0 {
		cloud.PollInterval = p.PollInterval
	}

	source := github.NewClient(ctx, creds.Source, log)
	if p.GitHubBaseURL != "" {
		if source, err = source.WithBaseURL(p.GitHubBaseURL); err != nil {
			_ = cloud.Close()
			return nil, err
		}
	}

	c := &Collaborators{
		Backend:  cloud,
		Enabler:  cloud,
		Policies: cloud,
		Projects: cloud,
		Oracle:   p.Oracle,
		Mutator:  source,
		Profiler: source,
	}
	c.OnClose(cloud.Close)
	return c, nil
}
