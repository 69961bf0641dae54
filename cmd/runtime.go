package cmd

import (
	"context"
	"errors"
	"time"

	"github.com/bgdnvk/stormcloud/internal/ai"
	"github.com/bgdnvk/stormcloud/internal/auth"
	"github.com/bgdnvk/stormcloud/internal/config"
	"github.com/bgdnvk/stormcloud/internal/demo"
	"github.com/bgdnvk/stormcloud/internal/gcp"
	"github.com/bgdnvk/stormcloud/internal/orchestrator"
	"github.com/bgdnvk/stormcloud/internal/telemetry"
	"github.com/sirupsen/logrus"
)

// demoDelay makes the demo collaborators feel like remote calls.
const demoDelay = 400 * time.Millisecond

// runtime is an orchestrator with everything it was built from.
type runtime struct {
	orch    *orchestrator.Orchestrator
	metrics *telemetry.Metrics
	closers []func(context.Context) error
}

// Shutdown stops running sessions and releases the shared clients.
func (r *runtime) Shutdown(ctx context.Context) error {
	err := r.orch.Shutdown(ctx)
	for _, fn := range r.closers {
		err = errors.Join(err, fn(ctx))
	}
	return err
}

func newRuntime(ctx context.Context, cfg *config.Config, log logrus.FieldLogger) (*runtime, error) {
	rt := &runtime{metrics: telemetry.NewMetrics()}

	var provider orchestrator.Provider
	if cfg.Demo {
		log.Warn("demo mode: no cloud or repository calls are made")
		provider = demo.NewProvider(demoDelay, log)
	} else {
		llm := ai.NewClient(ctx, ai.Options{
			Provider: cfg.AI.Provider,
			APIKey:   cfg.AI.APIKey,
			BaseURL:  cfg.AI.BaseURL,
			Model:    cfg.AI.Model,
			Timeout:  cfg.AI.Timeout,
		}, log)
		provider = &orchestrator.CloudProvider{
			Credentials:   &auth.DefaultCredentials{GitHubToken: cfg.GitHub.Token},
			Oracle:        ai.NewFixOracle(llm, log),
			GitHubBaseURL: cfg.GitHub.BaseURL,
			Repository:    cfg.GCP.Repository,
			PollInterval:  cfg.GCP.PollInterval,
			Log:           log,
		}
	}

	opts := orchestrator.Options{
		Keys:           cfg.Permissions.Keys(),
		Roles:          cfg.Permissions.Roles,
		PhaseTimeout:   cfg.Deploy.PhaseTimeout,
		SessionTimeout: cfg.Deploy.Timeout,
		MaxAttempts:    cfg.Autofix.MaxAttempts,
		StreamBuffer:   cfg.Stream.Buffer,
		StallTimeout:   cfg.Stream.StallTimeout,
		Metrics:        rt.metrics,
	}
	if cfg.Archive.Bucket != "" && !cfg.Demo {
		archive, err := gcp.NewArchive(ctx, cfg.Archive.Bucket, cfg.Archive.Prefix, nil, log)
		if err != nil {
			return nil, err
		}
		opts.Archive = archive
		rt.closers = append(rt.closers, func(context.Context) error { return archive.Close() })
	}

	rt.orch = orchestrator.New(provider, opts, log)
	return rt, nil
}

// authMiddleware picks how the server identifies callers. A configured
// run-as user wins over IAP; demo mode falls back to a fixed user.
func authMiddleware(cfg *config.Config) (auth.Middleware, error) {
	switch {
	case cfg.Server.RunAsUser != "":
		return auth.StaticUser(cfg.Server.RunAsUser), nil
	case cfg.Server.Audience != "":
		return auth.ValidateIAPJWT(cfg.Server.Audience), nil
	case cfg.Demo:
		return auth.StaticUser(localUser), nil
	}
	return nil, errors.New("server.audience or server.run_as_user must be set")
}

const localUser = "local@stormcloud.dev"

// principal is the identity in-process commands run as.
func principal(cfg *config.Config, as string) auth.Principal {
	email := as
	if email == "" {
		email = cfg.Server.RunAsUser
	}
	if email == "" {
		email = localUser
	}
	return auth.Principal{Email: email, Subject: "cli:" + email}
}
