package demo

import (
	"context"
	"time"

	"github.com/bgdnvk/stormcloud/internal/ai"
	"github.com/bgdnvk/stormcloud/internal/auth"
	"github.com/bgdnvk/stormcloud/internal/orchestrator"
	"github.com/sirupsen/logrus"
)

// Provider hands every principal the same in-memory cloud and repository
// host.
type Provider struct {
	Cloud  *Cloud
	Source *Source
	log    logrus.FieldLogger
}

func NewProvider(delay time.Duration, log logrus.FieldLogger) *Provider {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Provider{Cloud: NewCloud(delay), Source: NewSource(), log: log.WithField("component", "demo")}
}

func (p *Provider) Collaborators(_ context.Context, principal auth.Principal) (*orchestrator.Collaborators, error) {
	if principal.Email == "" {
		return nil, auth.ErrUnauthenticated
	}
	return &orchestrator.Collaborators{
		Backend:  p.Cloud,
		Enabler:  p.Cloud,
		Policies: p.Cloud,
		Projects: p.Cloud,
		Oracle:   ai.NewFixOracle(Assistant{}, p.log),
		Mutator:  p.Source,
		Profiler: p.Source,
	}, nil
}
