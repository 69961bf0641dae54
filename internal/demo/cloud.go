// Package demo provides in-memory collaborators that behave like a real
// project without touching Google Cloud or GitHub. The first build of an
// autonomous session fails with a Procfile error that the assistant knows
// how to fix, so the whole retry loop can be exercised end to end.
package demo

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bgdnvk/stormcloud/internal/deploy"
	"github.com/bgdnvk/stormcloud/internal/gcp"
	"github.com/bgdnvk/stormcloud/internal/permissions"
)

const (
	ProjectNumber = "117975713968"

	// BuildFailure is what the first autonomous build reports.
	BuildFailure = "Build failed: 'gunicorn' command not found. Procfile may be misconfigured."
)

// Cloud is an in-memory build, deploy and permission backend.
type Cloud struct {
	// Delay is how long every call takes.
	Delay time.Duration

	mu       sync.Mutex
	enabled  map[string][]string
	policies map[string]*permissions.Policy
	services map[string]deploy.ImageRef
	triggers map[string]string
}

func NewCloud(delay time.Duration) *Cloud {
	return &Cloud{
		Delay:    delay,
		enabled:  map[string][]string{},
		policies: map[string]*permissions.Policy{},
		services: map[string]deploy.ImageRef{},
		triggers: map[string]string{},
	}
}

func (c *Cloud) wait(ctx context.Context) error {
	if c.Delay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(c.Delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (c *Cloud) Enable(ctx context.Context, projectID, key string) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range c.enabled[projectID] {
		if k == key {
			return nil
		}
	}
	c.enabled[projectID] = append(c.enabled[projectID], key)
	return nil
}

// Enabled lists the APIs turned on for a project, in order.
func (c *Cloud) Enabled(projectID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.enabled[projectID]...)
}

func (c *Cloud) ProjectNumber(ctx context.Context, _ string) (string, error) {
	return ProjectNumber, ctx.Err()
}

func (c *Cloud) GetPolicy(ctx context.Context, projectID string) (*permissions.Policy, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.policies[projectID]
	if !ok {
		return &permissions.Policy{Version: 1, Etag: "demo"}, nil
	}
	return clonePolicy(p), nil
}

func (c *Cloud) SetPolicy(ctx context.Context, projectID string, policy *permissions.Policy) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.policies[projectID] = clonePolicy(policy)
	return nil
}

func clonePolicy(p *permissions.Policy) *permissions.Policy {
	out := &permissions.Policy{Version: p.Version, Etag: p.Etag}
	for _, b := range p.Bindings {
		nb := *b
		nb.Members = append([]string(nil), b.Members...)
		out.Bindings = append(out.Bindings, &nb)
	}
	return out
}

func (c *Cloud) Build(ctx context.Context, spec deploy.BuildSpec) (deploy.ImageRef, error) {
	image := deploy.ImageRef{
		Repository: fmt.Sprintf("%s/%s/cloud-run-source-deploy", gcp.RepositoryHost(spec.Region), spec.Project),
		Name:       spec.Service,
		Tag:        fmt.Sprintf("attempt-%d", spec.Attempt+1),
	}
	if err := c.wait(ctx); err != nil {
		return image, err
	}
	if spec.Autonomous && spec.Attempt == 0 {
		return image, &deploy.BuildError{Diagnostic: BuildFailure}
	}
	return image, nil
}

func (c *Cloud) Push(ctx context.Context, _ deploy.ImageRef) error {
	return c.wait(ctx)
}

func (c *Cloud) Deploy(ctx context.Context, image deploy.ImageRef, spec deploy.ServiceSpec) (string, error) {
	if err := c.wait(ctx); err != nil {
		return "", err
	}
	key := spec.Project + "/" + spec.Region + "/" + spec.Name
	c.mu.Lock()
	defer c.mu.Unlock()
	c.services[key] = image
	return gcp.ServiceURL(spec.Name, ProjectNumber, spec.Region), nil
}

// Deployed returns the image a service runs.
func (c *Cloud) Deployed(project, region, service string) (deploy.ImageRef, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	img, ok := c.services[project+"/"+region+"/"+service]
	return img, ok
}

func (c *Cloud) WireCI(ctx context.Context, build deploy.BuildSpec, spec deploy.ServiceSpec) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.triggers[spec.Project+"/"+spec.Name] = build.Source.String()
	return nil
}
