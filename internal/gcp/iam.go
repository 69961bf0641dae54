package gcp

import (
	"context"
	"fmt"
	"strconv"

	"github.com/bgdnvk/stormcloud/internal/permissions"
	"google.golang.org/api/cloudresourcemanager/v1"
	"google.golang.org/api/serviceusage/v1"
)

// Enable turns on an API for the project and waits for the operation.
func (c *Client) Enable(ctx context.Context, projectID, key string) error {
	name := fmt.Sprintf("projects/%s/services/%s", projectID, key)

	var op *serviceusage.Operation
	err := retry(ctx, "enable "+key, func() error {
		var err error
		op, err = c.usage.Services.Enable(name, &serviceusage.EnableServiceRequest{}).Context(ctx).Do()
		return err
	})
	if err != nil {
		return err
	}

	err = c.poll(ctx, func() (bool, error) {
		if op.Done {
			return true, nil
		}
		next, err := c.usage.Operations.Get(op.Name).Context(ctx).Do()
		if err != nil {
			return false, fmt.Errorf("poll enable %s: %w", key, err)
		}
		op = next
		return op.Done, nil
	})
	if err != nil {
		return err
	}
	if op.Error != nil {
		return fmt.Errorf("enable %s: %s (code %d)", key, op.Error.Message, op.Error.Code)
	}
	c.log.WithField("api", key).Debug("api enabled")
	return nil
}

// ProjectNumber resolves a project id to its number.
func (c *Client) ProjectNumber(ctx context.Context, projectID string) (string, error) {
	var p *cloudresourcemanager.Project
	err := retry(ctx, "get project "+projectID, func() error {
		var err error
		p, err = c.crm.Projects.Get(projectID).Context(ctx).Do()
		return err
	})
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(p.ProjectNumber, 10), nil
}

// GetPolicy reads the project policy at version 3 so conditional bindings
// survive the round trip.
func (c *Client) GetPolicy(ctx context.Context, projectID string) (*permissions.Policy, error) {
	req := &cloudresourcemanager.GetIamPolicyRequest{
		Options: &cloudresourcemanager.GetPolicyOptions{RequestedPolicyVersion: 3},
	}
	var p *cloudresourcemanager.Policy
	err := retry(ctx, "get iam policy", func() error {
		var err error
		p, err = c.crm.Projects.GetIamPolicy(projectID, req).Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, err
	}
	return fromCRMPolicy(p), nil
}

// SetPolicy writes the policy back. The etag read by GetPolicy makes a
// concurrent modification fail instead of being overwritten.
func (c *Client) SetPolicy(ctx context.Context, projectID string, policy *permissions.Policy) error {
	req := &cloudresourcemanager.SetIamPolicyRequest{Policy: toCRMPolicy(policy)}
	return retry(ctx, "set iam policy", func() error {
		_, err := c.crm.Projects.SetIamPolicy(projectID, req).Context(ctx).Do()
		return err
	})
}

func fromCRMPolicy(p *cloudresourcemanager.Policy) *permissions.Policy {
	out := &permissions.Policy{}
	if p == nil {
		return out
	}
	out.Version = p.Version
	out.Etag = p.Etag
	for _, b := range p.Bindings {
		nb := &permissions.Binding{Role: b.Role, Members: append([]string(nil), b.Members...)}
		if b.Condition != nil {
			nb.Condition = &permissions.Condition{Title: b.Condition.Title, Description: b.Condition.Description, Expression: b.Condition.Expression}
		}
		out.Bindings = append(out.Bindings, nb)
	}
	return out
}

func toCRMPolicy(p *permissions.Policy) *cloudresourcemanager.Policy {
	out := &cloudresourcemanager.Policy{Version: p.Version, Etag: p.Etag}
	for _, b := range p.Bindings {
		nb := &cloudresourcemanager.Binding{Role: b.Role, Members: append([]string(nil), b.Members...)}
		if b.Condition != nil {
			nb.Condition = &cloudresourcemanager.Expr{Title: b.Condition.Title, Description: b.Condition.Description, Expression: b.Condition.Expression}
			out.Version = 3
		}
		out.Bindings = append(out.Bindings, nb)
	}
	return out
}
