package gcp

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"cloud.google.com/go/iam/apiv1/iampb"
	"cloud.google.com/go/run/apiv2/runpb"
	"github.com/bgdnvk/stormcloud/internal/deploy"
	"github.com/sirupsen/logrus"
)

const (
	invokerRole   = "roles/run.invoker"
	publicMember  = "allUsers"
	managedByKey  = "managed-by"
	managedByName = "stormcloud"
)

func serviceName(spec deploy.ServiceSpec) string {
	return fmt.Sprintf("projects/%s/locations/%s/services/%s", spec.Project, spec.Region, spec.Name)
}

// containerEnv maps plain variables and secret mounts onto Cloud Run env
// entries, plain variables first.
func containerEnv(spec deploy.ServiceSpec) []*runpb.EnvVar {
	env := make([]*runpb.EnvVar, 0, len(spec.Env)+len(spec.Secrets))
	for _, e := range spec.Env {
		env = append(env, &runpb.EnvVar{Name: e.Key, Values: &runpb.EnvVar_Value{Value: e.Value}})
	}
	for _, s := range spec.Secrets {
		version := s.Version
		if version == "" {
			version = "latest"
		}
		env = append(env, &runpb.EnvVar{
			Name: s.EnvVarName,
			Values: &runpb.EnvVar_ValueSource{ValueSource: &runpb.EnvVarSource{
				SecretKeyRef: &runpb.SecretKeySelector{Secret: s.Name, Version: version},
			}},
		})
	}
	return env
}

// applyTemplate points the service's revision template at image with the
// spec's environment and scaling. Other template settings are kept.
func applyTemplate(svc *runpb.Service, image deploy.ImageRef, spec deploy.ServiceSpec) {
	if svc.Template == nil {
		svc.Template = &runpb.RevisionTemplate{}
	}
	if len(svc.Template.Containers) == 0 {
		svc.Template.Containers = []*runpb.Container{{}}
	}
	ctr := svc.Template.Containers[0]
	ctr.Image = image.String()
	ctr.Env = containerEnv(spec)

	scaling := &runpb.RevisionScaling{MinInstanceCount: int32(spec.MinInstances)}
	if spec.MaxInstances > 0 {
		scaling.MaxInstanceCount = int32(spec.MaxInstances)
	}
	svc.Template.Scaling = scaling

	if svc.Labels == nil {
		svc.Labels = map[string]string{}
	}
	svc.Labels[managedByKey] = managedByName
}

// Deploy creates or updates the Cloud Run service, opens it to public
// traffic and returns its URL.
func (c *Client) Deploy(ctx context.Context, image deploy.ImageRef, spec deploy.ServiceSpec) (string, error) {
	client, err := c.services(ctx)
	if err != nil {
		return "", err
	}
	name := serviceName(spec)
	log := c.log.WithFields(logrus.Fields{"service": name, "image": image.String()})

	var svc *runpb.Service
	existing, err := client.GetService(ctx, &runpb.GetServiceRequest{Name: name})
	switch {
	case err == nil:
		applyTemplate(existing, image, spec)
		op, err := client.UpdateService(ctx, &runpb.UpdateServiceRequest{Service: existing})
		if err != nil {
			return "", fmt.Errorf("update service %s: %w%s", spec.Name, err, errorHint(err))
		}
		log.Info("updating service")
		if svc, err = op.Wait(ctx); err != nil {
			return "", fmt.Errorf("wait for service %s: %w", spec.Name, err)
		}
	case isNotFound(err) && !spec.Existing:
		fresh := &runpb.Service{}
		applyTemplate(fresh, image, spec)
		op, err := client.CreateService(ctx, &runpb.CreateServiceRequest{
			Parent:    fmt.Sprintf("projects/%s/locations/%s", spec.Project, spec.Region),
			ServiceId: spec.Name,
			Service:   fresh,
		})
		if err != nil {
			return "", fmt.Errorf("create service %s: %w%s", spec.Name, err, errorHint(err))
		}
		log.Info("creating service")
		if svc, err = op.Wait(ctx); err != nil {
			return "", fmt.Errorf("wait for service %s: %w", spec.Name, err)
		}
	case isNotFound(err):
		return "", fmt.Errorf("service %s does not exist in %s", spec.Name, spec.Region)
	default:
		return "", fmt.Errorf("get service %s: %w%s", spec.Name, err, errorHint(err))
	}

	if err := c.allowPublicAccess(ctx, name); err != nil {
		return "", err
	}
	if svc.GetUri() == "" {
		return "", fmt.Errorf("service %s has no URL yet", spec.Name)
	}
	return svc.GetUri(), nil
}

func (c *Client) allowPublicAccess(ctx context.Context, resource string) error {
	client, err := c.services(ctx)
	if err != nil {
		return err
	}
	policy, err := client.GetIamPolicy(ctx, &iampb.GetIamPolicyRequest{Resource: resource})
	if err != nil {
		return fmt.Errorf("get service policy: %w%s", err, errorHint(err))
	}
	if !addInvoker(policy) {
		return nil
	}
	if _, err := client.SetIamPolicy(ctx, &iampb.SetIamPolicyRequest{Resource: resource, Policy: policy}); err != nil {
		return fmt.Errorf("allow public access: %w%s", err, errorHint(err))
	}
	return nil
}

// addInvoker grants allUsers the invoker role. It reports whether the policy
// changed.
func addInvoker(policy *iampb.Policy) bool {
	for _, b := range policy.Bindings {
		if b.Role != invokerRole || b.Condition != nil {
			continue
		}
		if slices.Contains(b.Members, publicMember) {
			return false
		}
		b.Members = append(b.Members, publicMember)
		return true
	}
	policy.Bindings = append(policy.Bindings, &iampb.Binding{Role: invokerRole, Members: []string{publicMember}})
	return true
}

// ServiceURL predicts the regional URL of a service from its project
// number. Cloud Run returns the real one; this is for display only.
func ServiceURL(service, projectNumber, region string) string {
	return fmt.Sprintf("https://%s-%s.%s.run.app", strings.ToLower(service), projectNumber, region)
}
