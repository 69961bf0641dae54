package gcp

import (
	"context"
	"fmt"
	"regexp"

	"github.com/bgdnvk/stormcloud/internal/deploy"
	"github.com/bgdnvk/stormcloud/internal/github"
	"google.golang.org/api/cloudbuild/v1"
)

const cloudSDKImage = "gcr.io/google.com/cloudsdktool/cloud-sdk"

func triggerName(service string) string {
	return "stormcloud-" + service
}

// triggerBuild is the build a push to the branch runs: build the image,
// push it and roll the service to it.
func (c *Client) triggerBuild(spec deploy.ServiceSpec, strategy deploy.BuildStrategy, dockerfile string) *cloudbuild.Build {
	image := fmt.Sprintf("%s/%s/%s/%s:$COMMIT_SHA", RepositoryHost(spec.Region), spec.Project, c.Repository, spec.Name)
	steps := buildSteps(strategy, dockerfile, image)
	steps = append(steps,
		&cloudbuild.BuildStep{Id: "push", Name: dockerImage, Args: []string{"push", image}},
		&cloudbuild.BuildStep{
			Id:         "deploy",
			Name:       cloudSDKImage,
			Entrypoint: "gcloud",
			Args:       []string{"run", "deploy", spec.Name, "--image", image, "--region", spec.Region, "--quiet"},
		},
	)
	return &cloudbuild.Build{Steps: steps, Images: []string{image}, Timeout: buildTimeout}
}

// WireCI creates a Cloud Build trigger that redeploys the service on every
// push to the source branch. An existing trigger with the same name is
// replaced.
func (c *Client) WireCI(ctx context.Context, build deploy.BuildSpec, spec deploy.ServiceSpec) error {
	owner, repo, err := github.ParseRepoURL(build.Source.RepoURL)
	if err != nil {
		return err
	}
	branch := build.Source.Branch
	if branch == "" {
		branch = "main"
	}

	trigger := &cloudbuild.BuildTrigger{
		Name:        triggerName(spec.Name),
		Description: fmt.Sprintf("Deploy %s to Cloud Run on push to %s", spec.Name, branch),
		Github: &cloudbuild.GitHubEventsConfig{
			Owner: owner,
			Name:  repo,
			Push:  &cloudbuild.PushFilter{Branch: "^" + regexp.QuoteMeta(branch) + "$"},
		},
		Build: c.triggerBuild(spec, build.Strategy, build.DockerfilePath),
		Tags:  []string{"stormcloud"},
	}

	_, err = c.builds.Projects.Triggers.Create(spec.Project, trigger).Context(ctx).Do()
	if isConflict(err) {
		_, err = c.builds.Projects.Triggers.Patch(spec.Project, trigger.Name, trigger).Context(ctx).Do()
	}
	if err != nil {
		return fmt.Errorf("create build trigger: %w%s", err, errorHint(err))
	}
	c.log.WithField("trigger", trigger.Name).Info("build trigger wired")
	return nil
}
