package gcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/bgdnvk/stormcloud/internal/deploy"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/artifactregistry/v1"
	"google.golang.org/api/cloudbuild/v1"
)

const (
	packBuilder   = "gcr.io/buildpacks/builder:latest"
	packImage     = "gcr.io/k8s-skaffold/pack"
	dockerImage   = "gcr.io/cloud-builders/docker"
	buildTimeout  = "1200s"
	liveTag       = "live"
	buildTagStamp = "20060102-150405"
)

// now is replaced in tests.
var now = time.Now

// RepositoryHost is the Artifact Registry docker host for a region.
func RepositoryHost(region string) string {
	return region + "-docker.pkg.dev"
}

func (c *Client) imageFor(spec deploy.BuildSpec) deploy.ImageRef {
	return deploy.ImageRef{
		Repository: fmt.Sprintf("%s/%s/%s", RepositoryHost(spec.Region), spec.Project, c.Repository),
		Name:       spec.Service,
		Tag:        "build-" + now().UTC().Format(buildTagStamp),
	}
}

// buildSteps returns the Cloud Build steps that produce image from the
// checked out source.
func buildSteps(strategy deploy.BuildStrategy, dockerfile, image string) []*cloudbuild.BuildStep {
	if strategy == deploy.StrategyDockerfile {
		return []*cloudbuild.BuildStep{{
			Id:   "build",
			Name: dockerImage,
			Args: []string{"build", "-t", image, "-f", dockerfile, "."},
		}}
	}
	return []*cloudbuild.BuildStep{{
		Id:         "build",
		Name:       packImage,
		Entrypoint: "pack",
		Args:       []string{"build", image, "--builder", packBuilder, "--network", "cloudbuild", "--path", "."},
	}}
}

// Build submits a Cloud Build for the source and waits for it. A build that
// ran and failed is returned as a *deploy.BuildError.
func (c *Client) Build(ctx context.Context, spec deploy.BuildSpec) (deploy.ImageRef, error) {
	image := c.imageFor(spec)
	if err := c.ensureRepository(ctx, spec.Project, spec.Region); err != nil {
		return image, err
	}

	build := &cloudbuild.Build{
		Source: &cloudbuild.Source{GitSource: &cloudbuild.GitSource{
			Url:      spec.Source.RepoURL,
			Revision: spec.Source.Branch,
		}},
		Steps:   buildSteps(spec.Strategy, spec.DockerfilePath, image.String()),
		Images:  []string{image.String()},
		Tags:    buildTags(spec),
		Timeout: buildTimeout,
	}

	var op *cloudbuild.Operation
	err := retry(ctx, "submit build", func() error {
		var err error
		op, err = c.builds.Projects.Builds.Create(spec.Project, build).Context(ctx).Do()
		return err
	})
	if err != nil {
		return image, err
	}
	id, err := buildID(op)
	if err != nil {
		return image, err
	}
	image.BuildID = id
	log := c.log.WithFields(logrus.Fields{"project": spec.Project, "build": id})
	log.Info("build submitted")

	var result *cloudbuild.Build
	err = c.poll(ctx, func() (bool, error) {
		b, err := c.builds.Projects.Builds.Get(spec.Project, id).Context(ctx).Do()
		if err != nil {
			if isRetryable(err) {
				return false, nil
			}
			return false, fmt.Errorf("poll build %s: %w", id, err)
		}
		result = b
		return buildFinished(b.Status), nil
	})
	if err != nil {
		return image, err
	}

	if result.Status != "SUCCESS" {
		log.WithField("status", result.Status).Info("build failed")
		return image, &deploy.BuildError{Diagnostic: buildDiagnostic(result), LogURL: result.LogUrl}
	}
	if result.Results != nil {
		for _, img := range result.Results.Images {
			if img.Name == image.String() {
				image.Digest = img.Digest
			}
		}
	}
	return image, nil
}

func buildTags(spec deploy.BuildSpec) []string {
	tags := []string{"stormcloud", spec.Service, fmt.Sprintf("attempt-%d", spec.Attempt+1)}
	if spec.Autonomous {
		tags = append(tags, "autonomous")
	}
	return tags
}

func buildID(op *cloudbuild.Operation) (string, error) {
	if op == nil || len(op.Metadata) == 0 {
		return "", fmt.Errorf("build operation carries no metadata")
	}
	var meta cloudbuild.BuildOperationMetadata
	if err := json.Unmarshal(op.Metadata, &meta); err != nil {
		return "", fmt.Errorf("decode build operation metadata: %w", err)
	}
	if meta.Build == nil || meta.Build.Id == "" {
		return "", fmt.Errorf("build operation %s has no build id", op.Name)
	}
	return meta.Build.Id, nil
}

func buildFinished(status string) bool {
	switch status {
	case "SUCCESS", "FAILURE", "INTERNAL_ERROR", "TIMEOUT", "CANCELLED", "EXPIRED":
		return true
	}
	return false
}

func buildDiagnostic(b *cloudbuild.Build) string {
	if b.FailureInfo != nil && strings.TrimSpace(b.FailureInfo.Detail) != "" {
		return "Build failed: " + strings.TrimSpace(b.FailureInfo.Detail)
	}
	msg := fmt.Sprintf("Build failed with status %s", b.Status)
	if d := strings.TrimSpace(b.StatusDetail); d != "" {
		msg += ": " + d
	}
	if b.LogUrl != "" {
		msg += ". Logs: " + b.LogUrl
	}
	return msg
}

func (c *Client) ensureRepository(ctx context.Context, project, region string) error {
	parent := fmt.Sprintf("projects/%s/locations/%s", project, region)
	name := parent + "/repositories/" + c.Repository

	_, err := c.registry.Projects.Locations.Repositories.Get(name).Context(ctx).Do()
	if err == nil {
		return nil
	}
	if !isNotFound(err) {
		return fmt.Errorf("get repository %s: %w%s", name, err, errorHint(err))
	}

	repo := &artifactregistry.Repository{Format: "DOCKER", Description: "Images built by stormcloud"}
	op, err := c.registry.Projects.Locations.Repositories.Create(parent, repo).RepositoryId(c.Repository).Context(ctx).Do()
	if err != nil {
		if isConflict(err) {
			return nil
		}
		return fmt.Errorf("create repository %s: %w%s", name, err, errorHint(err))
	}
	c.log.WithField("repository", name).Info("created artifact registry repository")
	return c.poll(ctx, func() (bool, error) {
		if op.Done {
			if op.Error != nil {
				return true, fmt.Errorf("create repository %s: %s", name, op.Error.Message)
			}
			return true, nil
		}
		next, err := c.registry.Projects.Locations.Operations.Get(op.Name).Context(ctx).Do()
		if err != nil {
			return false, fmt.Errorf("poll repository creation: %w", err)
		}
		op = next
		return false, nil
	})
}

// registryPath splits an image repository of the form
// REGION-docker.pkg.dev/PROJECT/REPO into its parts.
func registryPath(image deploy.ImageRef) (project, location, repo string, err error) {
	parts := strings.Split(image.Repository, "/")
	if len(parts) != 3 || !strings.HasSuffix(parts[0], "-docker.pkg.dev") {
		return "", "", "", fmt.Errorf("image repository %q is not an artifact registry docker repository", image.Repository)
	}
	return parts[1], strings.TrimSuffix(parts[0], "-docker.pkg.dev"), parts[2], nil
}

// Push confirms the built image is in the registry and moves the live tag to
// it. Cloud Build uploads the image itself; this step is what makes the
// build the one that gets deployed.
func (c *Client) Push(ctx context.Context, image deploy.ImageRef) error {
	project, location, repo, err := registryPath(image)
	if err != nil {
		return err
	}
	pkg := fmt.Sprintf("projects/%s/locations/%s/repositories/%s/packages/%s", project, location, repo, image.Name)

	var built *artifactregistry.Tag
	err = retry(ctx, "find image "+image.String(), func() error {
		var err error
		built, err = c.registry.Projects.Locations.Repositories.Packages.Tags.Get(pkg + "/tags/" + image.Tag).Context(ctx).Do()
		return err
	})
	if err != nil {
		return err
	}

	live := &artifactregistry.Tag{Name: pkg + "/tags/" + liveTag, Version: built.Version}
	_, err = c.registry.Projects.Locations.Repositories.Packages.Tags.Create(pkg, live).TagId(liveTag).Context(ctx).Do()
	if isConflict(err) {
		_, err = c.registry.Projects.Locations.Repositories.Packages.Tags.Patch(live.Name, live).UpdateMask("version").Context(ctx).Do()
	}
	if err != nil {
		return fmt.Errorf("tag %s as %s: %w%s", image, liveTag, err, errorHint(err))
	}
	c.log.WithFields(logrus.Fields{"image": image.String(), "version": built.Version}).Debug("image promoted")
	return nil
}
