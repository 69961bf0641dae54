package deploy

import (
	"fmt"
	"strings"
)

type DeploymentType string

const (
	DeploymentNew      DeploymentType = "new"
	DeploymentExisting DeploymentType = "existing"
)

type BuildStrategy string

const (
	StrategyBuildpacks BuildStrategy = "buildpacks"
	StrategyDockerfile BuildStrategy = "dockerfile"
)

// DefaultMaxRetries matches the wizard's default number of autonomous
// iterations.
const DefaultMaxRetries = 3

const defaultBranch = "main"

type EnvVar struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// SecretMount exposes a Secret Manager secret version as an environment
// variable.
type SecretMount struct {
	Name       string `json:"name"`
	Version    string `json:"version"`
	EnvVarName string `json:"envVarName"`
}

// SourceRef points at the code being deployed.
type SourceRef struct {
	RepoURL string `json:"repoUrl"`
	Branch  string `json:"branch,omitempty"`
}

func (s SourceRef) String() string {
	if s.Branch == "" {
		return s.RepoURL
	}
	return s.RepoURL + "@" + s.Branch
}

// Request describes one deployment. It is immutable for the life of a
// session except for Attempt, which only the retry controller advances.
type Request struct {
	Project string `json:"project"`
	SourceRef

	DeploymentType  DeploymentType `json:"deploymentType"`
	ServiceName     string         `json:"serviceName,omitempty"`
	ExistingService string         `json:"existingService,omitempty"`
	Region          string         `json:"region"`

	BuildStrategy  BuildStrategy `json:"buildStrategy"`
	DockerfilePath string        `json:"dockerfilePath,omitempty"`

	EnvironmentVariables []EnvVar      `json:"environmentVariables,omitempty"`
	Secrets              []SecretMount `json:"secrets,omitempty"`

	MinInstances int `json:"minInstances"`
	MaxInstances int `json:"maxInstances"`

	EnableCI         bool `json:"enableCI"`
	IsAutonomousMode bool `json:"isAutonomousMode"`
	MaxRetries       int  `json:"autonomousIterations,omitempty"`
	Attempt          int  `json:"autonomousAttempts"`
}

// Service returns the name of the platform service the request targets.
func (r *Request) Service() string {
	if r.DeploymentType == DeploymentExisting {
		return strings.TrimSpace(r.ExistingService)
	}
	return strings.TrimSpace(r.ServiceName)
}

// Normalize fills defaults in place: branch, deployment type, build
// strategy and retry bound.
func (r *Request) Normalize() {
	r.Project = strings.TrimSpace(r.Project)
	r.Region = strings.TrimSpace(r.Region)
	r.RepoURL = strings.TrimSpace(r.RepoURL)
	if strings.TrimSpace(r.Branch) == "" {
		r.Branch = defaultBranch
	}
	if r.DeploymentType == "" {
		r.DeploymentType = DeploymentNew
	}
	if r.BuildStrategy == "" {
		r.BuildStrategy = StrategyBuildpacks
	}
	if r.IsAutonomousMode && r.MaxRetries <= 0 {
		r.MaxRetries = DefaultMaxRetries
	}
}

// Clone returns a deep copy.
func (r *Request) Clone() *Request {
	cp := *r
	cp.EnvironmentVariables = append([]EnvVar(nil), r.EnvironmentVariables...)
	cp.Secrets = append([]SecretMount(nil), r.Secrets...)
	return &cp
}

// Build returns what the build backend needs.
func (r *Request) Build() BuildSpec {
	return BuildSpec{
		Project:        r.Project,
		Region:         r.Region,
		Service:        r.Service(),
		Source:         r.SourceRef,
		Strategy:       r.BuildStrategy,
		DockerfilePath: r.DockerfilePath,
		Attempt:        r.Attempt,
		Autonomous:     r.IsAutonomousMode,
	}
}

// ServiceSpec returns what the deploy backend needs.
func (r *Request) ServiceSpec() ServiceSpec {
	return ServiceSpec{
		Project:      r.Project,
		Region:       r.Region,
		Name:         r.Service(),
		Existing:     r.DeploymentType == DeploymentExisting,
		Env:          append([]EnvVar(nil), r.EnvironmentVariables...),
		Secrets:      append([]SecretMount(nil), r.Secrets...),
		MinInstances: r.MinInstances,
		MaxInstances: r.MaxInstances,
	}
}

func (r *Request) strategyLabel() string {
	if r.BuildStrategy == StrategyDockerfile {
		return fmt.Sprintf("%s (Path: %s)", r.BuildStrategy, r.DockerfilePath)
	}
	return string(r.BuildStrategy)
}
