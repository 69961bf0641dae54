package deploy

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/bgdnvk/stormcloud/internal/stream"
)

// BuildSpec is the input of the build phase.
type BuildSpec struct {
	Project        string
	Region         string
	Service        string
	Source         SourceRef
	Strategy       BuildStrategy
	DockerfilePath string

	// Attempt is zero-based; Autonomous marks builds started by the retry
	// controller's session.
	Attempt    int
	Autonomous bool
}

// ImageRef identifies a built container image.
type ImageRef struct {
	Repository string // e.g. us-central1-docker.pkg.dev/proj/cloud-run-source-deploy
	Name       string
	Tag        string
	Digest     string
	BuildID    string
}

func (i ImageRef) String() string {
	ref := i.Repository + "/" + i.Name
	if i.Digest != "" {
		return ref + "@" + i.Digest
	}
	if i.Tag != "" {
		return ref + ":" + i.Tag
	}
	return ref
}

// ServiceSpec is the input of the deploy phase.
type ServiceSpec struct {
	Project      string
	Region       string
	Name         string
	Existing     bool
	Env          []EnvVar
	Secrets      []SecretMount
	MinInstances int
	MaxInstances int
}

// Backend is the external build/deploy system. Every method may be slow
// and must honour ctx.
type Backend interface {
	Build(ctx context.Context, spec BuildSpec) (ImageRef, error)
	Push(ctx context.Context, image ImageRef) error
	Deploy(ctx context.Context, image ImageRef, spec ServiceSpec) (string, error)
	WireCI(ctx context.Context, build BuildSpec, spec ServiceSpec) error
}

// BuildError is a build the backend ran and reported as failed. Diagnostic
// is the backend's own message and is surfaced verbatim.
type BuildError struct {
	Diagnostic string
	LogURL     string
}

func (e *BuildError) Error() string {
	return e.Diagnostic
}

// SuccessMessagePrefix starts the deploy success message. Callers extract
// the address from the text that follows "URL: ".
const SuccessMessagePrefix = "Service deployed successfully."

var addressPattern = regexp.MustCompile(`URL: (https?://[^\s]+)`)

// SuccessMessage is the deploy phase's success text.
func SuccessMessage(address string) string {
	return fmt.Sprintf("%s URL: %s", SuccessMessagePrefix, address)
}

// ExtractAddress finds the service address in the deploy success event.
func ExtractAddress(events []stream.Event) (string, bool) {
	for _, e := range events {
		if e.Level != stream.LevelSuccess || !strings.Contains(e.Message, SuccessMessagePrefix) {
			continue
		}
		if e.Address != "" {
			return e.Address, true
		}
		if m := addressPattern.FindStringSubmatch(e.Message); m != nil {
			return m[1], true
		}
	}
	return "", false
}
