package autofix

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/bgdnvk/stormcloud/internal/deploy"
	"github.com/bgdnvk/stormcloud/internal/stream"
)

// ErrNoFix is returned by an Oracle that has nothing actionable to suggest.
var ErrNoFix = errors.New("no fix proposed")

// SuggestedFix replaces one file in the target repository.
type SuggestedFix struct {
	FilePath string `json:"filePath"`
	Content  string `json:"content"`
}

// Validate rejects fixes that cannot be applied to a repository as-is.
func (f *SuggestedFix) Validate() error {
	if f == nil {
		return ErrNoFix
	}
	p := strings.TrimSpace(f.FilePath)
	switch {
	case p == "":
		return errors.New("fix has no file path")
	case strings.HasPrefix(p, "/"):
		return fmt.Errorf("fix path %q must be relative to the repository root", p)
	case path.Clean(p) != p || strings.HasPrefix(p, "../") || p == "..":
		return fmt.Errorf("fix path %q is not a clean repository path", p)
	}
	return nil
}

// AppContext is what the oracle is told about the application.
type AppContext struct {
	Project        string
	Repository     string
	Branch         string
	Service        string
	Region         string
	BuildStrategy  string
	DockerfilePath string
	Attempt        int
	// Profile is empty when the repository could not be read.
	Profile        deploy.RepoProfile
}

func AppContextFor(req *deploy.Request) AppContext {
	return AppContext{
		Project:        req.Project,
		Repository:     req.RepoURL,
		Branch:         req.Branch,
		Service:        req.Service(),
		Region:         req.Region,
		BuildStrategy:  string(req.BuildStrategy),
		DockerfilePath: req.DockerfilePath,
		Attempt:        req.Attempt,
	}
}

// Oracle proposes a fix for a failed run. It returns ErrNoFix when it has
// no actionable suggestion.
type Oracle interface {
	Propose(ctx context.Context, history []stream.Event, app AppContext) (*SuggestedFix, error)
}

// Profiler reads the current state of the source repository.
type Profiler interface {
	Profile(ctx context.Context, source deploy.SourceRef) (deploy.RepoProfile, error)
}

// SourceMutator writes a fix to the source repository. A call either
// applies the whole fix or fails.
type SourceMutator interface {
	ApplyFix(ctx context.Context, source deploy.SourceRef, fix SuggestedFix) error
}

// Runner executes one pipeline run. *deploy.Pipeline satisfies it.
type Runner interface {
	Run(ctx context.Context, req *deploy.Request, emit stream.Emitter) deploy.Outcome
}
