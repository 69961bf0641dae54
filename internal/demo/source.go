package demo

import (
	"context"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/bgdnvk/stormcloud/internal/autofix"
	"github.com/bgdnvk/stormcloud/internal/deploy"
)

const (
	devopsMarker = "---DEVOPS EXPERT MODE---"

	fixedProcfile = "web: gunicorn --bind 0.0.0.0:$PORT main:app"
	explanation   = "The error 'gunicorn command not found' suggests the web process in your Procfile is misconfigured. I've corrected it to use a standard gunicorn command."
)

// Assistant answers fix prompts with a Procfile correction. It plugs into
// ai.FixOracle in place of a real model.
type Assistant struct{}

func (Assistant) AskPrompt(_ context.Context, prompt string) (string, error) {
	if !strings.Contains(prompt, devopsMarker) {
		return "This is a demo response from the assistant.", nil
	}
	return `{"explanation": "` + explanation + `", "suggestedFix": {"filePath": "Procfile", "content": "` + fixedProcfile + `"}}`, nil
}

// seedFiles is what every demo repository starts with: a Flask app whose
// Procfile does not start a web server.
var seedFiles = map[string]string{
	"Procfile":         "web: python main.py",
	"requirements.txt": "flask==3.0.0\n",
	"main.py":          "from flask import Flask\n\napp = Flask(__name__)\n",
}

// Source is an in-memory repository host.
type Source struct {
	mu    sync.Mutex
	files map[string]map[string]string
}

func NewSource() *Source {
	return &Source{files: map[string]map[string]string{}}
}

func (s *Source) ApplyFix(ctx context.Context, source deploy.SourceRef, fix autofix.SuggestedFix) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.repo(source)[fix.FilePath] = fix.Content
	return nil
}

// repo returns the files of source, seeding them on first use. Callers
// hold s.mu.
func (s *Source) repo(source deploy.SourceRef) map[string]string {
	key := source.String()
	if s.files[key] == nil {
		s.files[key] = maps.Clone(seedFiles)
	}
	return s.files[key]
}

func (s *Source) Profile(ctx context.Context, source deploy.SourceRef) (deploy.RepoProfile, error) {
	if err := ctx.Err(); err != nil {
		return deploy.RepoProfile{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	files := map[string]string{}
	for name, content := range s.repo(source) {
		if slices.Contains(deploy.KeyFileNames, name) {
			files[name] = content
		}
	}
	return deploy.ProfileFiles(files), nil
}

// File returns the content last written to path.
func (s *Source) File(source deploy.SourceRef, path string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	content, ok := s.repo(source)[path]
	return content, ok
}
