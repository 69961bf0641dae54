package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/bgdnvk/stormcloud/internal/autofix"
	"github.com/bgdnvk/stormcloud/internal/stream"
	"github.com/sirupsen/logrus"
)

// Prompter is anything that answers a raw prompt. *Client satisfies it.
type Prompter interface {
	AskPrompt(ctx context.Context, prompt string) (string, error)
}

type fixResponse struct {
	Explanation  string                `json:"explanation"`
	SuggestedFix *autofix.SuggestedFix `json:"suggestedFix"`
}

// FixOracle asks an LLM to explain a failed deployment and propose a single
// file change.
type FixOracle struct {
	llm Prompter
	log logrus.FieldLogger
}

func NewFixOracle(llm Prompter, log logrus.FieldLogger) *FixOracle {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &FixOracle{llm: llm, log: log.WithField("component", "fix-oracle")}
}

func (o *FixOracle) Propose(ctx context.Context, history []stream.Event, app autofix.AppContext) (*autofix.SuggestedFix, error) {
	answer, err := o.llm.AskPrompt(ctx, buildFixPrompt(history, app))
	if err != nil {
		return nil, fmt.Errorf("ask fix oracle: %w", err)
	}

	raw := firstJSON(answer)
	var resp fixResponse
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		return nil, fmt.Errorf("malformed fix oracle response: %w", err)
	}
	o.log.WithFields(logrus.Fields{"service": app.Service, "attempt": app.Attempt}).Infof("fix oracle: %s", strings.TrimSpace(resp.Explanation))

	if resp.SuggestedFix == nil || strings.TrimSpace(resp.SuggestedFix.FilePath) == "" {
		return nil, autofix.ErrNoFix
	}
	fix := *resp.SuggestedFix
	fix.FilePath = strings.TrimSpace(fix.FilePath)
	return &fix, nil
}

func buildFixPrompt(history []stream.Event, app autofix.AppContext) string {
	var b strings.Builder
	b.WriteString("---DEVOPS EXPERT MODE---\n")
	b.WriteString("Analyze the following deployment log for errors, warnings, or potential improvements. ")
	b.WriteString("If an error is found, provide a concise explanation and a structured JSON object with a 'suggestedFix' containing a 'filePath' and the corrected file 'content'.\n")
	b.WriteString(`Respond with JSON only: {"explanation": "...", "suggestedFix": {"filePath": "...", "content": "..."}}. `)
	b.WriteString(`Use "suggestedFix": null when no file change would fix the deployment.` + "\n\n")

	b.WriteString("---APPLICATION---\n")
	fmt.Fprintf(&b, "Repository: %s (branch %s)\n", app.Repository, app.Branch)
	fmt.Fprintf(&b, "Service: %s in %s, project %s\n", app.Service, app.Region, app.Project)
	fmt.Fprintf(&b, "Build strategy: %s", app.BuildStrategy)
	if app.DockerfilePath != "" {
		fmt.Fprintf(&b, " (Dockerfile: %s)", app.DockerfilePath)
	}
	fmt.Fprintf(&b, "\nPrevious fixes applied: %d\n", app.Attempt)
	if p := app.Profile; p.Language != "" {
		fmt.Fprintf(&b, "Stack: %s", p.Language)
		if p.Framework != "" {
			fmt.Fprintf(&b, " (%s)", p.Framework)
		}
		b.WriteByte('\n')
	}
	b.WriteByte('\n')

	if files := app.Profile.FileNames(); len(files) > 0 {
		b.WriteString("---REPOSITORY FILES---\n")
		for _, name := range files {
			fmt.Fprintf(&b, "%s:\n%s\n\n", name, strings.TrimRight(app.Profile.KeyFiles[name], "\n"))
		}
	}

	b.WriteString("---DEPLOYMENT LOG---\n")
	for _, e := range history {
		b.WriteString(e.String())
		b.WriteByte('\n')
	}
	return b.String()
}
