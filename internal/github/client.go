package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"

	"github.com/bgdnvk/stormcloud/internal/autofix"
	"github.com/bgdnvk/stormcloud/internal/deploy"
	"github.com/google/go-github/v56/github"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"
)

// Client writes suggested fixes to GitHub repositories through the
// contents API.
type Client struct {
	client *github.Client
	log    logrus.FieldLogger
}

// NewClient returns a client authenticated with ts. A nil ts gives an
// anonymous client, which can read public repositories only.
func NewClient(ctx context.Context, ts oauth2.TokenSource, log logrus.FieldLogger) *Client {
	if log == nil {
		log = logrus.StandardLogger()
	}
	var client *github.Client
	if ts != nil {
		client = github.NewClient(oauth2.NewClient(ctx, ts))
	} else {
		client = github.NewClient(nil)
	}
	return &Client{client: client, log: log.WithField("component", "github")}
}

// WithBaseURL points the client at a GitHub Enterprise or test server.
func (c *Client) WithBaseURL(raw string) (*Client, error) {
	if !strings.HasSuffix(raw, "/") {
		raw += "/"
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse github base url: %w", err)
	}
	c.client.BaseURL = u
	return c, nil
}

// ParseRepoURL accepts https://github.com/owner/repo(.git),
// git@github.com:owner/repo.git and owner/repo.
func ParseRepoURL(raw string) (owner, repo string, err error) {
	s := strings.TrimSpace(raw)
	switch {
	case strings.HasPrefix(s, "git@"):
		_, s, _ = strings.Cut(s, ":")
	case strings.Contains(s, "://"):
		u, perr := url.Parse(s)
		if perr != nil {
			return "", "", fmt.Errorf("parse repository url %q: %w", raw, perr)
		}
		s = u.Path
	}
	s = strings.TrimSuffix(strings.Trim(s, "/"), ".git")
	parts := strings.Split(s, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("repository %q is not of the form owner/repo", raw)
	}
	return parts[0], parts[1], nil
}

// DefaultBranch returns the repository's default branch.
func (c *Client) DefaultBranch(ctx context.Context, owner, repo string) (string, error) {
	r, _, err := c.client.Repositories.Get(ctx, owner, repo)
	if err != nil {
		return "", fmt.Errorf("get repository %s/%s: %w", owner, repo, err)
	}
	if r.GetDefaultBranch() == "" {
		return "", fmt.Errorf("repository %s/%s has no default branch", owner, repo)
	}
	return r.GetDefaultBranch(), nil
}

// ApplyFix commits fix to the source branch, creating the file when it does
// not exist. A fix identical to the current content is a no-op.
func (c *Client) ApplyFix(ctx context.Context, source deploy.SourceRef, fix autofix.SuggestedFix) error {
	owner, repo, err := ParseRepoURL(source.RepoURL)
	if err != nil {
		return err
	}
	branch := source.Branch
	if branch == "" {
		if branch, err = c.DefaultBranch(ctx, owner, repo); err != nil {
			return err
		}
	}
	log := c.log.WithFields(logrus.Fields{"repo": owner + "/" + repo, "branch": branch, "path": fix.FilePath})

	opts := &github.RepositoryContentFileOptions{
		Message: github.String(fmt.Sprintf("Apply suggested deployment fix to %s", fix.FilePath)),
		Content: []byte(fix.Content),
		Branch:  github.String(branch),
	}

	current, _, resp, err := c.client.Repositories.GetContents(ctx, owner, repo, fix.FilePath, &github.RepositoryContentGetOptions{Ref: branch})
	switch {
	case err != nil && isNotFound(resp, err):
		log.Info("creating file")
		if _, _, err := c.client.Repositories.CreateFile(ctx, owner, repo, fix.FilePath, opts); err != nil {
			return fmt.Errorf("create %s: %w", fix.FilePath, err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("get %s: %w", fix.FilePath, err)
	case current == nil:
		return fmt.Errorf("%s is a directory", fix.FilePath)
	}

	existing, err := current.GetContent()
	if err == nil && existing == fix.Content {
		log.Info("file already has the suggested content")
		return nil
	}
	opts.SHA = github.String(current.GetSHA())
	log.Info("updating file")
	if _, _, err := c.client.Repositories.UpdateFile(ctx, owner, repo, fix.FilePath, opts); err != nil {
		return fmt.Errorf("update %s: %w", fix.FilePath, err)
	}
	return nil
}

// Profile reads the key files at the root of the source branch and
// detects the stack from them.
func (c *Client) Profile(ctx context.Context, source deploy.SourceRef) (deploy.RepoProfile, error) {
	owner, repo, err := ParseRepoURL(source.RepoURL)
	if err != nil {
		return deploy.RepoProfile{}, err
	}
	opts := &github.RepositoryContentGetOptions{Ref: source.Branch}

	_, entries, _, err := c.client.Repositories.GetContents(ctx, owner, repo, "", opts)
	if err != nil {
		return deploy.RepoProfile{}, fmt.Errorf("list %s/%s: %w", owner, repo, err)
	}

	var (
		mu    sync.Mutex
		files = map[string]string{}
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, entry := range entries {
		name := entry.GetName()
		if entry.GetType() != "file" || !slices.Contains(deploy.KeyFileNames, name) {
			continue
		}
		g.Go(func() error {
			fc, _, _, err := c.client.Repositories.GetContents(gctx, owner, repo, name, opts)
			if err != nil {
				return fmt.Errorf("get %s: %w", name, err)
			}
			content, err := fc.GetContent()
			if err != nil {
				return fmt.Errorf("decode %s: %w", name, err)
			}
			mu.Lock()
			files[name] = content
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return deploy.RepoProfile{}, err
	}

	profile := deploy.ProfileFiles(files)
	c.log.WithFields(logrus.Fields{"repo": owner + "/" + repo, "language": profile.Language, "files": len(files)}).Debug("profiled repository")
	return profile, nil
}

func isNotFound(resp *github.Response, err error) bool {
	if resp != nil && resp.StatusCode == http.StatusNotFound {
		return true
	}
	var errResp *github.ErrorResponse
	return errors.As(err, &errResp) && errResp.Response != nil && errResp.Response.StatusCode == http.StatusNotFound
}
