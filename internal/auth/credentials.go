package auth

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

const cloudPlatformScope = "https://www.googleapis.com/auth/cloud-platform"

// Credentials are the token sources a session uses for the cloud project
// and the source repository host. Source may be nil for public repositories.
type Credentials struct {
	Cloud  oauth2.TokenSource
	Source oauth2.TokenSource
}

// CredentialSource hands out credentials for a principal.
type CredentialSource interface {
	Credentials(ctx context.Context, p Principal) (*Credentials, error)
}

// DefaultCredentials uses the process' application default credentials for
// the cloud and a static token for the source host.
type DefaultCredentials struct {
	GitHubToken string
	Scopes      []string

	once  sync.Once
	cloud oauth2.TokenSource
	err   error
}

func (d *DefaultCredentials) Credentials(ctx context.Context, p Principal) (*Credentials, error) {
	if p.Email == "" {
		return nil, ErrUnauthenticated
	}
	d.once.Do(func() {
		scopes := d.Scopes
		if len(scopes) == 0 {
			scopes = []string{cloudPlatformScope}
		}
		creds, err := google.FindDefaultCredentials(context.WithoutCancel(ctx), scopes...)
		if err != nil {
			d.err = fmt.Errorf("find default credentials: %w", err)
			return
		}
		d.cloud = creds.TokenSource
	})
	if d.err != nil {
		return nil, d.err
	}

	c := &Credentials{Cloud: d.cloud}
	if d.GitHubToken != "" {
		c.Source = oauth2.StaticTokenSource(&oauth2.Token{AccessToken: d.GitHubToken})
	}
	return c, nil
}

// StaticCredentials returns fixed token sources. Used by the demo mode and
// in tests.
type StaticCredentials struct {
	Cloud  oauth2.TokenSource
	Source oauth2.TokenSource
}

func (s StaticCredentials) Credentials(_ context.Context, p Principal) (*Credentials, error) {
	if p.Email == "" {
		return nil, ErrUnauthenticated
	}
	return &Credentials{Cloud: s.Cloud, Source: s.Source}, nil
}
