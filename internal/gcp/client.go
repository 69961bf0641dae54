package gcp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	run "cloud.google.com/go/run/apiv2"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"google.golang.org/api/artifactregistry/v1"
	"google.golang.org/api/cloudbuild/v1"
	"google.golang.org/api/cloudresourcemanager/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/api/serviceusage/v1"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Client talks to the Google Cloud APIs a deployment needs. One Client is
// created per session from that session's credentials.
type Client struct {
	usage    *serviceusage.Service
	crm      *cloudresourcemanager.Service
	builds   *cloudbuild.Service
	registry *artifactregistry.Service

	opts    []option.ClientOption
	runOnce sync.Once
	run     *run.ServicesClient
	runErr  error

	log logrus.FieldLogger

	// PollInterval is the wait between long-running operation polls.
	PollInterval time.Duration
	// Repository is the Artifact Registry repository images are pushed to.
	Repository string
}

const defaultRepository = "cloud-run-source-deploy"

func ResolveProjectID() string {
	for _, env := range []string{"GCP_PROJECT", "GOOGLE_CLOUD_PROJECT", "GCLOUD_PROJECT"} {
		if v := strings.TrimSpace(os.Getenv(env)); v != "" {
			return v
		}
	}
	return ""
}

// New builds the API clients. When ts is nil the clients use application
// default credentials unless opts say otherwise.
func New(ctx context.Context, ts oauth2.TokenSource, log logrus.FieldLogger, opts ...option.ClientOption) (*Client, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if ts != nil {
		opts = append([]option.ClientOption{option.WithTokenSource(ts)}, opts...)
	}

	c := &Client{
		opts:         opts,
		log:          log.WithField("component", "gcp"),
		PollInterval: 2 * time.Second,
		Repository:   defaultRepository,
	}
	var err error
	if c.usage, err = serviceusage.NewService(ctx, opts...); err != nil {
		return nil, fmt.Errorf("service usage client: %w", err)
	}
	if c.crm, err = cloudresourcemanager.NewService(ctx, opts...); err != nil {
		return nil, fmt.Errorf("resource manager client: %w", err)
	}
	if c.builds, err = cloudbuild.NewService(ctx, opts...); err != nil {
		return nil, fmt.Errorf("cloud build client: %w", err)
	}
	if c.registry, err = artifactregistry.NewService(ctx, opts...); err != nil {
		return nil, fmt.Errorf("artifact registry client: %w", err)
	}
	return c, nil
}

// services returns the Cloud Run client, dialing it on first use.
func (c *Client) services(ctx context.Context) (*run.ServicesClient, error) {
	c.runOnce.Do(func() {
		c.run, c.runErr = run.NewServicesClient(context.WithoutCancel(ctx), c.opts...)
		if c.runErr != nil {
			c.runErr = fmt.Errorf("cloud run client: %w", c.runErr)
		}
	})
	return c.run, c.runErr
}

func (c *Client) Close() error {
	if c.run != nil {
		return c.run.Close()
	}
	return nil
}

var backoffs = []time.Duration{200 * time.Millisecond, 500 * time.Millisecond, 1200 * time.Millisecond}

// retry runs fn until it succeeds, fails with a non-retryable error or the
// backoffs run out. The returned error carries a hint when one applies.
func retry(ctx context.Context, what string, fn func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if ctx.Err() != nil || attempt >= len(backoffs) || !isRetryable(err) {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", what, ctx.Err())
		case <-time.After(backoffs[attempt]):
		}
	}
	return fmt.Errorf("%s: %w%s", what, err, errorHint(err))
}

func isRetryable(err error) bool {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return true
		}
		return false
	}
	switch status.Code(err) {
	case codes.Unavailable, codes.ResourceExhausted, codes.DeadlineExceeded:
		return true
	}
	return false
}

func isNotFound(err error) bool {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code == http.StatusNotFound
	}
	return status.Code(err) == codes.NotFound
}

func isConflict(err error) bool {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code == http.StatusConflict
	}
	return status.Code(err) == codes.AlreadyExists
}

func errorHint(err error) string {
	code := 0
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		code = apiErr.Code
	} else {
		switch status.Code(err) {
		case codes.PermissionDenied:
			code = http.StatusForbidden
		case codes.Unauthenticated:
			code = http.StatusUnauthorized
		case codes.NotFound:
			code = http.StatusNotFound
		}
	}
	lower := strings.ToLower(err.Error())
	switch {
	case strings.Contains(lower, "has not been used") || (strings.Contains(lower, "api") && strings.Contains(lower, "disabled")):
		return " (hint: enable the API for this service)"
	case strings.Contains(lower, "billing"):
		return " (hint: billing may be disabled for the project)"
	case code == http.StatusUnauthorized:
		return " (hint: credentials are missing or expired)"
	case code == http.StatusForbidden:
		return " (hint: missing IAM permissions or project access)"
	case code == http.StatusNotFound && strings.Contains(lower, "project"):
		return " (hint: project_id may be incorrect)"
	default:
		return ""
	}
}

// poll calls check until it reports done, ctx ends or check fails.
func (c *Client) poll(ctx context.Context, check func() (bool, error)) error {
	for {
		done, err := check()
		if err != nil || done {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.PollInterval):
		}
	}
}
