package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/bgdnvk/stormcloud/internal/server"
	"github.com/bgdnvk/stormcloud/internal/stream"
	"google.golang.org/api/idtoken"
)

// apiClient talks to a running stormcloud server.
type apiClient struct {
	baseURL string
	http    *http.Client
}

// newAPIClient returns a client for baseURL. With an audience the requests
// carry a Google-signed ID token, which is what IAP expects from
// programmatic callers.
func newAPIClient(ctx context.Context, baseURL, audience string) (*apiClient, error) {
	hc := &http.Client{}
	if audience != "" {
		var err error
		if hc, err = idtoken.NewClient(ctx, audience); err != nil {
			return nil, fmt.Errorf("id token client: %w", err)
		}
	}
	return &apiClient{baseURL: strings.TrimRight(baseURL, "/"), http: hc}, nil
}

// stream posts body to path and returns the open progress stream and the
// session id. The caller closes the response body.
func (c *apiClient) stream(ctx context.Context, path string, body any) (*http.Response, string, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", stream.ContentType)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, "", apiError(resp)
	}
	return resp, resp.Header.Get(server.SessionHeader), nil
}

func (c *apiClient) cancel(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/api/sessions/"+id, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		return apiError(resp)
	}
	return nil
}

func apiError(resp *http.Response) error {
	var body struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Message == "" {
		return fmt.Errorf("server returned %s", resp.Status)
	}
	return fmt.Errorf("server returned %s: %s", resp.Status, body.Message)
}
