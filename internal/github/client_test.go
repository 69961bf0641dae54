package github

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/bgdnvk/stormcloud/internal/autofix"
	"github.com/bgdnvk/stormcloud/internal/deploy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

type fileWrite struct {
	Message string `json:"message"`
	Content string `json:"content"`
	SHA     string `json:"sha"`
	Branch  string `json:"branch"`
}

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "ghp_test"})
	c, err := NewClient(context.Background(), ts, nil).WithBaseURL(srv.URL)
	require.NoError(t, err)
	return c
}

var procfile = autofix.SuggestedFix{FilePath: "Procfile", Content: "web: gunicorn --bind 0.0.0.0:$PORT main:app"}

func TestApplyFix_UpdatesExistingFile(t *testing.T) {
	var got fileWrite
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/app/contents/Procfile", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer ghp_test", r.Header.Get("Authorization"))
		switch r.Method {
		case http.MethodGet:
			assert.Equal(t, "main", r.URL.Query().Get("ref"))
			_ = json.NewEncoder(w).Encode(map[string]string{
				"type":     "file",
				"encoding": "base64",
				"sha":      "abc123",
				"path":     "Procfile",
				"content":  base64.StdEncoding.EncodeToString([]byte("web: python main.py")),
			})
		case http.MethodPut:
			require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
			_, _ = w.Write([]byte(`{"content": {"path": "Procfile"}}`))
		}
	})

	err := newTestClient(t, mux).ApplyFix(context.Background(), deploy.SourceRef{RepoURL: "https://github.com/acme/app", Branch: "main"}, procfile)

	require.NoError(t, err)
	assert.Equal(t, "abc123", got.SHA)
	assert.Equal(t, "main", got.Branch)
	decoded, _ := base64.StdEncoding.DecodeString(got.Content)
	assert.Equal(t, procfile.Content, string(decoded))
	assert.Contains(t, got.Message, "Procfile")
}

func TestApplyFix_CreatesMissingFileOnDefaultBranch(t *testing.T) {
	var got fileWrite
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/app", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"name": "app", "default_branch": "trunk"}`))
	})
	mux.HandleFunc("/repos/acme/app/contents/Procfile", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"message": "Not Found"}`))
		case http.MethodPut:
			require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"content": {"path": "Procfile"}}`))
		}
	})

	err := newTestClient(t, mux).ApplyFix(context.Background(), deploy.SourceRef{RepoURL: "git@github.com:acme/app.git"}, procfile)

	require.NoError(t, err)
	assert.Equal(t, "trunk", got.Branch)
	assert.Empty(t, got.SHA)
}

func TestApplyFix_SameContentIsNoop(t *testing.T) {
	puts := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/app/contents/Procfile", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPut {
			puts++
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{
			"type":     "file",
			"encoding": "base64",
			"sha":      "abc123",
			"content":  base64.StdEncoding.EncodeToString([]byte(procfile.Content)),
		})
	})

	err := newTestClient(t, mux).ApplyFix(context.Background(), deploy.SourceRef{RepoURL: "acme/app", Branch: "main"}, procfile)

	require.NoError(t, err)
	assert.Zero(t, puts)
}

func TestApplyFix_WriteRejected(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/app/contents/Procfile", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"message": "Resource not accessible by integration"}`))
	})

	err := newTestClient(t, mux).ApplyFix(context.Background(), deploy.SourceRef{RepoURL: "acme/app", Branch: "main"}, procfile)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "create Procfile")
}

func TestParseRepoURL(t *testing.T) {
	tests := []struct {
		in          string
		owner, repo string
		wantErr     bool
	}{
		{in: "https://github.com/acme/app", owner: "acme", repo: "app"},
		{in: "https://github.com/acme/app.git/", owner: "acme", repo: "app"},
		{in: "git@github.com:acme/app.git", owner: "acme", repo: "app"},
		{in: "acme/app", owner: "acme", repo: "app"},
		{in: "https://github.com/acme", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			owner, repo, err := ParseRepoURL(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.owner, owner)
			assert.Equal(t, tt.repo, repo)
		})
	}
}

func TestProfile_ReadsKeyFiles(t *testing.T) {
	files := map[string]string{
		"Procfile":         "web: python main.py",
		"requirements.txt": "flask==3.0.0",
	}
	var (
		mu      sync.Mutex
		fetched []string
	)
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/app/contents/", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "main", r.URL.Query().Get("ref"))
		name := strings.TrimPrefix(r.URL.Path, "/repos/acme/app/contents/")
		if name == "" {
			_ = json.NewEncoder(w).Encode([]map[string]string{
				{"type": "file", "name": "Procfile", "path": "Procfile"},
				{"type": "file", "name": "requirements.txt", "path": "requirements.txt"},
				{"type": "file", "name": "main.py", "path": "main.py"},
				{"type": "dir", "name": "static", "path": "static"},
			})
			return
		}
		mu.Lock()
		fetched = append(fetched, name)
		mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]string{
			"type":     "file",
			"encoding": "base64",
			"name":     name,
			"content":  base64.StdEncoding.EncodeToString([]byte(files[name])),
		})
	})
	c := newTestClient(t, mux)

	profile, err := c.Profile(context.Background(), deploy.SourceRef{RepoURL: "https://github.com/acme/app", Branch: "main"})

	require.NoError(t, err)
	assert.Equal(t, "python", profile.Language)
	assert.Equal(t, "flask", profile.Framework)
	assert.Equal(t, files, profile.KeyFiles)
	assert.ElementsMatch(t, []string{"Procfile", "requirements.txt"}, fetched)
}

func TestProfile_ListFailure(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/app/contents/", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"message": "Not Found"}`))
	})

	_, err := newTestClient(t, mux).Profile(context.Background(), deploy.SourceRef{RepoURL: "acme/app", Branch: "main"})

	assert.ErrorContains(t, err, "list acme/app")
}
