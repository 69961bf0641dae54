package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/genai"
)

const (
	ProviderGemini    = "gemini"
	ProviderGeminiAPI = "gemini-api"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

const (
	openAIBaseURL    = "https://api.openai.com/v1"
	anthropicBaseURL = "https://api.anthropic.com/v1"
	anthropicVersion = "2023-06-01"

	openAIModel  = "gpt-4o-mini"
	geminiModel  = "gemini-2.5-flash"
	maxAnswerLen = 4000
)

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

type messagesRequest struct {
	Model       string        `json:"model"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature,omitempty"`
	Messages    []chatMessage `json:"messages"`
}

type messagesResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

// Models are listed newest first.
type modelsResponse struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

// Options selects and configures a provider.
type Options struct {
	Provider string
	// APIKey may be the name of an environment variable holding the key.
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// Client sends prompts to one LLM provider.
type Client struct {
	provider string
	key      string
	baseURL  string
	model    string
	gemini   *genai.Client
	http     *http.Client
	log      logrus.FieldLogger
}

var envVarName = regexp.MustCompile(`^[A-Z][A-Z0-9_]{7,}$`)

// resolveKey treats an upper-case identifier as the name of an environment
// variable. Unset variables leave the value as is.
func resolveKey(key string) string {
	key = strings.TrimSpace(key)
	if !envVarName.MatchString(key) {
		return key
	}
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return key
}

// NewClient never fails: a Gemini setup that cannot start falls back to
// OpenAI when a key is around, and otherwise errors on the first prompt.
func NewClient(ctx context.Context, opts Options, log logrus.FieldLogger) *Client {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Minute
	}
	c := &Client{
		provider: strings.ToLower(strings.TrimSpace(opts.Provider)),
		key:      resolveKey(opts.APIKey),
		baseURL:  strings.TrimRight(opts.BaseURL, "/"),
		model:    strings.TrimSpace(opts.Model),
		http:     &http.Client{Timeout: opts.Timeout},
		log:      log.WithField("component", "ai"),
	}

	switch c.provider {
	case ProviderGemini, ProviderGeminiAPI:
		cfg := &genai.ClientConfig{}
		if c.provider == ProviderGeminiAPI {
			if c.key == "" {
				c.fallback(errors.New("gemini-api needs an API key"))
				break
			}
			cfg.APIKey, cfg.Backend = c.key, genai.BackendGeminiAPI
		}
		gc, err := genai.NewClient(ctx, cfg)
		if err != nil {
			c.fallback(err)
			break
		}
		c.gemini = gc
	case ProviderAnthropic:
		c.baseURL = orDefault(c.baseURL, anthropicBaseURL)
	default:
		c.provider = ProviderOpenAI
		c.baseURL = orDefault(c.baseURL, openAIBaseURL)
	}
	return c
}

func (c *Client) fallback(reason error) {
	key := c.key
	if key == "" {
		key = strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
	}
	if key == "" {
		c.log.WithError(reason).Warn("gemini unavailable and no OpenAI key to fall back to")
		return
	}
	c.log.WithError(reason).Warn("gemini unavailable, using OpenAI")
	c.provider, c.key, c.baseURL, c.model = ProviderOpenAI, key, openAIBaseURL, ""
}

// Provider returns the provider in use after any fallback.
func (c *Client) Provider() string { return c.provider }

// AskPrompt sends prompt as a single user message and returns the text of
// the answer.
func (c *Client) AskPrompt(ctx context.Context, prompt string) (string, error) {
	switch c.provider {
	case ProviderGemini, ProviderGeminiAPI:
		return c.askGemini(ctx, prompt)
	case ProviderAnthropic:
		return c.askAnthropic(ctx, prompt)
	case ProviderOpenAI:
		return c.askOpenAI(ctx, prompt)
	}
	return "", fmt.Errorf("unsupported AI provider %q", c.provider)
}

func (c *Client) askGemini(ctx context.Context, prompt string) (string, error) {
	if c.gemini == nil {
		return "", errors.New("gemini client not initialized")
	}
	resp, err := c.gemini.Models.GenerateContent(ctx, orDefault(c.model, geminiModel),
		[]*genai.Content{genai.NewContentFromText(prompt, genai.RoleUser)}, nil)
	if err != nil {
		return "", fmt.Errorf("gemini: %w", err)
	}
	if text := resp.Text(); text != "" {
		return text, nil
	}
	return "", errors.New("gemini returned no text")
}

func (c *Client) askOpenAI(ctx context.Context, prompt string) (string, error) {
	if c.key == "" {
		return "", errors.New("OpenAI API key not configured")
	}
	var resp chatResponse
	err := c.call(ctx, http.MethodPost, "/chat/completions",
		map[string]string{"Authorization": "Bearer " + c.key},
		chatRequest{
			Model:    orDefault(c.model, openAIModel),
			Messages: []chatMessage{{Role: "user", Content: prompt}},
		}, &resp)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("openai returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

func (c *Client) askAnthropic(ctx context.Context, prompt string) (string, error) {
	if c.key == "" {
		return "", errors.New("Anthropic API key not configured")
	}
	headers := map[string]string{"x-api-key": c.key, "anthropic-version": anthropicVersion}

	model := c.model
	if model == "" {
		var models modelsResponse
		if err := c.call(ctx, http.MethodGet, "/models", headers, nil, &models); err != nil {
			return "", fmt.Errorf("list models: %w", err)
		}
		if len(models.Data) == 0 {
			return "", errors.New("anthropic returned no models")
		}
		model = models.Data[0].ID
	}

	var resp messagesResponse
	err := c.call(ctx, http.MethodPost, "/messages", headers, messagesRequest{
		Model:       model,
		MaxTokens:   maxAnswerLen,
		Temperature: 0.1,
		Messages:    []chatMessage{{Role: "user", Content: prompt}},
	}, &resp)
	if err != nil {
		return "", err
	}
	for _, part := range resp.Content {
		if part.Type == "text" && strings.TrimSpace(part.Text) != "" {
			return part.Text, nil
		}
	}
	return "", errors.New("anthropic returned no text")
}

// call sends in as JSON (when non-nil) and decodes a 200 answer into out.
func (c *Client) call(ctx context.Context, method, path string, headers map[string]string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s request: %w", c.provider, err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", c.provider, path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read %s response: %w", c.provider, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s %s failed with status %d: %s", c.provider, path, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s response: %w", c.provider, err)
	}
	return nil
}

// firstJSON returns the first complete JSON object or array in an answer,
// ignoring markdown fences and surrounding prose. Answers without one are
// returned trimmed.
func firstJSON(answer string) string {
	var kept []string
	for _, line := range strings.Split(strings.ReplaceAll(answer, "\r\n", "\n"), "\n") {
		if !strings.HasPrefix(strings.TrimSpace(line), "```") {
			kept = append(kept, line)
		}
	}
	s := strings.Join(kept, "\n")

	for i := strings.IndexAny(s, "{["); i >= 0; {
		var raw json.RawMessage
		if err := json.NewDecoder(strings.NewReader(s[i:])).Decode(&raw); err == nil {
			return string(raw)
		}
		next := strings.IndexAny(s[i+1:], "{[")
		if next < 0 {
			break
		}
		i += next + 1
	}
	return strings.TrimSpace(answer)
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
