package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/bedrock"
	"github.com/anthropics/anthropic-sdk-go/option"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"

	"github.com/imkarma/foreman/internal/config"
)

const maxTokens = 8192

// APIRunner calls an LLM provider directly. Anthropic and Bedrock go through
// the Anthropic SDK; OpenAI-compatible and Google endpoints use plain HTTP.
type APIRunner struct {
	name   string
	cfg    config.Agent
	apiKey string
	claude *anthropic.Client
	client *http.Client
}

// NewAPIRunner creates a runner for cfg.Provider.
func NewAPIRunner(name string, cfg config.Agent) (*APIRunner, error) {
	r := &APIRunner{
		name:   name,
		cfg:    cfg,
		client: &http.Client{Timeout: time.Duration(cfg.DefaultTimeout()) * time.Second},
	}

	switch cfg.Provider {
	case "bedrock":
		var loadOpts []func(*awsconfig.LoadOptions) error
		if cfg.Region != "" {
			loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
		}
		c := anthropic.NewClient(bedrock.WithLoadDefaultConfig(context.Background(), loadOpts...))
		r.claude = &c
		return r, nil
	case "anthropic", "openai", "google":
	default:
		return nil, fmt.Errorf("agent %s: unsupported API provider %q", name, cfg.Provider)
	}

	keyEnv := cfg.APIKeyEnv
	if keyEnv == "" {
		keyEnv = defaultKeyEnv[cfg.Provider]
	}
	r.apiKey = os.Getenv(keyEnv)
	if r.apiKey == "" {
		return nil, fmt.Errorf("agent %s: environment variable %s is not set", name, keyEnv)
	}
	if cfg.Provider == "anthropic" {
		c := anthropic.NewClient(option.WithAPIKey(r.apiKey))
		r.claude = &c
	}
	return r, nil
}

var defaultKeyEnv = map[string]string{
	"anthropic": "ANTHROPIC_API_KEY",
	"openai":    "OPENAI_API_KEY",
	"google":    "GEMINI_API_KEY",
}

func (r *APIRunner) Name() string { return r.name }
func (r *APIRunner) Mode() string { return "api" }

// Run sends the prompt to the configured provider. Provider-side failures
// are reported in the Response; only local errors are returned.
func (r *APIRunner) Run(ctx context.Context, req Request) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, req.deadline(r.cfg))
	defer cancel()
	start := time.Now()

	var (
		output string
		err    error
	)
	switch r.cfg.Provider {
	case "anthropic", "bedrock":
		output, err = r.runClaude(ctx, req)
	case "openai":
		output, err = r.runOpenAI(ctx, req)
	case "google":
		output, err = r.runGoogle(ctx, req)
	}

	resp := &Response{Output: output, Duration: time.Since(start).Seconds()}
	if err != nil {
		resp.ExitCode = -1
		resp.Error = fmt.Errorf("agent %s: %w", r.name, err)
	}
	return resp, nil
}

func (r *APIRunner) runClaude(ctx context.Context, req Request) (string, error) {
	model := anthropic.Model(r.cfg.Model)
	if model == "" {
		model = anthropic.ModelClaudeSonnet4_20250514
	}
	if r.cfg.Provider == "bedrock" {
		model = bedrockModel(model)
	}
	msg, err := r.claude.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     model,
		MaxTokens: maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("messages API: %w", err)
	}
	var sb strings.Builder
	for _, block := range msg.Content {
		if text, ok := block.AsAny().(anthropic.TextBlock); ok {
			sb.WriteString(text.Text)
		}
	}
	return sb.String(), nil
}

// bedrockModel maps Anthropic model names onto Bedrock cross-region
// inference profiles. Unknown names pass through.
func bedrockModel(m anthropic.Model) anthropic.Model {
	if strings.Contains(string(m), "anthropic.") {
		return m
	}
	switch m {
	case anthropic.ModelClaudeSonnet4_20250514,
		anthropic.ModelClaudeSonnet4_5_20250929,
		anthropic.ModelClaudeHaiku4_5_20251001,
		anthropic.ModelClaudeOpus4_1_20250805:
		return anthropic.Model("us.anthropic." + string(m) + "-v1:0")
	}
	return m
}

// runOpenAI handles OpenAI-compatible chat completion APIs.
func (r *APIRunner) runOpenAI(ctx context.Context, req Request) (string, error) {
	body := map[string]any{
		"model":      r.cfg.Model,
		"max_tokens": maxTokens,
		"messages":   []map[string]string{{"role": "user", "content": req.Prompt}},
	}
	var result struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	headers := map[string]string{"Authorization": "Bearer " + r.apiKey}
	if err := r.postJSON(ctx, "https://api.openai.com/v1/chat/completions", headers, body, &result); err != nil {
		return "", err
	}
	if len(result.Choices) == 0 {
		return "", nil
	}
	return result.Choices[0].Message.Content, nil
}

// runGoogle handles the Gemini generateContent API.
func (r *APIRunner) runGoogle(ctx context.Context, req Request) (string, error) {
	model := r.cfg.Model
	if model == "" {
		model = "gemini-2.5-pro"
	}
	url := fmt.Sprintf("https://generativelanguage.googleapis.com/v1beta/models/%s:generateContent", model)
	body := map[string]any{
		"contents": []map[string]any{
			{"parts": []map[string]string{{"text": req.Prompt}}},
		},
	}
	var result struct {
		Candidates []struct {
			Content struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"content"`
		} `json:"candidates"`
	}
	headers := map[string]string{"x-goog-api-key": r.apiKey}
	if err := r.postJSON(ctx, url, headers, body, &result); err != nil {
		return "", err
	}
	if len(result.Candidates) == 0 || len(result.Candidates[0].Content.Parts) == 0 {
		return "", nil
	}
	return result.Candidates[0].Content.Parts[0].Text, nil
}

func (r *APIRunner) postJSON(ctx context.Context, url string, headers map[string]string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := r.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("API call failed: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if httpResp.StatusCode != http.StatusOK {
		return fmt.Errorf("API returned status %d: %s", httpResp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}
