// Package gemini turns a conversation transcript and a credential into
// generated reply text via the Gemini API.
//
// Two cooperating retry layers wrap every generation: an outer contextual
// retry with exponential backoff around the whole call, and an inner
// raw-call retry whose per-attempt timeout grows with the attempt number.
// Terminal failures (bad credential, quota) short-circuit both layers.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/ume-tora/replyhub/internal/protocol"
	"github.com/ume-tora/replyhub/internal/retry"
)

// keyPrefix is the published prefix of Gemini API keys. Checked locally
// before any network call.
const keyPrefix = "AIza"

// DefaultModel is used when the config does not name one.
const DefaultModel = "gemini-2.0-flash"

// Documented generation defaults; caller parameters merge over these.
const (
	defaultTemperature     float32 = 0.7
	defaultTopK            float32 = 40
	defaultTopP            float32 = 0.95
	defaultMaxOutputTokens int32   = 1024
)

const (
	outerAttempts = 3
	innerAttempts = 3

	// defaultBaseTimeout is the inner layer's first-attempt deadline;
	// attempt n gets n times this. A slow-but-successful call beats a
	// premature abort.
	defaultBaseTimeout = 8 * time.Second
)

// Params are caller overrides on the generation defaults.
type Params struct {
	Temperature     *float32
	TopK            *float32
	TopP            *float32
	MaxOutputTokens int32
}

// Config configures the client.
type Config struct {
	// Model names the Gemini model. Defaults to DefaultModel.
	Model string
	// BaseTimeout is the inner layer's first-attempt deadline.
	BaseTimeout time.Duration
	// Logger receives attempt-level diagnostics.
	Logger *slog.Logger
}

// Client generates replies. Safe for concurrent use.
type Client struct {
	model       string
	baseTimeout time.Duration
	logger      *slog.Logger

	// outerRetry is the contextual retry policy around whole calls.
	outerRetry retry.Config
	// rateLimitDelay and transientDelay are the inner layer's linear
	// backoff bases, multiplied by the attempt number.
	rateLimitDelay time.Duration
	transientDelay time.Duration

	// generate performs one raw provider call; tests replace it.
	generate generateFunc
}

type generateFunc func(ctx context.Context, credential, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)

// NewClient creates a reply client.
func NewClient(config Config) *Client {
	c := &Client{
		model:          config.Model,
		baseTimeout:    config.BaseTimeout,
		logger:         config.Logger,
		outerRetry:     retry.Exponential(outerAttempts, time.Second, 10*time.Second),
		rateLimitDelay: 2000 * time.Millisecond,
		transientDelay: 1000 * time.Millisecond,
		generate:       sdkGenerate,
	}
	if c.model == "" {
		c.model = DefaultModel
	}
	if c.baseTimeout <= 0 {
		c.baseTimeout = defaultBaseTimeout
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

// sdkGenerate is the production raw call. The credential may change between
// requests, so the SDK client is constructed per call.
func sdkGenerate(ctx context.Context, credential, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  credential,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, err
	}
	return client.Models.GenerateContent(ctx, model, contents, config)
}

// ValidateKey checks the credential's shape: non-empty and carrying the
// provider's published prefix. Local and instantaneous, never retried.
func (c *Client) ValidateKey(credential string) error {
	if strings.TrimSpace(credential) == "" {
		return &ValidationError{Reason: "API key is required"}
	}
	if !strings.HasPrefix(credential, keyPrefix) {
		return &ValidationError{Reason: fmt.Sprintf("API key must start with %q", keyPrefix)}
	}
	return nil
}

// Generate produces a reply for the transcript. This is the outer retry
// layer: up to three attempts with exponential backoff, aborting immediately
// on terminal errors, and naming the attempt count in the final error.
func (c *Client) Generate(ctx context.Context, credential string, messages []protocol.Message, params *Params) (string, error) {
	if err := c.ValidateKey(credential); err != nil {
		return "", err
	}
	contents, err := buildContents(messages)
	if err != nil {
		return "", err
	}
	config, err := buildConfig(params)
	if err != nil {
		return "", err
	}

	text, result := retry.DoWithValue(ctx, c.outerRetry,
		func(attempt int) (string, error) {
			reply, err := c.generateOnce(ctx, credential, contents, config)
			if err == nil {
				return reply, nil
			}
			c.logger.Warn("reply generation attempt failed", "attempt", attempt, "error", err)
			var validation *ValidationError
			if IsTerminal(err) || errors.As(err, &validation) {
				return "", retry.Permanent(err)
			}
			return "", err
		})

	if result.Err == nil {
		return text, nil
	}
	if perm, ok := unwrapPermanent(result.Err); ok {
		return "", perm
	}
	return "", fmt.Errorf("reply generation failed after %d attempts: %w", result.Attempts, result.Err)
}

// generateOnce is the inner retry layer around the raw provider call. Each
// attempt gets a growing deadline; rate limiting and server errors back off
// linearly and longer than other transient failures; exhausted deadlines
// surface as a timeout error naming the attempt count.
func (c *Client) generateOnce(ctx context.Context, credential string, contents []*genai.Content, config *genai.GenerateContentConfig) (string, error) {
	var lastErr error
	timedOut := 0

	for attempt := 1; attempt <= innerAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		attemptCtx, cancel := context.WithTimeout(ctx, c.baseTimeout*time.Duration(attempt))
		resp, err := c.generate(attemptCtx, credential, c.model, contents, config)
		cancel()

		if err == nil {
			return extractText(resp)
		}

		switch classify(err) {
		case classTerminal:
			return "", &TerminalAPIError{Status: statusOf(err), Message: err.Error()}
		case classTimeout:
			timedOut++
			lastErr = err
			if attempt < innerAttempts {
				continue
			}
		case classRateLimited:
			lastErr = &TransientAPIError{Status: statusOf(err), Message: err.Error(), Err: err}
			if attempt < innerAttempts {
				if serr := sleepCtx(ctx, time.Duration(attempt)*c.rateLimitDelay); serr != nil {
					return "", serr
				}
				continue
			}
		default:
			lastErr = &TransientAPIError{Status: statusOf(err), Message: err.Error(), Err: err}
			if attempt < innerAttempts {
				if serr := sleepCtx(ctx, time.Duration(attempt)*c.transientDelay); serr != nil {
					return "", serr
				}
				continue
			}
		}
	}

	if timedOut == innerAttempts {
		return "", &TimeoutError{Attempts: innerAttempts}
	}
	return "", lastErr
}

// buildContents maps transcript turns to the provider's role vocabulary.
func buildContents(messages []protocol.Message) ([]*genai.Content, error) {
	if len(messages) == 0 {
		return nil, &ValidationError{Reason: "transcript is empty"}
	}
	contents := make([]*genai.Content, 0, len(messages))
	for _, msg := range messages {
		if strings.TrimSpace(msg.Content) == "" {
			continue
		}
		role := genai.RoleUser
		switch msg.Role {
		case "model", "assistant":
			role = genai.RoleModel
		}
		contents = append(contents, &genai.Content{
			Role: role,
			Parts: []*genai.Part{
				{Text: msg.Content},
			},
		})
	}
	if len(contents) == 0 {
		return nil, &ValidationError{Reason: "transcript has no non-empty turns"}
	}
	return contents, nil
}

// buildConfig merges caller parameters over the documented defaults and
// attaches the fixed content-safety thresholds.
func buildConfig(params *Params) (*genai.GenerateContentConfig, error) {
	temperature := defaultTemperature
	topK := defaultTopK
	topP := defaultTopP
	maxTokens := defaultMaxOutputTokens

	if params != nil {
		if params.Temperature != nil {
			if *params.Temperature < 0 || *params.Temperature > 2 {
				return nil, &ValidationError{Reason: "temperature must be between 0 and 2"}
			}
			temperature = *params.Temperature
		}
		if params.TopK != nil {
			if *params.TopK < 1 {
				return nil, &ValidationError{Reason: "topK must be at least 1"}
			}
			topK = *params.TopK
		}
		if params.TopP != nil {
			if *params.TopP < 0 || *params.TopP > 1 {
				return nil, &ValidationError{Reason: "topP must be between 0 and 1"}
			}
			topP = *params.TopP
		}
		if params.MaxOutputTokens > 0 {
			maxTokens = params.MaxOutputTokens
		}
	}

	return &genai.GenerateContentConfig{
		Temperature:     float32Ptr(temperature),
		TopK:            float32Ptr(topK),
		TopP:            float32Ptr(topP),
		MaxOutputTokens: maxTokens,
		SafetySettings:  safetySettings(),
	}, nil
}

func safetySettings() []*genai.SafetySetting {
	categories := []genai.HarmCategory{
		genai.HarmCategoryHarassment,
		genai.HarmCategoryHateSpeech,
		genai.HarmCategorySexuallyExplicit,
		genai.HarmCategoryDangerousContent,
	}
	settings := make([]*genai.SafetySetting, 0, len(categories))
	for _, category := range categories {
		settings = append(settings, &genai.SafetySetting{
			Category:  category,
			Threshold: genai.HarmBlockThresholdBlockMediumAndAbove,
		})
	}
	return settings
}

// extractText pulls the generated text out of the response. Each missing
// layer is a distinct validation failure, never coerced to an empty string.
func extractText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return "", &ValidationError{Reason: "response contained no candidates"}
	}
	candidate := resp.Candidates[0]
	if candidate == nil || candidate.Content == nil || len(candidate.Content.Parts) == 0 {
		return "", &ValidationError{Reason: "candidate contained no content parts"}
	}
	text := candidate.Content.Parts[0].Text
	if strings.TrimSpace(text) == "" {
		return "", &ValidationError{Reason: "generated text is empty"}
	}
	return text, nil
}

func float32Ptr(v float32) *float32 { return &v }

// unwrapPermanent strips the retry marker so callers see the terminal or
// validation error itself.
func unwrapPermanent(err error) (error, bool) {
	var perm *retry.PermanentError
	if errors.As(err, &perm) {
		return perm.Err, true
	}
	return nil, false
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
