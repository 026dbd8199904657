package llm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spherical/markdown-ocr/internal/config"
	"github.com/spherical/markdown-ocr/internal/domain"
	"github.com/spherical/markdown-ocr/internal/observability"
)

const (
	chatCompletionsPath = "/chat/completions"
	modelsPath          = "/models"
	pingTimeout         = 10 * time.Second
	imageDetail         = "high"

	// maxErrorBody bounds how much of a non-2xx body is read into an error.
	maxErrorBody = 4 << 10
)

// Client talks to a local OpenAI-compatible model server (Ollama or LM Studio)
type Client struct {
	provider      string
	baseURL       string
	apiKey        string
	model         string
	visionModel   string
	visionEnabled bool
	temperature   float64
	textTimeout   time.Duration
	visionTimeout time.Duration
	stream        bool
	httpClient    *http.Client
	logger        *observability.Logger
}

// Options configures a Client.
type Options struct {
	Provider      string
	BaseURL       string
	APIKey        string
	Model         string
	VisionModel   string
	VisionEnabled bool
	Temperature   float64
	TextTimeout   time.Duration
	VisionTimeout time.Duration
	Stream        bool
	HTTPClient    *http.Client
	Logger        *observability.Logger
}

// Message represents a chat message. Content is either a plain string or a
// list of ContentPart values.
type Message struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

// ContentPart represents a part of message content (text or image)
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// ImageURL represents an image URL in the message
type ImageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

// Request represents the API request structure
type Request struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	Stream      bool      `json:"stream"`
}

// Response represents the API response structure
type Response struct {
	ID      string   `json:"id"`
	Choices []Choice `json:"choices"`
}

// Choice represents a single completion choice
type Choice struct {
	Delta        Delta  `json:"delta"`
	Message      Delta  `json:"message"`
	FinishReason string `json:"finish_reason"`
}

// Delta represents a message delta in streaming response
type Delta struct {
	Content string `json:"content"`
	Role    string `json:"role"`
}

// NewClient creates a new LLM client
func NewClient(opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, domain.ConfigError("model server base url is required", nil)
	}
	if opts.Model == "" {
		return nil, domain.ConfigError("model name is required", nil)
	}
	if opts.VisionModel == "" {
		opts.VisionModel = opts.Model
	}
	if opts.TextTimeout <= 0 {
		opts.TextTimeout = 120 * time.Second
	}
	if opts.VisionTimeout <= 0 {
		opts.VisionTimeout = 180 * time.Second
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.Logger == nil {
		opts.Logger = observability.Nop()
	}

	return &Client{
		provider:      opts.Provider,
		baseURL:       strings.TrimRight(opts.BaseURL, "/"),
		apiKey:        opts.APIKey,
		model:         opts.Model,
		visionModel:   opts.VisionModel,
		visionEnabled: opts.VisionEnabled,
		temperature:   opts.Temperature,
		textTimeout:   opts.TextTimeout,
		visionTimeout: opts.VisionTimeout,
		stream:        opts.Stream,
		httpClient:    opts.HTTPClient,
		logger:        opts.Logger.WithOperation("llm"),
	}, nil
}

// NewBackend builds the client for the configured provider.
func NewBackend(cfg *config.Config, logger *observability.Logger) (*Client, error) {
	switch cfg.LLM.Provider {
	case config.ProviderOllama, config.ProviderLMStudio:
	default:
		return nil, domain.ConfigError(fmt.Sprintf("unsupported provider %q", cfg.LLM.Provider), nil)
	}

	return NewClient(Options{
		Provider:      cfg.LLM.Provider,
		BaseURL:       cfg.BaseURL(),
		APIKey:        cfg.LLM.APIKey,
		Model:         cfg.LLM.ModelName,
		VisionModel:   cfg.VisionModel(),
		VisionEnabled: cfg.LLM.UseVision,
		Temperature:   cfg.LLM.Temperature,
		TextTimeout:   cfg.LLM.TextTimeout,
		VisionTimeout: cfg.LLM.VisionTimeout,
		Stream:        cfg.LLM.Stream,
		Logger:        logger,
	})
}

// Provider returns the configured provider name.
func (c *Client) Provider() string {
	return c.provider
}

// BaseURL returns the model server URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Convert sends one page request and returns the model's markdown verbatim.
// It makes exactly one attempt; retries belong to the caller.
func (c *Client) Convert(ctx context.Context, mreq domain.ModelRequest) (string, error) {
	if mreq.Mode == domain.PageModeVision {
		if !c.visionEnabled {
			return "", domain.ProviderRejectedError("vision request sent to a text-only backend", nil)
		}
		if mreq.Image == nil || len(mreq.Image.Data) == 0 {
			return "", domain.ProviderRejectedError("vision request without a page image", nil)
		}
	}

	timeout := c.textTimeout
	if mreq.Mode == domain.PageModeVision {
		timeout = c.visionTimeout
	}

	body, err := json.Marshal(c.buildRequest(mreq))
	if err != nil {
		return "", domain.ProviderRejectedError("failed to encode request", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	content, err := c.post(callCtx, body, timeout)
	c.logger.WithContext(ctx).Debug().
		Int("page", mreq.PageIndex+1).
		Str("mode", string(mreq.Mode)).
		Dur("duration", time.Since(start)).
		Bool("ok", err == nil).
		Msg("Model call finished")

	return content, err
}

func (c *Client) post(ctx context.Context, body []byte, timeout time.Duration) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+chatCompletionsPath, bytes.NewReader(body))
	if err != nil {
		return "", domain.ProviderRejectedError("failed to build request", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", classifyTransportError(err, timeout)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return "", classifyStatus(resp.StatusCode, bodyBytes)
	}

	if c.stream {
		content, err := NewStreamParser(resp.Body).Collect()
		if err != nil {
			return "", classifyReadError(err, timeout)
		}
		return content, nil
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", classifyReadError(err, timeout)
	}

	var parsed Response
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", domain.MalformedResponseError("response is not valid JSON", err)
	}
	if len(parsed.Choices) == 0 {
		return "", domain.MalformedResponseError("response carried no choices", nil)
	}

	return parsed.Choices[0].Message.Content, nil
}

// Ping checks that the model server answers its model listing endpoint.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+modelsPath, nil)
	if err != nil {
		return domain.ConfigError("invalid model server url", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return classifyTransportError(err, pingTimeout)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return classifyStatus(resp.StatusCode, bodyBytes)
	}
	return nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

// buildRequest maps a page request onto chat messages: the system rules, an
// optional context message, then the page itself.
func (c *Client) buildRequest(mreq domain.ModelRequest) *Request {
	messages := []Message{{Role: "system", Content: mreq.System}}

	if mreq.ContextText != "" {
		messages = append(messages, Message{Role: "user", Content: mreq.ContextText})
	}

	text := mreq.Instruction
	if mreq.Text != "" {
		text += "\n\n" + mreq.Text
	}

	model := c.model
	if mreq.Mode == domain.PageModeVision {
		model = c.visionModel
		messages = append(messages, Message{
			Role: "user",
			Content: []ContentPart{
				{Type: "text", Text: text},
				{
					Type: "image_url",
					ImageURL: &ImageURL{
						URL:    dataURL(mreq.Image),
						Detail: imageDetail,
					},
				},
			},
		})
	} else {
		messages = append(messages, Message{
			Role:    "user",
			Content: []ContentPart{{Type: "text", Text: text}},
		})
	}

	return &Request{
		Model:       model,
		Messages:    messages,
		Temperature: c.temperature,
		Stream:      c.stream,
	}
}

func dataURL(img *domain.PageImage) string {
	mime := img.MIMEType
	if mime == "" {
		mime = "image/png"
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(img.Data)
}
