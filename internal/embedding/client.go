package embedding

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cloudwego/hertz/pkg/app/client"
	"github.com/cloudwego/hertz/pkg/protocol"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"github.com/pkg/errors"
)

// Config holds the optional embedding-service endpoint. The pipeline does
// not depend on it functionally; notifications are fire-and-forget.
type Config struct {
	BaseURL        string `toml:"base_url"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// Enabled reports whether a service endpoint is configured.
func (c *Config) Enabled() bool {
	return c.BaseURL != ""
}

// Client talks to the embedding micro-service.
type Client struct {
	logger  *slog.Logger
	cfg     Config
	hc      *client.Client
	timeout time.Duration
}

// NewClient creates an embedding-service client, nil when unconfigured.
func NewClient(cfg Config) (*Client, error) {
	if !cfg.Enabled() {
		return nil, nil
	}

	hc, err := client.NewClient(client.WithDialTimeout(5 * time.Second))
	if err != nil {
		return nil, errors.WithMessage(err, "failed to create http client")
	}

	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout == 0 {
		timeout = 15 * time.Second
	}

	return &Client{
		logger:  slog.Default().With("module", "embedding"),
		cfg:     cfg,
		hc:      hc,
		timeout: timeout,
	}, nil
}

// Embed requests a vector for a text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	var out struct {
		Embedding []float32 `json:"embedding"`
	}
	if err := c.post(ctx, "/embed", map[string]any{"text": text}, &out); err != nil {
		return nil, err
	}
	return out.Embedding, nil
}

// ProcessQuery notifies the service about a user query.
func (c *Client) ProcessQuery(ctx context.Context, text string) error {
	return c.post(ctx, "/process-query", map[string]any{"text": text}, nil)
}

// ProcessAssistantResponse notifies the service about an agent reply.
func (c *Client) ProcessAssistantResponse(ctx context.Context, text string) error {
	return c.post(ctx, "/process-assistant-response", map[string]any{"text": text}, nil)
}

func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, res := protocol.AcquireRequest(), protocol.AcquireResponse()
	defer func() {
		protocol.ReleaseRequest(req)
		protocol.ReleaseResponse(res)
	}()

	req.SetMethod(consts.MethodPost)
	req.SetRequestURI(c.cfg.BaseURL + path)
	req.SetBody(payload)
	req.Header.SetContentTypeBytes([]byte("application/json"))

	if err := c.hc.Do(ctx, req, res); err != nil {
		return errors.WithMessagef(err, "POST %s", path)
	}
	if res.StatusCode() != consts.StatusOK {
		return fmt.Errorf("POST %s: status %d", path, res.StatusCode())
	}

	if out != nil {
		if err := json.Unmarshal(res.Body(), out); err != nil {
			return errors.WithMessagef(err, "decode %s response", path)
		}
	}
	return nil
}
