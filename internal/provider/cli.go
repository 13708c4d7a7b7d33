package provider

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// CLIConfig describes a process-driven provider: the prompt goes to stdin,
// the completion is read from stdout.
type CLIConfig struct {
	Name           string   `toml:"name"`
	Command        string   `toml:"command"`
	Args           []string `toml:"args"`
	Model          string   `toml:"model"`
	TimeoutSeconds int      `toml:"timeout_seconds"`
}

// Validate checks CLI provider configuration
func (c *CLIConfig) Validate() error {
	if c.Name == "" {
		return errors.New("name is required")
	}
	if c.Command == "" {
		return errors.New("command is required")
	}
	return nil
}

// CLIProvider spawns a subprocess per call. A non-zero exit code is a
// retryable failure.
type CLIProvider struct {
	logger *slog.Logger
	cfg    CLIConfig
}

// Ensure CLIProvider implements the Provider interface
var _ Provider = (*CLIProvider)(nil)

// NewCLIProvider creates a process-driven provider.
func NewCLIProvider(cfg CLIConfig) (*CLIProvider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = 120
	}
	return &CLIProvider{
		logger: slog.Default().With("module", "provider.cli", "name", cfg.Name),
		cfg:    cfg,
	}, nil
}

// Name returns the configured provider name.
func (p *CLIProvider) Name() string {
	return p.cfg.Name
}

// Generate runs the subprocess with the rendered prompt on stdin.
func (p *CLIProvider) Generate(ctx context.Context, req *Request) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, time.Duration(p.cfg.TimeoutSeconds)*time.Second)
	defer cancel()

	args := p.cfg.Args
	model := req.Model
	if model == "" {
		model = p.cfg.Model
	}
	if model != "" {
		args = append(append([]string{}, args...), "--model", model)
	}

	cmd := exec.CommandContext(ctx, p.cfg.Command, args...)
	cmd.Stdin = strings.NewReader(renderPrompt(req))

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	if err != nil {
		if ctx.Err() != nil {
			return nil, Retryable(p.cfg.Name, errors.WithMessage(ctx.Err(), "subprocess timed out"))
		}
		if _, ok := err.(*exec.ExitError); ok {
			return nil, Retryable(p.cfg.Name, errors.Errorf("exit status != 0: %s", firstLine(stderr.String())))
		}
		// the binary itself is missing or not executable
		return nil, Fatal(p.cfg.Name, err)
	}

	content := strings.TrimSpace(stdout.String())
	if content == "" {
		return nil, Retryable(p.cfg.Name, errors.New("empty completion"))
	}

	p.logger.Debug("completion received",
		"model", model,
		"duration_ms", time.Since(start).Milliseconds(),
		"bytes", len(content),
	)

	return &Response{
		Content:  content,
		Provider: p.cfg.Name,
		Model:    model,
	}, nil
}

// renderPrompt flattens the request into the plain-text form CLI models
// expect.
func renderPrompt(req *Request) string {
	var b strings.Builder
	if req.System != "" {
		b.WriteString(req.System)
		b.WriteString("\n\n")
	}
	for _, m := range req.Messages {
		fmt.Fprintf(&b, "[%s]: %s\n", m.Role, m.Content)
	}
	return b.String()
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}
