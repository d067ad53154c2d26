package notify

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/guild-bridge/internal/sync"
)

// Notifier is the interface for sending sync alerts.
type Notifier interface {
	PassFinished(ctx context.Context, report *sync.PassReport) error
	StateCorrupt(ctx context.Context, destination string, err error) error
}

// Client implements the ntfy notification client.
type Client struct {
	httpClient *http.Client
	config     *Config
	logger     *zap.Logger
}

// NewClient creates a new ntfy client.
func NewClient(cfg *Config, logger *zap.Logger) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		config: cfg,
		logger: logger,
	}
}

// PassFinished alerts when a pass had problems. Clean passes are only
// announced when OnSuccess is set and something was delivered.
func (c *Client) PassFinished(ctx context.Context, report *sync.PassReport) error {
	if !c.config.Enabled {
		return nil
	}

	if report.Failed() {
		title := "Guild sync problems"
		return c.send(ctx, title, FormatFailureMessage(report), c.config.Tags+",warning", "high")
	}
	if !c.config.OnSuccess || report.Sent() == 0 {
		return nil
	}
	title := fmt.Sprintf("Guild sync: %d items", report.Sent())
	return c.send(ctx, title, FormatSuccessMessage(report), c.config.Tags+",white_check_mark", c.config.Priority)
}

// StateCorrupt alerts that a destination's state document was unreadable
// and everything will be resent.
func (c *Client) StateCorrupt(ctx context.Context, destination string, err error) error {
	if !c.config.Enabled {
		return nil
	}

	title := fmt.Sprintf("State reset: %s", destination)
	message := fmt.Sprintf("The state document could not be read and was replaced with empty state.\n\nError: %v", err)
	return c.send(ctx, title, message, c.config.Tags+",x", "high")
}

func (c *Client) send(ctx context.Context, title, message, tags, priority string) error {
	url := fmt.Sprintf("%s/%s", strings.TrimSuffix(c.config.Server, "/"), c.config.Topic)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(message))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Title", title)
	req.Header.Set("Priority", priority)
	req.Header.Set("Tags", strings.Trim(tags, ","))

	if c.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.Token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("failed to send notification", zap.Error(err))
		return fmt.Errorf("sending notification: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	// Drain response body to allow connection reuse
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Warn("notification failed",
			zap.Int("status", resp.StatusCode),
			zap.String("url", url),
		)
		return fmt.Errorf("notification failed with status: %d", resp.StatusCode)
	}

	c.logger.Debug("notification sent", zap.String("title", title))
	return nil
}

// NoopNotifier is a no-op implementation for when notifications are disabled.
type NoopNotifier struct{}

// PassFinished is a no-op.
func (n *NoopNotifier) PassFinished(_ context.Context, _ *sync.PassReport) error {
	return nil
}

// StateCorrupt is a no-op.
func (n *NoopNotifier) StateCorrupt(_ context.Context, _ string, _ error) error {
	return nil
}

// New creates the appropriate notifier based on config.
func New(cfg *Config, logger *zap.Logger) Notifier {
	if !cfg.Enabled {
		return &NoopNotifier{}
	}
	return NewClient(cfg, logger)
}
