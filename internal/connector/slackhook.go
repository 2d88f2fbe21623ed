package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/agentforge/agentforge/internal/common/config"
	"github.com/agentforge/agentforge/internal/common/logger"
)

// SlackHook is an outbound-only connector over a Slack incoming webhook.
// It cannot receive messages or render buttons; button labels degrade to a
// plain command hint line.
type SlackHook struct {
	id         string
	webhookURL string
	http       *http.Client
	logger     *logger.Logger
}

func newSlackHook(id string, cfg config.ConnectorConfig, _ *config.Registry, log *logger.Logger) (Connector, error) {
	url := cfg.Credentials["webhookUrl"]
	if url == "" {
		return nil, fmt.Errorf("%w: slackhook needs credentials.webhookUrl", ErrMissingCredentials)
	}
	return &SlackHook{
		id:         id,
		webhookURL: url,
		http:       &http.Client{Timeout: 10 * time.Second},
		logger:     log.WithFields(zap.String("connector_id", id), zap.String("type", "slackhook")),
	}, nil
}

func (s *SlackHook) ID() string   { return s.id }
func (s *SlackHook) Type() string { return "slackhook" }

// SetInboundHandler is a no-op: webhooks only go one way.
func (s *SlackHook) SetInboundHandler(InboundHandler) {}

func (s *SlackHook) Start(context.Context) error { return nil }
func (s *SlackHook) Stop(context.Context) error  { return nil }

// SendText posts to the webhook. The channel is fixed by the webhook URL;
// channelID is ignored.
func (s *SlackHook) SendText(ctx context.Context, _ string, text string, buttons ...Button) error {
	if len(buttons) > 0 {
		text += "\n\nActions:"
		for _, b := range buttons {
			text += fmt.Sprintf(" /%s", b.Action)
		}
	}

	payload, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("slack webhook: status %d: %s", resp.StatusCode, data)
	}
	return nil
}
