package channels

import (
	"fmt"

	"github.com/sipeed/wabot/pkg/bus"
	"github.com/sipeed/wabot/pkg/config"
	"github.com/sipeed/wabot/pkg/orchestration"
)

// FromConfig builds every enabled gateway. Tokens are validated by
// config.Validate; connection problems surface later in Start.
func FromConfig(cfg *config.Config, mb *bus.MessageBus) ([]Channel, error) {
	var (
		out      []Channel
		maxBytes = cfg.Attachments.MaxBytes
	)
	if cfg.Channels.WhatsApp.Enabled {
		wa, err := NewWhatsAppChannel(cfg.Channels.WhatsApp, mb, maxBytes)
		if err != nil {
			return nil, fmt.Errorf("whatsapp: %w", err)
		}
		out = append(out, wa)
	}
	if cfg.Channels.Telegram.Enabled {
		out = append(out, NewTelegramChannel(cfg.Channels.Telegram, mb, maxBytes))
	}
	if cfg.Channels.Discord.Enabled {
		out = append(out, NewDiscordChannel(cfg.Channels.Discord, mb, maxBytes))
	}
	if cfg.Channels.Slack.Enabled {
		out = append(out, NewSlackChannel(cfg.Channels.Slack, mb))
	}
	if cfg.Channels.Console.Enabled {
		out = append(out, NewConsoleChannel(cfg.Channels.Console, mb, maxBytes))
	}
	return out, nil
}

// RetryPolicyFrom maps the channel send settings.
func RetryPolicyFrom(cfg config.ChannelsConfig) orchestration.RetryPolicy {
	return orchestration.RetryPolicy{
		MaxAttempts: cfg.SendRetries,
		Backoff:     cfg.SendBackoff,
		MaxBackoff:  cfg.SendMaxBackoff,
	}
}
