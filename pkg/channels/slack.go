package channels

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/sipeed/wabot/pkg/bus"
	"github.com/sipeed/wabot/pkg/config"
	"github.com/sipeed/wabot/pkg/logger"
)

// SlackChannel receives message events over Socket Mode. Inbound Slack
// files are not fetched; only text reaches the bot.
type SlackChannel struct {
	*BaseChannel
	cfg config.SlackConfig

	mu        sync.Mutex
	api       *slack.Client
	botUserID string
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func NewSlackChannel(cfg config.SlackConfig, mb *bus.MessageBus) *SlackChannel {
	return &SlackChannel{
		BaseChannel: NewBaseChannel("slack", mb, cfg.AllowFrom),
		cfg:         cfg,
	}
}

func (c *SlackChannel) Start(ctx context.Context) error {
	api := slack.New(c.cfg.BotToken, slack.OptionAppLevelToken(c.cfg.AppToken))
	auth, err := api.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack: auth test: %w", err)
	}
	client := socketmode.New(api)

	runCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.api = api
	c.botUserID = auth.UserID
	c.cancel = cancel
	c.mu.Unlock()
	c.setRunning(true)

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		if err := client.RunContext(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.ErrorCF("slack", "Socket mode stopped", map[string]interface{}{"error": err.Error()})
		}
		c.setRunning(false)
	}()
	go func() {
		defer c.wg.Done()
		c.consume(runCtx, client)
	}()

	logger.InfoCF("slack", "Slack socket mode started", map[string]interface{}{
		"team": auth.Team,
		"user": auth.User,
	})
	return nil
}

func (c *SlackChannel) consume(ctx context.Context, client *socketmode.Client) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-client.Events:
			if !ok {
				return
			}
			switch evt.Type {
			case socketmode.EventTypeConnectionError:
				logger.WarnC("slack", "Socket mode connection error, retrying")
			case socketmode.EventTypeEventsAPI:
				apiEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
				if evt.Request != nil {
					client.Ack(*evt.Request)
				}
				if !ok || apiEvent.Type != slackevents.CallbackEvent {
					continue
				}
				if msg, ok := apiEvent.InnerEvent.Data.(*slackevents.MessageEvent); ok {
					c.handleMessage(msg)
				}
			}
		}
	}
}

func (c *SlackChannel) handleMessage(m *slackevents.MessageEvent) {
	c.mu.Lock()
	self := c.botUserID
	c.mu.Unlock()
	// Edits, joins and bot posts (including our own) carry a subtype or bot id.
	if m.BotID != "" || m.SubType != "" || m.User == "" || m.User == self {
		return
	}
	c.HandleMessage(bus.InboundEvent{
		ID:             m.Channel + "-" + m.TimeStamp,
		ConversationID: m.Channel,
		SenderID:       m.User,
		Text:           m.Text,
		ReceivedAt:     slackTime(m.TimeStamp),
	})
}

// slackTime parses a "1700000000.000100" message timestamp.
func slackTime(ts string) time.Time {
	var sec, usec int64
	if _, err := fmt.Sscanf(ts, "%d.%d", &sec, &usec); err != nil {
		return time.Now()
	}
	return time.Unix(sec, usec*int64(time.Microsecond))
}

func (c *SlackChannel) Send(ctx context.Context, msg bus.ReplyPayload) error {
	c.mu.Lock()
	api := c.api
	c.mu.Unlock()
	if api == nil {
		return ErrNotRunning
	}
	if msg.ConversationID == "" {
		return ErrBadChatID
	}

	if msg.File == nil {
		_, _, err := api.PostMessageContext(ctx, msg.ConversationID, slack.MsgOptionText(msg.Text, false))
		return err
	}
	_, err := api.UploadFileV2Context(ctx, slack.UploadFileV2Parameters{
		Channel:        msg.ConversationID,
		File:           msg.File.LocalPath,
		FileSize:       int(msg.File.SizeBytes),
		Filename:       msg.File.FileName,
		Title:          msg.File.FileName,
		InitialComment: msg.Text,
	})
	return err
}

func (c *SlackChannel) Stop(ctx context.Context) error {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel, c.api = nil, nil
	c.mu.Unlock()
	c.setRunning(false)
	if cancel == nil {
		return nil
	}
	cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
