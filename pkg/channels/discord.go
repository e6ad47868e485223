package channels

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/sipeed/wabot/pkg/bus"
	"github.com/sipeed/wabot/pkg/config"
	"github.com/sipeed/wabot/pkg/logger"
)

const discordHandleTimeout = 60 * time.Second

// DiscordChannel listens on the gateway websocket for guild and direct
// messages. Conversations are Discord channel ids.
type DiscordChannel struct {
	*BaseChannel
	cfg   config.DiscordConfig
	files *downloader

	mu      sync.Mutex
	session *discordgo.Session
	ctx     context.Context
}

func NewDiscordChannel(cfg config.DiscordConfig, mb *bus.MessageBus, maxBytes int64) *DiscordChannel {
	return &DiscordChannel{
		BaseChannel: NewBaseChannel("discord", mb, cfg.AllowFrom),
		cfg:         cfg,
		files:       newDownloader(&http.Client{Timeout: discordHandleTimeout}, maxBytes),
	}
}

func (c *DiscordChannel) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil {
		return fmt.Errorf("discord: already started")
	}

	s, err := discordgo.New(normalizeBotToken(c.cfg.Token))
	if err != nil {
		return fmt.Errorf("create discord session: %w", err)
	}
	s.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentsMessageContent
	s.AddHandler(c.handleMessage)
	if err := s.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}

	c.session = s
	c.ctx = ctx
	c.setRunning(true)
	logger.InfoC("discord", "Discord session opened")
	return nil
}

func (c *DiscordChannel) handleMessage(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m == nil || m.Message == nil || m.Author == nil || m.Author.Bot {
		return
	}
	if s.State != nil && s.State.User != nil && m.Author.ID == s.State.User.ID {
		return
	}

	c.mu.Lock()
	parent := c.ctx
	c.mu.Unlock()
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithTimeout(parent, discordHandleTimeout)
	defer cancel()

	ev := bus.InboundEvent{
		ID:             m.ID,
		ConversationID: m.ChannelID,
		SenderID:       m.Author.ID,
		SenderName:     m.Author.Username,
		Text:           m.Content,
		ReceivedAt:     m.Timestamp,
	}
	if att := firstAttachment(m.Attachments); att != nil {
		blob, err := c.files.fetch(ctx, att.URL, att.Filename, att.ContentType)
		if err != nil {
			logger.WarnCF("discord", "Attachment download failed", map[string]interface{}{
				"channel_id": m.ChannelID,
				"error":      err.Error(),
			})
			ev.MarkAttachmentError(err)
		} else {
			ev.Blob = blob
		}
	}
	c.HandleMessage(ev)
}

// firstAttachment returns the first attachment; the bot handles one file per
// message.
func firstAttachment(list []*discordgo.MessageAttachment) *discordgo.MessageAttachment {
	for _, a := range list {
		if a != nil && a.URL != "" {
			return a
		}
	}
	return nil
}

func (c *DiscordChannel) Send(ctx context.Context, msg bus.ReplyPayload) error {
	c.mu.Lock()
	s := c.session
	c.mu.Unlock()
	if s == nil {
		return ErrNotRunning
	}
	if msg.ConversationID == "" {
		return ErrBadChatID
	}

	if msg.File == nil {
		_, err := s.ChannelMessageSend(msg.ConversationID, msg.Text, discordgo.WithContext(ctx))
		return err
	}

	f, err := os.Open(msg.File.LocalPath)
	if err != nil {
		return Permanent(err)
	}
	defer f.Close()
	_, err = s.ChannelMessageSendComplex(msg.ConversationID, &discordgo.MessageSend{
		Content: msg.Text,
		Files: []*discordgo.File{{
			Name:        msg.File.FileName,
			ContentType: msg.File.MimeType,
			Reader:      f,
		}},
	}, discordgo.WithContext(ctx))
	return err
}

func (c *DiscordChannel) Stop(context.Context) error {
	c.mu.Lock()
	s := c.session
	c.session = nil
	c.mu.Unlock()
	c.setRunning(false)

	if s == nil {
		return nil
	}
	if err := s.Close(); err != nil {
		return fmt.Errorf("close discord session: %w", err)
	}
	return nil
}

func normalizeBotToken(token string) string {
	token = strings.TrimSpace(token)
	if strings.HasPrefix(strings.ToLower(token), "bot ") {
		return token
	}
	return "Bot " + token
}
