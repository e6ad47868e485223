package channels

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/sipeed/wabot/pkg/attachments"
	"github.com/sipeed/wabot/pkg/bus"
	"github.com/sipeed/wabot/pkg/config"
	"github.com/sipeed/wabot/pkg/logger"
)

// TelegramChannel receives updates by long polling.
type TelegramChannel struct {
	*BaseChannel
	cfg   config.TelegramConfig
	files *downloader

	mu     sync.Mutex
	bot    *telego.Bot
	cancel context.CancelFunc
	done   chan struct{}
}

func NewTelegramChannel(cfg config.TelegramConfig, mb *bus.MessageBus, maxBytes int64) *TelegramChannel {
	return &TelegramChannel{
		BaseChannel: NewBaseChannel("telegram", mb, cfg.AllowFrom),
		cfg:         cfg,
		files:       newDownloader(&http.Client{Timeout: 60 * time.Second}, maxBytes),
	}
}

func (c *TelegramChannel) Start(ctx context.Context) error {
	bot, err := telego.NewBot(c.cfg.Token)
	if err != nil {
		return fmt.Errorf("telegram: %w", err)
	}
	me, err := bot.GetMe(ctx)
	if err != nil {
		return fmt.Errorf("telegram: get me: %w", err)
	}

	pollCtx, cancel := context.WithCancel(ctx)
	updates, err := bot.UpdatesViaLongPolling(pollCtx, nil)
	if err != nil {
		cancel()
		return fmt.Errorf("telegram: start polling: %w", err)
	}

	c.mu.Lock()
	c.bot = bot
	c.cancel = cancel
	c.done = make(chan struct{})
	c.mu.Unlock()
	c.setRunning(true)

	go c.poll(pollCtx, updates)
	logger.InfoCF("telegram", "Telegram bot connected", map[string]interface{}{"username": me.Username})
	return nil
}

func (c *TelegramChannel) poll(ctx context.Context, updates <-chan telego.Update) {
	defer close(c.done)
	defer c.setRunning(false)
	for update := range updates {
		if update.Message == nil {
			continue
		}
		c.handle(ctx, update.Message)
	}
}

func (c *TelegramChannel) handle(ctx context.Context, m *telego.Message) {
	ev := bus.InboundEvent{
		ID:             strconv.FormatInt(m.Chat.ID, 10) + "-" + strconv.Itoa(m.MessageID),
		ConversationID: strconv.FormatInt(m.Chat.ID, 10),
		Text:           m.Text,
		ReceivedAt:     time.Unix(m.Date, 0),
	}
	if m.From != nil {
		if m.From.IsBot {
			return
		}
		ev.SenderID = strconv.FormatInt(m.From.ID, 10)
		ev.SenderName = m.From.Username
		if ev.SenderName == "" {
			ev.SenderName = m.From.FirstName
		}
	}
	if ev.Text == "" {
		ev.Text = m.Caption
	}

	fileID, name, mimeType := telegramFile(m)
	if fileID != "" {
		blob, err := c.download(ctx, fileID, name, mimeType)
		if err != nil {
			logger.WarnCF("telegram", "File download failed", map[string]interface{}{
				"chat_id": ev.ConversationID,
				"error":   err.Error(),
			})
			ev.MarkAttachmentError(err)
		} else {
			ev.Blob = blob
		}
	}
	c.HandleMessage(ev)
}

// telegramFile picks the document or the largest photo size.
func telegramFile(m *telego.Message) (fileID, name, mimeType string) {
	switch {
	case m.Document != nil:
		return m.Document.FileID, m.Document.FileName, m.Document.MimeType
	case len(m.Photo) > 0:
		p := m.Photo[len(m.Photo)-1]
		return p.FileID, "photo.jpg", "image/jpeg"
	}
	return "", "", ""
}

func (c *TelegramChannel) download(ctx context.Context, fileID, name, mimeType string) (*attachments.Blob, error) {
	c.mu.Lock()
	bot := c.bot
	c.mu.Unlock()
	if bot == nil {
		return nil, ErrNotRunning
	}
	file, err := bot.GetFile(ctx, &telego.GetFileParams{FileID: fileID})
	if err != nil {
		return nil, fmt.Errorf("telegram: get file: %w", err)
	}
	if c.files.maxBytes > 0 && int64(file.FileSize) > c.files.maxBytes {
		return nil, attachments.ErrTooLarge
	}
	return c.files.fetch(ctx, bot.FileDownloadURL(file.FilePath), name, mimeType)
}

func (c *TelegramChannel) Send(ctx context.Context, msg bus.ReplyPayload) error {
	c.mu.Lock()
	bot := c.bot
	c.mu.Unlock()
	if bot == nil {
		return ErrNotRunning
	}
	chatID, err := strconv.ParseInt(msg.ConversationID, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrBadChatID, msg.ConversationID)
	}

	if msg.File == nil {
		_, err := bot.SendMessage(ctx, tu.Message(tu.ID(chatID), msg.Text))
		return err
	}

	f, err := os.Open(msg.File.LocalPath)
	if err != nil {
		return Permanent(err)
	}
	defer f.Close()
	if msg.File.IsImage() {
		_, err = bot.SendPhoto(ctx, tu.Photo(tu.ID(chatID), tu.File(f)).WithCaption(msg.Text))
		return err
	}
	_, err = bot.SendDocument(ctx, tu.Document(tu.ID(chatID), tu.File(f)).WithCaption(msg.Text))
	return err
}

func (c *TelegramChannel) Stop(ctx context.Context) error {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.bot, c.cancel = nil, nil
	c.mu.Unlock()
	c.setRunning(false)
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}
