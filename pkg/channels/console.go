package channels

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/chzyer/readline"

	"github.com/sipeed/wabot/pkg/attachments"
	"github.com/sipeed/wabot/pkg/bus"
	"github.com/sipeed/wabot/pkg/config"
	"github.com/sipeed/wabot/pkg/logger"
)

const (
	consoleConversation = "console"
	consoleSender       = "local"
)

// ConsoleChannel is a local REPL gateway for trying the bot without a
// messaging account. "/file <path> [text]" attaches a local file.
type ConsoleChannel struct {
	*BaseChannel
	cfg      config.ConsoleConfig
	maxBytes int64

	mu   sync.Mutex
	rl   *readline.Instance
	out  io.Writer
	done chan struct{}
}

func NewConsoleChannel(cfg config.ConsoleConfig, mb *bus.MessageBus, maxBytes int64) *ConsoleChannel {
	return &ConsoleChannel{
		BaseChannel: NewBaseChannel("console", mb, nil),
		cfg:         cfg,
		maxBytes:    maxBytes,
	}
}

func (c *ConsoleChannel) Start(ctx context.Context) error {
	if c.cfg.HistoryFile != "" {
		if err := os.MkdirAll(filepath.Dir(c.cfg.HistoryFile), 0o700); err != nil {
			return fmt.Errorf("create history dir: %w", err)
		}
	}
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          c.cfg.Prompt,
		HistoryFile:     c.cfg.HistoryFile,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("console: %w", err)
	}

	c.mu.Lock()
	c.rl = rl
	c.out = rl.Stdout()
	c.done = make(chan struct{})
	c.mu.Unlock()
	c.setRunning(true)

	go c.readLoop(ctx, rl)
	logger.InfoC("console", "Console channel ready, type a message")
	return nil
}

func (c *ConsoleChannel) readLoop(ctx context.Context, rl *readline.Instance) {
	defer close(c.done)
	defer c.setRunning(false)
	for {
		if ctx.Err() != nil {
			return
		}
		line, err := rl.Readline()
		if err != nil {
			if !errors.Is(err, readline.ErrInterrupt) && !errors.Is(err, io.EOF) {
				logger.WarnCF("console", "Read failed", map[string]interface{}{"error": err.Error()})
			}
			return
		}
		ev, ok := c.parseLine(line)
		if !ok {
			continue
		}
		c.HandleMessage(ev)
	}
}

// parseLine turns one REPL line into an inbound event.
func (c *ConsoleChannel) parseLine(line string) (bus.InboundEvent, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return bus.InboundEvent{}, false
	}
	ev := bus.InboundEvent{
		ConversationID: consoleConversation,
		SenderID:       consoleSender,
		SenderName:     "you",
		Text:           line,
	}
	if !strings.HasPrefix(line, "/file ") {
		return ev, true
	}

	fields := strings.SplitN(strings.TrimSpace(strings.TrimPrefix(line, "/file ")), " ", 2)
	path := config.ExpandHome(fields[0])
	ev.Text = ""
	if len(fields) == 2 {
		ev.Text = strings.TrimSpace(fields[1])
	}
	blob, err := c.readFile(path)
	if err != nil {
		ev.MarkAttachmentError(err)
		return ev, true
	}
	ev.Blob = blob
	return ev, true
}

func (c *ConsoleChannel) readFile(path string) (*attachments.Blob, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if c.maxBytes > 0 && info.Size() > c.maxBytes {
		return nil, attachments.ErrTooLarge
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return &attachments.Blob{
		FileName: filepath.Base(path),
		MimeType: mime.TypeByExtension(filepath.Ext(path)),
		Data:     data,
	}, nil
}

func (c *ConsoleChannel) Send(_ context.Context, msg bus.ReplyPayload) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.out == nil {
		return ErrNotRunning
	}
	if msg.Text != "" {
		if _, err := fmt.Fprintf(c.out, "bot> %s\n", msg.Text); err != nil {
			return err
		}
	}
	if msg.File != nil {
		// The handle is released after Send returns, so keep a copy.
		path, err := keepCopy(msg.File)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(c.out, "bot> [file] %s (%s)\n", path, msg.File.MimeType); err != nil {
			return err
		}
	}
	return nil
}

func keepCopy(h *attachments.Handle) (string, error) {
	dir := filepath.Join(os.TempDir(), "wabot-console")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	data, err := os.ReadFile(h.LocalPath)
	if err != nil {
		return "", Permanent(err)
	}
	path := filepath.Join(dir, h.ID+"-"+h.FileName)
	return path, os.WriteFile(path, data, 0o600)
}

func (c *ConsoleChannel) Stop(ctx context.Context) error {
	c.mu.Lock()
	rl, done := c.rl, c.done
	c.rl, c.out = nil, nil
	c.mu.Unlock()
	c.setRunning(false)
	if rl == nil {
		return nil
	}
	err := rl.Close()
	select {
	case <-done:
	case <-ctx.Done():
	}
	return err
}
