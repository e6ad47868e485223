package channels

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"github.com/sipeed/wabot/pkg/attachments"
	"github.com/sipeed/wabot/pkg/bus"
	"github.com/sipeed/wabot/pkg/config"
	"github.com/sipeed/wabot/pkg/logger"
)

const (
	whatsAppSettle      = 1500 * time.Millisecond
	whatsAppPoll        = 5 * time.Second
	whatsAppElementWait = 10 * time.Second
	whatsAppMaxRows     = 20
)

// readImageJS reads a blob: image into a data URL inside the page.
const readImageJS = `() => fetch(this.src)
	.then(r => r.blob())
	.then(b => new Promise((resolve, reject) => {
		const fr = new FileReader();
		fr.onload = () => resolve(fr.result);
		fr.onerror = reject;
		fr.readAsDataURL(b);
	}))`

// WhatsAppChannel drives a logged-in WhatsApp Web tab. A scanner polls the
// chat list for unread chats, opens at most one per scan, reads its latest
// incoming message and leaves the chat again. Conversations are identified
// by chat title.
type WhatsAppChannel struct {
	*BaseChannel
	cfg      config.WhatsAppConfig
	sel      Selectors
	maxBytes int64
	cool     *chatCooldown

	// pageMu serializes page use between the scanner and Send.
	pageMu  sync.Mutex
	browser *rod.Browser
	page    *rod.Page

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewWhatsAppChannel(cfg config.WhatsAppConfig, mb *bus.MessageBus, maxBytes int64) (*WhatsAppChannel, error) {
	sel, err := LoadSelectors(cfg.SelectorsFile)
	if err != nil {
		return nil, err
	}
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = 5 * time.Second
	}
	return &WhatsAppChannel{
		BaseChannel: NewBaseChannel("whatsapp", mb, cfg.AllowFrom),
		cfg:         cfg,
		sel:         sel,
		maxBytes:    maxBytes,
		cool:        newChatCooldown(cfg.ChatCooldown),
	}, nil
}

// Start launches the browser, opens WhatsApp Web and waits until the chat
// list shows, logging while a QR code is waiting to be scanned.
func (c *WhatsAppChannel) Start(ctx context.Context) error {
	l := launcher.New().Context(ctx).Headless(c.cfg.Headless)
	if c.cfg.UserDataDir != "" {
		l = l.UserDataDir(c.cfg.UserDataDir)
	}
	if c.cfg.BrowserBin != "" {
		l = l.Bin(c.cfg.BrowserBin)
	}
	controlURL, err := l.Launch()
	if err != nil {
		return fmt.Errorf("launch browser: %w", err)
	}

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		return fmt.Errorf("connect to browser: %w", err)
	}
	page, err := browser.Page(proto.TargetCreateTarget{URL: c.cfg.URL})
	if err != nil {
		_ = browser.Close()
		return fmt.Errorf("open %s: %w", c.cfg.URL, err)
	}

	logger.InfoCF("whatsapp", "Waiting for WhatsApp Web", map[string]interface{}{
		"url":     c.cfg.URL,
		"timeout": c.cfg.LoginTimeout.String(),
	})
	if err := c.waitForLogin(ctx, page); err != nil {
		_ = browser.Close()
		return err
	}

	scanCtx, cancel := context.WithCancel(ctx)
	c.pageMu.Lock()
	c.browser, c.page = browser, page
	c.pageMu.Unlock()
	c.mu.Lock()
	c.cancel = cancel
	c.done = make(chan struct{})
	c.mu.Unlock()
	c.setRunning(true)

	go c.scan(scanCtx)
	logger.InfoCF("whatsapp", "WhatsApp Web ready", map[string]interface{}{
		"selectors": c.sel.Version,
	})
	return nil
}

func (c *WhatsAppChannel) waitForLogin(ctx context.Context, page *rod.Page) error {
	timeout := c.cfg.LoginTimeout
	if timeout <= 0 {
		timeout = 3 * time.Minute
	}
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		p := page.Context(ctx)
		if _, ok := visibleX(p, c.sel.ChatList); ok {
			return nil
		}
		if _, ok := visibleX(p, c.sel.QRCode); ok {
			logger.InfoC("whatsapp", "QR code shown, scan it with your phone to continue")
		}
		if err := sleepCtx(ctx, whatsAppPoll); err != nil {
			return err
		}
	}
	return fmt.Errorf("whatsapp web did not load within %s", timeout)
}

func (c *WhatsAppChannel) scan(ctx context.Context) {
	defer close(c.done)
	defer c.setRunning(false)

	ticker := time.NewTicker(c.cfg.ScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.scanOnce(ctx)
		}
	}
}

// scanOnce reads at most one unread chat.
func (c *WhatsAppChannel) scanOnce(ctx context.Context) {
	c.pageMu.Lock()
	defer c.pageMu.Unlock()
	if c.page == nil {
		return
	}
	p := c.page.Context(ctx)

	rows := elementsX(p, c.sel.ChatRows)
	now := time.Now()
	for i, row := range rows {
		if i >= whatsAppMaxRows {
			break
		}
		if _, unread := visibleX(row, c.sel.Unread); !unread {
			continue
		}
		name, ok := c.rowName(row)
		if !ok || !c.cool.ready(name, now) {
			continue
		}
		c.cool.mark(name, now)
		logger.DebugCF("whatsapp", "Unread chat", map[string]interface{}{"chat": name})
		c.readChat(ctx, p, row, name)
		return
	}
}

func (c *WhatsAppChannel) rowName(row *rod.Element) (string, bool) {
	for _, xp := range c.sel.ChatName {
		els, err := row.ElementsX(xp)
		if err != nil {
			continue
		}
		for _, el := range els {
			if name, ok := cleanChatName(titleOrText(el)); ok {
				return name, true
			}
		}
	}
	return "", false
}

func (c *WhatsAppChannel) readChat(ctx context.Context, p *rod.Page, row *rod.Element, name string) {
	if err := row.Click(proto.InputMouseButtonLeft, 1); err != nil {
		logger.WarnCF("whatsapp", "Could not open chat", map[string]interface{}{
			"chat":  name,
			"error": err.Error(),
		})
		return
	}
	defer c.leaveChat(p)
	if sleepCtx(ctx, whatsAppSettle) != nil {
		return
	}
	if header, ok := c.currentChat(p); ok {
		name = header
	}

	ev, ok := c.latestIncoming(p, name)
	if !ok {
		return
	}
	c.HandleMessage(ev)
}

// latestIncoming builds an event from the last incoming message bubble.
func (c *WhatsAppChannel) latestIncoming(p *rod.Page, chat string) (bus.InboundEvent, bool) {
	bubbles := elementsX(p, c.sel.Incoming)
	if len(bubbles) == 0 {
		return bus.InboundEvent{}, false
	}
	last := bubbles[len(bubbles)-1]

	var text string
	if el, ok := firstX(last, c.sel.MessageText); ok {
		text, _ = el.Text()
		text = strings.TrimSpace(text)
	}
	if text != "" && isOwnMessage(text, c.cfg.Signatures) {
		logger.DebugCF("whatsapp", "Skipping own message", map[string]interface{}{"chat": chat})
		return bus.InboundEvent{}, false
	}

	now := time.Now()
	ev := bus.InboundEvent{
		ID:             whatsAppMessageID(chat, text, now),
		ConversationID: chat,
		SenderID:       chat,
		SenderName:     chat,
		Text:           text,
		ReceivedAt:     now,
	}
	if img, ok := firstX(last, c.sel.MessageImage); ok {
		blob, err := c.readImage(img)
		if err != nil {
			logger.WarnCF("whatsapp", "Image could not be read", map[string]interface{}{
				"chat":  chat,
				"error": err.Error(),
			})
			ev.MarkAttachmentError(err)
		} else {
			ev.Blob = blob
			// Images without a caption still need a distinct id.
			ev.ID = whatsAppMessageID(chat, text+"#image", now)
		}
	}
	if ev.Text == "" && ev.Blob == nil && ev.AttachmentError() == nil {
		return bus.InboundEvent{}, false
	}
	return ev, true
}

func (c *WhatsAppChannel) readImage(img *rod.Element) (*attachments.Blob, error) {
	res, err := img.Evaluate(rod.Eval(readImageJS).ByPromise())
	if err != nil {
		return nil, err
	}
	mimeType, data, err := decodeDataURL(res.Value.Str())
	if err != nil {
		return nil, err
	}
	if c.maxBytes > 0 && int64(len(data)) > c.maxBytes {
		return nil, attachments.ErrTooLarge
	}
	name := "image"
	if exts, _ := mime.ExtensionsByType(mimeType); len(exts) > 0 {
		name += exts[0]
	}
	return &attachments.Blob{FileName: name, MimeType: mimeType, Data: data}, nil
}

func (c *WhatsAppChannel) currentChat(p *rod.Page) (string, bool) {
	el, ok := firstX(p, c.sel.Header)
	if !ok {
		return "", false
	}
	name := strings.TrimSpace(titleOrText(el))
	return name, name != ""
}

// leaveChat returns to the chat list so the next message in this chat shows
// up as unread again.
func (c *WhatsAppChannel) leaveChat(p *rod.Page) {
	if err := p.Keyboard.Type(input.Escape); err != nil {
		logger.DebugCF("whatsapp", "Could not leave chat", map[string]interface{}{"error": err.Error()})
	}
}

// Send opens the chat through the search box, types or uploads the reply
// and leaves the chat.
func (c *WhatsAppChannel) Send(ctx context.Context, msg bus.ReplyPayload) error {
	c.pageMu.Lock()
	defer c.pageMu.Unlock()
	if c.page == nil {
		return ErrNotRunning
	}
	if msg.ConversationID == "" {
		return ErrBadChatID
	}
	p := c.page.Context(ctx)

	if err := c.openChat(ctx, p, msg.ConversationID); err != nil {
		return err
	}
	defer c.leaveChat(p)

	if msg.File != nil {
		return c.sendFile(ctx, p, msg)
	}
	return c.sendText(p, msg.Text)
}

func (c *WhatsAppChannel) openChat(ctx context.Context, p *rod.Page, chat string) error {
	if current, ok := c.currentChat(p); ok && current == chat {
		return nil
	}
	search, ok := firstX(p, c.sel.Search)
	if !ok {
		return errors.New("whatsapp: search box not found")
	}
	if err := search.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("whatsapp: focus search: %w", err)
	}
	_ = search.SelectAllText()
	if err := search.Input(chat); err != nil {
		return fmt.Errorf("whatsapp: search %q: %w", chat, err)
	}
	if err := sleepCtx(ctx, whatsAppSettle); err != nil {
		return err
	}
	if err := p.Keyboard.Type(input.Enter); err != nil {
		return fmt.Errorf("whatsapp: open %q: %w", chat, err)
	}
	if err := sleepCtx(ctx, whatsAppSettle); err != nil {
		return err
	}
	if current, ok := c.currentChat(p); !ok || current != chat {
		return fmt.Errorf("whatsapp: chat %q did not open", chat)
	}
	return nil
}

func (c *WhatsAppChannel) sendText(p *rod.Page, text string) error {
	box, ok := firstX(p, c.sel.Input)
	if !ok {
		return errors.New("whatsapp: message box not found")
	}
	if err := box.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("whatsapp: focus message box: %w", err)
	}
	if err := box.Input(text); err != nil {
		return fmt.Errorf("whatsapp: type reply: %w", err)
	}
	if err := p.Keyboard.Type(input.Enter); err != nil {
		return fmt.Errorf("whatsapp: send reply: %w", err)
	}
	logger.InfoCF("whatsapp", "Sent", map[string]interface{}{"preview": truncateRunes(text, 60)})
	return nil
}

func (c *WhatsAppChannel) sendFile(ctx context.Context, p *rod.Page, msg bus.ReplyPayload) error {
	attach, ok := firstX(p, c.sel.Attach)
	if !ok {
		return errors.New("whatsapp: attach button not found")
	}
	if err := attach.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("whatsapp: open attach menu: %w", err)
	}
	fileInput, err := waitX(ctx, p, c.sel.FileInput)
	if err != nil {
		return err
	}
	if err := fileInput.SetFiles([]string{msg.File.LocalPath}); err != nil {
		return fmt.Errorf("whatsapp: upload %s: %w", msg.File.FileName, err)
	}
	send, err := waitX(ctx, p, c.sel.SendButton)
	if err != nil {
		return err
	}
	if msg.Text != "" {
		if err := p.InsertText(msg.Text); err != nil {
			return fmt.Errorf("whatsapp: caption: %w", err)
		}
	}
	if err := send.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("whatsapp: send file: %w", err)
	}
	logger.InfoCF("whatsapp", "Sent file", map[string]interface{}{"file": msg.File.FileName})
	return sleepCtx(ctx, whatsAppSettle)
}

func (c *WhatsAppChannel) Stop(ctx context.Context) error {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel = nil
	c.mu.Unlock()
	c.setRunning(false)
	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
		}
	}

	c.pageMu.Lock()
	browser := c.browser
	c.browser, c.page = nil, nil
	c.pageMu.Unlock()
	if browser == nil {
		return nil
	}
	return browser.Close()
}

// xpathRoot is what element lookups run against: a page or an element.
type xpathRoot interface {
	ElementsX(xpath string) (rod.Elements, error)
}

// elementsX returns the matches of the first XPath that matches anything.
func elementsX(root xpathRoot, xpaths []string) rod.Elements {
	for _, xp := range xpaths {
		if els, err := root.ElementsX(xp); err == nil && len(els) > 0 {
			return els
		}
	}
	return nil
}

func firstX(root xpathRoot, xpaths []string) (*rod.Element, bool) {
	els := elementsX(root, xpaths)
	if len(els) == 0 {
		return nil, false
	}
	return els[0], true
}

func visibleX(root xpathRoot, xpaths []string) (*rod.Element, bool) {
	for _, xp := range xpaths {
		els, err := root.ElementsX(xp)
		if err != nil {
			continue
		}
		for _, el := range els {
			if ok, err := el.Visible(); err == nil && ok {
				return el, true
			}
		}
	}
	return nil, false
}

// waitX polls until one of xpaths matches.
func waitX(ctx context.Context, root xpathRoot, xpaths []string) (*rod.Element, error) {
	deadline := time.Now().Add(whatsAppElementWait)
	for {
		if el, ok := firstX(root, xpaths); ok {
			return el, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("whatsapp: none of %v appeared", xpaths)
		}
		if err := sleepCtx(ctx, 300*time.Millisecond); err != nil {
			return nil, err
		}
	}
}

func titleOrText(el *rod.Element) string {
	if title, err := el.Attribute("title"); err == nil && title != nil && *title != "" {
		return *title
	}
	text, _ := el.Text()
	return text
}
