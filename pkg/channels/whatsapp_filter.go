package channels

import (
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// whatsAppMessageID derives a stable id for a scraped message. The same text
// seen in the same chat within one wall-clock minute gets the same id, so
// the agent's duplicate filter drops repeated scans of one message.
func whatsAppMessageID(chat, text string, at time.Time) string {
	key := fmt.Sprintf("%s::%s::%d", chat, truncateRunes(text, 50), at.Unix()/60)
	sum := md5.Sum([]byte(key))
	return hex.EncodeToString(sum[:])[:12]
}

// isOwnMessage reports whether text looks like one of the bot's replies.
func isOwnMessage(text string, signatures []string) bool {
	for _, sig := range signatures {
		if sig != "" && strings.Contains(text, sig) {
			return true
		}
	}
	return utf8.RuneCountInString(text) > 100 && strings.Contains(strings.ToLower(text), "assistant")
}

var chatNameNoise = []string{"online", "last seen", "typing", "unread", "new message"}

// cleanChatName rejects presence labels and badge text that the name
// selectors sometimes pick up.
func cleanChatName(name string) (string, bool) {
	name = strings.TrimSpace(name)
	if utf8.RuneCountInString(name) <= 2 {
		return "", false
	}
	lower := strings.ToLower(name)
	for _, w := range chatNameNoise {
		if strings.Contains(lower, w) {
			return "", false
		}
	}
	return truncateRunes(name, 50), true
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

// chatCooldown spaces out reads of the same chat. It is owned by the scan
// goroutine.
type chatCooldown struct {
	window time.Duration
	last   map[string]time.Time
}

func newChatCooldown(window time.Duration) *chatCooldown {
	return &chatCooldown{window: window, last: make(map[string]time.Time)}
}

func (c *chatCooldown) ready(chat string, now time.Time) bool {
	at, ok := c.last[chat]
	return !ok || now.Sub(at) >= c.window
}

func (c *chatCooldown) mark(chat string, now time.Time) {
	c.last[chat] = now
	for name, at := range c.last {
		if now.Sub(at) >= c.window {
			delete(c.last, name)
		}
	}
}

var errBadDataURL = errors.New("malformed data URL")

// decodeDataURL splits "data:<mime>;base64,<payload>".
func decodeDataURL(s string) (mimeType string, data []byte, err error) {
	rest, ok := strings.CutPrefix(s, "data:")
	if !ok {
		return "", nil, errBadDataURL
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return "", nil, errBadDataURL
	}
	mimeType, isB64 := strings.CutSuffix(meta, ";base64")
	if !isB64 {
		return "", nil, errBadDataURL
	}
	data, err = base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", errBadDataURL, err)
	}
	return mimeType, data, nil
}
