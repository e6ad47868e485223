package channels

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Selectors is the XPath profile the WhatsApp Web gateway drives the page
// with. WhatsApp changes its markup often, so every entry is a list tried in
// order and the whole profile can be overridden from YAML without a rebuild.
//
// Row-relative entries (Unread, ChatName, MessageText, MessageImage) start
// with "./".
type Selectors struct {
	Version      string   `yaml:"version"`
	QRCode       []string `yaml:"qr_code"`
	ChatRows     []string `yaml:"chat_rows"`
	Unread       []string `yaml:"unread"`
	ChatName     []string `yaml:"chat_name"`
	Header       []string `yaml:"header"`
	Incoming     []string `yaml:"incoming"`
	MessageText  []string `yaml:"message_text"`
	MessageImage []string `yaml:"message_image"`
	Search       []string `yaml:"search"`
	Input        []string `yaml:"input"`
	Attach       []string `yaml:"attach"`
	FileInput    []string `yaml:"file_input"`
	SendButton   []string `yaml:"send_button"`
	ChatList     []string `yaml:"chat_list"`
}

// DefaultSelectors returns the built-in profile.
func DefaultSelectors() Selectors {
	return Selectors{
		Version: "2025.1",
		QRCode: []string{
			`//div[@data-testid="qr-code"]`,
			`//canvas[@aria-label="Scan me!"]`,
		},
		ChatList: []string{
			`//div[@id="pane-side"]`,
			`//header[@data-testid="chatlist-header"]`,
		},
		ChatRows: []string{
			`//div[@id="pane-side"]//div[@role="grid"]//div[@role="gridcell"]`,
			`//div[@id="pane-side"]//div[@role="listitem"]`,
			`//div[@data-testid="cell-frame-container"]`,
		},
		Unread: []string{
			`.//span[contains(@aria-label, "unread")]`,
			`.//span[contains(@class, "unread")]`,
		},
		ChatName: []string{
			`.//span[@title]`,
			`.//div[@title]`,
			`.//span[@dir="auto"]`,
		},
		Header: []string{
			`//header[@data-testid="conversation-header"]//span[@title]`,
			`//div[@id="main"]//header//span[@dir="auto"]`,
			`//header//span[contains(@class, "copyable-text")][@title]`,
		},
		Incoming: []string{
			`//div[@data-testid="conversation-panel-messages"]//div[contains(@class, "message-in")]`,
			`//div[@id="main"]//div[contains(@class, "message-in")]`,
		},
		MessageText: []string{
			`.//span[contains(@class, "selectable-text")]`,
			`.//div[contains(@class, "copyable-text")]//span[@dir="ltr"]`,
		},
		MessageImage: []string{
			`.//img[starts-with(@src, "blob:")]`,
		},
		Search: []string{
			`//div[@id="side"]//div[@contenteditable="true"]`,
			`//div[@contenteditable="true"][@data-tab="3"]`,
		},
		Input: []string{
			`//footer//div[@contenteditable="true"]`,
			`//div[@contenteditable="true"][@data-tab="10"]`,
			`//div[@role="textbox"][@contenteditable="true"]`,
		},
		Attach: []string{
			`//div[@title="Attach"]`,
			`//span[@data-icon="plus"]`,
			`//span[@data-icon="clip"]`,
		},
		FileInput: []string{
			`//input[@type="file"][contains(@accept, "*")]`,
			`//input[@type="file"]`,
		},
		SendButton: []string{
			`//span[@data-icon="send"]`,
			`//div[@aria-label="Send"]`,
		},
	}
}

// LoadSelectors reads a YAML profile from path and fills any entry it leaves
// empty from the defaults. An empty path returns the defaults.
func LoadSelectors(path string) (Selectors, error) {
	def := DefaultSelectors()
	if path == "" {
		return def, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Selectors{}, fmt.Errorf("read selectors %s: %w", path, err)
	}
	var s Selectors
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Selectors{}, fmt.Errorf("YAML parse error in %s: %w", path, err)
	}
	s.fill(def)
	if missing := s.Missing(); len(missing) > 0 {
		return Selectors{}, fmt.Errorf("selectors %s: empty entries %v", path, missing)
	}
	return s, nil
}

func (s *Selectors) fill(def Selectors) {
	if s.Version == "" {
		s.Version = def.Version
	}
	for _, pair := range s.pairs(&def) {
		if len(*pair.got) == 0 {
			*pair.got = *pair.def
		}
	}
}

// Missing lists entries without a single selector.
func (s *Selectors) Missing() []string {
	var missing []string
	for _, pair := range s.pairs(&Selectors{}) {
		if len(*pair.got) == 0 {
			missing = append(missing, pair.name)
		}
	}
	return missing
}

type selectorPair struct {
	name string
	got  *[]string
	def  *[]string
}

func (s *Selectors) pairs(def *Selectors) []selectorPair {
	return []selectorPair{
		{"qr_code", &s.QRCode, &def.QRCode},
		{"chat_list", &s.ChatList, &def.ChatList},
		{"chat_rows", &s.ChatRows, &def.ChatRows},
		{"unread", &s.Unread, &def.Unread},
		{"chat_name", &s.ChatName, &def.ChatName},
		{"header", &s.Header, &def.Header},
		{"incoming", &s.Incoming, &def.Incoming},
		{"message_text", &s.MessageText, &def.MessageText},
		{"message_image", &s.MessageImage, &def.MessageImage},
		{"search", &s.Search, &def.Search},
		{"input", &s.Input, &def.Input},
		{"attach", &s.Attach, &def.Attach},
		{"file_input", &s.FileInput, &def.FileInput},
		{"send_button", &s.SendButton, &def.SendButton},
	}
}
