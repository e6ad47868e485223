// Package tools holds the built-in capabilities. Each one is a
// capability.Handler; Builtin assembles them into the static descriptor
// table the registry is built from.
package tools

import (
	"context"
	"errors"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/sipeed/wabot/pkg/attachments"
	"github.com/sipeed/wabot/pkg/capability"
	"github.com/sipeed/wabot/pkg/config"
	"github.com/sipeed/wabot/pkg/providers"
)

// Deps is everything the built-in handlers need. Nothing is global.
type Deps struct {
	// LLM backs ask_ai, translate and describe_image. Nil disables them.
	LLM          providers.LLMProvider
	Model        string
	MaxTokens    int
	Temperature  float64
	SystemPrompt string

	HTTP   *http.Client
	Config config.ToolsConfig

	// FilesRoot confines attachment reads. Empty allows any path.
	FilesRoot    string
	MaxFileBytes int64

	Help  func() string
	Stats func() map[string]interface{}

	Now       func() time.Time
	Intn      func(n int) int
	StartedAt time.Time
}

func (d *Deps) defaults() {
	if d.HTTP == nil {
		timeout := d.Config.HTTPTimeout
		if timeout <= 0 {
			timeout = 20 * time.Second
		}
		d.HTTP = &http.Client{Timeout: timeout}
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Intn == nil {
		d.Intn = rand.IntN
	}
	if d.StartedAt.IsZero() {
		d.StartedAt = d.Now()
	}
	if d.MaxFileBytes <= 0 {
		d.MaxFileBytes = 25 << 20
	}
	if d.Config.MaxCSVRows <= 0 {
		d.Config.MaxCSVRows = 50
	}
	if d.Help == nil {
		d.Help = func() string { return "" }
	}
}

// Builtin returns the descriptor table for every built-in capability.
func Builtin(deps Deps) []capability.Descriptor {
	deps.defaults()
	ai := &aiTools{deps: deps}
	web := newWebClient(deps.HTTP)
	files := &fileReader{root: deps.FilesRoot, maxBytes: deps.MaxFileBytes}

	return []capability.Descriptor{
		{
			Intent:  "help",
			Summary: "show this list",
			Usage:   "help",
			Cost:    capability.Instant,
			Handler: capability.HandlerFunc(func(_ context.Context, _ capability.Request) (capability.Result, error) {
				return capability.Result{Text: deps.Help()}, nil
			}),
		},
		{
			Intent:  "flip_coin",
			Summary: "heads or tails",
			Usage:   "flip a coin",
			Cost:    capability.Instant,
			Handler: flipCoin(deps.Intn),
		},
		{
			Intent:  "roll_dice",
			Summary: "roll dice",
			Usage:   "roll 2d6",
			Cost:    capability.Instant,
			Handler: rollDice(deps.Intn),
		},
		{
			Intent:  "joke",
			Summary: "a random joke",
			Usage:   "tell me a joke",
			Cost:    capability.Instant,
			Handler: pickOne(jokes, deps.Intn),
		},
		{
			Intent:  "quote",
			Summary: "an inspiring quote",
			Usage:   "quote",
			Cost:    capability.Instant,
			Handler: pickOne(quotes, deps.Intn),
		},
		{
			Intent:  "time_now",
			Summary: "current date and time",
			Usage:   "what time is it",
			Cost:    capability.Instant,
			Handler: timeNow(deps.Now, deps.Config.TimeZone),
		},
		{
			Intent:  "system_info",
			Summary: "bot uptime and load",
			Usage:   "system info",
			Cost:    capability.Instant,
			Handler: &systemInfo{startedAt: deps.StartedAt, now: deps.Now, stats: deps.Stats},
		},
		{
			Intent:  "weather",
			Summary: "current weather for a city",
			Usage:   "weather in London",
			Cost:    capability.Short,
			Handler: &weatherTool{web: web, baseURL: deps.Config.WeatherURL},
		},
		{
			Intent:  "qr_code",
			Summary: "make a QR code image",
			Usage:   "qr https://example.com",
			Cost:    capability.Short,
			Handler: &qrCodeTool{web: web, baseURL: deps.Config.QRCodeURL},
			Format: func(req capability.Request, _ capability.Result) string {
				return "Here is your QR code for " + req.Args.Get("payload")
			},
		},
		{
			Intent:  "translate",
			Summary: "translate text",
			Usage:   "translate to french: good morning",
			Cost:    capability.Short,
			Handler: capability.HandlerFunc(ai.translate),
		},
		{
			Intent:  "ask_ai",
			Summary: "ask the AI anything",
			Usage:   "ask what is the capital of Peru?",
			Cost:    capability.Short,
			Handler: capability.HandlerFunc(ai.ask),
		},
		{
			Intent:            "csv_to_text",
			Summary:           "read a CSV file as text",
			Usage:             "send a .csv with \"csv to text\"",
			Cost:              capability.Short,
			AcceptsAttachment: true,
			Handler:           &csvToText{files: files, maxRows: deps.Config.MaxCSVRows},
		},
		{
			Intent:            "describe_image",
			Summary:           "describe a picture",
			Usage:             "send a photo with \"describe\"",
			Cost:              capability.Short,
			AcceptsAttachment: true,
			Handler:           capability.HandlerFunc(ai.describe(files)),
		},
		{
			Intent:            "convert_file",
			Summary:           "convert a file to another format",
			Usage:             "send a file with \"convert to pdf\"",
			Cost:              capability.Long,
			AcceptsAttachment: true,
			Handler:           &convertFile{files: files, web: web, remoteURL: deps.Config.ConvertURL},
		},
		{
			Intent:            "remove_background",
			Summary:           "remove a photo's background",
			Usage:             "send a photo with \"remove background\"",
			Cost:              capability.Long,
			AcceptsAttachment: true,
			Handler: &removeBackground{
				files:   files,
				web:     web,
				baseURL: deps.Config.RemoveBGURL,
				apiKey:  deps.Config.RemoveBGAPIKey,
			},
		},
	}
}

var errNoFileStore = errors.New("no file store in request")

// saveOutput stores a handler-produced file under the task's ownership.
func saveOutput(req capability.Request, name, mime string, data []byte) (capability.Result, error) {
	if req.Files == nil {
		return capability.Result{}, capability.Fail(capability.Internal, "", errNoFileStore)
	}
	h, err := req.Files.Save(req.TaskID, attachments.Blob{FileName: name, MimeType: mime, Data: data})
	if err != nil {
		return capability.Result{}, capability.Fail(capability.Internal, "I couldn't store the result file.", err)
	}
	return capability.Result{File: h}, nil
}
