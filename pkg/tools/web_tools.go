package tools

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/sipeed/wabot/pkg/capability"
)

const maxQRPayload = 900

type weatherTool struct {
	web     *webClient
	baseURL string
}

// Handle asks wttr.in for its one-line summary of the city.
func (t *weatherTool) Handle(ctx context.Context, req capability.Request) (capability.Result, error) {
	city := strings.TrimSpace(req.Args.Get("city"))
	if city == "" {
		return capability.Result{}, capability.Fail(capability.InvalidInput, "Which city? Try \"weather in London\".", nil)
	}

	endpoint := strings.TrimRight(t.baseURL, "/") + "/" + url.PathEscape(city)
	resp, err := t.web.get(ctx, endpoint, url.Values{"format": {"3"}}, http.Header{"Accept-Language": {"en"}})
	if err != nil {
		return capability.Result{}, withMessage(err, capability.NotFound,
			fmt.Sprintf("I couldn't find the weather for %s.", city))
	}

	text := strings.TrimSpace(string(resp.Body))
	if text == "" || strings.HasPrefix(strings.ToLower(text), "unknown location") {
		return capability.Result{}, capability.Fail(capability.NotFound,
			fmt.Sprintf("I couldn't find the weather for %s.", city), nil)
	}
	return capability.Result{Text: "🌤️ " + text}, nil
}

type qrCodeTool struct {
	web     *webClient
	baseURL string
}

func (t *qrCodeTool) Handle(ctx context.Context, req capability.Request) (capability.Result, error) {
	payload := strings.TrimSpace(req.Args.Get("payload"))
	if payload == "" {
		return capability.Result{}, capability.Fail(capability.InvalidInput, "What should the QR code contain?", nil)
	}
	if utf8.RuneCountInString(payload) > maxQRPayload {
		return capability.Result{}, capability.Fail(capability.InvalidInput,
			fmt.Sprintf("That's too long for a QR code (max %d characters).", maxQRPayload), nil)
	}

	resp, err := t.web.get(ctx, t.baseURL, url.Values{
		"size":   {"400x400"},
		"format": {"png"},
		"data":   {payload},
	}, nil)
	if err != nil {
		return capability.Result{}, err
	}
	if !strings.HasPrefix(resp.ContentType, "image/") {
		return capability.Result{}, capability.Fail(capability.UpstreamUnavailable, "",
			fmt.Errorf("qr service returned %q", resp.ContentType))
	}
	return saveOutput(req, "qr.png", "image/png", resp.Body)
}

type removeBackground struct {
	files   *fileReader
	web     *webClient
	baseURL string
	apiKey  string
}

func (t *removeBackground) Handle(ctx context.Context, req capability.Request) (capability.Result, error) {
	if t.apiKey == "" || t.baseURL == "" {
		return capability.Result{}, capability.Fail(capability.Unsupported,
			"Background removal isn't set up on this bot.", nil)
	}
	if req.Attachment != nil && !req.Attachment.IsImage() {
		return capability.Result{}, capability.Fail(capability.InvalidInput, "Please send a photo.", nil)
	}
	data, err := t.files.read(req.Attachment)
	if err != nil {
		return capability.Result{}, err
	}

	resp, err := t.web.postMultipart(ctx, t.baseURL,
		map[string]string{"size": "auto", "format": "png"},
		formFile{Field: "image_file", FileName: req.Attachment.FileName, Data: data},
		http.Header{"X-Api-Key": {t.apiKey}})
	if err != nil {
		return capability.Result{}, withMessage(err, capability.QuotaExceeded,
			"The background removal quota is used up for now.")
	}
	res, err := saveOutput(req, baseName(req.Attachment.FileName)+"-nobg.png", "image/png", resp.Body)
	if err != nil {
		return res, err
	}
	res.Text = "✂️ Background removed."
	return res, nil
}
