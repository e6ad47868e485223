package channels

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path/filepath"

	"github.com/sipeed/wabot/pkg/attachments"
)

// downloader fetches files that gateways only expose by URL (Telegram,
// Discord, Slack).
type downloader struct {
	client   *http.Client
	maxBytes int64
	header   http.Header
}

func newDownloader(client *http.Client, maxBytes int64) *downloader {
	if client == nil {
		client = http.DefaultClient
	}
	return &downloader{client: client, maxBytes: maxBytes}
}

// fetch downloads url into a Blob. Files over maxBytes fail with
// attachments.ErrTooLarge without being read in full.
func (d *downloader) fetch(ctx context.Context, url, fileName, mimeType string) (*attachments.Blob, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	for k, vs := range d.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", fileName, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download %s: status %d", fileName, resp.StatusCode)
	}
	if d.maxBytes > 0 && resp.ContentLength > d.maxBytes {
		return nil, attachments.ErrTooLarge
	}

	body := io.Reader(resp.Body)
	if d.maxBytes > 0 {
		body = io.LimitReader(resp.Body, d.maxBytes+1)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", fileName, err)
	}
	if d.maxBytes > 0 && int64(len(data)) > d.maxBytes {
		return nil, attachments.ErrTooLarge
	}

	if mimeType == "" {
		mimeType = resp.Header.Get("Content-Type")
	}
	if mimeType == "" {
		mimeType = mime.TypeByExtension(filepath.Ext(fileName))
	}
	return &attachments.Blob{FileName: fileName, MimeType: mimeType, Data: data}, nil
}
