package channels

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sipeed/wabot/pkg/attachments"
)

func TestDownloaderFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/doc.csv":
			w.Header().Set("Content-Type", "text/csv")
			_, _ = w.Write([]byte("a,b\n1,2\n"))
		case "/big.bin":
			_, _ = w.Write([]byte(strings.Repeat("x", 64)))
		case "/stream":
			// No Content-Length: the size limit must hold while reading.
			for i := 0; i < 8; i++ {
				_, _ = w.Write([]byte(strings.Repeat("y", 16)))
				w.(http.Flusher).Flush()
			}
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	d := newDownloader(srv.Client(), 32)
	ctx := context.Background()

	blob, err := d.fetch(ctx, srv.URL+"/doc.csv", "doc.csv", "")
	require.NoError(t, err)
	assert.Equal(t, "doc.csv", blob.FileName)
	assert.Equal(t, "text/csv", blob.MimeType)
	assert.Equal(t, "a,b\n1,2\n", string(blob.Data))

	_, err = d.fetch(ctx, srv.URL+"/big.bin", "big.bin", "")
	assert.ErrorIs(t, err, attachments.ErrTooLarge)

	_, err = d.fetch(ctx, srv.URL+"/stream", "stream.txt", "")
	assert.ErrorIs(t, err, attachments.ErrTooLarge)

	_, err = d.fetch(ctx, srv.URL+"/nope.png", "nope.png", "")
	assert.ErrorContains(t, err, "status 404")
}

func TestDownloaderKeepsGatewayMime(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write([]byte("png"))
	}))
	defer srv.Close()

	blob, err := newDownloader(srv.Client(), 0).fetch(context.Background(), srv.URL, "photo.png", "image/png")
	require.NoError(t, err)
	assert.Equal(t, "image/png", blob.MimeType)
}
