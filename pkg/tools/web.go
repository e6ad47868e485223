package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"

	"github.com/sipeed/wabot/pkg/capability"
)

const maxResponseBytes = 20 << 20

// webClient performs the upstream calls of HTTP-backed capabilities and maps
// transport problems onto capability failures.
type webClient struct {
	http *http.Client
}

func newWebClient(c *http.Client) *webClient {
	return &webClient{http: c}
}

type webResponse struct {
	Status      int
	ContentType string
	Body        []byte
}

// formFile is one file part of a multipart upload.
type formFile struct {
	Field    string
	FileName string
	Data     []byte
}

func (w *webClient) get(ctx context.Context, rawURL string, query url.Values, header http.Header) (*webResponse, error) {
	if len(query) > 0 {
		rawURL += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, capability.Fail(capability.Internal, "", err)
	}
	copyHeader(req.Header, header)
	return w.do(req)
}

func (w *webClient) postMultipart(ctx context.Context, rawURL string, fields map[string]string, file formFile, header http.Header) (*webResponse, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return nil, capability.Fail(capability.Internal, "", err)
		}
	}
	part, err := mw.CreateFormFile(file.Field, file.FileName)
	if err != nil {
		return nil, capability.Fail(capability.Internal, "", err)
	}
	if _, err := part.Write(file.Data); err != nil {
		return nil, capability.Fail(capability.Internal, "", err)
	}
	if err := mw.Close(); err != nil {
		return nil, capability.Fail(capability.Internal, "", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, &body)
	if err != nil {
		return nil, capability.Fail(capability.Internal, "", err)
	}
	copyHeader(req.Header, header)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return w.do(req)
}

// do returns the response for any 2xx status. Context errors are returned
// unwrapped so the orchestrator can tell a timeout from an upstream fault.
func (w *webClient) do(req *http.Request) (*webResponse, error) {
	resp, err := w.http.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, capability.Fail(capability.UpstreamUnavailable, "", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, capability.Fail(capability.UpstreamUnavailable, "", err)
	}

	if resp.StatusCode >= 400 {
		return nil, statusFailure(req.URL.Host, resp.StatusCode, body)
	}
	return &webResponse{
		Status:      resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
	}, nil
}

func statusFailure(host string, status int, body []byte) *capability.Failure {
	if len(body) > 200 {
		body = body[:200]
	}
	cause := fmt.Errorf("%s: HTTP %d: %s", host, status, bytes.TrimSpace(body))
	switch {
	case status == http.StatusNotFound:
		return capability.Fail(capability.NotFound, "", cause)
	case status == http.StatusPaymentRequired || status == http.StatusTooManyRequests:
		return capability.Fail(capability.QuotaExceeded, "", cause)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return capability.Fail(capability.Unsupported, "That service isn't set up correctly.", cause)
	case status >= 500:
		return capability.Fail(capability.UpstreamUnavailable, "", cause)
	default:
		return capability.Fail(capability.InvalidInput, "", cause)
	}
}

// withMessage swaps in a user-facing message on a failure that has none.
func withMessage(err error, category capability.FailureCategory, msg string) error {
	var f *capability.Failure
	if errors.As(err, &f) && f.Category == category && f.Message == "" {
		return capability.Fail(f.Category, msg, f.Err)
	}
	return err
}

func copyHeader(dst, src http.Header) {
	for k, vs := range src {
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}
