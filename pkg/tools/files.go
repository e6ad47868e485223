package tools

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sipeed/wabot/pkg/attachments"
	"github.com/sipeed/wabot/pkg/capability"
)

// fileReader reads inbound attachments for handlers, refusing anything
// outside the attachment store's root.
type fileReader struct {
	root     string
	maxBytes int64
}

// checkPathAllowed validates the path is within the allowed directory.
func (r *fileReader) checkPathAllowed(rawPath string) (string, error) {
	absPath, err := filepath.Abs(rawPath)
	if err != nil {
		return "", fmt.Errorf("invalid path: %w", err)
	}
	if r.root == "" {
		return absPath, nil
	}
	allowedAbs, err := filepath.Abs(r.root)
	if err != nil {
		return "", fmt.Errorf("invalid allowed dir: %w", err)
	}
	if !strings.HasPrefix(absPath, allowedAbs+string(filepath.Separator)) {
		return "", fmt.Errorf("access denied: path %q is outside %q", absPath, allowedAbs)
	}
	return absPath, nil
}

// read returns the attachment's bytes. A missing attachment is invalid
// input; anything that stops the read is an unreadable file.
func (r *fileReader) read(h *attachments.Handle) ([]byte, error) {
	if h == nil {
		return nil, capability.Fail(capability.InvalidInput, "Please send the file together with the command.", nil)
	}
	path, err := r.checkPathAllowed(h.LocalPath)
	if err != nil {
		return nil, capability.Fail(capability.UnreadableFile, "", err)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, capability.Fail(capability.UnreadableFile, "", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, r.maxBytes+1))
	if err != nil {
		return nil, capability.Fail(capability.UnreadableFile, "", err)
	}
	if int64(len(data)) > r.maxBytes {
		return nil, capability.Fail(capability.InvalidInput, "That file is too big for me.", attachments.ErrTooLarge)
	}
	if len(data) == 0 {
		return nil, capability.Fail(capability.UnreadableFile, "", attachments.ErrEmpty)
	}
	return data, nil
}

// baseName strips the extension from a file name, for naming outputs.
func baseName(name string) string {
	base := strings.TrimSuffix(filepath.Base(name), filepath.Ext(name))
	if base == "" || base == "." {
		return "file"
	}
	return base
}

func extOf(name string) string {
	return strings.TrimPrefix(strings.ToLower(filepath.Ext(name)), ".")
}
