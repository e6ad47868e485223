// Package attachments persists inbound (and handler-produced) files to a
// private working directory and hands them out by handle.
//
// Every handle has an owner (the inbound event id) that namespaces its file on
// disk, and an expiry. Handles are deleted on Release or by the periodic Sweep,
// whichever comes first.
package attachments

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"

	"github.com/sipeed/wabot/pkg/domain"
	"github.com/sipeed/wabot/pkg/events"
	"github.com/sipeed/wabot/pkg/logger"
)

var (
	ErrEmpty    = errors.New("attachment is empty")
	ErrTooLarge = errors.New("attachment exceeds size limit")
	ErrNoOwner  = errors.New("attachment owner id is required")
)

// DefaultSweepSchedule runs the sweep every minute.
const DefaultSweepSchedule = "* * * * *"

// Handle is a stable reference to a stored file. Handlers may read the file
// at LocalPath but must not modify or delete it.
type Handle struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	LocalPath string    `json:"local_path"`
	FileName  string    `json:"file_name"`
	MimeType  string    `json:"mime_type"`
	SizeBytes int64     `json:"size_bytes"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the handle is past its expiry at now.
func (h *Handle) Expired(now time.Time) bool {
	return !h.ExpiresAt.IsZero() && !now.Before(h.ExpiresAt)
}

// IsImage reports whether the handle holds an image.
func (h *Handle) IsImage() bool {
	return strings.HasPrefix(h.MimeType, "image/")
}

// Blob is a file as delivered by a gateway or produced by a handler.
type Blob struct {
	FileName string
	MimeType string
	Data     []byte
}

// Store owns the attachment working directory.
type Store struct {
	root     string
	ttl      time.Duration
	maxBytes int64

	mu      sync.Mutex
	handles map[string]*Handle

	now    func() time.Time
	events domain.EventBus
}

// Option configures a Store.
type Option func(*Store)

// WithMaxBytes bounds the size of a single attachment. Zero disables the check.
func WithMaxBytes(n int64) Option { return func(s *Store) { s.maxBytes = n } }

// WithEvents publishes saved, released and expired events on bus.
func WithEvents(bus domain.EventBus) Option { return func(s *Store) { s.events = bus } }

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

// NewStore creates the root directory and returns a Store whose handles live
// for ttl unless released earlier.
func NewStore(root string, ttl time.Duration, opts ...Option) (*Store, error) {
	if root == "" {
		return nil, errors.New("attachments: root directory is required")
	}
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("create attachment root %s: %w", root, err)
	}
	s := &Store{
		root:    root,
		ttl:     ttl,
		handles: make(map[string]*Handle),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Root returns the storage root.
func (s *Store) Root() string { return s.root }

// Save writes the blob under <root>/<ownerID>/<handleID>-<name> and returns
// its handle.
func (s *Store) Save(ownerID string, b Blob) (*Handle, error) {
	if ownerID == "" {
		return nil, ErrNoOwner
	}
	if len(b.Data) == 0 {
		return nil, ErrEmpty
	}
	if s.maxBytes > 0 && int64(len(b.Data)) > s.maxBytes {
		return nil, fmt.Errorf("%w: %d > %d bytes", ErrTooLarge, len(b.Data), s.maxBytes)
	}

	mime := b.MimeType
	if mime == "" || mime == "application/octet-stream" {
		mime = http.DetectContentType(b.Data)
	}
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = strings.TrimSpace(mime[:i])
	}

	id := uuid.NewString()
	name := sanitizeName(b.FileName)
	if name == "" {
		name = "file"
	}

	dir := filepath.Join(s.root, sanitizeName(ownerID))
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create owner dir: %w", err)
	}
	path := filepath.Join(dir, id+"-"+name)
	if err := os.WriteFile(path, b.Data, 0o600); err != nil {
		return nil, fmt.Errorf("write attachment: %w", err)
	}

	now := s.now()
	h := &Handle{
		ID:        id,
		OwnerID:   ownerID,
		LocalPath: path,
		FileName:  name,
		MimeType:  mime,
		SizeBytes: int64(len(b.Data)),
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}

	s.mu.Lock()
	s.handles[id] = h
	s.mu.Unlock()

	logger.DebugCF("attachments", "Attachment saved", map[string]interface{}{
		"id":    id,
		"owner": ownerID,
		"mime":  mime,
		"size":  h.SizeBytes,
	})
	s.publish(domain.EventAttachmentSaved, h)
	return h, nil
}

// Get returns a live handle by id.
func (s *Store) Get(id string) (*Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[id]
	return h, ok
}

// Extend pushes a handle's expiry out to until (never earlier).
func (s *Store) Extend(h *Handle, until time.Time) {
	if h == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if live, ok := s.handles[h.ID]; ok && until.After(live.ExpiresAt) {
		live.ExpiresAt = until
	}
}

// Release deletes the handle's backing file. Releasing an unknown, already
// released or already swept handle is not an error.
func (s *Store) Release(h *Handle) error {
	if h == nil {
		return nil
	}
	s.mu.Lock()
	_, live := s.handles[h.ID]
	delete(s.handles, h.ID)
	s.mu.Unlock()

	if !live {
		return nil
	}
	if err := removeFile(h.LocalPath); err != nil {
		return fmt.Errorf("release attachment %s: %w", h.ID, err)
	}
	s.removeOwnerDirIfEmpty(h.OwnerID)
	s.publish(domain.EventAttachmentReleased, h)
	return nil
}

// Sweep deletes every handle whose expiry is at or before now and returns the
// number removed.
func (s *Store) Sweep(now time.Time) int {
	s.mu.Lock()
	var expired []*Handle
	for id, h := range s.handles {
		if h.Expired(now) {
			expired = append(expired, h)
			delete(s.handles, id)
		}
	}
	s.mu.Unlock()

	for _, h := range expired {
		if err := removeFile(h.LocalPath); err != nil {
			logger.WarnCF("attachments", "Failed to delete expired attachment", map[string]interface{}{
				"id":    h.ID,
				"error": err.Error(),
			})
			continue
		}
		s.removeOwnerDirIfEmpty(h.OwnerID)
		s.publish(domain.EventAttachmentExpired, h)
	}
	if len(expired) > 0 {
		logger.InfoCF("attachments", "Expired attachments swept", map[string]interface{}{
			"count": len(expired),
		})
	}
	return len(expired)
}

// Len returns the number of live handles.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

// PurgeOrphans removes everything under the root that no live handle owns.
// It runs at startup, when files left by a previous process are unreachable.
func (s *Store) PurgeOrphans() (int, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return 0, fmt.Errorf("read attachment root: %w", err)
	}

	s.mu.Lock()
	owned := make(map[string]bool, len(s.handles))
	for _, h := range s.handles {
		owned[sanitizeName(h.OwnerID)] = true
	}
	s.mu.Unlock()

	removed := 0
	for _, e := range entries {
		if owned[e.Name()] {
			continue
		}
		if err := os.RemoveAll(filepath.Join(s.root, e.Name())); err != nil {
			return removed, fmt.Errorf("remove orphan %s: %w", e.Name(), err)
		}
		removed++
	}
	return removed, nil
}

// Run sweeps on the given cron schedule until ctx is cancelled.
func (s *Store) Run(ctx context.Context, schedule string) error {
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	gron := gronx.New()
	if !gron.IsValid(schedule) {
		return fmt.Errorf("invalid sweep schedule %q", schedule)
	}

	for {
		next, err := gronx.NextTickAfter(schedule, s.now(), false)
		if err != nil {
			return fmt.Errorf("next sweep tick: %w", err)
		}
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
			s.Sweep(s.now())
		}
	}
}

func (s *Store) removeOwnerDirIfEmpty(ownerID string) {
	dir := filepath.Join(s.root, sanitizeName(ownerID))
	entries, err := os.ReadDir(dir)
	if err == nil && len(entries) == 0 {
		_ = os.Remove(dir)
	}
}

func (s *Store) publish(t domain.EventType, h *Handle) {
	if s.events == nil {
		return
	}
	s.events.Publish(domain.NewEvent(t, domain.EntityID(h.ID), events.AttachmentEventData{
		HandleID:  h.ID,
		OwnerID:   h.OwnerID,
		FileName:  h.FileName,
		MimeType:  h.MimeType,
		SizeBytes: h.SizeBytes,
	}))
}

func removeFile(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

func sanitizeName(name string) string {
	name = filepath.Base(strings.TrimSpace(name))
	if name == "." || name == string(filepath.Separator) {
		return ""
	}
	name = unsafeChars.ReplaceAllString(name, "_")
	name = strings.Trim(name, "._")
	if len(name) > 96 {
		name = name[len(name)-96:]
	}
	return name
}
