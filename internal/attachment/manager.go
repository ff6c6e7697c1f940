package attachment

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"medchat/internal/logging"
	"medchat/internal/models"
)

const DefaultMaxBytes = 10 << 20 // 10 MB

var (
	ErrNoFile          = errors.New("no file selected")
	ErrUnsupportedType = errors.New("unsupported file type")
	ErrTooLarge        = errors.New("file too large")
	ErrNotFound        = errors.New("attachment not found")
)

// File is a raw file handle coming from the camera or the file picker.
// A nil Reader means the user cancelled the picker.
type File struct {
	Source models.Source
	Name   string
	Reader io.Reader
}

var cameraContentTypes = []string{"image/"}

var pickerContentTypes = []string{
	"image/",
	"text/plain",
	"application/pdf",
	"application/msword",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
}

// office files are often sniffed as generic zip/ole containers
var pickerExtensions = []string{".pdf", ".doc", ".docx"}

func accepts(source models.Source, contentType, name string) bool {
	allowed := pickerContentTypes
	if source == models.SourceCamera {
		allowed = cameraContentTypes
	}
	for _, prefix := range allowed {
		if strings.HasPrefix(contentType, prefix) {
			return true
		}
	}
	if source != models.SourceFile {
		return false
	}
	ext := strings.ToLower(filepath.Ext(name))
	for _, allowedExt := range pickerExtensions {
		if ext == allowedExt {
			return true
		}
	}
	return false
}

// Options tune a Manager.
type Options struct {
	BaseDir  string
	MaxBytes int64
	// TTL revokes references after the given age; zero keeps them for the
	// lifetime of the process.
	TTL    time.Duration
	Logger *zap.Logger
}

// Manager mints and releases transient references to user files. Bytes live
// under BaseDir/<ref>/ and every live reference has a registry row.
type Manager struct {
	registry *registry
	baseDir  string
	maxBytes int64
	ttl      time.Duration
	logger   *zap.Logger
	now      func() time.Time
}

// NewManager builds a manager over an already migrated registry database.
func NewManager(db *sql.DB, opts Options) (*Manager, error) {
	if db == nil {
		return nil, errors.New("attachment registry database required")
	}
	if opts.BaseDir == "" {
		return nil, errors.New("attachment base dir required")
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxBytes
	}
	if err := os.MkdirAll(opts.BaseDir, 0o700); err != nil {
		return nil, fmt.Errorf("create attachment dir: %w", err)
	}
	return &Manager{
		registry: &registry{db: db},
		baseDir:  opts.BaseDir,
		maxBytes: opts.MaxBytes,
		ttl:      opts.TTL,
		logger:   logging.OrNop(opts.Logger),
		now:      time.Now,
	}, nil
}

// Capture stores the file and returns an attachment with a fresh reference.
// A cancelled picker yields ErrNoFile and allocates nothing.
func (m *Manager) Capture(ctx context.Context, file File) (*models.Attachment, error) {
	name := filepath.Base(strings.TrimSpace(file.Name))
	if file.Reader == nil || name == "." || name == string(filepath.Separator) {
		return nil, ErrNoFile
	}
	source := file.Source
	if source == "" {
		source = models.SourceFile
	}
	if source != models.SourceCamera && source != models.SourceFile {
		return nil, fmt.Errorf("unknown capture source %q", source)
	}

	data, err := io.ReadAll(io.LimitReader(file.Reader, m.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read upload: %w", err)
	}
	if len(data) == 0 {
		return nil, ErrNoFile
	}
	if int64(len(data)) > m.maxBytes {
		return nil, ErrTooLarge
	}

	contentType, _, _ := strings.Cut(mimetype.Detect(data).String(), ";")
	contentType = strings.TrimSpace(contentType)
	if !accepts(source, contentType, name) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, contentType)
	}

	ref := uuid.NewString()
	dir := filepath.Join(m.baseDir, ref)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create attachment dir: %w", err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("write attachment: %w", err)
	}

	now := m.now().UTC()
	att := &models.Attachment{
		Ref:         ref,
		DisplayName: name,
		MimeType:    contentType,
		Kind:        models.KindForMime(contentType),
		Source:      source,
		Size:        int64(len(data)),
		StoredPath:  path,
		CreatedAt:   now,
	}
	if m.ttl > 0 {
		att.ExpiresAt = now.Add(m.ttl)
	}
	if err := m.registry.insert(ctx, att); err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("record attachment: %w", err)
	}
	m.logger.Debug("attachment captured",
		zap.String("ref", ref),
		zap.String("mime", contentType),
		zap.Int64("size", att.Size),
	)
	return att, nil
}

// Open returns the attachment metadata and its bytes. Released or expired
// references report ErrNotFound.
func (m *Manager) Open(ctx context.Context, ref string) (*models.Attachment, io.ReadCloser, error) {
	if _, err := uuid.Parse(ref); err != nil {
		return nil, nil, ErrNotFound
	}
	att, err := m.registry.get(ctx, ref)
	if err != nil {
		return nil, nil, err
	}
	if att.Expired(m.now()) {
		return nil, nil, ErrNotFound
	}
	f, err := os.Open(att.StoredPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, fmt.Errorf("open attachment: %w", err)
	}
	return att, f, nil
}

// Release deletes the bytes and registry rows of refs. Unknown refs are
// ignored, so releasing twice is harmless.
func (m *Manager) Release(ctx context.Context, refs ...string) error {
	var errs []error
	for _, ref := range refs {
		if _, err := uuid.Parse(ref); err != nil {
			continue
		}
		if err := os.RemoveAll(filepath.Join(m.baseDir, ref)); err != nil {
			errs = append(errs, fmt.Errorf("remove attachment %s: %w", ref, err))
			continue
		}
		if err := m.registry.delete(ctx, ref); err != nil {
			errs = append(errs, fmt.Errorf("delete attachment record %s: %w", ref, err))
			continue
		}
		m.logger.Debug("attachment released", zap.String("ref", ref))
	}
	return errors.Join(errs...)
}

// ReleaseAll revokes every live reference; called when the client shuts down.
func (m *Manager) ReleaseAll(ctx context.Context) error {
	refs, err := m.registry.refs(ctx)
	if err != nil {
		return err
	}
	return m.Release(ctx, refs...)
}
