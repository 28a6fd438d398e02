// Package files owns every temporary file the service writes: staged uploads,
// capability work directories and result artifacts awaiting delivery.
package files

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"pdfbot/internal/models"
)

const sniffLen = 512

// Inspector validates file content and reports its page count.
type Inspector interface {
	Inspect(path string, kind models.ContentKind) (pages int, err error)
}

// Limits bounds what Stage accepts.
type Limits struct {
	MaxFileSize int64
	MaxPages    int
}

type entry struct {
	id        string
	userID    int64
	path      string
	name      string
	kind      models.ContentKind
	size      int64
	note      string
	artifact  bool
	createdAt time.Time
}

// Manager tracks live temporary files and guarantees their removal.
type Manager struct {
	root      string
	limits    Limits
	inspector Inspector
	log       zerolog.Logger
	now       func() time.Time

	mu       sync.Mutex
	entries  map[string]*entry  // live handles by id
	byPath   map[string]string  // path -> id
	workDirs map[string]int64   // dirs handed to capabilities, by owner
}

// NewManager prepares the storage root.
func NewManager(root string, limits Limits, inspector Inspector, logger zerolog.Logger) (*Manager, error) {
	if root == "" {
		return nil, errors.New("storage root required")
	}
	if inspector == nil {
		return nil, errors.New("inspector required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve storage root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	return &Manager{
		root:      abs,
		limits:    limits,
		inspector: inspector,
		log:       logger,
		now:       time.Now,
		entries:   make(map[string]*entry),
		byPath:    make(map[string]string),
		workDirs:  make(map[string]int64),
	}, nil
}

// Root returns the absolute storage root.
func (m *Manager) Root() string {
	return m.root
}

// Stage validates an upload and writes it under the user's directory.
// A declaredSize or declaredKind of zero value means "unknown".
func (m *Manager) Stage(ctx context.Context, userID int64, r io.Reader, name string, declaredSize int64, declaredKind models.ContentKind) (*models.StagedFile, error) {
	if r == nil {
		return nil, models.NewError(models.KindUnsupportedKind, "empty upload")
	}
	if m.limits.MaxFileSize > 0 && declaredSize > m.limits.MaxFileSize {
		return nil, models.NewError(models.KindTooLarge, fmt.Sprintf("%d bytes exceeds the %d byte limit", declaredSize, m.limits.MaxFileSize))
	}
	if declaredKind == "" {
		declaredKind, _ = models.KindFromExt(name)
	}
	if declaredKind != "" && !declaredKind.IsUploadKind() {
		return nil, models.NewError(models.KindUnsupportedKind, fmt.Sprintf("kind %q is not accepted", declaredKind))
	}

	head := make([]byte, sniffLen)
	n, err := io.ReadFull(r, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read upload: %w", err)
	}
	head = head[:n]
	if n == 0 {
		return nil, models.NewError(models.KindUnsupportedKind, "empty upload")
	}
	kind, ok := SniffKind(head)
	if !ok {
		return nil, models.NewError(models.KindUnsupportedKind, "unrecognized content")
	}
	if declaredKind != "" && declaredKind != kind {
		return nil, models.NewError(models.KindUnsupportedKind, fmt.Sprintf("content is %s, declared %s", kind, declaredKind))
	}

	id := uuid.NewString()
	path, f, err := m.create(userID, id+kind.Ext())
	if err != nil {
		return nil, err
	}
	size, err := m.copyBounded(f, io.MultiReader(bytes.NewReader(head), r))
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		m.discard(path)
		return nil, err
	}

	pages, err := m.inspector.Inspect(path, kind)
	if err != nil {
		m.discard(path)
		return nil, models.WrapError(models.KindUnsupportedKind, "unreadable "+string(kind), err)
	}
	if m.limits.MaxPages > 0 && pages > m.limits.MaxPages {
		m.discard(path)
		return nil, models.NewError(models.KindTooManyPages, fmt.Sprintf("%d pages exceeds the %d page limit", pages, m.limits.MaxPages))
	}

	staged := &models.StagedFile{
		ID:        id,
		UserID:    userID,
		Name:      SanitizeName(name, kind),
		Path:      path,
		Size:      size,
		Pages:     pages,
		Kind:      kind,
		CreatedAt: m.now(),
	}
	m.track(&entry{
		id:        id,
		userID:    userID,
		path:      path,
		name:      staged.Name,
		kind:      kind,
		size:      size,
		createdAt: staged.CreatedAt,
	})
	m.log.Debug().Int64("user_id", userID).Str("file_id", id).Str("kind", string(kind)).Int64("size", size).Int("pages", pages).Msg("file staged")
	return staged, nil
}

// copyBounded copies at most MaxFileSize bytes and fails with TooLarge past that.
func (m *Manager) copyBounded(dst io.Writer, src io.Reader) (int64, error) {
	if m.limits.MaxFileSize <= 0 {
		return io.Copy(dst, src)
	}
	written, err := io.Copy(dst, io.LimitReader(src, m.limits.MaxFileSize+1))
	if err != nil {
		return written, fmt.Errorf("write upload: %w", err)
	}
	if written > m.limits.MaxFileSize {
		return written, models.NewError(models.KindTooLarge, fmt.Sprintf("upload exceeds the %d byte limit", m.limits.MaxFileSize))
	}
	return written, nil
}

// Release deletes a staged file. Releasing twice is a no-op.
func (m *Manager) Release(f *models.StagedFile) error {
	if f == nil {
		return nil
	}
	return m.release(f.ID, f.Path)
}

// ReleaseArtifact deletes a result artifact. Releasing twice is a no-op.
func (m *Manager) ReleaseArtifact(a *models.ResultArtifact) error {
	if a == nil {
		return nil
	}
	return m.release(a.ID, a.Path)
}

// ReleaseAll releases every staged file and joins the failures.
func (m *Manager) ReleaseAll(files []*models.StagedFile) error {
	var errs []error
	for _, f := range files {
		if err := m.Release(f); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ReleaseArtifacts releases every artifact and joins the failures.
func (m *Manager) ReleaseArtifacts(artifacts []*models.ResultArtifact) error {
	var errs []error
	for _, a := range artifacts {
		if err := m.ReleaseArtifact(a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ReleaseByID releases a live handle of the given owner. It reports whether the handle was live.
func (m *Manager) ReleaseByID(userID int64, id string) (bool, error) {
	m.mu.Lock()
	e, ok := m.entries[id]
	m.mu.Unlock()
	if !ok || e.userID != userID {
		return false, nil
	}
	return true, m.release(e.id, e.path)
}

// Artifact returns a live result artifact owned by userID.
func (m *Manager) Artifact(userID int64, id string) (*models.ResultArtifact, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok || !e.artifact || e.userID != userID {
		return nil, false
	}
	return &models.ResultArtifact{
		ID:        e.id,
		UserID:    e.userID,
		Name:      e.name,
		Path:      e.path,
		Size:      e.size,
		Kind:      e.kind,
		Note:      e.note,
		CreatedAt: e.createdAt,
	}, true
}

// LiveCount returns the number of tracked handles.
func (m *Manager) LiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// WorkDir allocates an empty directory for a capability to write outputs into.
func (m *Manager) WorkDir(userID int64) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dir := filepath.Join(m.userDir(userID), "work-"+uuid.NewString())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create work dir: %w", err)
	}
	m.workDirs[dir] = userID
	return dir, nil
}

// DiscardWorkDir removes a work directory and everything in it.
func (m *Manager) DiscardWorkDir(dir string) error {
	if dir == "" || !m.within(dir) {
		return nil
	}
	m.mu.Lock()
	delete(m.workDirs, dir)
	for path, id := range m.byPath {
		if strings.HasPrefix(path, dir+string(filepath.Separator)) {
			delete(m.byPath, path)
			delete(m.entries, id)
		}
	}
	m.mu.Unlock()
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove work dir: %w", err)
	}
	m.prune(filepath.Dir(dir))
	return nil
}

func (m *Manager) discardWorkDir(dir string) {
	if err := m.DiscardWorkDir(dir); err != nil {
		m.log.Warn().Err(err).Str("dir", dir).Msg("discard work dir")
	}
}

// Adopt turns capability outputs into tracked result artifacts.
// Anything else left in dir is removed. On error nothing from dir survives.
func (m *Manager) Adopt(userID int64, dir string, outputs []models.ProducedFile) ([]*models.ResultArtifact, error) {
	if len(outputs) == 0 {
		m.discardWorkDir(dir)
		return nil, errors.New("no outputs produced")
	}
	keep := make(map[string]bool, len(outputs))
	artifacts := make([]*models.ResultArtifact, 0, len(outputs))
	for _, out := range outputs {
		path := filepath.Clean(out.Path)
		if filepath.Dir(path) != dir {
			m.discardWorkDir(dir)
			return nil, fmt.Errorf("output %s escapes work dir", out.Path)
		}
		info, err := os.Stat(path)
		if err != nil {
			m.discardWorkDir(dir)
			return nil, fmt.Errorf("stat output: %w", err)
		}
		if !info.Mode().IsRegular() {
			m.discardWorkDir(dir)
			return nil, fmt.Errorf("output %s is not a regular file", out.Path)
		}
		name := out.Name
		if name == "" {
			name = filepath.Base(path)
		}
		keep[path] = true
		artifacts = append(artifacts, &models.ResultArtifact{
			ID:        uuid.NewString(),
			UserID:    userID,
			Name:      SanitizeName(name, out.Kind),
			Path:      path,
			Size:      info.Size(),
			Kind:      out.Kind,
			Note:      out.Note,
			CreatedAt: m.now(),
		})
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		m.discardWorkDir(dir)
		return nil, fmt.Errorf("read work dir: %w", err)
	}
	for _, de := range entries {
		p := filepath.Join(dir, de.Name())
		if !keep[p] {
			_ = os.RemoveAll(p)
		}
	}

	m.mu.Lock()
	delete(m.workDirs, dir)
	m.mu.Unlock()
	for _, a := range artifacts {
		m.track(&entry{
			id:        a.ID,
			userID:    userID,
			path:      a.Path,
			name:      a.Name,
			kind:      a.Kind,
			size:      a.Size,
			note:      a.Note,
			artifact:  true,
			createdAt: a.CreatedAt,
		})
	}
	return artifacts, nil
}

func (m *Manager) userDir(userID int64) string {
	return filepath.Join(m.root, strconv.FormatInt(userID, 10))
}

// create opens a new file in the user's directory. Holding mu keeps prune from
// removing the directory between MkdirAll and OpenFile.
func (m *Manager) create(userID int64, base string) (string, *os.File, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dir := m.userDir(userID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", nil, fmt.Errorf("create user dir: %w", err)
	}
	path := filepath.Join(dir, base)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return "", nil, fmt.Errorf("create file: %w", err)
	}
	return path, f, nil
}

func (m *Manager) track(e *entry) {
	m.mu.Lock()
	m.entries[e.id] = e
	m.byPath[e.path] = e.id
	m.mu.Unlock()
}

func (m *Manager) release(id, path string) error {
	m.mu.Lock()
	if e, ok := m.entries[id]; ok {
		path = e.path
		delete(m.entries, id)
		delete(m.byPath, e.path)
	}
	m.mu.Unlock()
	if path == "" || !m.within(path) {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove %s: %w", filepath.Base(path), err)
	}
	m.prune(filepath.Dir(path))
	return nil
}

// discard removes a file that never became a handle.
func (m *Manager) discard(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		m.log.Warn().Err(err).Str("path", path).Msg("remove rejected upload failed")
	}
	m.prune(filepath.Dir(path))
}

// prune removes empty directories from dir up to, but excluding, the root.
func (m *Manager) prune(dir string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for dir != m.root && m.within(dir) {
		if _, active := m.workDirs[dir]; active {
			return
		}
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

func (m *Manager) within(path string) bool {
	rel, err := filepath.Rel(m.root, path)
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// SniffKind detects the content kind from the leading bytes of a file.
func SniffKind(head []byte) (models.ContentKind, bool) {
	if bytes.HasPrefix(head, []byte("II*\x00")) || bytes.HasPrefix(head, []byte("MM\x00*")) {
		return models.KindTIFF, true
	}
	ct := http.DetectContentType(head)
	switch {
	case strings.HasPrefix(ct, "application/pdf"):
		return models.KindPDF, true
	case strings.HasPrefix(ct, "image/jpeg"):
		return models.KindJPEG, true
	case strings.HasPrefix(ct, "image/png"):
		return models.KindPNG, true
	case strings.HasPrefix(ct, "image/gif"):
		return models.KindGIF, true
	case strings.HasPrefix(ct, "image/bmp"):
		return models.KindBMP, true
	case strings.HasPrefix(ct, "image/webp"):
		return models.KindWEBP, true
	}
	return "", false
}
