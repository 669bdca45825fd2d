// Package recordings manages the recording library on local disk. The file is
// the source of truth: a recording exists exactly when its file does.
package recordings

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/screenrec/backend/internal/models"
)

var (
	ErrNotFound    = errors.New("recording not found")
	ErrInvalidName = errors.New("invalid recording name")
	ErrExists      = errors.New("recording already exists")
)

const nameLayout = "20060102_150405"

// maxSuffix bounds same-second collision suffixes (_2, _3, ...).
const maxSuffix = 1000

var (
	validName   = regexp.MustCompile(`^[A-Za-z0-9_-][A-Za-z0-9._-]*$`)
	stampedName = regexp.MustCompile(`^(?:recording|clip)_(\d{8}_\d{6})(?:_\d+)?\.`)
)

// ValidateName rejects anything that is not a plain file name in the library.
func ValidateName(name string) error {
	if len(name) > 255 || !validName.MatchString(name) || models.FormatOf(name) == "" {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// Library is a flat directory of recordings.
type Library struct {
	root   string
	now    func() time.Time
	logger *zap.Logger
}

// NewLibrary creates root if needed.
func NewLibrary(root string, logger *zap.Logger) (*Library, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create recordings dir: %w", err)
	}
	return &Library{root: root, now: time.Now, logger: logger}, nil
}

// WithClock overrides the clock used for generated names.
func (l *Library) WithClock(now func() time.Time) *Library {
	l.now = now
	return l
}

// Root returns the library directory.
func (l *Library) Root() string { return l.root }

// Path returns the on-disk path of name after validating it.
func (l *Library) Path(name string) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}
	return filepath.Join(l.root, name), nil
}

// Exists reports whether name is a regular file in the library. Invalid names never exist.
func (l *Library) Exists(name string) bool {
	p, err := l.Path(name)
	if err != nil {
		return false
	}
	fi, err := os.Stat(p)
	return err == nil && fi.Mode().IsRegular()
}

// Info returns metadata for name. CreatedAt comes from the timestamp in the name,
// falling back to the file's modification time.
func (l *Library) Info(name string) (models.Recording, error) {
	p, err := l.Path(name)
	if err != nil {
		return models.Recording{}, err
	}
	fi, err := os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) || (err == nil && !fi.Mode().IsRegular()) {
		return models.Recording{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return models.Recording{}, fmt.Errorf("stat %s: %w", name, err)
	}
	created := fi.ModTime().UTC()
	if m := stampedName.FindStringSubmatch(name); m != nil {
		if t, err := time.ParseInLocation(nameLayout, m[1], time.UTC); err == nil {
			created = t
		}
	}
	return models.Recording{
		Filename:  name,
		Kind:      models.KindOf(name),
		CreatedAt: created,
		Size:      fi.Size(),
	}, nil
}

// Reserve creates an empty file named <kind>_<timestamp>[_n].<ext> and returns its
// name. The O_EXCL create makes concurrent reservations in the same second distinct.
func (l *Library) Reserve(kind, ext string) (string, error) {
	f, name, err := l.reserve(kind, ext)
	if err != nil {
		return "", err
	}
	return name, f.Close()
}

// ReserveSibling creates an empty converted copy of source in format ext, named
// <stem>.converted.<ext>. Fails with ErrExists when that copy is already present.
func (l *Library) ReserveSibling(source, ext string) (string, error) {
	name := models.ConvertedName(source, ext)
	p, err := l.Path(name)
	if err != nil {
		return "", err
	}
	f, err := os.OpenFile(p, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if errors.Is(err, fs.ErrExist) {
		return "", fmt.Errorf("%w: %s", ErrExists, name)
	}
	if err != nil {
		return "", fmt.Errorf("reserve %s: %w", name, err)
	}
	return name, f.Close()
}

// Save streams r into a newly reserved file and returns its name. A failed copy
// removes the partial file.
func (l *Library) Save(ctx context.Context, r io.Reader, kind, ext string) (string, error) {
	f, name, err := l.reserve(kind, ext)
	if err != nil {
		return "", err
	}
	_, err = io.Copy(f, ctxReader{ctx: ctx, r: r})
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		l.Discard(name)
		return "", fmt.Errorf("write %s: %w", name, err)
	}
	return name, nil
}

// Discard removes a reserved or partial file, ignoring errors.
func (l *Library) Discard(name string) {
	if p, err := l.Path(name); err == nil {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			l.logger.Warn("discard recording failed", zap.String("filename", name), zap.Error(err))
		}
	}
}

// Delete removes name and, for an original recording, its converted copies. A
// converted copy is removed alone. The primary file is removed first; if that
// fails nothing else is touched. Returns the siblings removed.
func (l *Library) Delete(name string) ([]string, error) {
	p, err := l.Path(name)
	if err != nil {
		return nil, err
	}
	if !l.Exists(name) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err := os.Remove(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, fmt.Errorf("delete %s: %w", name, err)
	}
	return l.deleteSiblings(name), nil
}

// Siblings lists the converted copies of name. A converted copy has none.
func (l *Library) Siblings(name string) []string {
	if models.IsConverted(name) {
		return nil
	}
	stem := models.Stem(name)
	matches, err := filepath.Glob(filepath.Join(l.root, stem+".*"))
	if err != nil {
		return nil
	}
	var out []string
	for _, m := range matches {
		base := filepath.Base(m)
		if base != name && models.IsConverted(base) && models.SourceStem(base) == stem && l.Exists(base) {
			out = append(out, base)
		}
	}
	return out
}

func (l *Library) deleteSiblings(name string) []string {
	var removed []string
	for _, sib := range l.Siblings(name) {
		if err := os.Remove(filepath.Join(l.root, sib)); err != nil {
			l.logger.Error("delete sibling failed", zap.String("filename", sib), zap.Error(err))
			continue
		}
		removed = append(removed, sib)
	}
	return removed
}

func (l *Library) reserve(kind, ext string) (*os.File, string, error) {
	if kind != models.KindRecording && kind != models.KindClip {
		return nil, "", fmt.Errorf("%w: kind %q", ErrInvalidName, kind)
	}
	ext = strings.TrimPrefix(strings.ToLower(ext), ".")
	if !models.ValidFormat(ext) {
		return nil, "", fmt.Errorf("%w: extension %q", ErrInvalidName, ext)
	}
	base := kind + "_" + l.now().UTC().Format(nameLayout)
	for n := 1; n <= maxSuffix; n++ {
		name := base + "." + ext
		if n > 1 {
			name = base + "_" + strconv.Itoa(n) + "." + ext
		}
		p := filepath.Join(l.root, name)
		f, err := os.OpenFile(p, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return nil, "", fmt.Errorf("reserve %s: %w", name, err)
		}
		// The stem is claimed for every format. Both racers create before they
		// check, so at least one of them sees the other and moves on.
		if l.stemTaken(name) {
			f.Close()
			os.Remove(p)
			continue
		}
		return f, name, nil
	}
	return nil, "", fmt.Errorf("reserve %s: too many recordings this second", base)
}

// stemTaken reports whether any file other than name already uses name's stem.
func (l *Library) stemTaken(name string) bool {
	matches, err := filepath.Glob(filepath.Join(l.root, models.Stem(name)+".*"))
	if err != nil {
		return true
	}
	for _, m := range matches {
		if filepath.Base(m) != name {
			return true
		}
	}
	return false
}

// ctxReader stops a copy once ctx is done, e.g. when the client goes away mid-upload.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
