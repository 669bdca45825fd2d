// Package coordinator ties the recording library to the link and session stores.
// Every operation that creates or destroys a recording goes through here so the
// stores never disagree with the disk for longer than a failed cascade.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/screenrec/backend/internal/linktoken"
	"github.com/screenrec/backend/internal/links"
	"github.com/screenrec/backend/internal/mailer"
	"github.com/screenrec/backend/internal/models"
	"github.com/screenrec/backend/internal/recordings"
	"github.com/screenrec/backend/internal/sessions"
	"github.com/screenrec/backend/pkg/queue"
	"github.com/screenrec/backend/pkg/storage"
)

// ErrBadRequest marks malformed caller input.
var ErrBadRequest = errors.New("bad request")

const shareSubject = "A screen recording was shared with you"

// Transcoder cuts and converts recordings.
type Transcoder interface {
	Clip(ctx context.Context, in string, start, duration float64, out string) error
	Convert(ctx context.Context, in, out, format string) error
}

// Jobs enqueues background work.
type Jobs interface {
	EnqueueArchive(ctx context.Context, payload queue.ArchivePayload) error
	EnqueueEmail(ctx context.Context, payload queue.EmailPayload) error
}

// Mailer delivers one email inline.
type Mailer interface {
	Send(ctx context.Context, to, subject, body string) error
}

// ArchiveRemover deletes archived copies.
type ArchiveRemover interface {
	DeleteObject(ctx context.Context, key string) error
}

// Deps are the collaborators of a Service. Jobs, Mailer and Archive are optional.
type Deps struct {
	Library    *recordings.Library
	Codec      *linktoken.Codec
	Links      *links.Store
	Sessions   *sessions.Store
	Transcoder Transcoder
	Jobs       Jobs
	Mailer     Mailer
	Archive    ArchiveRemover
	SecureTTL  time.Duration
}

// Service implements the recording lifecycle operations.
type Service struct {
	Deps
	logger *zap.Logger
}

// NewService creates a Service.
func NewService(deps Deps, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.SecureTTL <= 0 {
		deps.SecureTTL = 15 * time.Minute
	}
	return &Service{Deps: deps, logger: logger}
}

// Created is the result of an operation that adds a recording to the caller's session.
type Created struct {
	Filename     string
	SessionToken string
	NewSession   bool
}

// SecureLink is a freshly issued time-limited token.
type SecureLink struct {
	Filename  string
	Token     string
	ExpiresIn time.Duration
}

// Deleted reports what a delete cascade touched.
type Deleted struct {
	Filename        string
	Siblings        []string
	LinksRevoked    int
	SessionsUpdated int
}

// Upload stores r as a new recording and appends it to the caller's session.
func (s *Service) Upload(ctx context.Context, sessionToken string, r io.Reader, ext string) (*Created, error) {
	if r == nil {
		return nil, fmt.Errorf("%w: missing video payload", ErrBadRequest)
	}
	if ext == "" {
		ext = models.FormatWebM
	}
	if !models.ValidFormat(ext) {
		return nil, fmt.Errorf("%w: unsupported format %q", ErrBadRequest, ext)
	}
	name, err := s.Library.Save(ctx, r, models.KindRecording, ext)
	if err != nil {
		return nil, err
	}
	res, err := s.attach(ctx, sessionToken, name)
	if err != nil {
		s.Library.Discard(name)
		return nil, err
	}
	s.logger.Info("recording uploaded", zap.String("filename", name), zap.Bool("new_session", res.NewSession))
	s.archive(ctx, name)
	return res, nil
}

// Clip cuts [start, end) seconds of source into a new clip owned by the caller's session.
// The range is validated before the source or the encoder is touched.
func (s *Service) Clip(ctx context.Context, sessionToken, source string, start, end float64) (*Created, error) {
	if math.IsNaN(start) || math.IsNaN(end) || math.IsInf(end, 0) || start < 0 || start >= end {
		return nil, fmt.Errorf("%w: clip range requires 0 <= start < end", ErrBadRequest)
	}
	in, err := s.existingPath(source)
	if err != nil {
		return nil, err
	}
	name, err := s.Library.Reserve(models.KindClip, models.FormatOf(source))
	if err != nil {
		return nil, err
	}
	out, err := s.Library.Path(name)
	if err != nil {
		return nil, err
	}
	if err := s.Transcoder.Clip(ctx, in, start, end-start, out); err != nil {
		s.Library.Discard(name)
		return nil, err
	}
	res, err := s.attach(ctx, sessionToken, name)
	if err != nil {
		s.Library.Discard(name)
		return nil, err
	}
	s.logger.Info("clip created", zap.String("filename", name), zap.String("source", source))
	s.archive(ctx, name)
	return res, nil
}

// Convert writes a <stem>.converted.<format> copy of source and appends it to the caller's session.
func (s *Service) Convert(ctx context.Context, sessionToken, source, format string) (*Created, error) {
	format = strings.ToLower(strings.TrimSpace(format))
	if format == "" {
		format = models.FormatMP4
	}
	if !models.ValidFormat(format) {
		return nil, fmt.Errorf("%w: unsupported format %q", ErrBadRequest, format)
	}
	if models.FormatOf(source) == format {
		return nil, fmt.Errorf("%w: recording is already %s", ErrBadRequest, format)
	}
	in, err := s.existingPath(source)
	if err != nil {
		return nil, err
	}
	name, err := s.Library.ReserveSibling(source, format)
	if err != nil {
		return nil, err
	}
	out, err := s.Library.Path(name)
	if err != nil {
		return nil, err
	}
	if err := s.Transcoder.Convert(ctx, in, out, format); err != nil {
		s.Library.Discard(name)
		return nil, err
	}
	res, err := s.attach(ctx, sessionToken, name)
	if err != nil {
		s.Library.Discard(name)
		return nil, err
	}
	s.logger.Info("recording converted", zap.String("filename", name), zap.String("source", source))
	s.archive(ctx, name)
	return res, nil
}

// Delete removes filename and its converted siblings, then revokes their public
// links and drops them from every session. If removing the primary file fails
// nothing else runs. Cascade failures are logged and returned together, never
// rolled back.
func (s *Service) Delete(ctx context.Context, filename string) (*Deleted, error) {
	siblings, err := s.Library.Delete(filename)
	if err != nil {
		return nil, err
	}
	res := &Deleted{Filename: filename, Siblings: siblings}
	var errs []error
	for _, name := range append([]string{filename}, siblings...) {
		revoked, err := s.Links.Revoke(ctx, name)
		if err != nil {
			s.logger.Error("delete cascade: revoke public link failed", zap.String("filename", name), zap.Error(err))
			errs = append(errs, err)
		} else if revoked {
			res.LinksRevoked++
		}
		n, err := s.Sessions.RemoveFile(ctx, name)
		if err != nil {
			s.logger.Error("delete cascade: session cleanup failed", zap.String("filename", name), zap.Error(err))
			errs = append(errs, err)
		}
		res.SessionsUpdated += n
		if s.Archive != nil {
			if err := s.Archive.DeleteObject(ctx, storage.RecordingKey(name)); err != nil {
				s.logger.Warn("delete cascade: archive delete failed", zap.String("filename", name), zap.Error(err))
			}
		}
	}
	if len(errs) > 0 {
		return res, fmt.Errorf("delete %s: cascade incomplete: %w", filename, errors.Join(errs...))
	}
	s.logger.Info("recording deleted", zap.String("filename", filename), zap.Strings("siblings", siblings),
		zap.Int("links_revoked", res.LinksRevoked), zap.Int("sessions_updated", res.SessionsUpdated))
	return res, nil
}

// SecureLink issues a time-limited token for an existing recording. Nothing is stored.
func (s *Service) SecureLink(filename string) (*SecureLink, error) {
	if _, err := s.existingPath(filename); err != nil {
		return nil, err
	}
	token, err := s.Codec.Issue(filename)
	if err != nil {
		return nil, err
	}
	return &SecureLink{Filename: filename, Token: token, ExpiresIn: s.SecureTTL}, nil
}

// OpenSecure verifies token and returns the recording's name and path.
func (s *Service) OpenSecure(token string) (string, string, error) {
	filename, err := s.Codec.Verify(token, s.SecureTTL)
	if err != nil {
		return "", "", err
	}
	path, err := s.existingPath(filename)
	if err != nil {
		return "", "", err
	}
	return filename, path, nil
}

// PublicLink returns the recording's permanent token, minting it on first use.
func (s *Service) PublicLink(ctx context.Context, filename string) (string, bool, error) {
	if _, err := s.existingPath(filename); err != nil {
		return "", false, err
	}
	return s.Links.GetOrCreate(ctx, filename)
}

// RevokePublic removes the recording's public token. links.ErrNotFound if there was none.
func (s *Service) RevokePublic(ctx context.Context, filename string) error {
	if err := recordings.ValidateName(filename); err != nil {
		return err
	}
	removed, err := s.Links.Revoke(ctx, filename)
	if err != nil {
		return err
	}
	if !removed {
		return fmt.Errorf("%w: %s", links.ErrNotFound, filename)
	}
	s.logger.Info("public link revoked", zap.String("filename", filename))
	return nil
}

// OpenPublic resolves a public token. A token whose recording is gone is not found.
func (s *Service) OpenPublic(token string) (string, string, error) {
	filename, err := s.Links.Resolve(token)
	if err != nil {
		return "", "", err
	}
	path, err := s.existingPath(filename)
	if err != nil {
		return "", "", err
	}
	return filename, path, nil
}

// Open returns the path of an existing recording for direct serving.
func (s *Service) Open(filename string) (string, error) {
	return s.existingPath(filename)
}

// SessionFiles lists the caller's recordings that still exist, pruning the rest.
func (s *Service) SessionFiles(ctx context.Context, sessionToken string) ([]models.Recording, error) {
	names, err := s.Sessions.ListExisting(ctx, sessionToken, s.Library)
	if err != nil {
		return nil, err
	}
	out := make([]models.Recording, 0, len(names))
	for _, name := range names {
		info, err := s.Library.Info(name)
		if errors.Is(err, recordings.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, nil
}

// ForgetSession drops the caller's session. The recordings themselves stay.
func (s *Service) ForgetSession(ctx context.Context, sessionToken string) error {
	return s.Sessions.Forget(ctx, sessionToken)
}

// SendEmail shares link with to, through the job queue when one is configured.
func (s *Service) SendEmail(ctx context.Context, to, link string) error {
	rcpt, err := mailer.ParseRecipient(to)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	u, err := url.Parse(link)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: url must be an absolute http(s) link", ErrBadRequest)
	}
	body := "Someone shared a screen recording with you:\n\n" + u.String() + "\n"
	if s.Jobs != nil {
		return s.Jobs.EnqueueEmail(ctx, queue.EmailPayload{RecipientEmail: rcpt, Subject: shareSubject, Body: body})
	}
	if s.Mailer == nil {
		return mailer.ErrNotConfigured
	}
	return s.Mailer.Send(ctx, rcpt, shareSubject, body)
}

// attach appends name to the caller's session, creating the session if needed.
func (s *Service) attach(ctx context.Context, sessionToken, name string) (*Created, error) {
	token, isNew, err := s.Sessions.ResolveOrCreate(ctx, sessionToken)
	if err != nil {
		return nil, err
	}
	if err := s.Sessions.Append(ctx, token, name); err != nil {
		return nil, err
	}
	return &Created{Filename: name, SessionToken: token, NewSession: isNew}, nil
}

func (s *Service) existingPath(filename string) (string, error) {
	path, err := s.Library.Path(filename)
	if err != nil {
		return "", err
	}
	if !s.Library.Exists(filename) {
		return "", fmt.Errorf("%w: %s", recordings.ErrNotFound, filename)
	}
	return path, nil
}

func (s *Service) archive(ctx context.Context, name string) {
	if s.Jobs == nil || s.Archive == nil {
		return
	}
	if err := s.Jobs.EnqueueArchive(ctx, queue.ArchivePayload{Filename: name}); err != nil {
		s.logger.Warn("enqueue archive failed", zap.String("filename", name), zap.Error(err))
	}
}
