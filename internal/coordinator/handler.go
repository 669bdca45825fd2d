package coordinator

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/screenrec/backend/internal/linktoken"
	"github.com/screenrec/backend/internal/links"
	"github.com/screenrec/backend/internal/mailer"
	"github.com/screenrec/backend/internal/models"
	"github.com/screenrec/backend/internal/recordings"
	"github.com/screenrec/backend/internal/transcoder"
	"github.com/screenrec/backend/pkg/docstore"
	"github.com/screenrec/backend/pkg/response"
)

// uploadField is the multipart field carrying the video.
const uploadField = "video"

// CookieConfig describes the session cookie.
type CookieConfig struct {
	Name   string
	MaxAge time.Duration
	Secure bool
}

// Handler exposes the Service over HTTP.
type Handler struct {
	svc       *Service
	cookie    CookieConfig
	baseURL   string
	maxUpload int64
	logger    *zap.Logger
}

// NewHandler creates a handler. Empty baseURL derives link URLs from the request.
func NewHandler(svc *Service, cookie CookieConfig, baseURL string, maxUpload int64, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cookie.Name == "" {
		cookie.Name = "rec_session"
	}
	return &Handler{svc: svc, cookie: cookie, baseURL: strings.TrimRight(baseURL, "/"), maxUpload: maxUpload, logger: logger}
}

// Register mounts all routes on r.
func (h *Handler) Register(r gin.IRouter) {
	r.POST("/upload", h.Upload)
	r.POST("/clip/:filename", h.Clip)
	r.POST("/convert/:filename", h.Convert)
	r.POST("/delete/:filename", h.Delete)
	r.GET("/recordings/:filename", h.Recording)
	r.GET("/link/secure/:filename", h.SecureLink)
	r.GET("/secure-download/:token", h.SecureDownload)
	r.GET("/link/public/:filename", h.PublicLink)
	r.DELETE("/link/public/:filename", h.RevokePublicLink)
	r.GET("/public-download/:token", h.PublicDownload)
	r.GET("/session/files", h.SessionFiles)
	r.POST("/session/forget", h.ForgetSession)
	r.POST("/send_email", h.SendEmail)
}

type createdResponse struct {
	Filename string `json:"filename"`
	URL      string `json:"url"`
}

// Upload handles POST /upload. Accepts multipart (field "video") or a raw video body.
func (h *Handler) Upload(c *gin.Context) {
	if h.maxUpload > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUpload)
	}
	body, ext, err := h.videoPayload(c)
	if err != nil {
		h.fail(c, err)
		return
	}
	res, err := h.svc.Upload(c.Request.Context(), h.sessionToken(c), body, ext)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.created(c, res)
}

type clipRequest struct {
	Start *float64 `json:"start" binding:"required"`
	End   *float64 `json:"end" binding:"required"`
}

// Clip handles POST /clip/:filename.
func (h *Handler) Clip(c *gin.Context) {
	var req clipRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "start and end are required")
		return
	}
	res, err := h.svc.Clip(c.Request.Context(), h.sessionToken(c), c.Param("filename"), *req.Start, *req.End)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.created(c, res)
}

type convertRequest struct {
	Format string `json:"format"`
}

// Convert handles POST /convert/:filename. An empty body converts to mp4.
func (h *Handler) Convert(c *gin.Context) {
	var req convertRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			response.BadRequest(c, "invalid request body")
			return
		}
	}
	res, err := h.svc.Convert(c.Request.Context(), h.sessionToken(c), c.Param("filename"), req.Format)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.created(c, res)
}

// Delete handles POST /delete/:filename.
func (h *Handler) Delete(c *gin.Context) {
	res, err := h.svc.Delete(c.Request.Context(), c.Param("filename"))
	if err != nil {
		h.fail(c, err)
		return
	}
	response.OK(c, gin.H{
		"filename":         res.Filename,
		"siblings":         nonNil(res.Siblings),
		"links_revoked":    res.LinksRevoked,
		"sessions_updated": res.SessionsUpdated,
	})
}

// Recording handles GET /recordings/:filename.
func (h *Handler) Recording(c *gin.Context) {
	path, err := h.svc.Open(c.Param("filename"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.File(path)
}

// SecureLink handles GET /link/secure/:filename.
func (h *Handler) SecureLink(c *gin.Context) {
	link, err := h.svc.SecureLink(c.Param("filename"))
	if err != nil {
		h.fail(c, err)
		return
	}
	response.OK(c, gin.H{
		"url":        h.absURL(c, "/secure-download/"+link.Token),
		"token":      link.Token,
		"expires_in": int(link.ExpiresIn / time.Second),
	})
}

// SecureDownload handles GET /secure-download/:token.
func (h *Handler) SecureDownload(c *gin.Context) {
	_, path, err := h.svc.OpenSecure(c.Param("token"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.Header("Cache-Control", "private, no-store")
	c.File(path)
}

// PublicLink handles GET /link/public/:filename.
func (h *Handler) PublicLink(c *gin.Context) {
	token, created, err := h.svc.PublicLink(c.Request.Context(), c.Param("filename"))
	if err != nil {
		h.fail(c, err)
		return
	}
	response.OK(c, gin.H{
		"url":     h.absURL(c, "/public-download/"+token),
		"token":   token,
		"created": created,
	})
}

// RevokePublicLink handles DELETE /link/public/:filename.
func (h *Handler) RevokePublicLink(c *gin.Context) {
	if err := h.svc.RevokePublic(c.Request.Context(), c.Param("filename")); err != nil {
		h.fail(c, err)
		return
	}
	response.OK(c, gin.H{"filename": c.Param("filename"), "revoked": true})
}

// PublicDownload handles GET /public-download/:token.
func (h *Handler) PublicDownload(c *gin.Context) {
	_, path, err := h.svc.OpenPublic(c.Param("token"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.File(path)
}

// SessionFiles handles GET /session/files.
func (h *Handler) SessionFiles(c *gin.Context) {
	files, err := h.svc.SessionFiles(c.Request.Context(), h.sessionToken(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	for i := range files {
		files[i].URL = h.absURL(c, "/recordings/"+files[i].Filename)
	}
	response.OK(c, files)
}

// ForgetSession handles POST /session/forget. The cookie is cleared either way.
func (h *Handler) ForgetSession(c *gin.Context) {
	if token := h.sessionToken(c); token != "" {
		if err := h.svc.ForgetSession(c.Request.Context(), token); err != nil {
			h.fail(c, err)
			return
		}
	}
	h.setCookie(c, "", -1)
	response.OK(c, gin.H{"forgotten": true})
}

type emailRequest struct {
	To  string `json:"to" binding:"required,email"`
	URL string `json:"url" binding:"required,url"`
}

// SendEmail handles POST /send_email.
func (h *Handler) SendEmail(c *gin.Context) {
	var req emailRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "a valid recipient address and url are required")
		return
	}
	if err := h.svc.SendEmail(c.Request.Context(), req.To, req.URL); err != nil {
		h.fail(c, err)
		return
	}
	response.OK(c, gin.H{"to": req.To, "queued": h.svc.Jobs != nil})
}

func (h *Handler) created(c *gin.Context, res *Created) {
	if res.NewSession {
		h.setCookie(c, res.SessionToken, int(h.cookie.MaxAge/time.Second))
	}
	response.Created(c, createdResponse{Filename: res.Filename, URL: h.absURL(c, "/recordings/"+res.Filename)})
}

func (h *Handler) sessionToken(c *gin.Context) string {
	token, err := c.Cookie(h.cookie.Name)
	if err != nil {
		return ""
	}
	return token
}

func (h *Handler) setCookie(c *gin.Context, value string, maxAge int) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(h.cookie.Name, value, maxAge, "/", "", h.cookie.Secure, true)
}

// absURL prefixes path with the configured base URL or the request's own origin.
func (h *Handler) absURL(c *gin.Context, path string) string {
	if h.baseURL != "" {
		return h.baseURL + path
	}
	scheme := "http"
	if c.Request.TLS != nil || strings.EqualFold(c.GetHeader("X-Forwarded-Proto"), "https") {
		scheme = "https"
	}
	return scheme + "://" + c.Request.Host + path
}

// videoPayload returns the upload stream and its extension.
func (h *Handler) videoPayload(c *gin.Context) (io.Reader, string, error) {
	mediaType, _, _ := mime.ParseMediaType(c.ContentType())
	if !strings.HasPrefix(mediaType, "multipart/") {
		if c.Request.ContentLength == 0 {
			return nil, "", badRequest("missing video payload")
		}
		return c.Request.Body, extFor(mediaType, ""), nil
	}
	mr, err := c.Request.MultipartReader()
	if err != nil {
		return nil, "", badRequest("invalid multipart body")
	}
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return nil, "", badRequest("missing form field \"video\"")
		}
		if err != nil {
			var mbe *http.MaxBytesError
			if errors.As(err, &mbe) {
				return nil, "", err
			}
			return nil, "", badRequest("invalid multipart body")
		}
		if part.FormName() == uploadField {
			return part, extFor(part.Header.Get("Content-Type"), part.FileName()), nil
		}
	}
}

func badRequest(msg string) error {
	return errors.Join(ErrBadRequest, errors.New(msg))
}

// extFor picks the container from the declared type, then the client file name.
func extFor(contentType, filename string) string {
	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "mp4"):
		return models.FormatMP4
	case strings.Contains(ct, "webm"):
		return models.FormatWebM
	}
	if f := models.FormatOf(filename); f == models.FormatMP4 {
		return f
	}
	return models.FormatWebM
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// fail maps domain errors to HTTP responses.
func (h *Handler) fail(c *gin.Context, err error) {
	var toolErr *transcoder.ToolError
	var maxBytes *http.MaxBytesError
	switch {
	case errors.As(err, &maxBytes):
		response.RequestTooLarge(c, "upload too large")
	case errors.Is(err, linktoken.ErrExpired):
		response.Gone(c, "link expired")
	case errors.Is(err, linktoken.ErrTampered):
		response.BadRequest(c, "invalid link")
	case errors.Is(err, recordings.ErrNotFound):
		response.NotFound(c, "recording not found")
	case errors.Is(err, links.ErrNotFound):
		response.NotFound(c, "public link not found")
	case errors.Is(err, recordings.ErrInvalidName):
		response.BadRequest(c, "invalid filename")
	case errors.Is(err, recordings.ErrExists):
		response.Conflict(c, "converted copy already exists")
	case errors.Is(err, ErrBadRequest):
		response.BadRequest(c, badRequestMessage(err))
	case errors.As(err, &toolErr):
		h.logger.Warn("transcoder failed", zap.String("route", c.FullPath()), zap.Error(err))
		response.BadGateway(c, "transcoding failed", toolErr.Output)
	case errors.Is(err, mailer.ErrNotConfigured):
		response.ServiceUnavailable(c, "email delivery is not configured")
	case errors.Is(err, docstore.ErrPersistence):
		h.logger.Error("persistence failure", zap.String("route", c.FullPath()), zap.Error(err))
		response.Internal(c, "storage failure")
	default:
		h.logger.Error("request failed", zap.String("route", c.FullPath()), zap.Error(err))
		response.Internal(c, "internal error")
	}
}

// badRequestMessage strips the sentinel prefix from a wrapped ErrBadRequest.
func badRequestMessage(err error) string {
	msg := err.Error()
	msg = strings.TrimPrefix(msg, ErrBadRequest.Error()+": ")
	msg = strings.TrimPrefix(msg, ErrBadRequest.Error()+"\n")
	return msg
}
