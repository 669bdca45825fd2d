package coordinator

import (
	"bytes"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/screenrec/backend/internal/transcoder"
	"github.com/screenrec/backend/pkg/response"
)

const cookieName = "rec_session"

type apiBody struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Detail  string          `json:"detail"`
}

func newTestRouter(t *testing.T, f *fixture, maxUpload int64) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	h := NewHandler(f.svc, CookieConfig{Name: cookieName, MaxAge: 24 * time.Hour}, "https://rec.example/", maxUpload, nil)
	h.Register(r)
	return r
}

func do(r *gin.Engine, req *http.Request) (*httptest.ResponseRecorder, apiBody) {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	var body apiBody
	_ = json.Unmarshal(w.Body.Bytes(), &body)
	return w, body
}

func multipartUpload(t *testing.T, content string, cookie *http.Cookie) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("video", "recording.webm")
	require.NoError(t, err)
	_, err = part.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	req := httptest.NewRequest(http.MethodPost, "/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if cookie != nil {
		req.AddCookie(cookie)
	}
	return req
}

func jsonRequest(method, path, body string, cookie *http.Cookie) *http.Request {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if cookie != nil {
		req.AddCookie(cookie)
	}
	return req
}

func sessionCookie(w *httptest.ResponseRecorder) *http.Cookie {
	for _, c := range w.Result().Cookies() {
		if c.Name == cookieName {
			return c
		}
	}
	return nil
}

func decode[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v))
	return v
}

func TestUploadSetsCookieOnlyForNewSession(t *testing.T) {
	f := newFixture(t)
	r := newTestRouter(t, f, 0)

	w, body := do(r, multipartUpload(t, "video-1", nil))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode[createdResponse](t, body.Data)
	assert.Equal(t, "recording_20240101_120000.webm", created.Filename)
	assert.Equal(t, "https://rec.example/recordings/recording_20240101_120000.webm", created.URL)

	cookie := sessionCookie(w)
	require.NotNil(t, cookie)
	assert.True(t, cookie.HttpOnly)
	assert.Equal(t, http.SameSiteLaxMode, cookie.SameSite)
	assert.Len(t, cookie.Value, 32)

	w, _ = do(r, multipartUpload(t, "video-2", cookie))
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Nil(t, sessionCookie(w))

	w, body = do(r, jsonRequest(http.MethodGet, "/session/files", "", cookie))
	require.Equal(t, http.StatusOK, w.Code)
	type file struct {
		Filename string `json:"filename"`
		Kind     string `json:"kind"`
		URL      string `json:"url"`
	}
	files := decode[[]file](t, body.Data)
	require.Len(t, files, 2)
	assert.Equal(t, "recording_20240101_120000_2.webm", files[1].Filename)
	assert.Equal(t, "https://rec.example/recordings/recording_20240101_120000_2.webm", files[1].URL)
}

func TestUploadRawBodyAndErrors(t *testing.T) {
	f := newFixture(t)
	r := newTestRouter(t, f, 8)

	req := httptest.NewRequest(http.MethodPost, "/upload", strings.NewReader("tiny"))
	req.Header.Set("Content-Type", "video/mp4")
	w, body := do(r, req)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "recording_20240101_120000.mp4", decode[createdResponse](t, body.Data).Filename)

	req = httptest.NewRequest(http.MethodPost, "/upload", strings.NewReader("far more than eight bytes"))
	req.Header.Set("Content-Type", "video/webm")
	w, _ = do(r, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)

	req = httptest.NewRequest(http.MethodPost, "/upload", nil)
	w, body = do(r, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "missing video payload", body.Error)
}

func TestSecureLinkRoutes(t *testing.T) {
	f := newFixture(t)
	r := newTestRouter(t, f, 0)
	w, body := do(r, multipartUpload(t, "secure-bytes", nil))
	require.Equal(t, http.StatusCreated, w.Code)
	name := decode[createdResponse](t, body.Data).Filename

	w, body = do(r, jsonRequest(http.MethodGet, "/link/secure/"+name, "", nil))
	require.Equal(t, http.StatusOK, w.Code)
	link := decode[struct {
		URL       string `json:"url"`
		Token     string `json:"token"`
		ExpiresIn int    `json:"expires_in"`
	}](t, body.Data)
	assert.Equal(t, "https://rec.example/secure-download/"+link.Token, link.URL)
	assert.Equal(t, 900, link.ExpiresIn)

	w, _ = do(r, jsonRequest(http.MethodGet, "/secure-download/"+link.Token, "", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "secure-bytes", w.Body.String())

	tampered := link.Token[:len(link.Token)-3] + "AAA"
	if tampered == link.Token {
		tampered = link.Token[:len(link.Token)-3] + "BBB"
	}
	w, body = do(r, jsonRequest(http.MethodGet, "/secure-download/"+tampered, "", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid link", body.Error)

	*f.clock = baseTime.Add(16 * time.Minute)
	w, body = do(r, jsonRequest(http.MethodGet, "/secure-download/"+link.Token, "", nil))
	assert.Equal(t, http.StatusGone, w.Code)
	assert.Equal(t, "link expired", body.Error)

	w, _ = do(r, jsonRequest(http.MethodGet, "/link/secure/recording_19990101_000000.webm", "", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPublicLinkDeleteScenario(t *testing.T) {
	f := newFixture(t)
	r := newTestRouter(t, f, 0)
	w, _ := do(r, multipartUpload(t, "public-bytes", nil))
	require.Equal(t, http.StatusCreated, w.Code)
	name := "recording_20240101_120000.webm"

	w, body := do(r, jsonRequest(http.MethodGet, "/link/public/"+name, "", nil))
	require.Equal(t, http.StatusOK, w.Code)
	link := decode[struct {
		URL     string `json:"url"`
		Token   string `json:"token"`
		Created bool   `json:"created"`
	}](t, body.Data)
	assert.True(t, link.Created)
	assert.Len(t, link.Token, 16)

	w, _ = do(r, jsonRequest(http.MethodGet, "/public-download/"+link.Token, "", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "public-bytes", w.Body.String())

	w, _ = do(r, jsonRequest(http.MethodPost, "/delete/"+name, "", nil))
	require.Equal(t, http.StatusOK, w.Code)

	w, body = do(r, jsonRequest(http.MethodGet, "/public-download/"+link.Token, "", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.False(t, body.Success)

	w, _ = do(r, jsonRequest(http.MethodPost, "/delete/"+name, "", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRevokePublicLinkRoute(t *testing.T) {
	f := newFixture(t)
	r := newTestRouter(t, f, 0)
	do(r, multipartUpload(t, "x", nil))
	name := "recording_20240101_120000.webm"

	w, _ := do(r, jsonRequest(http.MethodDelete, "/link/public/"+name, "", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	do(r, jsonRequest(http.MethodGet, "/link/public/"+name, "", nil))
	w, _ = do(r, jsonRequest(http.MethodDelete, "/link/public/"+name, "", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestClipRoute(t *testing.T) {
	f := newFixture(t)
	r := newTestRouter(t, f, 0)
	w, _ := do(r, multipartUpload(t, "x", nil))
	cookie := sessionCookie(w)
	name := "recording_20240101_120000.webm"

	w, body := do(r, jsonRequest(http.MethodPost, "/clip/"+name, `{"start":5.0,"end":2.0}`, cookie))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "clip range requires 0 <= start < end", body.Error)
	assert.Zero(t, f.tc.count())

	w, _ = do(r, jsonRequest(http.MethodPost, "/clip/"+name, `{"start":1}`, cookie))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, body = do(r, jsonRequest(http.MethodPost, "/clip/"+name, `{"start":0,"end":2.5}`, cookie))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "clip_20240101_120000.webm", decode[createdResponse](t, body.Data).Filename)
	assert.Nil(t, sessionCookie(w))

	f.tc.err = &transcoder.ToolError{Tool: "ffmpeg", Err: errors.New("exit status 1"), Output: "Invalid data found"}
	w, body = do(r, jsonRequest(http.MethodPost, "/clip/"+name, `{"start":0,"end":1}`, cookie))
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, "Invalid data found", body.Detail)

	w, body = do(r, jsonRequest(http.MethodPost, "/clip/.hidden.webm", `{"start":0,"end":1}`, cookie))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid filename", body.Error)
}

func TestConvertRoute(t *testing.T) {
	f := newFixture(t)
	r := newTestRouter(t, f, 0)
	do(r, multipartUpload(t, "x", nil))
	name := "recording_20240101_120000.webm"

	w, body := do(r, jsonRequest(http.MethodPost, "/convert/"+name, "", nil))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "recording_20240101_120000.converted.mp4", decode[createdResponse](t, body.Data).Filename)
	assert.NotNil(t, sessionCookie(w), "caller without a cookie gets a session")

	w, _ = do(r, jsonRequest(http.MethodPost, "/convert/"+name, `{"format":"mp4"}`, nil))
	assert.Equal(t, http.StatusConflict, w.Code)
	w, _ = do(r, jsonRequest(http.MethodPost, "/convert/"+name, `{"format":"webm"}`, nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestForgetSessionClearsCookie(t *testing.T) {
	f := newFixture(t)
	r := newTestRouter(t, f, 0)
	w, _ := do(r, multipartUpload(t, "x", nil))
	cookie := sessionCookie(w)

	w, _ = do(r, jsonRequest(http.MethodPost, "/session/forget", "", cookie))
	require.Equal(t, http.StatusOK, w.Code)
	cleared := sessionCookie(w)
	require.NotNil(t, cleared)
	assert.Empty(t, cleared.Value)
	assert.Negative(t, cleared.MaxAge)

	w, body := do(r, jsonRequest(http.MethodGet, "/session/files", "", cookie))
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, string(body.Data))
}

func TestSendEmailRoute(t *testing.T) {
	f := newFixture(t)
	r := newTestRouter(t, f, 0)

	w, _ := do(r, jsonRequest(http.MethodPost, "/send_email", `{"to":"not-an-email","url":"https://x/y"}`, nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = do(r, jsonRequest(http.MethodPost, "/send_email", `{"to":"a@example.com","url":"https://x/y"}`, nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	jobs := &fakeJobs{}
	f.svc.Jobs = jobs
	w, body := do(r, jsonRequest(http.MethodPost, "/send_email", `{"to":"a@example.com","url":"https://x/y"}`, nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"to":"a@example.com","queued":true}`, string(body.Data))
	assert.Len(t, jobs.emails, 1)
}

func TestAbsURLFromRequest(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewHandler(nil, CookieConfig{}, "", 0, nil)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "http://rec.local:8080/x", nil)
	assert.Equal(t, "http://rec.local:8080/public-download/t", h.absURL(c, "/public-download/t"))

	c.Request.Header.Set("X-Forwarded-Proto", "https")
	assert.Equal(t, "https://rec.local:8080/public-download/t", h.absURL(c, "/public-download/t"))
	assert.Equal(t, cookieName, h.cookie.Name)
}

func TestFailUnknownErrorIs500(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewHandler(nil, CookieConfig{}, "", 0, nil)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
	h.fail(c, errors.New("boom"))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	var body response.Body
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "internal error", body.Error)
}
