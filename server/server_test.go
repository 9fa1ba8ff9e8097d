package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/segmentio/ksuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaos-io/img2mesh/config"
	"github.com/chaos-io/img2mesh/generate"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeGenerator struct {
	err     error
	block   chan struct{}
	started chan struct{}
	reqs    []generate.Request
}

func (f *fakeGenerator) Run(_ context.Context, req generate.Request) (*generate.Result, error) {
	f.reqs = append(f.reqs, req)
	if f.started != nil {
		close(f.started)
	}
	if f.block != nil {
		<-f.block
	}
	if f.err != nil {
		return nil, f.err
	}

	path := generate.OutputPath(req.OutputDir, req.ObjectName)
	if err := os.MkdirAll(req.OutputDir, 0o755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte("o x\nv 0 0 0\nv 1 0 0\nv 0 1 0\nf 1 2 3\n"), 0o644); err != nil {
		return nil, err
	}
	return &generate.Result{Request: req, MeshPath: path, Candidates: 1, Vertices: 3, Faces: 1, Elapsed: time.Second}, nil
}

type countingReader struct {
	r io.Reader
	n int
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += n
	return n, err
}

func newTestServer(t *testing.T, gen Generator) (*Server, string) {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default().Server
	s, err := New(cfg, dir, gen, nil)
	require.NoError(t, err)
	return s, dir
}

func uploadRequest(t *testing.T, name string) *http.Request {
	t.Helper()
	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	part, err := w.CreateFormFile("image", "chair.png")
	require.NoError(t, err)
	_, err = part.Write([]byte("not really a png"))
	require.NoError(t, err)
	if name != "" {
		require.NoError(t, w.WriteField("name", name))
	}
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/v1/meshes", body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func TestServer_Healthz(t *testing.T) {
	s, _ := newTestServer(t, &fakeGenerator{})
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestServer_CreateAndFetch(t *testing.T) {
	gen := &fakeGenerator{}
	s, dir := newTestServer(t, gen)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, uploadRequest(t, "my chair"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp createResp
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "my_chair.obj", resp.Name)
	assert.Equal(t, 3, resp.Vertices)
	assert.EqualValues(t, 1000, resp.ElapsedMs)

	require.Len(t, gen.reqs, 1)
	assert.Equal(t, filepath.Join(dir, resp.ID), gen.reqs[0].OutputDir)
	_, err := os.Stat(gen.reqs[0].ImagePath)
	assert.True(t, os.IsNotExist(err), "upload is removed after the run")

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/meshes/"+resp.ID, nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Body.String(), "o x\n"))

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rec.Body.String(), `img2mesh_generations_total{result="ok"} 1`)
}

func TestServer_CreateDefaultsName(t *testing.T) {
	gen := &fakeGenerator{}
	s, _ := newTestServer(t, gen)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, uploadRequest(t, ""))
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "default", gen.reqs[0].ObjectName)
}

func TestServer_CreateErrors(t *testing.T) {
	s, _ := newTestServer(t, &fakeGenerator{})
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/meshes", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	decodeErr := &generate.StageError{Stage: generate.StageDecode, Err: errors.New("bad png")}
	s, dir := newTestServer(t, &fakeGenerator{err: decodeErr})
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, uploadRequest(t, "a"))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	_, err := os.Stat(filepath.Join(dir, body["id"]))
	assert.True(t, os.IsNotExist(err))

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rec.Body.String(), `img2mesh_generations_total{result="decode"} 1`)

	inferErr := &generate.StageError{Stage: generate.StageInfer, Err: errors.New("oom")}
	s, _ = newTestServer(t, &fakeGenerator{err: inferErr})
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, uploadRequest(t, "a"))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestServer_Busy(t *testing.T) {
	gen := &fakeGenerator{block: make(chan struct{}), started: make(chan struct{})}
	s, _ := newTestServer(t, gen)

	done := make(chan int)
	go func() {
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, uploadRequest(t, "first"))
		done <- rec.Code
	}()
	<-gen.started

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, uploadRequest(t, "second"))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	// rejected before the body is read
	body := &countingReader{r: bytes.NewReader(make([]byte, 1<<20))}
	req := httptest.NewRequest(http.MethodPost, "/v1/meshes", body)
	req.Header.Set("Content-Type", "multipart/form-data; boundary=x")
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Zero(t, body.n)

	close(gen.block)
	assert.Equal(t, http.StatusCreated, <-done)
}

func TestServer_GetMeshErrors(t *testing.T) {
	s, _ := newTestServer(t, &fakeGenerator{})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/meshes/../../etc", nil))
	assert.NotEqual(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/meshes/not-a-ksuid", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/meshes/"+ksuid.New().String(), nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_Prune(t *testing.T) {
	s, dir := newTestServer(t, &fakeGenerator{})
	now := time.Now()

	old, err := ksuid.NewRandomWithTime(now.Add(-48 * time.Hour))
	require.NoError(t, err)
	fresh, err := ksuid.NewRandomWithTime(now.Add(-time.Minute))
	require.NoError(t, err)
	for _, name := range []string{old.String(), fresh.String(), "keep-me"} {
		require.NoError(t, os.MkdirAll(filepath.Join(dir, name), 0o755))
	}

	assert.Equal(t, 1, s.Prune(now))
	_, err = os.Stat(filepath.Join(dir, old.String()))
	assert.True(t, os.IsNotExist(err))
	for _, name := range []string{fresh.String(), "keep-me", uploadDir} {
		_, err = os.Stat(filepath.Join(dir, name))
		assert.NoError(t, err, name)
	}
}

func TestNew_BadSchedule(t *testing.T) {
	cfg := config.Default().Server
	cfg.PruneSchedule = "every now and then"
	_, err := New(cfg, t.TempDir(), &fakeGenerator{}, nil)
	assert.Error(t, err)
}
