package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jhopark/pdf-reducer/config"
	"github.com/jhopark/pdf-reducer/hub"
	"github.com/jhopark/pdf-reducer/models"
	"github.com/jhopark/pdf-reducer/queue"
)

var pdfContent = []byte("%PDF-1.4\n1 0 obj\n<< /Type /Catalog >>\nendobj\ntrailer\n<< /Root 1 0 R >>\n%%EOF\n")

// stubTransformer stands in for the Ghostscript pipeline so handler tests
// stay fast and hermetic.
type stubTransformer struct {
	err error
}

func (s *stubTransformer) Transform(_ context.Context, job *models.Job, progress queue.ProgressFunc) (*queue.TransformResult, error) {
	if s.err != nil {
		return nil, s.err
	}
	progress(50, "Compressing...")
	content := []byte("%PDF-1.4 reduced\n%%EOF\n")
	if err := os.WriteFile(job.OutputPath, content, 0o644); err != nil {
		return nil, err
	}
	return &queue.TransformResult{
		OutputPath:   job.OutputPath,
		OriginalSize: job.OriginalSize,
		ReducedSize:  int64(len(content)),
	}, nil
}

func newTestServer(t *testing.T, transformer queue.Transformer) (*gin.Engine, *queue.Store) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{
		CORSAllowedOrigins: "*",
		DataDir:            t.TempDir(),
		MaxFileSize:        1 << 20,
	}

	store := queue.NewStore()
	h := hub.NewHub(store.List, nil)
	go h.Run()
	t.Cleanup(h.Close)

	processor := queue.NewProcessor(store, transformer, h, nil, time.Minute)
	processor.Start()
	t.Cleanup(processor.Stop)

	srv, err := New(cfg, store, processor, h, nil)
	if err != nil {
		t.Fatalf("failed to build server: %v", err)
	}
	return srv.Router(), store
}

func multipartBody(t *testing.T, filename string, content []byte, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	part, err := w.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("failed to create form file: %v", err)
	}
	if _, err := part.Write(content); err != nil {
		t.Fatalf("failed to write form file: %v", err)
	}
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			t.Fatalf("failed to write field %s: %v", k, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("failed to close multipart writer: %v", err)
	}
	return body, w.FormDataContentType()
}

func doRequest(router *gin.Engine, method, path string, body *bytes.Buffer, contentType string) *httptest.ResponseRecorder {
	if body == nil {
		body = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func uploadPDF(t *testing.T, router *gin.Engine, filename string, fields map[string]string) string {
	t.Helper()
	body, contentType := multipartBody(t, filename, pdfContent, fields)
	rec := doRequest(router, http.MethodPost, "/api/upload", body, contentType)
	if rec.Code != http.StatusCreated {
		t.Fatalf("upload returned %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		JobID string `json:"job_id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode upload response: %v", err)
	}
	if resp.JobID == "" {
		t.Fatal("upload response missing job_id")
	}
	return resp.JobID
}

func waitForStatus(t *testing.T, store *queue.Store, id string, want models.JobStatus) *models.Job {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		job, err := store.Get(id)
		if err != nil {
			t.Fatalf("job %s disappeared: %v", id, err)
		}
		if job.Status == want {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	job, _ := store.Get(id)
	t.Fatalf("job %s never reached %s, last seen %+v", id, want, job)
	return nil
}

func TestUploadCreatesPendingJob(t *testing.T) {
	router, store := newTestServer(t, &stubTransformer{})

	id := uploadPDF(t, router, "report.pdf", map[string]string{
		"dpi":       "120",
		"grayscale": "true",
	})

	job, err := store.Get(id)
	if err != nil {
		t.Fatalf("created job not found: %v", err)
	}
	if job.Status != models.StatusPending {
		t.Fatalf("new job status = %s, want pending", job.Status)
	}
	if job.Options.DPI != 120 || !job.Options.Grayscale {
		t.Fatalf("options not applied: %+v", job.Options)
	}
	if _, err := os.Stat(job.InputPath); err != nil {
		t.Fatalf("uploaded file not stored: %v", err)
	}
}

func TestUploadValidation(t *testing.T) {
	router, _ := newTestServer(t, &stubTransformer{})

	cases := []struct {
		name     string
		filename string
		content  []byte
		fields   map[string]string
	}{
		{"wrong extension", "notes.txt", pdfContent, nil},
		{"dpi below minimum", "a.pdf", pdfContent, map[string]string{"dpi": "5"}},
		{"quality above maximum", "a.pdf", pdfContent, map[string]string{"quality": "150"}},
		{"unknown mode", "a.pdf", pdfContent, map[string]string{"mode": "shrink"}},
		{"non-pdf content", "fake.pdf", []byte("just some text"), nil},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			body, contentType := multipartBody(t, tc.filename, tc.content, tc.fields)
			rec := doRequest(router, http.MethodPost, "/api/upload", body, contentType)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400: %s", rec.Code, rec.Body.String())
			}
			if !strings.Contains(rec.Body.String(), "INVALID_INPUT") {
				t.Fatalf("response missing error code: %s", rec.Body.String())
			}
		})
	}
}

func TestProcessFlowToDownload(t *testing.T) {
	router, store := newTestServer(t, &stubTransformer{})

	id := uploadPDF(t, router, "invoice.pdf", nil)

	rec := doRequest(router, http.MethodPost, "/api/process", nil, "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("process returned %d", rec.Code)
	}

	job := waitForStatus(t, store, id, models.StatusCompleted)
	if job.Progress != 100 {
		t.Fatalf("completed job progress = %d, want 100", job.Progress)
	}
	if job.ReducedSize <= 0 {
		t.Fatalf("completed job reduced size = %d", job.ReducedSize)
	}
	if job.CompletedAt == nil {
		t.Fatal("completed job missing completion timestamp")
	}

	dl := doRequest(router, http.MethodGet, "/api/download/"+id, nil, "")
	if dl.Code != http.StatusOK {
		t.Fatalf("download returned %d: %s", dl.Code, dl.Body.String())
	}
	disposition := dl.Header().Get("Content-Disposition")
	if !strings.Contains(disposition, "invoice_reduced.pdf") {
		t.Fatalf("download filename = %q, want invoice_reduced.pdf", disposition)
	}
	if !bytes.Contains(dl.Body.Bytes(), []byte("reduced")) {
		t.Fatal("download body is not the transform output")
	}
}

func TestFailedJobKeepsQueueAlive(t *testing.T) {
	router, store := newTestServer(t, &stubTransformer{err: errors.New("corrupt xref table")})

	id := uploadPDF(t, router, "broken.pdf", nil)
	doRequest(router, http.MethodPost, "/api/process", nil, "")

	job := waitForStatus(t, store, id, models.StatusFailed)
	if !strings.Contains(job.Error, "corrupt xref table") {
		t.Fatalf("failed job error = %q", job.Error)
	}

	dl := doRequest(router, http.MethodGet, "/api/download/"+id, nil, "")
	if dl.Code != http.StatusConflict {
		t.Fatalf("download of failed job returned %d, want 409", dl.Code)
	}
}

func TestDownloadBeforeCompletion(t *testing.T) {
	router, _ := newTestServer(t, &stubTransformer{})

	id := uploadPDF(t, router, "pending.pdf", nil)

	rec := doRequest(router, http.MethodGet, "/api/download/"+id, nil, "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "JOB_NOT_COMPLETED") {
		t.Fatalf("response missing error code: %s", rec.Body.String())
	}
}

func TestDownloadUnknownJob(t *testing.T) {
	router, _ := newTestServer(t, &stubTransformer{})

	rec := doRequest(router, http.MethodGet, "/api/download/nope", nil, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestDeleteJobRemovesStoredFile(t *testing.T) {
	router, store := newTestServer(t, &stubTransformer{})

	id := uploadPDF(t, router, "old.pdf", nil)
	job, _ := store.Get(id)

	rec := doRequest(router, http.MethodDelete, "/api/jobs/"+id, nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("delete returned %d: %s", rec.Code, rec.Body.String())
	}

	if _, err := store.Get(id); err == nil {
		t.Fatal("job still present after delete")
	}
	if _, err := os.Stat(job.InputPath); !os.IsNotExist(err) {
		t.Fatalf("input file still on disk after delete: %v", err)
	}

	again := doRequest(router, http.MethodDelete, "/api/jobs/"+id, nil, "")
	if again.Code != http.StatusNotFound {
		t.Fatalf("second delete returned %d, want 404", again.Code)
	}
}

func TestListJobsNewestFirst(t *testing.T) {
	router, store := newTestServer(t, &stubTransformer{})

	for i := 0; i < 3; i++ {
		uploadPDF(t, router, fmt.Sprintf("doc-%d.pdf", i), nil)
		time.Sleep(2 * time.Millisecond)
	}
	if got := len(store.List()); got != 3 {
		t.Fatalf("store holds %d jobs, want 3", got)
	}

	rec := doRequest(router, http.MethodGet, "/api/jobs", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list returned %d", rec.Code)
	}
	var resp struct {
		Jobs []*models.Job `json:"jobs"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode list response: %v", err)
	}
	if len(resp.Jobs) != 3 {
		t.Fatalf("list returned %d jobs, want 3", len(resp.Jobs))
	}
	for i := 1; i < len(resp.Jobs); i++ {
		if resp.Jobs[i].CreatedAt.After(resp.Jobs[i-1].CreatedAt) {
			t.Fatalf("jobs not sorted newest first: %s before %s",
				resp.Jobs[i-1].Filename, resp.Jobs[i].Filename)
		}
	}
}

func TestClearCompleted(t *testing.T) {
	router, store := newTestServer(t, &stubTransformer{})

	done := uploadPDF(t, router, "done.pdf", nil)
	doRequest(router, http.MethodPost, "/api/process", nil, "")
	waitForStatus(t, store, done, models.StatusCompleted)
	// Let the drain loop observe the empty queue before adding more work.
	time.Sleep(20 * time.Millisecond)

	kept := uploadPDF(t, router, "later.pdf", nil)

	rec := doRequest(router, http.MethodPost, "/api/jobs/clear-completed", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("clear returned %d", rec.Code)
	}
	var resp struct {
		Cleared int `json:"cleared"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode clear response: %v", err)
	}
	if resp.Cleared != 1 {
		t.Fatalf("cleared = %d, want 1", resp.Cleared)
	}
	if _, err := store.Get(done); err == nil {
		t.Fatal("completed job survived clear")
	}
	if _, err := store.Get(kept); err != nil {
		t.Fatalf("pending job removed by clear: %v", err)
	}
}

func TestDownloadAllBundlesCompletedJobs(t *testing.T) {
	router, store := newTestServer(t, &stubTransformer{})

	first := uploadPDF(t, router, "a.pdf", nil)
	second := uploadPDF(t, router, "b.pdf", nil)
	doRequest(router, http.MethodPost, "/api/process", nil, "")
	waitForStatus(t, store, first, models.StatusCompleted)
	waitForStatus(t, store, second, models.StatusCompleted)

	rec := doRequest(router, http.MethodGet, "/api/download-all", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("download-all returned %d: %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("Content-Type"); got != "application/zip" {
		t.Fatalf("content type = %q, want application/zip", got)
	}
	if !strings.Contains(rec.Header().Get("Content-Disposition"), "processed_files.zip") {
		t.Fatalf("disposition = %q", rec.Header().Get("Content-Disposition"))
	}
}

func TestDownloadAllWithNothingCompleted(t *testing.T) {
	router, _ := newTestServer(t, &stubTransformer{})

	rec := doRequest(router, http.MethodGet, "/api/download-all", nil, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	router, _ := newTestServer(t, &stubTransformer{})

	rec := doRequest(router, http.MethodGet, "/health", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("health returned %d", rec.Code)
	}
}
