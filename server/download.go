package server

import (
	"archive/zip"
	"bytes"
	"io"
	"net/http"
	"os"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jhopark/pdf-reducer/models"
)

func (s *Server) handleDownload(c *gin.Context) {
	job, err := s.store.Get(c.Param("id"))
	if err != nil {
		respondError(c, http.StatusNotFound, "NOT_FOUND", "Job not found")
		return
	}
	if job.Status != models.StatusCompleted {
		respondError(c, http.StatusConflict, "JOB_NOT_COMPLETED", "Job has no downloadable result yet")
		return
	}
	if _, err := os.Stat(job.OutputPath); err != nil {
		respondError(c, http.StatusNotFound, "STORAGE_ERROR", "Result file is no longer available")
		return
	}

	c.FileAttachment(job.OutputPath, downloadName(job))
}

// handleDownloadAll streams a zip of every completed result.
func (s *Server) handleDownloadAll(c *gin.Context) {
	var completed []*models.Job
	for _, job := range s.store.List() {
		if job.Status == models.StatusCompleted {
			completed = append(completed, job)
		}
	}
	if len(completed) == 0 {
		respondError(c, http.StatusNotFound, "NOT_FOUND", "No completed files to download")
		return
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, job := range completed {
		if err := addToZip(zw, job.OutputPath, downloadName(job)); err != nil {
			s.logger.Warn("skipping result in archive",
				zap.String("job_id", job.ID), zap.Error(err))
		}
	}
	if err := zw.Close(); err != nil {
		respondError(c, http.StatusInternalServerError, "STORAGE_ERROR", "Failed to build archive")
		return
	}

	c.Header("Content-Disposition", `attachment; filename="processed_files.zip"`)
	c.Data(http.StatusOK, "application/zip", buf.Bytes())
}

func addToZip(zw *zip.Writer, path, name string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w, err := zw.Create(name)
	if err != nil {
		return err
	}
	_, err = io.Copy(w, f)
	return err
}
