package server

import (
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jhopark/pdf-reducer/models"
)

func (s *Server) handleUpload(c *gin.Context) {
	file, err := c.FormFile("file")
	if err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_INPUT", "A PDF file is required")
		return
	}

	if s.cfg.MaxFileSize > 0 && file.Size > s.cfg.MaxFileSize {
		respondError(c, http.StatusBadRequest, "INVALID_INPUT",
			fmt.Sprintf("File exceeds the %d byte limit", s.cfg.MaxFileSize))
		return
	}

	filename := filepath.Base(file.Filename)
	if !strings.EqualFold(filepath.Ext(filename), ".pdf") {
		respondError(c, http.StatusBadRequest, "INVALID_INPUT", "Only PDF files are allowed")
		return
	}

	mode := models.JobMode(c.DefaultPostForm("mode", string(models.ModeReduce)))
	if mode != models.ModeReduce && mode != models.ModeExtract {
		respondError(c, http.StatusBadRequest, "INVALID_INPUT", "mode must be reduce or extract")
		return
	}

	opts, err := parseOptions(c)
	if err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_INPUT", err.Error())
		return
	}

	// Stored names carry an opaque prefix so identically named uploads
	// never collide on disk.
	fileID := uuid.New().String()
	inputPath := filepath.Join(s.uploadDir, fileID+"_"+filename)
	outputPath := filepath.Join(s.outputDir, outputName(fileID, filename, mode))

	if err := saveUpload(file, inputPath); err != nil {
		s.logger.Error("failed to store upload", zap.Error(err))
		respondError(c, http.StatusInternalServerError, "STORAGE_ERROR", "Failed to store the uploaded file")
		return
	}

	// Extension checks lie; verify the content signature.
	mtype, err := mimetype.DetectFile(inputPath)
	if err != nil || !mtype.Is("application/pdf") {
		_ = os.Remove(inputPath)
		respondError(c, http.StatusBadRequest, "INVALID_INPUT", "File content is not a valid PDF")
		return
	}

	job := s.store.Create(filename, mode, opts, inputPath, outputPath, file.Size)
	s.hub.Publish(job)
	s.logger.Info("job created",
		zap.String("job_id", job.ID),
		zap.String("filename", filename),
		zap.String("mode", string(mode)))

	c.JSON(http.StatusCreated, gin.H{"job_id": job.ID, "job": job})
}

// parseOptions reads the reduction option form fields, falling back to
// defaults for absent values.
func parseOptions(c *gin.Context) (models.ReductionOptions, error) {
	opts := models.DefaultOptions()

	var err error
	if opts.DPI, err = formInt(c, "dpi", opts.DPI); err != nil {
		return opts, err
	}
	if opts.Quality, err = formInt(c, "quality", opts.Quality); err != nil {
		return opts, err
	}
	opts.Grayscale = formBool(c, "grayscale")
	opts.RemoveImages = formBool(c, "remove_images")
	opts.Aggressive = formBool(c, "aggressive")
	opts.StripMetadata = formBool(c, "strip_metadata")

	if err := opts.Validate(); err != nil {
		return opts, err
	}
	return opts, nil
}

func formInt(c *gin.Context, field string, def int) (int, error) {
	raw := c.PostForm(field)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", field)
	}
	return v, nil
}

func formBool(c *gin.Context, field string) bool {
	switch strings.ToLower(c.PostForm(field)) {
	case "true", "1", "yes", "on":
		return true
	default:
		return false
	}
}

func saveUpload(file *multipart.FileHeader, dst string) error {
	src, err := file.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, src)
	return err
}

// outputName derives the stored result name for a job.
func outputName(fileID, filename string, mode models.JobMode) string {
	stem := strings.TrimSuffix(filename, filepath.Ext(filename))
	if mode == models.ModeExtract {
		return fileID + "_" + stem + ".txt"
	}
	return fileID + "_" + stem + "_reduced.pdf"
}

// downloadName derives the user-facing filename for a completed result.
func downloadName(job *models.Job) string {
	stem := strings.TrimSuffix(job.Filename, filepath.Ext(job.Filename))
	if job.Mode == models.ModeExtract {
		return stem + ".txt"
	}
	return stem + "_reduced.pdf"
}
