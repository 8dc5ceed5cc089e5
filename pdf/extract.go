package pdf

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/jhopark/pdf-reducer/models"
	"github.com/jhopark/pdf-reducer/queue"
)

// extract pulls the plain text out of the PDF page by page and writes it to
// job.OutputPath as UTF-8 text. Pages are joined with a blank line.
func (p *Processor) extract(ctx context.Context, job *models.Job, progress queue.ProgressFunc) (*queue.TransformResult, error) {
	report(progress, 0, "Opening PDF...")

	inInfo, err := os.Stat(job.InputPath)
	if err != nil {
		return nil, fmt.Errorf("input file unavailable: %w", err)
	}

	f, r, err := pdf.Open(job.InputPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open pdf: %w", err)
	}
	defer f.Close()

	totalPages := r.NumPage()
	var parts []string

	for pageIndex := 1; pageIndex <= totalPages; pageIndex++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		page := r.Page(pageIndex)
		if page.V.IsNull() {
			continue
		}

		text, err := page.GetPlainText(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to extract text from page %d: %w", pageIndex, err)
		}
		if strings.TrimSpace(text) != "" {
			parts = append(parts, text)
		}

		pct := 5 + (90*pageIndex)/totalPages
		report(progress, pct, fmt.Sprintf("Extracted page %d/%d", pageIndex, totalPages))
	}

	report(progress, 95, "Writing text file...")

	content := strings.Join(parts, "\n\n")
	if err := os.WriteFile(job.OutputPath, []byte(content), 0o644); err != nil {
		return nil, fmt.Errorf("failed to write text file: %w", err)
	}

	report(progress, 100, "Complete!")

	return &queue.TransformResult{
		OutputPath:   job.OutputPath,
		OriginalSize: inInfo.Size(),
		ReducedSize:  int64(len(content)),
	}, nil
}

// report forwards a progress update when a callback is attached
func report(cb queue.ProgressFunc, percent int, message string) {
	if cb == nil {
		return
	}
	cb(percent, message)
}
