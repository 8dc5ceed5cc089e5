// Package pdf implements the reduce and extract transforms.
package pdf

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"

	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"go.uber.org/zap"

	"github.com/jhopark/pdf-reducer/models"
	"github.com/jhopark/pdf-reducer/queue"
)

// Processor performs PDF reduction and text extraction. Reduction shells out
// to Ghostscript for image downsampling, then runs a pdfcpu optimize pass;
// when Ghostscript is unavailable it falls back to pdfcpu alone.
type Processor struct {
	gsPath string
	logger *zap.Logger
}

// NewProcessor creates a transform processor. gsPath is the Ghostscript
// binary ("gs" by default).
func NewProcessor(gsPath string, logger *zap.Logger) *Processor {
	if gsPath == "" {
		gsPath = "gs"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{gsPath: gsPath, logger: logger}
}

// Transform runs the job's transform, writing the result to job.OutputPath.
func (p *Processor) Transform(ctx context.Context, job *models.Job, progress queue.ProgressFunc) (result *queue.TransformResult, err error) {
	defer func() {
		if err != nil && job.OutputPath != "" {
			// Never leave partial output behind.
			_ = os.Remove(job.OutputPath)
		}
	}()

	switch job.Mode {
	case models.ModeExtract:
		return p.extract(ctx, job, progress)
	default:
		return p.reduce(ctx, job, progress)
	}
}

func (p *Processor) reduce(ctx context.Context, job *models.Job, progress queue.ProgressFunc) (*queue.TransformResult, error) {
	report(progress, 0, "Opening PDF...")

	inInfo, err := os.Stat(job.InputPath)
	if err != nil {
		return nil, fmt.Errorf("input file unavailable: %w", err)
	}

	report(progress, 10, "Compressing images...")

	optimized := false
	if gsErr := p.runGhostscript(ctx, job.InputPath, job.OutputPath, job.Options); gsErr != nil {
		if ctx.Err() != nil {
			return nil, gsErr
		}
		p.logger.Warn("ghostscript unavailable, falling back to pdfcpu",
			zap.String("job_id", job.ID), zap.Error(gsErr))
	} else {
		optimized = true
	}

	report(progress, 80, "Applying compression...")

	if optimized {
		// Finishing pass: dedupe resources and squeeze the xref.
		if optErr := pdfapi.OptimizeFile(job.OutputPath, "", optimizeConfig()); optErr != nil {
			p.logger.Warn("pdfcpu finishing pass skipped", zap.String("job_id", job.ID), zap.Error(optErr))
		}
	} else {
		if optErr := pdfapi.OptimizeFile(job.InputPath, job.OutputPath, optimizeConfig()); optErr != nil {
			return nil, fmt.Errorf("pdf optimization failed: %w", optErr)
		}
	}

	report(progress, 90, "Saving optimized PDF...")

	outInfo, err := os.Stat(job.OutputPath)
	if err != nil {
		return nil, fmt.Errorf("reduced file unavailable: %w", err)
	}

	report(progress, 100, "Complete!")

	return &queue.TransformResult{
		OutputPath:   job.OutputPath,
		OriginalSize: inInfo.Size(),
		ReducedSize:  outInfo.Size(),
	}, nil
}

func (p *Processor) runGhostscript(ctx context.Context, inputPath, outputPath string, opts models.ReductionOptions) error {
	args := ghostscriptArgs(inputPath, outputPath, opts)

	cmd := exec.CommandContext(ctx, p.gsPath, args...)
	var stderr bytes.Buffer
	cmd.Stdout = &stderr
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("ghostscript: %w: %s", err, stderr.String())
	}
	return nil
}

// ghostscriptArgs maps the option snapshot onto pdfwrite parameters.
func ghostscriptArgs(inputPath, outputPath string, opts models.ReductionOptions) []string {
	args := []string{
		"-sDEVICE=pdfwrite",
		"-dCompatibilityLevel=1.5",
		"-dNOPAUSE",
		"-dQUIET",
		"-dBATCH",
		"-dDownsampleColorImages=true",
		"-dDownsampleGrayImages=true",
		"-dDownsampleMonoImages=true",
		fmt.Sprintf("-dColorImageResolution=%d", opts.DPI),
		fmt.Sprintf("-dGrayImageResolution=%d", opts.DPI),
		fmt.Sprintf("-dMonoImageResolution=%d", opts.DPI),
		"-dAutoFilterColorImages=false",
		"-dColorImageFilter=/DCTEncode",
		fmt.Sprintf("-dJPEGQ=%d", opts.Quality),
	}
	if opts.Aggressive {
		args = append(args, "-dPDFSETTINGS=/screen")
	}
	if opts.Grayscale {
		args = append(args,
			"-sColorConversionStrategy=Gray",
			"-dProcessColorModel=/DeviceGray")
	}
	if opts.RemoveImages {
		args = append(args, "-dFILTERIMAGE")
	}
	if opts.StripMetadata {
		args = append(args, "-dPreserveDocInfo=false")
	}
	return append(args, "-sOutputFile="+outputPath, inputPath)
}

func optimizeConfig() *model.Configuration {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return conf
}
