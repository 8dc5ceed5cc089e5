package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jhopark/pdf-reducer/config"
	"github.com/jhopark/pdf-reducer/hub"
	"github.com/jhopark/pdf-reducer/models"
	"github.com/jhopark/pdf-reducer/pdf"
	"github.com/jhopark/pdf-reducer/queue"
	"github.com/jhopark/pdf-reducer/server"
)

func main() {
	var (
		serve         = flag.Bool("serve", false, "start the web interface")
		output        = flag.String("o", "", "output file path (single input only)")
		outputDir     = flag.String("output-dir", "", "output directory for batch processing")
		dpi           = flag.Int("dpi", 150, "target image DPI")
		quality       = flag.Int("quality", 80, "JPEG quality 1-100")
		grayscale     = flag.Bool("grayscale", false, "convert images to grayscale")
		removeImages  = flag.Bool("remove-images", false, "remove all images from the PDF")
		aggressive    = flag.Bool("aggressive", false, "apply aggressive compression")
		stripMetadata = flag.Bool("strip-metadata", false, "remove document metadata")
		quiet         = flag.Bool("quiet", false, "suppress output")
	)
	flag.Parse()

	cfg := config.Load()

	logger, err := newLogger(cfg.GinMode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if *serve {
		if err := runServer(cfg, logger); err != nil {
			logger.Fatal("server exited", zap.Error(err))
		}
		return
	}

	files := flag.Args()
	if len(files) == 0 {
		flag.Usage()
		fmt.Fprintln(os.Stderr, "\nError: no input files specified. Use -serve to start the web interface.")
		os.Exit(1)
	}
	if *output != "" && len(files) > 1 {
		fmt.Fprintln(os.Stderr, "Error: -o can only be used with a single input file")
		os.Exit(1)
	}

	opts := models.ReductionOptions{
		DPI:           *dpi,
		Quality:       *quality,
		Grayscale:     *grayscale,
		RemoveImages:  *removeImages,
		Aggressive:    *aggressive,
		StripMetadata: *stripMetadata,
	}
	if err := opts.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if !runBatch(files, opts, *output, *outputDir, cfg.GhostscriptPath, *quiet, logger) {
		os.Exit(1)
	}
}

func newLogger(mode string) (*zap.Logger, error) {
	if mode == gin.ReleaseMode {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}

// runServer wires the store, hub, processor and HTTP API together and runs
// them until SIGINT/SIGTERM.
func runServer(cfg *config.Config, logger *zap.Logger) error {
	gin.SetMode(cfg.GinMode)

	store := queue.NewStore()
	h := hub.NewHub(store.List, logger)
	transformer := pdf.NewProcessor(cfg.GhostscriptPath, logger)
	processor := queue.NewProcessor(store, transformer, h, logger, cfg.TransformTimeout)

	srv, err := server.New(cfg, store, processor, h, logger)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: srv.Router(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go h.Run()
	processor.Start()
	logger.Info("pdf-reducer listening", zap.String("addr", httpServer.Addr))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down gracefully")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown", zap.Error(err))
		}
		processor.Stop()
		h.Close()
		return nil
	})

	return g.Wait()
}

// runBatch reduces the given files from the command line, printing a progress
// bar per file and a summary for multi-file runs.
func runBatch(files []string, opts models.ReductionOptions, output, outputDir, gsPath string, quiet bool, logger *zap.Logger) bool {
	if outputDir != "" {
		if err := os.MkdirAll(outputDir, 0o755); err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to create output directory: %v\n", err)
			return false
		}
	}

	transformer := pdf.NewProcessor(gsPath, zap.NewNop())

	successCount := 0
	var totalOriginal, totalReduced int64

	for _, inputPath := range files {
		if _, err := os.Stat(inputPath); err != nil {
			if !quiet {
				fmt.Printf("Error: file not found: %s\n", inputPath)
			}
			continue
		}
		if !strings.EqualFold(filepath.Ext(inputPath), ".pdf") {
			if !quiet {
				fmt.Printf("Skipping non-PDF file: %s\n", inputPath)
			}
			continue
		}

		outputPath := batchOutputPath(inputPath, output, outputDir)
		job := &models.Job{
			ID:         "cli",
			Filename:   filepath.Base(inputPath),
			Mode:       models.ModeReduce,
			Options:    opts,
			InputPath:  inputPath,
			OutputPath: outputPath,
		}

		if !quiet {
			fmt.Printf("\nProcessing: %s\n", job.Filename)
		}

		var progress queue.ProgressFunc
		if !quiet {
			progress = printProgress
		}

		result, err := transformer.Transform(context.Background(), job, progress)
		if err != nil {
			if !quiet {
				fmt.Printf("\n  Error: %v\n", err)
			}
			continue
		}
		if !quiet {
			fmt.Println()
			fmt.Printf("  %s -> %s (%+.1f%%)\n",
				formatSize(result.OriginalSize),
				formatSize(result.ReducedSize),
				reductionPercent(result.OriginalSize, result.ReducedSize))
			fmt.Printf("  Saved to: %s\n", outputPath)
		}

		successCount++
		totalOriginal += result.OriginalSize
		totalReduced += result.ReducedSize
	}

	if len(files) > 1 && !quiet {
		fmt.Printf("\n%s\n", strings.Repeat("=", 50))
		fmt.Printf("Processed %d/%d files\n", successCount, len(files))
		if totalOriginal > 0 {
			fmt.Printf("Total: %s -> %s (%+.1f%%)\n",
				formatSize(totalOriginal),
				formatSize(totalReduced),
				reductionPercent(totalOriginal, totalReduced))
		}
	}

	return successCount > 0
}

func batchOutputPath(inputPath, output, outputDir string) string {
	if output != "" {
		return output
	}
	stem := strings.TrimSuffix(filepath.Base(inputPath), filepath.Ext(inputPath))
	dir := filepath.Dir(inputPath)
	if outputDir != "" {
		dir = outputDir
	}
	return filepath.Join(dir, stem+"_reduced.pdf")
}

func printProgress(percent int, message string) {
	const barLength = 30
	filled := barLength * percent / 100
	bar := strings.Repeat("#", filled) + strings.Repeat("-", barLength-filled)
	fmt.Printf("\r  [%s] %3d%% - %-30s", bar, percent, message)
}

func formatSize(size int64) string {
	value := float64(size)
	for _, unit := range []string{"B", "KB", "MB", "GB"} {
		if value < 1024 {
			return fmt.Sprintf("%.1f %s", value, unit)
		}
		value /= 1024
	}
	return fmt.Sprintf("%.1f TB", value)
}

func reductionPercent(before, after int64) float64 {
	if before == 0 {
		return 0
	}
	return float64(before-after) / float64(before) * 100
}
