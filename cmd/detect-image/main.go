package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	_ "golang.org/x/image/webp"
	"golang.org/x/sync/errgroup"

	"detect-stream-go/internal/config"
	"detect-stream-go/internal/detector"
	"detect-stream-go/internal/encoder"
	"detect-stream-go/internal/logging"
	"detect-stream-go/internal/processing"
	"detect-stream-go/internal/simulator"
)

var imageExts = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".bmp": true, ".gif": true, ".tif": true, ".tiff": true, ".webp": true,
}

func main() {
	if err := newCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newCommand() *cobra.Command {
	var (
		path    string
		outDir  string
		workers int
	)
	cmd := &cobra.Command{
		Use:          "detect-image",
		Short:        "Run detection over an image file or a directory of images",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if path == "" && len(args) > 0 {
				path = args[0]
			}
			if path == "" {
				return errors.New("missing --path")
			}
			v, err := config.NewViper(cmd.Flags())
			if err != nil {
				return err
			}
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			logger := logging.New(cfg.LogLevel, cfg.LogFile)
			defer func() { _ = logger.Sync() }()

			files, err := listFiles(path)
			if err != nil {
				return errors.Wrap(err, "list files")
			}
			be, err := detector.NewBackend(cfg, simulator.NewScene(cfg.Width, cfg.Height), logger.Named("detector"))
			if err != nil {
				return err
			}
			defer func() { _ = be.Close() }()

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			if be.HTTP != nil {
				if _, err := be.HTTP.LoadModel(ctx, cfg.ModelPath, cfg.FallbackModel); err != nil {
					return errors.Wrap(err, "load model")
				}
				if state := be.HTTP.CheckHealth(ctx); state != detector.StateReady {
					return errors.Errorf("detector is %s", state)
				}
			}

			step := detector.NewStep(be.Detector, cfg.DetectorTimeout, detector.Filters(cfg)...)
			return processFiles(ctx, files, outDir, step, cfg.JPEGQuality, workers, cmd.OutOrStdout(), logger)
		},
	}
	config.RegisterFlags(cmd.Flags())
	cmd.Flags().StringVar(&path, "path", "", "Image file or directory")
	cmd.Flags().StringVar(&outDir, "out", "annotated", "Directory for annotated JPEGs")
	cmd.Flags().IntVar(&workers, "workers", 4, "Images processed in parallel")
	return cmd
}

type fileResult struct {
	file string
	line string
}

func processFiles(ctx context.Context, files []string, outDir string, step *detector.Step, quality int, workers int, out io.Writer, logger *zap.SugaredLogger) error {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return errors.Wrap(err, "create output dir")
	}
	if workers < 1 {
		workers = 1
	}

	var mu sync.Mutex
	results := make([]fileResult, 0, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, file := range files {
		file := file
		g.Go(func() error {
			res, err := processFile(gctx, file, outDir, step, quality)
			if err != nil {
				logger.Warnf("%s: %v", file, err)
				return nil
			}
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	sort.Slice(results, func(i, j int) bool { return results[i].file < results[j].file })
	for _, res := range results {
		fmt.Fprintln(out, res.line)
	}
	fmt.Fprintf(out, "summary: images=%d failed=%d\n", len(results), len(files)-len(results))
	return nil
}

func processFile(ctx context.Context, file string, outDir string, step *detector.Step, quality int) (fileResult, error) {
	img, err := imaging.Open(file, imaging.AutoOrientation(true))
	if err != nil {
		return fileResult{}, errors.Wrap(err, "decode")
	}
	res := step.Run(ctx, img)
	data, err := encoder.Encode(res.Annotated, quality)
	if err != nil {
		return fileResult{}, err
	}
	base := strings.TrimSuffix(filepath.Base(file), filepath.Ext(file))
	target := filepath.Join(outDir, base+"_annotated.jpg")
	if err := os.WriteFile(target, data, 0o644); err != nil {
		return fileResult{}, errors.Wrap(err, "write result")
	}

	parts := make([]string, 0, len(res.Counts))
	for _, class := range processing.Classes(res.Counts) {
		parts = append(parts, fmt.Sprintf("%s=%d", class, res.Counts[class]))
	}
	line := fmt.Sprintf("%s: %s", file, strings.Join(parts, " "))
	if !res.OK() {
		line += fmt.Sprintf(" (not annotated: %v)", res.Err)
	}
	return fileResult{file: file, line: line}, nil
}

func listFiles(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{path}, nil
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if imageExts[strings.ToLower(filepath.Ext(entry.Name()))] {
			files = append(files, filepath.Join(path, entry.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}
