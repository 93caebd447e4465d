// cmd/derive runs the rendition pipeline on a local file without NATS, S3 or
// postgres and writes every derivative next to the input.
//
// Usage:
//
//	./derive -input photo.jpg
//	./derive -input clip.mp4 -out ./renditions -profiles "small:crop:150:75,large:fit:1200:85"
//	./derive -input clip.mp4 -probe  # Show metadata only
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tendant/simple-renditions/internal/converters"
	"github.com/tendant/simple-renditions/internal/img"
	"github.com/tendant/simple-renditions/internal/logging"
	"github.com/tendant/simple-renditions/internal/media"
	"github.com/tendant/simple-renditions/internal/pipeline"
	"github.com/tendant/simple-renditions/internal/registry"
	"github.com/tendant/simple-renditions/internal/storage"
)

const defaultProfiles = "small:crop:150:75,medium:fit:600:80,large:fit:1200:85"

func main() {
	input := flag.String("input", "", "Input file path (required)")
	outDir := flag.String("out", "", "Output directory (default: next to input)")
	profileSpec := flag.String("profiles", defaultProfiles, "Profiles as name:mode:size:quality[:effort], comma separated")
	probe := flag.Bool("probe", false, "Show file metadata only (don't convert)")
	timestamp := flag.Float64("at", 1, "Video frame timestamp in seconds")
	timeout := flag.Duration("timeout", 2*time.Minute, "Overall timeout")
	verbose := flag.Bool("v", false, "Verbose output")
	flag.Parse()

	if *input == "" {
		fmt.Println("Error: -input flag is required")
		flag.Usage()
		os.Exit(1)
	}
	if _, err := os.Stat(*input); err != nil {
		exitf("input file not found: %s", *input)
	}

	level := "warn"
	if *verbose {
		level = "debug"
	}
	logger := logging.New(level, "text")

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	data, err := os.ReadFile(*input)
	if err != nil {
		exitf("read input: %v", err)
	}
	mimeType := img.DetectMimeType(data)
	ffmpeg := converters.NewFFmpegConverter(converters.DefaultOptions(), logger)

	if *probe {
		printProbe(ctx, *input, mimeType, data, ffmpeg)
		return
	}
	if !converters.IsSupported(mimeType) {
		exitf("unsupported input type: %s", mimeType)
	}

	profiles, err := media.ParseProfiles(*profileSpec)
	if err != nil {
		exitf("%v", err)
	}
	profiles = media.WithBuckets(profiles, "local")

	var animator img.Animator
	if ffmpeg.Available() == nil {
		animator = ffmpeg
	}
	uploader := storage.NewUploader(storage.NewMemoryBackend(), "memory://", logger)
	store := registry.NewMemoryStore()
	pl := pipeline.New(img.NewGenerator(img.CodecConfig{}, animator), ffmpeg, uploader, store, pipeline.Options{
		Profiles:       profiles,
		FrameTimestamp: *timestamp,
	}, logger)

	asset := &media.SourceAsset{
		ID:       uuid.New(),
		Kind:     media.KindImage,
		Category: media.CategoryGeneral,
		MimeType: mimeType,
		Status:   media.StatusCompleted,
	}
	in := pipeline.Input{Asset: asset, Data: data}
	if converters.IsVideo(mimeType) {
		asset.Kind = media.KindVideo
		in = pipeline.Input{Asset: asset, Path: *input}
	}
	if err := store.CreateAsset(ctx, asset); err != nil {
		exitf("register asset: %v", err)
	}

	fmt.Printf("Generating %d profiles from %s (%s)\n", len(profiles), *input, mimeType)
	start := time.Now()
	result, err := pl.Process(ctx, in)
	if err != nil {
		exitf("conversion failed: %v", err)
	}

	dir := *outDir
	if dir == "" {
		dir = filepath.Dir(*input)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		exitf("create output directory: %v", err)
	}
	base := strings.TrimSuffix(filepath.Base(*input), filepath.Ext(*input))

	fmt.Println(strings.Repeat("-", 40))
	for _, o := range result.Outcomes {
		switch o.Status {
		case pipeline.OutcomeSkipped:
			fmt.Printf("%-8s skipped (source smaller than target)\n", o.Profile)
			continue
		case pipeline.OutcomeFailed:
			fmt.Printf("%-8s failed: %v\n", o.Profile, o.Failure)
			continue
		}

		d := o.Derivative
		out, err := uploader.Download(ctx, d.Bucket, d.Key)
		if err != nil {
			fmt.Printf("%-8s read back failed: %v\n", o.Profile, err)
			continue
		}
		path := filepath.Join(dir, base+"_"+o.Profile+"."+img.OutputExtension)
		if err := os.WriteFile(path, out, 0o644); err != nil {
			fmt.Printf("%-8s write failed: %v\n", o.Profile, err)
			continue
		}
		fmt.Printf("%-8s %4dx%-4d %9s  %s\n", o.Profile, d.Width, d.Height, formatBytes(d.Size), path)
	}
	for _, w := range result.Warnings {
		logger.Warn("pipeline warning", "kind", string(w.Kind), "err", w.Err)
	}
	fmt.Println(strings.Repeat("-", 40))
	fmt.Printf("Done in %v\n", time.Since(start).Round(time.Millisecond))
}

func printProbe(ctx context.Context, path, mimeType string, data []byte, ffmpeg *converters.FFmpegConverter) {
	fmt.Println("File Metadata:")
	fmt.Println(strings.Repeat("-", 40))
	fmt.Printf("MIME type: %s\n", mimeType)
	fmt.Printf("Size:      %s\n", formatBytes(int64(len(data))))

	if converters.IsVideo(mimeType) {
		info := ffmpeg.Probe(ctx, path)
		if info.IsZero() {
			fmt.Println("ffprobe returned no metadata")
			return
		}
		fmt.Printf("Width:     %d\n", info.Width)
		fmt.Printf("Height:    %d\n", info.Height)
		fmt.Printf("Duration:  %.2fs\n", info.Duration)
		return
	}

	meta := img.ExtractMetadata(data)
	if meta.IsZero() {
		fmt.Println("not a decodable image")
		return
	}
	fmt.Printf("Width:     %d\n", meta.Width)
	fmt.Printf("Height:    %d\n", meta.Height)
	fmt.Printf("Format:    %s\n", meta.Format)
	fmt.Printf("Animatable: %v\n", img.IsAnimatable(mimeType))
}

func formatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(b)/float64(div), "KMGTPE"[exp])
}

func exitf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}
