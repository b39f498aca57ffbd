package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/loqalabs/lovanote/internal/acquire"
	"github.com/loqalabs/lovanote/internal/config"
	"github.com/loqalabs/lovanote/internal/export"
	"github.com/loqalabs/lovanote/internal/pipeline"
	"github.com/loqalabs/lovanote/internal/runtime"
)

var version = "0.1.0-dev"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'transcribe', 'validate' or 'version'")
		os.Exit(2)
	}

	_ = godotenv.Load()

	switch os.Args[1] {
	case "transcribe":
		if err := runTranscribe(os.Args[2:], os.Stdout); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	case "validate":
		validateCmd := flag.NewFlagSet("validate", flag.ExitOnError)
		configPath := validateCmd.String("config", "lovanote.yaml", "Path to configuration file")
		validateCmd.Parse(os.Args[2:])
		if _, err := config.Load(*configPath); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println("config valid")
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
}

func runTranscribe(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("transcribe", flag.ExitOnError)
	var (
		configPath = fs.String("config", "", "Path to configuration file")
		rawURL     = fs.String("url", "", "Transcribe audio downloaded from this URL")
		video      = fs.Bool("video", false, "Treat -url as a video page and extract its audio")
		lang       = fs.String("lang", pipeline.AutoLanguage, "Language code or 'auto'")
		modelSize  = fs.String("model", "", "Model size (tiny, base, small, medium, large, large-v3)")
		exportAs   = fs.String("export", "", "Also write a document: pdf or docx")
		verbose    = fs.Bool("v", false, "Log pipeline progress to stderr")
	)
	fs.Parse(args)

	var format export.Format
	if *exportAs != "" {
		f, err := export.ParseFormat(*exportAs)
		if err != nil {
			return err
		}
		format = f
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt := runtime.New(cfg, version, logger)
	if err := rt.Init(ctx); err != nil {
		rt.Close(context.Background())
		return err
	}
	defer rt.Close(context.Background())

	src, closeSrc, err := source(rt.Strategies(), fs.Args(), *rawURL, *video)
	if err != nil {
		return err
	}
	defer closeSrc()

	res, err := rt.Pipeline().Run(ctx, src, pipeline.Options{Language: *lang, ModelSize: *modelSize})
	if err != nil {
		return err
	}

	if format != "" {
		doc := export.Document{
			Text: res.Text,
			Metadata: export.Metadata{
				Language:   res.Language,
				Confidence: res.Confidence,
				Duration:   res.Duration,
				Timestamp:  res.Timestamp,
				AudioPath:  res.AudioPath,
			},
		}
		name := strings.TrimSuffix(filepath.Base(res.AudioPath), filepath.Ext(res.AudioPath))
		path, err := export.Render(format, doc, cfg.Storage.TranscriptsDir, name)
		if err != nil {
			return err
		}
		fmt.Fprintln(os.Stderr, "wrote", path)
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}

func source(f *acquire.Factory, args []string, rawURL string, video bool) (acquire.Strategy, func(), error) {
	noop := func() {}
	switch {
	case rawURL != "" && video:
		return f.Video(rawURL), noop, nil
	case rawURL != "":
		return f.URL(rawURL), noop, nil
	case len(args) == 1:
		file, err := os.Open(args[0])
		if err != nil {
			return nil, nil, err
		}
		return f.Upload(filepath.Base(args[0]), file), func() { file.Close() }, nil
	default:
		return nil, nil, errors.New("usage: lovanote transcribe [flags] <audio-file> | -url <url> [-video]")
	}
}
