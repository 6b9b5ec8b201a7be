// Command lightrag indexes a text file into a working directory and asks
// the same question in every retrieval mode.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"

	"github.com/brunobiangulo/lightrag"
	"github.com/brunobiangulo/lightrag/loader"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (JSON or YAML)")
	workingDir := flag.String("dir", "", "Working directory (overrides config)")
	input := flag.String("input", "book.txt", "Document to insert (txt, md, csv, pdf, xlsx)")
	question := flag.String("q", "What are the top themes in this story?", "Question to ask")
	verbose := flag.Bool("v", false, "Debug logging")
	flag.Parse()

	// .env is optional.
	_ = godotenv.Load()

	level := log.InfoLevel
	if *verbose {
		level = log.DebugLevel
	}
	slog.SetDefault(slog.New(log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		Level:           level,
	})))

	if err := run(*configPath, *workingDir, *input, *question); err != nil {
		slog.Error("lightrag failed", "error", err)
		os.Exit(1)
	}
}

func run(configPath, workingDir, input, question string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := lightrag.DefaultConfig()
	if configPath != "" {
		var err error
		if cfg, err = lightrag.LoadConfig(configPath); err != nil {
			return err
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return err
	}
	if workingDir != "" {
		cfg.WorkingDir = workingDir
	}

	engine, err := lightrag.New(cfg)
	if err != nil {
		return fmt.Errorf("creating engine: %w", err)
	}
	defer engine.Close()

	text, err := loader.Load(ctx, input)
	if err != nil {
		return err
	}
	id, err := engine.Insert(ctx, text)
	if err != nil {
		return fmt.Errorf("inserting %s: %w", input, err)
	}
	stats, err := engine.Stats(ctx)
	if err != nil {
		return err
	}
	slog.Info("indexed", "document", id, "chunks", stats.Chunks, "entities", stats.Entities, "relations", stats.Relations)

	for _, mode := range []lightrag.Mode{lightrag.ModeNaive, lightrag.ModeLocal, lightrag.ModeGlobal, lightrag.ModeHybrid} {
		ans, err := engine.Query(ctx, question, lightrag.QueryParam{Mode: mode})
		if err != nil {
			return fmt.Errorf("%s query: %w", mode, err)
		}
		fmt.Printf("\n=== %s (%s) ===\n%s\n", mode, ans.Elapsed.Round(time.Millisecond), ans.Text)
	}

	fmt.Printf("\n=== hybrid, streamed ===\n")
	s, err := engine.QueryStream(ctx, question, lightrag.QueryParam{Mode: lightrag.ModeHybrid})
	if err != nil {
		return err
	}
	defer s.Close()
	for s.Next() {
		fmt.Print(s.Text())
	}
	fmt.Println()
	return s.Err()
}
