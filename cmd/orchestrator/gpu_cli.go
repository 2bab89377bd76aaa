package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/halbzeit/pitchqueue/internal/gpuclient"
	"github.com/halbzeit/pitchqueue/internal/logging"
)

// runGPUCLI implements the `orchestrator gpu <subcommand>` operator surface
// (SPEC_FULL.md §12's model-management supplement): a thin CLI over the same
// GPU Worker Client the pipeline driver uses, for listing/pulling/removing
// Ollama models and checking worker health without going through the HTTP
// admin surface.
func runGPUCLI(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("gpu", flag.ContinueOnError)
	baseURL := fs.String("base-url", os.Getenv("GPU_BASE_URL"), "GPU worker base URL (default env GPU_BASE_URL)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	remaining := fs.Args()
	if len(remaining) == 0 {
		fmt.Fprintln(os.Stderr, "usage: orchestrator gpu <status|models|pull|rm> [args]")
		return errors.New("no gpu subcommand specified")
	}

	if strings.TrimSpace(*baseURL) == "" {
		return errors.New("gpu base url is required (-base-url or GPU_BASE_URL)")
	}

	client, err := gpuclient.New(gpuclient.Config{BaseURL: *baseURL}, logging.NewFromEnv("orchestrator-gpu-cli"), nil)
	if err != nil {
		return fmt.Errorf("construct gpu client: %w", err)
	}

	switch remaining[0] {
	case "status":
		return gpuStatus(ctx, client)
	case "models":
		return gpuListModels(ctx, client)
	case "pull":
		return gpuPullModel(ctx, client, remaining[1:])
	case "rm":
		return gpuDeleteModel(ctx, client, remaining[1:])
	default:
		return fmt.Errorf("unknown gpu subcommand %q", remaining[0])
	}
}

func gpuStatus(ctx context.Context, client *gpuclient.Client) error {
	return printJSON(client.CheckStatus(ctx))
}

func gpuListModels(ctx context.Context, client *gpuclient.Client) error {
	models, err := client.ListModels(ctx)
	if err != nil {
		return err
	}
	return printJSON(models)
}

func gpuPullModel(ctx context.Context, client *gpuclient.Client, args []string) error {
	fs := flag.NewFlagSet("gpu pull", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: orchestrator gpu pull <model>")
	}
	if err := client.PullModel(ctx, fs.Arg(0)); err != nil {
		return err
	}
	fmt.Printf("pull requested for model %q\n", fs.Arg(0))
	return nil
}

func gpuDeleteModel(ctx context.Context, client *gpuclient.Client, args []string) error {
	fs := flag.NewFlagSet("gpu rm", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: orchestrator gpu rm <model>")
	}
	if err := client.DeleteModel(ctx, fs.Arg(0)); err != nil {
		return err
	}
	fmt.Printf("deleted model %q\n", fs.Arg(0))
	return nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
