package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/tunnelhq/tunnel/internal/browser"
	"github.com/tunnelhq/tunnel/internal/llm/openaicompat"
	"github.com/tunnelhq/tunnel/internal/server"
	"github.com/tunnelhq/tunnel/internal/workflow/engine"
	"github.com/tunnelhq/tunnel/internal/workflow/runtime"
	"github.com/tunnelhq/tunnel/internal/workflow/stage"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "run":
		runCmd(os.Args[2:])
	case "serve":
		serveCmd(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  tunnel run --instruction <text> --url <target> --config <run.yaml> [--run-id <id>] [--verbose]")
	fmt.Fprintln(os.Stderr, "  tunnel serve --addr <:8080> --config <run.yaml>")
}

func runCmd(args []string) {
	var instruction string
	var targetURL string
	var configPath string
	var runID string
	var verbose bool

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--verbose":
			verbose = true
		case "--instruction":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--instruction requires a value")
				os.Exit(2)
			}
			instruction = args[i]
		case "--url":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--url requires a value")
				os.Exit(2)
			}
			targetURL = args[i]
		case "--config":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--config requires a value")
				os.Exit(2)
			}
			configPath = args[i]
		case "--run-id":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--run-id requires a value")
				os.Exit(2)
			}
			runID = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(2)
		}
	}

	if instruction == "" || targetURL == "" || configPath == "" {
		usage()
		os.Exit(2)
	}

	cfg, err := engine.LoadRunConfigFile(configPath)
	if err != nil {
		fatal(err)
	}
	stages, err := buildStages(cfg)
	if err != nil {
		fatal(err)
	}
	browserCfg, err := cfg.Browser.BrowserConfig()
	if err != nil {
		fatal(err)
	}

	opts := engine.OptionsFromConfig(cfg)
	if runID != "" {
		opts.RunID = runID
	}
	if verbose {
		enc := json.NewEncoder(os.Stderr)
		opts.ProgressSink = func(ev map[string]any) { _ = enc.Encode(ev) }
	}

	eng, err := engine.New(opts, stages...)
	if err != nil {
		fatal(err)
	}

	ctx, cancel := context.WithCancelCause(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		cancel(fmt.Errorf("received %s", sig))
	}()

	rs := runtime.NewRunState(opts.RunID, instruction, targetURL, browserCfg)
	rep, err := eng.Run(ctx, rs)
	cancel(nil)
	if err != nil {
		fatal(err)
	}

	out := json.NewEncoder(os.Stdout)
	out.SetIndent("", "  ")
	if err := out.Encode(rep); err != nil {
		fatal(err)
	}

	switch rep.TerminalStatus {
	case runtime.StatusPassed:
		os.Exit(0)
	case runtime.StatusFailed:
		os.Exit(1)
	default:
		os.Exit(2)
	}
}

func serveCmd(args []string) {
	addr := ":8080"
	var configPath string

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--addr":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--addr requires a value")
				os.Exit(2)
			}
			addr = args[i]
		case "--config":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--config requires a value")
				os.Exit(2)
			}
			configPath = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(2)
		}
	}

	if configPath == "" {
		usage()
		os.Exit(2)
	}

	cfg, err := engine.LoadRunConfigFile(configPath)
	if err != nil {
		fatal(err)
	}
	stages, err := buildStages(cfg)
	if err != nil {
		fatal(err)
	}
	browserCfg, err := cfg.Browser.BrowserConfig()
	if err != nil {
		fatal(err)
	}

	srv := server.New(server.Config{
		Addr:    addr,
		Browser: browserCfg,
		NewEngine: func(runID string, sink func(map[string]any)) (*engine.Engine, error) {
			opts := engine.OptionsFromConfig(cfg)
			opts.RunID = runID
			opts.ProgressSink = sink
			return engine.New(opts, stages...)
		},
	})
	if err := srv.ListenAndServe(); err != nil {
		fatal(err)
	}
}

// buildStages wires the five pipeline stages to the configured collaborators.
func buildStages(cfg *engine.RunConfigFile) ([]stage.Stage, error) {
	llmKey, err := cfg.LLM.APIKey()
	if err != nil {
		return nil, err
	}
	browserKey, err := cfg.Browser.APIKey()
	if err != nil {
		return nil, err
	}

	completer := openaicompat.NewAdapter(openaicompat.Config{
		APIKey:       llmKey,
		BaseURL:      cfg.LLM.BaseURL,
		Path:         cfg.LLM.Path,
		ExtraHeaders: cfg.LLM.Headers,
	})
	runner := browser.NewClient(browser.Config{
		BaseURL:   cfg.Browser.BaseURL,
		APIKey:    browserKey,
		ProjectID: cfg.Browser.ProjectID,
	})

	model := cfg.LLM.Model
	return []stage.Stage{
		&stage.Planner{LLM: completer, Model: model},
		&stage.Generator{LLM: completer, Model: model},
		&stage.Executor{Browser: runner},
		&stage.Validator{LLM: completer, Model: model},
		&stage.Healer{LLM: completer, Model: model},
	}, nil
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(2)
}
