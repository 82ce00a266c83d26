// Package main provides the analyst binary entry point. Analyst is an
// ambient research agent: it plans, researches, and writes strategic reports
// under human review, suspending at each gate and resuming on demand.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sort"
	"strings"
	"syscall"
	"time"

	// Register LLM providers via init()
	_ "github.com/strataworks/analyst/llm/providers"

	"log/slog"

	"github.com/spf13/cobra"

	"github.com/strataworks/analyst/config"
	"github.com/strataworks/analyst/workflow"
)

const (
	Version = "0.1.0"
	appName = "analyst"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var verbose bool

	cmd := &cobra.Command{
		Use:     appName,
		Short:   "Ambient strategic research agent",
		Version: Version,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
				Level: level,
			})))
		},
	}
	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	cmd.AddCommand(runCmd())
	cmd.AddCommand(resumeCmd())
	cmd.AddCommand(inboxCmd())
	cmd.AddCommand(memoryCmd())
	cmd.AddCommand(ingestCmd())
	return cmd
}

// withApp loads config, starts the app, runs fn, and shuts down.
func withApp(fn func(ctx context.Context, app *App) error) error {
	cfg, err := config.NewLoader(slog.Default()).Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app := NewApp(cfg, slog.Default())
	if err := app.Start(ctx); err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		app.Shutdown(sctx)
	}()

	return fn(ctx, app)
}

func runCmd() *cobra.Command {
	var (
		userID string
		format string
	)

	cmd := &cobra.Command{
		Use:   "run \"<query>\"",
		Short: "Start a research execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, app *App) error {
				ex, err := app.engine.Start(ctx, userID, args[0], format)
				return reportOutcome(ex, err)
			})
		},
	}
	cmd.Flags().StringVarP(&userID, "user", "u", defaultUserID(), "user identity for memory")
	cmd.Flags().StringVarP(&format, "format", "f", "markdown", "report format (markdown|json)")
	return cmd
}

func resumeCmd() *cobra.Command {
	var (
		respType string
		payload  string
	)

	cmd := &cobra.Command{
		Use:   "resume <execution-id>",
		Short: "Resume a suspended execution with a gate response",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp := workflow.ResumeResponse{Type: workflow.ResponseType(respType)}
			if payload != "" {
				if json.Valid([]byte(payload)) {
					resp.Payload = json.RawMessage(payload)
				} else {
					data, err := json.Marshal(payload)
					if err != nil {
						return err
					}
					resp.Payload = data
				}
			}
			return withApp(func(ctx context.Context, app *App) error {
				ex, err := app.engine.Resume(ctx, args[0], resp)
				return reportOutcome(ex, err)
			})
		},
	}
	cmd.Flags().StringVarP(&respType, "type", "t", "accept", "response type (accept|edit|respond|ignore)")
	cmd.Flags().StringVarP(&payload, "payload", "p", "", "response payload (JSON or free text)")
	return cmd
}

func inboxCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inbox <execution-id>",
		Short: "Show the pending review request for an execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, app *App) error {
				ex, err := app.engine.Load(ctx, args[0])
				if err != nil {
					return err
				}
				if ex.Pending == nil {
					fmt.Printf("Execution %s is %s at stage %s; nothing pending.\n",
						ex.ID, ex.Phase, ex.Stage)
					return nil
				}
				printRequest(ex.ID, ex.Pending)
				return nil
			})
		},
	}
}

func memoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "memory [user-id]",
		Short: "Show the stored memory documents for a user",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID := defaultUserID()
			if len(args) == 1 {
				userID = args[0]
			}
			return withApp(func(ctx context.Context, app *App) error {
				docs, err := app.memories.LoadAll(ctx, userID)
				if err != nil {
					return err
				}
				categories := make([]string, 0, len(docs))
				for c := range docs {
					categories = append(categories, c)
				}
				sort.Strings(categories)
				for _, c := range categories {
					fmt.Printf("=== %s ===\n%s\n", c, docs[c])
				}
				return nil
			})
		},
	}
}

func ingestCmd() *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Index the configured docs folder into the research corpus",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, app *App) error {
				err := app.IndexDocs(ctx, watch)
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			})
		},
	}
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "keep watching for changes")
	return cmd
}

// reportOutcome prints where an execution landed: a pending gate, a finished
// report, or an error.
func reportOutcome(ex *workflow.Execution, err error) error {
	if se, ok := workflow.Suspended(err); ok {
		printRequest(se.ExecutionID, se.Request)
		return nil
	}
	if err != nil {
		return err
	}

	if ex.State.Cancelled {
		fmt.Printf("Execution %s was cancelled.\n", ex.ID)
		return nil
	}
	if ex.State.Final != "" {
		fmt.Println(ex.State.Final)
		return nil
	}
	fmt.Printf("Execution %s finished at stage %s.\n", ex.ID, ex.Stage)
	return nil
}

func printRequest(executionID string, req *workflow.SuspensionRequest) {
	allowed := make([]string, 0, len(req.AllowedResponses))
	for _, r := range req.AllowedResponses {
		allowed = append(allowed, string(r))
	}

	fmt.Printf("--- review requested: %s ---\n", req.Action)
	fmt.Printf("%s\n\n", req.Description)
	keys := make([]string, 0, len(req.Args))
	for k := range req.Args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("%s:\n%s\n\n", k, renderArg(req.Args[k]))
	}
	fmt.Printf("Respond with:\n  %s resume %s --type <%s> [--payload ...]\n",
		appName, executionID, strings.Join(allowed, "|"))
}

func renderArg(v any) string {
	switch t := v.(type) {
	case string:
		return t
	default:
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}

// defaultUserID keys memory by OS user when no identity is given.
func defaultUserID() string {
	if u := os.Getenv("ANALYST_USER"); u != "" {
		return u
	}
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "default"
}
