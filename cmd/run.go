// File: cmd/run.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/pilot-cli/api/schemas"
	"github.com/xkilldash9x/pilot-cli/internal/config"
	"github.com/xkilldash9x/pilot-cli/internal/eventstream"
	"github.com/xkilldash9x/pilot-cli/internal/observability"
	"github.com/xkilldash9x/pilot-cli/internal/service"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// taskRunner is the part of the agent the run command needs.
type taskRunner interface {
	ExecuteTask(ctx context.Context, description, url string, taskContext map[string]string) (*schemas.ExecutionResult, error)
	Subscribe(categories ...eventstream.Category) (<-chan eventstream.Event, func())
	Stats() service.Stats
	Close()
}

// newTaskRunner is swapped out in tests.
var newTaskRunner = func(ctx context.Context, cfg config.Interface, logger *zap.Logger) (taskRunner, error) {
	return service.NewFromConfig(ctx, cfg, logger)
}

// errTaskFailed marks a run that completed but did not succeed.
var errTaskFailed = errors.New("task did not succeed")

type runFlags struct {
	url      string
	timeout  time.Duration
	headless bool
	context  map[string]string
	output   string
	follow   bool
	metrics  string
}

func newRunCmd(opts *rootOptions) *cobra.Command {
	flags := &runFlags{}
	runCmd := &cobra.Command{
		Use:   "run <task>",
		Short: "Decompose a task and carry it out in the browser",
		Long: `Run turns a plain-language task such as "search for running shoes and open the first result"
into browser actions, executes them and prints the execution result as JSON.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			// Use the context passed from main.go (signal-aware).
			ctx := cmd.Context()
			logger := observability.GetLogger()
			cfg := opts.cfg

			// Flags override the config file only when given explicitly.
			if cmd.Flags().Changed("headless") {
				cfg.SetBrowserHeadless(flags.headless)
			}
			if cmd.Flags().Changed("timeout") {
				if flags.timeout <= 0 {
					return fmt.Errorf("--timeout must be positive")
				}
				cfg.SetOrchestratorTaskTimeout(flags.timeout)
			}

			out := cmd.OutOrStdout()
			if flags.output != "" {
				f, err := os.Create(flags.output)
				if err != nil {
					return fmt.Errorf("failed to create output file: %w", err)
				}
				defer f.Close()
				out = f
			}
			return runTask(ctx, cfg, logger, args[0], flags, out, cmd.ErrOrStderr())
		},
	}
	runCmd.Flags().StringVarP(&flags.url, "url", "u", "", "page to open before the task starts")
	runCmd.Flags().DurationVarP(&flags.timeout, "timeout", "t", 0, "overall deadline for the task (default from orchestrator.task_timeout)")
	runCmd.Flags().BoolVar(&flags.headless, "headless", true, "run the browser without a window")
	runCmd.Flags().StringToStringVar(&flags.context, "context", nil, "task context as key=value pairs, e.g. --context username=alice")
	runCmd.Flags().StringVarP(&flags.output, "output", "o", "", "write the result to a file instead of stdout")
	runCmd.Flags().BoolVarP(&flags.follow, "follow", "f", false, "print execution events to stderr as they happen")
	runCmd.Flags().StringVar(&flags.metrics, "metrics-file", "", "write Prometheus metrics for the run to this file")
	return runCmd
}

func runTask(ctx context.Context, cfg config.Interface, logger *zap.Logger, task string, flags *runFlags, out, errOut io.Writer) error {
	agent, err := newTaskRunner(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize agent: %w", err)
	}
	defer agent.Close()

	var wg sync.WaitGroup
	if flags.follow {
		events, unsubscribe := agent.Subscribe()
		defer func() {
			unsubscribe()
			wg.Wait()
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ev := range events {
				fmt.Fprintf(errOut, "%s [%s/%s] %s\n", ev.Timestamp.Format(time.TimeOnly), ev.Category, ev.Kind, ev.Message)
			}
		}()
	}

	logger.Info("Executing task.", zap.String("url", flags.url), zap.Int("context_keys", len(flags.context)))
	result, execErr := agent.ExecuteTask(ctx, task, flags.url, flags.context)
	if flags.metrics != "" {
		if err := service.WriteMetrics(flags.metrics, agent); err != nil {
			logger.Warn("Failed to write metrics file.", zap.String("path", flags.metrics), zap.Error(err))
		}
	}

	if result != nil {
		encoded, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode result: %w", err)
		}
		if _, err := fmt.Fprintln(out, string(encoded)); err != nil {
			return fmt.Errorf("failed to write result: %w", err)
		}
	}
	switch {
	case execErr != nil:
		return execErr
	case ctx.Err() != nil:
		return ctx.Err()
	case result == nil || !result.Success:
		return errTaskFailed
	}
	return nil
}
