// File: cmd/resolve.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/pilot-cli/api/schemas"
	"github.com/xkilldash9x/pilot-cli/internal/config"
	"github.com/xkilldash9x/pilot-cli/internal/observability"
	"github.com/xkilldash9x/pilot-cli/internal/perception"
	"github.com/xkilldash9x/pilot-cli/internal/resolver"
	"github.com/xkilldash9x/pilot-cli/internal/service"
)

type resolveFlags struct {
	html      string
	goal      schemas.ElementIntent
	acceptLow bool
	useOracle bool
}

// newResolveCmd resolves an element description against a saved page, which
// makes resolver decisions reproducible without a browser.
func newResolveCmd(opts *rootOptions) *cobra.Command {
	flags := &resolveFlags{}
	resolveCmd := &cobra.Command{
		Use:   "resolve [description]",
		Short: "Resolve an element description against a saved HTML page",
		Long: `Resolve parses a saved HTML page, runs the element resolver against it and prints
the resolution, including the per-strategy outcomes and the reasoning trail, as JSON.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				flags.goal.Description = args[0]
			}
			if flags.goal.FieldKey() == "" && flags.goal.NearText == "" {
				return fmt.Errorf("a description or one of --text, --test-id, --selector, --label is required")
			}
			if flags.html == "" {
				return fmt.Errorf("--html is required")
			}
			cfg := opts.cfg
			if flags.acceptLow {
				cfg.ResolverCfg.AcceptLowConfidence = true
			}
			return resolvePage(cmd.Context(), cfg, observability.GetLogger(), flags, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	f := resolveCmd.Flags()
	f.StringVar(&flags.html, "html", "", `saved page to resolve against ("-" reads stdin)`)
	f.StringVar(&flags.goal.Text, "text", "", "visible text of the element")
	f.StringVar(&flags.goal.Role, "role", "", "expected role, e.g. button or searchbox")
	f.StringVar(&flags.goal.TestID, "test-id", "", "data-testid of the element")
	f.StringVar(&flags.goal.Selector, "selector", "", "CSS selector (tag, #id, .class and [attr=value] forms)")
	f.StringVar(&flags.goal.AriaLabel, "label", "", "accessible name of the element")
	f.StringVar(&flags.goal.NearText, "near", "", "text of an anchor element the target sits next to")
	f.BoolVar(&flags.goal.IncludeDisabled, "include-disabled", false, "consider disabled elements")
	f.BoolVar(&flags.acceptLow, "accept-low-confidence", false, "take the best candidate even below the confidence threshold")
	f.BoolVar(&flags.useOracle, "oracle", false, "also consult the semantic oracle when an API key is configured")
	return resolveCmd
}

func resolvePage(ctx context.Context, cfg *config.Config, logger *zap.Logger, flags *resolveFlags, stdin io.Reader, out io.Writer) error {
	src, name, err := openPage(flags.html, stdin)
	if err != nil {
		return err
	}
	defer src.Close()

	reports, err := perception.ParseHTML(src)
	if err != nil {
		return err
	}
	page := perception.NewFuser(logger).Fuse("file://"+name, reports...)
	logger.Debug("Saved page parsed.", zap.String("page", name), zap.Int("candidates", len(page.Candidates)))

	var deps resolver.Dependencies
	if flags.useOracle {
		gemini, err := service.InitializeOracle(ctx, cfg.Oracle(), logger)
		if err != nil {
			return err
		}
		if gemini != nil {
			deps.Semantic = gemini
		}
	}

	r := resolver.NewWithCache(cfg.Resolver(), cfg.Cache(), logger, resolver.DefaultStrategies(deps, cfg.Resolver().ProximityPx)...)
	defer r.Close()

	res, err := r.Resolve(ctx, flags.goal, page)
	if err != nil {
		return err
	}
	encoded, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode resolution: %w", err)
	}
	if _, err := fmt.Fprintln(out, string(encoded)); err != nil {
		return fmt.Errorf("failed to write resolution: %w", err)
	}
	return res.Err(flags.goal)
}

// openPage opens path, or stdin for "-".
func openPage(path string, stdin io.Reader) (io.ReadCloser, string, error) {
	if path == "-" {
		return io.NopCloser(stdin), "stdin", nil
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, "", fmt.Errorf("page %s does not exist", path)
		}
		return nil, "", fmt.Errorf("failed to open page: %w", err)
	}
	return f, filepath.Base(path), nil
}
