package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"edgenode/internal/node"
	"edgenode/internal/pipeline"
	_ "edgenode/internal/plugins"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// Set at build time via -ldflags.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "edgenode",
		Short:         "Edge node runtime for capture, serving, business and comm plugins",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(), newCheckCmd(), newVersionCmd())
	return root
}

func newServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the node until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := node.LoadOptions(configPath)
			if err != nil {
				return err
			}
			opts.Version = version

			logger, err := opts.NewLogger()
			if err != nil {
				return err
			}
			defer logger.Sync()

			rt, err := node.New(opts, logger)
			if err != nil {
				logger.Error("Failed to assemble node", zap.Error(err))
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := rt.Run(ctx); err != nil {
				logger.Error("Node terminated", zap.Error(err))
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "",
		"options YAML path (defaults to $EDGENODE_CONFIG)")
	return cmd
}

// newCheckCmd validates configuration without starting anything: options
// first, then every pipeline document in the configured directory.
func newCheckCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate options and pipeline documents, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := node.LoadOptions(configPath)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "options ok: node %q, %d endpoint(s)\n", opts.NodeName, len(opts.Endpoints))

			entries, err := os.ReadDir(opts.PipelineDir)
			if err != nil {
				if os.IsNotExist(err) {
					fmt.Fprintf(out, "pipeline dir %s absent, nothing to check\n", opts.PipelineDir)
					return nil
				}
				return err
			}

			bad := 0
			for _, e := range entries {
				ext := filepath.Ext(e.Name())
				if e.IsDir() || (ext != ".yaml" && ext != ".yml") {
					continue
				}
				path := filepath.Join(opts.PipelineDir, e.Name())
				data, err := os.ReadFile(path)
				if err != nil {
					fmt.Fprintf(out, "pipeline BAD: %s: %v\n", path, err)
					bad++
					continue
				}
				p, err := pipeline.Parse(data)
				if err != nil {
					fmt.Fprintf(out, "pipeline BAD: %s: %v\n", path, err)
					bad++
					continue
				}
				state := "enabled"
				if p.Disabled {
					state = "disabled"
				}
				fmt.Fprintf(out, "pipeline ok: %s (%s, %s)\n", p.Name, p.Type, state)
			}
			if bad > 0 {
				return fmt.Errorf("%d invalid pipeline document(s)", bad)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "",
		"options YAML path (defaults to $EDGENODE_CONFIG)")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "edgenode %s (%s)\n", version, commit)
		},
	}
}
