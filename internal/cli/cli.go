// ============================================================================
// srm-lifecycle CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree for the srmd daemon and its client
//
// Command Structure:
//   srmd                           # Root command
//   ├── serve                      # Start the request engine (gRPC + HTTP)
//   ├── submit                     # Submit a request
//   ├── status <id>                # Aggregate status (reactivates restored requests)
//   ├── history <id>               # Transition history of a request or file request
//   ├── list                       # List requests
//   ├── abort <id>                 # Abort a request or some of its files
//   ├── release <id>               # Release pinned files of a fetch request
//   ├── putdone <id>               # Mark uploaded files as done
//   ├── reserve                    # Reserve space for uploads
//   ├── stats                      # Engine statistics
//   ├── config show                # Print the effective configuration
//   └── journal dump|verify <dir>  # Inspect a file-store journal offline
//
// Configuration Management:
//   YAML config file (default: configs/default.yaml) loaded by internal/config,
//   environment variables with the SRM_ prefix override file values.
//
// Output:
//   Client commands print YAML (gopkg.in/yaml.v3) to stdout.
//
// ============================================================================

package cli

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/srm-lifecycle/internal/config"
	"github.com/ChuLiYu/srm-lifecycle/internal/controller"
	"github.com/ChuLiYu/srm-lifecycle/internal/request"
	"github.com/ChuLiYu/srm-lifecycle/internal/server"
	"github.com/ChuLiYu/srm-lifecycle/pkg/types"
)

// Version is overridden at build time with -ldflags "-X ...cli.Version=...".
var Version = "dev"

var (
	configFile string
	serverAddr string
	rpcTimeout time.Duration
)

// BuildCLI returns the root command.
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "srmd",
		Short: "srmd: storage resource request lifecycle engine",
		Long: `srmd tracks asynchronous storage requests (fetch, stage, upload, list)
from submission to a final state, with:
- a checked state machine per request and per file
- status aggregation with poll backoff hints
- crash recovery and lazy rescheduling of restored requests
- gRPC and HTTP APIs, Prometheus metrics`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", config.DefaultPath, "config file path")
	rootCmd.PersistentFlags().StringVar(&serverAddr, "addr", "", "gRPC address of a running srmd (default: server.grpc_addr)")
	rootCmd.PersistentFlags().DurationVar(&rpcTimeout, "timeout", 10*time.Second, "client call timeout")

	rootCmd.AddCommand(buildServeCommand())
	rootCmd.AddCommand(buildSubmitCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildHistoryCommand())
	rootCmd.AddCommand(buildListCommand())
	rootCmd.AddCommand(buildAbortCommand())
	rootCmd.AddCommand(buildFileOpCommand("release", "Release pinned files of a fetch request"))
	rootCmd.AddCommand(buildFileOpCommand("putdone", "Mark uploaded files of an upload request as done"))
	rootCmd.AddCommand(buildReserveCommand())
	rootCmd.AddCommand(buildStatsCommand())
	rootCmd.AddCommand(buildConfigCommand())
	rootCmd.AddCommand(buildJournalCommand())

	return rootCmd
}

// ============================================================================
// Client commands
// ============================================================================

// withClient dials the server and runs fn with a bounded context.
func withClient(cmd *cobra.Command, fn func(ctx context.Context, c *server.Client) (any, error)) error {
	addr := serverAddr
	if addr == "" {
		cfg, err := config.Load(configFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		addr = cfg.Server.GRPCAddr
	}
	client, err := server.Dial(addr)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), rpcTimeout)
	defer cancel()

	out, err := fn(ctx, client)
	if err != nil {
		return err
	}
	return printYAML(cmd.OutOrStdout(), out)
}

func buildSubmitCommand() *cobra.Command {
	var (
		kind        string
		surls       []string
		size        int64
		lifetime    time.Duration
		pinLifetime time.Duration
		protocols   []string
		spaceToken  string
		depth       int
		count       int
		credID      string
		description string
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a request for one or more SURLs",
		Example: `  srmd submit --kind get --surl /data/run1.root --surl /data/run2.root
  srmd submit --kind put --surl /upload/out.root --size 1048576 --space-token <token>
  srmd submit --kind ls --surl /data --depth 1`,
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := buildSubmitSpec(kind, surls, size, lifetime)
			if err != nil {
				return err
			}
			spec.CredentialID = credID
			spec.Description = description
			switch spec.Kind {
			case types.KindGet, types.KindBringOnline:
				spec.Get = &types.GetParams{Protocols: protocols, PinLifetime: pinLifetime}
			case types.KindPut:
				spec.Put = &types.PutParams{SpaceToken: spaceToken, DesiredSize: size}
			case types.KindLs:
				spec.Ls = &types.LsParams{Depth: depth, Count: count}
			}
			return withClient(cmd, func(ctx context.Context, c *server.Client) (any, error) {
				id, err := c.Submit(ctx, spec)
				if err != nil {
					return nil, err
				}
				return server.SubmitResponse{RequestID: id}, nil
			})
		},
	}

	cmd.Flags().StringVarP(&kind, "kind", "k", "", "request kind: get, bring_online, put, ls")
	cmd.Flags().StringArrayVarP(&surls, "surl", "s", nil, "storage URL (repeatable)")
	cmd.Flags().Int64Var(&size, "size", 0, "expected size in bytes (put)")
	cmd.Flags().DurationVar(&lifetime, "lifetime", 0, "request lifetime (0 = server default)")
	cmd.Flags().DurationVar(&pinLifetime, "pin-lifetime", 0, "pin lifetime (get)")
	cmd.Flags().StringSliceVar(&protocols, "protocol", nil, "transfer protocols (get)")
	cmd.Flags().StringVar(&spaceToken, "space-token", "", "space reservation token (put)")
	cmd.Flags().IntVar(&depth, "depth", 0, "listing depth (ls)")
	cmd.Flags().IntVar(&count, "count", 0, "maximum entries per listing (ls)")
	cmd.Flags().StringVar(&credID, "credential", "", "credential id")
	cmd.Flags().StringVar(&description, "description", "", "free-form request description")
	_ = cmd.MarkFlagRequired("kind")
	_ = cmd.MarkFlagRequired("surl")

	return cmd
}

// buildSubmitSpec validates the flag combination shared by all kinds.
func buildSubmitSpec(kind string, surls []string, size int64, lifetime time.Duration) (controller.SubmitSpec, error) {
	k, err := types.ParseKind(kind)
	if err != nil {
		return controller.SubmitSpec{}, err
	}
	if len(surls) == 0 {
		return controller.SubmitSpec{}, fmt.Errorf("at least one --surl is required")
	}
	if lifetime < 0 {
		return controller.SubmitSpec{}, fmt.Errorf("--lifetime must not be negative")
	}
	spec := controller.SubmitSpec{Kind: k, Lifetime: lifetime}
	for _, s := range surls {
		spec.Files = append(spec.Files, request.FileSpec{SURL: s, Size: size})
	}
	return spec, nil
}

func buildStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <request-id>",
		Short: "Show the aggregate status of a request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withClient(cmd, func(ctx context.Context, c *server.Client) (any, error) {
				return c.Status(ctx, id)
			})
		},
	}
}

func buildHistoryCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "history <id>",
		Short: "Show the state history of a request or file request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withClient(cmd, func(ctx context.Context, c *server.Client) (any, error) {
				return c.History(ctx, id)
			})
		},
	}
}

func buildListCommand() *cobra.Command {
	var req server.ListRequest
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List requests",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *server.Client) (any, error) {
				return c.List(ctx, req)
			})
		},
	}
	cmd.Flags().StringVar(&req.User, "user", "", "only requests of this user")
	cmd.Flags().StringVar(&req.Kind, "kind", "", "only requests of this kind")
	cmd.Flags().StringVar(&req.State, "state", "", "only requests in this state")
	cmd.Flags().IntVar(&req.Limit, "limit", 0, "maximum number of requests")
	return cmd
}

func buildAbortCommand() *cobra.Command {
	var (
		reason string
		surls  []string
	)
	cmd := &cobra.Command{
		Use:   "abort <request-id>",
		Short: "Abort a request, or only the given files",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withClient(cmd, func(ctx context.Context, c *server.Client) (any, error) {
				return c.Abort(ctx, server.AbortRequest{RequestID: id, Reason: reason, SURLs: surls})
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded with the abort")
	cmd.Flags().StringArrayVarP(&surls, "surl", "s", nil, "abort only these files (repeatable)")
	return cmd
}

func buildFileOpCommand(name, short string) *cobra.Command {
	var surls []string
	cmd := &cobra.Command{
		Use:   name + " <request-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			req := server.FilesRequest{RequestID: id, SURLs: surls}
			return withClient(cmd, func(ctx context.Context, c *server.Client) (any, error) {
				if name == "release" {
					return c.Release(ctx, req)
				}
				return c.PutDone(ctx, req)
			})
		},
	}
	cmd.Flags().StringArrayVarP(&surls, "surl", "s", nil, "files to act on (default: all)")
	return cmd
}

func buildReserveCommand() *cobra.Command {
	var req server.ReserveRequest
	cmd := &cobra.Command{
		Use:   "reserve",
		Short: "Reserve space for upload requests",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if req.Size <= 0 {
				return fmt.Errorf("--size must be positive")
			}
			return withClient(cmd, func(ctx context.Context, c *server.Client) (any, error) {
				return c.ReserveSpace(ctx, req)
			})
		},
	}
	cmd.Flags().Int64Var(&req.Size, "size", 0, "bytes to reserve")
	cmd.Flags().DurationVar(&req.Lifetime, "lifetime", time.Hour, "reservation lifetime (negative = infinite)")
	cmd.Flags().StringVar(&req.CredentialID, "credential", "", "credential id")
	return cmd
}

func buildStatsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show engine statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *server.Client) (any, error) {
				return c.Stats(ctx)
			})
		},
	}
}

// ============================================================================
// config
// ============================================================================

func buildConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration helpers",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			return printYAML(cmd.OutOrStdout(), cfg)
		},
	})
	return cmd
}

// ============================================================================
// helpers
// ============================================================================

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid request id %q", s)
	}
	return id, nil
}

func printYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}
