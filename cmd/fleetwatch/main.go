package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	root := buildRoot(os.Stdout)
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot creates the root command and every subcommand
func buildRoot(out io.Writer) *cobra.Command {
	globalFlags := &GlobalFlags{}
	fleetCommand := &command{global: globalFlags, out: out}

	root := createRootCommand(globalFlags)
	root.SetOut(out)

	root.AddCommand(
		createServeCommand(globalFlags),
		createStatusCommand(fleetCommand),
		createBreakersCommand(fleetCommand),
		createSitesCommand(fleetCommand),
		createGraphCommand(fleetCommand),
		createRefreshCommand(fleetCommand),
		createInvalidateCommand(fleetCommand),
		createWatchCommand(fleetCommand),
		createActionCommand(fleetCommand),
		createTokenCommand(fleetCommand),
		createInitCommand(fleetCommand),
	)
	return root
}

// createRootCommand creates the root command with persistent flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "fleetwatch",
		Short: "Live fleet monitor with subscriber push",
		Long: `Fleetwatch polls a host agent for sites, tunnel, metrics and backup
status, guards each source with a circuit breaker and pushes the derived
views to websocket subscribers.

Examples:
  fleetwatch serve --config fleetwatch.toml   # Start the monitor
  fleetwatch status                           # Monitor and breaker state
  fleetwatch watch --topic action.output      # Follow the update stream
  fleetwatch status --api-url=http://remote:8080/api`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file")
	root.PersistentFlags().StringVar(&flags.APIUrl, "api-url", defaultAPIUrl, "fleetwatch server API URL")
	root.PersistentFlags().DurationVar(&flags.APITimeout, "api-timeout", 10*time.Second, "API request timeout")
	root.PersistentFlags().StringVar(&flags.Token, "token", os.Getenv("FLEETWATCH_TOKEN"), "bearer token (default $FLEETWATCH_TOKEN)")
	root.PersistentFlags().StringVar(&flags.CACert, "ca-cert", "", "CA certificate to trust for an https API URL")
	root.PersistentFlags().BoolVar(&flags.Insecure, "insecure", false, "skip TLS certificate verification")
	return root
}

func createStatusCommand(c *command) *cobra.Command {
	flags := &StatusFlags{}
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show monitor state, last tick and breakers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Status(cmd.Context(), *flags)
		},
	}
	cmd.Flags().BoolVar(&flags.JSON, "json", false, "print raw JSON")
	return cmd
}

func createBreakersCommand(c *command) *cobra.Command {
	flags := &StatusFlags{}
	cmd := &cobra.Command{
		Use:   "breakers",
		Short: "Show per-source circuit breaker state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Breakers(cmd.Context(), *flags)
		},
	}
	cmd.Flags().BoolVar(&flags.JSON, "json", false, "print raw JSON")
	return cmd
}

func createSitesCommand(c *command) *cobra.Command {
	flags := &ViewFlags{}
	cmd := &cobra.Command{
		Use:   "sites",
		Short: "Print the sites view",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Sites(cmd.Context(), *flags)
		},
	}
	cmd.Flags().BoolVar(&flags.Refresh, "refresh", false, "bypass source caches")
	return cmd
}

func createGraphCommand(c *command) *cobra.Command {
	flags := &ViewFlags{}
	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Print the topology graph view",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Graph(cmd.Context(), *flags)
		},
	}
	cmd.Flags().BoolVar(&flags.Refresh, "refresh", false, "bypass source caches")
	return cmd
}

func createRefreshCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Rebuild and broadcast every view now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Refresh(cmd.Context())
		},
	}
}

func createInvalidateCommand(c *command) *cobra.Command {
	flags := &InvalidateFlags{}
	cmd := &cobra.Command{
		Use:   "invalidate [source]",
		Short: "Drop the cached value of a source",
		Long: `Drop the cached value of a source so the next tick fetches it again.

Examples:
  fleetwatch invalidate sites
  fleetwatch invalidate --source tunnel`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := *flags
			if len(args) == 1 {
				f.Source = args[0]
			}
			return c.Invalidate(cmd.Context(), f)
		},
	}
	cmd.Flags().StringVar(&flags.Source, "source", "", "source name")
	return cmd
}

func createWatchCommand(c *command) *cobra.Command {
	flags := &WatchFlags{}
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print frames pushed to subscribers",
		Long: `Connect as a subscriber and print one JSON frame per line. View
updates are pushed to every subscriber; use --topic to also receive
topic messages such as action.output.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return c.Watch(ctx, *flags)
		},
	}
	cmd.Flags().StringSliceVar(&flags.Topics, "topic", nil, "topic to subscribe to (repeatable)")
	cmd.Flags().IntVar(&flags.Count, "count", 0, "exit after this many frames")
	return cmd
}

func createActionCommand(c *command) *cobra.Command {
	flags := &ActionFlags{}
	cmd := &cobra.Command{
		Use:   "action <start|stop|restart|logs> <container>",
		Short: "Run a container action through the server",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := *flags
			f.Action, f.Container = args[0], args[1]
			return c.Action(cmd.Context(), f)
		},
	}
	cmd.Flags().DurationVar(&flags.Timeout, "timeout", 2*time.Minute, "give up waiting for the result after this long")
	return cmd
}

func createTokenCommand(c *command) *cobra.Command {
	flags := &TokenFlags{}
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign a bearer token with the configured secret",
		Long: `Sign a bearer token with [server.auth].jwt_secret from the config file.

Examples:
  fleetwatch token --config fleetwatch.toml --subject ops --role operator`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Token(*flags)
		},
	}
	cmd.Flags().StringVar(&flags.Subject, "subject", "cli", "token subject")
	cmd.Flags().StringSliceVar(&flags.Roles, "role", []string{"viewer"}, "role to grant (admin, operator, viewer)")
	cmd.Flags().DurationVar(&flags.TTL, "ttl", 0, "token lifetime (default from config)")
	return cmd
}

func createInitCommand(c *command) *cobra.Command {
	flags := &InitFlags{}
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter config file",
		Long: `Write a starter fleetwatch.toml for one of the built-in profiles.

Examples:
  fleetwatch init
  fleetwatch init --profile full --agent-url http://10.0.0.5:9100 -o /etc/fleetwatch.toml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Init(*flags)
		},
	}
	cmd.Flags().StringVar(&flags.Profile, "profile", "standard", "template profile (minimal, standard, full)")
	cmd.Flags().StringVar(&flags.AgentURL, "agent-url", "", "host agent base URL")
	cmd.Flags().StringVarP(&flags.Output, "output", "o", "fleetwatch.toml", "output file")
	cmd.Flags().BoolVar(&flags.Force, "force", false, "overwrite an existing file")
	return cmd
}
