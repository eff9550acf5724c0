package main

import (
	"fmt"
	"log"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/skyporthq/skyport/internal/api"
	cliconfig "github.com/skyporthq/skyport/internal/cli/config"
	"github.com/skyporthq/skyport/internal/client"
)

type rootOptions struct {
	apiURL      string
	token       string
	timeout     time.Duration
	configPath  string
	contextName string
	conn        *client.Connection
}

func (r *rootOptions) prepare() error {
	resolved, err := client.ResolveConnection(r.configPath, r.contextName, r.apiURL, r.token, r.timeout)
	if err != nil {
		return err
	}
	r.conn = resolved
	return nil
}

func (r *rootOptions) api() *api.Client {
	return api.New(r.conn.APIURL, r.conn.Token, r.conn.Timeout)
}

func main() {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:   "skyport",
		Short: "CLI for the Skyport app hosting platform",
	}
	defaultConfig := os.Getenv("SKYPORT_CONFIG")
	if defaultConfig == "" {
		defaultConfig = cliconfig.DefaultConfigPath()
	}
	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", defaultConfig, "path to skyport config file (default $HOME/.skyport/config)")
	rootCmd.PersistentFlags().StringVar(&opts.contextName, "context", "", "context name within the config (overrides currentContext)")
	rootCmd.PersistentFlags().StringVar(&opts.apiURL, "api-url", "", "control plane base URL (overrides config)")
	rootCmd.PersistentFlags().StringVar(&opts.token, "token", "", "API token (overrides config and SKYPORT_TOKEN)")
	rootCmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 0, "API request timeout; defaults to config or 15s")
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		// Context subcommands edit the config file directly and must work
		// even when the current context is broken.
		for c := cmd; c != nil; c = c.Parent() {
			if c.Name() == "context" {
				return nil
			}
		}
		return opts.prepare()
	}

	rootCmd.AddCommand(newAppsCmd(opts))
	rootCmd.AddCommand(newDeployCmd(opts))
	rootCmd.AddCommand(newShellCmd(opts))
	rootCmd.AddCommand(newContextCmd(opts))

	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

func newAppsCmd(root *rootOptions) *cobra.Command {
	appsCmd := &cobra.Command{
		Use:   "apps",
		Short: "App operations",
	}
	appsCmd.AddCommand(newAppsListCmd(root))
	appsCmd.AddCommand(newAppsStatusCmd(root))
	appsCmd.AddCommand(newAppsLogsCmd(root))
	return appsCmd
}

func newAppsListCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List apps",
		RunE: func(cmd *cobra.Command, _ []string) error {
			apps, err := root.api().ListApps(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tSTATUS\tUPDATED")
			for _, a := range apps {
				updated := ""
				if !a.UpdatedAt.IsZero() {
					updated = a.UpdatedAt.Format(time.RFC3339)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", a.ID, a.Name, a.Status, updated)
			}
			return tw.Flush()
		},
	}
}

func newAppsStatusCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status [app]",
		Short: "Show app status",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appID, err := resolveApp(root, args)
			if err != nil {
				return err
			}
			a, err := root.api().GetApp(cmd.Context(), appID)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintf(tw, "ID:\t%s\n", a.ID)
			fmt.Fprintf(tw, "Name:\t%s\n", a.Name)
			fmt.Fprintf(tw, "Status:\t%s\n", a.Status)
			if a.Region != "" {
				fmt.Fprintf(tw, "Region:\t%s\n", a.Region)
			}
			if !a.UpdatedAt.IsZero() {
				fmt.Fprintf(tw, "Updated:\t%s\n", a.UpdatedAt.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}
}

func newAppsLogsCmd(root *rootOptions) *cobra.Command {
	var lines int
	cmd := &cobra.Command{
		Use:   "logs [app]",
		Short: "Fetch recent app logs",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appID, err := resolveApp(root, args)
			if err != nil {
				return err
			}
			out, err := root.api().Logs(cmd.Context(), appID, lines)
			if err != nil {
				return err
			}
			fmt.Print(out)
			return nil
		},
	}
	cmd.Flags().IntVar(&lines, "lines", 100, "number of log lines to fetch")
	return cmd
}

func newContextCmd(root *rootOptions) *cobra.Command {
	contextCmd := &cobra.Command{
		Use:   "context",
		Short: "Manage config contexts",
	}
	contextCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List contexts",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := cliconfig.Load(root.configPath)
			if err != nil {
				return err
			}
			if cfg == nil || len(cfg.Contexts) == 0 {
				fmt.Println("no contexts configured")
				return nil
			}
			names := make([]string, 0, len(cfg.Contexts))
			for name := range cfg.Contexts {
				names = append(names, name)
			}
			sort.Strings(names)
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "CURRENT\tNAME\tSERVER\tAPP")
			for _, name := range names {
				marker := ""
				if name == cfg.CurrentContext {
					marker = "*"
				}
				ctx := cfg.Contexts[name]
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", marker, name, ctx.Server, ctx.App)
			}
			return tw.Flush()
		},
	})
	contextCmd.AddCommand(&cobra.Command{
		Use:   "use NAME",
		Short: "Switch the current context",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			cfg, err := cliconfig.Load(root.configPath)
			if err != nil {
				return err
			}
			if cfg == nil {
				return fmt.Errorf("no config file at %s", root.configPath)
			}
			name := args[0]
			if _, ok := cfg.Contexts[name]; !ok {
				return fmt.Errorf("%w: %s", cliconfig.ErrContextNotFound, name)
			}
			cfg.CurrentContext = name
			if err := cfg.Save(root.configPath); err != nil {
				return err
			}
			fmt.Printf("switched to context %q\n", name)
			return nil
		},
	})
	return contextCmd
}

func resolveApp(root *rootOptions, args []string) (string, error) {
	if len(args) > 0 && args[0] != "" {
		return args[0], nil
	}
	if app := root.conn.DefaultApp(); app != "" {
		return app, nil
	}
	return "", fmt.Errorf("app is required (pass it as an argument or set it on the context)")
}
