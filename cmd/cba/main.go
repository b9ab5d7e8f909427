package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"cba-go/internal/app"
	"cba-go/internal/cba"
	"cba-go/internal/config"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(reportError(os.Stderr, err))
	}
}

// reportError prints err and returns the exit status. Commands rejected
// because of operator input exit with 2, everything else with 1.
func reportError(w io.Writer, err error) int {
	if cba.IsOperatorError(err) {
		fmt.Fprintf(w, "cba: rejected: %v\n", err)
		return 2
	}
	fmt.Fprintf(w, "cba: error: %v\n", err)
	return 1
}

// newApp reads the config and creates an App. The caller must defer app.Close().
func newApp() (*app.App, *config.Config, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, nil, fmt.Errorf("getting defaults: %w", err)
	}

	cfg, err := config.ReadFromFile(defaults["config_path"])
	if err != nil {
		return nil, nil, fmt.Errorf("reading config: %w", err)
	}

	a, err := app.NewApp(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("initializing app: %w", err)
	}

	return a, cfg, nil
}

var rootCmd = &cobra.Command{
	Use:          "cba",
	Short:         "Cloud backup agent",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		// The protection key encrypts stored credentials.
		key := uuid.New().String()
		cfg := config.NewConfig(defaults["base_dir"], key)

		if err := config.Init(defaults["config_path"], cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults["config_path"])
		fmt.Printf("Base Dir: %s\n", cfg.BaseDir)
		fmt.Printf("Index:    %s\n", cfg.IndexPath)
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg, err := config.ReadFromFile(defaults["config_path"])
		if err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}

		e := cfg.Engine
		fmt.Printf("Configuration from %s:\n\n", defaults["config_path"])
		fmt.Printf("Base Dir:        %s\n", cfg.BaseDir)
		fmt.Printf("Index:           %s\n", cfg.IndexPath)
		fmt.Printf("Log Dir:         %s\n", cfg.LogDir)
		fmt.Printf("Secrets:         %s\n", cfg.SecretsPath)
		fmt.Printf("Metrics:         %s\n", valueOr(cfg.MetricsAddr, "disabled"))
		fmt.Printf("Scan interval:   %s\n", e.ScanInterval)
		fmt.Printf("Idle interval:   %s\n", e.IdleInterval)
		fmt.Printf("Block size:      %s\n", humanize.IBytes(uint64(e.BlockSize)))
		fmt.Printf("Block attempts:  %d\n", e.BlockAttempts)
		fmt.Printf("Call timeout:    %s\n", e.CallTimeout)
		fmt.Printf("Failure backoff: %s\n", e.FailureBackoff)
		if len(cfg.Filesystem.Ignore) > 0 {
			fmt.Printf("Ignore:          %s\n", strings.Join(cfg.Filesystem.Ignore, ", "))
		}
		return nil
	},
}

// source command
var sourceCmd = &cobra.Command{
	Use:   "source",
	Short: "Manage source locations",
}

var sourceAddCmd = &cobra.Command{
	Use:   "add PATH",
	Short: "Add a folder or network share to back up",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		filter, _ := cmd.Flags().GetString("filter")
		priorityName, _ := cmd.Flags().GetString("priority")
		revisions, _ := cmd.Flags().GetInt("revisions")
		credential, _ := cmd.Flags().GetString("credential")

		priority, err := cba.ParsePriority(priorityName)
		if err != nil {
			return err
		}

		a, _, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		loc, err := a.Service().AddSource(cmd.Context(), cba.AddSourceParams{
			Path:       args[0],
			Filter:     filter,
			Priority:   priority,
			Revisions:  revisions,
			Credential: credential,
		})
		if err != nil {
			return err
		}

		fmt.Printf("Added source #%d: %s (%s, %s priority)\n", loc.ID, loc.Path, loc.Filter, loc.Priority)
		return nil
	},
}

var sourceRemoveCmd = &cobra.Command{
	Use:   "remove ID",
	Short: "Remove a source location",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("%w: invalid source id %q", cba.ErrValidation, args[0])
		}

		a, _, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.Service().RemoveSource(cmd.Context(), id); err != nil {
			return err
		}
		fmt.Printf("Removed source #%d\n", id)
		return nil
	},
}

var sourceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List source locations",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, _, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		sources, err := a.Service().ListSources(cmd.Context())
		if err != nil {
			return err
		}
		if len(sources) == 0 {
			fmt.Println("No sources configured.")
			return nil
		}

		for _, s := range sources {
			fmt.Printf("#%-4d %-6s  %-10s  rev:%-3d  %s%s\n",
				s.ID, s.Priority, s.Filter, s.Revisions, s.Path, credentialSuffix(s.CredentialName))
		}
		return nil
	},
}

// provider command
var providerCmd = &cobra.Command{
	Use:   "provider",
	Short: "Manage cloud providers",
}

var providerAddCmd = &cobra.Command{
	Use:   "add NAME TYPE",
	Short: "Register a provider (memory, filesystem, s3, azure)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		attrs, _ := cmd.Flags().GetStringToString("attr")
		credential, _ := cmd.Flags().GetString("credential")

		a, _, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		err = a.Service().AddProvider(cmd.Context(), cba.AddProviderParams{
			Name:       args[0],
			Type:       args[1],
			Attributes: attrs,
			Credential: credential,
		})
		if err != nil {
			return err
		}
		fmt.Printf("Added provider %s (%s)\n", args[0], args[1])
		return nil
	},
}

var providerRemoveCmd = &cobra.Command{
	Use:   "remove NAME",
	Short: "Remove a provider",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, _, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.Service().RemoveProvider(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Removed provider %s\n", args[0])
		return nil
	},
}

var providerListCmd = &cobra.Command{
	Use:   "list",
	Short: "List providers",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, _, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		providers, err := a.Service().ListProviders(cmd.Context())
		if err != nil {
			return err
		}
		if len(providers) == 0 {
			fmt.Println("No providers configured.")
			return nil
		}

		for _, p := range providers {
			keys := make([]string, 0, len(p.Attributes))
			for k := range p.Attributes {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			var attrs []string
			for _, k := range keys {
				attrs = append(attrs, k+"="+p.Attributes[k])
			}
			fmt.Printf("%-12s  %-10s  %s%s\n", p.Name, p.Type, strings.Join(attrs, " "), credentialSuffix(p.CredentialName))
		}
		return nil
	},
}

// credential command
var credentialCmd = &cobra.Command{
	Use:   "credential",
	Short: "Manage stored credentials",
}

var credentialAddCmd = &cobra.Command{
	Use:   "add NAME",
	Short: "Store a username and password",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		username, _ := cmd.Flags().GetString("username")

		password, err := readPassword()
		if err != nil {
			return err
		}

		a, _, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.Service().AddCredential(cmd.Context(), args[0], username, password); err != nil {
			return err
		}
		fmt.Printf("Stored credential %s\n", args[0])
		return nil
	},
}

var credentialRemoveCmd = &cobra.Command{
	Use:   "remove NAME",
	Short: "Remove a stored credential",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, _, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.Service().RemoveCredential(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Removed credential %s\n", args[0])
		return nil
	},
}

var credentialListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored credentials",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, _, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		creds, err := a.Service().ListCredentials(cmd.Context())
		if err != nil {
			return err
		}
		if len(creds) == 0 {
			fmt.Println("No credentials stored.")
			return nil
		}
		for _, c := range creds {
			fmt.Printf("%-16s  added %s\n", c.Name, humanize.Time(c.CreatedAt))
		}
		return nil
	},
}

// status command
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show backup progress",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, _, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		status, err := a.Service().GetStatus(cmd.Context())
		if err != nil {
			return err
		}

		p := status.Progress
		fmt.Printf("Sources:     %d\n", status.Sources)
		fmt.Printf("Providers:   %d\n", status.Providers)
		fmt.Printf("Last scan:   %s\n", lastScan(status.LastScan))
		fmt.Printf("Files:       %s tracked, %s synced, %s in progress, %s waiting\n",
			humanize.Comma(p.Total), humanize.Comma(p.Synced), humanize.Comma(p.InProgress), humanize.Comma(p.Unsynced))
		fmt.Printf("Data:        %s of %s (%.1f%%)\n",
			humanize.Bytes(uint64(p.SyncedBytes)), humanize.Bytes(uint64(p.TotalBytes)), p.Percent())
		if p.Removed > 0 || p.Superseded > 0 {
			fmt.Printf("History:     %s removed, %s superseded\n", humanize.Comma(p.Removed), humanize.Comma(p.Superseded))
		}
		return nil
	},
}

// run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the scan and backup loops until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, cfg, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if cfg.MetricsAddr != "" {
			mux := http.NewServeMux()
			mux.Handle("/metrics", a.MetricsHandler())
			srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					a.Logger().Error("metrics server failed", "addr", cfg.MetricsAddr, "error", err)
				}
			}()
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			a.Logger().Info("serving metrics", "addr", cfg.MetricsAddr)
		}

		return a.Run(ctx)
	},
}

func readPassword() (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(os.Stderr, "Password: ")
		pw, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("reading password: %w", err)
		}
		return string(pw), nil
	}

	// Not a terminal: the password is piped in on one line.
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("reading password from stdin: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func lastScan(value string) string {
	if value == "" {
		return "never"
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return value
	}
	return humanize.Time(t)
}

func credentialSuffix(name string) string {
	if name == "" {
		return ""
	}
	return "  [credential: " + name + "]"
}

func valueOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func init() {
	// config subcommands
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)

	// source subcommands
	sourceCmd.AddCommand(sourceAddCmd)
	sourceCmd.AddCommand(sourceRemoveCmd)
	sourceCmd.AddCommand(sourceListCmd)
	sourceAddCmd.Flags().StringP("filter", "f", "*", "Glob matched against file names")
	sourceAddCmd.Flags().StringP("priority", "p", "medium", "Backup priority: low, medium or high")
	sourceAddCmd.Flags().IntP("revisions", "r", 1, "Number of versions kept remotely")
	sourceAddCmd.Flags().String("credential", "", "Stored credential for a network share")

	// provider subcommands
	providerCmd.AddCommand(providerAddCmd)
	providerCmd.AddCommand(providerRemoveCmd)
	providerCmd.AddCommand(providerListCmd)
	providerAddCmd.Flags().StringToStringP("attr", "a", nil, "Provider attribute as key=value (repeatable)")
	providerAddCmd.Flags().String("credential", "", "Stored credential used to authenticate")

	// credential subcommands
	credentialCmd.AddCommand(credentialAddCmd)
	credentialCmd.AddCommand(credentialRemoveCmd)
	credentialCmd.AddCommand(credentialListCmd)
	credentialAddCmd.Flags().StringP("username", "u", "", "Username or account name")
	credentialAddCmd.MarkFlagRequired("username")

	// root commands
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(sourceCmd)
	rootCmd.AddCommand(providerCmd)
	rootCmd.AddCommand(credentialCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(runCmd)
}
