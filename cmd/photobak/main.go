package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"photobak/internal/app"
	"photobak/internal/backup"
	"photobak/internal/config"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// newApp reads the config and creates an App. The caller must defer a.Close().
// operation identifies the CLI command being run (e.g. "Run", "Retry").
func newApp(ctx context.Context, operation string) (*app.App, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, fmt.Errorf("getting defaults: %w", err)
	}

	cfg, err := config.ReadFromFile(defaults["config_path"])
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	a, err := app.NewApp(ctx, cfg, operation)
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}

	return a, nil
}

// readPassphrase prompts on stderr and reads a line from the terminal
// without echo.
func readPassphrase(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading passphrase: %w", err)
	}
	return string(b), nil
}

var rootCmd = &cobra.Command{
	Use:          "photobak",
	Short:        "Back up device photo folders",
	SilenceUsage: true,
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
		mediaRoot, _ := cmd.Flags().GetString("media-root")

		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		userID := uuid.New().String()
		cfg := config.NewConfig(userID, defaults["base_dir"])
		cfg.Media.Root = mediaRoot

		if err := config.Init(defaults["config_path"], cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults["config_path"])
		fmt.Printf("User ID:    %s\n", userID)
		fmt.Printf("Base Dir:   %s\n", defaults["base_dir"])
		fmt.Printf("Media Root: %s\n", mediaRoot)
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

		fmt.Printf("Configuration from %s:\n\n", defaults["config_path"])
		fmt.Printf("User ID:      %s\n", cfg.UserID)
		fmt.Printf("Base Dir:     %s\n", cfg.BaseDir)
		fmt.Printf("Log Dir:      %s\n", cfg.LogDir)
		fmt.Printf("Media Root:   %s\n", cfg.Media.Root)
		fmt.Printf("Vault:        %s (%s)\n", cfg.Vault.Name, cfg.Vault.Type)
		fmt.Printf("Connectivity: %s\n", cfg.Connectivity.Mode)
		fmt.Printf("Workers:      %d\n", cfg.Coordinator.Workers)
		return nil
	},
}

// keys command
var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage encryption keys",
}

var keysInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate the encryption key pair",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "KeysInit")
		if err != nil {
			return err
		}
		defer a.Close()

		pass, err := readPassphrase("Passphrase: ")
		if err != nil {
			return err
		}
		confirm, err := readPassphrase("Confirm passphrase: ")
		if err != nil {
			return err
		}
		if pass != confirm {
			return fmt.Errorf("passphrases do not match")
		}
		if pass == "" {
			return fmt.Errorf("passphrase must not be empty")
		}

		if err := a.SetupKeys(pass); err != nil {
			return fmt.Errorf("setting up keys: %w", err)
		}
		fmt.Println("Encryption keys created.")
		return nil
	},
}

var keysCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Verify the passphrase unlocks the private key",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "KeysCheck")
		if err != nil {
			return err
		}
		defer a.Close()

		pass, err := readPassphrase("Passphrase: ")
		if err != nil {
			return err
		}
		if err := a.CheckKeys(pass); err != nil {
			return fmt.Errorf("key check failed: %w", err)
		}
		fmt.Println("Keys OK.")
		return nil
	},
}

// vault command
var vaultCmd = &cobra.Command{
	Use:   "vault",
	Short: "Manage the vault",
}

var vaultCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Verify the vault is reachable",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "VaultCheck")
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.CheckVault(cmd.Context()); err != nil {
			return fmt.Errorf("vault check failed: %w", err)
		}
		fmt.Println("Vault OK.")
		return nil
	},
}

// dest command
var destCmd = &cobra.Command{
	Use:   "dest",
	Short: "Manage backup destinations",
}

var destAddCmd = &cobra.Command{
	Use:   "add FOLDER",
	Short: "Add a destination folder",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		maxAttempts, _ := cmd.Flags().GetInt("max-attempts")
		unmeteredOnly, _ := cmd.Flags().GetBool("unmetered-only")

		a, err := newApp(cmd.Context(), "AddDestination")
		if err != nil {
			return err
		}
		defer a.Close()

		settings := backup.Settings{MaxAttempts: maxAttempts, UnmeteredOnly: unmeteredOnly}
		if err := a.AddDestination(cmd.Context(), args[0], name, settings); err != nil {
			return fmt.Errorf("adding destination: %w", err)
		}
		fmt.Printf("Destination %s added.\n", args[0])
		return nil
	},
}

var destListCmd = &cobra.Command{
	Use:   "list",
	Short: "List destinations",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "ListDestinations")
		if err != nil {
			return err
		}
		defer a.Close()

		dests, err := a.Destinations(cmd.Context())
		if err != nil {
			return err
		}
		if len(dests) == 0 {
			fmt.Println("No destinations configured.")
			return nil
		}
		for _, d := range dests {
			fmt.Printf("%-20s  %-20s  max_attempts=%d  unmetered_only=%v\n",
				d.FolderID, d.Name, d.MaxAttempts, d.UnmeteredOnly)
		}
		return nil
	},
}

var destSettingsCmd = &cobra.Command{
	Use:   "settings FOLDER",
	Short: "Change the backup settings of a destination",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		maxAttempts, _ := flags.GetInt("max-attempts")
		unmeteredOnly, _ := flags.GetBool("unmetered-only")

		a, err := newApp(cmd.Context(), "UpdateSettings")
		if err != nil {
			return err
		}
		defer a.Close()

		settings, err := a.UpdateSettings(cmd.Context(), args[0], func(s *backup.Settings) {
			if flags.Changed("max-attempts") {
				s.MaxAttempts = maxAttempts
			}
			if flags.Changed("unmetered-only") {
				s.UnmeteredOnly = unmeteredOnly
			}
		})
		if err != nil {
			return fmt.Errorf("updating settings: %w", err)
		}
		fmt.Printf("max_attempts=%d  unmetered_only=%v\n", settings.MaxAttempts, settings.UnmeteredOnly)
		return nil
	},
}

// bucket command
var bucketCmd = &cobra.Command{
	Use:   "bucket",
	Short: "Manage watched buckets",
}

var bucketAddCmd = &cobra.Command{
	Use:   "add FOLDER [BUCKET...]",
	Short: "Watch buckets under the media root",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")
		if !all && len(args) < 2 {
			return fmt.Errorf("name at least one bucket or pass --all")
		}

		a, err := newApp(cmd.Context(), "AddBucket")
		if err != nil {
			return err
		}
		defer a.Close()

		folder := args[0]
		ids := args[1:]
		if all {
			if ids, err = a.AddAllBuckets(cmd.Context(), folder); err != nil {
				return err
			}
		} else {
			for _, id := range ids {
				if err := a.AddBucket(cmd.Context(), folder, id); err != nil {
					return fmt.Errorf("adding bucket %s: %w", id, err)
				}
			}
		}
		fmt.Printf("Watching %d bucket(s): %s\n", len(ids), strings.Join(ids, ", "))
		return nil
	},
}

var bucketListCmd = &cobra.Command{
	Use:   "list FOLDER",
	Short: "List watched buckets",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "ListBuckets")
		if err != nil {
			return err
		}
		defer a.Close()

		buckets, err := a.Buckets(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if len(buckets) == 0 {
			fmt.Println("No buckets watched.")
			return nil
		}
		for _, b := range buckets {
			fmt.Printf("%-20s  last update: %s\n", b.BucketID, formatTime(b.LastUpdateTime))
		}
		return nil
	},
}

var bucketRemoveCmd = &cobra.Command{
	Use:   "remove BUCKET",
	Short: "Stop watching a bucket in every destination",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "RemoveBucket")
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.RemoveBucket(cmd.Context(), args[0]); err != nil {
			return fmt.Errorf("removing bucket: %w", err)
		}
		fmt.Printf("Bucket %s removed.\n", args[0])
		return nil
	},
}

// run command
var runCmd = &cobra.Command{
	Use:   "run [FOLDER]",
	Short: "Reconcile buckets and upload pending files",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "Run")
		if err != nil {
			return err
		}
		defer a.Close()

		folder := ""
		if len(args) > 0 {
			folder = args[0]
		}

		results, err := a.Run(cmd.Context(), folder)
		for _, r := range results {
			for _, c := range r.Summary.Cycles {
				if c == nil {
					continue
				}
				line := fmt.Sprintf("%s/%s: %d new, %d duplicate, %d uploaded, %d retrying, %d failed",
					r.FolderID, c.BucketID, c.Discovered, c.Duplicated, c.Uploaded, c.Retrying, c.Failed)
				if c.Err != nil {
					line += "  (" + c.Err.Error() + ")"
				}
				fmt.Println(line)
			}
		}
		if errors.Is(err, context.Canceled) {
			fmt.Println("Interrupted; in-flight uploads were returned to the queue.")
			return nil
		}
		return err
	},
}

// status command
var statusCmd = &cobra.Command{
	Use:   "status FOLDER",
	Short: "View backup progress",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		watch, _ := cmd.Flags().GetString("watch")
		interval, _ := cmd.Flags().GetDuration("interval")

		a, err := newApp(cmd.Context(), "Status")
		if err != nil {
			return err
		}
		defer a.Close()

		if watch != "" {
			for st := range a.Watch(cmd.Context(), args[0], watch, interval) {
				printStatus(st)
			}
			return nil
		}

		statuses, err := a.Status(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if len(statuses) == 0 {
			fmt.Println("No buckets watched.")
			return nil
		}
		for _, st := range statuses {
			printStatus(st)
		}
		if len(statuses) > 1 {
			fmt.Println()
			printStatus(backup.MergeStatus(statuses))
		}
		return nil
	},
}

func printStatus(st *backup.Status) {
	name := st.Key.BucketID
	if name == "" {
		name = "total"
	}
	line := fmt.Sprintf("%-20s  %-12s  pending=%d uploading=%d uploaded=%d duplicated=%d failed=%d",
		name, st.Label(), st.Pending, st.Uploading, st.Uploaded, st.Duplicated, st.Failed)
	if len(st.BlockingErrors) > 0 {
		types := make([]string, len(st.BlockingErrors))
		for i, t := range st.BlockingErrors {
			types[i] = string(t)
		}
		line += "  blocked by: " + strings.Join(types, ", ")
	}
	fmt.Println(line)
}

// errors command
var errorsCmd = &cobra.Command{
	Use:   "errors FOLDER",
	Short: "View recorded backup errors",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := newApp(cmd.Context(), "Errors")
		if err != nil {
			return err
		}
		defer a.Close()

		recs, err := a.Errors(cmd.Context(), args[0], limit)
		if err != nil {
			return err
		}
		if len(recs) == 0 {
			fmt.Println("No errors recorded.")
			return nil
		}
		for _, r := range recs {
			retry := "permanent"
			if r.Retryable {
				retry = "retryable"
			}
			fmt.Printf("%s  %-15s  %-18s  %-9s  %s\n",
				r.CreatedAt.Local().Format("2006-01-02 15:04:05"), r.BucketID, r.Type, retry, r.Message)
		}
		return nil
	},
}

// retry command
var retryCmd = &cobra.Command{
	Use:   "retry FOLDER",
	Short: "Clear errors and requeue failed files",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		errType, _ := cmd.Flags().GetString("type")

		a, err := newApp(cmd.Context(), "Retry")
		if err != nil {
			return err
		}
		defer a.Close()

		n, err := a.Retry(cmd.Context(), args[0], errType)
		if err != nil {
			return fmt.Errorf("retry failed: %w", err)
		}
		if errType == "" {
			fmt.Printf("Requeued %d file(s) and cleared all errors.\n", n)
		} else {
			fmt.Printf("Cleared %d %s error(s).\n", n, errType)
		}
		return nil
	},
}

// prioritize command
var prioritizeCmd = &cobra.Command{
	Use:   "prioritize FOLDER BUCKET PATH...",
	Short: "Upload the given files first",
	Args:  cobra.MinimumNArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "Prioritize")
		if err != nil {
			return err
		}
		defer a.Close()

		n, err := a.Prioritize(cmd.Context(), args[0], args[1], args[2:])
		if err != nil {
			return fmt.Errorf("prioritizing: %w", err)
		}
		fmt.Printf("Prioritized %d file(s)\n", n)
		return nil
	},
}

// rescan command
var rescanCmd = &cobra.Command{
	Use:   "rescan",
	Short: "List every file again on the next run",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "Rescan")
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.Rescan(cmd.Context()); err != nil {
			return fmt.Errorf("rescan failed: %w", err)
		}
		fmt.Println("All buckets will be listed in full on the next run.")
		return nil
	},
}

// duplicates command
var duplicatesCmd = &cobra.Command{
	Use:   "duplicates FOLDER BUCKET",
	Short: "View content known to be at the destination",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")

		a, err := newApp(cmd.Context(), "Duplicates")
		if err != nil {
			return err
		}
		defer a.Close()

		recs, err := a.Duplicates(cmd.Context(), args[0], args[1], limit, offset)
		if err != nil {
			return err
		}
		if len(recs) == 0 {
			fmt.Println("No duplicates recorded.")
			return nil
		}
		for _, r := range recs {
			fmt.Printf("%s  %-8s  %s\n", r.Hash[:min(12, len(r.Hash))], r.State, r.CreatedAt.Local().Format("2006-01-02 15:04:05"))
		}
		return nil
	},
}

// restore command
var restoreCmd = &cobra.Command{
	Use:   "restore FOLDER BUCKET PATH",
	Short: "Restore a backed-up file next to the original",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "Restore")
		if err != nil {
			return err
		}
		defer a.Close()

		pass, err := readPassphrase("Passphrase: ")
		if err != nil {
			return err
		}

		out, err := a.Restore(cmd.Context(), args[0], args[1], args[2], pass)
		if err != nil {
			return fmt.Errorf("restore failed: %w", err)
		}
		fmt.Printf("Restored to %s\n", out)
		return nil
	},
}

// history command
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "View operation history",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := newApp(cmd.Context(), "History")
		if err != nil {
			return err
		}
		defer a.Close()

		cycles, err := a.History(cmd.Context(), limit)
		if err != nil {
			return err
		}

		if len(cycles) == 0 {
			fmt.Println("No operations recorded.")
			return nil
		}

		for _, c := range cycles {
			duration := ""
			if c.FinishedAt != nil {
				duration = c.FinishedAt.Sub(c.StartedAt).Truncate(time.Millisecond).String()
			}
			fmt.Printf("#%d  %-15s  %s  %-8s  %-10s  %s\n",
				c.ID,
				c.Operation,
				c.StartedAt.Local().Format("2006-01-02 15:04:05"),
				c.Status,
				duration,
				c.Summary,
			)
		}
		return nil
	},
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func init() {
	// config subcommands
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)
	configInitCmd.Flags().String("media-root", "", "Directory whose subdirectories are buckets")
	configInitCmd.MarkFlagRequired("media-root")

	// keys subcommands
	keysCmd.AddCommand(keysInitCmd)
	keysCmd.AddCommand(keysCheckCmd)

	vaultCmd.AddCommand(vaultCheckCmd)

	// dest subcommands
	destCmd.AddCommand(destAddCmd)
	destCmd.AddCommand(destListCmd)
	destCmd.AddCommand(destSettingsCmd)
	for _, c := range []*cobra.Command{destAddCmd, destSettingsCmd} {
		c.Flags().Int("max-attempts", backup.DefaultSettings().MaxAttempts, "Upload attempts before a file is marked failed")
		c.Flags().Bool("unmetered-only", false, "Only upload on unmetered networks")
	}
	destAddCmd.Flags().String("name", "", "Display name (default: the folder id)")

	// bucket subcommands
	bucketCmd.AddCommand(bucketAddCmd)
	bucketCmd.AddCommand(bucketListCmd)
	bucketCmd.AddCommand(bucketRemoveCmd)
	bucketAddCmd.Flags().Bool("all", false, "Watch every directory under the media root")

	// root commands
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(keysCmd)
	rootCmd.AddCommand(vaultCmd)
	rootCmd.AddCommand(destCmd)
	rootCmd.AddCommand(bucketCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().String("watch", "", "Stream the status of one bucket until interrupted")
	statusCmd.Flags().Duration("interval", 2*time.Second, "Polling interval for --watch")
	rootCmd.AddCommand(errorsCmd)
	errorsCmd.Flags().IntP("limit", "n", 50, "Maximum number of errors to show per bucket")
	rootCmd.AddCommand(retryCmd)
	retryCmd.Flags().String("type", "", "Only clear errors of this type ("+errorTypeNames()+")")
	rootCmd.AddCommand(prioritizeCmd)
	rootCmd.AddCommand(rescanCmd)
	rootCmd.AddCommand(duplicatesCmd)
	duplicatesCmd.Flags().IntP("limit", "n", 50, "Maximum number of records to show")
	duplicatesCmd.Flags().Int("offset", 0, "Records to skip")
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntP("limit", "n", 50, "Maximum number of operations to show")
}

func errorTypeNames() string {
	names := make([]string, len(backup.ErrorTypes))
	for i, t := range backup.ErrorTypes {
		names[i] = string(t)
	}
	return strings.Join(names, ", ")
}
