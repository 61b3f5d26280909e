package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"labport/internal/app"
	"labport/internal/config"
	"labport/internal/encryption"
	"labport/internal/transfer"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"
)

func main() {
	// A .env next to the invocation may carry LABPORT_* settings; it is optional.
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newApp reads the config and creates a LabportApp. The caller must defer app.Close().
// operation identifies the CLI command being run (e.g. "Import", "Revert").
func newApp(cmd *cobra.Command, operation string) (*app.LabportApp, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	passphrase, err := passphraseFor(cmd)
	if err != nil {
		return nil, err
	}

	a, err := app.NewLabportApp(cmd.Context(), cfg, app.Options{Operation: operation, Passphrase: passphrase})
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}

	return a, nil
}

func loadConfig() (*config.Config, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, fmt.Errorf("getting defaults: %w", err)
	}
	return defaults.LoadConfig()
}

// passphraseFor returns the passphrase from LABPORT_PASSPHRASE, or prompts for it when
// --ask-passphrase is set.
func passphraseFor(cmd *cobra.Command) (string, error) {
	if p := os.Getenv("LABPORT_PASSPHRASE"); p != "" {
		return p, nil
	}
	ask, _ := cmd.Flags().GetBool("ask-passphrase")
	if !ask {
		return "", nil
	}
	return readPassphrase("Passphrase: ")
}

func readPassphrase(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("cannot prompt for a passphrase: stdin is not a terminal")
	}
	fmt.Fprint(os.Stderr, prompt)
	p, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading passphrase: %w", err)
	}
	return string(p), nil
}

// render writes v as YAML or JSON.
func render(w io.Writer, format string, v any) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml", "":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(v)
	default:
		return fmt.Errorf("unknown output format %q (want yaml or json)", format)
	}
}

func importParams(cmd *cobra.Command, archivePath string) app.ImportParams {
	account, _ := cmd.Flags().GetString("account")
	exclude, _ := cmd.Flags().GetStringSlice("exclude")
	nominate, _ := cmd.Flags().GetStringSlice("nominate")
	bulk, _ := cmd.Flags().GetBool("bulk")
	return app.ImportParams{
		Account:      account,
		ArchivePath:  archivePath,
		Exclude:      exclude,
		Nominations:  nominate,
		BulkTransfer: bulk,
	}
}

var rootCmd = &cobra.Command{
	Use:   "labport",
	Short: "Import and revert lab data exports",
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

		cfg := config.NewConfig(defaults.BaseDir)
		if dsn, _ := cmd.Flags().GetString("postgres"); dsn != "" {
			cfg.Database = config.DatabaseConfig{Type: "postgres", DSN: dsn}
		}
		if bucket, _ := cmd.Flags().GetString("s3-bucket"); bucket != "" {
			cfg.Media = config.MediaConfig{Type: "s3", S3Bucket: bucket}
		}

		if err := config.Init(defaults.ConfigPath, cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults.ConfigPath)
		fmt.Printf("Base Dir: %s\n", defaults.BaseDir)
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

		cfg, err := defaults.LoadConfig()
		if err != nil {
			return err
		}

		fmt.Printf("Configuration from %s:\n\n", defaults.ConfigPath)
		fmt.Printf("Base Dir: %s\n", cfg.BaseDir)
		fmt.Printf("Log Dir:  %s\n", cfg.LogDir)
		fmt.Printf("Database: %s\n", cfg.Database.Type)
		fmt.Printf("Media:    %s\n", cfg.Media.Type)
		fmt.Printf("Identity: %s\n", cfg.Archive.IdentityPath)
		fmt.Printf("Marker:   %q\n", cfg.Import.Marker)
		return nil
	},
}

// keys command
var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage the archive decryption identity",
}

var keysInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate a passphrase-protected identity",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		pass, err := readPassphrase("New passphrase: ")
		if err != nil {
			return err
		}
		confirm, err := readPassphrase("Repeat passphrase: ")
		if err != nil {
			return err
		}
		if pass != confirm {
			return errors.New("passphrases do not match")
		}

		recipient, err := encryption.NewKeyPair(cfg.Archive.IdentityPath).Setup(pass)
		if err != nil {
			return fmt.Errorf("creating identity: %w", err)
		}
		fmt.Printf("Identity written to %s\n", cfg.Archive.IdentityPath)
		fmt.Printf("Recipient: %s\n", recipient)
		return nil
	},
}

var keysShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the recipient of the configured identity",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		recipient, err := encryption.NewKeyPair(cfg.Archive.IdentityPath).Recipient()
		if err != nil {
			return err
		}
		fmt.Println(recipient)
		return nil
	},
}

// encrypt command
var encryptCmd = &cobra.Command{
	Use:   "encrypt ARCHIVE",
	Short: "Encrypt an export archive for transport",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		recipients, _ := cmd.Flags().GetStringSlice("recipient")
		out, _ := cmd.Flags().GetString("output")
		if out == "" {
			out = args[0] + ".age"
		}

		in, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("opening archive: %w", err)
		}
		defer in.Close()

		f, err := os.OpenFile(out, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
		if err != nil {
			return fmt.Errorf("creating %s: %w", out, err)
		}

		if len(recipients) > 0 {
			err = encryption.Encrypt(in, f, recipients...)
		} else {
			var pass string
			pass, err = readPassphrase("Archive passphrase: ")
			if err == nil {
				err = encryption.EncryptWithPassphrase(in, f, pass)
			}
		}
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			os.Remove(out)
			return fmt.Errorf("encrypting: %w", err)
		}

		fmt.Printf("Encrypted archive written to %s\n", out)
		return nil
	},
}

// account command
var accountCmd = &cobra.Command{
	Use:   "account",
	Short: "Manage destination accounts",
}

var accountAddCmd = &cobra.Command{
	Use:   "add USERNAME",
	Short: "Create a destination account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		staff, _ := cmd.Flags().GetBool("staff")

		a, err := newApp(cmd, "AddAccount")
		if err != nil {
			return err
		}
		defer a.Close()

		id, err := a.AddAccount(cmd.Context(), args[0], staff)
		if err != nil {
			return fmt.Errorf("adding account: %w", err)
		}

		fmt.Printf("Account %s created (id %d)\n", args[0], id)
		return nil
	},
}

// analyze command
var analyzeCmd = &cobra.Command{
	Use:   "analyze ARCHIVE",
	Short: "Preview an import without changing anything",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")

		a, err := newApp(cmd, "Analyze")
		if err != nil {
			return err
		}
		defer a.Close()

		report, err := a.Analyze(cmd.Context(), importParams(cmd, args[0]))
		if err != nil {
			return fmt.Errorf("analysis failed: %w", err)
		}
		return render(os.Stdout, format, report)
	},
}

// import command
var importCmd = &cobra.Command{
	Use:   "import ARCHIVE",
	Short: "Import an export archive",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")

		a, err := newApp(cmd, "Import")
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.Import(cmd.Context(), importParams(cmd, args[0]))
		if res != nil {
			if rerr := render(os.Stdout, format, res); rerr != nil {
				return rerr
			}
		}
		if err != nil {
			return fmt.Errorf("import failed: %w", err)
		}
		return nil
	},
}

// revert command
var revertCmd = &cobra.Command{
	Use:   "revert SESSION",
	Short: "Undo an import session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		account, _ := cmd.Flags().GetString("account")
		format, _ := cmd.Flags().GetString("format")

		a, err := newApp(cmd, "Revert")
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.Revert(cmd.Context(), args[0], account)
		if err != nil {
			if reason := transfer.RevertForbiddenReason(err); reason != "" {
				return fmt.Errorf("session %s cannot be reverted: %s", args[0], reason)
			}
			return fmt.Errorf("revert failed: %w", err)
		}
		return render(os.Stdout, format, res)
	},
}

// sessions command
var sessionsCmd = &cobra.Command{
	Use:   "sessions [SESSION]",
	Short: "List import sessions, or show one",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		account, _ := cmd.Flags().GetString("account")
		all, _ := cmd.Flags().GetBool("all")
		format, _ := cmd.Flags().GetString("format")

		a, err := newApp(cmd, "Sessions")
		if err != nil {
			return err
		}
		defer a.Close()

		if len(args) == 1 {
			s, err := a.Session(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return render(os.Stdout, format, s)
		}

		sessions, err := a.Sessions(cmd.Context(), account, all)
		if err != nil {
			return err
		}
		if format != "table" {
			return render(os.Stdout, format, sessions)
		}

		if len(sessions) == 0 {
			fmt.Println("No import sessions recorded.")
			return nil
		}
		for _, s := range sessions {
			duration := ""
			if s.FinishedAt != nil {
				duration = s.FinishedAt.Sub(s.StartedAt).Truncate(time.Millisecond).String()
			}
			revert := "yes"
			if !s.CanRevert {
				revert = "no"
				if s.RevertReason != "" {
					revert = "no (" + s.RevertReason + ")"
				}
			}
			fmt.Printf("%s  %s  %-11s  %-13s  %7.2f MB  %4d created  %s  revert: %s\n",
				s.ID,
				s.StartedAt.Format("2006-01-02 15:04:05"),
				s.Status,
				s.Policy,
				s.SizeMB,
				s.EntitiesCreated,
				duration,
				revert,
			)
		}
		return nil
	},
}

// status command
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check the destination database and configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "Status")
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.CheckSchema(); err != nil {
			return err
		}
		fmt.Println("Destination schema is up to date.")
		return nil
	},
}

func addImportFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("account", "a", "", "Destination account receiving the data")
	cmd.MarkFlagRequired("account")
	cmd.Flags().StringSliceP("exclude", "x", nil, "Entity kinds to leave out (e.g. annotation,instrument)")
	cmd.Flags().StringSliceP("nominate", "n", nil, "Storage placement as ARCHIVE_ID=DEST_ID")
	cmd.Flags().Bool("bulk", false, "Recreate everything verbatim instead of user-centric merging")
	cmd.Flags().StringP("format", "f", "yaml", "Output format: yaml or json")
}

func init() {
	rootCmd.PersistentFlags().Bool("ask-passphrase", false, "Prompt for the identity or archive passphrase")

	// config subcommands
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)
	configInitCmd.Flags().String("postgres", "", "Use a PostgreSQL destination with this DSN")
	configInitCmd.Flags().String("s3-bucket", "", "Store media in this S3 bucket")

	// keys subcommands
	keysCmd.AddCommand(keysInitCmd)
	keysCmd.AddCommand(keysShowCmd)

	// account subcommands
	accountCmd.AddCommand(accountAddCmd)
	accountAddCmd.Flags().Bool("staff", false, "Allow the account to revert any session")

	addImportFlags(analyzeCmd)
	addImportFlags(importCmd)

	revertCmd.Flags().StringP("account", "a", "", "Account performing the revert")
	revertCmd.MarkFlagRequired("account")
	revertCmd.Flags().StringP("format", "f", "yaml", "Output format: yaml or json")

	sessionsCmd.Flags().StringP("account", "a", "", "Account whose sessions are listed")
	sessionsCmd.Flags().Bool("all", false, "Include reverted sessions")
	sessionsCmd.Flags().StringP("format", "f", "table", "Output format: table, yaml or json")

	encryptCmd.Flags().StringSliceP("recipient", "r", nil, "age recipient; a passphrase is asked for when none is given")
	encryptCmd.Flags().StringP("output", "o", "", "Output path (default ARCHIVE.age)")

	// root commands
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(keysCmd)
	rootCmd.AddCommand(encryptCmd)
	rootCmd.AddCommand(accountCmd)
	rootCmd.AddCommand(analyzeCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(revertCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(statusCmd)
}
