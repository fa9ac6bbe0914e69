package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/tdowling7/acmewire/internal/keys"
	"github.com/tdowling7/acmewire/internal/poller"
	"github.com/tdowling7/acmewire/internal/selfcheck"
	"github.com/tdowling7/acmewire/internal/transport"
	"github.com/tdowling7/acmewire/pkg/acme"
)

// version is overridden at release time via -ldflags "-X main.version=...".
var version = "dev"

var (
	cfgFile      string
	directoryURL string
	keyDir       string
	accountURL   string
	verbose      bool

	logger *zap.Logger
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "acmewire",
	Short: "ACME certificate-issuance client",
	Long: `acmewire drives automated certificate issuance against an ACME-style
certificate authority: it registers an account, triggers domain-validation
challenges and polls them to completion.

Publishing challenge responses (the DNS TXT record or the well-known HTTP
file) is up to you; acmewire prints exactly what to publish.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(home + "/.acmewire")
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
		viper.SetEnvPrefix("acmewire")
		viper.AutomaticEnv()
		_ = viper.ReadInConfig()

		viper.SetDefault("key_dir", defaultKeyDir())
		viper.SetDefault("poll_interval", "3s")

		if directoryURL == "" {
			directoryURL = viper.GetString("directory")
		}
		if keyDir == "" {
			keyDir = viper.GetString("key_dir")
		}
		if accountURL == "" {
			accountURL = viper.GetString("account")
		}

		var err error
		if verbose {
			logger, err = zap.NewDevelopment()
		} else {
			logger, err = zap.NewProduction()
		}
		if err != nil {
			return fmt.Errorf("init logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			logger.Sync() //nolint:errcheck
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.acmewire/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&directoryURL, "directory", "d", "", "directory URL of the certificate authority")
	rootCmd.PersistentFlags().StringVar(&keyDir, "key-dir", "", "directory holding the account key")
	rootCmd.PersistentFlags().StringVar(&accountURL, "account", "", "existing account URL (switches signing to key-ID mode)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	challengeCmd.AddCommand(challengeShowCmd, challengeTriggerCmd, challengePollCmd)
	rootCmd.AddCommand(registerCmd, challengeCmd, keygenCmd, thumbprintCmd, versionCmd)

	keygenCmd.Flags().StringVar(&keygenType, "type", "rsa", "account key type: rsa or ec")

	registerCmd.Flags().StringSliceVar(&registerContacts, "contact", nil, "contact URI, repeatable (e.g. mailto:admin@example.com)")
	registerCmd.Flags().BoolVar(&registerAgree, "agree-tos", false, "agree to the terms of service the server links")

	challengeTriggerCmd.Flags().StringVar(&triggerDomain, "domain", "", "domain to self-check before triggering")
	challengeTriggerCmd.Flags().BoolVar(&triggerCheck, "check", false, "probe the challenge response before triggering")

	challengePollCmd.Flags().DurationVar(&pollTimeout, "timeout", 5*time.Minute, "give up after this long")
}

// newSession builds a Session from the global flags, loading (or creating)
// the account key.
func newSession() (*acme.Session, error) {
	if directoryURL == "" {
		return nil, fmt.Errorf("no directory URL; pass --directory or set it in the config")
	}
	key, err := keys.LoadOrCreate(keyDir, keys.KeyType(viper.GetString("key_type")))
	if err != nil {
		return nil, fmt.Errorf("account key: %w", err)
	}
	conn := transport.New(transport.WithLogger(logger))

	opts := []acme.SessionOption{acme.WithLogger(logger)}
	if accountURL != "" {
		opts = append(opts, acme.WithKeyID(accountURL))
	}
	return acme.NewSession(directoryURL, key, conn, opts...)
}

func defaultKeyDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".acmewire"
	}
	return home + "/.acmewire"
}

// ── register ───────────────────────────────────────────────────────────────

var (
	registerContacts []string
	registerAgree    bool
)

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Register a new account with the certificate authority",
	RunE: func(cmd *cobra.Command, args []string) error {
		session, err := newSession()
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		builder := acme.NewRegistrationBuilder(session)
		for _, contact := range registerContacts {
			builder.AddContact(contact)
		}
		reg, err := builder.Create(ctx)
		if err != nil {
			return fmt.Errorf("create registration: %w", err)
		}

		fmt.Println("Account registered.")
		fmt.Println("  Location: ", reg.Location())
		if reg.Agreement() != "" {
			fmt.Println("  Terms:    ", reg.Agreement())
		}

		if registerAgree && reg.Agreement() != "" {
			if err := reg.AgreeToTerms(ctx, reg.Agreement()); err != nil {
				return fmt.Errorf("agree to terms: %w", err)
			}
			fmt.Println("Terms of service accepted.")
		}
		fmt.Println("\nUse --account", reg.Location(), "for subsequent commands.")
		return nil
	},
}

// ── challenge ──────────────────────────────────────────────────────────────

var challengeCmd = &cobra.Command{
	Use:   "challenge",
	Short: "Inspect, trigger and poll validation challenges",
}

var challengeShowCmd = &cobra.Command{
	Use:   "show <challenge-url>",
	Short: "Fetch a challenge and print what must be published",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		session, err := newSession()
		if err != nil {
			return err
		}
		ch, err := acme.Bind(cmd.Context(), session, args[0])
		if err != nil {
			return fmt.Errorf("bind challenge: %w", err)
		}
		printChallenge(ch)
		return nil
	},
}

var (
	triggerDomain string
	triggerCheck  bool
)

var challengeTriggerCmd = &cobra.Command{
	Use:   "trigger <challenge-url>",
	Short: "Ask the server to validate a challenge",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		session, err := newSession()
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		ch, err := acme.Bind(ctx, session, args[0])
		if err != nil {
			return fmt.Errorf("bind challenge: %w", err)
		}

		if triggerCheck {
			if triggerDomain == "" {
				return fmt.Errorf("--check requires --domain")
			}
			checker := selfcheck.New(selfcheck.WithLogger(logger))
			switch v := ch.(type) {
			case *acme.HTTP01Challenge:
				err = checker.CheckHTTP01(ctx, triggerDomain, v)
			case *acme.DNS01Challenge:
				err = checker.CheckDNS01(ctx, triggerDomain, v)
			default:
				err = fmt.Errorf("no self-check for challenge type %q", ch.Type())
			}
			if err != nil {
				return fmt.Errorf("self-check failed, not triggering: %w", err)
			}
			fmt.Println("Self-check passed.")
		}

		if err := ch.Trigger(ctx); err != nil {
			return fmt.Errorf("trigger challenge: %w", err)
		}
		fmt.Println("Challenge triggered.")
		fmt.Println("  Status:  ", ch.Status())
		fmt.Println("  Location:", ch.Location())
		return nil
	},
}

var pollTimeout time.Duration

var challengePollCmd = &cobra.Command{
	Use:   "poll <challenge-url>",
	Short: "Poll a challenge until it is valid or invalid",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		session, err := newSession()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), pollTimeout)
		defer cancel()

		ch, err := acme.Bind(ctx, session, args[0])
		if err != nil {
			return fmt.Errorf("bind challenge: %w", err)
		}

		interval := viper.GetDuration("poll_interval")
		p := poller.New(poller.WithInterval(interval), poller.WithLogger(logger))
		status, err := p.Wait(ctx, ch)
		if err != nil {
			return fmt.Errorf("poll challenge: %w", err)
		}

		fmt.Println("Challenge settled.")
		fmt.Println("  Status:", status)
		if ts, ok := ch.Validated(); ok {
			fmt.Println("  Validated:", ts.Format(time.RFC3339))
		}
		if status == acme.StatusInvalid {
			os.Exit(2)
		}
		return nil
	},
}

func printChallenge(ch acme.Challenge) {
	fmt.Println("Challenge:")
	fmt.Println("  Type:    ", ch.Type())
	fmt.Println("  Status:  ", ch.Status())
	fmt.Println("  Location:", ch.Location())

	switch v := ch.(type) {
	case *acme.HTTP01Challenge:
		auth, err := v.KeyAuthorization()
		if err == nil {
			fmt.Println("\nServe this content over HTTP:")
			fmt.Println("  Path:   ", v.WellKnownPath())
			fmt.Println("  Content:", auth)
		}
	case *acme.DNS01Challenge:
		value, err := v.RecordValue()
		if err == nil {
			fmt.Println("\nPublish this DNS TXT record (host is _acme-challenge.<domain>):")
			fmt.Println("  Value:", value)
		}
	}
}

// ── keygen / thumbprint ────────────────────────────────────────────────────

var keygenType string

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a fresh account key",
	Long: `Generates a new account key pair and stores it in the key directory.
Fails if a key already exists there; move it away first to rotate.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := filepath.Join(keyDir, "account.key")
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("account key already exists at %s", path)
		}
		key, err := keys.Generate(keys.KeyType(keygenType))
		if err != nil {
			return err
		}
		if err := keys.Save(path, key); err != nil {
			return err
		}
		thumb, err := acme.Thumbprint(key.Public())
		if err != nil {
			return err
		}
		fmt.Println("Account key written to", path)
		fmt.Println("  Thumbprint:", base64.RawURLEncoding.EncodeToString(thumb))
		return nil
	},
}

var thumbprintCmd = &cobra.Command{
	Use:   "thumbprint",
	Short: "Print the account key's JWK thumbprint",
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := keys.LoadOrCreate(keyDir, keys.KeyType(viper.GetString("key_type")))
		if err != nil {
			return fmt.Errorf("account key: %w", err)
		}
		thumb, err := acme.Thumbprint(key.Public())
		if err != nil {
			return err
		}
		fmt.Println(base64.RawURLEncoding.EncodeToString(thumb))
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the acmewire version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("acmewire", version)
	},
}
