package cmd

import (
	"errors"
	"fmt"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"os"
	"os/user"
	"path/filepath"
	"southwinds.dev/tome"
	"southwinds.dev/tome/audit"
	"southwinds.dev/tome/internal/crypto"
	"southwinds.dev/tome/persist"
	"strings"
	"time"
)

var (
	cfgFile     string
	archivePath string
	archive     tome.ArchiveService
	auditLogger audit.Logger
	cliContext  *CLIContext
	logger      zerolog.Logger
)

type CLIContext struct {
	UserID    string
	SessionID string
	Source    string // hostname
	StartTime time.Time
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "tome",
	Short: "An encrypted, local-first personal archive",
	Long: `tome keeps free-form records in groups and under tags. Record bodies are encrypted
at rest with a per record key derived from a content key that is itself wrapped under
your password, so changing the password never re-encrypts the archive.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: openArchive,
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		auditCmd(cmd, nil)
		if archive != nil {
			return archive.Close()
		}
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	cmd, err := rootCmd.ExecuteC()
	if err != nil {
		// PersistentPostRunE does not run after a failed command
		auditCmd(cmd, err)
	}
	if archive != nil {
		_ = archive.Close()
	} else if auditLogger != nil {
		_ = auditLogger.Close()
	}
	if err != nil {
		printError(formatError(err))
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.tome.yaml)")
	rootCmd.PersistentFlags().StringVarP(&archivePath, "archive-path", "p", "", "path to the archive directory")
	rootCmd.PersistentFlags().String("store-type", "", "storage backend type (bolt, filesystem)")
	rootCmd.PersistentFlags().String("log-level", "", "diagnostic log level (debug, info, warn, error)")

	bindFlagOrPanic("archive.path", "archive-path")
	bindFlagOrPanic("archive.store_type", "store-type")
	bindFlagOrPanic("log.level", "log-level")

	// Audit flags
	rootCmd.PersistentFlags().Bool("audit", false, "enable the action log")
	rootCmd.PersistentFlags().String("audit-file", "", "action log file path")

	bindFlagOrPanic("audit.enabled", "audit")
	bindFlagOrPanic("audit.options.file_path", "audit-file")

	// Key derivation, used when a new archive is initialized
	rootCmd.PersistentFlags().String("kdf", "", "key derivation for new archives (pbkdf2-sha256, argon2id)")
	rootCmd.PersistentFlags().Int("kdf-iterations", 0, "pbkdf2 iterations for new archives")

	bindFlagOrPanic("kdf.algorithm", "kdf")
	bindFlagOrPanic("kdf.iterations", "kdf-iterations")

	// Unlock throttle
	rootCmd.PersistentFlags().Float64("unlock-rate", 0, "unlock attempts per second (0 disables throttling)")
	rootCmd.PersistentFlags().Int("unlock-burst", 0, "unlock attempts allowed before the rate applies")

	bindFlagOrPanic("unlock.rate", "unlock-rate")
	bindFlagOrPanic("unlock.burst", "unlock-burst")
}

func bindFlagOrPanic(configKey, flagName string) {
	if err := viper.BindPFlag(configKey, rootCmd.PersistentFlags().Lookup(flagName)); err != nil {
		panic(fmt.Sprintf("failed to bind %s flag: %v", flagName, err))
	}
}

func initConfig() {
	setDefaults()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath(".")

		viper.SetConfigType("yaml")
		viper.SetConfigName(".tome")
	}

	viper.SetEnvPrefix("TOME")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			printWarning(fmt.Sprintf("Error reading config file: %v", err))
		}
		// defaults and environment are enough
	}
}

func setDefaults() {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	viper.SetDefault("archive.path", filepath.Join(home, ".tome"))
	viper.SetDefault("archive.store_type", string(persist.StoreTypeBolt))

	viper.SetDefault("kdf.algorithm", string(crypto.AlgorithmPBKDF2))
	viper.SetDefault("kdf.iterations", crypto.DefaultKDFParams().Iterations)

	viper.SetDefault("unlock.rate", 0.0)
	viper.SetDefault("unlock.burst", 0)
	viper.SetDefault("memory_lock", false)

	viper.SetDefault("log.level", "warn")

	viper.SetDefault("audit.enabled", false)
	viper.SetDefault("audit.type", string(audit.FileAuditType))
	viper.SetDefault("audit.options.max_size", 10)
	viper.SetDefault("audit.options.max_backups", 5)

	// resolved against the archive path in openArchive
	viper.SetDefault("audit.options.file_path", "audit.log")
}

// skipArchive reports whether cmd works without an open archive
func skipArchive(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		switch c.Name() {
		case "help", "completion", "__complete", "config", "debug-config":
			return true
		}
	}
	return false
}

func openArchive(cmd *cobra.Command, args []string) error {
	if skipArchive(cmd) {
		return nil
	}

	logger = newLogger(viper.GetString("log.level"))

	archivePath = viper.GetString("archive.path")
	if err := os.MkdirAll(archivePath, 0700); err != nil {
		return fmt.Errorf("failed to create archive directory: %w", err)
	}

	if viper.GetString("audit.options.file_path") == "audit.log" {
		viper.Set("audit.options.file_path", filepath.Join(archivePath, "audit.log"))
	}

	cliContext = &CLIContext{
		UserID:    getCurrentUser(),
		SessionID: generateSessionID(),
		Source:    getHostname(),
		StartTime: time.Now(),
	}

	var err error
	auditLogger, err = createAuditLogger()
	if err != nil {
		return fmt.Errorf("failed to create audit logger: %w", err)
	}

	store, err := createStore(viper.GetString("archive.store_type"))
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}

	options, err := archiveOptions()
	if err != nil {
		_ = store.Close()
		return err
	}

	archive, err = tome.New(options, store, auditLogger)
	if err != nil {
		_ = store.Close()
		return fmt.Errorf("failed to open archive: %w", err)
	}

	logger.Debug().Str("path", archivePath).Str("session", cliContext.SessionID).Msg("archive opened")
	return nil
}

func archiveOptions() (tome.Options, error) {
	options, err := optionsFromConfig()
	if err != nil {
		return options, err
	}
	options.UserID = cliContext.UserID
	options.Logger = &logger

	return options, options.Validate()
}

// optionsFromConfig maps the kdf, unlock and memory_lock settings onto archive options
func optionsFromConfig() (tome.Options, error) {
	options := tome.DefaultOptions()

	switch crypto.Algorithm(viper.GetString("kdf.algorithm")) {
	case crypto.AlgorithmArgon2:
		options.KDF = crypto.Argon2KDFParams()
	case crypto.AlgorithmPBKDF2:
		if n := viper.GetInt("kdf.iterations"); n > 0 {
			options.KDF.Iterations = n
		}
	default:
		return options, fmt.Errorf("unsupported kdf: %s", viper.GetString("kdf.algorithm"))
	}

	options.UnlockRate = viper.GetFloat64("unlock.rate")
	options.UnlockBurst = viper.GetInt("unlock.burst")
	if options.UnlockRate > 0 && options.UnlockBurst == 0 {
		options.UnlockBurst = 1
	}
	options.EnableMemoryLock = viper.GetBool("memory_lock")
	return options, nil
}

func createAuditLogger() (audit.Logger, error) {
	return audit.NewLogger(&audit.Config{
		Enabled: viper.GetBool("audit.enabled"),
		UserID:  cliContext.UserID,
		Type:    audit.ConfigType(viper.GetString("audit.type")),
		Options: map[string]interface{}{
			"file_path":   viper.GetString("audit.options.file_path"),
			"max_size":    viper.GetInt("audit.options.max_size"),
			"max_backups": viper.GetInt("audit.options.max_backups"),
		},
		LogLevel: viper.GetString("log.level"),
	})
}

func createStore(storeType string) (persist.Store, error) {
	switch persist.StoreType(strings.ToLower(storeType)) {
	case persist.StoreTypeBolt, "":
		return persist.NewStore(persist.StoreConfig{
			Type:   persist.StoreTypeBolt,
			Config: map[string]interface{}{"path": filepath.Join(archivePath, "archive.db")},
		})
	case persist.StoreTypeFileSystem:
		return persist.NewStore(persist.StoreConfig{
			Type:   persist.StoreTypeFileSystem,
			Config: map[string]interface{}{"base_path": archivePath},
		})
	default:
		return nil, fmt.Errorf("unsupported store type: %s. Supported types: bolt, filesystem", storeType)
	}
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.WarnLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(lvl).
		With().Timestamp().Logger()
}

// isSensitiveFlag reports flag names that must not be echoed
func isSensitiveFlag(name string) bool {
	sensitive := []string{"password", "passphrase", "secret", "key", "token"}
	lower := strings.ToLower(name)
	for _, s := range sensitive {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// getCurrentUser returns "unknown_user" if the user cannot be determined.
func getCurrentUser() string {
	currentUser, err := user.Current()
	if err != nil {
		if envUser := os.Getenv("USER"); envUser != "" {
			return envUser
		}
		return "unknown_user"
	}
	return currentUser.Username
}

func generateSessionID() string {
	return uuid.New().String()
}

func getHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown_host"
	}
	return hostname
}

var debugConfigCmd = &cobra.Command{
	Use:   "debug-config",
	Short: "Show current configuration values",
	Long:  "Display the configuration values read from files, environment variables, and defaults",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("Configuration Debug Information\n")
		fmt.Printf("==============================\n\n")

		if viper.ConfigFileUsed() != "" {
			fmt.Printf("Config file: %s\n", viper.ConfigFileUsed())
		} else {
			fmt.Printf("Config file: none found\n")
		}

		fmt.Printf("\nEnvironment Variables (TOME_* prefix):\n")
		for _, env := range os.Environ() {
			if strings.HasPrefix(env, "TOME_") {
				parts := strings.SplitN(env, "=", 2)
				if len(parts) == 2 {
					if isSensitiveFlag(parts[0]) {
						fmt.Printf("  %s=***REDACTED***\n", parts[0])
					} else {
						fmt.Printf("  %s=%s\n", parts[0], parts[1])
					}
				}
			}
		}

		fmt.Printf("\nCurrent Configuration:\n")
		fmt.Printf("  Store Type: %s\n", viper.GetString("archive.store_type"))
		fmt.Printf("  Archive Path: %s\n", viper.GetString("archive.path"))
		fmt.Printf("  KDF: %s (%d iterations)\n", viper.GetString("kdf.algorithm"), viper.GetInt("kdf.iterations"))
		fmt.Printf("  Unlock Throttle: %.3f/s, burst %d\n", viper.GetFloat64("unlock.rate"), viper.GetInt("unlock.burst"))
		fmt.Printf("  Password: %s\n", func() string {
			if os.Getenv(passwordEnv) != "" {
				return "***SET***"
			}
			return "***PROMPT***"
		}())

		fmt.Printf("\nAudit Configuration:\n")
		fmt.Printf("  Enabled: %v\n", viper.GetBool("audit.enabled"))
		fmt.Printf("  File Path: %s\n", viper.GetString("audit.options.file_path"))

		return nil
	},
}

func init() {
	rootCmd.AddCommand(debugConfigCmd)
}

func formatError(err error) string {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, tome.ErrWrongPassword):
		return "wrong password"
	case errors.Is(err, tome.ErrNotInitialized):
		return "the archive is not initialized, run 'tome init' first"
	case errors.Is(err, tome.ErrThrottled):
		return "too many unlock attempts, try again later"
	}

	var messages []string
	for err != nil {
		messages = append(messages, err.Error())
		err = errors.Unwrap(err)
	}

	message := messages[0]
	if len(message) > 0 {
		first := string(message[0])
		if first != strings.ToUpper(first) {
			message = strings.ToUpper(first) + message[1:]
		}
	}
	return message
}

func sanitizeFlags(cmd *cobra.Command) map[string]interface{} {
	flags := make(map[string]interface{})
	cmd.Flags().VisitAll(func(flag *pflag.Flag) {
		if flag.Changed {
			if isSensitiveFlag(flag.Name) {
				flags[flag.Name] = "[REDACTED]"
			} else {
				flags[flag.Name] = flag.Value.String()
			}
		}
	})
	return flags
}

// auditCmd records the command line of a session in the action log
func auditCmd(cmd *cobra.Command, err error) {
	if auditLogger == nil || cliContext == nil || cmd == nil {
		return
	}
	metadata := map[string]interface{}{
		"command":           cmd.CommandPath(),
		"flags":             sanitizeFlags(cmd),
		"session_id":        cliContext.SessionID,
		"source":            cliContext.Source,
		audit.MetaDuration:  time.Since(cliContext.StartTime),
		audit.MetaRequestID: cliContext.SessionID,
	}
	if err != nil {
		metadata[audit.MetaError] = err.Error()
	}
	logErr := auditLogger.Log("command", err == nil, metadata)
	if logErr != nil {
		logger.Error().Err(logErr).Msg("audit logging failed")
	}
}
