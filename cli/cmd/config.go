package cmd

import (
	"fmt"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
	"os"
	"path/filepath"
	"southwinds.dev/tome"
	"southwinds.dev/tome/internal/crypto"
	"southwinds.dev/tome/persist"
	"strconv"
	"strings"
)

// configCmd represents the config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage tome settings",
	Long: `Manage the settings tome reads from ~/.tome.yaml, TOME_* environment variables and flags.
Only the settings listed by 'tome config show' are accepted.`,
}

var configShowCmd = &cobra.Command{
	Use:     "show",
	Aliases: []string{"view"},
	Short:   "Show the effective settings",
	Args:    cobra.NoArgs,
	RunE:    runConfigShow,
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print one setting",
	Args:  cobra.ExactArgs(1),
	RunE:  runConfigGet,
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Change a setting in the config file",
	Long: `Change a setting in the config file. The value is checked against the setting's type
and range, and the resulting archive options must be valid.`,
	Args: cobra.ExactArgs(2),
	RunE: runConfigSet,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a config file with the archive defaults",
	Args:  cobra.NoArgs,
	RunE:  runConfigInit,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check that the settings open an archive",
	Args:  cobra.NoArgs,
	RunE:  runConfigValidate,
}

var (
	configForce  bool
	configArgon2 bool
	configFormat string
)

func init() {
	rootCmd.AddCommand(configCmd)

	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configValidateCmd)

	configShowCmd.Flags().StringVarP(&configFormat, "format", "f", "table", "output format (table, yaml)")

	configInitCmd.Flags().BoolVar(&configForce, "force", false, "overwrite an existing config file")
	configInitCmd.Flags().BoolVar(&configArgon2, "argon2", false, "derive keys of new archives with argon2id")
}

type settingKind int

const (
	kindString settingKind = iota
	kindInt
	kindFloat
	kindBool
)

// setting is a config key the CLI understands
type setting struct {
	key   string
	help  string
	kind  settingKind
	check func(v interface{}) error
}

var settings = []setting{
	{"archive.path", "Archive directory", kindString, checkArchivePath},
	{"archive.store_type", "Storage backend (bolt, filesystem)", kindString, checkStoreType},
	{"kdf.algorithm", "Key derivation for new archives (pbkdf2-sha256, argon2id)", kindString, checkKDFAlgorithm},
	{"kdf.iterations", "PBKDF2 iterations for new archives", kindInt, checkPositive},
	{"unlock.rate", "Unlock attempts per second, 0 disables throttling", kindFloat, checkNonNegative},
	{"unlock.burst", "Unlock attempts allowed before the rate applies", kindInt, checkNonNegative},
	{"memory_lock", "Keep process memory out of swap", kindBool, nil},
	{"log.level", "Diagnostic log level (debug, info, warn, error)", kindString, checkLogLevel},
	{"audit.enabled", "Record actions in the action log", kindBool, nil},
	{"audit.options.file_path", "Action log file", kindString, nil},
	{"audit.options.max_size", "Action log size in MB before rotation", kindInt, checkPositive},
	{"audit.options.max_backups", "Rotated action log files kept", kindInt, checkNonNegative},
}

func lookupSetting(key string) (setting, bool) {
	for _, s := range settings {
		if s.key == key {
			return s, true
		}
	}
	return setting{}, false
}

// parse converts a command line value to the setting's type and checks its range
func (s setting) parse(raw string) (interface{}, error) {
	var (
		v   interface{}
		err error
	)
	switch s.kind {
	case kindInt:
		v, err = strconv.Atoi(raw)
	case kindFloat:
		v, err = strconv.ParseFloat(raw, 64)
	case kindBool:
		v, err = strconv.ParseBool(raw)
	default:
		v = strings.TrimSpace(raw)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %q is not a valid value", s.key, raw)
	}
	if s.check != nil {
		if err = s.check(v); err != nil {
			return nil, fmt.Errorf("%s: %w", s.key, err)
		}
	}
	return v, nil
}

func checkArchivePath(v interface{}) error {
	path, _ := v.(string)
	if path == "" {
		return fmt.Errorf("path cannot be empty")
	}
	info, err := os.Stat(path)
	if err == nil && !info.IsDir() {
		return fmt.Errorf("%s is not a directory", path)
	}
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func checkStoreType(v interface{}) error {
	switch persist.StoreType(fmt.Sprint(v)) {
	case persist.StoreTypeBolt, persist.StoreTypeFileSystem:
		return nil
	}
	return fmt.Errorf("unsupported store type %v (valid: bolt, filesystem)", v)
}

func checkKDFAlgorithm(v interface{}) error {
	switch crypto.Algorithm(fmt.Sprint(v)) {
	case crypto.AlgorithmPBKDF2, crypto.AlgorithmArgon2:
		return nil
	}
	return fmt.Errorf("unsupported kdf %v (valid: pbkdf2-sha256, argon2id)", v)
}

func checkLogLevel(v interface{}) error {
	_, err := zerolog.ParseLevel(fmt.Sprint(v))
	return err
}

func checkPositive(v interface{}) error {
	if n, ok := v.(int); !ok || n <= 0 {
		return fmt.Errorf("must be a positive integer")
	}
	return nil
}

func checkNonNegative(v interface{}) error {
	switch n := v.(type) {
	case int:
		if n >= 0 {
			return nil
		}
	case float64:
		if n >= 0 {
			return nil
		}
	}
	return fmt.Errorf("cannot be negative")
}

// validateSettings checks every known setting and the archive options they produce
func validateSettings() []string {
	var problems []string
	for _, s := range settings {
		if s.check == nil {
			continue
		}
		raw := viper.GetString(s.key)
		if _, err := s.parse(raw); err != nil {
			problems = append(problems, err.Error())
		}
	}

	if options, err := optionsFromConfig(); err != nil {
		problems = append(problems, err.Error())
	} else if err = options.Validate(); err != nil {
		problems = append(problems, err.Error())
	}

	if viper.GetBool("audit.enabled") && viper.GetString("audit.options.file_path") == "" {
		problems = append(problems, "audit.options.file_path is required when the action log is enabled")
	}
	return problems
}

// configTemplate returns the settings of a new config file, derived from the archive
// defaults
func configTemplate(argon2 bool) map[string]interface{} {
	home, _ := os.UserHomeDir()
	archiveDir := filepath.Join(home, ".tome")

	options := tome.DefaultOptions()
	kdf := map[string]interface{}{
		"algorithm":  string(options.KDF.Algorithm),
		"iterations": options.KDF.Iterations,
	}
	if argon2 {
		kdf = map[string]interface{}{"algorithm": string(crypto.AlgorithmArgon2)}
	}

	return map[string]interface{}{
		"archive": map[string]interface{}{
			"path":       archiveDir,
			"store_type": string(persist.StoreTypeBolt),
		},
		"kdf": kdf,
		"unlock": map[string]interface{}{
			"rate":  options.UnlockRate,
			"burst": options.UnlockBurst,
		},
		"memory_lock": options.EnableMemoryLock,
		"log": map[string]interface{}{
			"level": "warn",
		},
		"audit": map[string]interface{}{
			"enabled": false,
			"options": map[string]interface{}{
				"file_path": filepath.Join(archiveDir, "audit.log"),
			},
		},
	}
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	switch configFormat {
	case "yaml":
		values := map[string]interface{}{}
		for _, s := range settings {
			values[s.key] = viper.Get(s.key)
		}
		data, err := yaml.Marshal(values)
		if err != nil {
			return fmt.Errorf("failed to marshal settings: %w", err)
		}
		fmt.Print(string(data))
		return nil
	case "table":
		w := newTable()
		defer w.Flush()

		fmt.Fprintln(w, "KEY\tVALUE\tSOURCE\tDESCRIPTION")
		for _, s := range settings {
			fmt.Fprintf(w, "%s\t%v\t%s\t%s\n", s.key, viper.Get(s.key), settingSource(s.key), s.help)
		}
		return nil
	default:
		return fmt.Errorf("unsupported format: %s", configFormat)
	}
}

func settingSource(key string) string {
	if os.Getenv("TOME_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_"))) != "" {
		return "environment"
	}
	if viper.InConfig(key) {
		return filepath.Base(viper.ConfigFileUsed())
	}
	return "default"
}

func runConfigGet(cmd *cobra.Command, args []string) error {
	if _, ok := lookupSetting(args[0]); !ok {
		return fmt.Errorf("unknown setting: %s", args[0])
	}
	fmt.Println(viper.Get(args[0]))
	return nil
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	s, ok := lookupSetting(args[0])
	if !ok {
		return fmt.Errorf("unknown setting: %s (see 'tome config show')", args[0])
	}

	value, err := s.parse(args[1])
	if err != nil {
		return err
	}

	previous := viper.Get(s.key)
	viper.Set(s.key, value)
	if problems := validateSettings(); len(problems) > 0 {
		viper.Set(s.key, previous)
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}

	configFile := getConfigFilePath()
	if err = ensureConfigDir(configFile); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err = viper.WriteConfigAs(configFile); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	printSuccess(fmt.Sprintf("Set %s = %v in %s", s.key, value, configFile))
	return nil
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	configFile := getConfigFilePath()

	if _, err := os.Stat(configFile); err == nil && !configForce {
		return fmt.Errorf("configuration file already exists: %s (use --force to overwrite)", configFile)
	}

	data, err := yaml.Marshal(configTemplate(configArgon2))
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err = ensureConfigDir(configFile); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err = os.WriteFile(configFile, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	printSuccess(fmt.Sprintf("Configuration file created: %s", configFile))
	return nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	problems := validateSettings()
	if len(problems) == 0 {
		printSuccess("Configuration is valid")
		return nil
	}

	printError("Configuration validation failed:")
	for _, p := range problems {
		fmt.Printf("  - %s\n", p)
	}
	return fmt.Errorf("configuration validation failed with %d errors", len(problems))
}
