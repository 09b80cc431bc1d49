package cmd

import (
	"bufio"
	"encoding/json"
	"fmt"
	"github.com/fatih/color"
	"golang.org/x/term"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"
)

// password sources for non-interactive sessions
const (
	passwordEnv    = "TOME_PASSWORD"
	newPasswordEnv = "TOME_NEW_PASSWORD"
)

// stdin is shared so piped passwords and record bodies read from one buffer
var stdin = bufio.NewReader(os.Stdin)

// readPassword reads a password from TOME_PASSWORD or, failing that, from the terminal
// without echo. The caller owns the returned slice; archive calls wipe it.
func readPassword(prompt string) ([]byte, error) {
	return readSecret(prompt, passwordEnv)
}

func readSecret(prompt, envName string) ([]byte, error) {
	if env := os.Getenv(envName); env != "" {
		return []byte(env), nil
	}

	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		// piped input: first line
		line, err := stdin.ReadBytes('\n')
		if err != nil && err != io.EOF {
			return nil, fmt.Errorf("failed to read password: %w", err)
		}
		return []byte(strings.TrimRight(string(line), "\r\n")), nil
	}

	fmt.Fprint(os.Stderr, prompt)
	password, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("failed to read password: %w", err)
	}
	return password, nil
}

// readNewPassword asks for a new password twice. envName names the variable that
// replaces the prompt.
func readNewPassword(prompt, envName string) ([]byte, error) {
	if os.Getenv(envName) != "" || !term.IsTerminal(int(os.Stdin.Fd())) {
		password, err := readSecret(prompt, envName)
		if err == nil && len(password) == 0 {
			return nil, fmt.Errorf("password cannot be empty")
		}
		return password, err
	}

	first, err := readSecret(prompt, envName)
	if err != nil {
		return nil, err
	}
	second, err := readSecret("Repeat password: ", envName)
	if err != nil {
		return nil, err
	}
	if string(first) != string(second) {
		return nil, fmt.Errorf("passwords do not match")
	}
	if len(first) == 0 {
		return nil, fmt.Errorf("password cannot be empty")
	}
	return first, nil
}

func printSuccess(msg string) {
	fmt.Println(color.GreenString("✓") + " " + msg)
}

func printWarning(msg string) {
	fmt.Fprintln(os.Stderr, color.YellowString("!")+" "+msg)
}

func printError(msg string) {
	fmt.Fprintln(os.Stderr, color.RedString("✗")+" "+msg)
}

func newTable() *tabwriter.Writer {
	return tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal output: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

func parseID(arg, what string) (uint64, error) {
	id, err := strconv.ParseUint(arg, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid %s id: %s", what, arg)
	}
	return id, nil
}

// readBody returns record content from --file (- for stdin), --data or stdin
func readBody(file, data string) ([]byte, error) {
	switch {
	case file == "-":
		return io.ReadAll(stdin)
	case file != "":
		return os.ReadFile(file)
	case data != "":
		return []byte(data), nil
	default:
		if term.IsTerminal(int(os.Stdin.Fd())) {
			fmt.Fprintln(os.Stderr, "Enter record text, end with Ctrl-D:")
		}
		return io.ReadAll(stdin)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// Configuration helpers

func getConfigFilePath() string {
	if cfgFile != "" {
		return cfgFile
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".tome.yaml")
}

func ensureConfigDir(configFile string) error {
	return os.MkdirAll(filepath.Dir(configFile), 0700)
}

// promptConfirmation prompts the user for yes/no confirmation
func promptConfirmation(message string) bool {
	fmt.Printf("%s (y/N): ", message)
	response, _ := stdin.ReadString('\n')
	response = strings.ToLower(strings.TrimSpace(response))
	return response == "y" || response == "yes"
}
