package cmd

import (
	"github.com/spf13/cobra"
	"os"
)

var completionCmd = &cobra.Command{
	Use:   "completion [bash|zsh|fish|powershell]",
	Short: "Generate completion script",
	Long: `To load completions:

Bash:
   $  source <(tome completion bash)

  # To load completions for each session, execute once:
  # Linux:
   $  tome completion bash > /etc/bash_completion.d/tome
  # macOS:
  $ tome completion bash >  $ (brew --prefix)/etc/bash_completion.d/tome

Zsh:
  # If shell completion is not already enabled in your environment,
  # you will need to enable it. You can execute the following once:
   $  echo "autoload -U compinit; compinit" >> ~/.zshrc

  # To load completions for each session, execute once:
  $ tome completion zsh > "${fpath[1]}/_tome"

  # You will need to start a new shell for this setup to take effect.

fish:
   $  tome completion fish | source

  # To load completions for each session, execute once:
   $  tome completion fish > ~/.config/fish/completions/tome.fish

PowerShell:
  PS> tome completion powershell | Out-String | Invoke-Expression

  # To load completions for each session, execute once:
  PS> tome completion powershell > tome.ps1
  PS> . tome.ps1
`,
	DisableFlagsInUseLine: true,
	ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
	Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	Run:                   generateCompletion,
}

func init() {
	rootCmd.AddCommand(completionCmd)
}

func generateCompletion(cmd *cobra.Command, args []string) {
	switch args[0] {
	case "bash":
		cmd.Root().GenBashCompletion(os.Stdout)
	case "zsh":
		cmd.Root().GenZshCompletion(os.Stdout)
	case "fish":
		cmd.Root().GenFishCompletion(os.Stdout, true)
	case "powershell":
		cmd.Root().GenPowerShellCompletionWithDesc(os.Stdout)
	}
}
