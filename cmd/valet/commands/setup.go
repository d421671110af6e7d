package commands

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/jholhewres/valet/pkg/valet/capability"
	"github.com/jholhewres/valet/pkg/valet/config"
)

// newSetupCmd creates the `valet setup` command.
func newSetupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Interactive setup wizard",
		Long: `Creates config.yaml interactively. The inference API key is stored
in an encrypted vault or the OS keyring, never in the config file.

Examples:
  valet setup`,
		RunE: runSetup,
	}
}

func runSetup(_ *cobra.Command, _ []string) error {
	cfg := config.DefaultConfig()

	var (
		apiKey       string
		mailToken    string
		discordToken string
	)

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Assistant name").
				Value(&cfg.Name),
			huh.NewInput().
				Title("Timezone (IANA, e.g. Europe/Amsterdam)").
				Value(&cfg.Timezone),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Inference base URL (OpenAI-compatible)").
				Value(&cfg.Inference.BaseURL),
			huh.NewSelect[string]().
				Title("Model").
				Options(
					huh.NewOption("Claude Sonnet 4 (balanced)", "anthropic/claude-sonnet-4"),
					huh.NewOption("Claude Opus 4 (most capable)", "anthropic/claude-opus-4"),
					huh.NewOption("GPT-4.1 Mini (fast, cheap)", "openai/gpt-4.1-mini"),
					huh.NewOption("GPT-4.1", "openai/gpt-4.1"),
					huh.NewOption("Llama 3.3 70B (open weights)", "meta-llama/llama-3.3-70b-instruct"),
				).
				Value(&cfg.Inference.Model),
			huh.NewInput().
				Title("Inference API key").
				EchoMode(huh.EchoModePassword).
				Value(&apiKey),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Mail-automation service URL (empty to skip)").
				Value(&cfg.Mail.BaseURL),
			huh.NewInput().
				Title("Mail-automation token").
				EchoMode(huh.EchoModePassword).
				Value(&mailToken),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Gateway listen address").
				Value(&cfg.Gateway.Address),
			huh.NewInput().
				Title("Discord bot token (empty to skip)").
				EchoMode(huh.EchoModePassword).
				Value(&discordToken),
		),
	)

	if err := form.Run(); err != nil {
		return fmt.Errorf("setup aborted: %w", err)
	}

	if apiKey != "" {
		storeSecret(capability.KeyInferenceAPIKey, apiKey)
	}
	if mailToken != "" {
		storeSecret(capability.KeyMailToken, mailToken)
	}
	cfg.Inference.APIKey = "${VALET_API_KEY}"
	if mailToken != "" {
		cfg.Mail.Token = "${VALET_MAIL_TOKEN}"
	}
	if discordToken != "" {
		cfg.Discord.Token = discordToken
	}

	if err := config.Save(cfg, "config.yaml"); err != nil {
		return err
	}

	fmt.Println()
	fmt.Println("Configuration written to config.yaml.")
	fmt.Println("Start the daemon with: valet serve")
	return nil
}

// storeSecret saves a credential to the encrypted vault when one exists (or
// the user creates one), otherwise the OS keyring, otherwise prints the
// environment fallback.
func storeSecret(key, value string) {
	vault := capability.NewVault(vaultPath)

	if vault.Exists() {
		password, err := capability.ReadPassword("Vault password: ")
		if err == nil && vault.Unlock(password) == nil {
			if vault.Set(key, value) == nil {
				fmt.Printf("Stored %s in the encrypted vault.\n", key)
				return
			}
		}
		fmt.Println("Could not open the vault, trying the OS keyring.")
	} else {
		var createVault bool
		confirm := huh.NewConfirm().
			Title("Create an encrypted vault for credentials?").
			Description("AES-256-GCM, protected by a master password.").
			Value(&createVault)
		if confirm.Run() == nil && createVault {
			password, err := capability.ReadPassword("New vault password: ")
			if err == nil && strings.TrimSpace(password) != "" {
				if vault.Create(password) == nil && vault.Set(key, value) == nil {
					fmt.Printf("Stored %s in the encrypted vault.\n", key)
					return
				}
			}
			fmt.Println("Vault creation failed, trying the OS keyring.")
		}
	}

	if capability.StoreKeyring(key, value) == nil {
		fmt.Printf("Stored %s in the OS keyring.\n", key)
		return
	}

	envVar := "VALET_API_KEY"
	if key == capability.KeyMailToken {
		envVar = "VALET_MAIL_TOKEN"
	}
	fmt.Printf("No secure storage available; export %s before running 'valet serve'.\n", envVar)
}
