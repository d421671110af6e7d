// Secret resolution for capability credentials. Priority:
//  1. Encrypted vault (.valet.vault, master password)
//  2. OS keyring (Linux: Secret Service, macOS: Keychain, Windows: Credential Manager)
//  3. Environment variable (VALET_API_KEY, then OPENROUTER_API_KEY / OPENAI_API_KEY)
//  4. config.yaml value (plaintext on disk, least preferred)
package capability

import (
	"log/slog"
	"os"

	"github.com/zalando/go-keyring"
)

const (
	// keyringService is the service name used in the OS keyring.
	keyringService = "valet"

	// KeyInferenceAPIKey names the inference backend credential.
	KeyInferenceAPIKey = "api_key"

	// KeyMailToken names the mail-automation service credential.
	KeyMailToken = "mail_token"
)

// StoreKeyring saves a secret to the OS keyring.
func StoreKeyring(key, value string) error {
	return keyring.Set(keyringService, key, value)
}

// GetKeyring retrieves a secret from the OS keyring, empty when absent.
func GetKeyring(key string) string {
	val, err := keyring.Get(keyringService, key)
	if err != nil {
		return ""
	}
	return val
}

// DeleteKeyring removes a secret from the OS keyring.
func DeleteKeyring(key string) error {
	return keyring.Delete(keyringService, key)
}

// KeyringAvailable checks whether the OS keyring is usable by doing a
// write+delete cycle with a throwaway key.
func KeyringAvailable() bool {
	const testKey = "__valet_test__"
	if err := keyring.Set(keyringService, testKey, "test"); err != nil {
		return false
	}
	_ = keyring.Delete(keyringService, testKey)
	return true
}

// apiKeyEnvVars are checked in order when resolving the inference key.
var apiKeyEnvVars = []string{"VALET_API_KEY", "OPENROUTER_API_KEY", "OPENAI_API_KEY"}

// ResolveAPIKey walks the secret priority chain for the inference API key.
// vault may be nil or locked; configValue is the plaintext fallback.
func ResolveAPIKey(vault *Vault, configValue string, logger *slog.Logger) string {
	if logger == nil {
		logger = slog.Default()
	}

	if vault != nil && vault.Unlocked() {
		if v, err := vault.Get(KeyInferenceAPIKey); err == nil && v != "" {
			logger.Debug("API key resolved from vault")
			return v
		}
	}

	if v := GetKeyring(KeyInferenceAPIKey); v != "" {
		logger.Debug("API key resolved from OS keyring")
		return v
	}

	for _, name := range apiKeyEnvVars {
		if v := os.Getenv(name); v != "" {
			logger.Debug("API key resolved from environment", "var", name)
			return v
		}
	}

	if configValue != "" {
		logger.Warn("API key read from config file; prefer keyring or vault storage")
	}
	return configValue
}

// ResolveMailToken walks the same priority chain for the mail-automation
// service token.
func ResolveMailToken(vault *Vault, configValue string, logger *slog.Logger) string {
	if logger == nil {
		logger = slog.Default()
	}

	if vault != nil && vault.Unlocked() {
		if v, err := vault.Get(KeyMailToken); err == nil && v != "" {
			logger.Debug("mail token resolved from vault")
			return v
		}
	}

	if v := GetKeyring(KeyMailToken); v != "" {
		logger.Debug("mail token resolved from OS keyring")
		return v
	}

	if v := os.Getenv("VALET_MAIL_TOKEN"); v != "" {
		logger.Debug("mail token resolved from environment")
		return v
	}

	if configValue != "" {
		logger.Warn("mail token read from config file; prefer keyring or vault storage")
	}
	return configValue
}
