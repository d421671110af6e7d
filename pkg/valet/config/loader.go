package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// envVarPattern matches ${VAR}, ${VAR:-default}, ${VAR:?error} and bare
// $VAR references in config values.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::(-|\?)([^}]*))?\}|\$([A-Z_][A-Z0-9_]*)`)

// Load reads and parses a YAML configuration file. .env and .env.local are
// loaded first (without overriding the existing environment), then
// environment references in the file are expanded. A ${VAR:?message}
// reference with VAR unset fails the load.
func Load(path string) (*Config, error) {
	loadEnvFiles()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded, err := expandEnvVars(string(data))
	if err != nil {
		return nil, fmt.Errorf("expanding environment variables: %w", err)
	}

	cfg, err := Parse([]byte(expanded))
	if err != nil {
		return nil, err
	}
	checkFilePermissions(path)
	return cfg, nil
}

// Parse parses YAML bytes over the defaults.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	return cfg, nil
}

// Save writes a Config as YAML with owner-only permissions. Secrets are
// replaced with environment references so they never land on disk; the
// previous file is kept as a .bak first.
func Save(cfg *Config, path string) error {
	sanitized := *cfg
	sanitized.Inference.APIKey = sanitizeSecret(cfg.Inference.APIKey, "VALET_API_KEY")
	sanitized.Mail.Token = sanitizeSecret(cfg.Mail.Token, "VALET_MAIL_TOKEN")
	sanitized.Gateway.AuthToken = sanitizeSecret(cfg.Gateway.AuthToken, "VALET_GATEWAY_TOKEN")
	sanitized.Discord.Token = sanitizeSecret(cfg.Discord.Token, "VALET_DISCORD_TOKEN")

	data, err := yaml.Marshal(&sanitized)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if existing, err := os.ReadFile(path); err == nil {
		_ = os.WriteFile(path+".bak", existing, 0o600)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// Find searches standard locations for a config file, empty when none
// exists.
func Find() string {
	candidates := []string{
		"config.yaml",
		"config.yml",
		"valet.yaml",
		"valet.yml",
	}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates,
			filepath.Join(home, ".valet", "config.yaml"))
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// IsEnvReference reports whether a value is an environment reference rather
// than a literal secret.
func IsEnvReference(v string) bool {
	return strings.HasPrefix(v, "${") || strings.HasPrefix(v, "$")
}

func sanitizeSecret(value, envVar string) string {
	if value == "" || IsEnvReference(value) {
		return value
	}
	return "${" + envVar + "}"
}

// loadEnvFiles loads .env files without overriding the existing
// environment. .env.local wins over .env for variables set in neither.
func loadEnvFiles() {
	for _, f := range []string{".env.local", ".env"} {
		_ = godotenv.Load(f)
	}
}

func expandEnvVars(input string) (string, error) {
	var missing []string

	expanded := envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		sub := envVarPattern.FindStringSubmatch(match)
		name, modifier, value, bare := sub[1], sub[2], sub[3], sub[4]

		if bare != "" {
			if v, ok := os.LookupEnv(bare); ok {
				return v
			}
			return match
		}

		if v, ok := os.LookupEnv(name); ok && v != "" {
			return v
		}
		switch modifier {
		case "-":
			return value
		case "?":
			msg := value
			if msg == "" {
				msg = "required"
			}
			missing = append(missing, fmt.Sprintf("%s (%s)", name, msg))
			return match
		default:
			return match
		}
	})

	if len(missing) > 0 {
		return "", fmt.Errorf("required environment variables unset: %s",
			strings.Join(missing, ", "))
	}
	return expanded, nil
}

// checkFilePermissions warns when the config file is readable by others.
func checkFilePermissions(path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	if info.Mode().Perm()&0o077 != 0 {
		fmt.Fprintf(os.Stderr,
			"warning: %s is readable by other users; consider chmod 600\n", path)
	}
}
