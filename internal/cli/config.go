package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"github.com/remimikalsen/sparebank1-pengerobot/internal/app"
)

const (
	envConfigPath = "PENGEROBOT_CONFIG"
	envAppKey     = "PENGEROBOT_APP_KEY"
	envWebhookKey = "PENGEROBOT_WEBHOOK_SECRET"
	envDSN        = "PENGEROBOT_DSN"
)

// appSections are decoded into app.Settings. Everything else in the file is
// handed to the core config loader.
var appSections = []string{"logging", "storage", "http", "events", "security", "instances"}

// LoadEnv loads .env files into the process environment. Missing files are
// skipped; variables already set win.
func LoadEnv(files ...string) error {
	var present []string
	for _, file := range files {
		file = strings.TrimSpace(file)
		if file == "" {
			continue
		}
		if _, err := os.Stat(file); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return err
		}
		present = append(present, file)
	}
	if len(present) == 0 {
		return nil
	}
	return godotenv.Load(present...)
}

// LoadConfig reads the TOML file at path. ${VAR} references are expanded
// from the environment before decoding. A missing file is only an error
// when required is set.
func LoadConfig(path string, required bool) (app.Settings, map[string]any, error) {
	settings := app.DefaultSettings()
	raw := map[string]any{}

	content, err := os.ReadFile(path)
	switch {
	case err == nil:
	case errors.Is(err, fs.ErrNotExist) && !required:
		content = nil
	default:
		return settings, nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if len(content) > 0 {
		expanded := os.ExpandEnv(string(content))
		if _, err := toml.Decode(expanded, &settings); err != nil {
			return settings, nil, fmt.Errorf("decode config %s: %w", path, err)
		}
		if _, err := toml.Decode(expanded, &raw); err != nil {
			return settings, nil, fmt.Errorf("decode config %s: %w", path, err)
		}
		for _, section := range appSections {
			delete(raw, section)
		}
	}

	applyEnv(&settings)
	return settings, raw, nil
}

func applyEnv(settings *app.Settings) {
	if value := os.Getenv(envAppKey); value != "" && settings.Security.AppKey == "" {
		settings.Security.AppKey = value
	}
	if value := os.Getenv(envWebhookKey); value != "" && settings.Events.WebhookSecret == "" {
		settings.Events.WebhookSecret = value
	}
	if value := os.Getenv(envDSN); value != "" {
		settings.Storage.DSN = value
	}
}
