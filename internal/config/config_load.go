package config

import (
	"fmt"
	"os"
	"time"

	"github.com/titanous/json5"
)

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file is not an error; defaults plus env apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.parseDurations(); err != nil {
		return nil, err
	}
	cfg.DataDir = ExpandHome(cfg.DataDir)
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("MICROCLAW_ASSISTANT_NAME", &c.AssistantName)
	envStr("MICROCLAW_DATA_DIR", &c.DataDir)
	envStr("MICROCLAW_MAIN_GROUP_FOLDER", &c.MainGroupFolder)
	envStr("MICROCLAW_POLL_INTERVAL", &c.PollIntervalStr)
	envStr("MICROCLAW_IDLE_TIMEOUT", &c.IdleTimeoutStr)
	envStr("MICROCLAW_RETRY_DELAY", &c.RetryDelayStr)

	envStr("MICROCLAW_TELEGRAM_TOKEN", &c.Channels.Telegram.Token)
	envStr("MICROCLAW_WHATSAPP_BRIDGE_URL", &c.Channels.WhatsApp.BridgeURL)
	envStr("MICROCLAW_DISCORD_TOKEN", &c.Channels.Discord.Token)
	envStr("MICROCLAW_EMAIL_CREDENTIALS_FILE", &c.Channels.Email.CredentialsFile)
	envStr("MICROCLAW_EMAIL_TOKEN_FILE", &c.Channels.Email.TokenFile)
	envStr("MICROCLAW_EMAIL_SUBJECT_PREFIX", &c.Channels.Email.SubjectPrefix)

	envStr("MICROCLAW_CONTAINER_RUNTIME", &c.Container.Runtime)
	envStr("MICROCLAW_CONTAINER_IMAGE", &c.Container.Image)

	envStr("MICROCLAW_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("MICROCLAW_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("MICROCLAW_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}

	// Auto-enable channels when credentials are provided via env.
	if c.Channels.Telegram.Token != "" {
		c.Channels.Telegram.Enabled = true
	}
	if c.Channels.WhatsApp.BridgeURL != "" {
		c.Channels.WhatsApp.Enabled = true
	}
	if c.Channels.Discord.Token != "" {
		c.Channels.Discord.Enabled = true
	}
	if c.Channels.Email.CredentialsFile != "" {
		c.Channels.Email.Enabled = true
	}
}

// parseDurations converts string duration fields into time.Duration,
// keeping defaults where the string form is empty.
func (c *Config) parseDurations() error {
	parse := func(name, s string, dst *time.Duration) error {
		if s == "" {
			return nil
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("parse %s %q: %w", name, s, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
		*dst = d
		return nil
	}

	if err := parse("poll_interval", c.PollIntervalStr, &c.PollInterval); err != nil {
		return err
	}
	if err := parse("idle_timeout", c.IdleTimeoutStr, &c.IdleTimeout); err != nil {
		return err
	}
	if err := parse("retry_delay", c.RetryDelayStr, &c.RetryDelay); err != nil {
		return err
	}
	if err := parse("email poll_interval", c.Channels.Email.PollIntervalStr, &c.Channels.Email.PollInterval); err != nil {
		return err
	}
	if err := parse("scheduler poll_interval", c.Scheduler.PollIntervalStr, &c.Scheduler.PollInterval); err != nil {
		return err
	}
	if err := parse("container timeout", c.Container.TimeoutStr, &c.Container.Timeout); err != nil {
		return err
	}
	return nil
}
