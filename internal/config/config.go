// Package config holds the MicroClaw runtime configuration.
// Config is loaded from a JSON5 file and overlaid with MICROCLAW_* env vars.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config is the root configuration object.
type Config struct {
	AssistantName string `json:"assistant_name"`
	DataDir       string `json:"data_dir"`

	// MainGroupFolder is the folder name of the canonical group. The main
	// group is exempt from trigger gating and sees all groups/tasks.
	MainGroupFolder string `json:"main_group_folder"`

	Router    RouterConfig    `json:"router"`
	Channels  ChannelsConfig  `json:"channels"`
	Container ContainerConfig `json:"container"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Telemetry TelemetryConfig `json:"telemetry"`

	// Raw duration strings from the config file; parsed into the fields below.
	PollIntervalStr string `json:"poll_interval"`
	IdleTimeoutStr  string `json:"idle_timeout"`
	RetryDelayStr   string `json:"retry_delay"`

	PollInterval time.Duration `json:"-"`
	IdleTimeout  time.Duration `json:"-"`
	RetryDelay   time.Duration `json:"-"`
}

// RouterConfig tunes ingestion and fallback messaging.
type RouterConfig struct {
	// AuthFailureMessage is sent when a run fails with a classifiable
	// auth/credential error and no output reached the user.
	AuthFailureMessage string `json:"auth_failure_message"`
	// UnavailableMessage is the transient-failure counterpart.
	UnavailableMessage string `json:"unavailable_message"`
}

// ChannelsConfig groups per-platform channel settings.
type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
	WhatsApp WhatsAppConfig `json:"whatsapp"`
	Discord  DiscordConfig  `json:"discord"`
	Email    EmailConfig    `json:"email"`
}

// TelegramConfig configures the Telegram Bot API channel.
type TelegramConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token"`
}

// WhatsAppConfig configures the WhatsApp bridge channel.
// The bridge handles the wire protocol; we speak JSON over WebSocket to it.
type WhatsAppConfig struct {
	Enabled   bool   `json:"enabled"`
	BridgeURL string `json:"bridge_url"`
}

// DiscordConfig configures the Discord gateway channel.
type DiscordConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token"`
}

// EmailConfig configures the Gmail polling channel.
type EmailConfig struct {
	Enabled         bool   `json:"enabled"`
	CredentialsFile string `json:"credentials_file"`
	TokenFile       string `json:"token_file"`
	SubjectPrefix   string `json:"subject_prefix"`
	PollIntervalStr string `json:"poll_interval"`

	PollInterval time.Duration `json:"-"`
}

// ContainerConfig configures the agent container runtime.
type ContainerConfig struct {
	// Runtime is the container CLI binary ("docker", "podman", "container").
	Runtime string `json:"runtime"`
	Image   string `json:"image"`
	// TimeoutStr bounds a single agent run end to end.
	TimeoutStr string        `json:"timeout"`
	Timeout    time.Duration `json:"-"`
}

// SchedulerConfig tunes the scheduled-task loop.
type SchedulerConfig struct {
	Enabled         bool   `json:"enabled"`
	PollIntervalStr string `json:"poll_interval"`

	PollInterval time.Duration `json:"-"`
}

// TelemetryConfig configures the optional OTLP trace exporter.
type TelemetryConfig struct {
	Enabled     bool   `json:"enabled"`
	Endpoint    string `json:"endpoint"`
	ServiceName string `json:"service_name"`
	Insecure    bool   `json:"insecure"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		AssistantName:   "Claw",
		DataDir:         "~/.microclaw",
		MainGroupFolder: "main",
		PollInterval:    2 * time.Second,
		IdleTimeout:     30 * time.Second,
		RetryDelay:      30 * time.Second,
		Router: RouterConfig{
			AuthFailureMessage: "I can't reach my AI backend right now (authentication problem). " +
				"Please check the API credentials.",
			UnavailableMessage: "My AI backend is temporarily unavailable. " +
				"I'll retry your message shortly.",
		},
		Channels: ChannelsConfig{
			Email: EmailConfig{
				SubjectPrefix: "[Claw]",
				PollInterval:  60 * time.Second,
			},
		},
		Container: ContainerConfig{
			Runtime: "docker",
			Image:   "microclaw-agent:latest",
			Timeout: 30 * time.Minute,
		},
		Scheduler: SchedulerConfig{
			Enabled:      true,
			PollInterval: 30 * time.Second,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "microclaw",
		},
	}
}

// GroupsDir returns the root directory for per-group agent workspaces.
func (c *Config) GroupsDir() string { return filepath.Join(c.DataDir, "groups") }

// IPCDir returns the root directory for agent IPC file exchange.
func (c *Config) IPCDir() string { return filepath.Join(c.DataDir, "ipc") }

// StorePath returns the SQLite database path.
func (c *Config) StorePath() string { return filepath.Join(c.DataDir, "microclaw.db") }

// ExpandHome expands a leading ~ to the user home directory.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(strings.TrimPrefix(path, "~"), "/"))
	}
	return path
}
