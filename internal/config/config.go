package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/bgdnvk/stormcloud/internal/deploy"
	"github.com/bgdnvk/stormcloud/internal/permissions"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g.
// STORMCLOUD_SERVER_PORT for server.port.
const EnvPrefix = "STORMCLOUD"

type Config struct {
	Server      Server
	Log         Logger
	GCP         GCP
	Permissions Permissions
	Deploy      Deploy
	Autofix     Autofix
	AI          AI
	GitHub      GitHub
	Archive     Archive
	Stream      Stream
	Demo        bool
}

type Server struct {
	BindHost        string
	Port            string
	Audience        string
	RunAsUser       string
	AllowedOrigins  []string
	ShutdownTimeout time.Duration
}

// Addr is the listen address.
func (s Server) Addr() string {
	return s.BindHost + ":" + s.Port
}

type Logger struct {
	Format string
	Level  string
}

type GCP struct {
	Repository   string
	PollInterval time.Duration
}

type Permissions struct {
	APIs  []string
	Roles []string
}

// Keys is the capability list a grant asks for when the caller names none.
func (p Permissions) Keys() []string {
	return append(append([]string(nil), p.APIs...), permissions.IAMKey)
}

type Deploy struct {
	// Timeout bounds a whole session, retries included.
	Timeout      time.Duration
	PhaseTimeout time.Duration
}

type Autofix struct {
	MaxAttempts int
}

type AI struct {
	Provider string
	APIKey   string
	BaseURL  string
	Model    string
	Timeout  time.Duration
}

type GitHub struct {
	Token   string
	BaseURL string
}

type Archive struct {
	Bucket string
	Prefix string
}

type Stream struct {
	Buffer       int
	StallTimeout time.Duration
}

// SetDefaults registers every key with its default so that environment
// overrides work for keys absent from the config file.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.bind_host", "")
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.audience", "")
	v.SetDefault("server.run_as_user", "")
	v.SetDefault("server.allowed_origins", []string{"https://*", "http://*"})
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("log.format", "text")
	v.SetDefault("log.level", "info")

	v.SetDefault("gcp.repository", "cloud-run-source-deploy")
	v.SetDefault("gcp.poll_interval", 2*time.Second)

	v.SetDefault("permissions.apis", permissions.DefaultAPIs)
	v.SetDefault("permissions.roles", permissions.DefaultRoles)

	v.SetDefault("deploy.timeout", 30*time.Minute)
	v.SetDefault("deploy.phase_timeout", 15*time.Minute)

	v.SetDefault("autofix.max_attempts", 3)

	v.SetDefault("ai.provider", "gemini")
	v.SetDefault("ai.api_key", "")
	v.SetDefault("ai.base_url", "")
	v.SetDefault("ai.model", "")
	v.SetDefault("ai.timeout", 60*time.Second)

	v.SetDefault("github.token", "")
	v.SetDefault("github.base_url", "")

	v.SetDefault("archive.bucket", "")
	v.SetDefault("archive.prefix", "sessions")

	v.SetDefault("stream.buffer", 64)
	v.SetDefault("stream.stall_timeout", 30*time.Second)

	v.SetDefault("demo", false)
}

// BindEnv makes STORMCLOUD_SECTION_KEY override section.key.
func BindEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// Load reads the typed configuration out of v.
func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Server: Server{
			BindHost:        v.GetString("server.bind_host"),
			Port:            v.GetString("server.port"),
			Audience:        v.GetString("server.audience"),
			RunAsUser:       v.GetString("server.run_as_user"),
			AllowedOrigins:  stringList(v, "server.allowed_origins"),
			ShutdownTimeout: v.GetDuration("server.shutdown_timeout"),
		},
		Log: Logger{
			Format: v.GetString("log.format"),
			Level:  v.GetString("log.level"),
		},
		GCP: GCP{
			Repository:   v.GetString("gcp.repository"),
			PollInterval: v.GetDuration("gcp.poll_interval"),
		},
		Permissions: Permissions{
			APIs:  stringList(v, "permissions.apis"),
			Roles: stringList(v, "permissions.roles"),
		},
		Deploy: Deploy{
			Timeout:      v.GetDuration("deploy.timeout"),
			PhaseTimeout: v.GetDuration("deploy.phase_timeout"),
		},
		Autofix: Autofix{MaxAttempts: v.GetInt("autofix.max_attempts")},
		AI: AI{
			Provider: v.GetString("ai.provider"),
			APIKey:   v.GetString("ai.api_key"),
			BaseURL:  v.GetString("ai.base_url"),
			Model:    v.GetString("ai.model"),
			Timeout:  v.GetDuration("ai.timeout"),
		},
		GitHub: GitHub{
			Token:   v.GetString("github.token"),
			BaseURL: v.GetString("github.base_url"),
		},
		Archive: Archive{
			Bucket: v.GetString("archive.bucket"),
			Prefix: v.GetString("archive.prefix"),
		},
		Stream: Stream{
			Buffer:       v.GetInt("stream.buffer"),
			StallTimeout: v.GetDuration("stream.stall_timeout"),
		},
		Demo: v.GetBool("demo"),
	}
	if v.GetBool("debug") {
		cfg.Log.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("invalid log format: %q", c.Log.Format)
	}
	if c.Deploy.Timeout <= 0 {
		return fmt.Errorf("deploy.timeout must be positive, got %s", c.Deploy.Timeout)
	}
	if c.Deploy.PhaseTimeout <= 0 {
		return fmt.Errorf("deploy.phase_timeout must be positive, got %s", c.Deploy.PhaseTimeout)
	}
	if c.Autofix.MaxAttempts < 1 || c.Autofix.MaxAttempts > deploy.MaxRetriesLimit {
		return fmt.Errorf("autofix.max_attempts must be between 1 and %d, got %d", deploy.MaxRetriesLimit, c.Autofix.MaxAttempts)
	}
	if c.Stream.Buffer < 1 {
		return fmt.Errorf("stream.buffer must be at least 1, got %d", c.Stream.Buffer)
	}
	if len(c.Permissions.APIs) == 0 {
		return fmt.Errorf("permissions.apis must not be empty")
	}
	return nil
}

// stringList reads a list that may come from a file (a YAML sequence) or
// from the environment (comma separated).
func stringList(v *viper.Viper, key string) []string {
	var out []string
	for _, item := range v.GetStringSlice(key) {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
