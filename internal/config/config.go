package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/viper"
)

// Fail policies for an inconclusive probe.
const (
	FailOpen   = "open"
	FailClosed = "closed"
)

type ProbeConfig struct {
	TimeoutSeconds  int    `mapstructure:"timeout_seconds" yaml:"timeout_seconds"`
	MaxRetries      int    `mapstructure:"max_retries" yaml:"max_retries"`
	OnError         string `mapstructure:"on_error" yaml:"on_error"`
	ContractVersion string `mapstructure:"contract_version" yaml:"contract_version"`
	MaxBodyKB       int    `mapstructure:"max_body_kb" yaml:"max_body_kb"`
}

type TokenConfig struct {
	Secret     string `mapstructure:"secret" yaml:"secret"`
	Issuer     string `mapstructure:"issuer" yaml:"issuer"`
	TTLSeconds int    `mapstructure:"ttl_seconds" yaml:"ttl_seconds"`
}

type SMTPConfig struct {
	Host      string `mapstructure:"host" yaml:"host"`
	Port      int    `mapstructure:"port" yaml:"port"`
	Username  string `mapstructure:"username" yaml:"username"`
	Password  string `mapstructure:"password" yaml:"password"`
	From      string `mapstructure:"from" yaml:"from"`
	TLSPolicy string `mapstructure:"tls_policy" yaml:"tls_policy"`
}

type Config struct {
	SiteName      string `mapstructure:"site_name" yaml:"site_name"`
	HomeURL       string `mapstructure:"home_url" yaml:"home_url"`
	AdminEmail    string `mapstructure:"admin_email" yaml:"admin_email"`
	AdminURL      string `mapstructure:"admin_url" yaml:"admin_url"`
	SelfPlugin    string `mapstructure:"self_plugin" yaml:"self_plugin"`
	PluginsDir    string `mapstructure:"plugins_dir" yaml:"plugins_dir"`
	TempBackupDir string `mapstructure:"temp_backup_dir" yaml:"temp_backup_dir"`
	DataDir       string `mapstructure:"data_dir" yaml:"data_dir"`

	Probe ProbeConfig `mapstructure:"probe" yaml:"probe"`
	Token TokenConfig `mapstructure:"token" yaml:"token"`
	SMTP  SMTPConfig  `mapstructure:"smtp" yaml:"smtp"`

	LogLevel      string `mapstructure:"log_level" yaml:"log_level"`
	LogFormat     string `mapstructure:"log_format" yaml:"log_format"`
	LogFile       string `mapstructure:"log_file" yaml:"log_file"`
	LogMaxSizeMB  int    `mapstructure:"log_max_size_mb" yaml:"log_max_size_mb"`
	LogMaxBackups int    `mapstructure:"log_max_backups" yaml:"log_max_backups"`

	AuditEnabled    bool `mapstructure:"audit_enabled" yaml:"audit_enabled"`
	AuditMaxSizeMB  int  `mapstructure:"audit_max_size_mb" yaml:"audit_max_size_mb"`
	AuditMaxBackups int  `mapstructure:"audit_max_backups" yaml:"audit_max_backups"`

	MetricsTextfile string `mapstructure:"metrics_textfile" yaml:"metrics_textfile"`
}

// Default returns the configuration used when no file or environment
// variable overrides a setting.
func Default() *Config {
	return &Config{
		SelfPlugin: "rollback-update-failure/plugin.php",
		Probe: ProbeConfig{
			TimeoutSeconds:  30,
			MaxRetries:      0,
			OnError:         FailOpen,
			ContractVersion: "v1",
			MaxBodyKB:       1024,
		},
		Token: TokenConfig{
			Issuer:     "updateguard",
			TTLSeconds: 300,
		},
		SMTP: SMTPConfig{
			Port:      587,
			TLSPolicy: "opportunistic",
		},
		LogLevel:        "info",
		LogFormat:       "text",
		LogMaxSizeMB:    10,
		LogMaxBackups:   3,
		AuditEnabled:    true,
		AuditMaxSizeMB:  50,
		AuditMaxBackups: 3,
	}
}

// Load reads cfgFile, or updateguard.yaml from the config directory or the
// working directory when cfgFile is empty. UPDATEGUARD_* environment
// variables override file values. A missing default file is not an error.
func Load(cfgFile string) (*Config, error) {
	cfg := Default()
	v := viper.New()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("updateguard")
		v.SetConfigType("yaml")
		v.AddConfigPath(configDir())
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("UPDATEGUARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnv(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}

	if cfg.DataDir == "" {
		cfg.DataDir = GetDataDir()
	}
	return cfg, nil
}

// bindEnv registers every key so AutomaticEnv can resolve values that are
// absent from the config file.
func bindEnv(v *viper.Viper) {
	for _, key := range []string{
		"site_name", "home_url", "admin_email", "admin_url", "self_plugin",
		"plugins_dir", "temp_backup_dir", "data_dir",
		"probe.timeout_seconds", "probe.max_retries", "probe.on_error",
		"probe.contract_version", "probe.max_body_kb",
		"token.secret", "token.issuer", "token.ttl_seconds",
		"smtp.host", "smtp.port", "smtp.username", "smtp.password", "smtp.from", "smtp.tls_policy",
		"log_level", "log_format", "log_file", "log_max_size_mb", "log_max_backups",
		"audit_enabled", "audit_max_size_mb", "audit_max_backups",
		"metrics_textfile",
	} {
		_ = v.BindEnv(key)
	}
}

// Redacted returns a copy with secrets masked, for display.
func (c *Config) Redacted() *Config {
	out := *c
	if out.Token.Secret != "" {
		out.Token.Secret = "********"
	}
	if out.SMTP.Password != "" {
		out.SMTP.Password = "********"
	}
	return &out
}

// GetDataDir returns the platform default directory for audit logs.
func GetDataDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "UpdateGuard", "data")
	case "darwin":
		return "/Library/Application Support/UpdateGuard/data"
	default:
		return "/var/lib/updateguard"
	}
}

func configDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "UpdateGuard")
	case "darwin":
		return "/Library/Application Support/UpdateGuard"
	default:
		return "/etc/updateguard"
	}
}
