package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Version information, set with -ldflags during build
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// GetVersionInfo returns a formatted version string
func GetVersionInfo() string {
	return fmt.Sprintf("tokenbroker version %s, commit %s, built at %s", version, commit, date)
}

const envPrefix = "TOKENBROKER"

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Logging LoggingConfig `mapstructure:"logging"`
	Mailbox MailboxConfig `mapstructure:"mailbox"`
	OTP     OTPConfig     `mapstructure:"otp"`
	Browser BrowserConfig `mapstructure:"browser"`
	PubKey  PubKeyConfig  `mapstructure:"pubkey"`
	Alert   AlertConfig   `mapstructure:"alert"`
}

type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	// RequestTimeout bounds one /acquire-token call end to end.
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// Addr returns host:port.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type LoggingConfig struct {
	Level             string `mapstructure:"level"`
	Format            string `mapstructure:"format"`
	DisableStacktrace bool   `mapstructure:"disable_stacktrace"`
	OutputPath        string `mapstructure:"output_path"`
	AppendToFile      bool   `mapstructure:"append_to_file"`
	DisableConsole    bool   `mapstructure:"disable_console"`
}

// Route maps one mail domain to its IMAP host.
type Route struct {
	Domain string `mapstructure:"domain"`
	Host   string `mapstructure:"host"`
}

type MailboxConfig struct {
	Routes       []Route       `mapstructure:"routes"`
	FetchTimeout time.Duration `mapstructure:"fetch_timeout"`
	OTPSender    string        `mapstructure:"otp_sender"`
}

// RouteMap returns the routes keyed by domain.
func (c MailboxConfig) RouteMap() map[string]string {
	routes := make(map[string]string, len(c.Routes))
	for _, r := range c.Routes {
		routes[strings.ToLower(r.Domain)] = r.Host
	}
	return routes
}

type OTPConfig struct {
	// FacadeURL points the poll client at a remote /otp-batch endpoint.
	// Empty means the local mailbox fetcher is used directly.
	FacadeURL    string        `mapstructure:"facade_url"`
	PollAttempts int           `mapstructure:"poll_attempts"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

type BrowserConfig struct {
	Headless      bool   `mapstructure:"headless"`
	UserAgent     string `mapstructure:"user_agent"`
	ExecPath      string `mapstructure:"exec_path"`
	ScreenshotDir string `mapstructure:"screenshot_dir"`
}

type PubKeyConfig struct {
	NodesURL string        `mapstructure:"nodes_url"`
	Attempts int           `mapstructure:"attempts"`
	Interval time.Duration `mapstructure:"interval"`
}

type AlertConfig struct {
	ResendAPIKey string   `mapstructure:"resend_api_key"`
	From         string   `mapstructure:"from"`
	To           []string `mapstructure:"to"`
}

// Enabled reports whether failure alerts should be sent.
func (c AlertConfig) Enabled() bool {
	return c.ResendAPIKey != ""
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 3000)
	v.SetDefault("server.request_timeout", "15m")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.disable_stacktrace", false)
	v.SetDefault("logging.output_path", "")
	v.SetDefault("logging.append_to_file", true)
	v.SetDefault("logging.disable_console", false)

	v.SetDefault("mailbox.routes", []map[string]any{
		{"domain": "veer.vn", "host": "mail.veer.vn"},
		{"domain": "tourzy.us", "host": "imap.bizflycloud.vn"},
		{"domain": "bizfly.vn", "host": "imap.bizflycloud.vn"},
	})
	v.SetDefault("mailbox.fetch_timeout", "30s")
	v.SetDefault("mailbox.otp_sender", "no-reply@web3auth.io")

	v.SetDefault("otp.facade_url", "")
	v.SetDefault("otp.poll_attempts", 5)
	v.SetDefault("otp.poll_interval", "3s")

	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.user_agent", "")
	v.SetDefault("browser.exec_path", "")
	v.SetDefault("browser.screenshot_dir", "")

	v.SetDefault("pubkey.nodes_url", "https://gateway-run.bls.dev/api/v1/nodes")
	v.SetDefault("pubkey.attempts", 10)
	v.SetDefault("pubkey.interval", "10s")

	v.SetDefault("alert.resend_api_key", "")
	v.SetDefault("alert.from", "")
	v.SetDefault("alert.to", []string{})
}

// flagKeys maps command line flags to config keys.
var flagKeys = map[string]string{
	"host":           "server.host",
	"port":           "server.port",
	"log-level":      "logging.level",
	"log-format":     "logging.format",
	"headless":       "browser.headless",
	"screenshot-dir": "browser.screenshot_dir",
	"otp-facade-url": "otp.facade_url",
}

// RegisterFlags adds the flags Load understands to fs.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "Path to a config file (default ./config.yaml or /etc/tokenbroker/config.yaml)")
	fs.String("host", "0.0.0.0", "HTTP listen host")
	fs.Int("port", 3000, "HTTP listen port")
	fs.String("log-level", "info", "Log level (debug|info|warn|error)")
	fs.String("log-format", "console", "Log format (console|json)")
	fs.Bool("headless", true, "Run Chrome headless")
	fs.String("screenshot-dir", "", "Save a page screenshot here when a login fails")
	fs.String("otp-facade-url", "", "Poll a remote /otp-batch endpoint instead of the mailboxes")
}

// Load reads defaults, then the config file, then TOKENBROKER_* environment
// variables, then flags set on fs. fs may be nil.
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	configFile := ""
	if fs != nil {
		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, err
				}
			}
		}
		configFile, _ = fs.GetString("config")
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/tokenbroker")
	}

	if err := v.ReadInConfig(); err != nil {
		// The config file is optional unless named explicitly
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the loaded values.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port))
	}
	if c.Server.RequestTimeout <= 0 {
		errs = append(errs, errors.New("server.request_timeout must be positive"))
	}

	switch c.Logging.Format {
	case "console", "json", "":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be console or json, got %q", c.Logging.Format))
	}

	if len(c.Mailbox.Routes) == 0 {
		errs = append(errs, errors.New("mailbox.routes must not be empty"))
	}
	for i, r := range c.Mailbox.Routes {
		if r.Domain == "" || r.Host == "" {
			errs = append(errs, fmt.Errorf("mailbox.routes[%d] needs both domain and host", i))
		}
	}
	if c.Mailbox.FetchTimeout <= 0 {
		errs = append(errs, errors.New("mailbox.fetch_timeout must be positive"))
	}

	if c.OTP.PollAttempts <= 0 {
		errs = append(errs, errors.New("otp.poll_attempts must be positive"))
	}
	if c.OTP.PollInterval < 0 {
		errs = append(errs, errors.New("otp.poll_interval must not be negative"))
	}

	if c.PubKey.NodesURL == "" {
		errs = append(errs, errors.New("pubkey.nodes_url is required"))
	}
	if c.PubKey.Attempts <= 0 {
		errs = append(errs, errors.New("pubkey.attempts must be positive"))
	}
	if c.PubKey.Interval < 0 {
		errs = append(errs, errors.New("pubkey.interval must not be negative"))
	}

	if c.Alert.Enabled() && (c.Alert.From == "" || len(c.Alert.To) == 0) {
		errs = append(errs, errors.New("alert.from and alert.to are required when alert.resend_api_key is set, please adjust the config or set TOKENBROKER_ALERT_FROM and TOKENBROKER_ALERT_TO"))
	}

	return errors.Join(errs...)
}
