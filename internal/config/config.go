package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	OCRProviderAzure  = "azure"
	OCRProviderVision = "vision"

	notificationPath = "/api/messages"
	operatorPath     = "/api/subscriptions/new"
)

type Config struct {
	Port string

	AppID     string
	AppSecret string
	TenantID  string

	MailUser           string
	FolderID           string
	SubscriptionFilter string
	PublicURL          string
	GraphBaseURL       string
	AuthorityURL       string
	NotesSectionID     string

	OCRProvider     string
	OCREndpoint     string
	OCRKey          string
	VisionAPIKey    string
	OCRMaxAttempts  int
	OCRPollInterval time.Duration

	SubscriptionLifetime time.Duration
	RenewalThreshold     time.Duration
	SweepInterval        time.Duration
	SubscribeOnStart     bool
	ResubscribeOnLapse   bool

	HTTPTimeout       time.Duration
	ProcessingTimeout time.Duration

	LineChannelToken  string
	LineChannelSecret string
	LineAlertUserID   string
	OperatorToken     string

	LogLevel string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", "8080")
	v.SetDefault("graph_base_url", "https://graph.microsoft.com/v1.0")
	v.SetDefault("authority_url", "https://login.microsoftonline.com")
	v.SetDefault("ocr_provider", OCRProviderAzure)
	v.SetDefault("ocr_max_attempts", 10)
	v.SetDefault("ocr_poll_interval", "1s")
	v.SetDefault("subscription_lifetime", "4230m")
	v.SetDefault("renewal_threshold", "2h")
	v.SetDefault("sweep_interval", "1h")
	v.SetDefault("subscribe_on_start", true)
	v.SetDefault("resubscribe_on_lapse", true)
	v.SetDefault("http_timeout", "30s")
	v.SetDefault("processing_timeout", "5m")
	v.SetDefault("log_level", "info")
}

// Load reads configuration from the environment. When CONFIG_FILE is set the
// file is read first and environment variables override it.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
		slog.Info("config file loaded", "path", path)
	}

	cfg := &Config{
		Port:                 v.GetString("port"),
		AppID:                v.GetString("app_id"),
		AppSecret:            v.GetString("app_secret"),
		TenantID:             v.GetString("tenant_id"),
		MailUser:             v.GetString("mail_user"),
		FolderID:             v.GetString("folder_id"),
		SubscriptionFilter:   v.GetString("subscription_filter"),
		PublicURL:            strings.TrimRight(v.GetString("public_url"), "/"),
		GraphBaseURL:         v.GetString("graph_base_url"),
		AuthorityURL:         v.GetString("authority_url"),
		NotesSectionID:       v.GetString("notes_section_id"),
		OCRProvider:          strings.ToLower(v.GetString("ocr_provider")),
		OCREndpoint:          v.GetString("ocr_endpoint"),
		OCRKey:               v.GetString("ocr_key"),
		VisionAPIKey:         v.GetString("vision_api_key"),
		OCRMaxAttempts:       v.GetInt("ocr_max_attempts"),
		OCRPollInterval:      v.GetDuration("ocr_poll_interval"),
		SubscriptionLifetime: v.GetDuration("subscription_lifetime"),
		RenewalThreshold:     v.GetDuration("renewal_threshold"),
		SweepInterval:        v.GetDuration("sweep_interval"),
		SubscribeOnStart:     v.GetBool("subscribe_on_start"),
		ResubscribeOnLapse:   v.GetBool("resubscribe_on_lapse"),
		HTTPTimeout:          v.GetDuration("http_timeout"),
		ProcessingTimeout:    v.GetDuration("processing_timeout"),
		LineChannelToken:     v.GetString("line_channel_token"),
		LineChannelSecret:    v.GetString("line_channel_secret"),
		LineAlertUserID:      v.GetString("line_alert_user_id"),
		OperatorToken:        v.GetString("operator_token"),
		LogLevel:             v.GetString("log_level"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var missing []string
	require := func(name, value string) {
		if value == "" {
			missing = append(missing, name)
		}
	}

	require("APP_ID", c.AppID)
	require("APP_SECRET", c.AppSecret)
	require("TENANT_ID", c.TenantID)
	require("MAIL_USER", c.MailUser)
	require("FOLDER_ID", c.FolderID)
	require("PUBLIC_URL", c.PublicURL)

	var errs []error
	switch c.OCRProvider {
	case OCRProviderAzure:
		require("OCR_ENDPOINT", c.OCREndpoint)
		require("OCR_KEY", c.OCRKey)
	case OCRProviderVision:
		require("VISION_API_KEY", c.VisionAPIKey)
	default:
		errs = append(errs, fmt.Errorf("OCR_PROVIDER must be %q or %q, got %q", OCRProviderAzure, OCRProviderVision, c.OCRProvider))
	}

	if len(missing) > 0 {
		errs = append(errs, fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", ")))
	}

	if c.PublicURL != "" {
		u, err := url.Parse(c.PublicURL)
		if err != nil || u.Scheme != "https" && u.Scheme != "http" || u.Host == "" {
			errs = append(errs, fmt.Errorf("PUBLIC_URL must be an absolute http(s) URL, got %q", c.PublicURL))
		}
	}
	if c.SweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("SWEEP_INTERVAL must be positive"))
	}
	if c.SweepInterval >= c.RenewalThreshold {
		errs = append(errs, fmt.Errorf("SWEEP_INTERVAL (%s) must be shorter than RENEWAL_THRESHOLD (%s)", c.SweepInterval, c.RenewalThreshold))
	}
	if c.OCRMaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("OCR_MAX_ATTEMPTS must be positive"))
	}
	if c.HTTPTimeout <= 0 {
		errs = append(errs, fmt.Errorf("HTTP_TIMEOUT must be positive"))
	}
	if c.LineAlertUserID != "" && c.LineChannelToken == "" {
		errs = append(errs, fmt.Errorf("LINE_ALERT_USER_ID requires LINE_CHANNEL_TOKEN"))
	}
	// The chat bot runs commands only for the alert recipient.
	if c.LineChannelSecret != "" && c.LineAlertUserID == "" {
		errs = append(errs, fmt.Errorf("LINE_CHANNEL_SECRET requires LINE_ALERT_USER_ID"))
	}

	return errors.Join(errs...)
}

// NotificationURL is where the provider delivers change notifications.
func (c *Config) NotificationURL() string {
	return c.PublicURL + notificationPath
}

// OperatorURL recreates a subscription when opened; it is linked from lapse alerts.
func (c *Config) OperatorURL() string {
	if c.OperatorToken == "" {
		return c.PublicURL + operatorPath
	}
	return c.PublicURL + operatorPath + "?token=" + url.QueryEscape(c.OperatorToken)
}

func (c *Config) LineEnabled() bool {
	return c.LineChannelToken != ""
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
