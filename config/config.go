// Package config loads process-wide settings for the autoresponder.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata" // BUSINESS_TZ must resolve in minimal containers

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Default reply templates.
const (
	DefaultFirstContactTemplate = "Dziękujemy za kontakt! Wkrótce wrócimy z odpowiedzią. (Wiadomość automatyczna)"
	DefaultIssueTemplate        = "Dziękujemy za zgłoszenie problemu. Sprawdzimy sprawę i wkrótce się z Tobą skontaktujemy."
)

// Settings is read once at startup and never mutated afterwards,
// except for the refresh credential which has its own synchronization.
type Settings struct {
	RefreshToken *Credential

	BusinessTZ *time.Location

	ClientID     string
	ClientSecret string
	RedirectURI  string
	Environment  string

	FirstContactTemplate string
	IssueTemplate        string

	Port                  string
	CredentialsEnvFile    string
	CredentialsBucket     string
	NotifyProvider        string // "", "mock", "gmail" or "brevo"
	NotifyEmailTo         string
	NotifyEmailFrom       string
	NotifyEmailFromName   string
	BrevoAPIKey           string
	GoogleCredentialsJSON string
	LogLevel              string
	LogFormat             string

	PollInterval   time.Duration
	RequestTimeout time.Duration

	MaxThreadsPerPoll int
	MaxIssuesPerPoll  int
	WorkStartHour     int
	WorkEndHour       int

	// Loaded for parity with the business rules but not consulted when deciding.
	ReplyOutsideWorkingHours bool
	ReplyOnlyFirstMessage    bool

	ProcessIssues bool
}

var defaults = map[string]string{
	"allegro_client_id":       "",
	"allegro_client_secret":   "",
	"allegro_refresh_token":   "",
	"allegro_redirect_uri":    "",
	"allegro_env":             "production",
	"poll_interval":           "60",
	"max_threads":             "5",
	"max_issues":              "5",
	"business_tz":             "Europe/Warsaw",
	"work_start_h":            "9",
	"work_end_h":              "17",
	"template_first_contact":  DefaultFirstContactTemplate,
	"template_issue":          DefaultIssueTemplate,
	"reply_after_hours":       "true",
	"reply_only_first":        "true",
	"process_issues":          "true",
	"request_timeout":         "30",
	"port":                    "8080",
	"credentials_env_file":    ".env",
	"credentials_bucket":      "",
	"notify_provider":         "",
	"notify_email_to":         "",
	"notify_email_from":       "",
	"notify_email_from_name":  "Allegro Autoresponder",
	"brevo_api_key":           "",
	"google_credentials_json": "",
	"log_level":               "info",
	"log_format":              "json",
}

// Load reads settings from the .env file, the environment and an optional config file.
// Values already present in the environment win over the .env file.
func Load(configFile string) (*Settings, error) {
	envFile := os.Getenv("CREDENTIALS_ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", envFile, err)
	}

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}

	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Settings, error) {
	s := &Settings{
		RefreshToken:          NewCredential(strings.TrimSpace(v.GetString("allegro_refresh_token"))),
		ClientID:              strings.TrimSpace(v.GetString("allegro_client_id")),
		ClientSecret:          strings.TrimSpace(v.GetString("allegro_client_secret")),
		RedirectURI:           v.GetString("allegro_redirect_uri"),
		Environment:           v.GetString("allegro_env"),
		FirstContactTemplate:  v.GetString("template_first_contact"),
		IssueTemplate:         v.GetString("template_issue"),
		Port:                  v.GetString("port"),
		CredentialsEnvFile:    v.GetString("credentials_env_file"),
		CredentialsBucket:     v.GetString("credentials_bucket"),
		NotifyProvider:        strings.ToLower(v.GetString("notify_provider")),
		NotifyEmailTo:         v.GetString("notify_email_to"),
		NotifyEmailFrom:       v.GetString("notify_email_from"),
		NotifyEmailFromName:   v.GetString("notify_email_from_name"),
		BrevoAPIKey:           v.GetString("brevo_api_key"),
		GoogleCredentialsJSON: v.GetString("google_credentials_json"),
		LogLevel:              v.GetString("log_level"),
		LogFormat:             v.GetString("log_format"),

		ReplyOutsideWorkingHours: boolValue(v, "reply_after_hours"),
		ReplyOnlyFirstMessage:    boolValue(v, "reply_only_first"),
		ProcessIssues:            boolValue(v, "process_issues"),
	}

	var errs []error
	pollSeconds := intValue(v, "poll_interval", &errs)
	timeoutSeconds := intValue(v, "request_timeout", &errs)
	s.MaxThreadsPerPoll = intValue(v, "max_threads", &errs)
	s.MaxIssuesPerPoll = intValue(v, "max_issues", &errs)
	s.WorkStartHour = intValue(v, "work_start_h", &errs)
	s.WorkEndHour = intValue(v, "work_end_h", &errs)
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	if pollSeconds <= 0 {
		return nil, fmt.Errorf("POLL_INTERVAL must be positive, got %d", pollSeconds)
	}
	if timeoutSeconds <= 0 {
		return nil, fmt.Errorf("REQUEST_TIMEOUT must be positive, got %d", timeoutSeconds)
	}
	if s.MaxThreadsPerPoll < 0 || s.MaxIssuesPerPoll < 0 {
		return nil, errors.New("MAX_THREADS and MAX_ISSUES must not be negative")
	}
	s.PollInterval = time.Duration(pollSeconds) * time.Second
	s.RequestTimeout = time.Duration(timeoutSeconds) * time.Second

	tz := v.GetString("business_tz")
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("load BUSINESS_TZ %q: %w", tz, err)
	}
	s.BusinessTZ = loc

	return s, nil
}

// ValidateCredentials reports whether the API credentials needed for polling are present.
func (s *Settings) ValidateCredentials() error {
	var missing []string
	if s.ClientID == "" {
		missing = append(missing, "ALLEGRO_CLIENT_ID")
	}
	if s.ClientSecret == "" {
		missing = append(missing, "ALLEGRO_CLIENT_SECRET")
	}
	if s.RefreshToken.Get() == "" {
		missing = append(missing, "ALLEGRO_REFRESH_TOKEN")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required settings: %s", strings.Join(missing, ", "))
	}
	return nil
}

// IsSandbox reports whether the sandbox environment is selected.
func (s *Settings) IsSandbox() bool {
	return strings.HasPrefix(strings.ToLower(s.Environment), "sandbox")
}

// Only the literal "true" (any case) enables a switch.
func boolValue(v *viper.Viper, key string) bool {
	return strings.EqualFold(strings.TrimSpace(v.GetString(key)), "true")
}

func intValue(v *viper.Viper, key string, errs *[]error) int {
	raw := strings.TrimSpace(v.GetString(key))
	n, err := strconv.Atoi(raw)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: invalid integer %q", strings.ToUpper(key), raw))
		return 0
	}
	return n
}
