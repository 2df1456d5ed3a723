package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"allegro-autoresponder/allegro"
	"allegro-autoresponder/auth"
	"allegro-autoresponder/config"
	"allegro-autoresponder/email"
	"allegro-autoresponder/metrics"
	"allegro-autoresponder/poll"
	"allegro-autoresponder/server"
	"allegro-autoresponder/storage"

	gcs "cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
)

// app holds the wired components shared by the commands.
type app struct {
	settings  *config.Settings
	logger    *slog.Logger
	store     *storage.Store
	endpoints allegro.Endpoints
	closers   []func() error
}

// setup loads settings and builds the logger and token store.
func setup(ctx context.Context, flags *rootFlags) (*app, error) {
	settings, err := config.Load(flags.configFile)
	if err != nil {
		// No logger configured yet; fall back to the JSON default.
		slog.Error("Failed to load configuration", "error", err)
		return nil, err
	}

	level := settings.LogLevel
	if flags.logLevel != "" {
		level = flags.logLevel
	}
	format := settings.LogFormat
	if flags.logFormat != "" {
		format = flags.logFormat
	}
	logger, err := newLogger(os.Stderr, level, format)
	if err != nil {
		slog.Error("Invalid logging configuration", "error", err)
		return nil, err
	}
	slog.SetDefault(logger)

	a := &app{
		settings:  settings,
		logger:    logger,
		endpoints: allegro.EndpointsFor(settings.Environment),
	}

	var client *gcs.Client
	if settings.CredentialsBucket != "" {
		client, err = gcs.NewClient(ctx)
		if err != nil {
			logger.Error("Failed to initialize Storage client", "error", err)
			return nil, err
		}
		a.closers = append(a.closers, client.Close)
		logger.Info("Persisting refresh token to Cloud Storage", "bucket", settings.CredentialsBucket)
	} else {
		logger.Info("Persisting refresh token to local env file", "path", settings.CredentialsEnvFile)
	}
	a.store = storage.New(client, settings.CredentialsBucket, settings.CredentialsEnvFile, logger)

	return a, nil
}

func (a *app) close() {
	for _, c := range a.closers {
		if err := c(); err != nil {
			a.logger.Warn("Failed to close resource", "error", err)
		}
	}
}

func (a *app) oauth2Config() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     a.settings.ClientID,
		ClientSecret: a.settings.ClientSecret,
		RedirectURL:  a.settings.RedirectURI,
		Endpoint:     a.endpoints.OAuth2(),
	}
}

// restoreRefreshToken prefers a token persisted by an earlier rotation over the
// configured one, since the configured token is invalidated once rotated.
func (a *app) restoreRefreshToken(ctx context.Context) {
	token, err := a.store.LoadRefreshToken(ctx)
	switch {
	case storage.IsNotFound(err):
		a.logger.Debug("No stored refresh token, using configured value")
	case err != nil:
		a.logger.Warn("Failed to load stored refresh token, using configured value", "error", err)
	case token != a.settings.RefreshToken.Get():
		a.settings.RefreshToken.Set(token)
		a.logger.Info("Using stored refresh token")
	}
}

// processor builds the authenticated API client and the poll processor.
func (a *app) processor(ctx context.Context, reg prometheus.Registerer) (*poll.Processor, error) {
	a.restoreRefreshToken(ctx)
	if err := a.settings.ValidateCredentials(); err != nil {
		a.logger.Error("Missing Allegro credentials", "error", err)
		return nil, err
	}

	tokenClient := &http.Client{Timeout: a.settings.RequestTimeout}
	ts := auth.NewTokenSource(ctx, auth.Config{
		OAuth2:     a.oauth2Config(),
		Credential: a.settings.RefreshToken,
		Persister:  a.store,
		HTTPClient: tokenClient,
		Logger:     a.logger,
	})

	httpClient := oauth2.NewClient(ctx, ts)
	httpClient.Timeout = a.settings.RequestTimeout
	api := allegro.New(httpClient, a.endpoints.API, a.settings.RequestTimeout, a.logger)

	opts := []poll.Option{poll.WithMetrics(metrics.New(reg))}
	notifier, err := a.notifier(ctx)
	if err != nil {
		a.logger.Error("Failed to initialize reply notifications", "error", err)
		return nil, err
	}
	if notifier != nil {
		opts = append(opts, poll.WithNotifier(notifier))
	}

	return poll.New(api, a.settings, a.logger, opts...), nil
}

// notifier returns nil when notifications are disabled.
func (a *app) notifier(ctx context.Context) (*email.Sender, error) {
	s := a.settings
	if s.NotifyProvider == "" {
		return nil, nil
	}
	if s.NotifyEmailTo == "" {
		return nil, errors.New("NOTIFY_EMAIL_TO is required when NOTIFY_PROVIDER is set")
	}

	budget := email.NewBudget(s.RequestTimeout)
	var provider email.Provider
	switch s.NotifyProvider {
	case "mock":
		a.logger.Info("Mock email mode enabled")
		provider = email.NewMockProvider(a.logger)
	case "gmail":
		svc, err := initGmailService(ctx, s.GoogleCredentialsJSON)
		if err != nil {
			return nil, fmt.Errorf("init gmail: %w", err)
		}
		provider = email.NewGmailProvider(svc, s.NotifyEmailFrom, budget, a.logger)
	case "brevo":
		if s.BrevoAPIKey == "" || s.NotifyEmailFrom == "" {
			return nil, errors.New("BREVO_API_KEY and NOTIFY_EMAIL_FROM are required for brevo")
		}
		provider = email.NewBrevoProvider(s.BrevoAPIKey, s.NotifyEmailFrom, s.NotifyEmailFromName, budget, a.logger)
	default:
		return nil, fmt.Errorf("unknown NOTIFY_PROVIDER %q", s.NotifyProvider)
	}

	a.logger.Info("Reply notifications enabled", "provider", s.NotifyProvider, "to", s.NotifyEmailTo)
	return email.New(provider, a.logger, s.NotifyEmailTo, s.Environment), nil
}

func initGmailService(ctx context.Context, credsJSON string) (*gmail.Service, error) {
	if credsJSON != "" {
		return gmail.NewService(ctx, option.WithCredentialsJSON([]byte(credsJSON)))
	}
	// Application Default Credentials; needs the gmail.send scope.
	return gmail.NewService(ctx, option.WithScopes(gmail.GmailSendScope))
}

func (a *app) features() server.Features {
	return server.Features{
		ProcessThreads:  true,
		ProcessIssues:   a.settings.ProcessIssues,
		ReplyOnlyFirst:  a.settings.ReplyOnlyFirstMessage,
		ReplyAfterHours: a.settings.ReplyOutsideWorkingHours,
	}
}

func runServe(ctx context.Context, flags *rootFlags) error {
	ctx, stop := signalContext(ctx)
	defer stop()

	a, err := setup(ctx, flags)
	if err != nil {
		return err
	}
	defer a.close()

	p, err := a.processor(ctx, prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}

	a.logger.Info("Allegro autoresponder starting",
		"env", a.settings.Environment,
		"api", a.endpoints.API,
		"poll_interval", a.settings.PollInterval.String(),
		"process_issues", a.settings.ProcessIssues)

	srv := server.New(&server.Config{
		Poller:       p,
		Logger:       a.logger,
		Env:          a.settings.Environment,
		PollInterval: a.settings.PollInterval,
		Features:     a.features(),
	})

	scheduler := poll.NewScheduler(p, a.settings.PollInterval, a.logger)
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		if err := scheduler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Error("Scheduler stopped", "error", err)
		}
	}()

	// Returns once ctx is cancelled, or early when the listener fails.
	err = srv.ListenAndServe(ctx, a.settings.Port)
	if err != nil {
		a.logger.Error("Server failed", "error", err)
	}
	stop()
	<-runDone

	a.logger.Info("Allegro autoresponder stopped")
	return err
}

func runOnce(ctx context.Context, flags *rootFlags, out io.Writer) error {
	ctx, stop := signalContext(ctx)
	defer stop()

	a, err := setup(ctx, flags)
	if err != nil {
		return err
	}
	defer a.close()

	p, err := a.processor(ctx, prometheus.NewRegistry())
	if err != nil {
		return err
	}

	report, runErr := p.ProcessOnce(ctx)
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return runErr
}

type statusOutput struct {
	Environment       string          `json:"env"`
	API               string          `json:"api"`
	PollInterval      string          `json:"poll_interval"`
	RequestTimeout    string          `json:"request_timeout"`
	MaxThreads        int             `json:"max_threads"`
	MaxIssues         int             `json:"max_issues"`
	BusinessTZ        string          `json:"business_tz"`
	WorkingHours      string          `json:"working_hours"`
	Features          server.Features `json:"features"`
	CredentialsOK     bool            `json:"credentials_ok"`
	CredentialsError  string          `json:"credentials_error,omitempty"`
	TokenStore        string          `json:"token_store"`
	NotifyProvider    string          `json:"notify_provider,omitempty"`
	StoredTokenExists *bool           `json:"stored_token_exists,omitempty"`
}

func runStatus(ctx context.Context, flags *rootFlags, out io.Writer) error {
	a, err := setup(ctx, flags)
	if err != nil {
		return err
	}
	defer a.close()

	s := a.settings
	status := statusOutput{
		Environment:    s.Environment,
		API:            a.endpoints.API,
		PollInterval:   s.PollInterval.String(),
		RequestTimeout: s.RequestTimeout.String(),
		MaxThreads:     s.MaxThreadsPerPoll,
		MaxIssues:      s.MaxIssuesPerPoll,
		BusinessTZ:     s.BusinessTZ.String(),
		WorkingHours:   fmt.Sprintf("%02d:00-%02d:00", s.WorkStartHour, s.WorkEndHour),
		Features:       a.features(),
		CredentialsOK:  true,
		TokenStore:     "env:" + s.CredentialsEnvFile,
		NotifyProvider: s.NotifyProvider,
	}
	if err := s.ValidateCredentials(); err != nil {
		status.CredentialsOK = false
		status.CredentialsError = err.Error()
	}
	if s.CredentialsBucket != "" {
		status.TokenStore = "gs://" + s.CredentialsBucket
		lookupCtx, cancel := context.WithTimeout(ctx, s.RequestTimeout)
		_, err := a.store.LoadRefreshToken(lookupCtx)
		cancel()
		exists := err == nil
		status.StoredTokenExists = &exists
		if err != nil && !storage.IsNotFound(err) {
			a.logger.Warn("Failed to check stored refresh token", "error", err)
		}
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(status)
}

func runAuthorize(ctx context.Context, flags *rootFlags, in io.Reader, out io.Writer) error {
	ctx, stop := signalContext(ctx)
	defer stop()

	a, err := setup(ctx, flags)
	if err != nil {
		return err
	}
	defer a.close()

	if a.settings.ClientID == "" || a.settings.ClientSecret == "" || a.settings.RedirectURI == "" {
		err := errors.New("ALLEGRO_CLIENT_ID, ALLEGRO_CLIENT_SECRET and ALLEGRO_REDIRECT_URI are required")
		a.logger.Error("Cannot start authorization", "error", err)
		return err
	}

	_, err = auth.Bootstrap(ctx, auth.BootstrapConfig{
		OAuth2:     a.oauth2Config(),
		Persister:  a.store,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		In:         in,
		Out:        out,
	})
	if err != nil {
		a.logger.Error("Authorization failed", "error", err)
		return err
	}
	return nil
}
