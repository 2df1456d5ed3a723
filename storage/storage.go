// Package storage persists the rotating Allegro refresh token.
//
// Tokens go to a Cloud Storage object when a bucket is configured, and to a
// local .env file otherwise, so a restart picks up the latest rotation.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
	"github.com/joho/godotenv"
)

// RefreshTokenKey is the .env key holding the refresh token.
const RefreshTokenKey = "ALLEGRO_REFRESH_TOKEN"

const objectName = "allegro-refresh-token.json"

// ErrNotFound is returned when no token has been stored yet.
var ErrNotFound = errors.New("storage: refresh token not found")

type record struct {
	UpdatedAt    time.Time `json:"updated_at"`
	RefreshToken string    `json:"refresh_token"`
}

// Store handles refresh token persistence.
type Store struct {
	client  *storage.Client
	logger  *slog.Logger
	envFile string
	bucket  string
}

// New creates a new storage handler. A nil client or empty bucket selects the local envFile.
func New(client *storage.Client, bucket string, envFile string, logger *slog.Logger) *Store {
	return &Store{
		client:  client,
		logger:  logger,
		envFile: envFile,
		bucket:  bucket,
	}
}

func (s *Store) useCloud() bool {
	return s.client != nil && s.bucket != ""
}

// SaveRefreshToken stores token, replacing any previous value.
func (s *Store) SaveRefreshToken(ctx context.Context, token string) error {
	if !s.useCloud() {
		return s.saveLocal(token)
	}

	data, err := json.MarshalIndent(record{RefreshToken: token, UpdatedAt: time.Now().UTC()}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal token record: %w", err)
	}

	err = retry.Do(
		func() error {
			w := s.client.Bucket(s.bucket).Object(objectName).NewWriter(ctx)
			w.ContentType = "application/json"
			if _, writeErr := w.Write(data); writeErr != nil {
				if closeErr := w.Close(); closeErr != nil {
					s.logger.Warn("Failed to close writer after error", "error", closeErr)
				}
				return fmt.Errorf("write to storage: %w", writeErr)
			}
			if closeErr := w.Close(); closeErr != nil {
				return fmt.Errorf("close storage writer: %w", closeErr)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(2*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			s.logger.Info("Retrying token save after error", "attempt", n, "object", objectName, "error", retryErr)
		}),
	)
	if err != nil {
		return fmt.Errorf("save after retries: %w", err)
	}

	s.logger.Info("Refresh token saved", "bucket", s.bucket, "object", objectName)
	return nil
}

// LoadRefreshToken returns the stored token, or ErrNotFound.
func (s *Store) LoadRefreshToken(ctx context.Context) (string, error) {
	if !s.useCloud() {
		return s.loadLocal()
	}

	var data []byte
	err := retry.Do(
		func() error {
			r, openErr := s.client.Bucket(s.bucket).Object(objectName).NewReader(ctx)
			if openErr != nil {
				if errors.Is(openErr, storage.ErrObjectNotExist) {
					return retry.Unrecoverable(ErrNotFound)
				}
				return fmt.Errorf("open storage reader: %w", openErr)
			}
			defer func() {
				if closeErr := r.Close(); closeErr != nil {
					s.logger.Warn("Failed to close storage reader", "error", closeErr)
				}
			}()

			var readErr error
			data, readErr = io.ReadAll(r)
			if readErr != nil {
				return fmt.Errorf("read from storage: %w", readErr)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(2*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			s.logger.Info("Retrying token load after error", "attempt", n, "object", objectName, "error", retryErr)
		}),
	)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("load after retries: %w", err)
	}

	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return "", fmt.Errorf("unmarshal token record: %w", err)
	}
	if rec.RefreshToken == "" {
		return "", ErrNotFound
	}
	return rec.RefreshToken, nil
}

// saveLocal rewrites the .env file with the new token, keeping its other keys.
func (s *Store) saveLocal(token string) error {
	env, err := godotenv.Read(s.envFile)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("read %s: %w", s.envFile, err)
		}
		env = map[string]string{}
	}
	env[RefreshTokenKey] = token

	if err := godotenv.Write(env, s.envFile); err != nil {
		return fmt.Errorf("write %s: %w", s.envFile, err)
	}
	if err := os.Chmod(s.envFile, 0o600); err != nil {
		s.logger.Warn("Failed to restrict env file permissions", "path", s.envFile, "error", err)
	}

	s.logger.Info("Refresh token saved to local env file", "path", s.envFile)
	return nil
}

func (s *Store) loadLocal() (string, error) {
	env, err := godotenv.Read(s.envFile)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("read %s: %w", s.envFile, err)
	}
	token := env[RefreshTokenKey]
	if token == "" {
		return "", ErrNotFound
	}
	return token, nil
}

// IsNotFound checks if an error indicates no token has been stored.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
