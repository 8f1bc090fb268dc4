package credentials

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/13ty/agor-sub000/internal/common/logger"
	"github.com/13ty/agor-sub000/internal/db"
	"github.com/13ty/agor-sub000/internal/db/dialect"
)

// ErrNotFound is returned when no credential exists for the user/key pair
// and no environment fallback applies.
var ErrNotFound = errors.New("credential not found")

// recognized credential keys. NONE means the tool needs no API key.
const (
	KeyAnthropic = "ANTHROPIC_API_KEY"
	KeyOpenAI    = "OPENAI_API_KEY"
	KeyGemini    = "GEMINI_API_KEY"
	KeyNone      = "NONE"
)

var envFallbackKeys = map[string]bool{
	KeyAnthropic: true,
	KeyOpenAI:    true,
	KeyGemini:    true,
}

// Provider releases a credential value for a user.
type Provider interface {
	Get(ctx context.Context, userID, key string) (string, error)
}

// Store persists encrypted credentials.
type Store struct {
	pool *db.Pool
	keys *MasterKeyProvider
}

const credentialsSchema = `
CREATE TABLE IF NOT EXISTS credentials (
	user_id    TEXT NOT NULL,
	key        TEXT NOT NULL,
	ciphertext BLOB NOT NULL,
	nonce      BLOB NOT NULL,
	PRIMARY KEY (user_id, key)
)`

// NewStore initializes the credentials table.
func NewStore(pool *db.Pool, keys *MasterKeyProvider) (*Store, error) {
	schema := credentialsSchema
	if dialect.IsPostgres(pool.DriverName()) {
		// BLOB is sqlite spelling.
		schema = `
CREATE TABLE IF NOT EXISTS credentials (
	user_id    TEXT NOT NULL,
	key        TEXT NOT NULL,
	ciphertext BYTEA NOT NULL,
	nonce      BYTEA NOT NULL,
	PRIMARY KEY (user_id, key)
)`
	}
	if _, err := pool.Writer().Exec(schema); err != nil {
		return nil, fmt.Errorf("init credentials schema: %w", err)
	}
	return &Store{pool: pool, keys: keys}, nil
}

// Set encrypts and upserts a credential.
func (s *Store) Set(ctx context.Context, userID, key, value string) error {
	ciphertext, nonce, err := s.keys.Seal([]byte(value))
	if err != nil {
		return err
	}
	writer := s.pool.Writer()
	query := writer.Rebind(`DELETE FROM credentials WHERE user_id = ? AND key = ?`)
	if _, err := writer.ExecContext(ctx, query, userID, key); err != nil {
		return fmt.Errorf("replace credential: %w", err)
	}
	query = writer.Rebind(`INSERT INTO credentials (user_id, key, ciphertext, nonce) VALUES (?, ?, ?, ?)`)
	if _, err := writer.ExecContext(ctx, query, userID, key, ciphertext, nonce); err != nil {
		return fmt.Errorf("store credential: %w", err)
	}
	return nil
}

// Get decrypts a stored credential.
func (s *Store) Get(ctx context.Context, userID, key string) (string, error) {
	reader := s.pool.Reader()
	var row struct {
		Ciphertext []byte `db:"ciphertext"`
		Nonce      []byte `db:"nonce"`
	}
	query := reader.Rebind(`SELECT ciphertext, nonce FROM credentials WHERE user_id = ? AND key = ?`)
	err := reader.GetContext(ctx, &row, query, userID, key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("load credential: %w", err)
	}
	plaintext, err := s.keys.Open(row.Ciphertext, row.Nonce)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// Delete removes a credential.
func (s *Store) Delete(ctx context.Context, userID, key string) error {
	writer := s.pool.Writer()
	query := writer.Rebind(`DELETE FROM credentials WHERE user_id = ? AND key = ?`)
	_, err := writer.ExecContext(ctx, query, userID, key)
	return err
}

// ListKeys returns the credential keys a user has stored, never the values.
func (s *Store) ListKeys(ctx context.Context, userID string) ([]string, error) {
	reader := s.pool.Reader()
	var keys []string
	query := reader.Rebind(`SELECT key FROM credentials WHERE user_id = ? ORDER BY key`)
	if err := reader.SelectContext(ctx, &keys, query, userID); err != nil {
		return nil, err
	}
	return keys, nil
}

// EnvProvider serves recognized keys straight from the daemon environment.
type EnvProvider struct{}

func (EnvProvider) Get(_ context.Context, _ string, key string) (string, error) {
	if !envFallbackKeys[key] {
		return "", ErrNotFound
	}
	if value := os.Getenv(key); value != "" {
		return value, nil
	}
	return "", ErrNotFound
}

// Service resolves credentials: the per-user vault first, then the
// environment fallback.
type Service struct {
	store    *Store
	fallback Provider
	logger   *logger.Logger
}

// NewService wires the vault and the environment fallback. store may be nil
// when the daemon runs without persistent credentials.
func NewService(store *Store, log *logger.Logger) *Service {
	return &Service{store: store, fallback: EnvProvider{}, logger: log}
}

// Resolve releases the credential for a user. A NONE key resolves to the
// empty string without touching storage.
func (s *Service) Resolve(ctx context.Context, userID, key string) (string, error) {
	if key == KeyNone || key == "" {
		return "", nil
	}
	if s.store != nil {
		value, err := s.store.Get(ctx, userID, key)
		if err == nil {
			return value, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return "", err
		}
	}
	value, err := s.fallback.Get(ctx, userID, key)
	if err != nil {
		s.logger.Warn("credential unavailable",
			zap.String("user_id", userID),
			zap.String("key", key))
		return "", err
	}
	return value, nil
}
