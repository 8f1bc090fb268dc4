package credentials

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/13ty/agor-sub000/internal/common/logger"
	"github.com/13ty/agor-sub000/internal/db"
)

func testPool(t *testing.T) *db.Pool {
	t.Helper()
	pool, err := db.OpenSQLiteFile(filepath.Join(t.TempDir(), "creds.db"))
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })
	return pool
}

func testStore(t *testing.T) *Store {
	t.Helper()
	keys, err := NewMasterKeyProvider(t.TempDir())
	require.NoError(t, err)
	store, err := NewStore(testPool(t), keys)
	require.NoError(t, err)
	return store
}

func TestMasterKeyPersistsAcrossLoads(t *testing.T) {
	dir := t.TempDir()

	first, err := NewMasterKeyProvider(dir)
	require.NoError(t, err)
	second, err := NewMasterKeyProvider(dir)
	require.NoError(t, err)
	assert.Equal(t, first.Key(), second.Key())

	info, err := os.Stat(filepath.Join(dir, MasterKeyFile))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	keys, err := NewMasterKeyProvider(t.TempDir())
	require.NoError(t, err)

	ciphertext, nonce, err := keys.Seal([]byte("sk-ant-secret"))
	require.NoError(t, err)
	assert.NotEqual(t, []byte("sk-ant-secret"), ciphertext)

	plaintext, err := keys.Open(ciphertext, nonce)
	require.NoError(t, err)
	assert.Equal(t, "sk-ant-secret", string(plaintext))
}

func TestDecryptWithWrongKeyFails(t *testing.T) {
	a, err := NewMasterKeyProvider(t.TempDir())
	require.NoError(t, err)
	b, err := NewMasterKeyProvider(t.TempDir())
	require.NoError(t, err)

	ciphertext, nonce, err := a.Seal([]byte("value"))
	require.NoError(t, err)
	_, err = b.Open(ciphertext, nonce)
	assert.Error(t, err)
}

func TestStoreSetGetDelete(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "user-1", KeyAnthropic, "sk-one"))
	require.NoError(t, store.Set(ctx, "user-1", KeyOpenAI, "sk-two"))

	value, err := store.Get(ctx, "user-1", KeyAnthropic)
	require.NoError(t, err)
	assert.Equal(t, "sk-one", value)

	// Upsert replaces.
	require.NoError(t, store.Set(ctx, "user-1", KeyAnthropic, "sk-rotated"))
	value, err = store.Get(ctx, "user-1", KeyAnthropic)
	require.NoError(t, err)
	assert.Equal(t, "sk-rotated", value)

	keys, err := store.ListKeys(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, []string{KeyAnthropic, KeyOpenAI}, keys)

	require.NoError(t, store.Delete(ctx, "user-1", KeyAnthropic))
	_, err = store.Get(ctx, "user-1", KeyAnthropic)
	assert.ErrorIs(t, err, ErrNotFound)

	// Other users never see the credential.
	_, err = store.Get(ctx, "user-2", KeyOpenAI)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestServiceResolution(t *testing.T) {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	store := testStore(t)
	svc := NewService(store, log)
	ctx := context.Background()

	// NONE short-circuits.
	value, err := svc.Resolve(ctx, "user-1", KeyNone)
	require.NoError(t, err)
	assert.Empty(t, value)

	// Vault hit wins over the environment.
	t.Setenv(KeyGemini, "env-key")
	require.NoError(t, store.Set(ctx, "user-1", KeyGemini, "vault-key"))
	value, err = svc.Resolve(ctx, "user-1", KeyGemini)
	require.NoError(t, err)
	assert.Equal(t, "vault-key", value)

	// Environment fallback when the vault has nothing.
	value, err = svc.Resolve(ctx, "user-2", KeyGemini)
	require.NoError(t, err)
	assert.Equal(t, "env-key", value)

	// Unrecognized keys never fall back to the environment.
	t.Setenv("RANDOM_TOKEN", "x")
	_, err = svc.Resolve(ctx, "user-1", "RANDOM_TOKEN")
	assert.ErrorIs(t, err, ErrNotFound)
}
