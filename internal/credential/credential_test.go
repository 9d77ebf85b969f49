package credential

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/securewatch/agent/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testSecurityConfig(dir string) config.SecurityConfig {
	return config.SecurityConfig{
		MasterPasswordEnv:    "SECUREWATCH_TEST_MASTER_PASSWORD",
		CredentialStorePath:  filepath.Join(dir, "credentials.json"),
		AuditLogPath:         filepath.Join(dir, "audit.log"),
		PBKDF2Iterations:     100_000,
		RotationIntervalSec:  3600,
		MaxCredentialAgeSec:  86_400,
		BackupRetentionCount: 2,
		WriteBackups:         true,
	}
}

func newTestStore(t *testing.T, password string) *Store {
	t.Helper()
	s, err := New(testSecurityConfig(t.TempDir()), testLogger())
	require.NoError(t, err)
	require.NoError(t, s.Initialize(context.Background(), password))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStoreGetRoundTrip(t *testing.T) {
	s := newTestStore(t, "hunter2-master")
	require.NoError(t, s.Store("api-key-1", TypeAPIKey, "super-secret-value", map[string]string{"service": "ingest"}, false))

	got, err := s.Get("api-key-1")
	require.NoError(t, err)
	require.Equal(t, "super-secret-value", got)
}

func TestGetUnknownCredentialFails(t *testing.T) {
	s := newTestStore(t, "hunter2-master")
	_, err := s.Get("does-not-exist")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestGetFailsWithoutInitialize(t *testing.T) {
	s, err := New(testSecurityConfig(t.TempDir()), testLogger())
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Get("anything")
	require.ErrorIs(t, err, ErrMasterKeyNotInitialized)
}

func TestRotateUpdatesValue(t *testing.T) {
	s := newTestStore(t, "hunter2-master")
	require.NoError(t, s.Store("db-pass", TypeDatabasePassword, "old-value", nil, false))

	require.NoError(t, s.Rotate("db-pass", "new-value"))
	got, err := s.Get("db-pass")
	require.NoError(t, err)
	require.Equal(t, "new-value", got)
}

func TestRotateUnknownCredentialFails(t *testing.T) {
	s := newTestStore(t, "hunter2-master")
	require.Error(t, s.Rotate("nope", "x"))
}

func TestDeleteRemovesCredential(t *testing.T) {
	s := newTestStore(t, "hunter2-master")
	require.NoError(t, s.Store("temp", TypeAPIKey, "v", nil, false))
	require.NoError(t, s.Delete("temp"))

	_, err := s.Get("temp")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestListExcludesCanaryAndNeverLeaksValues(t *testing.T) {
	s := newTestStore(t, "hunter2-master")
	require.NoError(t, s.Store("k1", TypeAPIKey, "v1", nil, false))
	require.NoError(t, s.Store("k2", TypeBearerToken, "v2", nil, false))

	infos := s.List()
	ids := make(map[string]bool)
	for _, info := range infos {
		ids[info.ID] = true
	}
	require.Len(t, infos, 2)
	require.True(t, ids["k1"])
	require.True(t, ids["k2"])
	require.False(t, ids[canaryID])
}

func TestInitializeRejectsWrongMasterPassword(t *testing.T) {
	dir := t.TempDir()
	cfg := testSecurityConfig(dir)

	s1, err := New(cfg, testLogger())
	require.NoError(t, err)
	require.NoError(t, s1.Initialize(context.Background(), "correct-password"))
	require.NoError(t, s1.Store("k", TypeAPIKey, "v", nil, false))
	require.NoError(t, s1.Close())

	s2, err := New(cfg, testLogger())
	require.NoError(t, err)
	defer s2.Close()
	err = s2.Initialize(context.Background(), "wrong-password")
	require.ErrorIs(t, err, ErrWrongMasterPassword)
}

func TestCredentialsSurviveRestartWithSamePassword(t *testing.T) {
	dir := t.TempDir()
	cfg := testSecurityConfig(dir)

	s1, err := New(cfg, testLogger())
	require.NoError(t, err)
	require.NoError(t, s1.Initialize(context.Background(), "stable-password"))
	require.NoError(t, s1.Store("persisted", TypeEncryptionKey, "keep-me", nil, false))
	require.NoError(t, s1.Close())

	s2, err := New(cfg, testLogger())
	require.NoError(t, err)
	defer s2.Close()
	require.NoError(t, s2.Initialize(context.Background(), "stable-password"))

	got, err := s2.Get("persisted")
	require.NoError(t, err)
	require.Equal(t, "keep-me", got)
}

func TestAuditLogHashChainIsConsistent(t *testing.T) {
	dir := t.TempDir()
	al, err := openAuditLog(filepath.Join(dir, "audit.log"), true)
	require.NoError(t, err)
	defer al.close()

	ev1 := al.append(AuditCredentialCreation, "a", true, "created", RiskLow)
	ev2 := al.append(AuditCredentialAccess, "a", true, "accessed", RiskLow)

	require.Equal(t, uint64(1), ev1.Sequence)
	require.Equal(t, uint64(2), ev2.Sequence)
	require.Equal(t, ev1.Hash, ev2.PrevHash, "each entry's prev_hash must equal the preceding entry's hash")
	require.NotEqual(t, ev1.Hash, ev2.Hash)
}

func TestCheckDueCredentialsFlagsOverdueRecords(t *testing.T) {
	dir := t.TempDir()
	cfg := testSecurityConfig(dir)
	cfg.RotationIntervalSec = 0
	s, err := New(cfg, testLogger())
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Initialize(context.Background(), "pw"))
	require.NoError(t, s.Store("due-now", TypeAPIKey, "v", nil, false))

	s.checkDueCredentials()
	stats := s.Stats()
	require.GreaterOrEqual(t, stats.CredentialsDueRotation, 1)
}

func TestSealOpenRoundTripWithAAD(t *testing.T) {
	key := deriveKey("pw", []byte("0123456789012345678901234567890x"), 1000)
	ct, nonce, err := sealValue(key, aad("id1", []byte("salt1")), "plaintext-value")
	require.NoError(t, err)

	pt, err := openValue(key, nonce, aad("id1", []byte("salt1")), ct)
	require.NoError(t, err)
	require.Equal(t, "plaintext-value", pt)

	_, err = openValue(key, nonce, aad("id2", []byte("salt1")), ct)
	require.Error(t, err, "ciphertext must not open under a different credential's AAD")
}
