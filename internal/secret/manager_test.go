package secret

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hotdata-dev/rivetdb"
	"github.com/hotdata-dev/rivetdb/internal/catalog"
)

func testKey(t *testing.T) string {
	t.Helper()
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(key)
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	cat, err := catalog.NewSqliteCatalog(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })
	require.NoError(t, cat.RunMigrations(context.Background()))

	m, err := NewManager(cat, testKey(t))
	require.NoError(t, err)
	return m
}

func TestSecretRoundtrip(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	require.NoError(t, m.Create(ctx, "pg_password", "catalog", nil, []byte("s3cret")))

	plaintext, err := m.Resolve(ctx, "pg_password")
	require.NoError(t, err)
	assert.Equal(t, []byte("s3cret"), plaintext)
}

func TestResolveDisabledSecretFails(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	require.NoError(t, m.Create(ctx, "k", "catalog", nil, []byte("v")))
	require.NoError(t, m.Disable(ctx, "k"))

	_, err := m.Resolve(ctx, "k")
	typed, ok := rivetdb.AsError(err)
	require.True(t, ok)
	assert.Equal(t, rivetdb.ErrorTypeNotFound, typed.Type)
}

func TestResolveMissingSecretFails(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Resolve(context.Background(), "nope")
	typed, ok := rivetdb.AsError(err)
	require.True(t, ok)
	assert.Equal(t, rivetdb.ErrorTypeNotFound, typed.Type)
}

func TestPutValueRotatesCiphertext(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	require.NoError(t, m.Create(ctx, "k", "catalog", nil, []byte("old")))
	require.NoError(t, m.PutValue(ctx, "k", []byte("new")))

	plaintext, err := m.Resolve(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), plaintext)
}

func TestEncryptionProducesFreshNonces(t *testing.T) {
	m := newTestManager(t)
	c1, err := m.encrypt([]byte("same"))
	require.NoError(t, err)
	c2, err := m.encrypt([]byte("same"))
	require.NoError(t, err)
	assert.NotEqual(t, c1, c2)

	p1, err := m.decrypt(c1)
	require.NoError(t, err)
	assert.Equal(t, []byte("same"), p1)
}

func TestKeylessManagerRejectsSecretOps(t *testing.T) {
	ctx := context.Background()
	cat, err := catalog.NewSqliteCatalog(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })
	require.NoError(t, cat.RunMigrations(ctx))

	m, err := NewManager(cat, "")
	require.NoError(t, err)

	err = m.Create(ctx, "k", "catalog", nil, []byte("v"))
	typed, ok := rivetdb.AsError(err)
	require.True(t, ok)
	assert.Equal(t, rivetdb.ErrorTypeValidation, typed.Type)
}

func TestBadKeyRejected(t *testing.T) {
	_, err := NewManager(nil, "not-base64!!!")
	assert.Error(t, err)

	short := base64.StdEncoding.EncodeToString([]byte("short"))
	_, err = NewManager(nil, short)
	assert.ErrorContains(t, err, "32 bytes")
}
