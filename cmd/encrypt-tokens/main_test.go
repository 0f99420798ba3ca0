package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onnwee/autocat/crypto"
	"github.com/onnwee/autocat/oauth"
)

func newEnc(t *testing.T) crypto.Encryptor {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	enc, err := crypto.NewAESEncryptor(key)
	require.NoError(t, err)
	return enc
}

func seed(t *testing.T, enc crypto.Encryptor) (string, oauth.Credentials) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tokens.json")
	creds := oauth.Credentials{
		AccessToken:  "plain-access",
		RefreshToken: "plain-refresh",
		ExpiresAt:    time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, oauth.NewFileStore(path, enc).Save(context.Background(), creds))
	return path, creds
}

func TestResealPlaintextFile(t *testing.T) {
	ctx := context.Background()
	enc := newEnc(t)
	path, creds := seed(t, nil)

	rewritten, err := reseal(ctx, oauth.NewFileStore(path, enc), oauth.NewFileStore(path, enc), false)
	require.NoError(t, err)
	assert.True(t, rewritten)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "plain-access")
	assert.Contains(t, string(raw), crypto.Prefix)

	got, found, err := oauth.NewFileStore(path, enc).Load(ctx)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, creds.AccessToken, got.AccessToken)
	assert.Equal(t, creds.RefreshToken, got.RefreshToken)
}

func TestResealRotatesKey(t *testing.T) {
	ctx := context.Background()
	oldEnc, nextEnc := newEnc(t), newEnc(t)
	path, creds := seed(t, oldEnc)

	_, err := reseal(ctx, oauth.NewFileStore(path, oldEnc), oauth.NewFileStore(path, nextEnc), false)
	require.NoError(t, err)

	_, _, err = oauth.NewFileStore(path, oldEnc).Load(ctx)
	assert.Error(t, err, "old key no longer opens the file")
	got, _, err := oauth.NewFileStore(path, nextEnc).Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, creds.RefreshToken, got.RefreshToken)
}

func TestResealDryRunLeavesFile(t *testing.T) {
	enc := newEnc(t)
	path, _ := seed(t, nil)
	before, err := os.ReadFile(path)
	require.NoError(t, err)

	rewritten, err := reseal(context.Background(), oauth.NewFileStore(path, enc), oauth.NewFileStore(path, enc), true)
	require.NoError(t, err)
	assert.True(t, rewritten)

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestResealMissingFile(t *testing.T) {
	enc := newEnc(t)
	path := filepath.Join(t.TempDir(), "tokens.json")
	rewritten, err := reseal(context.Background(), oauth.NewFileStore(path, enc), oauth.NewFileStore(path, enc), false)
	require.NoError(t, err)
	assert.False(t, rewritten)
	assert.NoFileExists(t, path)
}

func TestResealWrongOldKey(t *testing.T) {
	path, _ := seed(t, newEnc(t))
	other := newEnc(t)
	_, err := reseal(context.Background(), oauth.NewFileStore(path, other), oauth.NewFileStore(path, other), false)
	assert.Error(t, err)
}
