package store_test

import (
	"context"
	"testing"
	"time"

	"git.sr.ht/~jakintosh/sessionkit/internal/testutil"
	"git.sr.ht/~jakintosh/sessionkit/pkg/fault"
	"git.sr.ht/~jakintosh/sessionkit/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreTokenBundle_RoundTrip(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	creds := store.NewCredentials(store.NewMemoryStore(), store.WithClock(clock.Now))

	exp := clock.Now().Add(15 * time.Minute)
	require.NoError(t, creds.StoreTokenBundle(ctx, store.TokenBundle{
		AccessToken:  "A1",
		RefreshToken: "R1",
		ExpiresAt:    exp,
	}))

	b, err := creds.ReadTokenBundle(ctx)
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.Equal(t, "A1", b.AccessToken)
	assert.Equal(t, "R1", b.RefreshToken)
	assert.True(t, exp.Equal(b.ExpiresAt))

	last, ok, err := creds.LastLogin(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, clock.Now().Equal(last))
}

func TestStoreTokenBundle_RefreshWriteFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	kv := testutil.NewFaultyKV()
	creds := store.NewCredentials(kv)

	kv.FailOn(testutil.OpSet, store.KeyRefreshToken, 1)
	err := creds.StoreTokenBundle(ctx, store.TokenBundle{AccessToken: "A1", RefreshToken: "R1"})
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.StorageError))

	b, err := creds.ReadTokenBundle(ctx)
	require.NoError(t, err)
	assert.Nil(t, b, "no partial bundle may be observable")

	_, ok, _ := kv.MemoryStore.Get(ctx, store.KeyAccessToken)
	assert.False(t, ok, "access token should have been removed")
}

func TestStoreTokenBundle_OverwriteFailureLeavesNoMixedBundle(t *testing.T) {
	ctx := context.Background()
	kv := testutil.NewFaultyKV()
	creds := store.NewCredentials(kv)
	require.NoError(t, creds.StoreTokenBundle(ctx, store.TokenBundle{AccessToken: "A1", RefreshToken: "R1"}))

	kv.FailOn(testutil.OpSet, store.KeyRefreshToken, 1)
	require.Error(t, creds.StoreTokenBundle(ctx, store.TokenBundle{AccessToken: "A2", RefreshToken: "R2"}))

	b, err := creds.ReadTokenBundle(ctx)
	require.NoError(t, err)
	assert.Nil(t, b, "A2 must not be paired with R1")
}

func TestStoreTokenBundle_AccessWriteFailure(t *testing.T) {
	ctx := context.Background()
	kv := testutil.NewFaultyKV()
	creds := store.NewCredentials(kv)

	kv.FailOn(testutil.OpSet, store.KeyAccessToken, 1)
	require.Error(t, creds.StoreTokenBundle(ctx, store.TokenBundle{AccessToken: "A1", RefreshToken: "R1"}))
	assert.Equal(t, 0, kv.Len())
}

func TestStoreTokenBundle_BestEffortExtrasDoNotFail(t *testing.T) {
	ctx := context.Background()
	kv := testutil.NewFaultyKV()
	creds := store.NewCredentials(kv)

	kv.FailOn(testutil.OpSet, store.KeyLastLogin, -1)
	kv.FailOn(testutil.OpSet, store.KeyExpiresAt, -1)
	require.NoError(t, creds.StoreTokenBundle(ctx, store.TokenBundle{
		AccessToken:  "A1",
		RefreshToken: "R1",
		ExpiresAt:    time.Now().Add(time.Minute),
	}))

	b, err := creds.ReadTokenBundle(ctx)
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.True(t, b.ExpiresAt.IsZero())
}

func TestStoreTokenBundle_RejectsPartialInput(t *testing.T) {
	creds := store.NewCredentials(store.NewMemoryStore())
	err := creds.StoreTokenBundle(context.Background(), store.TokenBundle{AccessToken: "A1"})
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.ValidationError))
}

func TestReadTokenBundle_RequiresBothTokens(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemoryStore()
	creds := store.NewCredentials(kv)

	require.NoError(t, kv.Set(ctx, store.KeyAccessToken, "stale"))
	b, err := creds.ReadTokenBundle(ctx)
	require.NoError(t, err)
	assert.Nil(t, b)

	require.NoError(t, kv.Remove(ctx, store.KeyAccessToken))
	require.NoError(t, kv.Set(ctx, store.KeyRefreshToken, "stale"))
	b, err = creds.ReadTokenBundle(ctx)
	require.NoError(t, err)
	assert.Nil(t, b)
}

func TestReadTokenBundle_StorageErrorSurfaces(t *testing.T) {
	kv := testutil.NewFaultyKV()
	kv.SetDown(true)
	b, err := store.NewCredentials(kv).ReadTokenBundle(context.Background())
	assert.Nil(t, b)
	assert.True(t, fault.Is(err, fault.StorageError))
}

func TestClearAll_NeverFails(t *testing.T) {
	ctx := context.Background()
	kv := testutil.NewFaultyKV()
	creds := store.NewCredentials(kv)
	require.NoError(t, creds.StoreTokenBundle(ctx, store.TokenBundle{AccessToken: "A", RefreshToken: "R"}))
	require.NoError(t, creds.StoreCredentials(ctx, store.StoredCredentials{UserID: "u1", Email: "u@x", RefreshToken: "R"}))
	require.NoError(t, creds.SetBiometricEnabled(ctx, true))

	kv.FailOn(testutil.OpRemove, store.KeyEmail, 1)
	before := kv.Calls(testutil.OpRemove)
	creds.ClearAll(ctx)

	// the failed delete is the only survivor
	assert.Equal(t, 1, kv.Len())
	creds.ClearAll(ctx)
	assert.Equal(t, 0, kv.Len())

	// idempotent on an empty store
	creds.ClearAll(ctx)
	assert.Equal(t, len(store.Keys())*3, kv.Calls(testutil.OpRemove)-before)
}

func TestStoredCredentials_AllOrNothing(t *testing.T) {
	ctx := context.Background()
	kv := testutil.NewFaultyKV()
	creds := store.NewCredentials(kv)

	kv.FailOn(testutil.OpSet, store.KeyCredentialRefresh, 1)
	require.Error(t, creds.StoreCredentials(ctx, store.StoredCredentials{UserID: "u1", Email: "u@x", RefreshToken: "R"}))
	sc, err := creds.ReadCredentials(ctx)
	require.NoError(t, err)
	assert.Nil(t, sc)
	assert.Equal(t, 0, kv.Len())

	require.NoError(t, kv.Set(ctx, store.KeyUserID, "u1"))
	sc, err = creds.ReadCredentials(ctx)
	require.NoError(t, err)
	assert.Nil(t, sc, "partial credentials are treated as absent")
}

func TestSyncCredentialRefresh(t *testing.T) {
	ctx := context.Background()
	creds := store.NewCredentials(store.NewMemoryStore())

	// nothing stored: no-op
	require.NoError(t, creds.SyncCredentialRefresh(ctx, "R2"))
	sc, err := creds.ReadCredentials(ctx)
	require.NoError(t, err)
	assert.Nil(t, sc)

	require.NoError(t, creds.StoreCredentials(ctx, store.StoredCredentials{UserID: "u1", Email: "u@x", RefreshToken: "R1"}))
	require.NoError(t, creds.SyncCredentialRefresh(ctx, "R2"))
	sc, err = creds.ReadCredentials(ctx)
	require.NoError(t, err)
	require.NotNil(t, sc)
	assert.Equal(t, "R2", sc.RefreshToken)
}

func TestBiometricFlag(t *testing.T) {
	ctx := context.Background()
	creds := store.NewCredentials(store.NewMemoryStore())

	on, err := creds.BiometricEnabled(ctx)
	require.NoError(t, err)
	assert.False(t, on)

	require.NoError(t, creds.SetBiometricEnabled(ctx, true))
	on, err = creds.BiometricEnabled(ctx)
	require.NoError(t, err)
	assert.True(t, on)

	require.NoError(t, creds.SetBiometricEnabled(ctx, false))
	on, err = creds.BiometricEnabled(ctx)
	require.NoError(t, err)
	assert.False(t, on)
}
