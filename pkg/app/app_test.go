package app

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modusec/blacklist/pkg/events"
	"github.com/modusec/blacklist/pkg/store"
	"github.com/modusec/blacklist/pkg/types"
	"github.com/modusec/blacklist/pkg/vault"
)

func TestLockedCredentialsPublishLockout(t *testing.T) {
	dir := t.TempDir()
	st, err := store.NewBoltStore(filepath.Join(dir, "blacklist.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	v, err := vault.Open(filepath.Join(dir, "credentials.vault"), filepath.Join(dir, "vault.seed"), nil)
	require.NoError(t, err)
	require.NoError(t, v.Put(types.SourceREGTECH, "analyst", "hunter2"))

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)
	sub := broker.Subscribe()

	limiter := vault.NewLimiter(st, 1, time.Hour)
	require.NoError(t, limiter.Record(types.SourceREGTECH, "analyst", false, "bad password", ""))

	creds := &lockedCredentials{vault: v, limiter: limiter, broker: broker}
	_, err = creds.Get(types.SourceREGTECH)
	require.Error(t, err)
	assert.Equal(t, types.KindRateLimited, types.KindOf(err))

	select {
	case ev := <-sub:
		assert.Equal(t, events.EventCredentialLockout, ev.Type)
		assert.Equal(t, string(types.SourceREGTECH), ev.Source)
	case <-time.After(time.Second):
		t.Fatal("no lockout event published")
	}
}

func TestVaultAdminRotatePublishes(t *testing.T) {
	dir := t.TempDir()
	v, err := vault.Open(filepath.Join(dir, "credentials.vault"), filepath.Join(dir, "vault.seed"), nil)
	require.NoError(t, err)

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)
	sub := broker.Subscribe()

	admin := &vaultAdmin{Vault: v, broker: broker}
	before := v.KeyID()
	require.NoError(t, admin.Rotate())
	assert.Equal(t, before+1, v.KeyID())

	select {
	case ev := <-sub:
		assert.Equal(t, events.EventCredentialRotated, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("no rotation event published")
	}
}
