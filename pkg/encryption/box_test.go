package encryption

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustKeyPair(t *testing.T) *KeyPair {
	t.Helper()
	kp, err := GenerateKeyPair()
	require.NoError(t, err)
	return kp
}

func TestSealOpen_RoundTrip(t *testing.T) {
	sender := mustKeyPair(t)
	alice := mustKeyPair(t)
	bob := mustKeyPair(t)

	plaintext := []byte("hello")
	env, err := Seal(plaintext, sender, []PublicKey{alice.Public, bob.Public})
	require.NoError(t, err)
	assert.Len(t, env.Recipients, 2)

	for _, kp := range []*KeyPair{alice, bob} {
		got, err := Open(env, kp)
		require.NoError(t, err)
		assert.Equal(t, plaintext, got)
	}
}

func TestSeal_EmptyPlaintext(t *testing.T) {
	sender := mustKeyPair(t)
	alice := mustKeyPair(t)

	env, err := Seal(nil, sender, []PublicKey{alice.Public})
	require.NoError(t, err)

	got, err := Open(env, alice)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSeal_DeduplicatesRecipients(t *testing.T) {
	sender := mustKeyPair(t)
	alice := mustKeyPair(t)

	env, err := Seal([]byte("x"), sender, []PublicKey{alice.Public, alice.Public})
	require.NoError(t, err)
	assert.Len(t, env.Recipients, 1)
}

func TestSeal_NoRecipients(t *testing.T) {
	_, err := Seal([]byte("x"), mustKeyPair(t), nil)
	assert.ErrorIs(t, err, ErrNoRecipients)
}

func TestSeal_FreshRandomnessPerCall(t *testing.T) {
	sender := mustKeyPair(t)
	alice := mustKeyPair(t)

	a, err := Seal([]byte("same"), sender, []PublicKey{alice.Public})
	require.NoError(t, err)
	b, err := Seal([]byte("same"), sender, []PublicKey{alice.Public})
	require.NoError(t, err)

	assert.NotEqual(t, a.Nonce, b.Nonce)
	assert.NotEqual(t, a.Recipients[0].Nonce, b.Recipients[0].Nonce)
	assert.False(t, bytes.Equal(a.Ciphertext, b.Ciphertext))
}

func TestOpen_NotARecipient(t *testing.T) {
	sender := mustKeyPair(t)
	alice := mustKeyPair(t)
	mallory := mustKeyPair(t)

	env, err := Seal([]byte("secret"), sender, []PublicKey{alice.Public})
	require.NoError(t, err)

	_, err = Open(env, mallory)
	assert.ErrorIs(t, err, ErrAuthorization)
}

func TestOpen_TamperedCiphertext(t *testing.T) {
	sender := mustKeyPair(t)
	alice := mustKeyPair(t)

	env, err := Seal([]byte("secret payload"), sender, []PublicKey{alice.Public})
	require.NoError(t, err)

	env.Ciphertext[0] ^= 0x01
	_, err = Open(env, alice)
	assert.ErrorIs(t, err, ErrIntegrity)
}

func TestOpen_TamperedWrappedKey(t *testing.T) {
	sender := mustKeyPair(t)
	alice := mustKeyPair(t)

	env, err := Seal([]byte("secret payload"), sender, []PublicKey{alice.Public})
	require.NoError(t, err)

	env.Recipients[0].Sealed[3] ^= 0x80
	_, err = Open(env, alice)
	assert.ErrorIs(t, err, ErrIntegrity)
}

func TestOpen_SwappedSenderFailsIntegrity(t *testing.T) {
	sender := mustKeyPair(t)
	other := mustKeyPair(t)
	alice := mustKeyPair(t)

	env, err := Seal([]byte("secret payload"), sender, []PublicKey{alice.Public})
	require.NoError(t, err)

	env.Sender = other.Public
	_, err = Open(env, alice)
	assert.ErrorIs(t, err, ErrIntegrity)
}

func TestOpen_HeaderRecipientsAreAuthenticated(t *testing.T) {
	sender := mustKeyPair(t)
	alice := mustKeyPair(t)
	bob := mustKeyPair(t)
	carol := mustKeyPair(t)

	env, err := Seal([]byte("secret payload"), sender, []PublicKey{alice.Public, bob.Public})
	require.NoError(t, err)

	// rewriting bob's entry changes the authenticated header seen by alice
	env.Recipients[1].Recipient = carol.Public
	_, err = Open(env, alice)
	assert.ErrorIs(t, err, ErrIntegrity)
}

func TestOpen_NilArguments(t *testing.T) {
	_, err := Open(nil, mustKeyPair(t))
	assert.True(t, errors.Is(err, ErrIntegrity))

	env, err := Seal([]byte("x"), mustKeyPair(t), []PublicKey{mustKeyPair(t).Public})
	require.NoError(t, err)
	_, err = Open(env, nil)
	assert.ErrorIs(t, err, ErrInvalidKey)
}
