package network

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fystack/orion/pkg/encryption"
)

func mustKey(t *testing.T) encryption.PublicKey {
	t.Helper()
	kp, err := encryption.GenerateKeyPair()
	require.NoError(t, err)
	return kp.Public
}

func TestDirectoryLocalKeys(t *testing.T) {
	local := mustKey(t)
	d := NewDirectory("https://node1:8080/", []encryption.PublicKey{local}, []string{"https://node2:8080", "https://node1:8080"})

	assert.Equal(t, "https://node1:8080", d.SelfURL())
	assert.True(t, d.IsLocal(local))
	owner, ok := d.Owner(local)
	require.True(t, ok)
	assert.Equal(t, "https://node1:8080", owner)
	assert.Equal(t, []string{"https://node2:8080"}, d.Peers())

	// a remote claim can never take over a local key
	assert.False(t, d.Register(local, "https://evil:8080"))
	owner, _ = d.Owner(local)
	assert.Equal(t, "https://node1:8080", owner)
}

func TestDirectoryMerge(t *testing.T) {
	k2, k3 := mustKey(t), mustKey(t)
	d := NewDirectory("https://node1:8080", nil, nil)

	changed := d.Merge(PartyInfo{
		URL: "https://node2:8080",
		Parties: map[string]string{
			k2.String(): "https://node2:8080",
			k3.String(): "https://node3:8080",
			"not-a-key": "https://node9:8080",
		},
	})
	assert.Equal(t, 2, changed)
	assert.Equal(t, []string{"https://node2:8080", "https://node3:8080"}, d.Peers())

	// merging the same info again changes nothing
	assert.Equal(t, 0, d.Merge(PartyInfo{URL: "https://node2:8080", Parties: map[string]string{k2.String(): "https://node2:8080"}}))

	info := d.PartyInfo()
	assert.Equal(t, "https://node1:8080", info.URL)
	assert.Equal(t, "https://node3:8080", info.Parties[k3.String()])
}

func TestDirectoryResolve(t *testing.T) {
	local, k2a, k2b, k3, unknown := mustKey(t), mustKey(t), mustKey(t), mustKey(t), mustKey(t)
	d := NewDirectory("https://node1:8080", []encryption.PublicKey{local}, nil)
	d.Register(k2a, "https://node2:8080")
	d.Register(k2b, "https://node2:8080")
	d.Register(k3, "https://node3:8080")

	byURL, unresolved := d.Resolve([]encryption.PublicKey{local, k2a, k2b, k3, unknown, k2a})

	require.Len(t, byURL, 2)
	assert.ElementsMatch(t, []encryption.PublicKey{k2a, k2b}, byURL["https://node2:8080"])
	assert.Equal(t, []encryption.PublicKey{k3}, byURL["https://node3:8080"])
	assert.Equal(t, []encryption.PublicKey{unknown}, unresolved)
}

func TestDirectoryRejectsForeignKeyAtSelf(t *testing.T) {
	local, ghost := mustKey(t), mustKey(t)
	d := NewDirectory("https://node1:8080/", []encryption.PublicKey{local}, nil)

	assert.False(t, d.Register(ghost, "https://node1:8080"))
	assert.Equal(t, 0, d.Merge(PartyInfo{URL: "https://node2:8080", Parties: map[string]string{ghost.String(): "https://node1:8080/"}}))
	_, ok := d.Owner(ghost)
	assert.False(t, ok)

	byURL, unresolved := d.Resolve([]encryption.PublicKey{ghost})
	assert.Empty(t, byURL)
	assert.Equal(t, []encryption.PublicKey{ghost}, unresolved)
}
