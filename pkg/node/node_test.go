package node

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fystack/orion/pkg/digest"
	"github.com/fystack/orion/pkg/encryption"
	"github.com/fystack/orion/pkg/network"
	"github.com/fystack/orion/pkg/storage"
	"github.com/fystack/orion/pkg/transport"
)

// loopback pushes straight into other in-process nodes.
type loopback struct {
	mu    sync.Mutex
	nodes map[string]*Node
	down  map[string]bool
	calls int
}

func newLoopback() *loopback {
	return &loopback{nodes: map[string]*Node{}, down: map[string]bool{}}
}

func (l *loopback) Push(ctx context.Context, env []byte, d digest.Digest, peers []string) *transport.PushResult {
	l.mu.Lock()
	l.calls++
	l.mu.Unlock()

	res := &transport.PushResult{Failed: map[string]error{}}
	for _, p := range peers {
		l.mu.Lock()
		target, ok := l.nodes[p]
		down := l.down[p]
		l.mu.Unlock()
		if !ok || down {
			res.Failed[p] = &transport.PeerError{Peer: p, Kind: transport.ErrPeerUnreachable}
			continue
		}
		got, err := target.Accept(ctx, env)
		if err != nil {
			res.Failed[p] = err
			continue
		}
		if got != d {
			res.Failed[p] = transport.ErrDigestMismatch
			continue
		}
		res.Delivered = append(res.Delivered, p)
	}
	return res
}

type cluster struct {
	net   *loopback
	dirs  map[string]*network.Directory
	keys  map[string]*encryption.KeyPair
	nodes map[string]*Node
}

// newCluster builds one node per name, each hosting one key, with every
// directory fully populated.
func newCluster(t *testing.T, mode PropagationMode, names ...string) *cluster {
	t.Helper()
	c := &cluster{
		net:   newLoopback(),
		dirs:  map[string]*network.Directory{},
		keys:  map[string]*encryption.KeyPair{},
		nodes: map[string]*Node{},
	}
	for _, name := range names {
		kp, err := encryption.GenerateKeyPair()
		require.NoError(t, err)
		c.keys[name] = kp
	}
	for _, name := range names {
		url := "https://" + name
		dir := network.NewDirectory(url, []encryption.PublicKey{c.keys[name].Public}, nil)
		for _, other := range names {
			dir.Register(c.keys[other].Public, "https://"+other)
		}
		n, err := New(Options{
			Keys:     []*encryption.KeyPair{c.keys[name]},
			Store:    storage.NewMemoryStore(),
			Resolver: dir,
			Pusher:   c.net,
			Mode:     mode,
		})
		require.NoError(t, err)
		t.Cleanup(func() { _ = n.Close() })
		c.dirs[name] = dir
		c.nodes[name] = n
		c.net.nodes[url] = n
	}
	return c
}

func (c *cluster) pub(name string) encryption.PublicKey { return c.keys[name].Public }

func TestSendReceiveHelloAcrossNodes(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t, PropagationSync, "a", "b", "c")

	res, err := c.nodes["a"].Send(ctx, []byte("hello"), nil, []encryption.PublicKey{c.pub("b")})
	require.NoError(t, err)

	report, err := res.Propagation.Wait(ctx)
	require.NoError(t, err)
	assert.True(t, report.Complete())
	assert.Equal(t, []string{"https://b"}, report.Delivered)

	got, err := c.nodes["b"].Receive(ctx, res.Digest, c.pub("b"))
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got)

	// the sender can read its own payload
	got, err = c.nodes["a"].Receive(ctx, res.Digest, c.pub("a"))
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got)

	// the third node never received the envelope
	_, err = c.nodes["c"].Receive(ctx, res.Digest, c.pub("c"))
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestReceiveAuthorization(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t, PropagationSync, "a", "b")

	res, err := c.nodes["a"].Send(ctx, []byte("for b only"), nil, []encryption.PublicKey{c.pub("b")})
	require.NoError(t, err)

	// key not hosted on this node
	_, err = c.nodes["a"].Receive(ctx, res.Digest, c.pub("b"))
	assert.ErrorIs(t, err, encryption.ErrAuthorization)

	// hosted key that is not a recipient
	outsider, err := encryption.GenerateKeyPair()
	require.NoError(t, err)
	n, err := New(Options{Keys: []*encryption.KeyPair{outsider}, Store: storage.NewMemoryStore()})
	require.NoError(t, err)
	raw, err := c.nodes["b"].store.Get(ctx, res.Digest)
	require.NoError(t, err)
	_, err = n.Accept(ctx, raw)
	require.NoError(t, err)
	_, err = n.Receive(ctx, res.Digest, outsider.Public)
	assert.ErrorIs(t, err, encryption.ErrAuthorization)
	_, err = n.Receive(ctx, res.Digest, encryption.PublicKey{})
	assert.ErrorIs(t, err, encryption.ErrAuthorization)
}

func TestReceiveDefaultsToHostedRecipient(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t, PropagationSync, "a", "b")

	res, err := c.nodes["a"].Send(ctx, []byte("implicit"), nil, []encryption.PublicKey{c.pub("b")})
	require.NoError(t, err)

	got, err := c.nodes["b"].Receive(ctx, res.Digest, encryption.PublicKey{})
	require.NoError(t, err)
	assert.Equal(t, []byte("implicit"), got)
}

// flippingStore corrupts one bit of every value it returns.
type flippingStore struct {
	storage.Store
	bit int
}

func (f *flippingStore) Get(ctx context.Context, d digest.Digest) ([]byte, error) {
	b, err := f.Store.Get(ctx, d)
	if err != nil {
		return nil, err
	}
	b[f.bit/8] ^= 1 << (f.bit % 8)
	return b, nil
}

func TestReceiveDetectsAnyFlippedBit(t *testing.T) {
	ctx := context.Background()
	kp, err := encryption.GenerateKeyPair()
	require.NoError(t, err)
	mem := storage.NewMemoryStore()
	sender, err := New(Options{Keys: []*encryption.KeyPair{kp}, Store: mem})
	require.NoError(t, err)

	res, err := sender.Send(ctx, []byte("tamper evident"), nil, nil)
	require.NoError(t, err)
	raw, err := mem.Get(ctx, res.Digest)
	require.NoError(t, err)

	for bit := 0; bit < len(raw)*8; bit++ {
		reader, err := New(Options{Keys: []*encryption.KeyPair{kp}, Store: &flippingStore{Store: mem, bit: bit}})
		require.NoError(t, err)
		_, err = reader.Receive(ctx, res.Digest, kp.Public)
		require.ErrorIs(t, err, encryption.ErrIntegrity, "bit %d", bit)
	}
}

func TestSendStoresBeforePropagating(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t, PropagationSync, "a", "b")

	failing := &failingStore{Store: storage.NewMemoryStore(), err: errors.New("disk gone")}
	kp := c.keys["a"]
	n, err := New(Options{Keys: []*encryption.KeyPair{kp}, Store: failing, Resolver: c.dirs["a"], Pusher: c.net})
	require.NoError(t, err)

	_, err = n.Send(ctx, []byte("never leaves"), nil, []encryption.PublicKey{c.pub("b")})
	require.Error(t, err)
	assert.Equal(t, 0, c.net.calls)
}

type failingStore struct {
	storage.Store
	err error
}

func (f *failingStore) Put(context.Context, digest.Digest, []byte) error { return f.err }

func TestPartialPropagation(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t, PropagationSync, "a", "b", "c")
	c.net.down["https://c"] = true

	res, err := c.nodes["a"].Send(ctx, []byte("partial"), nil, []encryption.PublicKey{c.pub("b"), c.pub("c")})
	require.NoError(t, err)
	assert.False(t, res.Digest.IsZero())

	report := res.Propagation.Report()
	require.NotNil(t, report)
	assert.False(t, report.Complete())
	assert.Equal(t, []string{"https://b"}, report.Delivered)
	assert.Equal(t, []string{"https://c"}, report.FailedPeers())
	assert.ErrorIs(t, report.Failed["https://c"], transport.ErrPeerUnreachable)

	got, err := c.nodes["b"].Receive(ctx, res.Digest, c.pub("b"))
	require.NoError(t, err)
	assert.Equal(t, []byte("partial"), got)

	got, err = c.nodes["a"].Receive(ctx, res.Digest, c.pub("a"))
	require.NoError(t, err)
	assert.Equal(t, []byte("partial"), got)
}

func TestUnresolvedRecipient(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t, PropagationSync, "a")
	stranger, err := encryption.GenerateKeyPair()
	require.NoError(t, err)

	res, err := c.nodes["a"].Send(ctx, []byte("to nowhere"), nil, []encryption.PublicKey{stranger.Public})
	require.NoError(t, err)
	report, err := res.Propagation.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, []encryption.PublicKey{stranger.Public}, report.Unresolved)
	assert.False(t, report.Complete())
}

func TestRecipientClaimedBySelfIsUnresolved(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t, PropagationSync, "a", "b")
	ghost, err := encryption.GenerateKeyPair()
	require.NoError(t, err)
	c.dirs["a"].Merge(network.PartyInfo{URL: "https://b", Parties: map[string]string{ghost.Public.String(): "https://a"}})

	res, err := c.nodes["a"].Send(ctx, []byte("boo"), nil, []encryption.PublicKey{ghost.Public})
	require.NoError(t, err)
	report, err := res.Propagation.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, []encryption.PublicKey{ghost.Public}, report.Unresolved)
	assert.Empty(t, report.Delivered)
	assert.False(t, report.Complete())

	_, err = c.nodes["b"].Receive(ctx, res.Digest, encryption.PublicKey{})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestAsyncPropagation(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t, PropagationAsync, "a", "b")

	var mu sync.Mutex
	var seen []*PropagationReport
	c.nodes["a"].AddObserver(ObserverFunc(func(r *PropagationReport) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, r)
	}))

	res, err := c.nodes["a"].Send(ctx, []byte("later"), nil, []encryption.PublicKey{c.pub("b")})
	require.NoError(t, err)

	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	report, err := res.Propagation.Wait(wctx)
	require.NoError(t, err)
	assert.True(t, report.Complete())

	require.NoError(t, c.nodes["a"].Close())
	mu.Lock()
	assert.Len(t, seen, 1)
	mu.Unlock()

	_, err = c.nodes["a"].Send(ctx, []byte("too late"), nil, nil)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestSendOptions(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t, PropagationSync, "a", "b", "c")

	t.Run("unknown sender", func(t *testing.T) {
		from := c.pub("b")
		_, err := c.nodes["a"].Send(ctx, []byte("x"), &from, nil)
		assert.ErrorIs(t, err, ErrUnknownSender)
	})

	t.Run("always send to", func(t *testing.T) {
		n, err := New(Options{
			Keys:         []*encryption.KeyPair{c.keys["a"]},
			AlwaysSendTo: []encryption.PublicKey{c.pub("c")},
			Store:        storage.NewMemoryStore(),
			Resolver:     c.dirs["a"],
			Pusher:       c.net,
		})
		require.NoError(t, err)
		defer n.Close()

		res, err := n.Send(ctx, []byte("audited"), nil, []encryption.PublicKey{c.pub("b")})
		require.NoError(t, err)
		got, err := c.nodes["c"].Receive(ctx, res.Digest, c.pub("c"))
		require.NoError(t, err)
		assert.Equal(t, []byte("audited"), got)
	})

	t.Run("empty payload", func(t *testing.T) {
		res, err := c.nodes["a"].Send(ctx, nil, nil, []encryption.PublicKey{c.pub("b")})
		require.NoError(t, err)
		got, err := c.nodes["b"].Receive(ctx, res.Digest, c.pub("b"))
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}

func TestAcceptRejectsMalformedEnvelope(t *testing.T) {
	c := newCluster(t, PropagationSync, "a")
	_, err := c.nodes["a"].Accept(context.Background(), []byte("not cbor"))
	assert.ErrorIs(t, err, encryption.ErrIntegrity)
}

func TestAcceptIsIdempotent(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t, PropagationSync, "a", "b")

	res, err := c.nodes["a"].Send(ctx, []byte("twice"), nil, []encryption.PublicKey{c.pub("b")})
	require.NoError(t, err)
	raw, err := c.nodes["a"].store.Get(ctx, res.Digest)
	require.NoError(t, err)

	d, err := c.nodes["b"].Accept(ctx, raw)
	require.NoError(t, err)
	assert.Equal(t, res.Digest, d)
}

func TestNewValidation(t *testing.T) {
	_, err := New(Options{Store: storage.NewMemoryStore()})
	assert.ErrorIs(t, err, ErrNoKeys)

	kp, err := encryption.GenerateKeyPair()
	require.NoError(t, err)
	_, err = New(Options{Keys: []*encryption.KeyPair{kp}})
	assert.Error(t, err)
	_, err = New(Options{Keys: []*encryption.KeyPair{kp}, Store: storage.NewMemoryStore(), Mode: "eventually"})
	assert.Error(t, err)
}
