// Package node coordinates sending and receiving payloads: seal, store,
// then propagate to the nodes hosting the other recipients.
package node

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/samber/lo"

	"github.com/fystack/orion/pkg/digest"
	"github.com/fystack/orion/pkg/encryption"
	"github.com/fystack/orion/pkg/logger"
	"github.com/fystack/orion/pkg/storage"
	"github.com/fystack/orion/pkg/transport"
)

var (
	ErrUnknownSender = errors.New("node: sender key is not hosted on this node")
	ErrNoKeys        = errors.New("node: at least one key pair is required")
	ErrClosed        = errors.New("node: closed")
)

// Pusher delivers an envelope to remote nodes.
type Pusher interface {
	Push(ctx context.Context, envelope []byte, d digest.Digest, peers []string) *transport.PushResult
}

// Resolver maps recipient keys to the URLs of the nodes hosting them.
type Resolver interface {
	Resolve(keys []encryption.PublicKey) (map[string][]encryption.PublicKey, []encryption.PublicKey)
}

type Options struct {
	// Keys hosted by this node. The first is the default sender.
	Keys         []*encryption.KeyPair
	AlwaysSendTo []encryption.PublicKey
	// Store is owned by the caller and is not closed by Node.Close.
	Store    storage.Store
	Resolver Resolver
	Pusher   Pusher
	Mode     PropagationMode
	// PropagationTimeout bounds background propagation in async mode.
	PropagationTimeout time.Duration
	Observers          []Observer
}

type SendResult struct {
	Digest      digest.Digest
	Propagation *Propagation
}

type Node struct {
	keys   map[encryption.PublicKey]*encryption.KeyPair
	order  []encryption.PublicKey
	always []encryption.PublicKey
	store  storage.Store
	res    Resolver
	pusher Pusher
	mode   PropagationMode
	tmo    time.Duration
	obs    []Observer

	lifetime context.Context
	cancel   context.CancelFunc
	inflight sync.WaitGroup
	mu       sync.RWMutex
	closed   atomic.Bool
}

func New(opts Options) (*Node, error) {
	if opts.Store == nil {
		return nil, errors.New("node: store is required")
	}
	if len(opts.Keys) == 0 {
		return nil, ErrNoKeys
	}
	mode := opts.Mode
	if mode == "" {
		mode = PropagationSync
	}
	if mode != PropagationSync && mode != PropagationAsync {
		return nil, fmt.Errorf("node: unknown propagation mode %q", mode)
	}

	n := &Node{
		keys:   make(map[encryption.PublicKey]*encryption.KeyPair, len(opts.Keys)),
		always: lo.Uniq(opts.AlwaysSendTo),
		store:  opts.Store,
		res:    opts.Resolver,
		pusher: opts.Pusher,
		mode:   mode,
		tmo:    opts.PropagationTimeout,
		obs:    opts.Observers,
	}
	for _, kp := range opts.Keys {
		if kp == nil {
			return nil, fmt.Errorf("node: nil key pair")
		}
		if _, dup := n.keys[kp.Public]; dup {
			continue
		}
		n.keys[kp.Public] = kp
		n.order = append(n.order, kp.Public)
	}
	n.lifetime, n.cancel = context.WithCancel(context.Background())
	return n, nil
}

// PublicKeys returns the hosted keys, default sender first.
func (n *Node) PublicKeys() []encryption.PublicKey {
	return append([]encryption.PublicKey(nil), n.order...)
}

func (n *Node) DefaultKey() encryption.PublicKey { return n.order[0] }

// Hosts reports whether key belongs to this node.
func (n *Node) Hosts(key encryption.PublicKey) bool {
	_, ok := n.keys[key]
	return ok
}

// AddObserver registers o for every propagation finishing after the call.
func (n *Node) AddObserver(o Observer) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.obs = append(n.obs, o)
}

// Send encrypts payload for to, the always-send-to keys and the sender,
// stores the envelope and propagates it. Once Send returns a digest the
// envelope is durable locally; propagation failures are reported through
// the returned Propagation and never fail the call.
func (n *Node) Send(ctx context.Context, payload []byte, from *encryption.PublicKey, to []encryption.PublicKey) (*SendResult, error) {
	if n.closed.Load() {
		return nil, ErrClosed
	}
	sender := n.keys[n.order[0]]
	if from != nil && !from.IsZero() {
		kp, ok := n.keys[*from]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownSender, from.String())
		}
		sender = kp
	}

	recipients := make([]encryption.PublicKey, 0, len(to)+len(n.always)+1)
	recipients = append(recipients, to...)
	recipients = append(recipients, n.always...)
	recipients = append(recipients, sender.Public)
	recipients = lo.Uniq(recipients)

	env, err := encryption.Seal(payload, sender, recipients)
	if err != nil {
		return nil, fmt.Errorf("seal payload: %w", err)
	}
	raw, err := env.Marshal()
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	d := digest.Address(raw)

	if err := n.store.Put(ctx, d, raw); err != nil {
		return nil, fmt.Errorf("store envelope %s: %w", d, err)
	}
	logger.Info("Stored envelope", "digest", d.String(), "recipients", len(recipients), "sender", sender.Public.String())

	targets, unresolved := n.resolve(recipients)
	if len(targets) == 0 {
		report := &PropagationReport{Digest: d, Failed: map[string]error{}, Unresolved: unresolved, StartedAt: time.Now(), FinishedAt: time.Now()}
		n.notify(report)
		return &SendResult{Digest: d, Propagation: completedPropagation(report)}, nil
	}

	prop := newPropagation()
	if n.mode == PropagationSync {
		n.propagate(ctx, prop, d, raw, targets, unresolved)
		return &SendResult{Digest: d, Propagation: prop}, nil
	}

	if !n.startBackground() {
		n.propagate(ctx, prop, d, raw, targets, unresolved)
		return &SendResult{Digest: d, Propagation: prop}, nil
	}
	go func() {
		defer n.inflight.Done()
		pctx := n.lifetime
		if n.tmo > 0 {
			var cancel context.CancelFunc
			pctx, cancel = context.WithTimeout(pctx, n.tmo)
			defer cancel()
		}
		n.propagate(pctx, prop, d, raw, targets, unresolved)
	}()
	return &SendResult{Digest: d, Propagation: prop}, nil
}

// startBackground registers an async propagation unless Close has begun.
func (n *Node) startBackground() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed.Load() {
		return false
	}
	n.inflight.Add(1)
	return true
}

func (n *Node) resolve(recipients []encryption.PublicKey) ([]string, []encryption.PublicKey) {
	var remote []encryption.PublicKey
	for _, k := range recipients {
		if !n.Hosts(k) {
			remote = append(remote, k)
		}
	}
	if len(remote) == 0 {
		return nil, nil
	}
	if n.res == nil || n.pusher == nil {
		return nil, remote
	}
	byURL, unresolved := n.res.Resolve(remote)
	return lo.Keys(byURL), unresolved
}

func (n *Node) propagate(ctx context.Context, prop *Propagation, d digest.Digest, raw []byte, targets []string, unresolved []encryption.PublicKey) {
	report := &PropagationReport{Digest: d, Unresolved: unresolved, StartedAt: time.Now()}
	res := n.pusher.Push(ctx, raw, d, targets)
	report.Delivered = res.Delivered
	report.Failed = res.Failed
	report.Err = ctx.Err()
	report.FinishedAt = time.Now()

	if report.Complete() {
		logger.Info("Envelope propagated", "digest", d.String(), "peers", len(report.Delivered))
	} else {
		logger.Warn("Envelope partially propagated",
			"digest", d.String(),
			"delivered", report.Delivered,
			"failed", report.FailedPeers(),
			"unresolved", len(report.Unresolved),
		)
	}
	prop.finish(report)
	n.notify(report)
}

func (n *Node) notify(report *PropagationReport) {
	n.mu.RLock()
	obs := n.obs
	n.mu.RUnlock()
	for _, o := range obs {
		o.OnPropagation(report)
	}
}

// Receive returns the plaintext of the envelope at d for the hosted key to.
// A zero to selects the first hosted key that is a recipient.
func (n *Node) Receive(ctx context.Context, d digest.Digest, to encryption.PublicKey) ([]byte, error) {
	raw, err := n.store.Get(ctx, d)
	if err != nil {
		return nil, err
	}
	if !digest.Verify(d, raw) {
		return nil, fmt.Errorf("%w: stored bytes do not match digest %s", encryption.ErrIntegrity, d)
	}
	env, err := encryption.UnmarshalEnvelope(raw)
	if err != nil {
		return nil, err
	}

	kp, err := n.recipientKey(env, to)
	if err != nil {
		return nil, err
	}
	return encryption.Open(env, kp)
}

func (n *Node) recipientKey(env *encryption.Envelope, to encryption.PublicKey) (*encryption.KeyPair, error) {
	if !to.IsZero() {
		kp, ok := n.keys[to]
		if !ok {
			return nil, fmt.Errorf("%w: key %s is not hosted here", encryption.ErrAuthorization, to.String())
		}
		return kp, nil
	}
	for _, k := range n.order {
		if env.HasRecipient(k) {
			return n.keys[k], nil
		}
	}
	return nil, fmt.Errorf("%w: no hosted key is a recipient", encryption.ErrAuthorization)
}

// Accept stores an envelope pushed by another node and returns its digest.
func (n *Node) Accept(ctx context.Context, raw []byte) (digest.Digest, error) {
	env, err := encryption.UnmarshalEnvelope(raw)
	if err != nil {
		return digest.Digest{}, err
	}
	d := digest.Address(raw)

	hosted := lo.CountBy(env.RecipientKeys(), n.Hosts)
	if hosted == 0 {
		logger.Warn("Accepted envelope with no locally hosted recipient", "digest", d.String())
	}
	if err := n.store.Put(ctx, d, raw); err != nil {
		return digest.Digest{}, fmt.Errorf("store pushed envelope %s: %w", d, err)
	}
	logger.Debug("Accepted pushed envelope", "digest", d.String(), "hosted_recipients", hosted)
	return d, nil
}

// Close waits for background propagation to finish and stops the node.
func (n *Node) Close() error {
	n.mu.Lock()
	already := n.closed.Swap(true)
	n.mu.Unlock()
	if already {
		return nil
	}
	n.inflight.Wait()
	n.cancel()
	return nil
}
