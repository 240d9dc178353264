package network

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/fystack/orion/pkg/encryption"
	"github.com/fystack/orion/pkg/logger"
)

// Exchanger sends local party info to a peer and returns the peer's.
type Exchanger interface {
	ExchangePartyInfo(ctx context.Context, peer string, local PartyInfo) (PartyInfo, error)
}

// Registry is an optional shared key → URL catalogue.
type Registry interface {
	Register(ctx context.Context, key encryption.PublicKey, url string) error
	Entries(ctx context.Context) (map[string]string, error)
}

type DiscoveryOptions struct {
	Interval    time.Duration
	Concurrency int
	// Registry, when set, is published to and read from every round.
	Registry Registry
}

// Discovery periodically exchanges party info with every known node, so
// nodes learned from one peer are contacted on the next round.
type Discovery struct {
	dir  *Directory
	ex   Exchanger
	opts DiscoveryOptions
}

func NewDiscovery(dir *Directory, ex Exchanger, opts DiscoveryOptions) *Discovery {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 8
	}
	return &Discovery{dir: dir, ex: ex, opts: opts}
}

// RunOnce performs a single round and returns how many peers answered.
func (d *Discovery) RunOnce(ctx context.Context) int {
	if d.opts.Registry != nil {
		d.syncRegistry(ctx)
	}

	local := d.dir.PartyInfo()
	var reached atomic.Int64
	p := pool.New().WithMaxGoroutines(d.opts.Concurrency)
	for _, peer := range d.dir.Peers() {
		p.Go(func() {
			remote, err := d.ex.ExchangePartyInfo(ctx, peer, local)
			if err != nil {
				logger.Warn("Party info exchange failed", "peer", peer, "error", err.Error())
				return
			}
			reached.Add(1)
			if n := d.dir.Merge(remote); n > 0 {
				logger.Info("Learned parties from peer", "peer", peer, "changed", n)
			}
		})
	}
	p.Wait()
	return int(reached.Load())
}

func (d *Discovery) syncRegistry(ctx context.Context) {
	self := d.dir.SelfURL()
	for rawKey, u := range d.dir.PartyInfo().Parties {
		if u != self {
			continue
		}
		key, err := encryption.ParsePublicKey(rawKey)
		if err != nil {
			continue
		}
		if err := d.opts.Registry.Register(ctx, key, self); err != nil {
			logger.Warn("Failed to publish party to registry", "key", rawKey, "error", err.Error())
		}
	}

	entries, err := d.opts.Registry.Entries(ctx)
	if err != nil {
		logger.Warn("Failed to read party registry", "error", err.Error())
		return
	}
	d.dir.Merge(PartyInfo{Parties: entries})
}

// Run calls RunOnce immediately and then on every interval until ctx is done.
func (d *Discovery) Run(ctx context.Context) {
	ticker := time.NewTicker(d.opts.Interval)
	defer ticker.Stop()

	for {
		d.RunOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
