// Package network tracks which node hosts each recipient public key.
package network

import (
	"sort"
	"strings"
	"sync"

	"github.com/samber/lo"

	"github.com/fystack/orion/pkg/encryption"
	"github.com/fystack/orion/pkg/logger"
)

// PartyInfo is exchanged between nodes. Parties maps base64 public keys to
// the URL of the node hosting them.
type PartyInfo struct {
	URL     string            `json:"url"`
	Parties map[string]string `json:"parties"`
}

// Directory is safe for concurrent use.
type Directory struct {
	self   string
	mu     sync.RWMutex
	local  map[encryption.PublicKey]struct{}
	owners map[encryption.PublicKey]string
	peers  map[string]struct{}
}

// NewDirectory seeds the directory with the keys hosted here and the
// statically configured peer URLs.
func NewDirectory(selfURL string, local []encryption.PublicKey, peers []string) *Directory {
	d := &Directory{
		self:   NormalizeURL(selfURL),
		local:  make(map[encryption.PublicKey]struct{}, len(local)),
		owners: make(map[encryption.PublicKey]string),
		peers:  make(map[string]struct{}, len(peers)),
	}
	for _, k := range local {
		d.local[k] = struct{}{}
		d.owners[k] = d.self
	}
	for _, p := range peers {
		d.AddPeer(p)
	}
	return d
}

// NormalizeURL trims whitespace and trailing slashes.
func NormalizeURL(u string) string {
	return strings.TrimRight(strings.TrimSpace(u), "/")
}

func (d *Directory) SelfURL() string { return d.self }

func (d *Directory) IsLocal(key encryption.PublicKey) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.local[key]
	return ok
}

// Owner returns the URL of the node hosting key.
func (d *Directory) Owner(key encryption.PublicKey) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.owners[key]
	return u, ok
}

// AddPeer records a node URL to exchange party info with.
func (d *Directory) AddPeer(u string) bool {
	u = NormalizeURL(u)
	if u == "" || u == d.self {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.peers[u]; ok {
		return false
	}
	d.peers[u] = struct{}{}
	return true
}

// Peers returns the known node URLs other than this node, sorted.
func (d *Directory) Peers() []string {
	d.mu.RLock()
	out := lo.Keys(d.peers)
	d.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Register records that key is hosted at u. Keys hosted here are never
// reassigned, and no other key may claim this node's URL. It reports
// whether the directory changed.
func (d *Directory) Register(key encryption.PublicKey, u string) bool {
	u = NormalizeURL(u)
	if u == "" {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.local[key]; ok {
		return false
	}
	if u == d.self {
		logger.Warn("Ignoring party entry claiming a key not hosted here", "key", key.String(), "url", u)
		return false
	}
	prev, ok := d.owners[key]
	if ok && prev == u {
		return false
	}
	if ok {
		logger.Warn("Recipient key moved to another node", "key", key.String(), "from", prev, "to", u)
	}
	d.owners[key] = u
	if u != d.self {
		d.peers[u] = struct{}{}
	}
	return true
}

// Merge folds a remote PartyInfo into the directory and returns the number
// of changed entries. Malformed keys are skipped.
func (d *Directory) Merge(info PartyInfo) int {
	d.AddPeer(info.URL)
	changed := 0
	for rawKey, u := range info.Parties {
		key, err := encryption.ParsePublicKey(rawKey)
		if err != nil {
			logger.Debug("Skipping malformed party key", "from", info.URL, "key", rawKey)
			continue
		}
		if d.Register(key, u) {
			changed++
		}
	}
	return changed
}

// PartyInfo snapshots the directory for exchange with another node.
func (d *Directory) PartyInfo() PartyInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()
	parties := make(map[string]string, len(d.owners))
	for k, u := range d.owners {
		parties[k.String()] = u
	}
	return PartyInfo{URL: d.self, Parties: parties}
}

// Resolve groups remote recipients by owning node. Keys hosted here are
// dropped; keys with no usable owner are returned as unresolved.
func (d *Directory) Resolve(keys []encryption.PublicKey) (map[string][]encryption.PublicKey, []encryption.PublicKey) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	byURL := make(map[string][]encryption.PublicKey)
	var unresolved []encryption.PublicKey
	for _, k := range lo.Uniq(keys) {
		if _, ok := d.local[k]; ok {
			continue
		}
		u, ok := d.owners[k]
		switch {
		case !ok, u == d.self:
			unresolved = append(unresolved, k)
		default:
			byURL[u] = append(byURL[u], k)
		}
	}
	return byURL, unresolved
}
