package partystore

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/hashicorp/consul/api"

	"github.com/fystack/orion/pkg/encryption"
	"github.com/fystack/orion/pkg/infra"
	"github.com/fystack/orion/pkg/network"
)

// consulRegistry publishes key → node URL entries under <keyPrefix>/parties/.
type consulRegistry struct {
	consulKV infra.ConsulKV
	prefix   string
}

var _ network.Registry = &consulRegistry{}

func NewConsulRegistry(consulKV infra.ConsulKV, keyPrefix string) network.Registry {
	return &consulRegistry{
		consulKV: consulKV,
		prefix:   strings.TrimSuffix(keyPrefix, "/") + "/parties/",
	}
}

func (r *consulRegistry) Register(ctx context.Context, key encryption.PublicKey, nodeURL string) error {
	pair := &api.KVPair{Key: r.composeKey(key), Value: []byte(nodeURL)}
	opts := (&api.WriteOptions{}).WithContext(ctx)
	if _, err := r.consulKV.Put(pair, opts); err != nil {
		return fmt.Errorf("failed to register party: %w", err)
	}
	return nil
}

func (r *consulRegistry) Entries(ctx context.Context) (map[string]string, error) {
	opts := (&api.QueryOptions{}).WithContext(ctx)
	pairs, _, err := r.consulKV.List(r.prefix, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list parties: %w", err)
	}

	entries := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		rawKey, err := url.PathUnescape(strings.TrimPrefix(pair.Key, r.prefix))
		if err != nil {
			continue
		}
		entries[rawKey] = string(pair.Value)
	}
	return entries, nil
}

func (r *consulRegistry) composeKey(key encryption.PublicKey) string {
	return r.prefix + url.PathEscape(key.String())
}
