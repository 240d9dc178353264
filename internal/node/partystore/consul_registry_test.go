package partystore

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/hashicorp/consul/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fystack/orion/pkg/encryption"
)

type fakeKV struct {
	mu    sync.Mutex
	pairs map[string]*api.KVPair
}

func (f *fakeKV) Put(kv *api.KVPair, _ *api.WriteOptions) (*api.WriteMeta, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *kv
	f.pairs[kv.Key] = &cp
	return &api.WriteMeta{}, nil
}

func (f *fakeKV) CAS(kv *api.KVPair, o *api.WriteOptions) (bool, *api.WriteMeta, error) {
	_, err := f.Put(kv, o)
	return err == nil, &api.WriteMeta{}, err
}

func (f *fakeKV) Get(key string, _ *api.QueryOptions) (*api.KVPair, *api.QueryMeta, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pairs[key], &api.QueryMeta{}, nil
}

func (f *fakeKV) Delete(key string, _ *api.WriteOptions) (*api.WriteMeta, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.pairs, key)
	return &api.WriteMeta{}, nil
}

func (f *fakeKV) List(prefix string, _ *api.QueryOptions) (api.KVPairs, *api.QueryMeta, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out api.KVPairs
	for k, v := range f.pairs {
		if strings.HasPrefix(k, prefix) {
			out = append(out, v)
		}
	}
	return out, &api.QueryMeta{}, nil
}

func TestConsulRegistry(t *testing.T) {
	ctx := context.Background()
	kv := &fakeKV{pairs: map[string]*api.KVPair{}}
	reg := NewConsulRegistry(kv, "orion")

	kp, err := encryption.GenerateKeyPair()
	require.NoError(t, err)
	require.NoError(t, reg.Register(ctx, kp.Public, "https://node1:8080"))

	// base64 keys may contain '/', which must not split the consul path
	for k := range kv.pairs {
		assert.Equal(t, 2, strings.Count(k, "/"), k)
	}

	entries, err := reg.Entries(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{kp.Public.String(): "https://node1:8080"}, entries)

	// re-registering moves the key
	require.NoError(t, reg.Register(ctx, kp.Public, "https://node2:8080"))
	entries, err = reg.Entries(ctx)
	require.NoError(t, err)
	assert.Equal(t, "https://node2:8080", entries[kp.Public.String()])
}
