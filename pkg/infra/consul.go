package infra

import (
	"fmt"
	"time"

	"github.com/hashicorp/consul/api"

	"github.com/fystack/orion/pkg/config"
	"github.com/fystack/orion/pkg/logger"
)

// ConsulKV is the subset of the consul KV API used by the pin store and
// the party registry.
type ConsulKV interface {
	Put(kv *api.KVPair, options *api.WriteOptions) (*api.WriteMeta, error)
	CAS(kv *api.KVPair, options *api.WriteOptions) (bool, *api.WriteMeta, error)
	Get(key string, options *api.QueryOptions) (*api.KVPair, *api.QueryMeta, error)
	Delete(key string, options *api.WriteOptions) (*api.WriteMeta, error)
	List(prefix string, options *api.QueryOptions) (api.KVPairs, *api.QueryMeta, error)
}

var _ ConsulKV = (*api.KV)(nil)

func GetConsulConfig(environment string, consulCfg *config.ConsulConfig) *api.Config {
	clientConfig := api.DefaultConfig()
	if consulCfg == nil {
		return clientConfig
	}

	if environment == config.Production {
		clientConfig.Token = consulCfg.Token
		username := consulCfg.Username
		password := consulCfg.Password
		if username != "" || password != "" {
			clientConfig.HttpAuth = &api.HttpBasicAuth{
				Username: username,
				Password: password,
			}
		}
	}

	if consulCfg.Address != "" {
		clientConfig.Address = consulCfg.Address
	}
	return clientConfig
}

// NewConsulClient connects to consul and verifies a leader is reachable.
func NewConsulClient(environment string, consulCfg *config.ConsulConfig) (*api.Client, error) {
	cfg := GetConsulConfig(environment, consulCfg)
	cfg.WaitTime = 10 * time.Second

	logger.Info("Consul config",
		"environment", environment,
		"address", cfg.Address,
		"wait_time", cfg.WaitTime,
		"token_length", len(cfg.Token),
		"http_auth", cfg.HttpAuth != nil,
	)

	client, err := api.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("create consul client: %w", err)
	}

	// Ping the Consul server to verify connectivity
	if _, err := client.Status().Leader(); err != nil {
		return nil, fmt.Errorf("connect to consul: %w", err)
	}
	return client, nil
}
