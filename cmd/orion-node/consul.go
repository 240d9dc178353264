package main

import (
	"github.com/hashicorp/consul/api"

	"github.com/fystack/orion/pkg/config"
	"github.com/fystack/orion/pkg/infra"
)

const (
	pinSideServers = "servers"
	pinSideClients = "clients"
)

func consulNeeded(cfg *config.Config) bool {
	return cfg.TLS.PinStore == config.PinStoreConsul || cfg.Discovery.Registry == config.RegistryConsul
}

// connectConsul returns nil when no component is configured to use consul.
func connectConsul(cfg *config.Config) (*api.Client, error) {
	if !consulNeeded(cfg) {
		return nil, nil
	}
	return infra.NewConsulClient(cfg.Environment, cfg.Consul)
}
