package infra

import (
	"testing"

	"github.com/hashicorp/consul/api"
	"github.com/stretchr/testify/assert"

	"github.com/fystack/orion/pkg/config"
)

func TestGetConsulConfig(t *testing.T) {
	consulCfg := &config.ConsulConfig{
		Address:  "consul.internal:8500",
		Username: "orion",
		Password: "secret",
		Token:    "token",
	}

	prod := GetConsulConfig(config.Production, consulCfg)
	assert.Equal(t, "consul.internal:8500", prod.Address)
	assert.Equal(t, "token", prod.Token)
	assert.Equal(t, &api.HttpBasicAuth{Username: "orion", Password: "secret"}, prod.HttpAuth)

	// credentials are only applied in production
	dev := GetConsulConfig(config.Development, consulCfg)
	assert.Equal(t, "consul.internal:8500", dev.Address)
	assert.Empty(t, dev.Token)
	assert.Nil(t, dev.HttpAuth)

	def := GetConsulConfig(config.Development, nil)
	assert.Equal(t, api.DefaultConfig().Address, def.Address)
}
