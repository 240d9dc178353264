package pinstore

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/hashicorp/consul/api"

	"github.com/fystack/orion/pkg/infra"
	"github.com/fystack/orion/pkg/trust"
)

// consulStore shares pins between nodes through consul. Writes use
// check-and-set with index 0, so an existing pin is never replaced.
type consulStore struct {
	consulKV infra.ConsulKV
	prefix   string
}

var _ trust.PinStore = &consulStore{}

// NewConsulStore keeps pins under <keyPrefix>/trust/<side>/.
func NewConsulStore(consulKV infra.ConsulKV, keyPrefix, side string) trust.PinStore {
	return &consulStore{
		consulKV: consulKV,
		prefix:   fmt.Sprintf("%s/trust/%s/", strings.TrimSuffix(keyPrefix, "/"), side),
	}
}

func (s *consulStore) Load() ([]trust.Pin, error) {
	pairs, _, err := s.consulKV.List(s.prefix, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list pins: %w", err)
	}

	pins := make([]trust.Pin, 0, len(pairs))
	for _, pair := range pairs {
		pin := trust.Pin{}
		if err := json.Unmarshal(pair.Value, &pin); err != nil {
			return nil, fmt.Errorf("failed to unmarshal pin %s: %w", pair.Key, err)
		}
		pins = append(pins, pin)
	}
	return pins, nil
}

func (s *consulStore) Add(pin trust.Pin) error {
	bytes, err := json.Marshal(pin)
	if err != nil {
		return fmt.Errorf("failed to marshal pin: %w", err)
	}

	pair := &api.KVPair{Key: s.composeKey(pin.Identity), Value: bytes, ModifyIndex: 0}
	ok, _, err := s.consulKV.CAS(pair, nil)
	if err != nil {
		return fmt.Errorf("failed to save pin: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", trust.ErrPinExists, pin.Identity)
	}
	return nil
}

func (s *consulStore) composeKey(identity string) string {
	return s.prefix + url.PathEscape(identity)
}
