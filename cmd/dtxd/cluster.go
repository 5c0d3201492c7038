package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ClusterConfig is the on-disk rank->address map dtxd dials peers
// through. The production placement/transport stack resolves this
// from the pool service instead; a demo process has no pool service
// to ask, so it reads a flat file (spec.md §1: placement is external
// to this module).
type ClusterConfig struct {
	Self  uint32            `yaml:"self"`
	Ranks map[uint32]string `yaml:"ranks"`
}

// LoadClusterConfig reads and validates a cluster file at path.
func LoadClusterConfig(path string) (*ClusterConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read cluster config: %w", err)
	}
	var cc ClusterConfig
	if err := yaml.Unmarshal(data, &cc); err != nil {
		return nil, fmt.Errorf("parse cluster config: %w", err)
	}
	if len(cc.Ranks) == 0 {
		return nil, fmt.Errorf("cluster config %s declares no ranks", path)
	}
	if _, ok := cc.Ranks[cc.Self]; !ok {
		return nil, fmt.Errorf("cluster config %s has no address for self rank %d", path, cc.Self)
	}
	return &cc, nil
}

// Address implements transport.RankDialer against the static map.
func (cc *ClusterConfig) Address(target uint32) (string, error) {
	addr, ok := cc.Ranks[target]
	if !ok {
		return "", fmt.Errorf("no address for rank %d", target)
	}
	return addr, nil
}
