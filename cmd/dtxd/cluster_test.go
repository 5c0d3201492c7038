package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeClusterFile(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "cluster.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadClusterConfigResolvesSelfAddress(t *testing.T) {
	path := writeClusterFile(t, "self: 1\nranks:\n  1: 127.0.0.1:9001\n  2: 127.0.0.1:9002\n")
	cc, err := LoadClusterConfig(path)
	require.NoError(t, err)

	addr, err := cc.Address(2)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:9002", addr)
}

func TestLoadClusterConfigRejectsMissingSelf(t *testing.T) {
	path := writeClusterFile(t, "self: 9\nranks:\n  1: 127.0.0.1:9001\n")
	_, err := LoadClusterConfig(path)
	require.Error(t, err)
}

func TestLoadClusterConfigRejectsEmptyRanks(t *testing.T) {
	path := writeClusterFile(t, "self: 1\nranks: {}\n")
	_, err := LoadClusterConfig(path)
	require.Error(t, err)
}

func TestClusterConfigAddressUnknownTarget(t *testing.T) {
	cc := &ClusterConfig{Self: 1, Ranks: map[uint32]string{1: "127.0.0.1:9001"}}
	_, err := cc.Address(2)
	require.Error(t, err)
}
