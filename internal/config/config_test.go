package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParse_Defaults(t *testing.T) {
	t.Parallel()
	cfg, err := Parse([]string{"eth0"})
	require.NoError(t, err)
	require.Equal(t, "eth0", cfg.Interface)
	require.Equal(t, 10, cfg.MaxCanvasFPS)
	require.False(t, cfg.RequireValidChecksum)
	require.Equal(t, "::", cfg.BindAddr)
	require.Equal(t, uint16(8080), cfg.Port)
}

func TestParse_RequiresInterfaceUnlessVersion(t *testing.T) {
	t.Parallel()
	_, err := Parse([]string{})
	require.Error(t, err)

	cfg, err := Parse([]string{"--version"})
	require.NoError(t, err)
	require.True(t, cfg.ShowVersion)
}

func TestParse_OverridesFromFlags(t *testing.T) {
	t.Parallel()
	cfg, err := Parse([]string{"-f", "30", "-r", "-p", "9090", "eth1"})
	require.NoError(t, err)
	require.Equal(t, 30, cfg.MaxCanvasFPS)
	require.True(t, cfg.RequireValidChecksum)
	require.Equal(t, uint16(9090), cfg.Port)
	require.Equal(t, "eth1", cfg.Interface)
}

func TestValidate_RejectsOutOfRangeFPS(t *testing.T) {
	t.Parallel()
	_, err := Parse([]string{"-f", "5000", "eth0"})
	require.Error(t, err)
}

func TestValidate_RejectsInvalidBindAddr(t *testing.T) {
	t.Parallel()
	_, err := Parse([]string{"-b", "not-an-ip", "eth0"})
	require.Error(t, err)
}

func TestValidate_RejectsInvalidTrustedProxyCIDR(t *testing.T) {
	t.Parallel()
	_, err := Parse([]string{"--trusted-proxy-cidr", "not-a-cidr", "eth0"})
	require.Error(t, err)
}

func TestParse_NSFWClassifierURLEnablesFlag(t *testing.T) {
	t.Parallel()
	cfg, err := Parse([]string{"--nsfw-classifier-url", "http://localhost:9999", "eth0"})
	require.NoError(t, err)
	require.True(t, cfg.EnableNSFWClassifier)
}
