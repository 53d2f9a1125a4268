package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseBrokerDefaults(t *testing.T) {
	cfg := ParseBroker([]string{"--role", "BACKUP", "--peer", "10.0.0.2"})
	require.Equal(t, "BACKUP", cfg.Role)
	require.Equal(t, "10.0.0.2", cfg.Peer)
	require.Equal(t, ":5555", cfg.Addr)
}

func TestDerivedHBAddrIncrementsPort(t *testing.T) {
	hb, err := DerivedHBAddr("10.0.0.1:5555")
	require.NoError(t, err)
	require.Equal(t, "10.0.0.1:5556", hb)
}

func TestParseGatewaySplitsBrokerAddrs(t *testing.T) {
	cfg := ParseGateway([]string{
		"--faculty-id", "7",
		"--faculty-name", "Ingenieria",
		"--brokers", "10.0.0.1:5555, 10.0.0.2:5555",
	})
	require.Equal(t, int64(7), cfg.FacultyID)
	require.Equal(t, "Ingenieria", cfg.FacultyName)
	require.Equal(t, []string{"10.0.0.1:5555", "10.0.0.2:5555"}, cfg.BrokerAddrs)
	require.Equal(t, "canonical", cfg.Mode)
}
