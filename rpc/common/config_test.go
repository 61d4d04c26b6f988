package common

import (
	"testing"

	"github.com/lni/dragonboat/v4/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLogLevel(t *testing.T) {
	for name, want := range map[string]logger.LogLevel{
		"debug":   logger.DEBUG,
		"INFO":    logger.INFO,
		"warn":    logger.WARNING,
		"warning": logger.WARNING,
		"error":   logger.ERROR,
	} {
		got, err := ParseLogLevel(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, got, name)
	}

	_, err := ParseLogLevel("verbose")
	assert.Error(t, err)
}

func TestServerConfigString(t *testing.T) {
	c := ServerConfig{
		Endpoint:        "127.0.0.1:7700",
		Transport:       TransportConfig{Name: "tcp", TCPNoDelay: true},
		DataDir:         "data",
		RotateThreshold: 10 << 20,
		RESPEndpoint:    ":6380",
		LogLevel:        "info",
	}
	s := c.String()
	assert.Contains(t, s, "127.0.0.1:7700")
	assert.Contains(t, s, "SOCKET")
	assert.Contains(t, s, "10485760 bytes")
	assert.Contains(t, s, ":6380")
	assert.Contains(t, s, "disabled")

	c.Transport.Name = "unix"
	assert.NotContains(t, c.String(), "SOCKET")
}
