package common

import (
	"fmt"
	"strconv"
	"strings"
)

// --------------------------------------------------------------------------
// Transport configuration
// --------------------------------------------------------------------------

// TransportConfig holds the socket settings shared by server and client
type TransportConfig struct {
	// Name of the transport, "tcp" or "unix"
	Name string `toml:"transport"`

	// TCP settings, ignored for unix sockets
	TCPNoDelay      bool `toml:"tcp-nodelay"`
	TCPKeepAliveSec int  `toml:"tcp-keepalive"`
	TCPLingerSec    int  `toml:"tcp-linger"`

	// socket buffer sizes in bytes (0 = OS default)
	ReadBufferSize  int `toml:"read-buffer"`
	WriteBufferSize int `toml:"write-buffer"`
}

// --------------------------------------------------------------------------
// Server configuration
// --------------------------------------------------------------------------

// ServerConfig holds all configuration parameters of a server process
type ServerConfig struct {
	// Endpoint is the listen address (host:port for tcp, a socket path for unix)
	Endpoint  string          `toml:"endpoint"`
	Transport TransportConfig `toml:"-"`

	// Persistence
	DataDir         string `toml:"data-dir"`
	RotateThreshold int64  `toml:"rotate-threshold"`
	SyncWrites      bool   `toml:"sync-writes"`

	// Dispatcher
	QueueCapacity int `toml:"queue-capacity"`

	// TimeoutSecond bounds the handshake of new connections (0 = no timeout)
	TimeoutSecond int64 `toml:"timeout"`

	// Optional endpoints, empty disables them
	MetricsEndpoint string `toml:"metrics-endpoint"`
	RESPEndpoint    string `toml:"resp-endpoint"`

	// Logging configuration
	LogLevel string `toml:"log-level"`
}

// String returns a formatted string representation of the configuration
func (c *ServerConfig) String() string {
	var sb strings.Builder

	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	optional := func(endpoint string) string {
		if endpoint == "" {
			return "disabled"
		}
		return endpoint
	}

	// Server settings
	addSection("Server")
	addField("Endpoint", c.Endpoint)
	addField("Transport", c.Transport.Name)
	addField("Handshake Timeout", fmt.Sprintf("%d sec", c.TimeoutSecond))
	addField("Queue Capacity", strconv.Itoa(c.QueueCapacity))

	if c.Transport.Name == "tcp" {
		addSection("Socket")
		addField("TCP No Delay", strconv.FormatBool(c.Transport.TCPNoDelay))
		addField("TCP Keep Alive", fmt.Sprintf("%d sec", c.Transport.TCPKeepAliveSec))
		addField("TCP Linger", fmt.Sprintf("%d sec", c.Transport.TCPLingerSec))
		addField("Read Buffer", fmt.Sprintf("%d bytes", c.Transport.ReadBufferSize))
		addField("Write Buffer", fmt.Sprintf("%d bytes", c.Transport.WriteBufferSize))
	}

	// Storage
	addSection("Storage")
	addField("Data Directory", c.DataDir)
	addField("Rotate Threshold", fmt.Sprintf("%d bytes", c.RotateThreshold))
	addField("Sync Writes", strconv.FormatBool(c.SyncWrites))

	// Extra endpoints
	addSection("Endpoints")
	addField("Metrics", optional(c.MetricsEndpoint))
	addField("RESP", optional(c.RESPEndpoint))

	// Logging configuration
	addSection("Logging")
	addField("Log Level", c.LogLevel)

	return sb.String()
}

// --------------------------------------------------------------------------
// Client configuration
// --------------------------------------------------------------------------

type ClientConfig struct {
	Endpoint      string
	Transport     TransportConfig
	TimeoutSecond int
	RetryCount    int
}

// String returns a formatted string representation of the client configuration
func (c *ClientConfig) String() string {
	var sb strings.Builder

	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	addSection("Client Configuration")
	addField("Endpoint", c.Endpoint)
	addField("Transport", c.Transport.Name)
	addField("Timeout", fmt.Sprintf("%d sec", c.TimeoutSecond))
	addField("Retry Count", strconv.Itoa(c.RetryCount))

	return sb.String()
}
