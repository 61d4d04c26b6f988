package serve

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/BurntSushi/toml"
	cmdUtil "github.com/ValentinKolb/tkv/cmd/util"
	"github.com/ValentinKolb/tkv/lib/dispatch"
	"github.com/ValentinKolb/tkv/lib/persist"
	"github.com/ValentinKolb/tkv/rpc/common"
	"github.com/ValentinKolb/tkv/rpc/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	serveCmdConfig = &common.ServerConfig{}
	ServeCmd       = &cobra.Command{
		Use:   "serve",
		Short: "Start the tKV server",
		Long: `Start the tKV server with the specified configuration. The configuration can be set via command line flags, environment variables or a TOML config file (in this order of precedence).
The format of the environment variables is TKV_<flag> (e.g. TKV_DATA_DIR=/var/lib/tkv)`,
		PreRunE: processConfig,
		RunE:    run,
	}
)

func init() {
	cobra.OnInitialize(cmdUtil.InitEnv)

	key := "endpoint"
	ServeCmd.PersistentFlags().String(key, "127.0.0.1:7700", cmdUtil.WrapString("The address on which the server will listen (e.g. 127.0.0.1:7700, /tmp/tkv.sock, ...)"))

	key = "data-dir"
	ServeCmd.PersistentFlags().String(key, "data", cmdUtil.WrapString("The directory holding the index, write-ahead logs and snapshots. It is created if it does not exist"))

	key = "rotate-threshold"
	ServeCmd.PersistentFlags().Int64(key, persist.DefaultRotateThreshold, cmdUtil.WrapString("Size in bytes the active write-ahead log may reach before the store switches slots and writes a snapshot"))

	key = "sync-writes"
	ServeCmd.PersistentFlags().Bool(key, true, cmdUtil.WrapString("Fsync the write-ahead log after every write. Disabling this trades durability on power loss for throughput"))

	key = "queue-capacity"
	ServeCmd.PersistentFlags().Int(key, dispatch.DefaultQueueCapacity, cmdUtil.WrapString("Number of requests that may wait for the dispatcher before connections stop reading"))

	key = "timeout"
	ServeCmd.PersistentFlags().Int64(key, 5, cmdUtil.WrapString("Handshake timeout for new connections in seconds (0 = no timeout)"))

	key = "metrics-endpoint"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Address of the admin HTTP endpoint serving /metrics and /healthz (empty = disabled)"))

	key = "resp-endpoint"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Address of the RESP endpoint for redis clients (empty = disabled)"))

	key = "log-level"
	ServeCmd.PersistentFlags().String(key, "info", cmdUtil.WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))

	key = "config"
	ServeCmd.PersistentFlags().StringP(key, "f", "./server_config.toml", cmdUtil.WrapString("Path of an optional TOML config file, ignored if it does not exist. Besides the flag names, the keys 'ip' and 'port' are accepted"))

	key = "print-config"
	ServeCmd.PersistentFlags().Bool(key, false, cmdUtil.WrapString("Print the effective configuration as TOML and exit"))

	cmdUtil.SetupTransportFlags(ServeCmd)
}

// processConfig reads the configuration from the command line flags, environment variables and
// the config file and converts them to the server configuration
func processConfig(cmd *cobra.Command, _ []string) error {
	if err := cmdUtil.BindCommandFlags(cmd); err != nil {
		return err
	}
	if err := cmdUtil.ReadConfigFile(viper.GetString("config")); err != nil {
		return err
	}

	serveCmdConfig.Endpoint = endpoint(cmd)
	serveCmdConfig.Transport = cmdUtil.GetTransportConfig()
	serveCmdConfig.DataDir = viper.GetString("data-dir")
	serveCmdConfig.RotateThreshold = viper.GetInt64("rotate-threshold")
	serveCmdConfig.SyncWrites = viper.GetBool("sync-writes")
	serveCmdConfig.QueueCapacity = viper.GetInt("queue-capacity")
	serveCmdConfig.TimeoutSecond = viper.GetInt64("timeout")
	serveCmdConfig.MetricsEndpoint = viper.GetString("metrics-endpoint")
	serveCmdConfig.RESPEndpoint = viper.GetString("resp-endpoint")
	serveCmdConfig.LogLevel = viper.GetString("log-level")

	if serveCmdConfig.RotateThreshold <= 0 {
		return fmt.Errorf("rotate-threshold must be positive, got %d", serveCmdConfig.RotateThreshold)
	}
	if serveCmdConfig.QueueCapacity <= 0 {
		return fmt.Errorf("queue-capacity must be positive, got %d", serveCmdConfig.QueueCapacity)
	}
	if _, err := common.ParseLogLevel(serveCmdConfig.LogLevel); err != nil {
		return err
	}
	return nil
}

// endpoint prefers an explicitly set endpoint and falls back to the 'ip' and 'port' keys of the
// config file
func endpoint(cmd *cobra.Command) string {
	explicit := cmd.Flags().Changed("endpoint") || viper.InConfig("endpoint") || os.Getenv("TKV_ENDPOINT") != ""
	if !explicit && viper.IsSet("ip") && viper.IsSet("port") {
		return net.JoinHostPort(viper.GetString("ip"), strconv.Itoa(viper.GetInt("port")))
	}
	return viper.GetString("endpoint")
}

// run starts the tKV server and blocks until it stops
func run(_ *cobra.Command, _ []string) error {
	if viper.GetBool("print-config") {
		return printConfig()
	}

	if err := common.InitLoggers(serveCmdConfig.LogLevel); err != nil {
		return err
	}

	t, err := cmdUtil.GetServerTransport()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return server.New(*serveCmdConfig, t).Serve(ctx)
}

// printConfig writes the configuration with the same flat keys the config file accepts
func printConfig() error {
	// buffer flags are given in KB
	t := serveCmdConfig.Transport
	t.ReadBufferSize /= 1024
	t.WriteBufferSize /= 1024

	flat := struct {
		common.ServerConfig
		common.TransportConfig
	}{*serveCmdConfig, t}
	return toml.NewEncoder(os.Stdout).Encode(flat)
}
