package kv

import (
	"context"

	"github.com/ValentinKolb/tkv/cmd/util"
	"github.com/ValentinKolb/tkv/rpc/client"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	kvClient *client.Client

	// KeyValueCommands represents the KV command group
	KeyValueCommands = &cobra.Command{
		Use:                "kv",
		Short:              "Perform key-value store operations",
		PersistentPreRunE:  setupKVClient,
		PersistentPostRunE: closeKVClient,
	}
)

func init() {
	cobra.OnInitialize(util.InitEnv)

	util.SetupClientFlags(KeyValueCommands)

	KeyValueCommands.AddCommand(setCmd)
	KeyValueCommands.AddCommand(getCmd)
	KeyValueCommands.AddCommand(delCmd)
	KeyValueCommands.AddCommand(shellCmd)
	KeyValueCommands.AddCommand(perfTestCmd)
}

// setupKVClient connects the client used by all kv subcommands
func setupKVClient(cmd *cobra.Command, _ []string) error {
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}
	if err := util.ReadConfigFile(viper.GetString("config")); err != nil {
		return err
	}

	connector, err := util.GetClientConnector()
	if err != nil {
		return err
	}

	kvClient, err = client.Dial(context.Background(), util.GetClientConfig(), connector)
	return err
}

func closeKVClient(_ *cobra.Command, _ []string) error {
	if kvClient != nil {
		return kvClient.Close()
	}
	return nil
}
