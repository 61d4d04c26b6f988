package kv

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	setCmd = &cobra.Command{
		Use:   "set [key] [value]",
		Short: "Sets the value for a key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := kvClient.Set(cmd.Context(), []byte(args[0]), []byte(args[1])); err != nil {
				return err
			}
			fmt.Println("OK")
			return nil
		},
	}
	getCmd = &cobra.Command{
		Use:   "get [key]",
		Short: "Gets the value for a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			value, err := kvClient.Get(cmd.Context(), []byte(args[0]))
			if err != nil {
				return err
			}
			fmt.Println(formatValue(value))
			return nil
		},
	}
	delCmd = &cobra.Command{
		Use:   "del [key]",
		Short: "Deletes a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := kvClient.Delete(cmd.Context(), []byte(args[0])); err != nil {
				return err
			}
			fmt.Println("OK")
			return nil
		},
	}
)

// formatValue prints an absent value as None and anything else quoted, so an empty value is
// visible
func formatValue(value []byte) string {
	if value == nil {
		return "None"
	}
	return fmt.Sprintf("%q", value)
}
