package kv

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"
)

var shellCmd = &cobra.Command{
	Use:   "shell",
	Short: "Interactive shell (get <key>, set <key> <value>, del <key>)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return shellLoop(cmd.Context(), kvClient)
	},
}

// kvOps is the part of the client the shell needs
type kvOps interface {
	Get(ctx context.Context, key []byte) ([]byte, error)
	Set(ctx context.Context, key, value []byte) error
	Delete(ctx context.Context, key []byte) error
}

// errUnknownCommand is reported for lines that are not a valid command, the shell keeps running
var errUnknownCommand = errors.New("unknown command")

func shellLoop(ctx context.Context, store kvOps) error {
	if ctx == nil {
		ctx = context.Background()
	}

	l, err := readline.NewEx(&readline.Config{
		Prompt:            "\033[32mtkv»\033[0m ",
		HistoryFile:       filepath.Join(os.TempDir(), "tkv_history"),
		InterruptPrompt:   "^C",
		EOFPrompt:         "^D",
		HistorySearchFold: true,
	})
	if err != nil {
		return err
	}
	defer l.Close()

	for {
		line, err := l.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
				return nil
			}
			continue
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			return nil
		}
		if err := execLine(ctx, store, line, l.Stdout()); err != nil {
			if errors.Is(err, errUnknownCommand) {
				fmt.Fprintf(l.Stderr(), "%v: %s\n", err, line)
				continue
			}
			// connection errors are fatal for the shell
			return err
		}
	}
}

// execLine runs one shell line and writes the result to out. The value of set is everything
// after the key, so it may contain spaces.
func execLine(ctx context.Context, store kvOps, line string, out io.Writer) error {
	args := strings.SplitN(strings.TrimSpace(line), " ", 3)

	switch {
	case args[0] == "get" && len(args) == 2:
		value, err := store.Get(ctx, []byte(args[1]))
		if err != nil {
			return err
		}
		fmt.Fprintln(out, formatValue(value))
	case args[0] == "set" && len(args) == 3:
		if err := store.Set(ctx, []byte(args[1]), []byte(args[2])); err != nil {
			return err
		}
		fmt.Fprintln(out, "OK")
	case args[0] == "del" && len(args) == 2:
		if err := store.Delete(ctx, []byte(args[1])); err != nil {
			return err
		}
		fmt.Fprintln(out, "OK")
	default:
		return errUnknownCommand
	}
	return nil
}
