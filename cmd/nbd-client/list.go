//go:build linux

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/nblockd/nbd-client"
	"github.com/nblockd/nbd-client/dial"

	"github.com/google/subcommands"
)

func init() {
	commands = append(commands, &listCmd{})
}

type listCmd struct {
	port string
	unix bool
}

func (cmd *listCmd) Name() string     { return "list" }
func (cmd *listCmd) Synopsis() string { return "list the exports a server offers" }
func (cmd *listCmd) Usage() string {
	return `Usage: nbd-client list HOST [PORT]

List the exports offered by a server, using the newstyle protocol's
list sub-option.
`
}

func (cmd *listCmd) SetFlags(fs *flag.FlagSet) {
	fs.StringVar(&cmd.port, "port", "10809", "Port to connect to")
	fs.BoolVar(&cmd.unix, "unix", false, "Dial a Unix domain socket instead of TCP; HOST is then a path")
}

func (cmd *listCmd) Execute(ctx context.Context, fs *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if fs.NArg() < 1 || fs.NArg() > 2 {
		log.Print(cmd.Usage())
		return subcommands.ExitUsageError
	}
	host := fs.Arg(0)
	port := cmd.port
	if fs.NArg() == 2 {
		port = fs.Arg(1)
	}

	var conn *os.File
	var err error
	if cmd.unix {
		conn, err = dial.Unix(ctx, host)
	} else {
		conn, err = dial.Net(ctx, host, port, false)
	}
	if err != nil {
		log.Printf("ERROR: %v", err)
		return subcommands.ExitFailure
	}
	defer conn.Close()

	names, err := nbd.List(conn)
	if err != nil {
		var oerr *nbd.OptionError
		if errors.As(err, &oerr) {
			if oerr.Policy {
				fmt.Println("E: listing not allowed by server.")
			} else {
				fmt.Println("E: unexpected error from server.")
			}
			if oerr.Msg != "" {
				fmt.Printf("Server said: %s\n", oerr.Msg)
			}
			return subcommands.ExitFailure
		}
		log.Printf("ERROR: %v", err)
		return subcommands.ExitFailure
	}

	for _, n := range names {
		fmt.Printf("%s\n", n)
	}
	return subcommands.ExitSuccess
}
