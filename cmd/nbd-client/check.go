//go:build linux

package main

import (
	"context"
	"flag"
	"fmt"
	"log"

	"github.com/nblockd/nbd-client/ioctlnbd"

	"github.com/google/subcommands"
)

func init() {
	commands = append(commands, &checkCmd{})
}

type checkCmd struct{}

func (cmd *checkCmd) Name() string     { return "check" }
func (cmd *checkCmd) Synopsis() string { return "report whether an NBD device is attached" }
func (cmd *checkCmd) Usage() string {
	return `Usage: nbd-client check DEVICE

Print the pid serving DEVICE and exit 0 if attached; exit 1 if
unattached; exit 2 on an unexpected error.
`
}

func (cmd *checkCmd) SetFlags(fs *flag.FlagSet) {}

func (cmd *checkCmd) Execute(ctx context.Context, fs *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if fs.NArg() != 1 {
		log.Print(cmd.Usage())
		return subcommands.ExitUsageError
	}

	attached, pid, err := ioctlnbd.CheckConn(fs.Arg(0))
	if err != nil {
		log.Printf("could not read from server: %v", err)
		return subcommands.ExitStatus(2)
	}
	if !attached {
		return subcommands.ExitStatus(1)
	}
	fmt.Println(pid)
	return subcommands.ExitSuccess
}
