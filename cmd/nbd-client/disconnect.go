//go:build linux

package main

import (
	"context"
	"flag"
	"log"
	"strconv"
	"strings"

	"github.com/nblockd/nbd-client/ioctlnbd"
	"github.com/nblockd/nbd-client/nbdnl"

	"github.com/google/subcommands"
)

func init() {
	commands = append(commands, &disconnectCmd{})
}

type disconnectCmd struct {
	netlink bool
}

func (cmd *disconnectCmd) Name() string     { return "disconnect" }
func (cmd *disconnectCmd) Synopsis() string { return "disconnect an attached NBD device" }
func (cmd *disconnectCmd) Usage() string {
	return `Usage: nbd-client disconnect [-netlink] DEVICE

Disconnect an attached NBD device.
`
}

func (cmd *disconnectCmd) SetFlags(fs *flag.FlagSet) {
	fs.BoolVar(&cmd.netlink, "netlink", false, "Disconnect via the netlink device binder")
}

func (cmd *disconnectCmd) Execute(ctx context.Context, fs *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if fs.NArg() != 1 {
		log.Print(cmd.Usage())
		return subcommands.ExitUsageError
	}
	devPath := fs.Arg(0)

	if cmd.netlink {
		idx, err := deviceIndex(devPath)
		if err != nil {
			log.Printf("ERROR: %v", err)
			return subcommands.ExitUsageError
		}
		if err := nbdnl.Disconnect(idx); err != nil {
			log.Printf("ERROR: %v", err)
			return subcommands.ExitFailure
		}
		return subcommands.ExitSuccess
	}

	nbdDev, err := ioctlnbd.Open(devPath)
	if err != nil {
		log.Printf("ERROR: %v", err)
		return subcommands.ExitFailure
	}
	defer nbdDev.Close()

	log.Print("disconnect, ")
	if err := ioctlnbd.Disconnect(nbdDev); err != nil {
		log.Printf("ERROR: %v", err)
		return subcommands.ExitFailure
	}
	log.Print("sock, done")
	return subcommands.ExitSuccess
}

// deviceIndex extracts the numeric suffix from a device path like
// "/dev/nbd3" for use with the netlink binder, which addresses
// devices by index rather than path.
func deviceIndex(devPath string) (uint32, error) {
	name := devPath
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		name = name[i+1:]
	}
	name = strings.TrimPrefix(name, "nbd")
	n, err := strconv.ParseUint(name, 10, 32)
	if err != nil {
		return 0, err
	}
	return uint32(n), nil
}
