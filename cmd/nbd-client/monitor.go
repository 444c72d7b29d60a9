//go:build linux

package main

import (
	"context"
	"flag"
	"log"
	"os"
	"time"

	"github.com/nblockd/nbd-client"
	"github.com/nblockd/nbd-client/nbdnl"

	"github.com/google/subcommands"
)

func init() {
	commands = append(commands, &monitorCmd{})
}

// monitorCmd is a thin wrapper around attach that always uses the
// netlink binder and keeps watching for LINK_DEAD notifications after
// the initial attach returns, rather than exiting.
type monitorCmd struct {
	attachCmd
}

func (cmd *monitorCmd) Name() string     { return "monitor" }
func (cmd *monitorCmd) Synopsis() string { return "attach via netlink and watch for dead links" }
func (cmd *monitorCmd) Usage() string {
	return `Usage: nbd-client monitor [options] HOST [PORT] DEVICE

Like attach --netlink, but stays resident and redials when the kernel
reports the link as dead, bounded by --dead-timeout.
`
}

func (cmd *monitorCmd) Execute(ctx context.Context, fs *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	cmd.netlink = true
	if cmd.deadTimeout == 0 {
		cmd.deadTimeout = 30
	}
	t, err := cmd.resolveTarget(fs.Args())
	if err != nil {
		log.Printf("ERROR: %v", err)
		return subcommands.ExitUsageError
	}
	if st, err := nbdnl.StatusAll(); err == nil {
		log.Printf("nbd: %d device(s) currently known to the kernel", len(st))
	}
	return cmd.attachNetlink(ctx, t)
}

// monitorDeadLinks subscribes to LINK_DEAD notifications for idx and
// redials+reconfigures, bounded by cmd.deadTimeout seconds of retries
// per event; giving up on an index leaves it disconnected.
func monitorDeadLinks(ctx context.Context, idx uint32, cmd *attachCmd, t resolvedTarget) {
	err := nbdnl.Monitor(ctx, func(deadIdx uint32) {
		if deadIdx != idx {
			return
		}
		log.Printf("nbd%d: link dead, redialing", idx)

		deadline := time.Now().Add(time.Duration(cmd.deadTimeout) * time.Second)
		for attempt := 0; ; attempt++ {
			if attempt > 0 && (cmd.deadTimeout == 0 || time.Now().After(deadline)) {
				log.Printf("nbd%d: giving up after dead-timeout", idx)
				return
			}
			sock, err := cmd.dial(ctx, t)
			if err != nil {
				time.Sleep(time.Second)
				continue
			}
			desc, err := nbd.Negotiate(sock, t.export)
			if err != nil {
				sock.Close()
				time.Sleep(time.Second)
				continue
			}
			sf := nbdnl.ServerFlags(desc.TransportFlags)
			if err := nbdnl.Reconfigure(idx, []*os.File{sock}, 0, sf); err != nil {
				log.Printf("nbd%d: reconfigure failed: %v", idx, err)
				sock.Close()
				time.Sleep(time.Second)
				continue
			}
			log.Printf("nbd%d: reconfigured", idx)
			return
		}
	})
	if err != nil {
		log.Printf("nbd%d: monitor stopped: %v", idx, err)
	}
}
