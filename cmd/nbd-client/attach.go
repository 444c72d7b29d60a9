//go:build linux

package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nblockd/nbd-client"
	"github.com/nblockd/nbd-client/dial"
	"github.com/nblockd/nbd-client/ioctlnbd"
	"github.com/nblockd/nbd-client/nbdnl"
	"github.com/nblockd/nbd-client/nbdtab"

	"github.com/google/subcommands"
)

func init() {
	commands = append(commands, &attachCmd{})
}

type attachCmd struct {
	blockSize   int
	connections int
	name        string
	netlink     bool
	deadTimeout int
	destroy     bool
	nofork      bool
	persist     bool
	sdp         bool
	swap        bool
	systemdMark bool
	timeout     int
	unix        bool
}

func (cmd *attachCmd) Name() string     { return "attach" }
func (cmd *attachCmd) Synopsis() string { return "attach a remote export to a local NBD device" }
func (cmd *attachCmd) Usage() string {
	return `Usage: nbd-client [attach] [options] HOST [PORT] DEVICE
       nbd-client [attach] [options] DEVICE

Attach a remote export to a local NBD device node. In the second form,
DEVICE is looked up in the nbdtab device table for its host, export and
options.
`
}

func (cmd *attachCmd) SetFlags(fs *flag.FlagSet) {
	fs.IntVar(&cmd.blockSize, "block-size", 1024, "Block size in bytes")
	fs.IntVar(&cmd.connections, "connections", 1, "Number of connections to establish (netlink only)")
	fs.StringVar(&cmd.name, "name", "", "Export name")
	fs.BoolVar(&cmd.netlink, "netlink", false, "Use the netlink device binder instead of the legacy ioctl interface")
	fs.IntVar(&cmd.deadTimeout, "dead-timeout", 0, "Seconds to retry redial after a dead-link notification (netlink only); 0 disables monitoring")
	fs.BoolVar(&cmd.destroy, "destroy", false, "Destroy the device on disconnect (netlink only)")
	fs.BoolVar(&cmd.nofork, "nofork", false, "Stay in the foreground instead of daemonizing")
	fs.BoolVar(&cmd.persist, "persist", false, "Reconnect transparently after an involuntary disconnect")
	fs.BoolVar(&cmd.sdp, "sdp", false, "Use the Sockets Direct Protocol address family")
	fs.BoolVar(&cmd.swap, "swap", false, "Lock process memory; required when the device backs swap")
	fs.BoolVar(&cmd.systemdMark, "systemd-mark", false, "Notify systemd (READY=1 on $NOTIFY_SOCKET) once the device is attached")
	fs.IntVar(&cmd.timeout, "timeout", 30, "I/O timeout in seconds")
	fs.BoolVar(&cmd.unix, "unix", false, "Dial a Unix domain socket instead of TCP; HOST is then a path")
}

// resolvedTarget is everything attach needs to know to reach a server
// and bind a device, whether it came straight from the command line or
// via an nbdtab lookup.
type resolvedTarget struct {
	host, port, device, export string
}

func (cmd *attachCmd) resolveTarget(args []string) (resolvedTarget, error) {
	switch len(args) {
	case 1:
		f, err := os.Open(nbdtab.DefaultPath)
		if err != nil {
			return resolvedTarget{}, fmt.Errorf("opening %s: %w", nbdtab.DefaultPath, err)
		}
		defer f.Close()
		rec, err := nbdtab.Resolve(f, args[0])
		if err != nil {
			return resolvedTarget{}, err
		}
		if rec.BlockSize != 0 {
			cmd.blockSize = rec.BlockSize
		}
		if rec.Timeout != 0 {
			cmd.timeout = rec.Timeout
		}
		cmd.persist = cmd.persist || rec.Persist
		cmd.swap = cmd.swap || rec.Swap
		cmd.sdp = cmd.sdp || rec.SDP
		cmd.unix = cmd.unix || rec.Unix
		return resolvedTarget{host: rec.Host, port: rec.Port, device: rec.Device, export: rec.Export}, nil
	case 2:
		return resolvedTarget{host: args[0], port: "10809", device: args[1], export: cmd.name}, nil
	case 3:
		return resolvedTarget{host: args[0], port: args[1], device: args[2], export: cmd.name}, nil
	default:
		return resolvedTarget{}, fmt.Errorf("expected HOST [PORT] DEVICE or a bare device identifier")
	}
}

func (cmd *attachCmd) dial(ctx context.Context, t resolvedTarget) (*os.File, error) {
	if cmd.unix {
		return dial.Unix(ctx, t.host)
	}
	return dial.Net(ctx, t.host, t.port, cmd.sdp)
}

func (cmd *attachCmd) Execute(ctx context.Context, fs *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	t, err := cmd.resolveTarget(fs.Args())
	if err != nil {
		log.Printf("ERROR: %v", err)
		return subcommands.ExitUsageError
	}

	if !cmd.nofork {
		if err := cmd.reexecDetached(); err != nil {
			log.Printf("ERROR: %v", err)
			return subcommands.ExitFailure
		}
		return subcommands.ExitSuccess
	}

	if cmd.netlink {
		return cmd.attachNetlink(ctx, t)
	}
	return cmd.attachIoctl(ctx, t)
}

// reexecDetached daemonizes by re-executing the current binary with
// --nofork forced, detached into its own session and with stdio
// pointed at /dev/null; the Go analogue of the original's daemon(3)
// call, since Go offers no in-process equivalent.
func (cmd *attachCmd) reexecDetached() error {
	self, err := os.Executable()
	if err != nil {
		return err
	}
	args := append([]string{"attach", "--nofork"}, os.Args[2:]...)
	child := exec.Command(self, args...)
	child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	devnull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer devnull.Close()
	child.Stdin = devnull
	child.Stdout = devnull
	child.Stderr = devnull
	return child.Start()
}

func (cmd *attachCmd) attachIoctl(ctx context.Context, t resolvedTarget) subcommands.ExitStatus {
	if cmd.connections > 1 {
		log.Println("ERROR: the ioctl device binder does not support multiple connections; pass --netlink")
		return subcommands.ExitFailure
	}

	sock, err := cmd.dial(ctx, t)
	if err != nil {
		log.Printf("ERROR: %v", err)
		return subcommands.ExitFailure
	}
	desc, err := nbd.Negotiate(sock, t.export)
	if err != nil {
		sock.Close()
		log.Printf("ERROR: %v", err)
		return subcommands.ExitFailure
	}
	log.Printf("size = %dMB", desc.SizeBytes>>20)

	nbdDev, err := ioctlnbd.Open(t.device)
	if err != nil {
		log.Printf("ERROR: %v", err)
		return subcommands.ExitFailure
	}
	defer nbdDev.Close()

	if err := ioctlnbd.Attach(nbdDev, sock, ioctlnbd.AttachParams{
		SizeBytes: desc.SizeBytes,
		BlockSize: cmd.blockSize,
		Flags:     desc.TransportFlags,
		TimeoutS:  cmd.timeout,
		Swap:      cmd.swap,
	}); err != nil {
		log.Printf("ERROR: %v", err)
		return subcommands.ExitFailure
	}

	if cmd.systemdMark {
		notifySystemdReady()
	}

	redial := func(ctx context.Context) (*os.File, uint64, uint16, error) {
		log.Println("Reconnecting")
		s, err := cmd.dial(ctx, t)
		if err != nil {
			return nil, 0, 0, err
		}
		d, err := nbd.Negotiate(s, t.export)
		if err != nil {
			s.Close()
			return nil, 0, 0, err
		}
		return s, d.SizeBytes, d.TransportFlags, nil
	}

	if err := ioctlnbd.PersistLoop(ctx, nbdDev, t.device, desc.SizeBytes, cmd.blockSize, cmd.timeout, cmd.swap, cmd.persist, redial); err != nil {
		log.Printf("ERROR: %v", err)
		return subcommands.ExitFailure
	}
	fmt.Println("done")
	return subcommands.ExitSuccess
}

func (cmd *attachCmd) attachNetlink(ctx context.Context, t resolvedTarget) subcommands.ExitStatus {
	n := cmd.connections
	if n < 1 {
		n = 1
	}

	socks := make([]*os.File, n)
	var desc nbd.ExportDescriptor
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			s, err := cmd.dial(gctx, t)
			if err != nil {
				return err
			}
			d, err := nbd.Negotiate(s, t.export)
			if err != nil {
				s.Close()
				return err
			}
			socks[i] = s
			if i == 0 {
				desc = d
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		log.Printf("ERROR: %v", err)
		return subcommands.ExitFailure
	}
	log.Printf("size = %dMB", desc.SizeBytes>>20)

	var cf nbdnl.ClientFlags
	if cmd.destroy {
		cf |= nbdnl.FlagDestroyOnDisconnect
	}
	sf := nbdnl.ServerFlags(desc.TransportFlags)

	opts := []nbdnl.ConnectOption{nbdnl.WithBlockSize(uint64(cmd.blockSize))}
	if cmd.timeout != 0 {
		opts = append(opts, nbdnl.WithTimeout(time.Duration(cmd.timeout)*time.Second))
	}
	if cmd.deadTimeout != 0 {
		opts = append(opts, nbdnl.WithDeadconnTimeout(time.Duration(cmd.deadTimeout)*time.Second))
	}

	idx, err := nbdnl.Connect(nbdnl.IndexAny, socks, desc.SizeBytes, cf, sf, opts...)
	if err != nil {
		log.Printf("ERROR: %v", err)
		return subcommands.ExitFailure
	}
	// The kernel now owns these sockets; close our handles.
	for _, s := range socks {
		s.Close()
	}
	fmt.Printf("/dev/nbd%d\n", idx)

	if cmd.systemdMark {
		notifySystemdReady()
	}

	if cmd.deadTimeout > 0 {
		monitorDeadLinks(ctx, idx, cmd, t)
	}
	return subcommands.ExitSuccess
}
