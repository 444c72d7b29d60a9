// Copyright 2018 Axel Wagner
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

//go:build linux

// Package ioctlnbd binds a negotiated socket to a Linux NBD device
// node through the legacy ioctl interface, and drives the
// attach/persist/reconnect state machine around it.
package ioctlnbd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// Numeric ioctl request codes, as defined in <linux/nbd.h> and
// <linux/fs.h>. They have no portable symbolic form in
// golang.org/x/sys/unix, so they're hardcoded the way every Go NBD
// client in the wild does.
const (
	blkROSet = 4701

	setSock       = 43776
	setBlkSize    = 43777
	setSize       = 43778
	doIt          = 43779
	clearSock     = 43780
	setSizeBlocks = 43783
	disconnectReq = 43784
	setTimeout    = 43785
	setFlags      = 43786
)

// KernelIoctlError wraps a failed ioctl with the request that failed.
type KernelIoctlError struct {
	Op  string
	Err error
}

func (e *KernelIoctlError) Error() string {
	return fmt.Sprintf("nbd ioctl %s: %v", e.Op, e.Err)
}

func (e *KernelIoctlError) Unwrap() error { return e.Err }

// InvalidDevice is returned when a device path or descriptor is not a
// usable NBD device node.
type InvalidDevice struct {
	Path string
	Err  error
}

func (e *InvalidDevice) Error() string {
	return fmt.Sprintf("invalid nbd device %q: %v", e.Path, e.Err)
}

// UnsupportedFeature mirrors dial.UnsupportedFeature for capabilities
// this binder cannot provide.
type UnsupportedFeature struct {
	Feature string
}

func (e *UnsupportedFeature) Error() string {
	return fmt.Sprintf("unsupported feature: %s", e.Feature)
}

// SizeChanged is returned by the persist/reconnect loop when a
// renegotiated export reports a different size than the original
// attach.
type SizeChanged struct {
	Was, Now uint64
}

func (e *SizeChanged) Error() string {
	return fmt.Sprintf("size of the device changed: was %d, now %d", e.Was, e.Now)
}

// Open opens the device node for ioctl control.
func Open(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, &InvalidDevice{Path: path, Err: err}
	}
	return f, nil
}

func ioctlInt(f *os.File, op string, req uintptr, arg int) error {
	if err := unix.IoctlSetInt(int(f.Fd()), uint(req), arg); err != nil {
		return &KernelIoctlError{Op: op, Err: err}
	}
	return nil
}

// AttachParams describes the sizing and policy applied to a device
// before it is handed to NBD_DO_IT.
type AttachParams struct {
	SizeBytes uint64
	BlockSize int
	Flags     uint16
	TimeoutS  int
	Swap      bool
	ReadOnly  bool
}

// Attach runs ioctl steps (a) through (h) of the attach sequence: it
// sizes the device, clears any stale socket, applies flags and the
// read-only bit, sets the I/O timeout, hands off sock as the transmission
// socket, and (if requested) locks the process's memory for swap-file
// use. On success, sock's fd has been consumed by the kernel and must
// not be used by this process again.
func Attach(nbd *os.File, sock *os.File, p AttachParams) error {
	blockSize := p.BlockSize
	if blockSize == 0 {
		blockSize = 1024
	}

	tmpBlockSize := blockSize
	if p.SizeBytes>>12 > uint64(^uint(0)) {
		return &KernelIoctlError{Op: "SET_SIZE_BLOCKS", Err: fmt.Errorf("device too large for this platform")}
	}
	if p.SizeBytes/uint64(blockSize) > uint64(^uint(0)) {
		// Block count at the requested block size would overflow; use
		// a coarser temporary block size to size the device, then
		// switch back.
		tmpBlockSize = 4096
	}

	if err := ioctlInt(nbd, "SET_BLKSIZE", setBlkSize, tmpBlockSize); err != nil {
		return err
	}
	blocks := p.SizeBytes / uint64(tmpBlockSize)
	if err := ioctlInt(nbd, "SET_SIZE_BLOCKS", setSizeBlocks, int(blocks)); err != nil {
		return err
	}
	if tmpBlockSize != blockSize {
		if err := ioctlInt(nbd, "SET_BLKSIZE", setBlkSize, blockSize); err != nil {
			return err
		}
	}

	if err := ioctlInt(nbd, "CLEAR_SOCK", clearSock, 0); err != nil {
		return err
	}

	// Error ignored: the kernel may not support this ioctl at all, in
	// which case the flags simply don't take effect. Must come after
	// CLEAR_SOCK, which resets the device's per-config state and would
	// otherwise wipe the flags just set.
	_ = ioctlInt(nbd, "SET_FLAGS", setFlags, int(p.Flags))

	readOnly := 0
	if p.ReadOnly || p.Flags&(1<<1) != 0 { // NBD_FLAG_READ_ONLY
		readOnly = 1
	}
	if err := unix.IoctlSetInt(int(nbd.Fd()), blkROSet, readOnly); err != nil {
		return &KernelIoctlError{Op: "BLKROSET", Err: err}
	}

	if p.TimeoutS != 0 {
		if err := ioctlInt(nbd, "SET_TIMEOUT", setTimeout, p.TimeoutS); err != nil {
			return err
		}
	}

	if err := unix.IoctlSetInt(int(nbd.Fd()), setSock, int(sock.Fd())); err != nil {
		if err == unix.EBUSY {
			return &UnsupportedFeature{Feature: "multiple connections (ioctl device binder supports only one socket per device)"}
		}
		return &KernelIoctlError{Op: "SET_SOCK", Err: err}
	}

	if p.Swap {
		if err := unix.Mlockall(unix.MCL_CURRENT | unix.MCL_FUTURE); err != nil {
			return &KernelIoctlError{Op: "mlockall", Err: err}
		}
	}
	return nil
}

// postAttachOpenHelper satisfies the kernel's requirement that the
// device be opened at least once after NBD_SET_SOCK, so the partition
// table gets reread; it polls the sysfs attached-pid node until the
// device shows as attached (or the parent context is cancelled), then
// opens it read-only and discards the handle.
func postAttachOpenHelper(ctx context.Context, devPath string) {
	for {
		attached, _, err := CheckConn(devPath)
		if err == nil && attached {
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(100 * time.Millisecond):
		}
	}
	if f, err := os.OpenFile(devPath, os.O_RDONLY, 0); err == nil {
		f.Close()
	}
}

// sysfsBlockRoot is the base of the sysfs block tree; overridable in
// tests so CheckConn can be exercised without a real NBD device.
var sysfsBlockRoot = "/sys/block"

// CheckConn inspects /sys/block/<devname>/pid for devPath and reports
// whether the device is currently attached, and to which pid.
func CheckConn(devPath string) (attached bool, pid string, err error) {
	name := filepath.Base(devPath)
	if i := strings.IndexByte(name, 'p'); i >= 0 {
		// Partitions don't carry their own pid node.
		name = name[:i]
	}
	b, err := os.ReadFile(filepath.Join(sysfsBlockRoot, name, "pid"))
	if err != nil {
		if os.IsNotExist(err) {
			return false, "", nil
		}
		return false, "", err
	}
	return true, strings.TrimSpace(string(b)), nil
}

// Run performs the blocking NBD_DO_IT call: it starts the
// post-attach-open helper in the background, then issues the ioctl
// and blocks (for as long as the device stays attached, potentially
// hours). disconnectedByUser reports whether the kernel returned
// EBADR, the sentinel this platform uses to distinguish a deliberate
// `disconnect` from an involuntary link failure.
func Run(ctx context.Context, nbd *os.File, devPath string) (disconnectedByUser bool, err error) {
	helperCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go postAttachOpenHelper(helperCtx, devPath)

	_, _, errno := unix.Syscall(unix.SYS_IOCTL, nbd.Fd(), doIt, 0)
	if errno == 0 {
		return false, nil
	}
	if errno == unix.EBADR {
		return true, nil
	}
	return false, &KernelIoctlError{Op: "DO_IT", Err: errno}
}

// Disconnect tells the kernel to tear down an attached device: issue
// NBD_DISCONNECT to end the transmission phase, then NBD_CLEAR_SOCK to
// release the socket reference. Both ioctls are best effort in the
// sense that a device which is already idle returns an error the
// caller can usually ignore, but any other failure is surfaced.
func Disconnect(nbd *os.File) error {
	if err := unix.IoctlSetInt(int(nbd.Fd()), disconnectReq, 0); err != nil {
		return &KernelIoctlError{Op: "DISCONNECT", Err: err}
	}
	if err := unix.IoctlSetInt(int(nbd.Fd()), clearSock, 0); err != nil {
		return &KernelIoctlError{Op: "CLEAR_SOCK", Err: err}
	}
	return nil
}

// ClearSock issues NBD_CLEAR_SOCK on its own, used by the persist loop
// to release the device's socket reference once DO_IT returns for
// good (a user-initiated disconnect or a clean return).
func ClearSock(nbd *os.File) error {
	return ioctlInt(nbd, "CLEAR_SOCK", clearSock, 0)
}

// Redialer reconnects the transport and renegotiates the export,
// returning the new socket and its size. It abstracts over dial.Net /
// dial.Unix plus nbd.Negotiate so this package stays independent of
// the wire-protocol and transport packages.
type Redialer func(ctx context.Context) (sock *os.File, sizeBytes uint64, flags uint16, err error)

// PersistLoop implements the attach/persist/reconnect state machine:
// Attached -> Disconnected -> Reconnecting -> Attached. It calls Run
// repeatedly; on an involuntary disconnect (Run's error case, i.e. not
// EBADR) it redials via redial, requires the reported size to match
// the original attach, reapplies sizing and flags through Attach, and
// resumes DO_IT. It returns when the disconnect was user-initiated
// (EBADR) or when redial/renegotiation is not retried because persist
// is false.
func PersistLoop(ctx context.Context, nbd *os.File, devPath string, sizeBytes uint64, blockSize, timeoutS int, swap, persist bool, redial Redialer) error {
	for {
		byUser, err := Run(ctx, nbd, devPath)
		if byUser {
			return ClearSock(nbd)
		}
		if err == nil {
			// Pre-2.6 kernels return cleanly from DO_IT with no
			// further information; treat that like a voluntary exit.
			return ClearSock(nbd)
		}
		if !persist {
			return err
		}

		var sock *os.File
		var newSize uint64
		var newFlags uint16
		for {
			sock, newSize, newFlags, err = redial(ctx)
			if err == nil {
				break
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
		}
		if newSize != sizeBytes {
			sock.Close()
			return &SizeChanged{Was: sizeBytes, Now: newSize}
		}

		if err := Attach(nbd, sock, AttachParams{
			SizeBytes: sizeBytes,
			BlockSize: blockSize,
			Flags:     newFlags,
			TimeoutS:  timeoutS,
			Swap:      swap,
		}); err != nil {
			return err
		}
	}
}

// devnameIndex parses the numeric suffix of a device path like
// "/dev/nbd3", returning 3. Used by callers that need the device index
// for diagnostics or to cross-reference with netlink status.
func devnameIndex(devPath string) (int, error) {
	name := filepath.Base(devPath)
	name = strings.TrimPrefix(name, "nbd")
	return strconv.Atoi(name)
}
