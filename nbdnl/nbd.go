//go:build linux

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

// Package nbdnl controls the Linux NBD driver via the generic-netlink
// "nbd" family.
//
// It connects to the kernel netlink API via an unexported, lazily
// initialized connection, and drives device attach, reconfigure,
// disconnect, status queries, and the "mcast" multicast group used to
// notice a server going silent out from under an attached device
// (LINK_DEAD).
package nbdnl

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/mdlayher/genetlink"
	"github.com/mdlayher/netlink"
)

const (
	familyName = "nbd"
	mcastGroup = "mcast"
	minVersion = 1
)

// IndexAny can be used to let the kernel choose a suitable device number (or
// create a new device if needed).
const IndexAny = ^uint32(0)

const (
	_ = iota
	cmdConnect
	cmdDisconnect
	cmdReconfigure
	cmdLinkDead
	cmdStatus
)

const (
	_ = iota
	attrIndex
	attrSizeBytes
	attrBlockSizeBytes
	attrTimeout
	attrServerFlags
	attrClientFlags
	attrSockets
	attrDeadconnTimeout
	attrDeviceList
)

// NetlinkError wraps a failure talking to the kernel's nbd generic
// netlink family, naming the operation that failed.
type NetlinkError struct {
	Op  string
	Err error
}

func (e *NetlinkError) Error() string { return fmt.Sprintf("nbd netlink %s: %v", e.Op, e.Err) }
func (e *NetlinkError) Unwrap() error { return e.Err }

// conn is a shared connection for all netlink operations. It gets lazily
// initialized on first use.
var conn struct {
	mu      sync.Mutex
	c       *genetlink.Conn
	family  uint16
	mcastID uint32
}

// dial initalizes conn, if needed.
func dial() error {
	conn.mu.Lock()
	defer conn.mu.Unlock()

	var err error
	if conn.c == nil {
		conn.c, err = genetlink.Dial(nil)
		if err != nil {
			return err
		}
	}

	if conn.family == 0 {
		fam, err := conn.c.GetFamily(familyName)
		if err != nil {
			return err
		}
		if fam.Version < minVersion {
			return fmt.Errorf("kernel does not support nbd-netlink v%d", minVersion)
		}
		conn.family = fam.ID
		for _, g := range fam.Groups {
			if g.Name == mcastGroup {
				conn.mcastID = g.ID
			}
		}
	}
	return nil
}

// ConnectOption is an optional setting to configure the in-kernel NBD client.
type ConnectOption func(e *netlink.AttributeEncoder)

// WithBlockSize sets the block size used by the client to n.
func WithBlockSize(n uint64) ConnectOption {
	return func(e *netlink.AttributeEncoder) {
		e.Uint64(attrBlockSizeBytes, n)
	}
}

// WithTimeout sets the read-timeout for the NBD client to d.
func WithTimeout(d time.Duration) ConnectOption {
	return func(e *netlink.AttributeEncoder) {
		e.Uint64(attrTimeout, uint64(d/time.Second))
	}
}

// WithDeadconnTimeout sets the timeout after which the client considers a
// server unreachable to d.
func WithDeadconnTimeout(d time.Duration) ConnectOption {
	return func(e *netlink.AttributeEncoder) {
		e.Uint64(attrDeadconnTimeout, uint64(d/time.Second))
	}
}

// ClientFlags are flags configuring client behavior.
type ClientFlags uint64

const (
	// FlagDestroyOnDisconnect tells the client to delete the nbd device on
	// disconnect.
	FlagDestroyOnDisconnect ClientFlags = 1 << iota
	// FlagDisconnectOnClose tells the client to disconnect the nbd device on
	// close by last opener.
	FlagDisconnectOnClose
)

// ServerFlags specify what optional features the server supports.
type ServerFlags uint64

const (
	// FlagHasFlags is set if the server supports flags.
	FlagHasFlags ServerFlags = 1 << 0
	// FlagReadOnly is set if the export is read-only.
	FlagReadOnly ServerFlags = 1 << 1
	// FlagSendFlush is set if the exports supports the Flush command.
	FlagSendFlush ServerFlags = 1 << 2
	// FlagSendFUA is set if the export supports the Forced Unit Access command
	// flag.
	FlagSendFUA ServerFlags = 1 << 3
	// FlagSendTrim is set if the export supports the Trim command.
	FlagSendTrim ServerFlags = 1 << 5
	// FlagCanMulticonn is set if the export can serve multiple connections.
	FlagCanMulticonn ServerFlags = 1 << 8
)

// Connect instructs the kernel to connect the given set of sockets to the
// given NBD device number. socks must be NBD connections in transmission mode.
// cf can be used to configure client behavior and sf to specify the set of
// supported operations. If idx is IndexAny, the kernel chooses a device for us
// or creates one, if none is available.
func Connect(idx uint32, socks []*os.File, size uint64, cf ClientFlags, sf ServerFlags, opts ...ConnectOption) (uint32, error) {
	if err := dial(); err != nil {
		return 0, &NetlinkError{Op: "dial", Err: err}
	}

	e := netlink.NewAttributeEncoder()
	if idx != IndexAny {
		e.Uint32(attrIndex, idx)
	}
	e.Uint64(attrSizeBytes, size)
	var sl []uint32
	for _, s := range socks {
		sl = append(sl, uint32(s.Fd()))
	}
	buf, err := encodeSockList(sl)
	if err != nil {
		return 0, &NetlinkError{Op: "connect", Err: err}
	}
	e.Bytes(attrSockets, buf)
	e.Uint64(attrClientFlags, uint64(cf))
	e.Uint64(attrServerFlags, uint64(sf))
	for _, o := range opts {
		o(e)
	}
	body, err := e.Encode()
	if err != nil {
		return 0, &NetlinkError{Op: "connect", Err: err}
	}
	msg := genetlink.Message{
		Header: genetlink.Header{
			Command: cmdConnect,
			Version: 0,
		},
		Data: body,
	}
	msgs, err := conn.c.Execute(msg, conn.family, netlink.Request)
	if err != nil {
		return 0, &NetlinkError{Op: "connect", Err: err}
	}
	for _, m := range msgs {
		d, err := netlink.NewAttributeDecoder(m.Data)
		if err != nil {
			return 0, &NetlinkError{Op: "connect", Err: err}
		}
		for d.Next() {
			if d.Type() != attrIndex {
				continue
			}
			idx = d.Uint32()
		}
		if err := d.Err(); err != nil {
			return 0, &NetlinkError{Op: "connect", Err: err}
		}
	}
	if idx == IndexAny {
		return 0, &NetlinkError{Op: "connect", Err: errors.New("no index returned by kernel")}
	}
	return idx, nil
}

// Reconfigure reconfigures the given device: it hands the kernel a fresh set
// of sockets after a dead-link redial. WithBlockSize is ignored, as it is
// for Reconfigure in the kernel ABI.
func Reconfigure(idx uint32, socks []*os.File, cf ClientFlags, sf ServerFlags, opts ...ConnectOption) error {
	if err := dial(); err != nil {
		return &NetlinkError{Op: "dial", Err: err}
	}

	e := netlink.NewAttributeEncoder()
	e.Uint32(attrIndex, idx)
	var sl []uint32
	for _, s := range socks {
		sl = append(sl, uint32(s.Fd()))
	}
	buf, err := encodeSockList(sl)
	if err != nil {
		return &NetlinkError{Op: "reconfigure", Err: err}
	}
	e.Bytes(attrSockets, buf)
	e.Uint64(attrClientFlags, uint64(cf))
	e.Uint64(attrServerFlags, uint64(sf))
	for _, o := range opts {
		o(e)
	}
	body, err := e.Encode()
	if err != nil {
		return &NetlinkError{Op: "reconfigure", Err: err}
	}
	msg := genetlink.Message{
		Header: genetlink.Header{
			Command: cmdReconfigure,
			Version: 0,
		},
		Data: body,
	}
	// Note: nbd_genl_reconfigure doesn't send a reply, so we need to set the
	// ACK flag here to request a reply from the transport.
	if _, err := conn.c.Execute(msg, conn.family, netlink.Request|netlink.Acknowledge); err != nil {
		return &NetlinkError{Op: "reconfigure", Err: err}
	}
	return nil
}

// Disconnect instructs the kernel to disconnect the given device.
func Disconnect(idx uint32) error {
	if err := dial(); err != nil {
		return &NetlinkError{Op: "dial", Err: err}
	}

	e := netlink.NewAttributeEncoder()
	e.Uint32(attrIndex, idx)
	body, err := e.Encode()
	if err != nil {
		return &NetlinkError{Op: "disconnect", Err: err}
	}
	msg := genetlink.Message{
		Header: genetlink.Header{
			Command: cmdDisconnect,
			Version: 0,
		},
		Data: body,
	}
	// Note: nbd_genl_disconnect doesn't send a reply, so we need to set the ACK
	// flag here to request a reply from the transport.
	if _, err := conn.c.Execute(msg, conn.family, netlink.Request|netlink.Acknowledge); err != nil {
		return &NetlinkError{Op: "disconnect", Err: err}
	}
	return nil
}

func encodeSockList(l []uint32) ([]byte, error) {
	const (
		sockItem = iota + 1
	)
	e := netlink.NewAttributeEncoder()
	for _, fd := range l {
		e.Do(sockItem, func() ([]byte, error) {
			const (
				sockFD = iota + 1
			)
			e := netlink.NewAttributeEncoder()
			e.Uint32(sockFD, fd)
			return e.Encode()
		})
	}
	return e.Encode()
}

// Status returns the status of the given NBD device.
func Status(idx uint32) (DeviceStatus, error) {
	li, err := status(idx)
	if err != nil {
		return DeviceStatus{}, err
	}
	i := sort.Search(len(li), func(i int) bool {
		return li[i].Index >= idx
	})
	if i < len(li) && li[i].Index == idx {
		return li[i], nil
	}
	return DeviceStatus{}, &NetlinkError{Op: "status", Err: errors.New("device not found")}
}

// StatusAll lists all NBD devices and their corresponding status.
func StatusAll() ([]DeviceStatus, error) {
	return status(IndexAny)
}

func status(idx uint32) ([]DeviceStatus, error) {
	if err := dial(); err != nil {
		return nil, &NetlinkError{Op: "dial", Err: err}
	}

	e := netlink.NewAttributeEncoder()
	e.Uint32(attrIndex, idx)
	body, err := e.Encode()
	if err != nil {
		return nil, &NetlinkError{Op: "status", Err: err}
	}

	msg := genetlink.Message{
		Header: genetlink.Header{
			Command: cmdStatus,
			Version: 0,
		},
		Data: body,
	}
	msgs, err := conn.c.Execute(msg, conn.family, netlink.Request)
	if err != nil {
		return nil, &NetlinkError{Op: "status", Err: err}
	}
	var out []DeviceStatus
	for _, m := range msgs {
		d, err := netlink.NewAttributeDecoder(m.Data)
		if err != nil {
			return nil, &NetlinkError{Op: "status", Err: err}
		}
		for d.Next() {
			if d.Type() != attrDeviceList {
				continue
			}
			li, err := decodeDeviceList(d.Bytes())
			if err != nil {
				return nil, &NetlinkError{Op: "status", Err: err}
			}
			out = append(out, li...)
		}
		if err := d.Err(); err != nil {
			return nil, &NetlinkError{Op: "status", Err: err}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Index < out[j].Index
	})
	return out, nil
}

// DeviceStatus is the status of an NBD device.
type DeviceStatus struct {
	Index     uint32
	Connected bool
}

func decodeDeviceList(b []byte) ([]DeviceStatus, error) {
	const (
		deviceItem = iota + 1
	)
	var li []DeviceStatus
	d, err := netlink.NewAttributeDecoder(b)
	if err != nil {
		return nil, err
	}
	for d.Next() {
		if d.Type() != deviceItem {
			continue
		}
		it, err := decodeDeviceListItem(d.Bytes())
		if err != nil {
			return nil, err
		}
		li = append(li, it)
	}
	return li, d.Err()
}

func decodeDeviceListItem(b []byte) (DeviceStatus, error) {
	const (
		deviceIndex = iota + 1
		deviceConnected
	)
	var it DeviceStatus
	d, err := netlink.NewAttributeDecoder(b)
	if err != nil {
		return it, err
	}
	for d.Next() {
		switch d.Type() {
		case deviceIndex:
			it.Index = d.Uint32()
		case deviceConnected:
			it.Connected = d.Uint8() != 0
		}
	}
	return it, d.Err()
}

// Monitor joins the "mcast" multicast group of the nbd family and
// calls onLinkDead for every LINK_DEAD notification the kernel sends,
// until ctx is cancelled. It is meant to run in its own goroutine
// alongside an attached device; a single connection's group
// membership is shared process-wide, same as every other operation in
// this package.
func Monitor(ctx context.Context, onLinkDead func(idx uint32)) error {
	if err := dial(); err != nil {
		return &NetlinkError{Op: "dial", Err: err}
	}
	if conn.mcastID == 0 {
		return &NetlinkError{Op: "monitor", Err: errors.New("kernel nbd family has no mcast group")}
	}
	if err := conn.c.JoinGroup(conn.mcastID); err != nil {
		return &NetlinkError{Op: "monitor", Err: err}
	}
	defer conn.c.LeaveGroup(conn.mcastID)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.c.Close()
		case <-done:
		}
	}()

	for {
		msgs, err := conn.c.Receive()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return &NetlinkError{Op: "monitor", Err: err}
		}
		for _, m := range msgs {
			if m.Header.Command != cmdLinkDead {
				continue
			}
			d, err := netlink.NewAttributeDecoder(m.Data)
			if err != nil {
				continue
			}
			for d.Next() {
				if d.Type() == attrIndex {
					onLinkDead(d.Uint32())
				}
			}
		}
	}
}
