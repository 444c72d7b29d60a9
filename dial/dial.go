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

// Package dial establishes the stream socket an NBD client hands off
// to the handshake engine. It deals directly in raw sockets rather
// than net.Dial, because SDP address-family rewriting requires control
// over the socket(2) family argument before connect(2) runs.
package dial

import (
	"context"
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// maxUnixPathLen mirrors sizeof(sockaddr_un.sun_path) on Linux.
const maxUnixPathLen = 108

// ConnectError reports that every candidate address for a network dial
// failed to connect; Err is the last OS-level error encountered.
type ConnectError struct {
	Host string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect to %s: %v", e.Host, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// UnsupportedFeature is returned when a caller asks for a capability
// this build cannot provide, such as SDP.
type UnsupportedFeature struct {
	Feature string
}

func (e *UnsupportedFeature) Error() string {
	return fmt.Sprintf("unsupported feature: %s", e.Feature)
}

// PathTooLong is returned when a Unix socket path does not fit in
// sockaddr_un.sun_path.
type PathTooLong struct {
	Path string
}

func (e *PathTooLong) Error() string {
	return fmt.Sprintf("unix socket path %q does not fit in %d bytes", e.Path, maxUnixPathLen)
}

// sdpFamily rewrites a resolved address family to its SDP equivalent.
// There is no stable SDP address-family constant in golang.org/x/sys;
// real deployments patch this in at the kernel/libc level (the C
// client only supports it when compiled -DWITH_SDP against a
// vendor-patched socket.h). Absent that, this package reports
// UnsupportedFeature rather than silently dialing over plain TCP.
func sdpFamily(family int) (int, error) {
	return 0, &UnsupportedFeature{Feature: "SDP"}
}

// Net dials a TCP stream socket to host:port, trying every resolved
// address (IPv4 and IPv6) in order until one connects. If sdp is true,
// Net fails with *UnsupportedFeature, since sdpFamily has no SDP
// address family to rewrite to in this build. On success it returns the connected socket as
// an *os.File, so callers can use it as an io.ReadWriter for the
// handshake and later recover its raw descriptor for ioctl/netlink
// hand-off.
func Net(ctx context.Context, host, port string, sdp bool) (*os.File, error) {
	ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, &ConnectError{Host: host, Err: err}
	}
	if len(ips) == 0 {
		return nil, &ConnectError{Host: host, Err: fmt.Errorf("no addresses found")}
	}

	var p uint16
	if _, err := fmt.Sscanf(port, "%d", &p); err != nil {
		return nil, &ConnectError{Host: host, Err: fmt.Errorf("invalid port %q: %w", port, err)}
	}

	var lastErr error
	for _, ip := range ips {
		family := unix.AF_INET
		if ip.IP.To4() == nil {
			family = unix.AF_INET6
		}
		if sdp {
			family, err = sdpFamily(family)
			if err != nil {
				return nil, err
			}
		}

		fd, err := unix.Socket(family, unix.SOCK_STREAM, unix.IPPROTO_TCP)
		if err != nil {
			lastErr = err
			continue
		}

		var sa unix.Sockaddr
		if family == unix.AF_INET {
			var addr [4]byte
			copy(addr[:], ip.IP.To4())
			sa = &unix.SockaddrInet4{Port: int(p), Addr: addr}
		} else {
			var addr [16]byte
			copy(addr[:], ip.IP.To16())
			sa = &unix.SockaddrInet6{Port: int(p), Addr: addr}
		}

		if err := unix.Connect(fd, sa); err != nil {
			unix.Close(fd)
			lastErr = err
			continue
		}

		_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
		return os.NewFile(uintptr(fd), host), nil
	}
	return nil, &ConnectError{Host: host, Err: lastErr}
}

// Unix dials a stream socket to a Unix domain path.
func Unix(ctx context.Context, path string) (*os.File, error) {
	if len(path) >= maxUnixPathLen {
		return nil, &PathTooLong{Path: path}
	}

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, &ConnectError{Host: path, Err: err}
	}
	if err := unix.Connect(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		unix.Close(fd)
		return nil, &ConnectError{Host: path, Err: err}
	}
	return os.NewFile(uintptr(fd), path), nil
}
