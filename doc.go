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

// Package nbd implements the client side of the NBD (Network Block
// Device) newstyle handshake protocol.
//
// You can find a full description of the protocol at
// https://sourceforge.net/p/nbd/code/ci/master/tree/doc/proto.md
//
// The handshake is split from the transmission phase: Negotiate drives
// the handshake to completion, returns the export's ExportDescriptor
// and leaves the caller's socket in transmission phase; List only
// enumerates exports and then aborts the session. This package
// does not speak the transmission protocol itself; once negotiated,
// the socket is handed to the kernel NBD driver (see the ioctlnbd and
// nbdnl packages), which takes over transmission.
package nbd

// BUG(1): There is no protocol-level timeout on the handshake; a
// stalled server blocks Negotiate/List indefinitely. Callers that need
// a bound should wrap rw's Read/Write deadlines themselves.

// BUG(2): NBD_OPT_STARTTLS is not supported; the handshake always
// runs in cleartext.
