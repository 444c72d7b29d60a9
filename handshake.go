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

package nbd

import (
	"io"
)

// ExportDescriptor carries the information a server returns about the
// export it selected during Negotiate: its size, the transport
// capability flags it advertises, and whether NBD_FLAG_NO_ZEROES was
// negotiated (so callers never need to re-derive it from flags).
type ExportDescriptor struct {
	SizeBytes      uint64
	TransportFlags uint16
	NoZeroes       bool
}

// OptionError reports a server-side rejection of an option request
// (an NBD_REP_ERR_* reply). Policy is set when the server's reason was
// specifically NBD_REP_ERR_POLICY ("listing not allowed by server");
// Msg carries any human-readable message the server attached.
type OptionError struct {
	Policy bool
	Msg    string
}

func (e *OptionError) Error() string {
	if e.Policy {
		return "listing not allowed by server"
	}
	return "server rejected option request"
}

// negotiateCommon performs handshake steps 1-4: init password, magic
// exchange, global flags check, and the client flags write. It
// returns whether the server advertised NBD_FLAG_NO_ZEROES.
func negotiateCommon(rw io.ReadWriter, neededFlags uint16) (noZeroes bool, err error) {
	err = do(rw, func(e *encoder) {
		var pass [8]byte
		e.read(pass[:])
		if string(pass[:]) != "NBDMAGIC" {
			e.check(handshakeErrorf("bad init password"))
		}

		magic := e.uint64()
		if magic == cliservMagic {
			e.check(&LegacyServerError{})
		}
		if magic != optMagic {
			e.check(handshakeErrorf("bad opts magic %#x", magic))
		}

		serverFlags := e.uint16()
		if serverFlags&neededFlags != neededFlags {
			e.check(handshakeErrorf("missing required server capability (flags=%#x, needed=%#x)", serverFlags, neededFlags))
		}
		noZeroes = serverFlags&flagNoZeroes != 0

		clientFlags := uint32(flagFixedNewstyle)
		if noZeroes {
			clientFlags |= flagNoZeroes
		}
		e.writeUint32(clientFlags)
	})
	return noZeroes, err
}

// sizeOverflowMax bounds the block-count arithmetic used when sizing
// the device; it mirrors the C client's cast of the export size to
// "unsigned long" before dividing by the block size. uint is 32 bits
// on 32-bit platforms and 64 bits on 64-bit ones, exactly matching
// that C type's width.
const sizeOverflowMax = uint64(^uint(0))

func checkSizeOverflow(sizeBytes, max uint64) error {
	if sizeBytes>>12 > max {
		return &SizeOverflowError{SizeBytes: sizeBytes}
	}
	return nil
}

// Negotiate drives the newstyle handshake to completion for the given
// export name (steps 1-10 of the protocol) and returns the resulting
// ExportDescriptor. An empty exportName selects the server's default
// export. rw must be a freshly connected, unnegotiated transport
// socket; on success it is left in transmission phase and ownership
// passes to the caller (normally to hand off to the kernel).
func Negotiate(rw io.ReadWriter, exportName string) (ExportDescriptor, error) {
	noZeroes, err := negotiateCommon(rw, 0)
	if err != nil {
		return ExportDescriptor{}, err
	}

	var desc ExportDescriptor
	desc.NoZeroes = noZeroes
	err = do(rw, func(e *encoder) {
		e.writeUint64(optMagic)
		e.writeUint32(cOptExportName)
		e.writeUint32(uint32(len(exportName)))
		e.writeString(exportName)

		size := e.uint64()
		if sizeErr := checkSizeOverflow(size, sizeOverflowMax); sizeErr != nil {
			e.check(sizeErr)
		}
		desc.SizeBytes = size
		desc.TransportFlags = e.uint16()

		if !noZeroes {
			e.discard(124)
		}
	})
	if err != nil {
		return ExportDescriptor{}, err
	}
	return desc, nil
}

// List runs the NBD_OPT_LIST sub-protocol (handshake steps 1-4,
// followed by §4.3.1) and returns the names of the exports the server
// offers. No export is selected; this package sends a polite
// NBD_OPT_ABORT before returning but does not wait for (or require) a
// reply to it.
func List(rw io.ReadWriter) ([]string, error) {
	if _, err := negotiateCommon(rw, flagFixedNewstyle); err != nil {
		return nil, err
	}

	var names []string
	err := do(rw, func(e *encoder) {
		e.writeUint64(optMagic)
		e.writeUint32(cOptList)
		e.writeUint32(0)

		for {
			magic := e.uint64()
			if magic != repMagic {
				e.check(handshakeErrorf("bad reply magic %#x", magic))
			}
			e.uint32() // opt_echo; always NBD_OPT_LIST here
			replyType := e.uint32()
			length := e.uint32()

			switch {
			case replyType&0x80000000 != 0:
				rep := &repError{errno: errno(replyType)}
				rep.decode(e, length)
				e.check(&OptionError{Policy: rep.errno == errPolicy, Msg: rep.msg})
			case replyType == cRepServer:
				rep := new(repServer)
				rep.decode(e, length)
				names = append(names, rep.name)
			case replyType == cRepAck:
				if length != 0 {
					e.check(handshakeErrorf("invalid ack reply length %d", length))
				}
				return
			default:
				e.discard(length)
			}
		}
	})
	if err != nil {
		return nil, err
	}

	// Politely tell the server we're done; a failure here doesn't
	// invalidate the list we already have.
	_ = do(rw, func(e *encoder) {
		e.writeUint64(optMagic)
		e.writeUint32(cOptAbort)
		e.writeUint32(0)
	})
	return names, nil
}
