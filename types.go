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
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	nbdMagic        = 0x4e42444d41474943 // "NBDMAGIC"
	optMagic        = 0x49484156454F5054 // "IHAVEOPT"
	cliservMagic    = 0x00420281861253   // legacy sentinel; seeing this means an oldstyle server
	repMagic        = 0x0003e889045565a9
	maxOptionLength = 4 << 10

	flagFixedNewstyle = 1 << 0
	flagNoZeroes      = 1 << 1
)

const (
	cOptExportName = 1
	cOptAbort      = 2
	cOptList       = 3
)

const (
	cRepAck    = 1
	cRepServer = 2
)

// errno is an NBD_REP_ERR_* code, as sent by the server in an option
// reply.
type errno uint32

const (
	_ errno = (1 << 31) + iota
	errUnsup
	errPolicy
	errInvalid
	errPlatform
	errTLSReqd
	errUnknown
	errShutdown
	errBlockSizeReqd
	errTooBig
)

var errnoText = map[errno]string{
	errUnsup:         "unsupported option",
	errPolicy:        "listing not allowed by server",
	errInvalid:       "invalid option",
	errPlatform:      "option not supported on this platform",
	errTLSReqd:       "TLS required",
	errUnknown:       "unknown export",
	errShutdown:      "server is shutting down",
	errBlockSizeReqd: "block size constraints required",
	errTooBig:        "option payload too big",
}

func (e errno) String() string {
	if s, ok := errnoText[e]; ok {
		return s
	}
	return fmt.Sprintf("NBD_REP_ERR(%#x)", uint32(e))
}

// repError is the payload of an error option reply: an errno plus an
// optional human-readable message from the server.
type repError struct {
	errno errno
	msg   string
}

func (r *repError) Error() string {
	if r.msg != "" {
		return fmt.Sprintf("%s: %s", r.errno, r.msg)
	}
	return r.errno.String()
}

func (r *repError) decode(e *encoder, l uint32) {
	if l > (4 << 20) {
		e.check(errors.New("error string too large"))
	}
	b := make([]byte, l)
	e.read(b)
	r.msg = string(b)
}

// repServer is the payload of an NBD_REP_SERVER reply during list
// negotiation: one export's name (the protocol also allows a
// description, which real-world servers leave empty and which this
// package ignores).
type repServer struct {
	name string
}

func (r *repServer) decode(e *encoder, l uint32) {
	if l < 4 {
		e.check(errors.New("invalid server reply"))
	}
	length := e.uint32()
	if length > l-4 {
		e.check(errors.New("invalid server reply"))
	}
	b := make([]byte, l-4)
	e.read(b)
	r.name = string(b[:length])
}

// do wraps rw for easy en-/decoding of binary data. It creates an
// *encoder and calls f with that. The process uses panic/recover for
// error handling, so e should never be passed to a different
// goroutine.
func do(rw io.ReadWriter, f func(e *encoder)) (err error) {
	sentinel := new(uint8)
	defer func() {
		if v := recover(); v != nil {
			if v != sentinel {
				panic(v)
			}
		}
	}()
	check := func(e error) {
		if e != nil {
			err = e
			panic(sentinel)
		}
	}
	f(&encoder{rw, check})
	return err
}

// encoder provides helper methods for easy de-/encoding of binary
// data. If an error occurs, it calls check, which is expected to
// panic if non-nil. Reads never silently swallow a short read: a
// partial Read that also returns an error surfaces that error via
// check, matching the wire codec's "never partially consume bytes on
// a failed read without surfacing that failure" requirement.
type encoder struct {
	rw    io.ReadWriter
	check func(error)
}

func (e *encoder) write(b []byte) {
	if _, err := e.rw.Write(b); err != nil {
		e.check(&TransportError{Op: "write", Err: err})
	}
}

func (e *encoder) writeString(s string) {
	e.write([]byte(s))
}

func (e *encoder) read(b []byte) {
	_, err := io.ReadFull(e.rw, b)
	if err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	if err != nil {
		e.check(&TransportError{Op: "read", Err: err})
	}
}

func (e *encoder) discard(n uint32) {
	buf := make([]byte, 512)
	for n > 0 {
		m := uint32(len(buf))
		if n < m {
			m = n
		}
		e.read(buf[:m])
		n -= m
	}
}

func (e *encoder) uint16() uint16 {
	var b [2]byte
	e.read(b[:])
	return binary.BigEndian.Uint16(b[:])
}

func (e *encoder) uint32() uint32 {
	var b [4]byte
	e.read(b[:])
	return binary.BigEndian.Uint32(b[:])
}

func (e *encoder) uint64() uint64 {
	var b [8]byte
	e.read(b[:])
	return binary.BigEndian.Uint64(b[:])
}

func (e *encoder) writeUint16(v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	e.write(b[:])
}

func (e *encoder) writeUint32(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	e.write(b[:])
}

func (e *encoder) writeUint64(v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	e.write(b[:])
}
