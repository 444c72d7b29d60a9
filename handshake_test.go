package nbd

import (
	"encoding/binary"
	"errors"
	"io"
	"net"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// fakeServer runs serve on the server end of a net.Pipe in a goroutine
// and returns the client end; cleanup closes both ends and waits for
// serve to return, so tests don't leak goroutines.
func fakeServer(t *testing.T, serve func(io.ReadWriter)) net.Conn {
	t.Helper()
	client, server := net.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		serve(server)
	}()
	t.Cleanup(func() {
		client.Close()
		server.Close()
		<-done
	})
	return client
}

func writeHandshakeHeader(w io.Writer, globalFlags uint16) {
	var buf [18]byte
	copy(buf[0:8], "NBDMAGIC")
	binary.BigEndian.PutUint64(buf[8:16], optMagic)
	binary.BigEndian.PutUint16(buf[16:18], globalFlags)
	w.Write(buf[:])
}

func readClientFlags(r io.Reader) uint32 {
	var b [4]byte
	io.ReadFull(r, b[:])
	return binary.BigEndian.Uint32(b[:])
}

func TestNegotiateHappyPath(t *testing.T) {
	const size = 1 << 30
	conn := fakeServer(t, func(rw io.ReadWriter) {
		writeHandshakeHeader(rw, flagFixedNewstyle|flagNoZeroes)
		readClientFlags(rw)

		var hdr [16]byte
		io.ReadFull(rw, hdr[:])
		if opt := binary.BigEndian.Uint32(hdr[8:12]); opt != cOptExportName {
			t.Errorf("option = %d, want EXPORT_NAME", opt)
		}
		nameLen := binary.BigEndian.Uint32(hdr[12:16])
		name := make([]byte, nameLen)
		io.ReadFull(rw, name)
		if string(name) != "data" {
			t.Errorf("export name = %q, want %q", name, "data")
		}

		var resp [10]byte
		binary.BigEndian.PutUint64(resp[0:8], size)
		binary.BigEndian.PutUint16(resp[8:10], 0)
		rw.Write(resp[:])
		// NO_ZEROES was negotiated, so no padding follows.
	})

	desc, err := Negotiate(conn, "data")
	if err != nil {
		t.Fatalf("Negotiate: %v", err)
	}
	want := ExportDescriptor{SizeBytes: size, TransportFlags: 0, NoZeroes: true}
	if diff := cmp.Diff(want, desc); diff != "" {
		t.Errorf("ExportDescriptor mismatch (-want +got):\n%s", diff)
	}
}

func TestNegotiatePadsWithoutNoZeroes(t *testing.T) {
	const size = 4096
	conn := fakeServer(t, func(rw io.ReadWriter) {
		writeHandshakeHeader(rw, flagFixedNewstyle)
		readClientFlags(rw)

		var hdr [16]byte
		io.ReadFull(rw, hdr[:])
		nameLen := binary.BigEndian.Uint32(hdr[12:16])
		io.ReadFull(rw, make([]byte, nameLen))

		var resp [134]byte
		binary.BigEndian.PutUint64(resp[0:8], size)
		binary.BigEndian.PutUint16(resp[8:10], 0)
		rw.Write(resp[:])
	})

	desc, err := Negotiate(conn, "")
	if err != nil {
		t.Fatalf("Negotiate: %v", err)
	}
	if desc.NoZeroes {
		t.Error("NoZeroes = true, want false")
	}
	if desc.SizeBytes != size {
		t.Errorf("SizeBytes = %d, want %d", desc.SizeBytes, size)
	}
}

func TestNegotiateLegacyServer(t *testing.T) {
	conn := fakeServer(t, func(rw io.ReadWriter) {
		var buf [16]byte
		copy(buf[0:8], "NBDMAGIC")
		binary.BigEndian.PutUint64(buf[8:16], cliservMagic)
		rw.Write(buf[:])
	})

	_, err := Negotiate(conn, "")
	var legacy *LegacyServerError
	if !errors.As(err, &legacy) {
		t.Fatalf("Negotiate err = %v, want *LegacyServerError", err)
	}
}

func TestList(t *testing.T) {
	conn := fakeServer(t, func(rw io.ReadWriter) {
		writeHandshakeHeader(rw, flagFixedNewstyle|flagNoZeroes)
		readClientFlags(rw)

		var hdr [16]byte
		io.ReadFull(rw, hdr[:]) // LIST option, zero length

		writeServerReply := func(name string) {
			buf := make([]byte, 20+4+len(name))
			binary.BigEndian.PutUint64(buf[0:8], repMagic)
			binary.BigEndian.PutUint32(buf[8:12], cOptList)
			binary.BigEndian.PutUint32(buf[12:16], cRepServer)
			binary.BigEndian.PutUint32(buf[16:20], uint32(4+len(name)))
			binary.BigEndian.PutUint32(buf[20:24], uint32(len(name)))
			copy(buf[24:], name)
			rw.Write(buf)
		}
		writeServerReply("gold")
		writeServerReply("silver")

		var ack [20]byte
		binary.BigEndian.PutUint64(ack[0:8], repMagic)
		binary.BigEndian.PutUint32(ack[8:12], cOptList)
		binary.BigEndian.PutUint32(ack[12:16], cRepAck)
		binary.BigEndian.PutUint32(ack[16:20], 0)
		rw.Write(ack[:])

		// Drain the client's polite ABORT so the pipe doesn't block.
		var abortHdr [16]byte
		io.ReadFull(rw, abortHdr[:])
	})

	names, err := List(conn)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if diff := cmp.Diff([]string{"gold", "silver"}, names); diff != "" {
		t.Errorf("names mismatch (-want +got):\n%s", diff)
	}
}

func TestListPolicyError(t *testing.T) {
	conn := fakeServer(t, func(rw io.ReadWriter) {
		writeHandshakeHeader(rw, flagFixedNewstyle|flagNoZeroes)
		readClientFlags(rw)

		var hdr [16]byte
		io.ReadFull(rw, hdr[:])

		msg := "no"
		buf := make([]byte, 20+len(msg))
		binary.BigEndian.PutUint64(buf[0:8], repMagic)
		binary.BigEndian.PutUint32(buf[8:12], cOptList)
		binary.BigEndian.PutUint32(buf[12:16], uint32(errPolicy))
		binary.BigEndian.PutUint32(buf[16:20], uint32(len(msg)))
		copy(buf[20:], msg)
		rw.Write(buf)
	})

	_, err := List(conn)
	var oerr *OptionError
	if !errors.As(err, &oerr) {
		t.Fatalf("List err = %v, want *OptionError", err)
	}
	if !oerr.Policy {
		t.Error("Policy = false, want true")
	}
	if oerr.Msg != "no" {
		t.Errorf("Msg = %q, want %q", oerr.Msg, "no")
	}
}

func TestCheckSizeOverflow(t *testing.T) {
	tests := []struct {
		name    string
		size    uint64
		max     uint64
		wantErr bool
	}{
		{"fits", 1 << 30, 1<<32 - 1, false},
		{"boundary", (1<<32 - 1) << 12, 1<<32 - 1, false},
		{"overflows", (uint64(1) << 44) + 1<<12, 1<<32 - 1, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checkSizeOverflow(tt.size, tt.max)
			if (err != nil) != tt.wantErr {
				t.Errorf("checkSizeOverflow(%d, %d) = %v, wantErr %v", tt.size, tt.max, err, tt.wantErr)
			}
		})
	}
}
