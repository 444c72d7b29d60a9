//go:build linux

package nbdnl

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/mdlayher/netlink"
)

func TestEncodeSockListRoundTrip(t *testing.T) {
	buf, err := encodeSockList([]uint32{3, 7})
	if err != nil {
		t.Fatalf("encodeSockList: %v", err)
	}

	const sockItem = 1
	const sockFD = 1
	d, err := netlink.NewAttributeDecoder(buf)
	if err != nil {
		t.Fatalf("NewAttributeDecoder: %v", err)
	}
	var got []uint32
	for d.Next() {
		if d.Type() != sockItem {
			continue
		}
		inner, err := netlink.NewAttributeDecoder(d.Bytes())
		if err != nil {
			t.Fatalf("inner decoder: %v", err)
		}
		for inner.Next() {
			if inner.Type() == sockFD {
				got = append(got, inner.Uint32())
			}
		}
	}
	if diff := cmp.Diff([]uint32{3, 7}, got); diff != "" {
		t.Errorf("sock list mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeDeviceListItem(t *testing.T) {
	const (
		deviceIndex     = 1
		deviceConnected = 2
	)
	e := netlink.NewAttributeEncoder()
	e.Uint32(deviceIndex, 4)
	e.Uint8(deviceConnected, 1)
	buf, err := e.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	got, err := decodeDeviceListItem(buf)
	if err != nil {
		t.Fatalf("decodeDeviceListItem: %v", err)
	}
	want := DeviceStatus{Index: 4, Connected: true}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("DeviceStatus mismatch (-want +got):\n%s", diff)
	}
}

func TestNetlinkErrorUnwrap(t *testing.T) {
	inner := &netlinkDummyErr{}
	err := &NetlinkError{Op: "connect", Err: inner}
	if err.Unwrap() != inner {
		t.Error("Unwrap did not return the wrapped error")
	}
	if err.Error() == "" {
		t.Error("empty error message")
	}
}

type netlinkDummyErr struct{}

func (*netlinkDummyErr) Error() string { return "dummy" }
