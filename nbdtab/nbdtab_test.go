package nbdtab

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

const sample = `
# device  host           export   options
nbd0      storage.local  data     bs=4096,timeout=60,persist
nbd1      storage.local  backup   unix,_futurekey,sdp
nbd2      10.0.0.5       scratch
`

func TestResolve(t *testing.T) {
	rec, err := Resolve(strings.NewReader(sample), "/dev/nbd0")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	want := Record{
		Device:    "/dev/nbd0",
		Host:      "storage.local",
		Export:    "data",
		Port:      "10809",
		BlockSize: 4096,
		Timeout:   60,
		Persist:   true,
	}
	if diff := cmp.Diff(want, rec); diff != "" {
		t.Errorf("Resolve mismatch (-want +got):\n%s", diff)
	}
}

func TestResolveUnknownOptionIgnoredWithUnderscore(t *testing.T) {
	rec, err := Resolve(strings.NewReader(sample), "nbd1")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !rec.Unix || !rec.SDP {
		t.Errorf("rec = %+v, want Unix and SDP set", rec)
	}
}

func TestResolveNoOptions(t *testing.T) {
	rec, err := Resolve(strings.NewReader(sample), "nbd2")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if rec.Host != "10.0.0.5" || rec.Export != "scratch" {
		t.Errorf("rec = %+v", rec)
	}
}

func TestResolveNotFound(t *testing.T) {
	_, err := Resolve(strings.NewReader(sample), "nbd9")
	var nf *NotFound
	if !errors.As(err, &nf) {
		t.Fatalf("Resolve err = %v, want *NotFound", err)
	}
}

func TestResolveMalformedLine(t *testing.T) {
	_, err := Resolve(strings.NewReader("nbd0 onlyhost\n"), "nbd0")
	var cerr *ConfigError
	if !errors.As(err, &cerr) {
		t.Fatalf("Resolve err = %v, want *ConfigError", err)
	}
}
