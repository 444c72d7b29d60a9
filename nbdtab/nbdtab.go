// Package nbdtab resolves a device identifier against the system
// device-table file (conventionally $SYSCONFDIR/nbdtab), the
// configuration format that lets a bare device name like "nbd0" carry
// its host, export and dial options without repeating them on every
// invocation.
package nbdtab

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"
)

// DefaultPath is the conventional location of the device table.
const DefaultPath = "/etc/nbdtab"

// Record is one resolved nbdtab entry.
type Record struct {
	Device    string
	Host      string
	Export    string
	Port      string
	BlockSize int
	Timeout   int
	Persist   bool
	Swap      bool
	SDP       bool
	Unix      bool
}

// NotFound is returned when no line's device field matches the
// requested identifier.
type NotFound struct {
	Device string
}

func (e *NotFound) Error() string {
	return fmt.Sprintf("no nbdtab entry for %q", e.Device)
}

// ConfigError reports a malformed line, with enough context to find it
// in the file.
type ConfigError struct {
	Line int
	Msg  string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("nbdtab:%d: %s", e.Line, e.Msg)
}

// Resolve reads the device table from r and returns the record whose device field matches
// device (a bare name such as "nbd0", or "/dev/nbd0"; the "/dev/"
// prefix is stripped before comparison).
func Resolve(r io.Reader, device string) (Record, error) {
	want := strings.TrimPrefix(device, "/dev/")

	s := bufio.NewScanner(r)
	lineNo := 0
	for s.Scan() {
		lineNo++
		line := s.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if strings.TrimPrefix(fields[0], "/dev/") != want {
			continue
		}
		if len(fields) < 3 {
			return Record{}, &ConfigError{Line: lineNo, Msg: "expected device, host, export fields"}
		}

		rec := Record{
			Device: "/dev/" + want,
			Host:   fields[1],
			Export: fields[2],
			Port:   "10809",
		}
		if len(fields) >= 4 {
			if err := parseOptions(&rec, fields[3], lineNo); err != nil {
				return Record{}, err
			}
		}
		return rec, nil
	}
	if err := s.Err(); err != nil {
		return Record{}, &ConfigError{Line: lineNo, Msg: err.Error()}
	}
	return Record{}, &NotFound{Device: device}
}

func parseOptions(rec *Record, opts string, lineNo int) error {
	for _, opt := range strings.Split(opts, ",") {
		opt = strings.TrimSpace(opt)
		if opt == "" {
			continue
		}
		switch {
		case strings.HasPrefix(opt, "bs="):
			n, err := strconv.Atoi(opt[len("bs="):])
			if err != nil {
				return &ConfigError{Line: lineNo, Msg: fmt.Sprintf("invalid bs= value: %v", err)}
			}
			rec.BlockSize = n
		case strings.HasPrefix(opt, "timeout="):
			n, err := strconv.Atoi(opt[len("timeout="):])
			if err != nil {
				return &ConfigError{Line: lineNo, Msg: fmt.Sprintf("invalid timeout= value: %v", err)}
			}
			rec.Timeout = n
		case strings.HasPrefix(opt, "port="):
			rec.Port = opt[len("port="):]
		case opt == "persist":
			rec.Persist = true
		case opt == "swap":
			rec.Swap = true
		case opt == "sdp":
			rec.SDP = true
		case opt == "unix":
			rec.Unix = true
		case strings.HasPrefix(opt, "_"):
			// Reserved for forward-compatible extensions; ignored.
		default:
			log.Printf("nbdtab:%d: warning: unknown option %q", lineNo, opt)
		}
	}
	return nil
}
