package main

import (
	"net"
	"os"
)

// notifySystemdReady implements the sd_notify(3) wire protocol well
// enough for --systemd-mark: if NOTIFY_SOCKET is set, it tells the
// service manager the device is attached and ready, the same
// information -m conveys to systemd's own supervision logic.
func notifySystemdReady() {
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return
	}
	conn, err := net.DialUnix("unixgram", nil, &net.UnixAddr{Name: addr, Net: "unixgram"})
	if err != nil {
		return
	}
	defer conn.Close()
	conn.Write([]byte("READY=1"))
}
