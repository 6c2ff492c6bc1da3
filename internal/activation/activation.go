// Package activation picks up listening sockets passed by systemd socket
// activation.
package activation

import (
	"fmt"
	"net"
	"os"
	"strconv"
)

// firstFD is the first descriptor systemd passes (0-2 are stdio)
const firstFD = 3

// Listener returns the first socket-activated listener, or a new listener
// on addr when the process was not socket-activated. The bool reports
// whether the listener came from systemd.
func Listener(addr string) (net.Listener, bool, error) {
	listeners, err := Listeners()
	if err != nil {
		return nil, false, err
	}
	if len(listeners) > 0 {
		for _, extra := range listeners[1:] {
			_ = extra.Close()
		}
		return listeners[0], true, nil
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, false, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return listener, false, nil
}

// Listeners returns the systemd-activated listeners, or nil when the
// activation environment is absent or addressed to another process.
func Listeners() ([]net.Listener, error) {
	numFDs, err := activatedFDs(os.Getenv, os.Getpid())
	if err != nil || numFDs == 0 {
		return nil, err
	}

	listeners := make([]net.Listener, 0, numFDs)
	for i := 0; i < numFDs; i++ {
		fd := firstFD + i
		file := os.NewFile(uintptr(fd), fmt.Sprintf("systemd-socket-%d", i))
		if file == nil {
			return nil, fmt.Errorf("failed to create file for fd %d", fd)
		}

		listener, err := net.FileListener(file)
		// FileListener dups the descriptor
		_ = file.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to create listener from fd %d: %w", fd, err)
		}

		listeners = append(listeners, listener)
	}

	// Child processes must not inherit the activation environment
	_ = os.Unsetenv("LISTEN_PID")
	_ = os.Unsetenv("LISTEN_FDS")
	_ = os.Unsetenv("LISTEN_FDNAMES")

	return listeners, nil
}

// activatedFDs returns how many descriptors were passed to pid
func activatedFDs(getenv func(string) string, pid int) (int, error) {
	pidStr := getenv("LISTEN_PID")
	if pidStr == "" {
		return 0, nil
	}

	listenPID, err := strconv.Atoi(pidStr)
	if err != nil {
		return 0, fmt.Errorf("invalid LISTEN_PID %q: %w", pidStr, err)
	}
	if listenPID != pid {
		return 0, nil
	}

	fdsStr := getenv("LISTEN_FDS")
	if fdsStr == "" {
		return 0, nil
	}

	numFDs, err := strconv.Atoi(fdsStr)
	if err != nil {
		return 0, fmt.Errorf("invalid LISTEN_FDS %q: %w", fdsStr, err)
	}
	if numFDs < 0 {
		return 0, fmt.Errorf("invalid LISTEN_FDS %q: negative count", fdsStr)
	}
	return numFDs, nil
}
