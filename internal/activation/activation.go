// Package activation picks up sockets passed in by systemd socket activation
// (sd_listen_fds) so that `fplsync serve` can run from a .socket unit.
package activation

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
)

// listenFDsStart is the first file descriptor systemd passes
// (0=stdin, 1=stdout, 2=stderr)
const listenFDsStart = 3

// Socket is one activated listener together with its FileDescriptorName
type Socket struct {
	Name     string
	Listener net.Listener
}

// env describes the activation variables of the current process
type env struct {
	count int
	names []string
}

// parseEnv interprets LISTEN_PID, LISTEN_FDS and LISTEN_FDNAMES for the
// process with id self. A zero count means no activation for this process.
func parseEnv(pidStr, fdsStr, namesStr string, self int) (env, error) {
	if pidStr == "" || fdsStr == "" {
		return env{}, nil
	}

	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		return env{}, fmt.Errorf("invalid LISTEN_PID %q: %w", pidStr, err)
	}
	if pid != self {
		return env{}, nil
	}

	count, err := strconv.Atoi(fdsStr)
	if err != nil {
		return env{}, fmt.Errorf("invalid LISTEN_FDS %q: %w", fdsStr, err)
	}
	if count < 1 {
		return env{}, nil
	}

	names := make([]string, count)
	if namesStr != "" {
		for i, name := range strings.Split(namesStr, ":") {
			if i < count {
				names[i] = name
			}
		}
	}

	return env{count: count, names: names}, nil
}

// Sockets returns the sockets systemd passed to this process, or nil when the
// process was not socket-activated. The activation variables are removed from
// the environment so child processes don't inherit them.
func Sockets() ([]Socket, error) {
	e, err := parseEnv(os.Getenv("LISTEN_PID"), os.Getenv("LISTEN_FDS"), os.Getenv("LISTEN_FDNAMES"), os.Getpid())
	if err != nil {
		return nil, err
	}
	if e.count == 0 {
		return nil, nil
	}

	defer func() {
		_ = os.Unsetenv("LISTEN_PID")
		_ = os.Unsetenv("LISTEN_FDS")
		_ = os.Unsetenv("LISTEN_FDNAMES")
	}()

	sockets := make([]Socket, 0, e.count)
	for i := 0; i < e.count; i++ {
		fd := listenFDsStart + i
		file := os.NewFile(uintptr(fd), fmt.Sprintf("systemd-socket-%d", i))
		if file == nil {
			closeAll(sockets)
			return nil, fmt.Errorf("failed to create file for fd %d", fd)
		}

		listener, err := net.FileListener(file)
		// the listener holds its own dup of the descriptor
		_ = file.Close()
		if err != nil {
			closeAll(sockets)
			return nil, fmt.Errorf("failed to create listener from fd %d: %w", fd, err)
		}

		sockets = append(sockets, Socket{Name: e.names[i], Listener: listener})
	}

	return sockets, nil
}

// Listen returns the activated socket named name, or the first activated
// socket when none carries that name. Unused activated sockets are closed.
// Without socket activation it listens on addr over TCP. The boolean reports
// whether the listener came from systemd.
func Listen(name, addr string) (net.Listener, bool, error) {
	sockets, err := Sockets()
	if err != nil {
		return nil, false, fmt.Errorf("failed to get activated sockets: %w", err)
	}

	if ln := choose(sockets, name); ln != nil {
		return ln, true, nil
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, false, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return ln, false, nil
}

// choose picks the socket for name and closes the others
func choose(sockets []Socket, name string) net.Listener {
	if len(sockets) == 0 {
		return nil
	}

	picked := 0
	for i, s := range sockets {
		if s.Name == name {
			picked = i
			break
		}
	}

	for i, s := range sockets {
		if i != picked {
			_ = s.Listener.Close()
		}
	}
	return sockets[picked].Listener
}

func closeAll(sockets []Socket) {
	for _, s := range sockets {
		_ = s.Listener.Close()
	}
}
