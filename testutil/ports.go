package testutil

import (
	"fmt"
	"net"
	"sync"
)

//nolint:gochecknoglobals
var (
	ports     *portRegistry
	portsOnce sync.Once
)

// portRegistry hands out host ports for container bindings. The kernel picks a free
// port; the registry keeps suites running in parallel from being handed the same one
// before their containers bind it.
type portRegistry struct {
	mu       sync.Mutex
	reserved map[int]struct{}
	listen   func() (int, error)
}

func getPortManager() *portRegistry {
	portsOnce.Do(func() {
		ports = &portRegistry{
			reserved: make(map[int]struct{}),
			listen:   freeTCPPort,
		}
	})
	return ports
}

func freeTCPPort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

func (r *portRegistry) reservePort() (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	const attempts = 20
	for range attempts {
		port, err := r.listen()
		if err != nil {
			return 0, fmt.Errorf("failed to find a free port: %w", err)
		}
		if _, taken := r.reserved[port]; !taken {
			r.reserved[port] = struct{}{}
			return port, nil
		}
	}
	return 0, fmt.Errorf("failed to find an unreserved port after %d attempts", attempts)
}

func (r *portRegistry) releasePort(port int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.reserved, port)
}
