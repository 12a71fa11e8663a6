// Package netutil provides port allocation for backend runner processes.
package netutil

import (
	"net"
	"sync"

	"github.com/pkg/errors"
)

// PortAllocator hands out ephemeral loopback ports for runner processes and
// tracks which runner holds which port until it is released.
type PortAllocator struct {
	mu   sync.Mutex
	used map[int]string // port -> runner key
}

// NewPortAllocator creates a new port allocator.
func NewPortAllocator() *PortAllocator {
	return &PortAllocator{used: make(map[int]string)}
}

// Allocate binds a loopback listener on port 0, records the port the kernel
// assigned to the owner, and closes the listener. The port is free at return
// time but not reserved; a racing process that grabs it first surfaces as a
// bind failure in the runner launch, which retries with a fresh port.
func (a *PortAllocator) Allocate(owner string) (int, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, errors.Wrap(err, "unable to allocate port")
	}
	port := listener.Addr().(*net.TCPAddr).Port
	if err := listener.Close(); err != nil {
		return 0, errors.Wrap(err, "unable to release probe listener")
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.used[port] = owner
	return port, nil
}

// Release frees a previously allocated port.
func (a *PortAllocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.used, port)
}

// ReleaseByOwner releases all ports allocated to an owner.
func (a *PortAllocator) ReleaseByOwner(owner string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for port, current := range a.used {
		if current == owner {
			delete(a.used, port)
		}
	}
}

// GetPort returns the port allocated to an owner, or 0 if not found.
func (a *PortAllocator) GetPort(owner string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	for port, current := range a.used {
		if current == owner {
			return port
		}
	}
	return 0
}

// ListAllocations returns all current port allocations.
func (a *PortAllocator) ListAllocations() map[int]string {
	a.mu.Lock()
	defer a.mu.Unlock()
	result := make(map[int]string, len(a.used))
	for port, owner := range a.used {
		result[port] = owner
	}
	return result
}
