package net

import (
	"fmt"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

var (
	mu        sync.Mutex
	usedPorts = map[int]struct{}{}
)

/*
FreeAddress returns "127.0.0.1:port" address where port is currently free and
hasn't been returned to any other test of the process.
*/
func FreeAddress(t testing.TB) string {
	t.Helper()
	mu.Lock()
	defer mu.Unlock()

	for {
		l, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		port := l.Addr().(*net.TCPAddr).Port
		require.NoError(t, l.Close())

		if _, ok := usedPorts[port]; !ok {
			usedPorts[port] = struct{}{}
			return fmt.Sprintf("127.0.0.1:%d", port)
		}
	}
}
