package netutil

import (
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAllocateReturnsBindablePort(t *testing.T) {
	a := NewPortAllocator()

	port, err := a.Allocate("llamacpp/model-a")
	require.NoError(t, err)
	require.Greater(t, port, 0)

	// The probe listener is closed, so the runner can bind the port itself.
	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	require.NoError(t, err)
	require.NoError(t, listener.Close())

	require.Equal(t, port, a.GetPort("llamacpp/model-a"))
	require.Equal(t, map[int]string{port: "llamacpp/model-a"}, a.ListAllocations())

	a.Release(port)
	require.Zero(t, a.GetPort("llamacpp/model-a"))
	require.Empty(t, a.ListAllocations())
}

func TestAllocateDistinctPorts(t *testing.T) {
	a := NewPortAllocator()

	first, err := a.Allocate("llamacpp/model-a")
	require.NoError(t, err)
	second, err := a.Allocate("llamacpp/model-b")
	require.NoError(t, err)
	require.NotEqual(t, first, second)
	require.Len(t, a.ListAllocations(), 2)

	a.Release(first)
	a.Release(second)
}

func TestReleaseByOwner(t *testing.T) {
	a := NewPortAllocator()

	_, err := a.Allocate("flm/model")
	require.NoError(t, err)
	_, err = a.Allocate("flm/model")
	require.NoError(t, err)
	kept, err := a.Allocate("whispercpp/whisper-tiny")
	require.NoError(t, err)

	a.ReleaseByOwner("flm/model")
	require.Equal(t, map[int]string{kept: "whispercpp/whisper-tiny"}, a.ListAllocations())
}
