package memprotect_test

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/lookbusy1344/dbi-engine/memprotect"
)

// mmapRegion allocates one anonymous, page-aligned, writable page for the
// round trip below, the same way a real ExecBlock backend would carve a
// code buffer out of the process address space.
func mmapRegion(t *testing.T) memprotect.Region {
	t.Helper()
	pageSize := unix.Getpagesize()
	data, err := unix.Mmap(-1, 0, pageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	require.NoError(t, err)
	t.Cleanup(func() { _ = unix.Munmap(data) })
	return memprotect.Region{Addr: uintptr(unsafe.Pointer(&data[0])), Len: pageSize}
}

func TestMakeRXThenMakeRWRoundTrips(t *testing.T) {
	r := mmapRegion(t)
	require.NoError(t, memprotect.MakeRX(r))
	require.NoError(t, memprotect.MakeRW(r))
}

func TestInvalidateICacheIsANoop(t *testing.T) {
	r := mmapRegion(t)
	assert.NoError(t, memprotect.InvalidateICache(r))
}
