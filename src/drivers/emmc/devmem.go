//go:build linux

package emmc

import (
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// DevMem is a register window mapped from /dev/mem.
type DevMem struct {
	mem []byte
}

// OpenDevMem maps size bytes of physical memory at base.  base must be page
// aligned.  Needs root, or CAP_SYS_RAWIO.
func OpenDevMem(base int64, size int) (*DevMem, error) {
	f, err := os.OpenFile("/dev/mem", os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	page := int64(unix.Getpagesize())
	if base%page != 0 {
		return nil, fmt.Errorf("emmc: register base %#x is not page aligned", base)
	}
	mapped := (size + int(page) - 1) &^ (int(page) - 1)
	mem, err := unix.Mmap(int(f.Fd()), base, mapped, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("emmc: mmap %#x: %w", base, err)
	}
	return &DevMem{mem: mem}, nil
}

func (d *DevMem) word(off uint32) *uint32 {
	if off&3 != 0 || int(off)+4 > len(d.mem) {
		panic(fmt.Sprintf("emmc: register offset %#x out of range", off))
	}
	return (*uint32)(unsafe.Pointer(&d.mem[off]))
}

func (d *DevMem) Read(off uint32) uint32 {
	return atomic.LoadUint32(d.word(off))
}

func (d *DevMem) Write(off uint32, v uint32) {
	atomic.StoreUint32(d.word(off), v)
}

func (d *DevMem) Close() error {
	if d.mem == nil {
		return nil
	}
	err := unix.Munmap(d.mem)
	d.mem = nil
	return err
}
