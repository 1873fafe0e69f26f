//go:build unix || darwin || linux || freebsd || openbsd || netbsd

package pmem

import (
	"errors"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// openMmapFile opens or creates path and maps it MAP_SHARED so writes are
// visible to any process holding the same mapping, and survive an msync
// even if the process crashes before a clean close.
func openMmapFile(path string, initialSize int64) (*mmapFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}

	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	size := stat.Size()
	if initialSize > size {
		if err := f.Truncate(initialSize); err != nil {
			f.Close()
			return nil, err
		}
		size = initialSize
	}

	if size == 0 {
		f.Close()
		return nil, errors.New("pmem: cannot mmap empty file")
	}

	data, err := syscall.Mmap(int(f.Fd()), 0, int(size),
		syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, err
	}

	return &mmapFile{handle: f, data: data, size: size}, nil
}

// msyncRange persists the mapped range to the backing file. This is the
// flush(addr, len) primitive: it is coarser than a real CLWB/CLFLUSHOPT
// cache-line flush but gives the same durability guarantee a recovery
// pass depends on.
func (m *mmapFile) msyncRange() error {
	return unix.Msync(m.data, unix.MS_SYNC)
}

// grow extends the file and remaps it. Any slices handed out before Grow
// are invalidated; callers must re-derive addresses from offsets, never
// cache raw byte slices across a Grow.
func (m *mmapFile) grow(newSize int64) error {
	if newSize <= m.size {
		return nil
	}

	if err := unix.Msync(m.data, unix.MS_SYNC); err != nil {
		return err
	}
	if err := syscall.Munmap(m.data); err != nil {
		return err
	}

	f := m.handle.(*os.File)
	if err := f.Truncate(newSize); err != nil {
		return err
	}

	data, err := syscall.Mmap(int(f.Fd()), 0, int(newSize),
		syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		return err
	}

	m.data = data
	m.size = newSize
	return nil
}

func (m *mmapFile) close() error {
	var firstErr error

	if m.data != nil {
		if err := syscall.Munmap(m.data); err != nil && firstErr == nil {
			firstErr = err
		}
		m.data = nil
	}

	if m.handle != nil {
		f := m.handle.(*os.File)
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		m.handle = nil
	}

	return firstErr
}
