//go:build windows

package pmem

import (
	"errors"
	"os"
	"reflect"
	"unsafe"

	"golang.org/x/sys/windows"
)

// windowsMapping stores the handles a mapped file needs on Windows, where
// unmapping and remapping require the file mapping handle in addition to
// the file handle itself.
type windowsMapping struct {
	file       *os.File
	mapHandle  windows.Handle
	mappedSize int64
}

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

	mapHandle, err := windows.CreateFileMapping(
		windows.Handle(f.Fd()), nil, windows.PAGE_READWRITE,
		uint32(size>>32), uint32(size&0xFFFFFFFF), nil)
	if err != nil {
		f.Close()
		return nil, err
	}

	addr, err := windows.MapViewOfFile(mapHandle, windows.FILE_MAP_READ|windows.FILE_MAP_WRITE, 0, 0, uintptr(size))
	if err != nil {
		windows.CloseHandle(mapHandle)
		f.Close()
		return nil, err
	}

	var data []byte
	h := (*reflect.SliceHeader)(unsafe.Pointer(&data))
	h.Data = addr
	h.Len = int(size)
	h.Cap = int(size)

	mapping := &windowsMapping{file: f, mapHandle: mapHandle, mappedSize: size}

	return &mmapFile{handle: mapping, data: data, size: size}, nil
}

func (m *mmapFile) msyncRange() error {
	if len(m.data) == 0 {
		return nil
	}
	return windows.FlushViewOfFile(uintptr(unsafe.Pointer(&m.data[0])), uintptr(len(m.data)))
}

func (m *mmapFile) grow(newSize int64) error {
	if newSize <= m.size {
		return nil
	}

	mapping := m.handle.(*windowsMapping)

	if len(m.data) > 0 {
		if err := windows.FlushViewOfFile(uintptr(unsafe.Pointer(&m.data[0])), uintptr(len(m.data))); err != nil {
			return err
		}
		if err := windows.UnmapViewOfFile(uintptr(unsafe.Pointer(&m.data[0]))); err != nil {
			return err
		}
	}

	if err := windows.CloseHandle(mapping.mapHandle); err != nil {
		return err
	}

	if err := mapping.file.Truncate(newSize); err != nil {
		return err
	}

	mapHandle, err := windows.CreateFileMapping(
		windows.Handle(mapping.file.Fd()), nil, windows.PAGE_READWRITE,
		uint32(newSize>>32), uint32(newSize&0xFFFFFFFF), nil)
	if err != nil {
		return err
	}

	addr, err := windows.MapViewOfFile(mapHandle, windows.FILE_MAP_READ|windows.FILE_MAP_WRITE, 0, 0, uintptr(newSize))
	if err != nil {
		windows.CloseHandle(mapHandle)
		return err
	}

	var data []byte
	h := (*reflect.SliceHeader)(unsafe.Pointer(&data))
	h.Data = addr
	h.Len = int(newSize)
	h.Cap = int(newSize)

	mapping.mapHandle = mapHandle
	mapping.mappedSize = newSize
	m.data = data
	m.size = newSize
	return nil
}

func (m *mmapFile) close() error {
	var firstErr error

	mapping, ok := m.handle.(*windowsMapping)
	if !ok || mapping == nil {
		return nil
	}

	if len(m.data) > 0 {
		if err := windows.UnmapViewOfFile(uintptr(unsafe.Pointer(&m.data[0]))); err != nil && firstErr == nil {
			firstErr = err
		}
		m.data = nil
	}

	if mapping.mapHandle != 0 {
		if err := windows.CloseHandle(mapping.mapHandle); err != nil && firstErr == nil {
			firstErr = err
		}
		mapping.mapHandle = 0
	}

	if mapping.file != nil {
		if err := mapping.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		mapping.file = nil
	}

	m.handle = nil
	return firstErr
}
