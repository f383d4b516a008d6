// Package shm manages the POSIX shared memory regions used to move
// payloads too large for a message's inline data area between the gateway
// and its workers, without a copy through the IPC socket itself.
package shm

import (
	"fmt"

	"golang.org/x/sys/unix"
)

const baseDir = "/dev/shm/"

// Region is a shared memory segment backed by a file under /dev/shm. The
// creator of a region owns it: it is responsible for calling Close, which
// both unmaps and unlinks the backing file.
type Region struct {
	Name string
	path string
	data []byte
}

// InputName returns the conventional name of the input region for a full
// call id: both the gateway (for an externally originated call) and a
// worker (for one it originates) create input regions under this name, and
// whichever side dispatches the call is the one that creates it.
func InputName(fullCallID uint64) string {
	return fmt.Sprintf("input:%d", fullCallID)
}

// OutputName returns the conventional name of the output region for a full
// call id, created by the worker that produced the result.
func OutputName(fullCallID uint64) string {
	return fmt.Sprintf("output:%d", fullCallID)
}

// Create allocates a new region of len(data) bytes under name and copies
// data into it. It is an error for the region to already exist.
func Create(name string, data []byte) (*Region, error) {
	path := baseDir + name
	fd, err := unix.Open(path, unix.O_CREAT|unix.O_EXCL|unix.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("shm: create %s: %w", name, err)
	}
	defer unix.Close(fd)

	size := len(data)
	if size == 0 {
		size = 1
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Unlink(path)
		return nil, fmt.Errorf("shm: truncate %s: %w", name, err)
	}
	mapped, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Unlink(path)
		return nil, fmt.Errorf("shm: mmap %s: %w", name, err)
	}
	copy(mapped, data)
	return &Region{Name: name, path: path, data: mapped}, nil
}

// Open maps an existing region of the given size for reading.
func Open(name string, size int) (*Region, error) {
	path := baseDir + name
	fd, err := unix.Open(path, unix.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("shm: open %s: %w", name, err)
	}
	defer unix.Close(fd)

	if size <= 0 {
		size = 1
	}
	mapped, err := unix.Mmap(fd, 0, size, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("shm: mmap %s: %w", name, err)
	}
	return &Region{Name: name, path: path, data: mapped}, nil
}

// Bytes returns the mapped contents. The slice is invalid after Close.
func (r *Region) Bytes() []byte {
	return r.data
}

// Close unmaps and unlinks the region. Safe to call more than once.
func (r *Region) Close() error {
	if r.data == nil {
		return nil
	}
	err := unix.Munmap(r.data)
	r.data = nil
	if uerr := unix.Unlink(r.path); uerr != nil && err == nil {
		err = uerr
	}
	return err
}
