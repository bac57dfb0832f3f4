// Copyright 2024 The Armored Witness authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package flash

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"
)

// storage is the backing store of an emulated NOR device.
type storage interface {
	io.ReaderAt
	io.WriterAt
}

// NOR emulates a NOR flash device on top of memory or a file.
//
// Programming a word can only clear bits, as on real hardware, so writing a
// value which is not a bit subset of the current content fails verification.
type NOR struct {
	mu sync.Mutex

	store      storage
	closer     io.Closer
	size       uint32
	sectorSize uint32
	locked     bool
	ops        uint64

	// Fault, if set, is called before every sector erase and word write.
	// A non-nil return aborts the operation before storage is touched,
	// which emulates power loss at that point.
	Fault func(op Op, addr uint32) error
}

var _ Device = &NOR{}

type memStore []byte

func (m memStore) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > int64(len(m)) {
		return 0, io.ErrUnexpectedEOF
	}
	return copy(p, m[off:]), nil
}

func (m memStore) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > int64(len(m)) {
		return 0, io.ErrShortWrite
	}
	return copy(m[off:], p), nil
}

// NewMem creates a new, fully erased and locked, in-memory NOR device.
func NewMem(size, sectorSize uint32) *NOR {
	return &NOR{
		store:      memStore(bytes.Repeat([]byte{Erased}, int(size))),
		size:       size,
		sectorSize: sectorSize,
		locked:     true,
	}
}

// CreateFile creates, or truncates, the file at path and initialises it as a
// fully erased NOR device.
func CreateFile(path string, size, sectorSize uint32) (*NOR, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}

	if _, err := f.Write(bytes.Repeat([]byte{Erased}, int(size))); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to initialise %q: %v", path, err)
	}

	return &NOR{store: f, closer: f, size: size, sectorSize: sectorSize, locked: true}, nil
}

// OpenFile opens a NOR device previously created with CreateFile.
func OpenFile(path string, size, sectorSize uint32) (*NOR, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	if fi.Size() != int64(size) {
		f.Close()
		return nil, fmt.Errorf("flash image %q is %d bytes, expected %d", path, fi.Size(), size)
	}

	return &NOR{store: f, closer: f, size: size, sectorSize: sectorSize, locked: true}, nil
}

// Close releases the backing file, if any.
func (n *NOR) Close() error {
	if n.closer == nil {
		return nil
	}
	return n.closer.Close()
}

// Size returns the device size in bytes.
func (n *NOR) Size() uint32 {
	return n.size
}

// SectorSize returns the erase granularity in bytes.
func (n *NOR) SectorSize() uint32 {
	return n.sectorSize
}

// Ops returns the number of mutating operations performed so far.
func (n *NOR) Ops() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()

	return n.ops
}

func (n *NOR) checkRange(addr, length uint32) error {
	if uint64(addr)+uint64(length) > uint64(n.size) {
		return fmt.Errorf("%w: [%#x, %#x) on %d byte device", ErrOutOfRange, addr, uint64(addr)+uint64(length), n.size)
	}
	return nil
}

// Erase resets whole sectors to the erased value.
func (n *NOR) Erase(addr, length uint32) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.locked {
		return ErrLocked
	}

	if addr%n.sectorSize != 0 || length%n.sectorSize != 0 {
		return fmt.Errorf("%w: erase of %d bytes @ %#x with %d byte sectors", ErrAlignment, length, addr, n.sectorSize)
	}

	if err := n.checkRange(addr, length); err != nil {
		return err
	}

	erased := bytes.Repeat([]byte{Erased}, int(n.sectorSize))

	for a := addr; a < addr+length; a += n.sectorSize {
		if n.Fault != nil {
			if err := n.Fault(OpErase, a); err != nil {
				return err
			}
		}

		n.ops++

		if _, err := n.store.WriteAt(erased, int64(a)); err != nil {
			return err
		}
	}

	return nil
}

// WriteVerifyWord programs a word and verifies it by reading it back.
func (n *NOR) WriteVerifyWord(addr uint32, word uint32) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.locked {
		return ErrLocked
	}

	if addr%WordSize != 0 {
		return fmt.Errorf("%w: word write @ %#x", ErrAlignment, addr)
	}

	if err := n.checkRange(addr, WordSize); err != nil {
		return err
	}

	if n.Fault != nil {
		if err := n.Fault(OpWrite, addr); err != nil {
			return err
		}
	}

	n.ops++

	var b [WordSize]byte

	if _, err := n.store.ReadAt(b[:], int64(addr)); err != nil {
		return err
	}

	binary.LittleEndian.PutUint32(b[:], binary.LittleEndian.Uint32(b[:])&word)

	if _, err := n.store.WriteAt(b[:], int64(addr)); err != nil {
		return err
	}

	if _, err := n.store.ReadAt(b[:], int64(addr)); err != nil {
		return err
	}

	if got := binary.LittleEndian.Uint32(b[:]); got != word {
		return fmt.Errorf("%w: @ %#x wrote %#08x, read %#08x", ErrVerify, addr, word, got)
	}

	return nil
}

// Read fills p with the bytes starting at addr.
func (n *NOR) Read(addr uint32, p []byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if err := n.checkRange(addr, uint32(len(p))); err != nil {
		return err
	}

	_, err := n.store.ReadAt(p, int64(addr))

	return err
}

// Unlock enables mutating operations.
func (n *NOR) Unlock() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.locked = false

	return nil
}

// Lock disables mutating operations.
func (n *NOR) Lock() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.locked = true

	return nil
}
