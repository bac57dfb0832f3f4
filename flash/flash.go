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

// Package flash provides the storage devices used by the boot loader.
//
// All devices share the semantics of word programmable, sector erasable
// flash: erased bytes read as 0xff, every word write is read back and
// compared before returning, and mutating operations are refused unless the
// device has been unlocked.
package flash

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// WordSize is the programming granularity in bytes.
	WordSize = 4
	// Erased is the value of every byte of an erased sector.
	Erased = 0xff
)

var (
	// ErrVerify is returned when a programmed word does not read back as
	// written.
	ErrVerify = errors.New("write verification failed")
	// ErrLocked is returned for erase and write attempts on a locked device.
	ErrLocked = errors.New("device is locked")
	// ErrAlignment is returned for accesses not aligned to the word or
	// sector size.
	ErrAlignment = errors.New("unaligned access")
	// ErrOutOfRange is returned for accesses past the end of the device.
	ErrOutOfRange = errors.New("access out of range")
)

// Device is a flash device addressed in bytes from its start.
type Device interface {
	// Erase resets length bytes starting at addr to the erased value.
	// Both addr and length must be multiples of the sector size.
	Erase(addr, length uint32) error
	// WriteVerifyWord programs the little endian word at addr and reads it
	// back, returning ErrVerify on mismatch.
	WriteVerifyWord(addr uint32, word uint32) error
	// Read fills p with the bytes starting at addr.
	Read(addr uint32, p []byte) error
	// Unlock enables erase and write operations.
	Unlock() error
	// Lock disables erase and write operations.
	Lock() error
}

// Op identifies a mutating flash operation.
type Op int

const (
	OpErase Op = iota
	OpWrite
)

func (o Op) String() string {
	switch o {
	case OpErase:
		return "erase"
	case OpWrite:
		return "write"
	}
	return fmt.Sprintf("Op(%d)", int(o))
}

// ReadWord returns the little endian word at addr.
func ReadWord(d Device, addr uint32) (uint32, error) {
	var b [WordSize]byte

	if err := d.Read(addr, b[:]); err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint32(b[:]), nil
}

// Programmer is implemented by devices which can program and verify a range
// of words with a single operation.
type Programmer interface {
	// WriteVerify programs buf, a whole number of words, at addr and reads
	// it back, returning ErrVerify on mismatch.
	WriteVerify(addr uint32, buf []byte) error
}

// WriteBytes programs buf at addr, a trailing partial word is padded with the
// erased value. Devices implementing Programmer are written with a single
// operation, others one word at a time. The destination must have been
// erased.
func WriteBytes(d Device, addr uint32, buf []byte) error {
	if addr%WordSize != 0 {
		return fmt.Errorf("%w: address %#x", ErrAlignment, addr)
	}

	if p, ok := d.(Programmer); ok {
		if r := len(buf) % WordSize; r != 0 {
			buf = append(append([]byte{}, buf...), bytes.Repeat([]byte{Erased}, WordSize-r)...)
		}
		return p.WriteVerify(addr, buf)
	}

	for off := 0; off < len(buf); off += WordSize {
		w := [WordSize]byte{Erased, Erased, Erased, Erased}
		copy(w[:], buf[off:])

		if err := d.WriteVerifyWord(addr+uint32(off), binary.LittleEndian.Uint32(w[:])); err != nil {
			return err
		}
	}

	return nil
}
