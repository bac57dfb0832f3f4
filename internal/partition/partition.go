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

// Package partition describes the three flash partitions managed by the boot
// loader and translates partition offsets to device addresses.
package partition

import (
	"fmt"

	"github.com/transparency-dev/armored-witness-swapboot/flash"
)

// Role identifies the purpose of a partition.
type Role int

const (
	// Boot holds the image which is executed.
	Boot Role = iota
	// Update holds a staged image, and the backup of the previous Boot
	// image once an update has been applied.
	Update
	// Swap is the single sector scratch area used while swapping.
	Swap
)

func (r Role) String() string {
	switch r {
	case Boot:
		return "boot"
	case Update:
		return "update"
	case Swap:
		return "swap"
	}
	return fmt.Sprintf("Role(%d)", int(r))
}

// ParseRole returns the Role with the given name.
func ParseRole(s string) (Role, error) {
	for _, r := range []Role{Boot, Update, Swap} {
		if r.String() == s {
			return r, nil
		}
	}
	return 0, fmt.Errorf("unknown partition %q", s)
}

// Partition is a fixed region of a flash device with a role.
type Partition struct {
	Role Role
	// Base is the device address of the first byte of the partition.
	Base uint32
	// Size is the partition size in bytes, a multiple of SectorSize.
	Size uint32
	// SectorSize is the erase granularity of the partition.
	SectorSize uint32
	// Dev is the device holding the partition.
	Dev flash.Device
}

// Sectors returns the number of sectors in the partition.
func (p *Partition) Sectors() uint32 {
	return p.Size / p.SectorSize
}

// Capacity returns the number of bytes available to an image, header
// included. The last sector of Boot and Update is reserved for the trailer.
func (p *Partition) Capacity() uint32 {
	if p.Role == Swap {
		return p.SectorSize
	}
	return p.Size - p.SectorSize
}

// SectorOffset returns the partition offset of a logical sector. Swap only
// has one physical sector which stands in for every logical one.
func (p *Partition) SectorOffset(sector uint32) uint32 {
	if p.Role == Swap {
		return 0
	}
	return sector * p.SectorSize
}

func (p *Partition) addr(off, length uint32) (uint32, error) {
	if uint64(off)+uint64(length) > uint64(p.Size) {
		return 0, fmt.Errorf("%s partition: %w: [%#x, %#x) of %d bytes", p.Role, flash.ErrOutOfRange, off, uint64(off)+uint64(length), p.Size)
	}
	return p.Base + off, nil
}

// Erase erases length bytes starting at the partition offset.
func (p *Partition) Erase(off, length uint32) error {
	a, err := p.addr(off, length)
	if err != nil {
		return err
	}
	return p.Dev.Erase(a, length)
}

// WriteVerifyWord programs a word at the partition offset.
func (p *Partition) WriteVerifyWord(off uint32, word uint32) error {
	a, err := p.addr(off, flash.WordSize)
	if err != nil {
		return err
	}
	return p.Dev.WriteVerifyWord(a, word)
}

// WriteBytes programs b at the partition offset, see flash.WriteBytes.
func (p *Partition) WriteBytes(off uint32, b []byte) error {
	a, err := p.addr(off, uint32(len(b)))
	if err != nil {
		return err
	}
	return flash.WriteBytes(p.Dev, a, b)
}

// Read fills b with the bytes starting at the partition offset.
func (p *Partition) Read(off uint32, b []byte) error {
	a, err := p.addr(off, uint32(len(b)))
	if err != nil {
		return err
	}
	return p.Dev.Read(a, b)
}

// Layout groups the three partitions.
type Layout struct {
	Boot   *Partition
	Update *Partition
	Swap   *Partition
}

// Get returns the partition with the given role.
func (l *Layout) Get(r Role) (*Partition, error) {
	switch r {
	case Boot:
		return l.Boot, nil
	case Update:
		return l.Update, nil
	case Swap:
		return l.Swap, nil
	}
	return nil, fmt.Errorf("unknown partition role %d", int(r))
}

// Validate checks that the layout is self-consistent.
func (l *Layout) Validate() error {
	parts := []*Partition{l.Boot, l.Update, l.Swap}

	for i, p := range parts {
		if p == nil || p.Dev == nil {
			return fmt.Errorf("invalid layout: %s partition not configured", Role(i))
		}
		if p.Role != Role(i) {
			return fmt.Errorf("invalid layout: %s partition configured with role %s", Role(i), p.Role)
		}
		if p.SectorSize == 0 || p.SectorSize%flash.WordSize != 0 {
			return fmt.Errorf("invalid layout: %s sector size %d is not a multiple of the word size", p.Role, p.SectorSize)
		}
		if p.Base%p.SectorSize != 0 || p.Size%p.SectorSize != 0 {
			return fmt.Errorf("invalid layout: %s partition [%#x, +%#x) is not sector aligned", p.Role, p.Base, p.Size)
		}
		if uint64(p.Base)+uint64(p.Size) > 1<<32 {
			return fmt.Errorf("invalid layout: %s partition exceeds the address space", p.Role)
		}
	}

	if l.Boot.SectorSize != l.Update.SectorSize || l.Boot.SectorSize != l.Swap.SectorSize {
		return fmt.Errorf("invalid layout: sector sizes differ (boot %d, update %d, swap %d)", l.Boot.SectorSize, l.Update.SectorSize, l.Swap.SectorSize)
	}
	if l.Swap.Size != l.Swap.SectorSize {
		return fmt.Errorf("invalid layout: swap partition is %d bytes, must be exactly one %d byte sector", l.Swap.Size, l.Swap.SectorSize)
	}
	if l.Boot.Size != l.Update.Size {
		return fmt.Errorf("invalid layout: boot (%d bytes) and update (%d bytes) sizes differ", l.Boot.Size, l.Update.Size)
	}
	if l.Boot.Sectors() < 2 {
		return fmt.Errorf("invalid layout: boot partition needs at least 2 sectors, has %d", l.Boot.Sectors())
	}

	for i := range parts {
		for _, q := range parts[i+1:] {
			p := parts[i]
			if p.Dev == q.Dev && p.Base < q.Base+q.Size && q.Base < p.Base+p.Size {
				return fmt.Errorf("invalid layout: %s and %s partitions overlap", p.Role, q.Role)
			}
		}
	}

	return nil
}
