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

// Package state persists the partition state byte and the per sector swap
// progress flags in the trailer at the end of the Boot and Update partitions.
//
// Trailer layout, as offsets from the end of the partition:
//
//	-4 .. -1   magic "BOOT"
//	-5         partition state
//	-6-i       flag of sector i
//
// All bytes of an erased trailer read as 0xff, which is the value of both
// New and SectorNew, so progress can be recorded by programming bits to zero
// without ever erasing the trailer.
package state

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/transparency-dev/armored-witness-swapboot/flash"
	"github.com/transparency-dev/armored-witness-swapboot/internal/partition"
	"k8s.io/klog/v2"
)

// Magic marks an initialised trailer.
const Magic = 0x544f4f42

const (
	magicSize = 4
	stateSize = 1
)

// ErrNotFound is returned when the partition trailer has not been initialised.
var ErrNotFound = errors.New("trailer not found")

// State is the persisted state of the Boot or Update partition.
type State uint8

const (
	New      State = 0xff
	Updating State = 0x70
	Testing  State = 0x10
	Success  State = 0x00
)

// Valid returns whether s is one of the defined states.
func (s State) Valid() bool {
	switch s {
	case New, Updating, Testing, Success:
		return true
	}
	return false
}

func (s State) String() string {
	switch s {
	case New:
		return "NEW"
	case Updating:
		return "UPDATING"
	case Testing:
		return "TESTING"
	case Success:
		return "SUCCESS"
	}
	return fmt.Sprintf("INVALID(%#02x)", uint8(s))
}

// Flag records how far a sector has progressed through a swap.
type Flag uint8

// Each flag value only clears bits of its predecessor.
const (
	SectorNew      Flag = 0xff
	SectorSwapping Flag = 0x0f
	SectorBackup   Flag = 0x03
	SectorUpdated  Flag = 0x00
)

// Valid returns whether f is one of the defined flags.
func (f Flag) Valid() bool {
	switch f {
	case SectorNew, SectorSwapping, SectorBackup, SectorUpdated:
		return true
	}
	return false
}

func (f Flag) String() string {
	switch f {
	case SectorNew:
		return "NEW"
	case SectorSwapping:
		return "SWAPPING"
	case SectorBackup:
		return "BACKUP"
	case SectorUpdated:
		return "UPDATED"
	}
	return fmt.Sprintf("INVALID(%#02x)", uint8(f))
}

// TrailerSize returns the number of bytes used by the trailer of a partition
// with the given number of sectors.
func TrailerSize(sectors uint32) uint32 {
	return magicSize + stateSize + sectors
}

func checkRole(p *partition.Partition) error {
	if p.Role == partition.Swap {
		return errors.New("swap partition has no trailer")
	}
	return nil
}

func stateOffset(p *partition.Partition) uint32 {
	return p.Size - magicSize - stateSize
}

func flagOffset(p *partition.Partition, sector uint32) (uint32, error) {
	if sector >= p.Sectors() {
		return 0, fmt.Errorf("sector %d out of range, %s partition has %d sectors", sector, p.Role, p.Sectors())
	}
	return p.Size - magicSize - stateSize - 1 - sector, nil
}

func hasMagic(p *partition.Partition) (bool, error) {
	w, err := readWord(p, p.Size-magicSize)
	if err != nil {
		return false, err
	}
	return w == Magic, nil
}

func readWord(p *partition.Partition, off uint32) (uint32, error) {
	var b [flash.WordSize]byte
	if err := p.Read(off, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func readByte(p *partition.Partition, off uint32) (uint8, error) {
	ok, err := hasMagic(p)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, ErrNotFound
	}

	var b [1]byte
	if err := p.Read(off, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

// writeByte updates a single trailer byte, initialising the trailer magic
// first if needed. The device must be unlocked.
func writeByte(p *partition.Partition, off uint32, v uint8) error {
	ok, err := hasMagic(p)
	if err != nil {
		return err
	}
	if !ok {
		klog.V(2).Infof("Initialising %s partition trailer", p.Role)
		if err := p.WriteVerifyWord(p.Size-magicSize, Magic); err != nil {
			return fmt.Errorf("failed to write %s trailer magic: %w", p.Role, err)
		}
	}

	wo := off &^ (flash.WordSize - 1)
	w, err := readWord(p, wo)
	if err != nil {
		return err
	}

	var b [flash.WordSize]byte
	binary.LittleEndian.PutUint32(b[:], w)
	if b[off-wo] == v {
		return nil
	}
	b[off-wo] = v

	return p.WriteVerifyWord(wo, binary.LittleEndian.Uint32(b[:]))
}

// PartitionState returns the state of p, or ErrNotFound if its trailer is
// not initialised.
func PartitionState(p *partition.Partition) (State, error) {
	if err := checkRole(p); err != nil {
		return New, err
	}

	b, err := readByte(p, stateOffset(p))
	if err != nil {
		return New, err
	}

	return State(b), nil
}

// SetPartitionState persists the state of p.
func SetPartitionState(p *partition.Partition, s State) error {
	if err := checkRole(p); err != nil {
		return err
	}

	if err := writeByte(p, stateOffset(p), uint8(s)); err != nil {
		return fmt.Errorf("failed to set %s partition state to %v: %w", p.Role, s, err)
	}

	return nil
}

// SectorFlag returns the swap progress flag of a sector, or ErrNotFound if
// the trailer of p is not initialised.
func SectorFlag(p *partition.Partition, sector uint32) (Flag, error) {
	if err := checkRole(p); err != nil {
		return SectorNew, err
	}

	off, err := flagOffset(p, sector)
	if err != nil {
		return SectorNew, err
	}

	b, err := readByte(p, off)
	if err != nil {
		return SectorNew, err
	}

	return Flag(b), nil
}

// SetSectorFlag persists the swap progress flag of a sector.
func SetSectorFlag(p *partition.Partition, sector uint32, f Flag) error {
	if err := checkRole(p); err != nil {
		return err
	}

	off, err := flagOffset(p, sector)
	if err != nil {
		return err
	}

	if err := writeByte(p, off, uint8(f)); err != nil {
		return fmt.Errorf("failed to set %s sector %d flag to %v: %w", p.Role, sector, f, err)
	}

	return nil
}

// Effective returns the state of p as used for boot decisions: an absent
// trailer or an unknown value are both treated as New. Storage errors are
// returned.
func Effective(p *partition.Partition) (State, error) {
	s, err := PartitionState(p)
	switch {
	case errors.Is(err, ErrNotFound):
		return New, nil
	case err != nil:
		return New, err
	case !s.Valid():
		klog.Warningf("Invalid %s partition state %v, treating as %v", p.Role, s, New)
		return New, nil
	}
	return s, nil
}
