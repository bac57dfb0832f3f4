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

// Package swap implements the crash resumable exchange of the Boot and Update
// partition contents through the single sector Swap partition.
//
// Every sector goes through three copies, each recorded in the sector flag
// only once the copy has completed:
//
//	SectorNew      Update -> Swap  then SectorSwapping
//	SectorSwapping Boot   -> Update then SectorBackup
//	SectorBackup   Swap   -> Boot  then SectorUpdated
//
// An interrupted copy is repeated on the next run as its source is left
// untouched until the flag moves on. Running the exchange a second time over
// the result restores the original Boot image, which is how failed updates
// are rolled back.
package swap

import (
	"errors"
	"fmt"

	"github.com/transparency-dev/armored-witness-swapboot/flash"
	"github.com/transparency-dev/armored-witness-swapboot/internal/image"
	"github.com/transparency-dev/armored-witness-swapboot/internal/partition"
	"github.com/transparency-dev/armored-witness-swapboot/internal/state"
	"github.com/transparency-dev/armored-witness-swapboot/internal/verify"
	"k8s.io/klog/v2"
)

// Floor provides the lowest image version which may be installed.
type Floor interface {
	Version() (uint32, error)
}

// Engine swaps the Update image into the Boot partition.
type Engine struct {
	Boot   *partition.Partition
	Update *partition.Partition
	Swap   *partition.Partition

	Verifier verify.Verifier

	// AllowDowngrade lifts the requirement for a fresh update to have a
	// higher version than the Boot image.
	AllowDowngrade bool
	// Floor, if set, rejects fresh updates below its version.
	Floor Floor

	// buf holds one sector during copies.
	buf []byte
}

// CheckLayout returns an error if the layout cannot hold images and swap
// trailers.
func CheckLayout(l *partition.Layout) error {
	if err := l.Validate(); err != nil {
		return err
	}

	ss := l.Boot.SectorSize
	if ss < image.HeaderSize {
		return fmt.Errorf("invalid layout: %d byte sectors cannot hold the %d byte image header", ss, image.HeaderSize)
	}
	if ts := state.TrailerSize(l.Update.Sectors()); ts > ss {
		return fmt.Errorf("invalid layout: %d byte trailer for %d sectors exceeds the %d byte sector", ts, l.Update.Sectors(), ss)
	}

	return nil
}

// New returns an Engine for the given layout.
func New(l *partition.Layout, v verify.Verifier) (*Engine, error) {
	if err := CheckLayout(l); err != nil {
		return nil, err
	}

	return &Engine{
		Boot:     l.Boot,
		Update:   l.Update,
		Swap:     l.Swap,
		Verifier: v,
		buf:      make([]byte, l.Boot.SectorSize),
	}, nil
}

// Run exchanges the Boot and Update images, resuming an interrupted
// exchange if one is recorded, and finally marks Boot as Testing.
//
// A fresh exchange only starts if the Update image is valid and, unless
// fallback or AllowDowngrade are set, newer than the Boot image. Fallback is
// used to restore a previous image and never skips the image verification
// nor the Floor check.
func (e *Engine) Run(fallback bool) error {
	f0, err := e.flag(0)
	if err != nil {
		return err
	}

	bootHdr, updateHdr, err := e.headers(f0)
	if err != nil {
		return err
	}

	size := bootHdr.FirmwareSize
	if updateHdr.FirmwareSize > size {
		size = updateHdr.FirmwareSize
	}

	total := size + image.HeaderSize
	if total < image.HeaderSize {
		return fmt.Errorf("%w: firmware size %#x overflows", ErrCorruptState, size)
	}
	if total > e.Update.Capacity() {
		return fmt.Errorf("%w: %d bytes, partition holds %d", ErrCapacity, total, e.Update.Capacity())
	}

	if f0 == state.SectorNew {
		if err := e.check(bootHdr, updateHdr, fallback); err != nil {
			return err
		}
		klog.Infof("Starting swap of %d bytes, update version %d", total, updateHdr.Version)
	} else {
		klog.Infof("Resuming swap of %d bytes, sector 0 is %v", total, f0)
	}

	unlock, err := e.unlock()
	if err != nil {
		return err
	}
	defer unlock()

	ss := e.Boot.SectorSize
	for s := uint32(0); s*ss < total; s++ {
		if err := e.Step(s); err != nil {
			return err
		}
	}

	if err := e.cleanup((total + ss - 1) / ss * ss); err != nil {
		return err
	}

	if err := state.SetPartitionState(e.Boot, state.Testing); err != nil {
		return &StorageError{Op: "set state", Role: partition.Boot, Offset: e.Boot.Size, Err: err}
	}

	klog.Infof("Swap complete, boot partition is %v", state.Testing)

	return nil
}

// headers returns the images whose headers describe the Boot and Update
// firmware before the exchange started. Once sector 0 has been touched the
// original headers are read from where the recorded progress guarantees an
// intact copy.
func (e *Engine) headers(f0 state.Flag) (boot, update *image.Image, err error) {
	bootSrc, updateSrc := e.Boot, e.Update

	switch f0 {
	case state.SectorSwapping:
		updateSrc = e.Swap
	case state.SectorBackup:
		bootSrc, updateSrc = e.Update, e.Swap
	}

	if boot, err = image.Open(bootSrc); err != nil {
		return nil, nil, &StorageError{Op: "read", Role: bootSrc.Role, Err: err}
	}
	if update, err = image.Open(updateSrc); err != nil {
		return nil, nil, &StorageError{Op: "read", Role: updateSrc.Role, Err: err}
	}

	return boot, update, nil
}

func (e *Engine) check(boot, update *image.Image, fallback bool) error {
	switch {
	case !update.HeaderOK:
		return fmt.Errorf("%w: invalid update header", ErrVerification)
	case !e.Verifier.Integrity(update):
		return fmt.Errorf("%w: update integrity check failed", ErrVerification)
	case !e.Verifier.Authenticity(update):
		return fmt.Errorf("%w: update authenticity check failed", ErrVerification)
	}

	var bootVersion uint32
	if boot.HeaderOK {
		bootVersion = boot.Version
	}

	if !fallback && !e.AllowDowngrade && update.Version <= bootVersion {
		return fmt.Errorf("%w: update version %d is not newer than boot version %d", ErrVerification, update.Version, bootVersion)
	}

	if e.Floor != nil {
		f, err := e.Floor.Version()
		if err != nil {
			return fmt.Errorf("failed to read version floor: %w", err)
		}
		if update.Version < f {
			return fmt.Errorf("%w: update version %d is below the rollback floor %d", ErrVerification, update.Version, f)
		}
	}

	return nil
}

// unlock unlocks every device holding a partition and returns the function
// locking them again.
func (e *Engine) unlock() (func(), error) {
	var devs []flash.Device

	lock := func() {
		for _, d := range devs {
			if err := d.Lock(); err != nil {
				klog.Errorf("Failed to lock flash: %v", err)
			}
		}
	}

next:
	for _, p := range []*partition.Partition{e.Boot, e.Update, e.Swap} {
		for _, d := range devs {
			if d == p.Dev {
				continue next
			}
		}
		if err := p.Dev.Unlock(); err != nil {
			lock()
			return nil, &StorageError{Op: "unlock", Role: p.Role, Err: err}
		}
		devs = append(devs, p.Dev)
	}

	return lock, nil
}

// flag returns the progress flag of a sector, unrecorded and unknown values
// are reported as SectorNew.
func (e *Engine) flag(s uint32) (state.Flag, error) {
	f, err := state.SectorFlag(e.Update, s)
	switch {
	case errors.Is(err, state.ErrNotFound):
		return state.SectorNew, nil
	case err != nil:
		return state.SectorNew, &StorageError{Op: "get flag", Role: partition.Update, Offset: s, Err: err}
	case !f.Valid():
		klog.Warningf("Invalid flag %v for sector %d, treating as %v", f, s, state.SectorNew)
		return state.SectorNew, nil
	}
	return f, nil
}

func (e *Engine) setFlag(s uint32, f state.Flag) error {
	if err := state.SetSectorFlag(e.Update, s, f); err != nil {
		return &StorageError{Op: "set flag", Role: partition.Update, Offset: s, Err: err}
	}
	return nil
}

// Step advances sector s until it is SectorUpdated. A sector which is
// already SectorUpdated is left untouched. The devices must be unlocked.
func (e *Engine) Step(s uint32) error {
	f, err := e.flag(s)
	if err != nil {
		return err
	}

	for _, t := range []struct {
		from     state.Flag
		src, dst *partition.Partition
		to       state.Flag
	}{
		{state.SectorNew, e.Update, e.Swap, state.SectorSwapping},
		{state.SectorSwapping, e.Boot, e.Update, state.SectorBackup},
		{state.SectorBackup, e.Swap, e.Boot, state.SectorUpdated},
	} {
		if f != t.from {
			continue
		}
		if err := e.copySector(t.src, t.dst, s); err != nil {
			return err
		}
		if err := e.setFlag(s, t.to); err != nil {
			return err
		}
		klog.V(2).Infof("Sector %d: %s -> %s, %v", s, t.src.Role, t.dst.Role, t.to)
		f = t.to
	}

	return nil
}

// copySector erases the destination sector, then programs it with the source
// sector.
func (e *Engine) copySector(src, dst *partition.Partition, s uint32) error {
	if e.buf == nil {
		e.buf = make([]byte, e.Boot.SectorSize)
	}

	so, do := src.SectorOffset(s), dst.SectorOffset(s)

	if err := dst.Erase(do, dst.SectorSize); err != nil {
		return &StorageError{Op: "erase", Role: dst.Role, Offset: do, Err: err}
	}

	if err := src.Read(so, e.buf); err != nil {
		return &StorageError{Op: "read", Role: src.Role, Offset: so, Err: err}
	}

	if err := dst.WriteBytes(do, e.buf); err != nil {
		return &StorageError{Op: "write", Role: dst.Role, Offset: do, Err: err}
	}

	return nil
}

// cleanup erases Boot and Update from the end of the exchanged sectors,
// trailers included, and then the Swap sector.
func (e *Engine) cleanup(end uint32) error {
	for _, p := range []*partition.Partition{e.Boot, e.Update} {
		if end >= p.Size {
			continue
		}
		if err := p.Erase(end, p.Size-end); err != nil {
			return &StorageError{Op: "erase", Role: p.Role, Offset: end, Err: err}
		}
	}

	if err := e.Swap.Erase(0, e.Swap.SectorSize); err != nil {
		return &StorageError{Op: "erase", Role: partition.Swap, Err: err}
	}

	return nil
}
