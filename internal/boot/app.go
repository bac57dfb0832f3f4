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

package boot

import (
	"errors"
	"fmt"

	"github.com/transparency-dev/armored-witness-swapboot/api"
	"github.com/transparency-dev/armored-witness-swapboot/internal/image"
	"github.com/transparency-dev/armored-witness-swapboot/internal/partition"
	"github.com/transparency-dev/armored-witness-swapboot/internal/state"
	"github.com/transparency-dev/armored-witness-swapboot/internal/swap"
	"k8s.io/klog/v2"
)

// Progress is called after every programmed sector with the number of bytes
// written so far and the total.
type Progress func(done, total int)

// withUnlocked runs f with the device of p unlocked.
func withUnlocked(p *partition.Partition, f func() error) error {
	if err := p.Dev.Unlock(); err != nil {
		return &swap.StorageError{Op: "unlock", Role: p.Role, Err: err}
	}
	defer func() {
		if err := p.Dev.Lock(); err != nil {
			klog.Errorf("Failed to lock %s partition: %v", p.Role, err)
		}
	}()

	return f()
}

// ErrUnconfirmed is returned by update requests made while the running image
// has not been confirmed. Update then holds the image a roll back restores.
var ErrUnconfirmed = errors.New("boot image not confirmed")

// unconfirmed returns ErrUnconfirmed if the Boot partition is Testing.
func (l *Loader) unconfirmed() error {
	s, err := state.Effective(l.layout.Boot)
	if err != nil {
		return &swap.StorageError{Op: "get state", Role: partition.Boot, Err: err}
	}
	if s == state.Testing {
		return fmt.Errorf("%w, call ConfirmSuccess first", ErrUnconfirmed)
	}
	return nil
}

// TriggerUpdate marks the Update partition as Updating, the staged image is
// swapped in on the next boot. It fails with ErrUnconfirmed while the Boot
// partition is Testing.
func (l *Loader) TriggerUpdate() error {
	if err := l.unconfirmed(); err != nil {
		return err
	}
	return l.trigger()
}

func (l *Loader) trigger() error {
	p := l.layout.Update
	return withUnlocked(p, func() error {
		return state.SetPartitionState(p, state.Updating)
	})
}

// ConfirmSuccess marks the Boot partition as Success, so that the running
// image is kept across reboots, and raises the anti-rollback floor to its
// version.
func (l *Loader) ConfirmSuccess() error {
	p := l.layout.Boot
	if err := withUnlocked(p, func() error {
		return state.SetPartitionState(p, state.Success)
	}); err != nil {
		return err
	}

	if l.floor == nil {
		return nil
	}

	img, err := image.Open(p)
	if err != nil {
		return err
	}
	if !img.HeaderOK {
		return errors.New("boot partition has no valid image")
	}

	if err := l.floor.Advance(img.Version); err != nil {
		return fmt.Errorf("failed to advance rollback floor to %d: %w", img.Version, err)
	}

	return nil
}

// ImageVersion returns the version in the header of the image held by the
// partition, without verifying it. Partitions without a valid header report
// version 0.
func (l *Loader) ImageVersion(r partition.Role) (uint32, error) {
	p, err := l.layout.Get(r)
	if err != nil {
		return 0, err
	}
	return image.Version(p)
}

// ErasePartition erases the whole partition, trailer included.
func (l *Loader) ErasePartition(r partition.Role) error {
	p, err := l.layout.Get(r)
	if err != nil {
		return err
	}

	klog.Infof("Erasing %s partition", r)

	return withUnlocked(p, func() error {
		return p.Erase(0, p.Size)
	})
}

// StageUpdate erases the Update partition, which resets any swap progress,
// and writes img to it. The update is not triggered. It fails with
// ErrUnconfirmed while the Boot partition is Testing.
func (l *Loader) StageUpdate(img []byte, progress Progress) error {
	if err := l.unconfirmed(); err != nil {
		return err
	}
	return l.program(l.layout.Update, img, progress)
}

// InstallBoot erases the Boot partition and writes img to it directly,
// bypassing the swap. It is meant for factory programming.
func (l *Loader) InstallBoot(img []byte, progress Progress) error {
	return l.program(l.layout.Boot, img, progress)
}

func (l *Loader) program(p *partition.Partition, img []byte, progress Progress) error {
	if uint64(len(img)) > uint64(p.Capacity()) {
		return fmt.Errorf("%w: %d byte image, %s partition holds %d", swap.ErrCapacity, len(img), p.Role, p.Capacity())
	}

	klog.Infof("Programming %d bytes to %s partition", len(img), p.Role)

	return withUnlocked(p, func() error {
		if err := p.Erase(0, p.Size); err != nil {
			return &swap.StorageError{Op: "erase", Role: p.Role, Err: err}
		}

		ss := int(p.SectorSize)
		for off := 0; off < len(img); off += ss {
			n := min(ss, len(img)-off)
			if err := p.WriteBytes(uint32(off), img[off:off+n]); err != nil {
				return &swap.StorageError{Op: "write", Role: p.Role, Offset: uint32(off), Err: err}
			}

			if progress != nil {
				progress(off+n, len(img))
			}
		}

		return nil
	})
}

// Status returns the current partition versions and states.
func (l *Loader) Status() (*api.Status, error) {
	s := &api.Status{}

	for _, v := range []struct {
		p       *partition.Partition
		version *uint32
		state   *string
	}{
		{l.layout.Boot, &s.BootVersion, &s.BootState},
		{l.layout.Update, &s.UpdateVersion, &s.UpdateState},
	} {
		var err error
		if *v.version, err = image.Version(v.p); err != nil {
			return nil, err
		}

		st, err := state.PartitionState(v.p)
		switch {
		case errors.Is(err, state.ErrNotFound):
			*v.state = "-"
		case err != nil:
			return nil, err
		default:
			*v.state = st.String()
		}
	}

	f, err := state.SectorFlag(l.layout.Update, 0)
	switch {
	case errors.Is(err, state.ErrNotFound):
		s.Sector0 = "-"
	case err != nil:
		return nil, err
	default:
		s.Sector0 = f.String()
	}

	if l.floor != nil {
		v, err := l.floor.Version()
		if err != nil {
			return nil, fmt.Errorf("failed to read rollback floor: %w", err)
		}
		s.Floor = &v
	}

	return s, nil
}
