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

// Package boot decides, on every boot, whether to apply or roll back an
// update and which image to hand control to.
package boot

import (
	"errors"
	"fmt"

	"github.com/transparency-dev/armored-witness-swapboot/api"
	"github.com/transparency-dev/armored-witness-swapboot/internal/image"
	"github.com/transparency-dev/armored-witness-swapboot/internal/partition"
	"github.com/transparency-dev/armored-witness-swapboot/internal/state"
	"github.com/transparency-dev/armored-witness-swapboot/internal/swap"
	"github.com/transparency-dev/armored-witness-swapboot/internal/verify"
	"k8s.io/klog/v2"
)

// ErrHalt is returned by Start when no verified image can be booted.
var ErrHalt = errors.New("no bootable image, halting")

// Floor is the anti-rollback version floor.
type Floor interface {
	// Version returns the lowest version which may be installed.
	Version() (uint32, error)
	// Advance raises the floor to v, lower values are an error.
	Advance(v uint32) error
}

// Config configures a Loader.
type Config struct {
	Layout   *partition.Layout
	Verifier verify.Verifier
	// AllowDowngrade permits updates which are not newer than the
	// running image.
	AllowDowngrade bool
	// Floor, if set, is enforced on updates and advanced on confirmation.
	Floor Floor
}

// Loader runs the boot decision and exposes the update controls used by the
// application.
type Loader struct {
	layout   *partition.Layout
	verifier verify.Verifier
	floor    Floor
	engine   *swap.Engine
}

// New returns a Loader for the given configuration.
func New(cfg Config) (*Loader, error) {
	if cfg.Layout == nil || cfg.Verifier == nil {
		return nil, errors.New("layout and verifier are required")
	}

	e, err := swap.New(cfg.Layout, cfg.Verifier)
	if err != nil {
		return nil, err
	}
	e.AllowDowngrade = cfg.AllowDowngrade
	if cfg.Floor != nil {
		e.Floor = cfg.Floor
	}

	return &Loader{
		layout:   cfg.Layout,
		verifier: cfg.Verifier,
		floor:    cfg.Floor,
		engine:   e,
	}, nil
}

// Engine returns the swap engine used by the loader.
func (l *Loader) Engine() *swap.Engine {
	return l.engine
}

// Handoff describes the verified image control is transferred to.
type Handoff struct {
	// Entry is the device address of the first firmware byte.
	Entry uint32
	Image *image.Image
	Info  *api.BootInfo
}

// Start runs the boot decision:
//
//  1. an Update partition marked Updating is swapped in, or the swap is
//     resumed;
//  2. otherwise a Boot partition left Testing by a previous swap is rolled
//     back by swapping again;
//  3. the Boot image is verified, and restored from Update once if invalid.
//
// Start returns ErrHalt when no verified image is available, in which case
// the caller must not execute anything.
func (l *Loader) Start() (*Handoff, error) {
	info := &api.BootInfo{}

	bootState, err := state.Effective(l.layout.Boot)
	if err != nil {
		klog.Errorf("Failed to read boot partition state: %v", err)
	}

	updateState, err := state.Effective(l.layout.Update)
	if err != nil {
		klog.Errorf("Failed to read update partition state: %v", err)
	}

	switch {
	case updateState == state.Updating:
		// Updates cannot be requested while Boot is Testing, so an update
		// pending then is an interrupted roll back, which must not be held
		// to the version gate.
		fallback := bootState == state.Testing
		klog.Infof("Update pending (fallback %t)", fallback)
		if err := l.engine.Run(fallback); err != nil {
			klog.Warningf("Update failed: %v", err)
		} else {
			info.Swapped = true
		}
	case bootState == state.Testing:
		klog.Infof("Boot image was not confirmed, rolling back")
		if err := l.trigger(); err != nil {
			klog.Warningf("Failed to trigger roll back: %v", err)
		} else if err := l.engine.Run(true); err != nil {
			klog.Warningf("Roll back failed: %v", err)
		} else {
			info.Swapped = true
		}
	}

	img, err := l.verifyBoot()
	if err != nil {
		klog.Warningf("Boot image rejected: %v", err)
		klog.Infof("Attempting recovery from update partition")

		if err := l.engine.Run(true); err != nil {
			klog.Errorf("Recovery failed: %v", err)
		}

		if img, err = l.verifyBoot(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrHalt, err)
		}

		info.Swapped = true
		info.Recovered = true
	}

	bs, _ := state.PartitionState(l.layout.Boot)
	us, _ := state.PartitionState(l.layout.Update)

	info.BootVersion = img.Version
	info.BootState = uint8(bs)
	info.UpdateState = uint8(us)
	info.FirmwareSize = img.FirmwareSize
	info.Entry = img.FirmwareBase()
	info.Timestamp = img.Timestamp

	klog.Infof("Booting image version %d, %d bytes @ %#x", img.Version, img.FirmwareSize, info.Entry)

	return &Handoff{
		Entry: info.Entry,
		Image: img,
		Info:  info,
	}, nil
}

func (l *Loader) verifyBoot() (*image.Image, error) {
	img, err := image.Open(l.layout.Boot)
	if err != nil {
		return nil, err
	}

	switch {
	case !img.HeaderOK:
		return nil, fmt.Errorf("%w: invalid header", swap.ErrVerification)
	case !l.verifier.Integrity(img):
		return nil, fmt.Errorf("%w: integrity check failed", swap.ErrVerification)
	case !l.verifier.Authenticity(img):
		return nil, fmt.Errorf("%w: authenticity check failed", swap.ErrVerification)
	}

	return img, nil
}

// Halt never returns. No image is executed and the device is left for an
// external watchdog to reset.
func Halt() {
	for {
	}
}
