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

// Package testonly provides flash layouts and signed images for tests.
package testonly

import (
	"bytes"
	"crypto/rand"
	"errors"
	"testing"

	"github.com/transparency-dev/armored-witness-swapboot/flash"
	"github.com/transparency-dev/armored-witness-swapboot/internal/partition"
	"github.com/transparency-dev/armored-witness-swapboot/internal/verify"
	"golang.org/x/mod/sumdb/note"
)

const (
	// SectorSize is the sector size of test layouts.
	SectorSize = 512
	// Sectors is the number of sectors of the Boot and Update partitions.
	Sectors = 4
	// PartitionSize is the size of the Boot and Update partitions.
	PartitionSize = SectorSize * Sectors
)

// ErrPowerCut is returned by devices after a simulated power loss.
var ErrPowerCut = errors.New("power cut")

// Env is a test device: Boot and Swap share the internal flash, Update lives
// on a separate external one.
type Env struct {
	Layout   *partition.Layout
	Internal *flash.NOR
	External *flash.NOR
}

// NewEnv returns an Env with fully erased flash.
func NewEnv(t *testing.T) *Env {
	t.Helper()

	in := flash.NewMem(PartitionSize+SectorSize, SectorSize)
	ex := flash.NewMem(PartitionSize, SectorSize)

	return &Env{
		Internal: in,
		External: ex,
		Layout: &partition.Layout{
			Boot:   &partition.Partition{Role: partition.Boot, Base: 0, Size: PartitionSize, SectorSize: SectorSize, Dev: in},
			Update: &partition.Partition{Role: partition.Update, Base: 0, Size: PartitionSize, SectorSize: SectorSize, Dev: ex},
			Swap:   &partition.Partition{Role: partition.Swap, Base: PartitionSize, Size: SectorSize, SectorSize: SectorSize, Dev: in},
		},
	}
}

// Ops returns the number of mutating flash operations so far.
func (e *Env) Ops() uint64 {
	return e.Internal.Ops() + e.External.Ops()
}

// CutPowerAfter makes every flash operation fail once n more operations have
// been performed.
func (e *Env) CutPowerAfter(n int) {
	fault := func(flash.Op, uint32) error {
		if n <= 0 {
			return ErrPowerCut
		}
		n--
		return nil
	}
	e.Internal.Fault = fault
	e.External.Fault = fault
}

// Restore removes any fault and locks the devices, as after a reset.
func (e *Env) Restore(t *testing.T) {
	t.Helper()

	for _, d := range []*flash.NOR{e.Internal, e.External} {
		d.Fault = nil
		if err := d.Lock(); err != nil {
			t.Fatalf("Lock: %v", err)
		}
	}
}

// Content returns the image area of a partition.
func Content(t *testing.T, p *partition.Partition) []byte {
	t.Helper()

	b := make([]byte, p.Capacity())
	if err := p.Read(0, b); err != nil {
		t.Fatalf("Failed to read %s partition: %v", p.Role, err)
	}
	return b
}

// Write erases p and writes b to its start, bypassing the boot loader.
func Write(t *testing.T, p *partition.Partition, b []byte) {
	t.Helper()

	if err := p.Dev.Unlock(); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	defer p.Dev.Lock()

	if err := p.Erase(0, p.Size); err != nil {
		t.Fatalf("Failed to erase %s partition: %v", p.Role, err)
	}
	if err := flash.WriteBytes(p.Dev, p.Base, b); err != nil {
		t.Fatalf("Failed to write %s partition: %v", p.Role, err)
	}
}

// Signer returns a new note signer and its verifier key.
func Signer(t *testing.T, name string) (note.Signer, string) {
	t.Helper()

	skey, vkey, err := note.GenerateKey(rand.Reader, name)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	s, err := note.NewSigner(skey)
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	return s, vkey
}

// Verifier returns a verifier trusting the given keys.
func Verifier(t *testing.T, vkeys ...string) *verify.Notes {
	t.Helper()

	v, err := verify.NewNotes(vkeys...)
	if err != nil {
		t.Fatalf("NewNotes: %v", err)
	}
	return v
}

// Firmware returns n bytes of recognisable firmware.
func Firmware(n int, fill byte) []byte {
	return bytes.Repeat([]byte{fill}, n)
}

// Image returns a signed image holding fw.
func Image(t *testing.T, s note.Signer, version uint32, fw []byte) []byte {
	t.Helper()

	img, err := verify.Sign(fw, version, 1700000000, s)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	return img
}
