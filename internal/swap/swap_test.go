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

package swap_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/golang/mock/gomock"
	"github.com/google/go-cmp/cmp"
	"github.com/transparency-dev/armored-witness-swapboot/flash"
	"github.com/transparency-dev/armored-witness-swapboot/internal/image"
	"github.com/transparency-dev/armored-witness-swapboot/internal/state"
	"github.com/transparency-dev/armored-witness-swapboot/internal/swap"
	"github.com/transparency-dev/armored-witness-swapboot/internal/testonly"
	"github.com/transparency-dev/armored-witness-swapboot/internal/verify/mock_verify"
	"golang.org/x/mod/sumdb/note"
)

type fixture struct {
	env    *testonly.Env
	signer note.Signer
	engine *swap.Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	env := testonly.NewEnv(t)
	s, vkey := testonly.Signer(t, "test")
	e, err := swap.New(env.Layout, testonly.Verifier(t, vkey))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	return &fixture{env: env, signer: s, engine: e}
}

func (f *fixture) install(t *testing.T, bootVersion, updateVersion uint32) (bootImg, updateImg []byte) {
	t.Helper()

	bootImg = testonly.Image(t, f.signer, bootVersion, testonly.Firmware(700, 0x11))
	updateImg = testonly.Image(t, f.signer, updateVersion, testonly.Firmware(1000, 0x22))
	testonly.Write(t, f.env.Layout.Boot, bootImg)
	testonly.Write(t, f.env.Layout.Update, updateImg)

	return bootImg, updateImg
}

// padded returns b extended with erased bytes to the partition capacity.
func padded(b []byte) []byte {
	return append(append([]byte{}, b...), bytes.Repeat([]byte{flash.Erased}, testonly.PartitionSize-testonly.SectorSize-len(b))...)
}

func TestUpdate(t *testing.T) {
	f := newFixture(t)
	bootImg, updateImg := f.install(t, 1, 2)

	if err := f.engine.Run(false); err != nil {
		t.Fatalf("Update: %v", err)
	}

	if diff := cmp.Diff(padded(updateImg), testonly.Content(t, f.env.Layout.Boot)); diff != "" {
		t.Errorf("Boot partition diff: %s", diff)
	}
	if diff := cmp.Diff(padded(bootImg), testonly.Content(t, f.env.Layout.Update)); diff != "" {
		t.Errorf("Update partition diff: %s", diff)
	}

	st, err := state.PartitionState(f.env.Layout.Boot)
	if err != nil {
		t.Fatalf("PartitionState: %v", err)
	}
	if st != state.Testing {
		t.Errorf("Got boot state %v, want %v", st, state.Testing)
	}

	// The update trailer, and its sector flags, are gone.
	if _, err := state.SectorFlag(f.env.Layout.Update, 0); !errors.Is(err, state.ErrNotFound) {
		t.Errorf("Got %v, want %v", err, state.ErrNotFound)
	}

	swp := make([]byte, testonly.SectorSize)
	if err := f.env.Layout.Swap.Read(0, swp); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(swp, bytes.Repeat([]byte{flash.Erased}, testonly.SectorSize)) {
		t.Error("Swap partition not erased")
	}

	for _, d := range []*flash.NOR{f.env.Internal, f.env.External} {
		if err := d.WriteVerifyWord(0, 0); !errors.Is(err, flash.ErrLocked) {
			t.Errorf("Flash left unlocked: got %v, want %v", err, flash.ErrLocked)
		}
	}
}

func TestSelfInversion(t *testing.T) {
	f := newFixture(t)
	f.engine.AllowDowngrade = true
	bootImg, updateImg := f.install(t, 1, 2)

	for i := 0; i < 2; i++ {
		if err := f.engine.Run(false); err != nil {
			t.Fatalf("Update %d: %v", i, err)
		}
	}

	if diff := cmp.Diff(padded(bootImg), testonly.Content(t, f.env.Layout.Boot)); diff != "" {
		t.Errorf("Boot partition diff: %s", diff)
	}
	if diff := cmp.Diff(padded(updateImg), testonly.Content(t, f.env.Layout.Update)); diff != "" {
		t.Errorf("Update partition diff: %s", diff)
	}
}

func TestVersionGate(t *testing.T) {
	for _, test := range []struct {
		name           string
		bootVersion    uint32
		updateVersion  uint32
		allowDowngrade bool
		fallback       bool
		floor          uint32
		wantErr        error
	}{
		{
			name:          "newer",
			bootVersion:   5,
			updateVersion: 6,
		}, {
			name:          "same",
			bootVersion:   5,
			updateVersion: 5,
			wantErr:       swap.ErrVerification,
		}, {
			name:          "older",
			bootVersion:   5,
			updateVersion: 4,
			wantErr:       swap.ErrVerification,
		}, {
			name:           "same with downgrade allowed",
			bootVersion:    5,
			updateVersion:  5,
			allowDowngrade: true,
		}, {
			name:          "older on fallback",
			bootVersion:   5,
			updateVersion: 4,
			fallback:      true,
		}, {
			name:          "below floor on fallback",
			bootVersion:   5,
			updateVersion: 4,
			fallback:      true,
			floor:         5,
			wantErr:       swap.ErrVerification,
		}, {
			name:          "at floor",
			bootVersion:   5,
			updateVersion: 6,
			floor:         6,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			f := newFixture(t)
			f.engine.AllowDowngrade = test.allowDowngrade
			if test.floor > 0 {
				f.engine.Floor = fixedFloor(test.floor)
			}
			f.install(t, test.bootVersion, test.updateVersion)
			ops := f.env.Ops()

			err := f.engine.Run(test.fallback)
			if !errors.Is(err, test.wantErr) {
				t.Fatalf("Got %v, want %v", err, test.wantErr)
			}
			if test.wantErr != nil && f.env.Ops() != ops {
				t.Fatalf("Flash modified by rejected update: %d ops", f.env.Ops()-ops)
			}
		})
	}
}

type fixedFloor uint32

func (f fixedFloor) Version() (uint32, error) {
	return uint32(f), nil
}

func TestRejectedUpdates(t *testing.T) {
	other, _ := testonly.Signer(t, "other")

	for _, test := range []struct {
		name    string
		update  func(t *testing.T, f *fixture) []byte
		wantErr error
	}{
		{
			name: "no image",
			update: func(*testing.T, *fixture) []byte {
				return nil
			},
			wantErr: swap.ErrVerification,
		}, {
			name: "tampered firmware",
			update: func(t *testing.T, f *fixture) []byte {
				img := testonly.Image(t, f.signer, 2, testonly.Firmware(1000, 0x22))
				img[image.HeaderSize+10] ^= 0x01
				return img
			},
			wantErr: swap.ErrVerification,
		}, {
			name: "untrusted signer",
			update: func(t *testing.T, _ *fixture) []byte {
				return testonly.Image(t, other, 2, testonly.Firmware(1000, 0x22))
			},
			wantErr: swap.ErrVerification,
		}, {
			name: "oversized",
			update: func(*testing.T, *fixture) []byte {
				b := &image.Builder{FirmwareSize: testonly.PartitionSize - testonly.SectorSize - image.HeaderSize + 1, Version: 2}
				h, _ := b.Bytes()
				return h
			},
			wantErr: swap.ErrCapacity,
		}, {
			name: "size overflow",
			update: func(*testing.T, *fixture) []byte {
				b := &image.Builder{FirmwareSize: 0xfffffff0, Version: 2}
				h, _ := b.Bytes()
				return h
			},
			wantErr: swap.ErrCorruptState,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			f := newFixture(t)
			bootImg := testonly.Image(t, f.signer, 1, testonly.Firmware(700, 0x11))
			testonly.Write(t, f.env.Layout.Boot, bootImg)
			testonly.Write(t, f.env.Layout.Update, test.update(t, f))
			ops := f.env.Ops()

			if err := f.engine.Run(false); !errors.Is(err, test.wantErr) {
				t.Fatalf("Got %v, want %v", err, test.wantErr)
			}
			if f.env.Ops() != ops {
				t.Fatalf("Flash modified by rejected update: %d ops", f.env.Ops()-ops)
			}
			if diff := cmp.Diff(padded(bootImg), testonly.Content(t, f.env.Layout.Boot)); diff != "" {
				t.Fatalf("Boot partition diff: %s", diff)
			}
		})
	}
}

func TestVerificationOrder(t *testing.T) {
	for _, test := range []struct {
		name    string
		expect  func(m *mock_verify.MockVerifier)
		wantErr error
	}{
		{
			name: "integrity failure skips authenticity",
			expect: func(m *mock_verify.MockVerifier) {
				m.EXPECT().Integrity(gomock.Any()).Return(false)
			},
			wantErr: swap.ErrVerification,
		}, {
			name: "authenticity failure",
			expect: func(m *mock_verify.MockVerifier) {
				gomock.InOrder(
					m.EXPECT().Integrity(gomock.Any()).Return(true),
					m.EXPECT().Authenticity(gomock.Any()).Return(false),
				)
			},
			wantErr: swap.ErrVerification,
		}, {
			name: "both pass",
			expect: func(m *mock_verify.MockVerifier) {
				gomock.InOrder(
					m.EXPECT().Integrity(gomock.Any()).Return(true),
					m.EXPECT().Authenticity(gomock.Any()).Return(true),
				)
			},
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			defer ctrl.Finish()

			f := newFixture(t)
			f.install(t, 1, 2)

			m := mock_verify.NewMockVerifier(ctrl)
			test.expect(m)
			f.engine.Verifier = m

			if err := f.engine.Run(false); !errors.Is(err, test.wantErr) {
				t.Fatalf("Got %v, want %v", err, test.wantErr)
			}
		})
	}
}

func TestStepIdempotent(t *testing.T) {
	f := newFixture(t)
	_, updateImg := f.install(t, 1, 2)

	for _, d := range []*flash.NOR{f.env.Internal, f.env.External} {
		if err := d.Unlock(); err != nil {
			t.Fatalf("Unlock: %v", err)
		}
	}

	if err := f.engine.Step(0); err != nil {
		t.Fatalf("Step: %v", err)
	}
	flag, err := state.SectorFlag(f.env.Layout.Update, 0)
	if err != nil {
		t.Fatalf("SectorFlag: %v", err)
	}
	if flag != state.SectorUpdated {
		t.Fatalf("Got flag %v, want %v", flag, state.SectorUpdated)
	}

	ops := f.env.Ops()
	if err := f.engine.Step(0); err != nil {
		t.Fatalf("Step: %v", err)
	}
	if got := f.env.Ops(); got != ops {
		t.Fatalf("Step on an updated sector performed %d flash operations", got-ops)
	}

	got := make([]byte, testonly.SectorSize)
	if err := f.env.Layout.Boot.Read(0, got); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if diff := cmp.Diff(updateImg[:testonly.SectorSize], got); diff != "" {
		t.Fatalf("Boot sector 0 diff: %s", diff)
	}
}

func TestStorageFailure(t *testing.T) {
	f := newFixture(t)
	f.install(t, 1, 2)
	f.env.CutPowerAfter(10)

	err := f.engine.Run(false)

	var se *swap.StorageError
	if !errors.As(err, &se) {
		t.Fatalf("Got %v, want a StorageError", err)
	}
	if !errors.Is(err, testonly.ErrPowerCut) {
		t.Fatalf("Got %v, want %v", err, testonly.ErrPowerCut)
	}
}

// TestResume interrupts the swap at every flash operation and checks that a
// second run completes it, as long as the first run had not reached the
// final cleanup which discards the sector flags.
func TestResume(t *testing.T) {
	golden := newFixture(t)
	golden.install(t, 1, 2)
	start := golden.env.Ops()
	if err := golden.engine.Run(false); err != nil {
		t.Fatalf("Update: %v", err)
	}
	want := testonly.Content(t, golden.env.Layout.Boot)
	total := int(golden.env.Ops() - start)

	for n := 0; n < total; n++ {
		f := newFixture(t)
		f.signer = golden.signer
		f.engine.Verifier = golden.engine.Verifier
		f.install(t, 1, 2)
		f.env.CutPowerAfter(n)

		if err := f.engine.Run(false); !errors.Is(err, testonly.ErrPowerCut) {
			t.Fatalf("Cut after %d ops: got %v, want %v", n, err, testonly.ErrPowerCut)
		}
		f.env.Restore(t)

		// With the flags gone and the images exchanged, the cut hit the
		// final cleanup and a new run sees the older image as a candidate.
		_, flagErr := state.SectorFlag(f.env.Layout.Update, 0)
		cleaned := errors.Is(flagErr, state.ErrNotFound) && bytes.Equal(want, testonly.Content(t, f.env.Layout.Boot))

		err := f.engine.Run(false)
		switch {
		case cleaned:
			if !errors.Is(err, swap.ErrVerification) {
				t.Fatalf("Cut after %d ops: got %v, want %v", n, err, swap.ErrVerification)
			}
		case err != nil:
			t.Fatalf("Cut after %d ops: resume failed: %v", n, err)
		}

		if diff := cmp.Diff(want, testonly.Content(t, f.env.Layout.Boot)); diff != "" {
			t.Fatalf("Cut after %d ops: boot partition diff: %s", n, diff)
		}
	}
}
