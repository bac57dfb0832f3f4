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

package config

import (
	"strings"
	"testing"

	"github.com/transparency-dev/armored-witness-swapboot/flash"
	"github.com/transparency-dev/armored-witness-swapboot/internal/partition"
)

const valid = `
SectorSize: 0x200
AllowDowngrade: true
Internal:
  Path: internal.bin
  Size: 0xa00
External:
  Path: external.bin
  Size: 0x800
  BlockSize: 512
Boot:
  Device: internal
  Base: 0
  Size: 0x800
Update:
  Device: external
  Base: 0
  Size: 0x800
Swap:
  Device: internal
  Base: 0x800
  Size: 0x200
VerifierKeys:
  - key+1234+AAAA
`

func TestExample(t *testing.T) {
	c, err := Load("../../cmd/swapemu/swapemu.yaml")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.External == nil || c.Update.Device != External {
		t.Errorf("Example does not place the update partition on the external device")
	}
}

func TestParse(t *testing.T) {
	for _, test := range []struct {
		name    string
		edits   [][2]string
		wantErr bool
	}{
		{
			name: "valid",
		}, {
			name:    "update overlaps boot",
			edits:   [][2]string{{"Device: external", "Device: internal"}},
			wantErr: true,
		}, {
			name:    "unknown device",
			edits:   [][2]string{{"Device: external", "Device: usb"}},
			wantErr: true,
		}, {
			name:    "missing sector size",
			edits:   [][2]string{{"SectorSize: 0x200", ""}},
			wantErr: true,
		}, {
			name:    "block size larger than sector",
			edits:   [][2]string{{"BlockSize: 512", "BlockSize: 1024"}},
			wantErr: true,
		}, {
			name:    "unaligned device",
			edits:   [][2]string{{"Size: 0xa00", "Size: 0xa10"}},
			wantErr: true,
		}, {
			name:    "overlapping swap",
			edits:   [][2]string{{"Base: 0x800\n  Size: 0x200", "Base: 0x600\n  Size: 0x200"}},
			wantErr: true,
		}, {
			name:    "partition beyond device",
			edits:   [][2]string{{"Base: 0x800\n  Size: 0x200", "Base: 0xa00\n  Size: 0x200"}},
			wantErr: true,
		}, {
			name:    "sector smaller than header",
			edits:   [][2]string{{"SectorSize: 0x200", "SectorSize: 0x80"}, {"BlockSize: 512", "BlockSize: 128"}},
			wantErr: true,
		}, {
			name:    "malformed",
			edits:   [][2]string{{"SectorSize: 0x200", "SectorSize: ["}},
			wantErr: true,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			y := valid
			for _, e := range test.edits {
				y = strings.Replace(y, e[0], e[1], 1)
			}

			_, err := Parse([]byte(y))
			if (err != nil) != test.wantErr {
				t.Fatalf("Got %v, wantErr %t", err, test.wantErr)
			}
		})
	}
}

func TestLayout(t *testing.T) {
	c, err := Parse([]byte(valid))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	in := flash.NewMem(c.Internal.Size, c.SectorSize)
	ex := flash.NewMem(c.External.Size, c.SectorSize)

	l, err := c.Layout(map[string]flash.Device{Internal: in, External: ex})
	if err != nil {
		t.Fatalf("Layout: %v", err)
	}
	if err := l.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	for _, test := range []struct {
		p    *partition.Partition
		dev  flash.Device
		base uint32
	}{
		{l.Boot, in, 0},
		{l.Update, ex, 0},
		{l.Swap, in, 0x800},
	} {
		if test.p.Dev != test.dev || test.p.Base != test.base || test.p.SectorSize != c.SectorSize {
			t.Errorf("%s partition: got %+v", test.p.Role, test.p)
		}
	}

	if _, err := c.Layout(map[string]flash.Device{Internal: in}); err == nil {
		t.Error("Layout without the external device succeeded")
	}
	if !c.AllowDowngrade || len(c.VerifierKeys) != 1 {
		t.Errorf("Got AllowDowngrade %t with %d keys", c.AllowDowngrade, len(c.VerifierKeys))
	}
}
