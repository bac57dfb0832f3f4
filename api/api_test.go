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

package api

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestBootInfo(t *testing.T) {
	for _, test := range []struct {
		name    string
		info    *BootInfo
		extra   []byte
		wantErr bool
	}{
		{
			name: "complete",
			info: &BootInfo{
				BootVersion:  0x01020003,
				BootState:    0x10,
				UpdateState:  0xff,
				FirmwareSize: 123456,
				Entry:        0x80000100,
				Swapped:      true,
				Recovered:    true,
				Timestamp:    1700000000,
			},
		}, {
			name: "zero values",
			info: &BootInfo{Entry: 0x100},
		}, {
			name:  "unknown fields",
			info:  &BootInfo{Entry: 0x100, BootVersion: 2},
			extra: protowire.AppendBytes(protowire.AppendTag(nil, 99, protowire.BytesType), []byte("later")),
		}, {
			name:    "no entry",
			info:    &BootInfo{BootVersion: 1},
			wantErr: true,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			b := append(test.info.Bytes(), test.extra...)

			got, err := ParseBootInfo(b)
			if (err != nil) != test.wantErr {
				t.Fatalf("Got %v, wantErr %t", err, test.wantErr)
			}
			if err != nil {
				return
			}
			if diff := cmp.Diff(test.info, got); diff != "" {
				t.Errorf("BootInfo diff: %s", diff)
			}
		})
	}

	if _, err := ParseBootInfo([]byte{0x08}); err == nil {
		t.Error("ParseBootInfo of truncated record succeeded")
	}
}

func TestStatusPrint(t *testing.T) {
	floor := uint32(0x01000000)
	s := &Status{
		Build:         "user@host",
		Revision:      "v1.2.3",
		BootVersion:   0x01020003,
		BootState:     "TESTING",
		UpdateVersion: 0x01020002,
		UpdateState:   "-",
		Sector0:       "-",
	}

	got := s.Print()
	for _, want := range []string{"Boot ROM", "user@host", "16908291 (1.2.3)", "TESTING", "16908290 (1.2.2)"} {
		if !strings.Contains(got, want) {
			t.Errorf("Status %q does not contain %q", got, want)
		}
	}
	if strings.Contains(got, "Rollback floor") {
		t.Error("Status shows a rollback floor which is not set")
	}

	s.Floor = &floor
	if got := s.Print(); !strings.Contains(got, "Rollback floor .........: 16777216 (1.0.0)") {
		t.Errorf("Status %q does not show the rollback floor", got)
	}
}
