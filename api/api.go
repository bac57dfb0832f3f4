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

// Package api defines the records the boot loader shares with the
// application and with host tools.
package api

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/transparency-dev/armored-witness-swapboot/internal/image"
	"google.golang.org/protobuf/encoding/protowire"
)

// BootInfo field numbers.
const (
	fieldBootVersion  protowire.Number = 1
	fieldBootState    protowire.Number = 2
	fieldUpdateState  protowire.Number = 3
	fieldFirmwareSize protowire.Number = 4
	fieldEntry        protowire.Number = 5
	fieldSwapped      protowire.Number = 6
	fieldRecovered    protowire.Number = 7
	fieldTimestamp    protowire.Number = 8
)

// BootInfo is handed to the application when control is transferred to it.
type BootInfo struct {
	// BootVersion is the version of the executed image.
	BootVersion uint32
	// BootState and UpdateState are the raw partition state bytes at
	// hand-off.
	BootState   uint8
	UpdateState uint8
	// FirmwareSize is the size of the executed firmware.
	FirmwareSize uint32
	// Entry is the address control is transferred to.
	Entry uint32
	// Swapped is set when an update or roll back was applied on this boot.
	Swapped bool
	// Recovered is set when the boot image was restored after failing
	// verification.
	Recovered bool
	// Timestamp is the build time of the executed image.
	Timestamp uint64
}

func appendVarint(b []byte, n protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, n, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

// Bytes serializes the record in protobuf wire format.
func (i *BootInfo) Bytes() []byte {
	var b []byte

	b = appendVarint(b, fieldBootVersion, uint64(i.BootVersion))
	b = appendVarint(b, fieldBootState, uint64(i.BootState))
	b = appendVarint(b, fieldUpdateState, uint64(i.UpdateState))
	b = appendVarint(b, fieldFirmwareSize, uint64(i.FirmwareSize))
	b = appendVarint(b, fieldEntry, uint64(i.Entry))
	b = appendVarint(b, fieldSwapped, protowire.EncodeBool(i.Swapped))
	b = appendVarint(b, fieldRecovered, protowire.EncodeBool(i.Recovered))
	b = appendVarint(b, fieldTimestamp, i.Timestamp)

	return b
}

// ParseBootInfo deserializes a record produced by Bytes, unknown fields are
// skipped.
func ParseBootInfo(b []byte) (*BootInfo, error) {
	i := &BootInfo{}

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]

		if typ != protowire.VarintType {
			if n = protowire.ConsumeFieldValue(num, typ, b); n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
			continue
		}

		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]

		switch num {
		case fieldBootVersion:
			i.BootVersion = uint32(v)
		case fieldBootState:
			i.BootState = uint8(v)
		case fieldUpdateState:
			i.UpdateState = uint8(v)
		case fieldFirmwareSize:
			i.FirmwareSize = uint32(v)
		case fieldEntry:
			i.Entry = uint32(v)
		case fieldSwapped:
			i.Swapped = protowire.DecodeBool(v)
		case fieldRecovered:
			i.Recovered = protowire.DecodeBool(v)
		case fieldTimestamp:
			i.Timestamp = v
		}
	}

	if i.Entry == 0 {
		return nil, errors.New("boot info has no entry point")
	}

	return i, nil
}

// Status reports the partitions as seen by the boot loader.
type Status struct {
	Build    string
	Revision string

	BootVersion   uint32
	BootState     string
	UpdateVersion uint32
	UpdateState   string
	// Sector0 is the swap progress flag of the first sector.
	Sector0 string
	// Floor is the anti-rollback version floor, if any.
	Floor *uint32
}

func version(v uint32) string {
	sv := image.Semver(v)
	return fmt.Sprintf("%d (%s)", v, sv.String())
}

// Print returns the boot loader status in textual format.
func (p *Status) Print() string {
	var status bytes.Buffer

	status.WriteString("------------------------------------------------------------ Boot ROM ----\n")
	status.WriteString(fmt.Sprintf("Revision ...............: %s\n", p.Revision))
	status.WriteString(fmt.Sprintf("Build ..................: %s\n", p.Build))
	status.WriteString(fmt.Sprintf("Boot version ...........: %s\n", version(p.BootVersion)))
	status.WriteString(fmt.Sprintf("Boot state .............: %s\n", p.BootState))
	status.WriteString(fmt.Sprintf("Update version .........: %s\n", version(p.UpdateVersion)))
	status.WriteString(fmt.Sprintf("Update state ...........: %s\n", p.UpdateState))
	status.WriteString(fmt.Sprintf("Swap progress ..........: %s", p.Sector0))

	if p.Floor != nil {
		status.WriteString(fmt.Sprintf("\nRollback floor .........: %s", version(*p.Floor)))
	}

	return status.String()
}

// Time returns the build timestamp of the executed image.
func (i *BootInfo) Time() time.Time {
	return time.Unix(int64(i.Timestamp), 0)
}
