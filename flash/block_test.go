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

package flash

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/go-cmp/cmp"
)

// flakyCard fails the first failures block writes.
type flakyCard struct {
	Card
	failures int
	writes   int
}

func (f *flakyCard) WriteBlocks(lba int, data []byte) error {
	f.writes++
	if f.failures > 0 {
		f.failures--
		return errors.New("card busy")
	}
	return f.Card.WriteBlocks(lba, data)
}

func fileCard(t *testing.T, blocks int) *FileCard {
	t.Helper()
	c, err := CreateFileCard(filepath.Join(t.TempDir(), "card.bin"), 512, blocks)
	if err != nil {
		t.Fatalf("CreateFileCard: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestNewBlock(t *testing.T) {
	c := fileCard(t, 8)
	for _, test := range []struct {
		name       string
		offset     int64
		size       uint32
		sectorSize uint32
		wantErr    bool
	}{
		{
			name:       "works",
			offset:     1024,
			size:       2048,
			sectorSize: 1024,
		}, {
			name:       "unaligned offset",
			offset:     100,
			size:       2048,
			sectorSize: 1024,
			wantErr:    true,
		}, {
			name:       "sector smaller than block",
			size:       2048,
			sectorSize: 256,
			wantErr:    true,
		}, {
			name:       "partial sector",
			size:       1536,
			sectorSize: 1024,
			wantErr:    true,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			_, err := NewBlock(c, test.offset, test.size, test.sectorSize)
			if gotErr := err != nil; gotErr != test.wantErr {
				t.Fatalf("Got %v, wantErr %t", err, test.wantErr)
			}
		})
	}
}

func TestBlockReadWrite(t *testing.T) {
	c := fileCard(t, 8)
	b, err := NewBlock(c, 1024, 2048, 1024)
	if err != nil {
		t.Fatalf("NewBlock: %v", err)
	}
	if err := b.Unlock(); err != nil {
		t.Fatalf("Unlock: %v", err)
	}

	if err := b.WriteVerifyWord(1028, 0xdeadbeef); err != nil {
		t.Fatalf("WriteVerifyWord: %v", err)
	}
	got, err := ReadWord(b, 1028)
	if err != nil {
		t.Fatalf("ReadWord: %v", err)
	}
	if got != 0xdeadbeef {
		t.Fatalf("Got %#08x, want %#08x", got, 0xdeadbeef)
	}

	// The word lands at card offset 1024+1028.
	raw, err := c.Read(2052, 4)
	if err != nil {
		t.Fatalf("Card read: %v", err)
	}
	if diff := cmp.Diff([]byte{0xef, 0xbe, 0xad, 0xde}, raw); diff != "" {
		t.Fatalf("Got diff: %s", diff)
	}

	if err := b.Erase(1024, 1024); err != nil {
		t.Fatalf("Erase: %v", err)
	}
	sector := make([]byte, 1024)
	if err := b.Read(1024, sector); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if diff := cmp.Diff(bytes.Repeat([]byte{Erased}, 1024), sector); diff != "" {
		t.Fatalf("Got diff: %s", diff)
	}

	if err := b.Lock(); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if err := b.WriteVerifyWord(0, 0); !errors.Is(err, ErrLocked) {
		t.Fatalf("Got %v, want %v", err, ErrLocked)
	}
}

func TestBlockRetries(t *testing.T) {
	for _, test := range []struct {
		name       string
		failures   int
		wantWrites int
		wantErr    bool
	}{
		{
			name:       "no failures",
			wantWrites: 1,
		}, {
			name:       "recovers",
			failures:   DefaultRetries,
			wantWrites: DefaultRetries + 1,
		}, {
			name:       "gives up",
			failures:   DefaultRetries + 1,
			wantWrites: DefaultRetries + 1,
			wantErr:    true,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			fc := &flakyCard{Card: fileCard(t, 4), failures: test.failures}
			b, err := NewBlock(fc, 0, 2048, 512)
			if err != nil {
				t.Fatalf("NewBlock: %v", err)
			}
			b.BackOff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }
			if err := b.Unlock(); err != nil {
				t.Fatalf("Unlock: %v", err)
			}

			err = b.WriteVerifyWord(0, 0x01020304)
			if gotErr := err != nil; gotErr != test.wantErr {
				t.Fatalf("Got %v, wantErr %t", err, test.wantErr)
			}
			if fc.writes != test.wantWrites {
				t.Fatalf("Got %d writes, want %d", fc.writes, test.wantWrites)
			}
		})
	}
}

// stuckCard drops every write to the byte at bad.
type stuckCard struct {
	Card
	bad int64
}

func (s *stuckCard) WriteBlocks(lba int, data []byte) error {
	off := int64(lba * s.BlockSize())
	if i := s.bad - off; i >= 0 && i < int64(len(data)) {
		cur, err := s.Card.Read(s.bad, 1)
		if err != nil {
			return err
		}
		data = append([]byte{}, data...)
		data[i] = cur[0]
	}
	return s.Card.WriteBlocks(lba, data)
}

func TestBlockWriteBytes(t *testing.T) {
	for _, test := range []struct {
		name       string
		addr       uint32
		size       int
		wantWrites int
	}{
		{
			name:       "sector",
			addr:       1024,
			size:       1024,
			wantWrites: 1,
		}, {
			name:       "unaligned span",
			addr:       1028,
			size:       600,
			wantWrites: 1,
		}, {
			name:       "partial word",
			addr:       512,
			size:       7,
			wantWrites: 1,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			fc := &flakyCard{Card: fileCard(t, 8)}
			b, err := NewBlock(fc, 1024, 2048, 1024)
			if err != nil {
				t.Fatalf("NewBlock: %v", err)
			}
			if err := b.Unlock(); err != nil {
				t.Fatalf("Unlock: %v", err)
			}
			if err := b.Erase(0, 2048); err != nil {
				t.Fatalf("Erase: %v", err)
			}
			fc.writes = 0

			want := bytes.Repeat([]byte{Erased}, 2048)
			data := bytes.Repeat([]byte{0x5a}, test.size)
			copy(want[test.addr:], data)

			if err := WriteBytes(b, test.addr, data); err != nil {
				t.Fatalf("WriteBytes: %v", err)
			}
			if fc.writes != test.wantWrites {
				t.Errorf("Got %d card writes, want %d", fc.writes, test.wantWrites)
			}

			got := make([]byte, 2048)
			if err := b.Read(0, got); err != nil {
				t.Fatalf("Read: %v", err)
			}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Fatalf("Got diff: %s", diff)
			}
		})
	}
}

func TestBlockWriteVerify(t *testing.T) {
	c := &stuckCard{Card: fileCard(t, 4), bad: 700}
	b, err := NewBlock(c, 0, 2048, 512)
	if err != nil {
		t.Fatalf("NewBlock: %v", err)
	}
	if err := b.Unlock(); err != nil {
		t.Fatalf("Unlock: %v", err)
	}

	if err := b.WriteVerify(512, bytes.Repeat([]byte{0x11}, 512)); !errors.Is(err, ErrVerify) {
		t.Fatalf("Got %v, want %v", err, ErrVerify)
	}
	if err := b.WriteVerify(0, bytes.Repeat([]byte{0x11}, 512)); err != nil {
		t.Fatalf("WriteVerify: %v", err)
	}
	if err := b.WriteVerify(2, []byte{1, 2, 3, 4}); !errors.Is(err, ErrAlignment) {
		t.Fatalf("Got %v, want %v", err, ErrAlignment)
	}
	if err := b.WriteVerify(2048, []byte{1, 2, 3, 4}); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("Got %v, want %v", err, ErrOutOfRange)
	}
}
