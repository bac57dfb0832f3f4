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

package rpmb_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/transparency-dev/armored-witness-swapboot/rpmb"
	"github.com/transparency-dev/armored-witness-swapboot/rpmb/testonly"
)

func key(b byte) []byte {
	return bytes.Repeat([]byte{b}, 32)
}

func programmed(t *testing.T) (*testonly.Card, *rpmb.RPMB) {
	t.Helper()

	card := testonly.NewCard()
	p, err := rpmb.Init(card, key(1), 0, false)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := p.ProgramKey(); err != nil {
		t.Fatalf("ProgramKey: %v", err)
	}
	return card, p
}

func TestInit(t *testing.T) {
	for _, test := range []struct {
		name    string
		card    rpmb.Card
		key     []byte
		wantErr bool
	}{
		{
			name: "valid",
			card: testonly.NewCard(),
			key:  key(1),
		}, {
			name:    "no card",
			key:     key(1),
			wantErr: true,
		}, {
			name:    "short key",
			card:    testonly.NewCard(),
			key:     key(1)[:16],
			wantErr: true,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			if _, err := rpmb.Init(test.card, test.key, 0, false); (err != nil) != test.wantErr {
				t.Fatalf("Got %v, wantErr %t", err, test.wantErr)
			}
		})
	}
}

func TestKeyProgramming(t *testing.T) {
	card := testonly.NewCard()
	p, err := rpmb.Init(card, key(1), 0, false)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}

	var e *rpmb.OperationError
	if _, err := p.Counter(false); !errors.As(err, &e) || e.Result != rpmb.AuthenticationKeyNotYetProgrammed {
		t.Fatalf("Counter on blank card: got %v, want result %d", err, rpmb.AuthenticationKeyNotYetProgrammed)
	}

	if err := p.ProgramKey(); err != nil {
		t.Fatalf("ProgramKey: %v", err)
	}
	if err := p.ProgramKey(); !errors.As(err, &e) || e.Result != rpmb.GeneralFailure {
		t.Fatalf("Second ProgramKey: got %v, want result %d", err, rpmb.GeneralFailure)
	}

	n, err := p.Counter(true)
	if err != nil {
		t.Fatalf("Counter: %v", err)
	}
	if n != 0 {
		t.Errorf("Got counter %d, want 0", n)
	}
}

func TestReadWrite(t *testing.T) {
	card, p := programmed(t)

	want := []byte("rollback floor")
	if err := p.Write(3, want); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got := card.WriteCounter(); got != 1 {
		t.Errorf("Got write counter %d, want 1", got)
	}

	got := make([]byte, len(want))
	if err := p.Read(3, got); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Read diff: %s", diff)
	}

	// The dummy write on initialisation bumps the counter.
	if _, err := rpmb.Init(card, key(1), 0, true); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if got := card.WriteCounter(); got != 2 {
		t.Errorf("Got write counter %d, want 2", got)
	}

	if err := p.Write(0, make([]byte, rpmb.DataLength+1)); err == nil {
		t.Error("Oversized write succeeded")
	}
	var e *rpmb.OperationError
	if err := p.Write(testonly.Sectors, want); !errors.As(err, &e) || e.Result != rpmb.AddressFailure {
		t.Errorf("Write out of range: got %v, want result %d", err, rpmb.AddressFailure)
	}
}

func TestDroppedWrite(t *testing.T) {
	card, p := programmed(t)
	card.DropWrites = true

	if err := p.Write(1, []byte{1}); !errors.Is(err, rpmb.ErrCounter) {
		t.Fatalf("Got %v, want %v", err, rpmb.ErrCounter)
	}
}

func TestWrongKey(t *testing.T) {
	card, _ := programmed(t)

	p, err := rpmb.Init(card, key(2), 0, false)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}

	if _, err := p.Counter(true); !errors.Is(err, rpmb.ErrResponseMAC) {
		t.Errorf("Counter: got %v, want %v", err, rpmb.ErrResponseMAC)
	}
	if err := p.Read(1, make([]byte, 4)); !errors.Is(err, rpmb.ErrResponseMAC) {
		t.Errorf("Read: got %v, want %v", err, rpmb.ErrResponseMAC)
	}
}

func TestFrame(t *testing.T) {
	d := &rpmb.DataFrame{Req: rpmb.WriteCounterRead}
	d.WriteCounter = [4]byte{0, 0, 1, 2}

	b := d.Bytes()
	if len(b) != rpmb.FrameLength {
		t.Fatalf("Got %d byte frame, want %d", len(b), rpmb.FrameLength)
	}
	if b[rpmb.FrameLength-1] != rpmb.WriteCounterRead {
		t.Errorf("Request type not in the last byte")
	}

	got, err := rpmb.ParseFrame(b)
	if err != nil {
		t.Fatalf("ParseFrame: %v", err)
	}
	if got.Counter() != 0x0102 {
		t.Errorf("Got counter %#x, want %#x", got.Counter(), 0x0102)
	}

	if _, err := rpmb.ParseFrame(b[1:]); err == nil {
		t.Error("ParseFrame of short frame succeeded")
	}
}
