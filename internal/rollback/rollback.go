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

// Package rollback keeps the anti-rollback version floor in the RPMB
// partition of the eMMC, where it cannot be reverted by rewriting flash.
package rollback

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/transparency-dev/armored-witness-swapboot/rpmb"
	"golang.org/x/crypto/pbkdf2"
	"k8s.io/klog/v2"
)

const (
	// RPMB sector for CVE-2020-13799 mitigation
	DummySector = 0
	// RPMB sector holding the boot image version floor
	FloorSector = 1

	// version epoch length
	versionLength = 4

	iter = 4096
)

// Store provides authenticated access to RPMB sectors.
type Store interface {
	Read(offset uint16, buf []byte) error
	Write(offset uint16, buf []byte) error
}

// RPMB is a version floor stored in one RPMB sector.
type RPMB struct {
	store  Store
	sector uint16
}

// New returns a floor kept in the given sector of s.
func New(s Store, sector uint16) *RPMB {
	return &RPMB{store: s, sector: sector}
}

// DeriveKey returns the RPMB MAC key for a device from a device secret and
// its unique identifier.
func DeriveKey(secret, uid []byte) []byte {
	return pbkdf2.Key(secret, uid, iter, sha256.Size, sha256.New)
}

// Open initialises the RPMB partition of card with key and returns the floor
// kept in FloorSector.
//
// A card with no key is only programmed if allowProgram is set and returns
// no error, as programming is a one-time operation.
func Open(card rpmb.Card, key []byte, allowProgram func() error) (*RPMB, error) {
	p, err := rpmb.Init(card, key, DummySector, false)
	if err != nil {
		return nil, err
	}

	var e *rpmb.OperationError
	_, err = p.Counter(false)

	switch {
	case err == nil:
	case errors.As(err, &e) && e.Result == rpmb.AuthenticationKeyNotYetProgrammed:
		if allowProgram == nil {
			return nil, errors.New("RPMB authentication key not programmed")
		}
		if err := allowProgram(); err != nil {
			return nil, fmt.Errorf("refusing to program RPMB key: %v", err)
		}

		klog.Info("RPMB authentication key not yet programmed, programming")

		if err = p.ProgramKey(); err != nil {
			return nil, fmt.Errorf("could not program RPMB key: %v", err)
		}
	default:
		return nil, fmt.Errorf("could not read RPMB counter: %v", err)
	}

	// invalidate uncommitted writes (CVE-2020-13799)
	if err = p.Write(DummySector, nil); err != nil {
		return nil, fmt.Errorf("could not write RPMB dummy sector: %v", err)
	}

	return New(p, FloorSector), nil
}

// Version returns the version floor.
func (r *RPMB) Version() (uint32, error) {
	buf := make([]byte, versionLength)

	if err := r.store.Read(r.sector, buf); err != nil {
		return 0, err
	}

	return binary.BigEndian.Uint32(buf), nil
}

// Advance raises the version floor to v.
//
// If v is older than the current floor an error is returned, if it is equal
// nothing is written.
func (r *RPMB) Advance(v uint32) error {
	floor, err := r.Version()
	if err != nil {
		return err
	}

	switch {
	case floor > v:
		return fmt.Errorf("version mismatch, %d is below floor %d", v, floor)
	case floor == v:
		return nil
	}

	klog.Infof("Advancing rollback floor from %d to %d", floor, v)

	buf := make([]byte, versionLength)
	binary.BigEndian.PutUint32(buf, v)

	return r.store.Write(r.sector, buf)
}
