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

// Package verify checks the integrity and authenticity of firmware images.
//
// Images are signed with note ed25519 keys: the public key record holds the
// 4 byte key hash of the signer and the signature record holds the ed25519
// signature over the image digest.
package verify

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/transparency-dev/armored-witness-swapboot/internal/image"
	"golang.org/x/mod/sumdb/note"
	"k8s.io/klog/v2"
)

//go:generate mockgen -write_package_comment=false -package mock_verify -destination mock_verify/mock_verify.go github.com/transparency-dev/armored-witness-swapboot/internal/verify Verifier

// Verifier provides the verification verdicts on an image. Integrity must
// be established before Authenticity is asked for.
type Verifier interface {
	// Integrity returns whether the image digest matches its sha256 record.
	Integrity(img *image.Image) bool
	// Authenticity returns whether the image carries a valid signature over
	// its digest from a trusted key.
	Authenticity(img *image.Image) bool
}

// Bootable returns whether img has a valid header and passes the integrity
// and authenticity checks, in that order.
func Bootable(v Verifier, img *image.Image) bool {
	return img.HeaderOK && v.Integrity(img) && v.Authenticity(img)
}

// Notes verifies images against a set of trusted note verifier keys.
type Notes struct {
	verifiers []note.Verifier
}

// NewNotes returns a Notes trusting the given note verifier keys.
func NewNotes(vkeys ...string) (*Notes, error) {
	if len(vkeys) == 0 {
		return nil, errors.New("no verifier keys")
	}

	n := &Notes{}
	for _, k := range vkeys {
		v, err := note.NewVerifier(k)
		if err != nil {
			return nil, fmt.Errorf("invalid verifier key %q: %v", k, err)
		}
		n.verifiers = append(n.verifiers, v)
	}

	return n, nil
}

// Integrity recomputes the image digest and compares it with the stored one.
func (n *Notes) Integrity(img *image.Image) bool {
	if len(img.Hash) == 0 {
		return false
	}

	d, err := img.Digest()
	if err != nil {
		klog.Warningf("Failed to compute %s image digest: %v", img.Part.Role, err)
		return false
	}

	return bytes.Equal(d, img.Hash)
}

// Authenticity checks the image signature with the trusted key identified by
// the public key record.
func (n *Notes) Authenticity(img *image.Image) bool {
	if len(img.Hash) == 0 || len(img.PubKey) != 4 || len(img.Signature) == 0 {
		return false
	}

	kh := binary.BigEndian.Uint32(img.PubKey)
	for _, v := range n.verifiers {
		if v.KeyHash() == kh {
			return v.Verify(img.Hash, img.Signature)
		}
	}

	klog.V(2).Infof("No trusted key with hash %08x for %s image", kh, img.Part.Role)

	return false
}

// Sign returns a complete image holding fw, signed by s.
func Sign(fw []byte, version uint32, timestamp uint64, s note.Signer) ([]byte, error) {
	if uint64(len(fw)) > math.MaxUint32-image.HeaderSize {
		return nil, fmt.Errorf("firmware too large (%d bytes)", len(fw))
	}

	b := &image.Builder{
		FirmwareSize: uint32(len(fw)),
		Version:      version,
		Timestamp:    timestamp,
	}

	d := image.ComputeDigest(b.Prefix(), fw)

	sig, err := s.Sign(d)
	if err != nil {
		return nil, fmt.Errorf("failed to sign image: %v", err)
	}

	b.Hash = d
	b.PubKey = binary.BigEndian.AppendUint32(nil, s.KeyHash())
	b.Signature = sig

	hdr, err := b.Bytes()
	if err != nil {
		return nil, err
	}

	return append(hdr, fw...), nil
}
