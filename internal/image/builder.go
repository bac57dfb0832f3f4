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

package image

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"strconv"

	"github.com/coreos/go-semver/semver"
)

// Builder assembles image headers.
type Builder struct {
	FirmwareSize uint32
	Version      uint32
	Timestamp    uint64
	Hash         []byte
	PubKey       []byte
	Signature    []byte
}

func appendRecord(b []byte, tag byte, v []byte) []byte {
	b = append(b, tag, byte(len(v)))
	return append(b, v...)
}

// Prefix returns the header bytes covered by the image digest.
func (b *Builder) Prefix() []byte {
	h := make([]byte, recordsOffset, HeaderSize)
	binary.LittleEndian.PutUint32(h[0:4], Magic)
	binary.LittleEndian.PutUint32(h[4:8], b.FirmwareSize)

	h = appendRecord(h, TagVersion, binary.LittleEndian.AppendUint32(nil, b.Version))
	h = appendRecord(h, TagTimestamp, binary.LittleEndian.AppendUint64(nil, b.Timestamp))

	return h
}

// Bytes returns the complete header. Records with no value are omitted.
func (b *Builder) Bytes() ([]byte, error) {
	h := b.Prefix()

	for _, r := range []struct {
		tag byte
		v   []byte
	}{
		{TagSHA256, b.Hash},
		{TagPubKey, b.PubKey},
		{TagSignature, b.Signature},
	} {
		if len(r.v) == 0 {
			continue
		}
		if want := recordLen[r.tag]; len(r.v) != want {
			return nil, fmt.Errorf("tag %#02x value has length %d, expected %d", r.tag, len(r.v), want)
		}
		h = appendRecord(h, r.tag, r.v)
	}

	h = append(h, TagEnd)
	if len(h) > HeaderSize {
		return nil, fmt.Errorf("header is %d bytes, exceeds %d", len(h), HeaderSize)
	}

	return append(h, bytes.Repeat([]byte{TagPadding}, HeaderSize-len(h))...), nil
}

// ComputeDigest returns the digest of an image with the given header prefix
// and firmware, as checked by Image.Digest.
func ComputeDigest(prefix, fw []byte) []byte {
	h := sha256.New()
	h.Write(prefix)
	h.Write(fw)
	return h.Sum(nil)
}

// PackSemver encodes v as major<<24 | minor<<16 | patch.
func PackSemver(v semver.Version) (uint32, error) {
	if v.Major < 0 || v.Major > 0xff || v.Minor < 0 || v.Minor > 0xff || v.Patch < 0 || v.Patch > 0xffff {
		return 0, fmt.Errorf("version %v does not fit the image version field", v)
	}
	return uint32(v.Major)<<24 | uint32(v.Minor)<<16 | uint32(v.Patch), nil
}

// Semver decodes a version packed with PackSemver.
func Semver(v uint32) semver.Version {
	return semver.Version{
		Major: int64(v >> 24),
		Minor: int64(v >> 16 & 0xff),
		Patch: int64(v & 0xffff),
	}
}

// ParseVersion accepts either a plain integer or a major.minor.patch
// version.
func ParseVersion(s string) (uint32, error) {
	if n, err := strconv.ParseUint(s, 0, 32); err == nil {
		return uint32(n), nil
	}

	v, err := semver.NewVersion(s)
	if err != nil {
		return 0, fmt.Errorf("invalid version %q: %v", s, err)
	}

	return PackSemver(*v)
}
