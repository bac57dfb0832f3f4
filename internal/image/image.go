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

// Package image reads and builds firmware images.
//
// An image starts with a fixed size header:
//
//	[0:4]   magic "WOLF"
//	[4:8]   firmware size, little endian
//	[8:]    tagged records: tag (1 byte), length (1 byte), value
//
// A padding tag is a record of its own, without length or value, and the end
// tag terminates the record chain. The firmware follows the header.
package image

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"

	"github.com/transparency-dev/armored-witness-swapboot/internal/partition"
	"k8s.io/klog/v2"
)

const (
	// HeaderSize is the size of the image header in bytes.
	HeaderSize = 256
	// Magic marks the start of an image header.
	Magic = 0x464c4f57

	recordsOffset = 8
)

// Record tags.
const (
	TagEnd       = 0x00
	TagVersion   = 0x01
	TagTimestamp = 0x02
	TagSHA256    = 0x03
	TagPubKey    = 0x10
	TagSignature = 0x20
	TagPadding   = 0xff
)

var recordLen = map[byte]int{
	TagVersion:   4,
	TagTimestamp: 8,
	TagSHA256:    sha256.Size,
	TagPubKey:    4,
	TagSignature: 64,
}

// Image is the content of a partition as found on flash.
//
// Images are never cached, every Open re-reads the partition.
type Image struct {
	Part *partition.Partition

	// MagicOK is set when the header magic is present, in which case
	// FirmwareSize holds the size field even if the rest of the header is
	// malformed.
	MagicOK bool
	// HeaderOK is set when the header is well formed and the firmware fits
	// in the partition.
	HeaderOK bool

	FirmwareSize uint32
	Version      uint32
	Timestamp    uint64
	Hash         []byte
	PubKey       []byte
	Signature    []byte

	Header [HeaderSize]byte

	// shaOffset is the header offset of the sha256 record, the digest
	// covers the header up to it.
	shaOffset int
}

// Open reads and parses the header of the image stored in p.
//
// Malformed headers are reported through HeaderOK, an error is only
// returned if the partition could not be read.
func Open(p *partition.Partition) (*Image, error) {
	img := &Image{Part: p, shaOffset: -1}

	if err := p.Read(0, img.Header[:]); err != nil {
		return nil, fmt.Errorf("failed to read %s image header: %w", p.Role, err)
	}

	if binary.LittleEndian.Uint32(img.Header[0:4]) != Magic {
		klog.V(2).Infof("No image in %s partition", p.Role)
		return img, nil
	}

	img.MagicOK = true
	img.FirmwareSize = binary.LittleEndian.Uint32(img.Header[4:8])

	if err := img.parse(); err != nil {
		klog.V(2).Infof("Invalid %s image header: %v", p.Role, err)
		return img, nil
	}

	if uint64(img.FirmwareSize)+HeaderSize > uint64(p.Capacity()) {
		klog.V(2).Infof("%s image firmware size %d exceeds partition capacity %d", p.Role, img.FirmwareSize, p.Capacity())
		return img, nil
	}

	img.HeaderOK = true

	return img, nil
}

func (img *Image) parse() error {
	h := img.Header[:]
	seen := make(map[byte]bool)

	for off := recordsOffset; ; {
		if off >= HeaderSize {
			return errors.New("missing end of header")
		}

		tag := h[off]
		switch tag {
		case TagEnd:
			return nil
		case TagPadding:
			off++
			continue
		}

		want, ok := recordLen[tag]
		if !ok {
			return fmt.Errorf("unknown tag %#02x @ %d", tag, off)
		}
		if seen[tag] {
			return fmt.Errorf("duplicate tag %#02x @ %d", tag, off)
		}
		seen[tag] = true

		if off+2 > HeaderSize {
			return fmt.Errorf("truncated tag %#02x @ %d", tag, off)
		}
		l := int(h[off+1])
		if l != want {
			return fmt.Errorf("tag %#02x @ %d has length %d, expected %d", tag, off, l, want)
		}
		if off+2+l > HeaderSize {
			return fmt.Errorf("truncated tag %#02x @ %d", tag, off)
		}
		v := h[off+2 : off+2+l]

		switch tag {
		case TagVersion:
			img.Version = binary.LittleEndian.Uint32(v)
		case TagTimestamp:
			img.Timestamp = binary.LittleEndian.Uint64(v)
		case TagSHA256:
			img.Hash = v
			img.shaOffset = off
		case TagPubKey:
			img.PubKey = v
		case TagSignature:
			img.Signature = v
		}

		off += 2 + l
	}
}

// FirmwareBase returns the device address of the first firmware byte.
func (img *Image) FirmwareBase() uint32 {
	return img.Part.Base + HeaderSize
}

// Firmware returns the firmware following a valid header.
func (img *Image) Firmware() ([]byte, error) {
	if !img.HeaderOK {
		return nil, errors.New("invalid image header")
	}

	fw := make([]byte, img.FirmwareSize)
	if err := img.Part.Read(HeaderSize, fw); err != nil {
		return nil, err
	}

	return fw, nil
}

// Digest returns the SHA-256 of the header bytes preceding the sha256
// record followed by the firmware.
func (img *Image) Digest() ([]byte, error) {
	if !img.HeaderOK {
		return nil, errors.New("invalid image header")
	}
	if img.shaOffset < 0 {
		return nil, errors.New("image has no sha256 record")
	}

	h := sha256.New()
	h.Write(img.Header[:img.shaOffset])

	if err := img.hashFirmware(h); err != nil {
		return nil, err
	}

	return h.Sum(nil), nil
}

func (img *Image) hashFirmware(h hash.Hash) error {
	buf := make([]byte, img.Part.SectorSize)

	for off := uint32(0); off < img.FirmwareSize; {
		n := img.FirmwareSize - off
		if n > uint32(len(buf)) {
			n = uint32(len(buf))
		}
		if err := img.Part.Read(HeaderSize+off, buf[:n]); err != nil {
			return fmt.Errorf("failed to read %s firmware @ %d: %w", img.Part.Role, off, err)
		}
		h.Write(buf[:n])
		off += n
	}

	return nil
}

// Version returns the version of the image stored in p, or 0 if p does not
// hold a valid header. Flash is read on every call.
func Version(p *partition.Partition) (uint32, error) {
	img, err := Open(p)
	if err != nil {
		return 0, err
	}
	if !img.HeaderOK {
		return 0, nil
	}
	return img.Version, nil
}
