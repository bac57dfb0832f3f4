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
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"k8s.io/klog/v2"
)

// DefaultRetries is the number of times a failed block write is retried
// before the error is reported.
const DefaultRetries = 3

// Card represents a block addressed storage card, such as an eMMC or an SPI
// flash behind a block translation layer.
type Card interface {
	// Read returns size bytes starting at the byte offset.
	Read(offset int64, size int64) ([]byte, error)
	// WriteBlocks writes data, which must be a whole number of blocks,
	// starting at the given block.
	WriteBlocks(lba int, data []byte) error
	// BlockSize returns the card block size in bytes.
	BlockSize() int
}

// Block exposes a region of a Card as a flash Device.
//
// Unlike NOR flash a block card overwrites data, writes are therefore
// performed as a read-modify-write of the containing blocks. Block implements
// Programmer so that whole sectors are written with one card write.
type Block struct {
	mu sync.Mutex

	card       Card
	offset     int64
	size       uint32
	sectorSize uint32
	locked     bool

	// Retries bounds the retries of a failed block write.
	Retries uint64
	// BackOff returns the retry policy for a block write, when nil an
	// exponential policy is used.
	BackOff func() backoff.BackOff
}

var (
	_ Device     = &Block{}
	_ Programmer = &Block{}
)

// NewBlock returns a locked Device covering size bytes of card starting at
// the byte offset, which must be block aligned as must the sector size.
func NewBlock(card Card, offset int64, size, sectorSize uint32) (*Block, error) {
	bs := card.BlockSize()

	switch {
	case bs <= 0 || bs%WordSize != 0:
		return nil, fmt.Errorf("invalid card block size %d", bs)
	case offset%int64(bs) != 0:
		return nil, fmt.Errorf("offset %#x is not aligned to %d byte blocks", offset, bs)
	case sectorSize == 0 || sectorSize%uint32(bs) != 0:
		return nil, fmt.Errorf("sector size %d is not a multiple of %d byte blocks", sectorSize, bs)
	case size%sectorSize != 0:
		return nil, fmt.Errorf("size %d is not a multiple of %d byte sectors", size, sectorSize)
	}

	return &Block{
		card:       card,
		offset:     offset,
		size:       size,
		sectorSize: sectorSize,
		locked:     true,
		Retries:    DefaultRetries,
	}, nil
}

func (b *Block) backOff() backoff.BackOff {
	if b.BackOff != nil {
		return b.BackOff()
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 10 * time.Millisecond
	eb.MaxElapsedTime = 5 * time.Second

	return eb
}

func (b *Block) writeBlocks(addr uint32, data []byte) error {
	bs := b.card.BlockSize()
	lba := int((b.offset + int64(addr)) / int64(bs))

	op := func() error {
		return b.card.WriteBlocks(lba, data)
	}

	notify := func(err error, d time.Duration) {
		klog.Warningf("Block write @ lba %d failed, retrying in %v: %v", lba, d, err)
	}

	return backoff.RetryNotify(op, backoff.WithMaxRetries(b.backOff(), b.Retries), notify)
}

func (b *Block) checkRange(addr, length uint32) error {
	if uint64(addr)+uint64(length) > uint64(b.size) {
		return fmt.Errorf("%w: [%#x, %#x) on %d byte device", ErrOutOfRange, addr, uint64(addr)+uint64(length), b.size)
	}
	return nil
}

// Erase writes the erased value over whole sectors.
func (b *Block) Erase(addr, length uint32) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.locked {
		return ErrLocked
	}

	if addr%b.sectorSize != 0 || length%b.sectorSize != 0 {
		return fmt.Errorf("%w: erase of %d bytes @ %#x with %d byte sectors", ErrAlignment, length, addr, b.sectorSize)
	}

	if err := b.checkRange(addr, length); err != nil {
		return err
	}

	erased := bytes.Repeat([]byte{Erased}, int(b.sectorSize))

	for a := addr; a < addr+length; a += b.sectorSize {
		if err := b.writeBlocks(a, erased); err != nil {
			return fmt.Errorf("erase @ %#x: %w", a, err)
		}
	}

	return nil
}

// WriteVerifyWord rewrites the block containing addr with the new word and
// verifies it by reading it back from the card.
func (b *Block) WriteVerifyWord(addr uint32, word uint32) error {
	return b.WriteVerify(addr, binary.LittleEndian.AppendUint32(nil, word))
}

// WriteVerify rewrites the blocks spanned by buf with a single card write and
// verifies them by reading buf back. Partially covered blocks are merged with
// their current content.
func (b *Block) WriteVerify(addr uint32, buf []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.locked {
		return ErrLocked
	}

	if addr%WordSize != 0 || len(buf)%WordSize != 0 {
		return fmt.Errorf("%w: write of %d bytes @ %#x", ErrAlignment, len(buf), addr)
	}

	if err := b.checkRange(addr, uint32(len(buf))); err != nil {
		return err
	}

	if len(buf) == 0 {
		return nil
	}

	bs := uint32(b.card.BlockSize())
	start := addr - addr%bs
	end := addr + uint32(len(buf))
	if r := end % bs; r != 0 {
		end += bs - r
	}

	blks := buf
	if start != addr || end != addr+uint32(len(buf)) {
		var err error
		if blks, err = b.card.Read(b.offset+int64(start), int64(end-start)); err != nil {
			return err
		}
		copy(blks[addr-start:], buf)
	}

	if err := b.writeBlocks(start, blks); err != nil {
		return fmt.Errorf("write @ %#x: %w", addr, err)
	}

	rb, err := b.card.Read(b.offset+int64(addr), int64(len(buf)))
	if err != nil {
		return err
	}

	if len(rb) != len(buf) {
		return fmt.Errorf("short read @ %#x, got %d bytes, expected %d", addr, len(rb), len(buf))
	}

	for i := range buf {
		if rb[i] != buf[i] {
			return fmt.Errorf("%w: @ %#x wrote %#02x, read %#02x", ErrVerify, addr+uint32(i), buf[i], rb[i])
		}
	}

	return nil
}

// Read fills p with the bytes starting at addr.
func (b *Block) Read(addr uint32, p []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkRange(addr, uint32(len(p))); err != nil {
		return err
	}

	if len(p) == 0 {
		return nil
	}

	buf, err := b.card.Read(b.offset+int64(addr), int64(len(p)))
	if err != nil {
		return err
	}

	if len(buf) != len(p) {
		return fmt.Errorf("short read @ %#x, got %d bytes, expected %d", addr, len(buf), len(p))
	}

	copy(p, buf)

	return nil
}

// Unlock enables mutating operations.
func (b *Block) Unlock() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.locked = false

	return nil
}

// Lock disables mutating operations.
func (b *Block) Lock() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.locked = true

	return nil
}
