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
	"fmt"
	"os"
)

// FileCard is a block card backed by a regular file, used to emulate
// external flash on a host.
type FileCard struct {
	f         *os.File
	blockSize int
	blocks    int
}

var _ Card = &FileCard{}

// CreateFileCard creates, or truncates, the file at path and fills it with
// the given number of erased blocks.
func CreateFileCard(path string, blockSize, blocks int) (*FileCard, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}

	if _, err := f.Write(bytes.Repeat([]byte{Erased}, blockSize*blocks)); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to initialise %q: %v", path, err)
	}

	return &FileCard{f: f, blockSize: blockSize, blocks: blocks}, nil
}

// OpenFileCard opens a card previously created with CreateFileCard.
func OpenFileCard(path string, blockSize int) (*FileCard, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	if fi.Size()%int64(blockSize) != 0 {
		f.Close()
		return nil, fmt.Errorf("card image %q size %d is not a multiple of %d byte blocks", path, fi.Size(), blockSize)
	}

	return &FileCard{f: f, blockSize: blockSize, blocks: int(fi.Size() / int64(blockSize))}, nil
}

// Close releases the backing file.
func (c *FileCard) Close() error {
	return c.f.Close()
}

// BlockSize returns the card block size in bytes.
func (c *FileCard) BlockSize() int {
	return c.blockSize
}

// Read returns size bytes at offset.
func (c *FileCard) Read(offset int64, size int64) ([]byte, error) {
	l := int64(c.blocks * c.blockSize)
	if offset < 0 || offset+size > l {
		return nil, fmt.Errorf("read [%d, %d) past end of card (%d)", offset, offset+size, l)
	}

	b := make([]byte, size)
	if _, err := c.f.ReadAt(b, offset); err != nil {
		return nil, err
	}

	return b, nil
}

// WriteBlocks writes b starting at the given block, padding it up to a
// whole number of blocks.
func (c *FileCard) WriteBlocks(lba int, b []byte) error {
	if r := len(b) % c.blockSize; r != 0 {
		b = append(b, make([]byte, c.blockSize-r)...)
	}

	if n := len(b) / c.blockSize; lba < 0 || lba+n > c.blocks {
		return fmt.Errorf("write of %d blocks @ lba %d past end of card (%d blocks)", n, lba, c.blocks)
	}

	_, err := c.f.WriteAt(b, int64(lba*c.blockSize))

	return err
}
