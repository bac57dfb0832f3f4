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

//go:build tamago && arm
// +build tamago,arm

package main

import (
	"github.com/usbarmory/tamago/soc/nxp/usdhc"

	"github.com/transparency-dev/armored-witness-swapboot/flash"
	"github.com/transparency-dev/armored-witness-swapboot/internal/partition"
)

// eMMC layout, all partitions live in one region of the user area.
const (
	flashOffset = 0x00100000 // 1MB, after the boot loader itself
	sectorSize  = 0x00010000 // 64KB

	bootBase   = 0x00000000
	updateBase = 0x02000000
	swapBase   = 0x04000000

	imageSize = 0x02000000 // 32MB
	flashSize = swapBase + sectorSize
)

func layout(card *usdhc.USDHC) (*partition.Layout, error) {
	dev, err := flash.NewBlock(flash.MMC{USDHC: card}, flashOffset, flashSize, sectorSize)
	if err != nil {
		return nil, err
	}

	return &partition.Layout{
		Boot: &partition.Partition{
			Role:       partition.Boot,
			Base:       bootBase,
			Size:       imageSize,
			SectorSize: sectorSize,
			Dev:        dev,
		},
		Update: &partition.Partition{
			Role:       partition.Update,
			Base:       updateBase,
			Size:       imageSize,
			SectorSize: sectorSize,
			Dev:        dev,
		},
		Swap: &partition.Partition{
			Role:       partition.Swap,
			Base:       swapBase,
			Size:       sectorSize,
			SectorSize: sectorSize,
			Dev:        dev,
		},
	}, nil
}
