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
	_ "unsafe"

	"github.com/usbarmory/tamago/dma"
	"github.com/usbarmory/tamago/soc/nxp/imx6ul"
)

const (
	// Boot loader
	loaderStart = 0x80000000
	loaderSize  = 0x04000000 // 64MB

	// Boot loader DMA
	loaderDMAStart = 0x84000000
	loaderDMASize  = 0x01000000 // 16MB

	// Boot information handed to the firmware
	infoStart = 0x85000000
	infoSize  = 0x00001000 // 4KB

	// Firmware
	firmwareStart = 0x90000000
	firmwareSize  = 0x10000000 // 256MB
)

//go:linkname ramStart runtime.ramStart
var ramStart uint32 = loaderStart

//go:linkname ramSize runtime.ramSize
var ramSize uint32 = loaderSize

var (
	firmwareRegion *dma.Region
	infoRegion     *dma.Region
)

func init() {
	firmwareRegion, _ = dma.NewRegion(firmwareStart, firmwareSize, false)
	firmwareRegion.Reserve(firmwareSize, 0)

	infoRegion, _ = dma.NewRegion(infoStart, infoSize, false)

	dma.Init(loaderDMAStart, loaderDMASize)

	// key derivation for the RPMB MAC key
	deriveKeyMemory, _ := dma.NewRegion(imx6ul.OCRAM_START, imx6ul.OCRAM_SIZE, false)

	switch {
	case imx6ul.CAAM != nil:
		imx6ul.CAAM.DeriveKeyMemory = deriveKeyMemory
	case imx6ul.DCP != nil:
		imx6ul.DCP.DeriveKeyMemory = deriveKeyMemory
	}
}
