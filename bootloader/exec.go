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
	"fmt"
	"log"

	usbarmory "github.com/usbarmory/tamago/board/usbarmory/mk2"
	"github.com/usbarmory/tamago/soc/nxp/imx6ul"

	"github.com/usbarmory/armory-boot/exec"

	"github.com/transparency-dev/armored-witness-swapboot/internal/boot"
)

// execute loads the verified ELF firmware and transfers control to it, it
// only returns on error.
func execute(h *boot.Handoff) error {
	elf, err := h.Image.Firmware()
	if err != nil {
		return err
	}

	image := &exec.ELFImage{
		Region: firmwareRegion,
		ELF:    elf,
	}

	if err = image.Load(); err != nil {
		return fmt.Errorf("could not load firmware, %v", err)
	}

	info := h.Info.Bytes()
	if len(info) > infoSize {
		return fmt.Errorf("boot info too large (%d bytes)", len(info))
	}
	_, buf := infoRegion.Reserve(len(info), 0)
	copy(buf, info)

	log.Printf("BL firmware loaded version:%d entry:%#x size:%d", h.Info.BootVersion, image.Entry(), len(elf))

	cleanup := func() {
		usbarmory.LED("blue", false)
		usbarmory.LED("white", false)
		imx6ul.ARM.DisableInterrupts()
	}

	return image.Boot(cleanup)
}
