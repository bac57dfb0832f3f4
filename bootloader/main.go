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

// The bootloader program verifies and executes the firmware stored on the
// USB armory eMMC, applying or rolling back staged updates first.
package main

import (
	"bytes"
	"crypto/aes"
	"errors"
	"fmt"
	"log"
	"os"
	"runtime"

	usbarmory "github.com/usbarmory/tamago/board/usbarmory/mk2"
	"github.com/usbarmory/tamago/soc/nxp/imx6ul"

	"github.com/usbarmory/crucible/otp"

	"github.com/transparency-dev/armored-witness-swapboot/internal/boot"
	"github.com/transparency-dev/armored-witness-swapboot/internal/rollback"
	"github.com/transparency-dev/armored-witness-swapboot/internal/verify"
)

// initialized at compile time (see Makefile)
var (
	Build          string
	Revision       string
	PublicKey      string
	AllowDowngrade string
)

var Storage = usbarmory.MMC

const (
	diversifierMAC = "ArmoryBootMAC"

	// RPMB OTP flag bank
	rpmbFuseBank = 4
	// RPMB OTP flag word
	rpmbFuseWord = 6
)

func init() {
	log.SetFlags(log.Ltime)
	log.SetOutput(os.Stdout)

	if len(PublicKey) == 0 {
		log.Fatal("BL image authentication key is missing")
	}

	if imx6ul.Native {
		imx6ul.SetARMFreq(imx6ul.Freq792)
		imx6ul.DCP.Init()
	}

	log.Printf("%s/%s (%s) • boot loader • %s %s",
		runtime.GOOS, runtime.GOARCH, runtime.Version(),
		Revision, Build)
}

func floor() (boot.Floor, error) {
	if !imx6ul.Native || !imx6ul.SNVS.Available() {
		log.Print("BL skipping rollback protection")
		return nil, nil
	}

	dk, err := imx6ul.DCP.DeriveKey([]byte(diversifierMAC), make([]byte, aes.BlockSize), -1)
	if err != nil {
		return nil, err
	}

	uid := imx6ul.UniqueID()

	return rollback.Open(Storage, rollback.DeriveKey(dk, uid[:]), fuseProgramKey)
}

// fuseProgramKey blows a bit recording RPMB key programming, so that a
// replaced eMMC cannot be used to intercept a second programming.
func fuseProgramKey() error {
	if res, err := otp.ReadOCOTP(rpmbFuseBank, rpmbFuseWord, 0, 1); err != nil || bytes.Equal(res, []byte{1}) {
		return fmt.Errorf("could not read RPMB program key flag (%x, %v)", res, err)
	}

	if err := otp.BlowOCOTP(rpmbFuseBank, rpmbFuseWord, 0, 1, []byte{1}); err != nil {
		return fmt.Errorf("could not fuse RPMB program key flag (%v)", err)
	}

	return nil
}

func main() {
	usbarmory.LED("blue", false)
	usbarmory.LED("white", false)

	if err := Storage.Detect(); err != nil {
		log.Printf("BL failed to detect storage, %v", err)
		boot.Halt()
	}

	layout, err := layout(Storage)
	if err != nil {
		log.Printf("BL invalid flash layout, %v", err)
		boot.Halt()
	}

	v, err := verify.NewNotes(PublicKey)
	if err != nil {
		log.Printf("BL invalid authentication key, %v", err)
		boot.Halt()
	}

	f, err := floor()
	if err != nil {
		log.Printf("BL could not initialize rollback protection, %v", err)
		boot.Halt()
	}

	l, err := boot.New(boot.Config{
		Layout:         layout,
		Verifier:       v,
		AllowDowngrade: AllowDowngrade == "true",
		Floor:          f,
	})
	if err != nil {
		log.Printf("BL %v", err)
		boot.Halt()
	}

	h, err := l.Start()
	if err != nil {
		if errors.Is(err, boot.ErrHalt) {
			log.Printf("BL halting, %v", err)
		}
		boot.Halt()
	}

	usbarmory.LED("white", true)

	if err := execute(h); err != nil {
		log.Printf("BL execution error, %v", err)
	}

	// only reached on failure
	boot.Halt()
}
