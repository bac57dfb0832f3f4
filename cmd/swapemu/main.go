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

// The swapemu tool runs the boot loader against flash images stored in
// files, it is meant for development and testing of update flows on a host.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/cheggaaa/pb/v3"
	"github.com/transparency-dev/armored-witness-swapboot/flash"
	"github.com/transparency-dev/armored-witness-swapboot/internal/boot"
	"github.com/transparency-dev/armored-witness-swapboot/internal/config"
	"github.com/transparency-dev/armored-witness-swapboot/internal/partition"
	"github.com/transparency-dev/armored-witness-swapboot/internal/verify"
	"k8s.io/klog/v2"
)

var (
	configFile  = flag.String("config", "swapemu.yaml", "Device layout configuration file.")
	vkeyFile    = flag.String("vkey_file", "", "File containing an additional note verifier key trusted to sign images.")
	initFlash   = flag.Bool("init", false, "Create fully erased flash image files.")
	installFile = flag.String("install", "", "Image to program directly into the boot partition.")
	stageFile   = flag.String("stage", "", "Image to stage in the update partition.")
	trigger     = flag.Bool("trigger", false, "Trigger the staged update on next boot.")
	confirm     = flag.Bool("confirm", false, "Confirm the image in the boot partition.")
	erase       = flag.String("erase", "", "Erase a partition: boot, update or swap.")
	status      = flag.Bool("status", false, "Print the partition status.")
	doBoot      = flag.Bool("boot", false, "Run the boot decision and report the image to execute.")
	handoffFile = flag.String("handoff", "", "File to write the encoded boot info to after -boot.")
)

// haltExitCode is returned when the boot loader would halt.
const haltExitCode = 3

type device struct {
	dev    flash.Device
	closer io.Closer
}

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	if flag.NFlag() == 0 {
		flag.PrintDefaults()
		return
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		klog.Exitf("Failed to load config %q: %v", *configFile, err)
	}

	if *initFlash {
		initOrDie(cfg)
	}

	devs := openOrDie(cfg)
	defer func() {
		for _, d := range devs {
			if err := d.closer.Close(); err != nil {
				klog.Errorf("Close: %v", err)
			}
		}
	}()

	m := make(map[string]flash.Device)
	for n, d := range devs {
		m[n] = d.dev
	}

	layout, err := cfg.Layout(m)
	if err != nil {
		klog.Exitf("Invalid layout: %v", err)
	}

	l, err := boot.New(boot.Config{
		Layout:         layout,
		Verifier:       verifierOrDie(cfg),
		AllowDowngrade: cfg.AllowDowngrade,
	})
	if err != nil {
		klog.Exitf("Failed to create loader: %v", err)
	}

	if err := run(l); err != nil {
		if errors.Is(err, boot.ErrHalt) {
			fmt.Fprintf(os.Stderr, "HALT: %v\n", err)
			os.Exit(haltExitCode)
		}
		klog.Exitf("%v", err)
	}
}

func run(l *boot.Loader) error {
	if *erase != "" {
		r, err := partition.ParseRole(*erase)
		if err != nil {
			return err
		}
		if err := l.ErasePartition(r); err != nil {
			return err
		}
	}

	if *installFile != "" {
		if err := program(*installFile, "install", l.InstallBoot); err != nil {
			return err
		}
	}

	if *confirm {
		if err := l.ConfirmSuccess(); err != nil {
			return fmt.Errorf("failed to confirm boot image: %w", err)
		}
		klog.Infof("Boot image confirmed")
	}

	if *stageFile != "" {
		if err := program(*stageFile, "stage", l.StageUpdate); err != nil {
			return err
		}
	}

	if *trigger {
		if err := l.TriggerUpdate(); err != nil {
			return fmt.Errorf("failed to trigger update: %w", err)
		}
		klog.Infof("Update triggered")
	}

	if *doBoot {
		h, err := l.Start()
		if err != nil {
			return err
		}

		fmt.Printf("Execute image version %d, %d bytes @ %#x (swapped %t, recovered %t)\n",
			h.Info.BootVersion, h.Info.FirmwareSize, h.Entry, h.Info.Swapped, h.Info.Recovered)

		if *handoffFile != "" {
			if err := os.WriteFile(*handoffFile, h.Info.Bytes(), 0o644); err != nil {
				return err
			}
		}
	}

	if *status {
		s, err := l.Status()
		if err != nil {
			return err
		}
		fmt.Println(s.Print())
	}

	return nil
}

func program(path, what string, f func([]byte, boot.Progress) error) error {
	img, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	bar := pb.StartNew(len(img))
	bar.Set(pb.Bytes, true)
	defer bar.Finish()

	if err := f(img, func(done, _ int) { bar.SetCurrent(int64(done)) }); err != nil {
		return fmt.Errorf("failed to %s %q: %w", what, path, err)
	}

	return nil
}

func initOrDie(cfg *config.Config) {
	n, err := flash.CreateFile(cfg.Internal.Path, cfg.Internal.Size, cfg.SectorSize)
	if err != nil {
		klog.Exitf("Failed to create internal flash: %v", err)
	}
	n.Close()

	if e := cfg.External; e != nil {
		c, err := flash.CreateFileCard(e.Path, e.BlockSize, int(e.Size)/e.BlockSize)
		if err != nil {
			klog.Exitf("Failed to create external flash: %v", err)
		}
		c.Close()
	}

	klog.Infof("Created erased flash images")
}

func openOrDie(cfg *config.Config) map[string]device {
	devs := make(map[string]device)

	n, err := flash.OpenFile(cfg.Internal.Path, cfg.Internal.Size, cfg.SectorSize)
	if err != nil {
		klog.Exitf("Failed to open internal flash: %v", err)
	}
	devs[config.Internal] = device{dev: n, closer: n}

	if e := cfg.External; e != nil {
		c, err := flash.OpenFileCard(e.Path, e.BlockSize)
		if err != nil {
			klog.Exitf("Failed to open external flash: %v", err)
		}
		b, err := flash.NewBlock(c, 0, e.Size, cfg.SectorSize)
		if err != nil {
			klog.Exitf("Failed to open external flash: %v", err)
		}
		devs[config.External] = device{dev: b, closer: c}
	}

	return devs
}

func verifierOrDie(cfg *config.Config) verify.Verifier {
	keys := append([]string{}, cfg.VerifierKeys...)

	if *vkeyFile != "" {
		k, err := os.ReadFile(*vkeyFile)
		if err != nil {
			klog.Exitf("Failed to read verifier key file %q: %v", *vkeyFile, err)
		}
		keys = append(keys, strings.TrimSpace(string(k)))
	}

	v, err := verify.NewNotes(keys...)
	if err != nil {
		klog.Exitf("Invalid verifier keys: %v", err)
	}

	return v
}
