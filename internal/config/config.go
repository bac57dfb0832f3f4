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

// Package config describes the flash layout and boot policy of an emulated
// device.
package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/transparency-dev/armored-witness-swapboot/flash"
	"github.com/transparency-dev/armored-witness-swapboot/internal/partition"
	"github.com/transparency-dev/armored-witness-swapboot/internal/swap"
	"gopkg.in/yaml.v3"
)

// Device names.
const (
	// Internal is the NOR flash of the SoC.
	Internal = "internal"
	// External is a block card used as external flash.
	External = "external"
)

// Device describes a flash device backed by a file.
type Device struct {
	// Path is the file holding the device content.
	Path string `yaml:"Path"`
	// Size is the device size in bytes.
	Size uint32 `yaml:"Size"`
	// BlockSize is the card block size, only used by the external device.
	BlockSize int `yaml:"BlockSize"`
}

// Partition describes where a partition lives.
type Partition struct {
	// Device is either "internal" or "external".
	Device string `yaml:"Device"`
	Base   uint32 `yaml:"Base"`
	Size   uint32 `yaml:"Size"`
}

// Config is the configuration of an emulated device.
type Config struct {
	SectorSize uint32 `yaml:"SectorSize"`
	// AllowDowngrade permits updates which are not newer than the running
	// image.
	AllowDowngrade bool `yaml:"AllowDowngrade"`

	Internal Device  `yaml:"Internal"`
	External *Device `yaml:"External"`

	Boot   Partition `yaml:"Boot"`
	Update Partition `yaml:"Update"`
	Swap   Partition `yaml:"Swap"`

	// VerifierKeys are the note verifier keys trusted to sign images.
	VerifierKeys []string `yaml:"VerifierKeys"`
}

// Parse parses and validates a YAML configuration.
func Parse(b []byte) (*Config, error) {
	c := &Config{}
	if err := yaml.Unmarshal(b, c); err != nil {
		return nil, fmt.Errorf("failed to parse config: %v", err)
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}

	return c, nil
}

// Load reads and parses the configuration file at path.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	return Parse(b)
}

func (c *Config) device(name string) (*Device, error) {
	switch name {
	case Internal:
		return &c.Internal, nil
	case External:
		if c.External == nil {
			return nil, errors.New("external device not configured")
		}
		return c.External, nil
	}
	return nil, fmt.Errorf("unknown device %q", name)
}

// Validate checks that the configuration is self-consistent.
func (c *Config) Validate() error {
	if c.SectorSize == 0 {
		return errors.New("missing field: SectorSize")
	}
	if c.Internal.Path == "" {
		return errors.New("missing field: Internal.Path")
	}
	if c.Internal.Size == 0 || c.Internal.Size%c.SectorSize != 0 {
		return fmt.Errorf("internal device size %d is not a multiple of %d byte sectors", c.Internal.Size, c.SectorSize)
	}
	if e := c.External; e != nil {
		if e.Path == "" {
			return errors.New("missing field: External.Path")
		}
		if e.BlockSize <= 0 || c.SectorSize%uint32(e.BlockSize) != 0 {
			return fmt.Errorf("external block size %d does not divide the %d byte sectors", e.BlockSize, c.SectorSize)
		}
		if e.Size == 0 || e.Size%c.SectorSize != 0 {
			return fmt.Errorf("external device size %d is not a multiple of %d byte sectors", e.Size, c.SectorSize)
		}
	}

	devs := map[string]flash.Device{
		Internal: flash.NewMem(0, c.SectorSize),
		External: flash.NewMem(0, c.SectorSize),
	}

	l, err := c.Layout(devs)
	if err != nil {
		return err
	}

	return swap.CheckLayout(l)
}

// Layout returns the partition layout over the given devices, keyed by
// device name.
func (c *Config) Layout(devs map[string]flash.Device) (*partition.Layout, error) {
	l := &partition.Layout{}

	for _, p := range []struct {
		role partition.Role
		cfg  Partition
		dst  **partition.Partition
	}{
		{partition.Boot, c.Boot, &l.Boot},
		{partition.Update, c.Update, &l.Update},
		{partition.Swap, c.Swap, &l.Swap},
	} {
		d, err := c.device(p.cfg.Device)
		if err != nil {
			return nil, fmt.Errorf("%s partition: %v", p.role, err)
		}
		if uint64(p.cfg.Base)+uint64(p.cfg.Size) > uint64(d.Size) {
			return nil, fmt.Errorf("%s partition [%#x, +%#x) exceeds %s device size %#x", p.role, p.cfg.Base, p.cfg.Size, p.cfg.Device, d.Size)
		}
		dev, ok := devs[p.cfg.Device]
		if !ok {
			return nil, fmt.Errorf("%s partition: %s device not available", p.role, p.cfg.Device)
		}

		*p.dst = &partition.Partition{
			Role:       p.role,
			Base:       p.cfg.Base,
			Size:       p.cfg.Size,
			SectorSize: c.SectorSize,
			Dev:        dev,
		}
	}

	return l, nil
}
