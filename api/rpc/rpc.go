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

// Package rpc defines the arguments of the boot loader RPC service.
package rpc

import (
	"github.com/coreos/go-semver/semver"
)

// FirmwareUpdate represents a firmware image to be staged in the Update
// partition.
type FirmwareUpdate struct {
	// Image is the complete image, header included.
	Image []byte
	// Trigger requests the update to be applied on the next boot.
	Trigger bool
}

// Partition names a partition: "boot", "update" or "swap".
type Partition struct {
	Name string
}

// ImageVersion represents the version of the image held by a partition.
type ImageVersion struct {
	Version uint32
	Semver  semver.Version
}
