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

package swap

import (
	"errors"
	"fmt"

	"github.com/transparency-dev/armored-witness-swapboot/internal/partition"
)

var (
	// ErrVerification is returned when a candidate image has an invalid
	// header, digest or signature, or fails the version checks.
	ErrVerification = errors.New("image verification failed")
	// ErrCapacity is returned when an image does not fit its partition.
	ErrCapacity = errors.New("image exceeds partition capacity")
	// ErrCorruptState is returned when the persisted state cannot describe
	// a valid swap.
	ErrCorruptState = errors.New("corrupt swap state")
)

// StorageError reports a failed flash operation.
type StorageError struct {
	Op     string
	Role   partition.Role
	Offset uint32
	Err    error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s %s partition @ %#x: %v", e.Op, e.Role, e.Offset, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}
