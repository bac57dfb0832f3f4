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

package boot

import (
	"errors"

	"github.com/transparency-dev/armored-witness-swapboot/api"
	"github.com/transparency-dev/armored-witness-swapboot/api/rpc"
	"github.com/transparency-dev/armored-witness-swapboot/internal/image"
	"github.com/transparency-dev/armored-witness-swapboot/internal/partition"
	"k8s.io/klog/v2"
)

// RPC is the receiver for the update controls exposed to the application,
// its methods follow the net/rpc conventions.
type RPC struct {
	Loader *Loader
}

// TriggerUpdate requests the staged image to be applied on next boot.
func (r *RPC) TriggerUpdate(_ any, _ *bool) error {
	return r.Loader.TriggerUpdate()
}

// ConfirmSuccess confirms the running image.
func (r *RPC) ConfirmSuccess(_ any, _ *bool) error {
	return r.Loader.ConfirmSuccess()
}

// ImageVersion returns the version of the image held by a partition.
func (r *RPC) ImageVersion(p rpc.Partition, v *rpc.ImageVersion) error {
	role, err := partition.ParseRole(p.Name)
	if err != nil {
		return err
	}

	n, err := r.Loader.ImageVersion(role)
	if err != nil {
		return err
	}

	if v != nil {
		v.Version = n
		v.Semver = image.Semver(n)
	}

	return nil
}

// ErasePartition erases a partition.
func (r *RPC) ErasePartition(p rpc.Partition, _ *bool) error {
	role, err := partition.ParseRole(p.Name)
	if err != nil {
		return err
	}

	return r.Loader.ErasePartition(role)
}

// StageUpdate writes an update image and optionally triggers it.
func (r *RPC) StageUpdate(u *rpc.FirmwareUpdate, _ *bool) error {
	if u == nil || len(u.Image) < image.HeaderSize {
		return errors.New("missing update image")
	}

	if err := r.Loader.StageUpdate(u.Image, nil); err != nil {
		return err
	}

	if !u.Trigger {
		return nil
	}

	klog.Infof("Update staged, triggering")

	return r.Loader.TriggerUpdate()
}

// Status returns the partition status.
func (r *RPC) Status(_ any, status *api.Status) error {
	if status == nil {
		return errors.New("invalid argument")
	}

	s, err := r.Loader.Status()
	if err != nil {
		return err
	}

	*status = *s

	return nil
}
