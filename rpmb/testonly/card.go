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

// Package testonly provides an in-memory RPMB card for tests.
package testonly

import (
	"crypto/hmac"
	"encoding/binary"
	"errors"
	"sync"

	"github.com/transparency-dev/armored-witness-swapboot/rpmb"
)

// Sectors is the number of 256 byte sectors of the emulated partition.
const Sectors = 16

// Card emulates the RPMB partition of an eMMC.
type Card struct {
	mu sync.Mutex

	key     []byte
	counter uint32
	data    [Sectors][rpmb.DataLength]byte

	// resp is returned by the next ReadRPMB call.
	resp *rpmb.DataFrame
	// result is returned by a ResultRead request.
	result *rpmb.DataFrame

	// DropWrites, if set, acknowledges authenticated writes without
	// committing them.
	DropWrites bool
}

// NewCard returns a card with no authentication key programmed.
func NewCard() *Card {
	return &Card{}
}

// WriteCounter returns the current write counter.
func (c *Card) WriteCounter() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.counter
}

func (c *Card) response(kind byte, result uint16, req *rpmb.DataFrame) *rpmb.DataFrame {
	res := &rpmb.DataFrame{Resp: kind}
	res.Nonce = req.Nonce
	res.Address = req.Address
	binary.BigEndian.PutUint32(res.WriteCounter[:], c.counter)
	binary.BigEndian.PutUint16(res.Result[:], result)
	return res
}

func (c *Card) sign(res *rpmb.DataFrame) *rpmb.DataFrame {
	if c.key != nil {
		copy(res.KeyMAC[:], rpmb.MAC(c.key, res.Bytes()))
	}
	return res
}

// WriteRPMB handles a request frame.
func (c *Card) WriteRPMB(buf []byte, _ bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	req, err := rpmb.ParseFrame(buf)
	if err != nil {
		return err
	}

	switch req.Req {
	case rpmb.AuthenticationKeyProgramming:
		if c.key != nil {
			c.result = c.response(rpmb.AuthenticationKeyProgramming, rpmb.GeneralFailure, req)
			return nil
		}
		c.key = append([]byte{}, req.KeyMAC[:]...)
		c.result = c.response(rpmb.AuthenticationKeyProgramming, rpmb.OperationOK, req)
	case rpmb.WriteCounterRead:
		if c.key == nil {
			c.resp = c.response(rpmb.WriteCounterRead, rpmb.AuthenticationKeyNotYetProgrammed, req)
			return nil
		}
		c.resp = c.sign(c.response(rpmb.WriteCounterRead, rpmb.OperationOK, req))
	case rpmb.AuthenticatedDataWrite:
		c.result = c.sign(c.write(buf, req))
	case rpmb.AuthenticatedDataRead:
		c.resp = c.sign(c.read(req))
	case rpmb.ResultRead:
		if c.result == nil {
			return errors.New("no result available")
		}
		c.resp = c.result
	default:
		return errors.New("unsupported request")
	}

	return nil
}

func (c *Card) write(buf []byte, req *rpmb.DataFrame) *rpmb.DataFrame {
	addr := binary.BigEndian.Uint16(req.Address[:])

	switch {
	case c.key == nil:
		return c.response(rpmb.AuthenticatedDataWrite, rpmb.AuthenticationKeyNotYetProgrammed, req)
	case !hmac.Equal(req.KeyMAC[:], rpmb.MAC(c.key, buf)):
		return c.response(rpmb.AuthenticatedDataWrite, rpmb.AuthenticationFailure, req)
	case req.Counter() != c.counter:
		return c.response(rpmb.AuthenticatedDataWrite, rpmb.CounterFailure, req)
	case addr >= Sectors:
		return c.response(rpmb.AuthenticatedDataWrite, rpmb.AddressFailure, req)
	}

	if !c.DropWrites {
		c.data[addr] = req.Data
		c.counter++
	}

	res := c.response(rpmb.AuthenticatedDataWrite, rpmb.OperationOK, req)
	// Results of writes never carry a nonce.
	res.Nonce = [16]byte{}

	return res
}

func (c *Card) read(req *rpmb.DataFrame) *rpmb.DataFrame {
	addr := binary.BigEndian.Uint16(req.Address[:])

	switch {
	case c.key == nil:
		return c.response(rpmb.AuthenticatedDataRead, rpmb.AuthenticationKeyNotYetProgrammed, req)
	case addr >= Sectors:
		return c.response(rpmb.AuthenticatedDataRead, rpmb.AddressFailure, req)
	}

	res := c.response(rpmb.AuthenticatedDataRead, rpmb.OperationOK, req)
	res.Data = c.data[addr]
	res.BlockCount = req.BlockCount

	return res
}

// ReadRPMB returns the response to the last request.
func (c *Card) ReadRPMB(buf []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.resp == nil {
		return errors.New("no response available")
	}

	copy(buf, c.resp.Bytes())
	c.resp = nil

	return nil
}
