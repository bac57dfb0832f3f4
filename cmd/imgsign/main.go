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

// The imgsign tool generates signing keys and builds signed firmware images
// for the boot loader.
package main

import (
	"crypto/rand"
	"flag"
	"os"
	"strings"
	"time"

	"github.com/transparency-dev/armored-witness-swapboot/internal/image"
	"github.com/transparency-dev/armored-witness-swapboot/internal/verify"
	"golang.org/x/mod/sumdb/note"
	"k8s.io/klog/v2"
)

var (
	generateKey  = flag.String("generate_key", "", "Generate a key pair with the given name, written to <output>.sec and <output>.pub.")
	keyFile      = flag.String("key_file", "", "File containing the note signer key.")
	firmwareFile = flag.String("firmware", "", "Firmware binary to sign.")
	version      = flag.String("version", "", "Image version, an integer or major.minor.patch.")
	timestamp    = flag.Int64("timestamp", 0, "Build timestamp in seconds since epoch, defaults to now.")
	outputFile   = flag.String("output", "", "File to write the image or key pair to.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	if *outputFile == "" {
		klog.Exitf("--output is required")
	}

	if *generateKey != "" {
		genKeyOrDie(*generateKey, *outputFile)
		return
	}

	signer := signerOrDie(*keyFile)

	fw, err := os.ReadFile(*firmwareFile)
	if err != nil {
		klog.Exitf("Failed to read firmware %q: %v", *firmwareFile, err)
	}

	v, err := image.ParseVersion(*version)
	if err != nil {
		klog.Exitf("Invalid --version: %v", err)
	}

	ts := *timestamp
	if ts == 0 {
		ts = time.Now().Unix()
	}

	img, err := verify.Sign(fw, v, uint64(ts), signer)
	if err != nil {
		klog.Exitf("Failed to sign firmware: %v", err)
	}

	if err := os.WriteFile(*outputFile, img, 0o644); err != nil {
		klog.Exitf("WriteFile: %v", err)
	}

	sv := image.Semver(v)
	klog.Infof("Wrote %d byte image version %d (%s) signed by %s to %q", len(img), v, sv.String(), signer.Name(), *outputFile)
}

func genKeyOrDie(name, out string) {
	skey, vkey, err := note.GenerateKey(rand.Reader, name)
	if err != nil {
		klog.Exitf("Failed to generate key: %v", err)
	}

	if err := os.WriteFile(out+".sec", []byte(skey), 0o600); err != nil {
		klog.Exitf("WriteFile: %v", err)
	}
	if err := os.WriteFile(out+".pub", []byte(vkey), 0o644); err != nil {
		klog.Exitf("WriteFile: %v", err)
	}

	klog.Infof("Wrote key pair %q to %s.sec and %s.pub", name, out, out)
}

func signerOrDie(p string) note.Signer {
	k, err := os.ReadFile(p)
	if err != nil {
		klog.Exitf("Failed to read signer key file %q: %v", p, err)
	}
	s, err := note.NewSigner(strings.TrimSpace(string(k)))
	if err != nil {
		klog.Exitf("Invalid note signer key: %v", err)
	}
	return s
}
