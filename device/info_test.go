// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package device

import (
	"testing"
)

func TestProbeDescribesEveryDevice(t *testing.T) {
	infos, err := Probe(Config{AppName: "device-test"})
	if err != nil {
		t.Skipf("no vulkan device: %v", err)
	}
	if len(infos) == 0 {
		t.Fatal("probe returned an empty listing")
	}

	for _, info := range infos {
		if info.Name == "" {
			t.Errorf("device %d has no name", info.ID)
		}
		if info.Invalid {
			t.Errorf("device %q reported invalid", info.Name)
		}
		if len(info.Extensions) == 0 {
			t.Errorf("device %q lists no extensions", info.Name)
		}
		if info.Memory == 0 {
			t.Errorf("device %q reports zero memory", info.Name)
		}
	}
}

func TestInfoMatchesSelectedDevice(t *testing.T) {
	dev, err := New(Config{AppName: "device-test"})
	if err != nil {
		t.Skipf("no vulkan device: %v", err)
	}
	defer dev.Destroy()

	info := dev.Info()
	if info.Name == "" {
		t.Error("selected device has no name")
	}

	listed, err := Enumerate(dev.Instance())
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, candidate := range listed {
		if candidate.ID == info.ID && candidate.Name == info.Name {
			found = true
			break
		}
	}
	if !found {
		t.Errorf("device %q missing from its own instance listing", info.Name)
	}
}
