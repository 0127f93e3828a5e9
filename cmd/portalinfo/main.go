// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Prints every Vulkan capable device on the host as JSON.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/devblok/portal/device"
)

var pretty = flag.Bool("pretty", false, "Indent the JSON output")

func main() {
	flag.Parse()

	infos, err := device.Probe(device.Config{AppName: "portalinfo"})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	var bytes []byte
	if *pretty {
		bytes, err = json.MarshalIndent(infos, "", "  ")
	} else {
		bytes, err = json.Marshal(infos)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Printf("%s\n", bytes)
}
