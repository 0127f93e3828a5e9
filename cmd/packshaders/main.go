// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Bundles a directory of compiled SPIR-V binaries into a shader pack.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"time"

	"github.com/devblok/portal/shaderpack"
)

var (
	version  = flag.Int64("version", 1, "Pack version number to create it with")
	compress = flag.String("c", "", "Pack every .spv file under the given directory")
	list     = flag.String("l", "", "List the entries of an existing pack")
	dstFile  = flag.String("f", "out.spk", "Destination file")
	silent   = flag.Bool("s", false, "Silent")
)

func main() {
	var opMade bool
	flag.Parse()

	if *compress != "" && *list != "" {
		fail(errors.New("only one operation at a time"))
	}

	if *compress != "" {
		opMade = true
		if err := packDirectory(); err != nil {
			fail(err)
		}
	}

	if *list != "" {
		opMade = true
		if err := listEntries(); err != nil {
			fail(err)
		}
	}

	if !opMade {
		flag.PrintDefaults()
	}
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}

func packDirectory() error {
	if _, err := os.Stat(*dstFile); err == nil {
		return errors.New("destination file exists, will not overwrite")
	}

	var shaderFiles []string
	err := filepath.Walk(*compress, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || filepath.Ext(path) != ".spv" {
			return nil
		}
		shaderFiles = append(shaderFiles, path)
		return nil
	})
	if err != nil {
		return err
	}
	if len(shaderFiles) == 0 {
		return fmt.Errorf("no .spv files under %s", *compress)
	}

	builder := shaderpack.NewBuilder(shaderpack.Header{
		Tool:      "packshaders",
		CreatedAt: time.Now().Unix(),
		Version:   *version,
	})

	for _, path := range shaderFiles {
		data, err := ioutil.ReadFile(path)
		if err != nil {
			return err
		}
		name, err := filepath.Rel(*compress, path)
		if err != nil {
			name = filepath.Base(path)
		}
		if err := builder.Add(filepath.ToSlash(name), data); err != nil {
			return err
		}
		if !*silent {
			fmt.Printf("packed %s (%d bytes)\n", name, len(data))
		}
	}

	dst, err := os.Create(*dstFile)
	if err != nil {
		return err
	}
	defer dst.Close()

	if _, err := builder.WriteTo(dst); err != nil {
		return err
	}
	if !*silent {
		fmt.Printf("wrote %s with %d shaders\n", *dstFile, len(shaderFiles))
	}
	return nil
}

func listEntries() error {
	f, err := os.Open(*list)
	if err != nil {
		return err
	}
	defer f.Close()

	archive, err := shaderpack.Open(f)
	if err != nil {
		return err
	}

	header := archive.Header()
	fmt.Printf("%s, version %d, created %s\n", header.Tool, header.Version,
		time.Unix(header.CreatedAt, 0).Format(time.RFC3339))
	for _, entry := range header.Index {
		fmt.Printf("%s\t%d -> %d bytes\n", entry.Name, entry.Size, entry.CompressedSize)
	}
	return nil
}
