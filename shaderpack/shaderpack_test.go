// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package shaderpack

import (
	"bytes"
	"sync"
	"testing"
	"time"
)

var testEntries = map[string][]byte{
	"triangle.vert": bytes.Repeat([]byte("position color uniform "), 40),
	"triangle.frag": bytes.Repeat([]byte("sampled output swizzle "), 25),
	"gain.comp":     bytes.Repeat([]byte{0x03, 0x02, 0x23, 0x07}, 64),
}

func buildTestPack(t *testing.T) []byte {
	t.Helper()

	builder := NewBuilder(Header{
		Tool:      "packshaders",
		CreatedAt: time.Now().Unix(),
		Version:   1,
	})
	for name, data := range testEntries {
		if err := builder.Add(name, data); err != nil {
			t.Fatal(err)
		}
	}

	var buf bytes.Buffer
	num, err := builder.WriteTo(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if num != int64(buf.Len()) {
		t.Errorf("WriteTo reported %d bytes, wrote %d", num, buf.Len())
	}
	return buf.Bytes()
}

func TestBuildAndReadBack(t *testing.T) {
	pack := buildTestPack(t)

	archive, err := Open(bytes.NewReader(pack))
	if err != nil {
		t.Fatal(err)
	}

	if len(archive.Names()) != len(testEntries) {
		t.Errorf("expected %d entries, got %d", len(testEntries), len(archive.Names()))
	}

	for name, want := range testEntries {
		got, err := archive.ReadAll(name)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("%s: contents differ after roundtrip", name)
		}
	}
}

func TestIndexSizes(t *testing.T) {
	pack := buildTestPack(t)

	archive, err := Open(bytes.NewReader(pack))
	if err != nil {
		t.Fatal(err)
	}
	for _, entry := range archive.Header().Index {
		if entry.Size != int64(len(testEntries[entry.Name])) {
			t.Errorf("%s: index size %d, want %d", entry.Name, entry.Size, len(testEntries[entry.Name]))
		}
		if entry.CompressedSize <= 0 {
			t.Errorf("%s: bad compressed size %d", entry.Name, entry.CompressedSize)
		}
	}
}

func TestConcurrentReads(t *testing.T) {
	pack := buildTestPack(t)

	archive, err := Open(bytes.NewReader(pack))
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for idx := 0; idx < 16; idx++ {
		for name, want := range testEntries {
			wg.Add(1)
			go func(name string, want []byte) {
				defer wg.Done()
				got, err := archive.ReadAll(name)
				if err != nil {
					t.Error(err)
					return
				}
				if !bytes.Equal(got, want) {
					t.Errorf("%s: concurrent read returned wrong data", name)
				}
			}(name, want)
		}
	}
	wg.Wait()
}

func TestOpenRejectsJunk(t *testing.T) {
	if _, err := Open(bytes.NewReader([]byte("KAR\x00 something else"))); err != ErrFileFormat {
		t.Errorf("got %v, want ErrFileFormat", err)
	}
	if _, err := Open(bytes.NewReader(nil)); err != ErrFileFormat {
		t.Errorf("empty input: got %v, want ErrFileFormat", err)
	}
}

func TestMissingEntry(t *testing.T) {
	pack := buildTestPack(t)

	archive, err := Open(bytes.NewReader(pack))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := archive.ReadAll("skybox.vert"); err != ErrNotFound {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}
