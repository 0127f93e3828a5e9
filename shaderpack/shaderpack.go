// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package shaderpack is an lz4 backed archive format for precompiled
// SPIR-V shader binaries. Unlike tar, the archive knows where every
// entry is located before anything is read: the index sits in the
// header, and every entry is compressed individually so it can be read
// and decompressed in place. An Archive can be read from concurrently,
// which matters when several pipelines are built in parallel at startup.
package shaderpack

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"sync"

	"github.com/pierrec/lz4"
)

// package errors
var (
	ErrFileFormat = errors.New("shaderpack: corrupted or not a shader pack")
	ErrNotFound   = errors.New("shaderpack: no entry with that name")
)

var magic = [4]byte{'S', 'P', 'K', 0}

// Sizes relevant to the fixed part of the file header.
const (
	magicLength      = 4
	headerSizeLength = 8
)

// IndexEntry is info for one shader binary in the pack index.
type IndexEntry struct {
	Name           string
	Offset         int64
	Size           int64
	CompressedSize int64
}

// Header is the pack header. The Index is filled in by the Builder.
type Header struct {
	Tool      string
	CreatedAt int64
	Version   int64
	Index     []IndexEntry
}

// NewBuilder creates a Builder. Do not fill the Index in the header,
// it is overwritten on WriteTo.
func NewBuilder(header Header) *Builder {
	header.Index = nil
	return &Builder{header: header}
}

type pendingEntry struct {
	name       string
	compressed []byte
	size       int64
}

// Builder assembles a pack in memory. Packs are versioned and cannot
// be appended to; rebuild the pack to change it. Add compresses
// eagerly and is safe to call from multiple goroutines.
type Builder struct {
	header Header

	mutex   sync.Mutex
	entries []pendingEntry
}

// Add compresses data and queues it under the given name.
func (b *Builder) Add(name string, data []byte) error {
	var buf bytes.Buffer
	writer := lz4.NewWriter(&buf)
	if _, err := io.Copy(writer, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("shaderpack: compress %s: %s", name, err.Error())
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("shaderpack: compress %s: %s", name, err.Error())
	}

	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.entries = append(b.entries, pendingEntry{
		name:       name,
		compressed: buf.Bytes(),
		size:       int64(len(data)),
	})
	return nil
}

// WriteTo bundles all added entries into a finished pack.
func (b *Builder) WriteTo(w io.Writer) (int64, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	header := b.header
	var offset int64
	for _, e := range b.entries {
		header.Index = append(header.Index, IndexEntry{
			Name:           e.name,
			Offset:         offset,
			Size:           e.size,
			CompressedSize: int64(len(e.compressed)),
		})
		offset += int64(len(e.compressed))
	}

	rawHeader, err := gobEncode(header)
	if err != nil {
		return 0, err
	}

	var written int64
	n, err := w.Write(magic[:])
	written += int64(n)
	if err != nil {
		return written, err
	}

	sizeBytes := make([]byte, headerSizeLength)
	binary.LittleEndian.PutUint64(sizeBytes, uint64(len(rawHeader)))
	n, err = w.Write(sizeBytes)
	written += int64(n)
	if err != nil {
		return written, err
	}

	n, err = w.Write(rawHeader)
	written += int64(n)
	if err != nil {
		return written, err
	}

	for _, e := range b.entries {
		n, err = w.Write(e.compressed)
		written += int64(n)
		if err != nil {
			return written, err
		}
	}

	b.entries = b.entries[:0]
	return written, nil
}

// Open reads the pack header from r and verifies the file format.
// The entry data stays in r and is only read on demand.
func Open(r io.ReaderAt) (*Archive, error) {
	var magicBuf [magicLength]byte
	if _, err := r.ReadAt(magicBuf[:], 0); err != nil {
		return nil, ErrFileFormat
	}
	if magicBuf != magic {
		return nil, ErrFileFormat
	}

	sizeBytes := make([]byte, headerSizeLength)
	if _, err := r.ReadAt(sizeBytes, magicLength); err != nil {
		return nil, ErrFileFormat
	}
	headerSize := int64(binary.LittleEndian.Uint64(sizeBytes))
	if headerSize <= 0 || headerSize > 1<<26 {
		return nil, ErrFileFormat
	}

	headerBytes := make([]byte, headerSize)
	if _, err := r.ReadAt(headerBytes, magicLength+headerSizeLength); err != nil {
		return nil, ErrFileFormat
	}

	var header Header
	if err := gobDecode(&header, headerBytes); err != nil {
		return nil, ErrFileFormat
	}

	return &Archive{
		reader:    r,
		header:    header,
		dataStart: magicLength + headerSizeLength + headerSize,
	}, nil
}

// Archive provides concurrent read access to a pack.
type Archive struct {
	reader    io.ReaderAt
	header    Header
	dataStart int64
}

// Header returns the pack header, index included.
func (a *Archive) Header() Header {
	return a.header
}

// Names lists the entries in index order.
func (a *Archive) Names() []string {
	names := make([]string, len(a.header.Index))
	for i, e := range a.header.Index {
		names[i] = e.Name
	}
	return names
}

// Open returns a reader that decompresses the named entry on the fly.
func (a *Archive) Open(name string) (io.Reader, error) {
	for _, e := range a.header.Index {
		if e.Name == name {
			section := io.NewSectionReader(a.reader, a.dataStart+e.Offset, e.CompressedSize)
			return lz4.NewReader(section), nil
		}
	}
	return nil, ErrNotFound
}

// ReadAll returns the decompressed contents of the named entry.
func (a *Archive) ReadAll(name string) ([]byte, error) {
	r, err := a.Open(name)
	if err != nil {
		return nil, err
	}
	data, err := ioutil.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("shaderpack: read %s: %s", name, err.Error())
	}
	return data, nil
}

func gobEncode(data interface{}) ([]byte, error) {
	var encoded bytes.Buffer
	if err := gob.NewEncoder(&encoded).Encode(data); err != nil {
		return nil, err
	}
	return encoded.Bytes(), nil
}

func gobDecode(obj interface{}, bts []byte) error {
	return gob.NewDecoder(bytes.NewBuffer(bts)).Decode(obj)
}
