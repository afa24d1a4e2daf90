package memdb

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"math"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// ImageSpec describes an image to be added to a database.
type ImageSpec struct {
	// UUID is the debug identity; uuid.Nil when the image has none.
	UUID      uuid.UUID
	Path      string
	Arch      string
	VMAddr    uint64
	HasVMAddr bool
	Symbols   []Entry
}

// Writer builds a database. It is not safe for concurrent use.
type Writer struct {
	sdkID  string
	opt    options
	images []ImageSpec
	uuids  map[uuid.UUID]struct{}
	paths  map[pathKey]struct{}
}

// NewWriter creates a writer for the database of the given SDK.
func NewWriter(sdkID string, opt ...Option) *Writer {
	w := &Writer{
		sdkID: sdkID,
		uuids: make(map[uuid.UUID]struct{}),
		paths: make(map[pathKey]struct{}),
	}
	for _, o := range opt {
		o(&w.opt)
	}
	return w
}

// AddImage validates the image and adds it to the database. Symbols are
// sorted by address; entries sharing an address are rejected unless the
// writer was created WithDuplicates.
func (w *Writer) AddImage(spec ImageSpec) error {
	if spec.UUID == uuid.Nil && spec.Path == "" {
		return errors.New("image has neither uuid nor path")
	}
	if spec.Path != "" && spec.Arch == "" {
		return fmt.Errorf("image %s has no architecture", spec.Path)
	}
	if spec.UUID != uuid.Nil {
		if _, dup := w.uuids[spec.UUID]; dup {
			return fmt.Errorf("duplicate image uuid %s", spec.UUID)
		}
	}
	key := pathKey{path: spec.Path, arch: spec.Arch}
	if spec.Path != "" {
		if _, dup := w.paths[key]; dup {
			return fmt.Errorf("duplicate image %s (%s)", spec.Path, spec.Arch)
		}
	}

	symbols := make([]Entry, len(spec.Symbols))
	copy(symbols, spec.Symbols)
	sort.SliceStable(symbols, func(i, j int) bool {
		return symbols[i].Addr < symbols[j].Addr
	})
	if !w.opt.duplicates {
		for i := 1; i < len(symbols); i++ {
			if symbols[i].Addr == symbols[i-1].Addr {
				return fmt.Errorf("image %s: symbols %q and %q share address %#x",
					spec.Path, symbols[i-1].Name, symbols[i].Name, symbols[i].Addr)
			}
		}
	}
	spec.Symbols = symbols

	if spec.UUID != uuid.Nil {
		w.uuids[spec.UUID] = struct{}{}
	}
	if spec.Path != "" {
		w.paths[key] = struct{}{}
	}
	w.images = append(w.images, spec)
	return nil
}

// WriteTo serializes the database.
func (w *Writer) WriteTo(out io.Writer) (int64, error) {
	b, err := w.Bytes()
	if err != nil {
		return 0, err
	}
	n, err := out.Write(b)
	return int64(n), err
}

// Bytes serializes the database into a new slice.
func (w *Writer) Bytes() ([]byte, error) {
	images := make([]ImageSpec, len(w.images))
	copy(images, w.images)
	sort.Slice(images, func(i, j int) bool {
		a, b := images[i], images[j]
		if c := bytes.Compare(a.UUID[:], b.UUID[:]); c != 0 {
			return c < 0
		}
		if c := strings.Compare(a.Path, b.Path); c != 0 {
			return c < 0
		}
		return a.Arch < b.Arch
	})

	var totalSymbols uint64
	for _, img := range images {
		totalSymbols += uint64(len(img.Symbols))
	}
	if len(images) > math.MaxUint32 {
		return nil, fmt.Errorf("too many images: %d", len(images))
	}

	sb := newStringBuilder()
	hdr := header{
		version:      version,
		imageCount:   uint32(len(images)),
		imagesOffset: headerSize,
		symbolsCount: totalSymbols,
	}
	copy(hdr.magic[:], magic)
	hdr.symbolsOffset = hdr.imagesOffset + uint64(len(images))*imageRecordSize

	imagesBuf := make([]byte, len(images)*imageRecordSize)
	symbolsBuf := make([]byte, totalSymbols*symbolRecordSize)
	var err error
	if hdr.sdkOffset, err = sb.add(w.sdkID); err != nil {
		return nil, err
	}

	var next uint64
	for i, img := range images {
		rec := imagesBuf[i*imageRecordSize : (i+1)*imageRecordSize]
		var flags uint32
		if img.UUID != uuid.Nil {
			flags |= imageFlagHasUUID
		}
		if img.HasVMAddr {
			flags |= imageFlagHasVMAddr
		}
		pathOff, err := sb.add(img.Path)
		if err != nil {
			return nil, err
		}
		archOff, err := sb.add(img.Arch)
		if err != nil {
			return nil, err
		}
		copy(rec[0:16], img.UUID[:])
		binary.LittleEndian.PutUint32(rec[16:], flags)
		binary.LittleEndian.PutUint32(rec[20:], uint32(pathOff))
		binary.LittleEndian.PutUint32(rec[24:], uint32(archOff))
		binary.LittleEndian.PutUint64(rec[32:], img.VMAddr)
		binary.LittleEndian.PutUint64(rec[40:], next)
		binary.LittleEndian.PutUint64(rec[48:], uint64(len(img.Symbols)))

		for _, s := range img.Symbols {
			nameOff, err := sb.add(s.Name)
			if err != nil {
				return nil, err
			}
			sym := symbolsBuf[next*symbolRecordSize : (next+1)*symbolRecordSize]
			binary.LittleEndian.PutUint64(sym[0:], s.Addr)
			binary.LittleEndian.PutUint32(sym[8:], uint32(nameOff))
			next++
		}
	}

	strs := sb.bytes()
	hdr.stringsOffset = hdr.symbolsOffset + uint64(len(symbolsBuf))
	hdr.stringsSize = uint64(len(strs))
	hdr.imagesCRC = crc32.Checksum(imagesBuf, castagnoli)
	hdr.symbolsCRC = crc32.Checksum(symbolsBuf, castagnoli)
	hdr.stringsCRC = crc32.Checksum(strs, castagnoli)

	res := make([]byte, headerSize, hdr.stringsOffset+hdr.stringsSize)
	hdr.marshal(res)
	res = append(res, imagesBuf...)
	res = append(res, symbolsBuf...)
	res = append(res, strs...)
	return res, nil
}

// stringBuilder deduplicates strings into a length-prefixed table. Offset 0
// is reserved for the empty string.
type stringBuilder struct {
	buf     []byte
	offsets map[string]stringOffset
}

func newStringBuilder() *stringBuilder {
	return &stringBuilder{
		buf:     make([]byte, stringLengthSize),
		offsets: make(map[string]stringOffset),
	}
}

func (sb *stringBuilder) add(s string) (stringOffset, error) {
	if s == "" {
		return 0, nil
	}
	if off, ok := sb.offsets[s]; ok {
		return off, nil
	}
	if uint64(len(sb.buf))+stringLengthSize+uint64(len(s)) > math.MaxUint32 {
		return 0, errors.New("string table exceeds 4GiB")
	}
	off := stringOffset(len(sb.buf))
	sb.buf = binary.LittleEndian.AppendUint32(sb.buf, uint32(len(s)))
	sb.buf = append(sb.buf, s...)
	sb.offsets[s] = off
	return off, nil
}

func (sb *stringBuilder) bytes() []byte { return sb.buf }
