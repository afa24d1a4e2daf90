// Package memdb implements an immutable binary database of symbols for one SDK.
//
// A database holds the images (binaries) of an SDK. Each image carries its
// identity, the address it was linked at and a table of symbols sorted by
// address. The whole database is a single little-endian blob: a header, a
// fixed-size record per image, a fixed-size record per symbol and a string
// table. Open keeps the blob in memory and decodes symbols lazily, so once
// opened a DB is read-only and safe for concurrent use without locking.
package memdb

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"

	"github.com/google/uuid"
)

// DB is an opened, immutable symbol database.
type DB struct {
	data []byte
	hdr  header
	opt  options

	sdkID  string
	images []Image

	byUUID map[uuid.UUID]*Image
	byPath map[pathKey]*Image
}

type pathKey struct {
	path string
	arch string
}

// Open parses the database held in data. The slice must not be modified
// afterwards: the DB references it for as long as it is in use.
func Open(data []byte, opt ...Option) (*DB, error) {
	db := &DB{data: data}
	for _, o := range opt {
		o(&db.opt)
	}

	hdr, err := readHeader(data)
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	if err = hdr.validate(uint64(len(data))); err != nil {
		return nil, fmt.Errorf("invalid header: %w", err)
	}
	db.hdr = hdr

	if db.opt.crc {
		if err = db.CheckCRC(); err != nil {
			return nil, fmt.Errorf("CRC check failed: %w", err)
		}
	}

	if db.sdkID, err = db.str(hdr.sdkOffset); err != nil {
		return nil, fmt.Errorf("failed to read sdk id: %w", err)
	}
	if err = db.readImages(); err != nil {
		return nil, err
	}
	return db, nil
}

func (db *DB) readImages() error {
	n := int(db.hdr.imageCount)
	db.images = make([]Image, n)
	db.byUUID = make(map[uuid.UUID]*Image, n)
	db.byPath = make(map[pathKey]*Image, n)

	for i := 0; i < n; i++ {
		off := db.hdr.imagesOffset + uint64(i)*imageRecordSize
		rec := db.data[off : off+imageRecordSize]

		img := &db.images[i]
		copy(img.uuid[:], rec[0:16])
		flags := binary.LittleEndian.Uint32(rec[16:])
		img.hasUUID = flags&imageFlagHasUUID != 0
		img.hasVMAddr = flags&imageFlagHasVMAddr != 0
		img.vmaddr = binary.LittleEndian.Uint64(rec[32:])

		var err error
		if img.path, err = db.str(stringOffset(binary.LittleEndian.Uint32(rec[20:]))); err != nil {
			return fmt.Errorf("image %d: path: %w", i, err)
		}
		if img.arch, err = db.str(stringOffset(binary.LittleEndian.Uint32(rec[24:]))); err != nil {
			return fmt.Errorf("image %d: arch: %w", i, err)
		}

		first := binary.LittleEndian.Uint64(rec[40:])
		count := binary.LittleEndian.Uint64(rec[48:])
		if first > db.hdr.symbolsCount || count > db.hdr.symbolsCount-first {
			return fmt.Errorf("image %d: symbol range [%d, +%d) out of bounds", i, first, count)
		}
		start := db.hdr.symbolsOffset + first*symbolRecordSize
		img.symbols = SymbolTable{
			db:      db,
			records: db.data[start : start+count*symbolRecordSize],
		}
		if img.anomalous, err = img.symbols.check(); err != nil {
			return fmt.Errorf("image %d (%s): %w", i, img.path, err)
		}

		if img.hasUUID {
			if _, dup := db.byUUID[img.uuid]; dup {
				return fmt.Errorf("duplicate image uuid %s", img.uuid)
			}
			db.byUUID[img.uuid] = img
		}
		if img.path != "" {
			key := pathKey{path: img.path, arch: img.arch}
			if _, dup := db.byPath[key]; dup {
				return fmt.Errorf("duplicate image %s (%s)", img.path, img.arch)
			}
			db.byPath[key] = img
		}
	}
	return nil
}

// SdkID returns the identifier of the SDK the database was built for.
func (db *DB) SdkID() string { return db.sdkID }

// Size returns the size of the underlying blob in bytes.
func (db *DB) Size() int { return len(db.data) }

// Images returns all images of the database.
func (db *DB) Images() []*Image {
	res := make([]*Image, len(db.images))
	for i := range db.images {
		res[i] = &db.images[i]
	}
	return res
}

// FindImageByUUID looks an image up by its debug identity.
func (db *DB) FindImageByUUID(id uuid.UUID) (*Image, bool) {
	img, ok := db.byUUID[id]
	return img, ok
}

// FindImageByPath looks an image up by its object path and CPU architecture.
func (db *DB) FindImageByPath(path, arch string) (*Image, bool) {
	img, ok := db.byPath[pathKey{path: path, arch: arch}]
	return img, ok
}

// CheckCRC verifies the checksums of all sections.
func (db *DB) CheckCRC() error {
	h := db.hdr
	if err := checkCRC(db.data, h.imagesOffset, uint64(h.imageCount)*imageRecordSize, h.imagesCRC, "images"); err != nil {
		return err
	}
	if err := checkCRC(db.data, h.stringsOffset, h.stringsSize, h.stringsCRC, "strings"); err != nil {
		return err
	}
	return checkCRC(db.data, h.symbolsOffset, h.symbolsCount*symbolRecordSize, h.symbolsCRC, "symbols")
}

func (db *DB) str(offset stringOffset) (string, error) {
	if offset == 0 {
		return "", nil
	}
	o := uint64(offset)
	if o+stringLengthSize > db.hdr.stringsSize {
		return "", fmt.Errorf("string offset %d out of bounds", offset)
	}
	base := db.hdr.stringsOffset + o
	n := uint64(binary.LittleEndian.Uint32(db.data[base:]))
	if n > db.hdr.stringsSize-o-stringLengthSize {
		return "", fmt.Errorf("string at offset %d overflows the string table", offset)
	}
	return string(db.data[base+stringLengthSize : base+stringLengthSize+n]), nil
}

func checkCRC(data []byte, offset, size uint64, expected uint32, name string) error {
	if crc32.Checksum(data[offset:offset+size], castagnoli) != expected {
		return errors.New("crc mismatch in " + name)
	}
	return nil
}
