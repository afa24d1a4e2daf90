package memdb

import (
	"encoding/binary"
	"errors"
	"fmt"
)

type header struct {
	magic      [4]byte
	version    uint32
	flags      uint32
	imageCount uint32
	sdkOffset  stringOffset

	imagesOffset  uint64
	stringsOffset uint64
	stringsSize   uint64
	symbolsOffset uint64
	symbolsCount  uint64

	imagesCRC  uint32
	stringsCRC uint32
	symbolsCRC uint32
}

type stringOffset uint32

func (h *header) marshal(b []byte) {
	copy(b[0:4], h.magic[:])
	binary.LittleEndian.PutUint32(b[4:], h.version)
	binary.LittleEndian.PutUint32(b[8:], h.flags)
	binary.LittleEndian.PutUint32(b[12:], h.imageCount)
	binary.LittleEndian.PutUint32(b[16:], uint32(h.sdkOffset))
	binary.LittleEndian.PutUint32(b[20:], 0)
	binary.LittleEndian.PutUint64(b[24:], h.imagesOffset)
	binary.LittleEndian.PutUint64(b[32:], h.stringsOffset)
	binary.LittleEndian.PutUint64(b[40:], h.stringsSize)
	binary.LittleEndian.PutUint64(b[48:], h.symbolsOffset)
	binary.LittleEndian.PutUint64(b[56:], h.symbolsCount)
	binary.LittleEndian.PutUint32(b[64:], h.imagesCRC)
	binary.LittleEndian.PutUint32(b[68:], h.stringsCRC)
	binary.LittleEndian.PutUint32(b[72:], h.symbolsCRC)
	binary.LittleEndian.PutUint32(b[76:], 0)
}

func readHeader(data []byte) (header, error) {
	var h header
	if len(data) < headerSize {
		return h, errors.New("file too short for header")
	}
	copy(h.magic[:], data[0:4])
	h.version = binary.LittleEndian.Uint32(data[4:])
	h.flags = binary.LittleEndian.Uint32(data[8:])
	h.imageCount = binary.LittleEndian.Uint32(data[12:])
	h.sdkOffset = stringOffset(binary.LittleEndian.Uint32(data[16:]))
	h.imagesOffset = binary.LittleEndian.Uint64(data[24:])
	h.stringsOffset = binary.LittleEndian.Uint64(data[32:])
	h.stringsSize = binary.LittleEndian.Uint64(data[40:])
	h.symbolsOffset = binary.LittleEndian.Uint64(data[48:])
	h.symbolsCount = binary.LittleEndian.Uint64(data[56:])
	h.imagesCRC = binary.LittleEndian.Uint32(data[64:])
	h.stringsCRC = binary.LittleEndian.Uint32(data[68:])
	h.symbolsCRC = binary.LittleEndian.Uint32(data[72:])
	return h, nil
}

// validate checks that every section lies within a file of the given size.
func (h *header) validate(size uint64) error {
	for i := range magic {
		if h.magic[i] != magic[i] {
			return errors.New("invalid magic number")
		}
	}
	if h.version != version {
		return fmt.Errorf("unsupported version: expected %d, got %d", version, h.version)
	}
	imagesSize := uint64(h.imageCount) * imageRecordSize
	if err := checkSection("images", h.imagesOffset, imagesSize, size); err != nil {
		return err
	}
	if err := checkSection("strings", h.stringsOffset, h.stringsSize, size); err != nil {
		return err
	}
	if h.symbolsCount > size/symbolRecordSize {
		return fmt.Errorf("symbol count %d exceeds file size", h.symbolsCount)
	}
	if err := checkSection("symbols", h.symbolsOffset, h.symbolsCount*symbolRecordSize, size); err != nil {
		return err
	}
	return nil
}

func checkSection(name string, offset, length, size uint64) error {
	if offset < headerSize || offset > size || length > size-offset {
		return fmt.Errorf("%s section [%d, +%d) out of bounds (file size %d)", name, offset, length, size)
	}
	return nil
}
