package memdb

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// Image is one binary of the database: its identity, link address and symbols.
type Image struct {
	uuid      uuid.UUID
	hasUUID   bool
	path      string
	arch      string
	vmaddr    uint64
	hasVMAddr bool
	anomalous bool

	symbols SymbolTable
}

// UUID returns the debug identity of the image, if it has one.
func (img *Image) UUID() (uuid.UUID, bool) { return img.uuid, img.hasUUID }

// Path returns the object path of the image.
func (img *Image) Path() string { return img.path }

// Arch returns the CPU architecture the image was built for.
func (img *Image) Arch() string { return img.arch }

// ObjectName is the name reported as the owner of resolved symbols.
func (img *Image) ObjectName() string { return img.path }

// VMAddr returns the address the image was linked to expect as its base.
func (img *Image) VMAddr() (uint64, bool) { return img.vmaddr, img.hasVMAddr }

// Symbols returns the symbol table of the image.
func (img *Image) Symbols() SymbolTable { return img.symbols }

// Anomalous reports whether the symbol table has entries sharing an address.
func (img *Image) Anomalous() bool { return img.anomalous }

func (img *Image) String() string {
	if img.hasUUID {
		return fmt.Sprintf("%s (%s, %s)", img.path, img.arch, img.uuid)
	}
	return fmt.Sprintf("%s (%s)", img.path, img.arch)
}

// Entry is a symbol: its start address and name.
type Entry struct {
	Addr uint64
	Name string
}

func (e Entry) String() string {
	return fmt.Sprintf("%x %s", e.Addr, e.Name)
}

// SymbolTable is a view over the symbol records of one image. Addresses are
// sorted in increasing order.
type SymbolTable struct {
	db      *DB
	records []byte
}

// Len returns the number of entries.
func (t SymbolTable) Len() int { return len(t.records) / symbolRecordSize }

// Addr returns the address of the i-th entry.
func (t SymbolTable) Addr(i int) uint64 {
	return binary.LittleEndian.Uint64(t.records[i*symbolRecordSize:])
}

// Name returns the name of the i-th entry.
func (t SymbolTable) Name(i int) string {
	off := stringOffset(binary.LittleEndian.Uint32(t.records[i*symbolRecordSize+8:]))
	// Offsets are validated on open.
	s, _ := t.db.str(off)
	return s
}

// Entry returns the i-th entry.
func (t SymbolTable) Entry(i int) Entry {
	return Entry{Addr: t.Addr(i), Name: t.Name(i)}
}

// Search returns the index of the last entry with an address less than or
// equal to addr, or -1 if addr is below the first entry.
func (t SymbolTable) Search(addr uint64) int {
	return sort.Search(t.Len(), func(i int) bool {
		return t.Addr(i) > addr
	}) - 1
}

// check verifies that addresses never decrease and that every name is
// readable. It reports whether some entries share an address.
func (t SymbolTable) check() (duplicates bool, err error) {
	n := t.Len()
	for i := 0; i < n; i++ {
		off := stringOffset(binary.LittleEndian.Uint32(t.records[i*symbolRecordSize+8:]))
		if _, err = t.db.str(off); err != nil {
			return false, fmt.Errorf("symbol %d: %w", i, err)
		}
		if i == 0 {
			continue
		}
		prev, cur := t.Addr(i-1), t.Addr(i)
		switch {
		case cur < prev:
			return false, errors.New("symbol table is not sorted")
		case cur == prev:
			duplicates = true
		}
	}
	return duplicates, nil
}
