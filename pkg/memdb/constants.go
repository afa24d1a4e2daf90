package memdb

import "hash/crc32"

// File format constants
const (
	// Current version of the memdb format
	version uint32 = 1

	// Size of the file header in bytes
	headerSize = 0x50

	// Size of a single image record in bytes
	imageRecordSize = 0x40

	// Size of a single symbol record: address (8) and name offset (4)
	symbolRecordSize = 12

	// Size of the length prefix of a string table entry
	stringLengthSize = 4
)

const (
	imageFlagHasUUID uint32 = 1 << iota
	imageFlagHasVMAddr
)

// CRC32 table using the Castagnoli polynomial
var (
	castagnoli = crc32.MakeTable(crc32.Castagnoli)
	magic      = []byte{0x4d, 0x45, 0x4d, 0x44} // "MEMD"
)
