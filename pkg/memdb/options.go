package memdb

// Option configures how a database is opened or written.
type Option func(*options)

type options struct {
	crc        bool // Verify checksums on open
	duplicates bool // Keep symbols sharing an address when writing
}

// WithCRC enables CRC checking when opening a database.
func WithCRC() Option {
	return func(o *options) {
		o.crc = true
	}
}

// WithDuplicates makes the writer keep symbols that share an address instead
// of rejecting the image. Entries keep their input order. Readers flag such
// images as anomalous.
func WithDuplicates() Option {
	return func(o *options) {
		o.duplicates = true
	}
}
