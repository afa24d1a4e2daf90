package stash

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
	"github.com/thanos-io/objstore"

	"github.com/grafana/symbolserver/pkg/memdb"
	"github.com/grafana/symbolserver/pkg/sdk"
)

// Loader reads the database of an SDK. Load returns ErrUnknownSdk when the
// SDK has no database.
type Loader interface {
	Load(ctx context.Context, info sdk.Info) (*memdb.DB, error)
}

// BucketLoader loads databases stored as <sdk id>.memdb objects, optionally
// gzip or zstd compressed.
type BucketLoader struct {
	bucket objstore.BucketReader
	opts   []memdb.Option
}

func NewBucketLoader(bucket objstore.BucketReader, opts ...memdb.Option) *BucketLoader {
	return &BucketLoader{bucket: bucket, opts: opts}
}

func (l *BucketLoader) Load(ctx context.Context, info sdk.Info) (*memdb.DB, error) {
	name := info.ObjectName()
	rc, err := l.bucket.Get(ctx, name)
	if err != nil {
		if l.bucket.IsObjNotFoundErr(err) {
			return nil, ErrUnknownSdk
		}
		return nil, errors.Wrapf(err, "get %s", name)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", name)
	}
	if data, err = Decompress(data); err != nil {
		return nil, errors.Wrap(err, name)
	}
	db, err := memdb.Open(data, l.opts...)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", name)
	}
	recorded, err := sdk.Parse(db.SdkID())
	if err != nil || recorded.ID() != info.ID() {
		return nil, fmt.Errorf("%s holds the database of sdk %q", name, db.SdkID())
	}
	return db, nil
}

// List returns the SDKs that have a database in the bucket.
func (l *BucketLoader) List(ctx context.Context) ([]sdk.Info, error) {
	var infos []sdk.Info
	err := l.bucket.Iter(ctx, "", func(name string) error {
		if info, ok := sdk.ParseObjectName(name); ok {
			infos = append(infos, info)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "list sdks")
	}
	sdk.Sort(infos)
	return infos, nil
}

// Decompress inflates gzip or zstd data, detected by magic bytes. Other data is
// returned unchanged.
func Decompress(data []byte) ([]byte, error) {
	switch {
	case len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b:
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("create gzip reader: %w", err)
		}
		defer r.Close()
		decompressed, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("decompress gzip data: %w", err)
		}
		return decompressed, nil

	case len(data) >= 4 && data[0] == 0x28 && data[1] == 0xb5 && data[2] == 0x2f && data[3] == 0xfd:
		r, err := zstd.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("create zstd reader: %w", err)
		}
		defer r.Close()
		decompressed, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("decompress zstd data: %w", err)
		}
		return decompressed, nil
	}
	return data, nil
}
