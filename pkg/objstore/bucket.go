// SPDX-License-Identifier: AGPL-3.0-only
// Provenance-includes-location: https://github.com/cortexproject/cortex/blob/master/pkg/storage/bucket/client.go
// Provenance-includes-license: Apache-2.0
// Provenance-includes-copyright: The Cortex Authors.

package objstore

import (
	"context"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/thanos-io/objstore"
	"github.com/thanos-io/objstore/providers/filesystem"
	"github.com/thanos-io/objstore/providers/s3"
)

// NewBucket creates a new bucket client based on the configured backend.
// The client is instrumented with the bucket operation metrics.
func NewBucket(_ context.Context, cfg Config, name string, logger log.Logger, reg prometheus.Registerer) (objstore.Bucket, error) {
	var (
		backendClient objstore.Bucket
		err           error
	)
	switch cfg.Backend {
	case S3:
		backendClient, err = s3.NewBucketWithConfig(logger, newS3Config(cfg.S3), name, nil)
	case Filesystem:
		backendClient, err = filesystem.NewBucket(cfg.Filesystem.Directory)
	case Memory:
		backendClient = objstore.NewInMemBucket()
	default:
		return nil, ErrUnsupportedStorageBackend
	}
	if err != nil {
		return nil, err
	}

	var bkt objstore.Bucket = objstore.BucketWithMetrics(name, backendClient, reg)
	if cfg.StoragePrefix != "" {
		bkt = objstore.NewPrefixedBucket(bkt, cfg.StoragePrefix)
	}
	return bkt, nil
}

func newS3Config(cfg S3Config) s3.Config {
	lookup := s3.AutoLookup
	if cfg.ForcePathStyle {
		lookup = s3.PathLookup
	}
	return s3.Config{
		Bucket:           cfg.BucketName,
		Endpoint:         cfg.Endpoint,
		Region:           cfg.Region,
		AccessKey:        cfg.AccessKeyID,
		SecretKey:        cfg.SecretAccessKey.String(),
		Insecure:         cfg.Insecure,
		BucketLookupType: lookup,
	}
}
