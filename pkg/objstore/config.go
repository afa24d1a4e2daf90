// SPDX-License-Identifier: AGPL-3.0-only
// Provenance-includes-location: https://github.com/cortexproject/cortex/blob/master/pkg/storage/bucket/client.go
// Provenance-includes-license: Apache-2.0
// Provenance-includes-copyright: The Cortex Authors.

package objstore

import (
	"errors"
	"flag"
	"fmt"
	"strings"

	"github.com/grafana/dskit/flagext"
	"github.com/samber/lo"
)

const (
	// Filesystem is the value for the filesystem storage backend.
	Filesystem = "filesystem"
	// S3 is the value for the S3 storage backend.
	S3 = "s3"
	// Memory keeps objects in process memory. Used by tests and local runs.
	Memory = "memory"
)

var (
	SupportedBackends = []string{Filesystem, S3, Memory}

	ErrUnsupportedStorageBackend = errors.New("unsupported storage backend")
	ErrInvalidCharactersInPrefix = errors.New("storage prefix contains invalid characters, it may only contain digits, English alphabet letters and dashes")
)

type FilesystemConfig struct {
	Directory string `yaml:"dir"`
}

func (cfg *FilesystemConfig) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.Directory, prefix+"filesystem.dir", "./data/sdks", "Local filesystem directory holding the SDK databases.")
}

type S3Config struct {
	Endpoint        string         `yaml:"endpoint"`
	Region          string         `yaml:"region"`
	BucketName      string         `yaml:"bucket_name"`
	AccessKeyID     string         `yaml:"access_key_id"`
	SecretAccessKey flagext.Secret `yaml:"secret_access_key"`
	Insecure        bool           `yaml:"insecure" category:"advanced"`
	ForcePathStyle  bool           `yaml:"force_path_style" category:"advanced"`
}

func (cfg *S3Config) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.Endpoint, prefix+"s3.endpoint", "", "The S3 bucket endpoint. It could be an AWS S3 endpoint listed at https://docs.aws.amazon.com/general/latest/gr/s3.html or the address of an S3-compatible service in hostname:port format.")
	f.StringVar(&cfg.Region, prefix+"s3.region", "", "S3 region. If unset, the client will issue a S3 GetBucketLocation API call to autodetect it.")
	f.StringVar(&cfg.BucketName, prefix+"s3.bucket-name", "", "S3 bucket name")
	f.StringVar(&cfg.AccessKeyID, prefix+"s3.access-key-id", "", "S3 access key ID")
	f.Var(&cfg.SecretAccessKey, prefix+"s3.secret-access-key", "S3 secret access key")
	f.BoolVar(&cfg.Insecure, prefix+"s3.insecure", false, "If enabled, use http:// for the S3 endpoint instead of https://. This could be useful in local dev/test environments while using an S3-compatible backend storage, like Minio.")
	f.BoolVar(&cfg.ForcePathStyle, prefix+"s3.force-path-style", false, "Set this to `true` to force the bucket lookup to be using path-style.")
}

func (cfg *S3Config) Validate() error {
	if cfg.BucketName == "" {
		return errors.New("s3 bucket name is required")
	}
	if cfg.Endpoint == "" {
		return errors.New("s3 endpoint is required")
	}
	return nil
}

// Config holds the configuration of the bucket the SDK databases are read
// from.
type Config struct {
	Backend       string           `yaml:"backend"`
	StoragePrefix string           `yaml:"prefix"`
	Filesystem    FilesystemConfig `yaml:"filesystem"`
	S3            S3Config         `yaml:"s3"`
}

// RegisterFlags registers the backend storage config.
func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	cfg.RegisterFlagsWithPrefix("storage.", f)
}

func (cfg *Config) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	cfg.Filesystem.RegisterFlagsWithPrefix(prefix, f)
	cfg.S3.RegisterFlagsWithPrefix(prefix, f)
	f.StringVar(&cfg.Backend, prefix+"backend", Filesystem, fmt.Sprintf("Backend storage to use. Supported backends are: %s.", strings.Join(SupportedBackends, ", ")))
	f.StringVar(&cfg.StoragePrefix, prefix+"prefix", "", "Prefix for all objects stored in the backend storage. For simplicity, it may only contain digits and English alphabet letters.")
}

func (cfg *Config) Validate() error {
	if !lo.Contains(SupportedBackends, cfg.Backend) {
		return ErrUnsupportedStorageBackend
	}
	if cfg.StoragePrefix != "" {
		acceptable := lo.Every([]rune("abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789-"), []rune(cfg.StoragePrefix))
		if !acceptable {
			return ErrInvalidCharactersInPrefix
		}
	}
	if cfg.Backend == S3 {
		return cfg.S3.Validate()
	}
	return nil
}
