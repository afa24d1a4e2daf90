package symbolizer

import (
	"fmt"

	"github.com/google/uuid"
)

// ImageRefKind tells which identity key a query carries.
type ImageRefKind uint8

const (
	ImageRefNone ImageRefKind = iota
	ImageRefUUID
	ImageRefPath
)

func (k ImageRefKind) String() string {
	switch k {
	case ImageRefNone:
		return "none"
	case ImageRefUUID:
		return "uuid"
	case ImageRefPath:
		return "path"
	default:
		return fmt.Sprintf("ImageRefKind(%d)", k)
	}
}

// ImageRef identifies the image a query address belongs to: either by debug
// UUID or by object path. The zero value refers to no image.
type ImageRef struct {
	kind ImageRefKind
	uuid uuid.UUID
	path string
}

// ImageByUUID refers to an image by its debug identity.
func ImageByUUID(id uuid.UUID) ImageRef {
	return ImageRef{kind: ImageRefUUID, uuid: id}
}

// ImageByPath refers to an image by its object path. The architecture comes
// from the batch.
func ImageByPath(path string) ImageRef {
	return ImageRef{kind: ImageRefPath, path: path}
}

// NewImageRef picks the UUID when present and falls back to the path.
func NewImageRef(id *uuid.UUID, path *string) ImageRef {
	switch {
	case id != nil:
		return ImageByUUID(*id)
	case path != nil && *path != "":
		return ImageByPath(*path)
	default:
		return ImageRef{}
	}
}

func (r ImageRef) Kind() ImageRefKind { return r.kind }
func (r ImageRef) UUID() uuid.UUID    { return r.uuid }
func (r ImageRef) Path() string       { return r.path }

func (r ImageRef) String() string {
	switch r.kind {
	case ImageRefUUID:
		return r.uuid.String()
	case ImageRefPath:
		return r.path
	default:
		return "<none>"
	}
}

// Query is a single address to symbolize.
type Query struct {
	// Addr is the runtime address to resolve.
	Addr uint64
	// ImageAddr is the address the image was loaded at.
	ImageAddr uint64
	// ImageVMAddr is the link address reported by the client, used when the
	// database does not know the image's own.
	ImageVMAddr *uint64
	Image       ImageRef
}

// Symbol is the result of a successful resolution.
type Symbol struct {
	ObjectName string
	Name       string
	// Addr is the start address of the symbol in link space.
	Addr uint64
}

// Request is a batch of queries resolved against one SDK.
type Request struct {
	SdkID   string
	Arch    string
	Queries []Query
}
