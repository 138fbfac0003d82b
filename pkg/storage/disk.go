package storage

import (
	"context"
	"io"
)

// Visibility mirrors object-store ACL semantics across drivers.
type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

// PutOptions carries metadata persisted alongside an object.
type PutOptions struct {
	ContentType string
	Visibility  Visibility
}

// Disk is the uniform storage contract the pipeline runs against. Local
// filesystem and S3-compatible implementations both satisfy it; cleanup and
// promotion never branch on the driver.
type Disk interface {
	Name() string
	Exists(ctx context.Context, path string) (bool, error)
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	Put(ctx context.Context, path string, r io.Reader, opts PutOptions) error
	Delete(ctx context.Context, path string) error
	DeleteDir(ctx context.Context, path string) error
	Directories(ctx context.Context, path string) ([]string, error)
	Size(ctx context.Context, path string) (int64, error)
	MimeType(ctx context.Context, path string) (string, error)
	Visibility(ctx context.Context, path string) (Visibility, error)
}

// LocalPather is satisfied by disks whose objects are reachable as local
// files. The optimizer uses it to rewrite files in place instead of
// streaming through a temp file.
type LocalPather interface {
	LocalPath(path string) (string, error)
}

// Registry resolves disks by configured name.
type Registry struct {
	disks map[string]Disk
}

// NewRegistry builds a registry over the given disks.
func NewRegistry(disks ...Disk) *Registry {
	m := make(map[string]Disk, len(disks))
	for _, d := range disks {
		m[d.Name()] = d
	}
	return &Registry{disks: m}
}

// Disk returns the named disk.
func (r *Registry) Disk(name string) (Disk, bool) {
	d, ok := r.disks[name]
	return d, ok
}

// Names lists registered disk names.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.disks))
	for name := range r.disks {
		names = append(names, name)
	}
	return names
}
