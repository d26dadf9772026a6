package storage

import (
	"context"
	"io"
)

// PutOptions describes upload options for blob storage.
type PutOptions struct {
	ContentType string
}

// ObjectInfo describes a stored blob.
type ObjectInfo struct {
	ObjectKey string
	Size      int64
}

// Store abstracts permanent blob storage. Keys are server-generated object
// paths ("files/<user>/<token>"); chunk staging never goes through the Store.
type Store interface {
	PutObject(ctx context.Context, key string, reader io.Reader, size int64, opts PutOptions) error
	// PutFile uploads an already-assembled local file. The local backend may
	// move it into place instead of copying.
	PutFile(ctx context.Context, key, localPath string, opts PutOptions) error
	GetObject(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error)
	RemoveObject(ctx context.Context, key string) error
}

// Default is the main blob store instance.
var Default Store
