// Package storage copies the flushed output file to blob stores.
package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/JakeFAU/pdp-extractor/internal/checkpoint"
)

// BlobStore persists one object and returns its URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// FileMirror uploads the whole output file after each flush. It implements
// checkpoint.Mirror.
type FileMirror struct {
	name   string
	store  BlobStore
	object string
}

var _ checkpoint.Mirror = (*FileMirror)(nil)

// NewFileMirror builds a mirror named name. When object is empty the output
// file's base name is used.
func NewFileMirror(name string, store BlobStore, object string) (*FileMirror, error) {
	if store == nil {
		return nil, fmt.Errorf("blob store is required")
	}
	return &FileMirror{name: name, store: store, object: object}, nil
}

// Name implements checkpoint.Mirror.
func (m *FileMirror) Name() string { return m.name }

// Mirror uploads batch.Path.
func (m *FileMirror) Mirror(ctx context.Context, batch checkpoint.Batch) error {
	object := m.object
	if object == "" {
		object = filepath.Base(batch.Path)
	}
	f, err := os.Open(batch.Path)
	if err != nil {
		return fmt.Errorf("open output: %w", err)
	}
	defer func() { _ = f.Close() }()
	if _, err := m.store.PutObject(ctx, object, ContentType(batch.Path), f); err != nil {
		return fmt.Errorf("upload %s: %w", object, err)
	}
	return nil
}

// ContentType maps an output path to its MIME type.
func ContentType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return "text/csv"
	case ".xlsx":
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	case ".xlsm":
		return "application/vnd.ms-excel.sheet.macroEnabled.12"
	default:
		return "application/octet-stream"
	}
}
