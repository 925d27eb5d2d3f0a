package storage_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/pdp-extractor/internal/checkpoint"
	"github.com/JakeFAU/pdp-extractor/internal/storage"
	"github.com/JakeFAU/pdp-extractor/internal/storage/memory"
)

func writeOutput(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestFileMirrorUploadsOutput(t *testing.T) {
	path := writeOutput(t, "results.csv", "URL,Status\nhttps://shop.example.com/p/1,success\n")
	blobs := &storage.MockBlobStore{}
	blobs.On("PutObject", mock.Anything, "runs/latest.csv", "text/csv", "URL,Status\nhttps://shop.example.com/p/1,success\n").
		Return("gs://bucket/runs/latest.csv", nil).Once()

	mirror, err := storage.NewFileMirror("gcs", blobs, "runs/latest.csv")
	require.NoError(t, err)
	assert.Equal(t, "gcs", mirror.Name())
	require.NoError(t, mirror.Mirror(context.Background(), checkpoint.Batch{Path: path}))
	blobs.AssertExpectations(t)
}

func TestFileMirrorDefaultsToBaseName(t *testing.T) {
	path := writeOutput(t, "results.xlsx", "zip bytes")
	blobs := memory.NewBlobStore()
	mirror, err := storage.NewFileMirror("memory", blobs, "")
	require.NoError(t, err)

	require.NoError(t, mirror.Mirror(context.Background(), checkpoint.Batch{Path: path}))
	data, ok := blobs.Get("results.xlsx")
	require.True(t, ok)
	assert.Equal(t, "zip bytes", string(data))
	assert.Equal(t, storage.ContentType(path), blobs.ContentType("results.xlsx"))
}

func TestFileMirrorErrors(t *testing.T) {
	_, err := storage.NewFileMirror("none", nil, "")
	require.Error(t, err)

	blobs := &storage.MockBlobStore{}
	blobs.On("PutObject", mock.Anything, "results.csv", "text/csv", "x").Return("", errors.New("quota exceeded"))
	mirror, err := storage.NewFileMirror("gcs", blobs, "")
	require.NoError(t, err)

	err = mirror.Mirror(context.Background(), checkpoint.Batch{Path: writeOutput(t, "results.csv", "x")})
	require.ErrorContains(t, err, "quota exceeded")

	err = mirror.Mirror(context.Background(), checkpoint.Batch{Path: filepath.Join(t.TempDir(), "missing.csv")})
	require.ErrorContains(t, err, "open output")
}

func TestContentType(t *testing.T) {
	assert.Equal(t, "text/csv", storage.ContentType("a/B.CSV"))
	assert.Equal(t, "application/octet-stream", storage.ContentType("notes.txt"))
}
