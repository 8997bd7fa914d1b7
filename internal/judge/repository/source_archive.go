package repository

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"contestjudge/internal/common/storage"
	appErr "contestjudge/pkg/errors"

	"github.com/klauspost/compress/zstd"
)

const (
	sourceKeyPrefix   = "submissions/"
	sourceContentType = "application/zstd"
	// Archived sources never decompress beyond this.
	maxSourceBytes = 4 << 20
)

// SourceArchive stores submitted source code zstd-compressed in object storage.
type SourceArchive struct {
	storage storage.ObjectStorage
	bucket  string
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewSourceArchive creates an archive writing to bucket.
func NewSourceArchive(store storage.ObjectStorage, bucket string) (*SourceArchive, error) {
	if store == nil {
		return nil, fmt.Errorf("storage is required")
	}
	if bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxSourceBytes))
	if err != nil {
		return nil, err
	}
	return &SourceArchive{storage: store, bucket: bucket, encoder: enc, decoder: dec}, nil
}

// Put uploads source and returns its object key and sha256 hex digest.
func (a *SourceArchive) Put(ctx context.Context, submissionID, source string) (string, string, error) {
	key := sourceKeyPrefix + submissionID + ".zst"
	compressed := a.encoder.EncodeAll([]byte(source), nil)
	if err := a.storage.PutObject(ctx, a.bucket, key, bytes.NewReader(compressed), int64(len(compressed)), sourceContentType); err != nil {
		return "", "", appErr.Wrapf(err, appErr.StorageError, "upload source failed")
	}
	return key, hashSource(source), nil
}

// Get downloads the source stored under key. A non-empty hash is verified.
func (a *SourceArchive) Get(ctx context.Context, key, hash string) (string, error) {
	reader, err := a.storage.GetObject(ctx, a.bucket, key)
	if err != nil {
		return "", appErr.Wrapf(err, appErr.StorageError, "download source failed")
	}
	defer reader.Close()

	compressed, err := io.ReadAll(io.LimitReader(reader, maxSourceBytes))
	if err != nil {
		return "", appErr.Wrapf(err, appErr.StorageError, "read source failed")
	}
	raw, err := a.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return "", appErr.Wrapf(err, appErr.StorageError, "decompress source failed")
	}
	source := string(raw)
	if hash != "" && !strings.EqualFold(hashSource(source), hash) {
		return "", appErr.New(appErr.InvalidParams).WithMessage("source hash mismatch")
	}
	return source, nil
}

// Remove deletes the archived source.
func (a *SourceArchive) Remove(ctx context.Context, key string) error {
	if err := a.storage.RemoveObject(ctx, a.bucket, key); err != nil {
		return appErr.Wrapf(err, appErr.StorageError, "remove source failed")
	}
	return nil
}

// Close releases encoder and decoder resources.
func (a *SourceArchive) Close() error {
	a.decoder.Close()
	return a.encoder.Close()
}

func hashSource(source string) string {
	sum := sha256.Sum256([]byte(source))
	return hex.EncodeToString(sum[:])
}
