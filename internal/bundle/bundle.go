// Package bundle validates and extracts tokenizer bundles: zip archives
// shipped alongside a worker registration that carry a tokenizer.json,
// chat template, and related files (SPEC_FULL.md §6/§8). Grounded on
// original_source/grpc_client/src/archive_ops.rs and tokenizer/src/bundle.rs.
package bundle

import (
	"archive/zip"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/smg/model-gateway/internal/gwerrors"
)

// MaxZipEntries bounds how many files a tokenizer bundle may contain.
const MaxZipEntries = 50

// MaxUncompressedSize bounds the total uncompressed size of a bundle's
// contents (500 MiB).
const MaxUncompressedSize uint64 = 500 * 1024 * 1024

// MaxTokenizerBundleSize bounds the compressed payload accepted over the
// wire before it is ever opened as a zip archive (200 MiB).
const MaxTokenizerBundleSize = 200 * 1024 * 1024

// FileDescriptor describes one file a tokenizer bundle's manifest expects.
type FileDescriptor struct {
	FileName string
	MimeType string
	Optional bool
}

// Metadata is the manifest chunk sent before a bundle's compressed data.
type Metadata struct {
	ModelIdentifier string
	Fingerprint     string
	Files           []FileDescriptor
	BundleFormat    string
}

// Bundle is a fully received, not-yet-validated tokenizer bundle.
type Bundle struct {
	Metadata       Metadata
	CompressedData []byte
	SHA256         string
}

// Chunk is one unit of a streamed bundle upload: either the manifest or a
// slice of the compressed payload.
type Chunk struct {
	Metadata  *Metadata
	FileChunk *FileChunk
}

// FileChunk is one ordered slice of a streamed bundle's compressed bytes.
type FileChunk struct {
	Data        []byte
	ChunkIndex  uint32
	IsLastChunk bool
}

// Collector accumulates chunks of a streamed tokenizer bundle upload into a
// validated Bundle, enforcing the protocol invariants: metadata first,
// chunks in order, nothing after the final chunk, total size capped.
type Collector struct {
	metadata           *Metadata
	compressedData     []byte
	expectedChunkIndex uint32
	lastChunkReceived  bool
}

// NewCollector returns an empty Collector ready to receive a bundle upload.
func NewCollector() *Collector {
	return &Collector{}
}

// Push feeds one chunk into the collector in arrival order.
func (c *Collector) Push(chunk Chunk) error {
	if c.lastChunkReceived {
		return gwerrors.New(gwerrors.InvalidArgument, "bundle_chunk_after_final", "protocol error: received chunk after final chunk")
	}

	if chunk.Metadata != nil {
		if c.metadata != nil {
			return gwerrors.New(gwerrors.InvalidArgument, "bundle_unexpected_metadata",
				fmt.Sprintf("protocol error: unexpected metadata chunk at position %d", c.expectedChunkIndex))
		}
		if chunk.Metadata.BundleFormat != "zip" {
			return gwerrors.New(gwerrors.InvalidArgument, "bundle_unsupported_format",
				fmt.Sprintf("unsupported tokenizer bundle format %q, expected 'zip'", chunk.Metadata.BundleFormat))
		}
		meta := *chunk.Metadata
		c.metadata = &meta
		return nil
	}

	fc := chunk.FileChunk
	if c.metadata == nil {
		return gwerrors.New(gwerrors.InvalidArgument, "bundle_first_chunk_not_metadata", "protocol error: first chunk must be metadata, got file chunk")
	}
	if fc.ChunkIndex != c.expectedChunkIndex {
		return gwerrors.New(gwerrors.InvalidArgument, "bundle_out_of_order_chunk",
			fmt.Sprintf("protocol error: expected chunk index %d, got %d", c.expectedChunkIndex, fc.ChunkIndex))
	}

	newTotal := len(c.compressedData) + len(fc.Data)
	if newTotal > MaxTokenizerBundleSize {
		return gwerrors.New(gwerrors.PayloadTooLarge, "bundle_stream_too_large",
			fmt.Sprintf("tokenizer bundle exceeds maximum size limit (%d bytes > %d bytes)", newTotal, MaxTokenizerBundleSize))
	}

	c.compressedData = append(c.compressedData, fc.Data...)
	c.lastChunkReceived = fc.IsLastChunk
	c.expectedChunkIndex++
	return nil
}

// Finish validates that a complete bundle was received and returns it.
func (c *Collector) Finish() (*Bundle, error) {
	if c.metadata == nil {
		return nil, gwerrors.New(gwerrors.InvalidArgument, "bundle_empty_stream", "empty stream: expected metadata chunk")
	}
	if !c.lastChunkReceived {
		return nil, gwerrors.New(gwerrors.InvalidArgument, "bundle_stream_incomplete", "protocol error: stream ended without receiving final chunk")
	}
	if len(c.compressedData) == 0 {
		return nil, gwerrors.New(gwerrors.InvalidArgument, "bundle_empty_payload", "protocol error: received empty tokenizer bundle")
	}
	return &Bundle{Metadata: *c.metadata, CompressedData: c.compressedData}, nil
}

// ValidateSHA256 checks the bundle's compressed data against its declared
// fingerprint, if one was supplied; an empty fingerprint skips the check.
func ValidateSHA256(b *Bundle) error {
	if b.SHA256 == "" {
		return nil
	}
	sum := sha256.Sum256(b.CompressedData)
	computed := hex.EncodeToString(sum[:])
	if !strings.EqualFold(computed, b.SHA256) {
		return gwerrors.New(gwerrors.InvalidArgument, "bundle_fingerprint_mismatch",
			fmt.Sprintf("bundle fingerprint mismatch: expected %s, got %s", b.SHA256, computed))
	}
	return nil
}

// checkedAddUncompressedSize adds entrySize to total, failing instead of
// silently wrapping on overflow.
func checkedAddUncompressedSize(total, entrySize uint64) (uint64, error) {
	sum := total + entrySize
	if sum < total {
		return 0, gwerrors.New(gwerrors.InvalidArgument, "bundle_size_overflow", "zip archive total uncompressed size overflowed u64")
	}
	return sum, nil
}

// hasTraversal reports whether a zip entry name tries to escape the
// extraction directory (absolute path, "..", or a Windows drive prefix).
func hasTraversal(name string) bool {
	if filepath.IsAbs(name) || strings.HasPrefix(name, "/") {
		return true
	}
	clean := filepath.ToSlash(filepath.Clean(name))
	for _, part := range strings.Split(clean, "/") {
		if part == ".." {
			return true
		}
	}
	if vol := filepath.VolumeName(name); vol != "" {
		return true
	}
	return false
}

// ValidateZipArchive opens data as a zip archive and checks the entry-count
// cap, path-traversal safety, and total uncompressed size cap before
// returning the opened reader for extraction.
func ValidateZipArchive(data []byte) (*zip.Reader, error) {
	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.InvalidArgument, "bundle_zip_open_failed", "failed to open zip archive", err)
	}

	if len(reader.File) > MaxZipEntries {
		return nil, gwerrors.New(gwerrors.InvalidArgument, "bundle_too_many_entries",
			fmt.Sprintf("zip archive has too many entries (%d > %d)", len(reader.File), MaxZipEntries))
	}

	var totalUncompressed uint64
	for _, f := range reader.File {
		if hasTraversal(f.Name) {
			return nil, gwerrors.New(gwerrors.InvalidArgument, "bundle_unsafe_path",
				fmt.Sprintf("zip archive contains unsafe path: %s", f.Name))
		}
		var err error
		totalUncompressed, err = checkedAddUncompressedSize(totalUncompressed, f.UncompressedSize64)
		if err != nil {
			return nil, err
		}
	}

	if totalUncompressed > MaxUncompressedSize {
		return nil, gwerrors.New(gwerrors.InvalidArgument, "bundle_uncompressed_too_large",
			fmt.Sprintf("zip archive uncompressed size too large (%d bytes > %d bytes)", totalUncompressed, MaxUncompressedSize))
	}

	return reader, nil
}

// ExtractedDir is a temporary directory holding an extracted bundle, with
// explicit cleanup so callers control when the files disappear.
type ExtractedDir struct {
	path string
}

// Path returns the directory containing the extracted bundle files.
func (e *ExtractedDir) Path() string { return e.path }

// Cleanup removes the extracted directory and its contents.
func (e *ExtractedDir) Cleanup() error {
	return os.RemoveAll(e.path)
}

// ExtractToTempDir validates b's compressed data as a zip archive and
// extracts it into a fresh temporary directory.
func ExtractToTempDir(b *Bundle) (*ExtractedDir, error) {
	reader, err := ValidateZipArchive(b.CompressedData)
	if err != nil {
		return nil, err
	}

	dir, err := os.MkdirTemp("", "tokenizer-bundle-*")
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.Internal, "bundle_tempdir_failed", "failed to create temp dir", err)
	}

	for _, f := range reader.File {
		destPath := filepath.Join(dir, f.Name)
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(destPath, 0o755); err != nil {
				os.RemoveAll(dir)
				return nil, gwerrors.Wrap(gwerrors.Internal, "bundle_extract_failed", "archive extraction failed", err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
			os.RemoveAll(dir)
			return nil, gwerrors.Wrap(gwerrors.Internal, "bundle_extract_failed", "archive extraction failed", err)
		}
		if err := extractFile(f, destPath); err != nil {
			os.RemoveAll(dir)
			return nil, gwerrors.Wrap(gwerrors.Internal, "bundle_extract_failed", "archive extraction failed", err)
		}
	}

	return &ExtractedDir{path: dir}, nil
}

func extractFile(f *zip.File, destPath string) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	out, err := os.OpenFile(destPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, f.Mode())
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, rc)
	return err
}

// WithExtracted extracts b to a temp directory, runs operation against it,
// and cleans the directory up regardless of operation's outcome.
func WithExtracted[R any](b *Bundle, operation func(path string) (R, error)) (R, error) {
	var zero R
	extracted, err := ExtractToTempDir(b)
	if err != nil {
		return zero, err
	}
	result, opErr := operation(extracted.Path())
	_ = extracted.Cleanup()
	return result, opErr
}
