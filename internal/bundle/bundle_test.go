package bundle_test

import (
	"archive/zip"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/smg/model-gateway/internal/bundle"
)

func testMetadata() bundle.Metadata {
	return bundle.Metadata{
		ModelIdentifier: "test-model",
		Fingerprint:     "test-fingerprint",
		Files: []bundle.FileDescriptor{
			{FileName: "tokenizer.json", MimeType: "application/json", Optional: false},
		},
		BundleFormat: "zip",
	}
}

func TestCollectorAcceptsValidMetadataAndChunks(t *testing.T) {
	c := bundle.NewCollector()
	meta := testMetadata()
	if err := c.Push(bundle.Chunk{Metadata: &meta}); err != nil {
		t.Fatalf("push metadata: %v", err)
	}
	if err := c.Push(bundle.Chunk{FileChunk: &bundle.FileChunk{Data: []byte("abc"), ChunkIndex: 0}}); err != nil {
		t.Fatalf("push chunk 0: %v", err)
	}
	if err := c.Push(bundle.Chunk{FileChunk: &bundle.FileChunk{Data: []byte("def"), ChunkIndex: 1, IsLastChunk: true}}); err != nil {
		t.Fatalf("push chunk 1: %v", err)
	}

	b, err := c.Finish()
	if err != nil {
		t.Fatalf("Finish() error = %v", err)
	}
	if b.Metadata.ModelIdentifier != "test-model" {
		t.Fatalf("ModelIdentifier = %q", b.Metadata.ModelIdentifier)
	}
	if string(b.CompressedData) != "abcdef" {
		t.Fatalf("CompressedData = %q, want abcdef", b.CompressedData)
	}
}

func TestCollectorRejectsFileChunkBeforeMetadata(t *testing.T) {
	c := bundle.NewCollector()
	err := c.Push(bundle.Chunk{FileChunk: &bundle.FileChunk{Data: []byte{1, 2, 3}, IsLastChunk: true}})
	if err == nil || !containsSubstr(err.Error(), "first chunk must be metadata") {
		t.Fatalf("err = %v", err)
	}
}

func TestCollectorRejectsOutOfOrderChunkIndex(t *testing.T) {
	c := bundle.NewCollector()
	meta := testMetadata()
	c.Push(bundle.Chunk{Metadata: &meta})
	err := c.Push(bundle.Chunk{FileChunk: &bundle.FileChunk{Data: []byte{1, 2, 3}, ChunkIndex: 1, IsLastChunk: true}})
	if err == nil || !containsSubstr(err.Error(), "expected chunk index 0, got 1") {
		t.Fatalf("err = %v", err)
	}
}

func TestCollectorRejectsChunkAfterLastChunk(t *testing.T) {
	c := bundle.NewCollector()
	meta := testMetadata()
	c.Push(bundle.Chunk{Metadata: &meta})
	c.Push(bundle.Chunk{FileChunk: &bundle.FileChunk{Data: []byte{1, 2, 3}, ChunkIndex: 0, IsLastChunk: true}})
	err := c.Push(bundle.Chunk{FileChunk: &bundle.FileChunk{Data: []byte{4, 5, 6}, ChunkIndex: 1, IsLastChunk: true}})
	if err == nil || !containsSubstr(err.Error(), "received chunk after final chunk") {
		t.Fatalf("err = %v", err)
	}
}

func TestCollectorFinishRequiresFinalChunk(t *testing.T) {
	c := bundle.NewCollector()
	meta := testMetadata()
	c.Push(bundle.Chunk{Metadata: &meta})
	c.Push(bundle.Chunk{FileChunk: &bundle.FileChunk{Data: []byte{1, 2, 3}, ChunkIndex: 0}})
	_, err := c.Finish()
	if err == nil || !containsSubstr(err.Error(), "stream ended without receiving final chunk") {
		t.Fatalf("err = %v", err)
	}
}

func TestCollectorRejectsUnsupportedBundleFormat(t *testing.T) {
	c := bundle.NewCollector()
	meta := testMetadata()
	meta.BundleFormat = "tar.gz"
	err := c.Push(bundle.Chunk{Metadata: &meta})
	if err == nil || !containsSubstr(err.Error(), "unsupported tokenizer bundle format") {
		t.Fatalf("err = %v", err)
	}
}

func TestValidateSHA256AcceptsMatchingFingerprint(t *testing.T) {
	data := []byte("test-bundle")
	sum := sha256.Sum256(data)
	b := &bundle.Bundle{CompressedData: data, SHA256: hex.EncodeToString(sum[:])}
	if err := bundle.ValidateSHA256(b); err != nil {
		t.Fatalf("ValidateSHA256() error = %v", err)
	}
}

func TestValidateSHA256RejectsMismatch(t *testing.T) {
	b := &bundle.Bundle{CompressedData: []byte("test-bundle"), SHA256: "deadbeef"}
	err := bundle.ValidateSHA256(b)
	if err == nil || !containsSubstr(err.Error(), "fingerprint mismatch") {
		t.Fatalf("err = %v", err)
	}
}

func TestValidateSHA256AllowsMissingFingerprint(t *testing.T) {
	b := &bundle.Bundle{CompressedData: []byte("test-bundle")}
	if err := bundle.ValidateSHA256(b); err != nil {
		t.Fatalf("ValidateSHA256() error = %v", err)
	}
}

func buildTestZip(t *testing.T, entryCount int, payload []byte) []byte {
	t.Helper()
	buf := &bytes.Buffer{}
	w := zip.NewWriter(buf)
	for i := 0; i < entryCount; i++ {
		f, err := w.Create(fmt.Sprintf("file-%d.txt", i))
		if err != nil {
			t.Fatalf("create entry: %v", err)
		}
		if _, err := f.Write(payload); err != nil {
			t.Fatalf("write entry: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close zip writer: %v", err)
	}
	return buf.Bytes()
}

func containsSubstr(s, substr string) bool {
	return strings.Contains(s, substr)
}

func TestValidateZipArchiveAcceptsValidZip(t *testing.T) {
	data := buildTestZip(t, 1, []byte("hello"))
	reader, err := bundle.ValidateZipArchive(data)
	if err != nil {
		t.Fatalf("ValidateZipArchive() error = %v", err)
	}
	if len(reader.File) != 1 {
		t.Fatalf("len(File) = %d, want 1", len(reader.File))
	}
}

func TestValidateZipArchiveRejectsInvalidZipData(t *testing.T) {
	_, err := bundle.ValidateZipArchive([]byte{1, 2, 3, 4})
	if err == nil || !containsSubstr(err.Error(), "failed to open zip archive") {
		t.Fatalf("err = %v", err)
	}
}

func TestValidateZipArchiveRejectsTooManyEntries(t *testing.T) {
	data := buildTestZip(t, bundle.MaxZipEntries+1, []byte("x"))
	_, err := bundle.ValidateZipArchive(data)
	if err == nil || !containsSubstr(err.Error(), "too many entries") {
		t.Fatalf("err = %v", err)
	}
}

func TestValidateZipArchiveRejectsUnsafePaths(t *testing.T) {
	buf := &bytes.Buffer{}
	w := zip.NewWriter(buf)
	f, err := w.Create("../evil.txt")
	if err != nil {
		t.Fatalf("create entry: %v", err)
	}
	f.Write([]byte("x"))
	w.Close()

	_, err = bundle.ValidateZipArchive(buf.Bytes())
	if err == nil || !containsSubstr(err.Error(), "unsafe path") {
		t.Fatalf("err = %v", err)
	}
}

func TestExtractToTempDirExtractsFiles(t *testing.T) {
	data := buildTestZip(t, 1, []byte("hello"))
	b := &bundle.Bundle{CompressedData: data}

	extracted, err := bundle.ExtractToTempDir(b)
	if err != nil {
		t.Fatalf("ExtractToTempDir() error = %v", err)
	}
	defer extracted.Cleanup()

	content, err := os.ReadFile(filepath.Join(extracted.Path(), "file-0.txt"))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if string(content) != "hello" {
		t.Fatalf("content = %q, want hello", content)
	}
}

func TestWithExtractedCleansUpAfterOperation(t *testing.T) {
	data := buildTestZip(t, 1, []byte("hello"))
	b := &bundle.Bundle{CompressedData: data}

	var capturedPath string
	result, err := bundle.WithExtracted(b, func(path string) (string, error) {
		capturedPath = path
		content, err := os.ReadFile(filepath.Join(path, "file-0.txt"))
		return string(content), err
	})
	if err != nil {
		t.Fatalf("WithExtracted() error = %v", err)
	}
	if result != "hello" {
		t.Fatalf("result = %q, want hello", result)
	}
	if _, err := os.Stat(capturedPath); !os.IsNotExist(err) {
		t.Fatal("expected temp dir to be removed after WithExtracted returns")
	}
}
