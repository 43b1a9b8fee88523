package nar

import (
	"crypto/sha256"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"

	"github.com/fly-io/nixless-agent/pkg/errors"
	"github.com/fly-io/nixless-agent/pkg/narinfo"
	"github.com/fly-io/nixless-agent/pkg/nixbase32"
)

// Result describes a completed pipeline run.
type Result struct {
	PartialDir string
}

// Pipeline composes the four streaming stages spec §4.4 requires: network
// read -> decompressor -> dual hasher -> extractor. It writes into
// <downloadsDir>/<package_id>.partial-<uuid>/ so concurrent retries never
// collide, then leaves the caller to rename the staging directory into
// place once it is satisfied (the Store Materializer, §4.5).
type Pipeline struct {
	downloadsDir        string
	maxFileSize         int64
	maxTotalSize        int64
	maxCompressionRatio float64
}

// New returns a Pipeline rooted at downloadsDir with the given NAR
// extraction safety ceilings (spec §4.4).
func New(downloadsDir string, maxFileSize, maxTotalSize int64, maxCompressionRatio float64) *Pipeline {
	return &Pipeline{
		downloadsDir:        downloadsDir,
		maxFileSize:         maxFileSize,
		maxTotalSize:        maxTotalSize,
		maxCompressionRatio: maxCompressionRatio,
	}
}

// Run streams src (the raw, still-compressed NAR bytes for a single package)
// through decompression, verification, and extraction. On any hash mismatch
// or safety-limit violation it removes the partial directory and returns an
// error classified per spec §7; the caller must not retain the partial
// directory on failure.
func (p *Pipeline) Run(packageID string, src io.Reader, info *narinfo.Info) (*Result, error) {
	partialDir := filepath.Join(p.downloadsDir, fmt.Sprintf("%s.partial-%s", packageID, uuid.NewString()))
	if err := os.MkdirAll(partialDir, 0o755); err != nil {
		return nil, errors.Kinded(errors.KindFilesystem, fmt.Errorf("nar: creating staging dir: %w", err))
	}

	compressedHash := sha256.New()
	limited := &limitingReader{r: io.TeeReader(src, compressedHash), max: info.FileSize}

	decompressed, err := decompressorFor(info.Compression, limited)
	if err != nil {
		cleanup(partialDir)
		return nil, errors.Kinded(errors.KindMalformed, err)
	}
	if closer, ok := decompressed.(io.Closer); ok {
		defer closer.Close()
	}

	uncompressedHash := sha256.New()
	hashedDecompressed := io.TeeReader(decompressed, uncompressedHash)

	v := NewValidator(p.maxFileSize, p.maxTotalSize, p.maxCompressionRatio)
	if err := Decode(hashedDecompressed, partialDir, v); err != nil {
		cleanup(partialDir)
		return nil, errors.Kinded(errors.KindIntegrityFailure, err)
	}

	compressedSize := limited.read
	uncompressedSize := v.CurrentTotalSize()
	if uncompressedSize > 0 {
		if err := v.ValidateCompressionRatio(compressedSize, uncompressedSize); err != nil {
			cleanup(partialDir)
			return nil, errors.Kinded(errors.KindIntegrityFailure, err)
		}
	}

	if info.FileHash.Value != "" {
		if got := encodeHash(compressedHash); got != info.FileHash.Value {
			cleanup(partialDir)
			return nil, errors.Kinded(errors.KindIntegrityFailure,
				fmt.Errorf("nar: compressed hash mismatch for %s: got %s, want %s", packageID, got, info.FileHash.Value))
		}
	}
	if got := encodeHash(uncompressedHash); got != info.NarHash.Value {
		cleanup(partialDir)
		return nil, errors.Kinded(errors.KindIntegrityFailure,
			fmt.Errorf("nar: nar hash mismatch for %s: got %s, want %s", packageID, got, info.NarHash.Value))
	}

	slog.Info("nar_pipeline_complete",
		"package_id", packageID,
		"compressed", humanize.Bytes(uint64(compressedSize)),
		"uncompressed", humanize.Bytes(uint64(uncompressedSize)),
	)

	return &Result{PartialDir: partialDir}, nil
}

func decompressorFor(tag string, r io.Reader) (io.Reader, error) {
	switch tag {
	case "", "none":
		return r, nil
	case "xz":
		return xz.NewReader(r)
	case "zstd":
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return dec, nil
	default:
		return nil, fmt.Errorf("nar: unsupported compression tag %q", tag)
	}
}

func cleanup(partialDir string) {
	if err := os.RemoveAll(partialDir); err != nil {
		slog.Error("nar_partial_cleanup_failed", "dir", partialDir, "error", err)
	}
}

func encodeHash(h interface{ Sum([]byte) []byte }) string {
	return nixbase32.Encode(h.Sum(nil))
}

// limitingReader enforces narinfo's declared byte-length as an upper bound
// while streaming, per spec §4.4's "byte-length declarations... enforced as
// upper bounds while streaming; exceeding them aborts the pipeline".
type limitingReader struct {
	r    io.Reader
	max  int64
	read int64
}

func (l *limitingReader) Read(p []byte) (int, error) {
	if l.max > 0 && l.read >= l.max {
		return 0, fmt.Errorf("nar: declared byte length %d exceeded", l.max)
	}
	n, err := l.r.Read(p)
	l.read += int64(n)
	if l.max > 0 && l.read > l.max {
		return n, fmt.Errorf("nar: declared byte length %d exceeded", l.max)
	}
	return n, err
}
