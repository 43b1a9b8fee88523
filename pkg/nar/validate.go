package nar

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
)

// Validator enforces the NAR Pipeline's safety invariants during extraction
// (spec §4.4): no path traversal, no absolute components, no NUL bytes, a
// per-file size ceiling, a total-extracted-size ceiling, and a
// compression-ratio ceiling against compression-bomb NARs. The checks and
// their shape are carried over from the teacher's tar-extraction validator;
// only the caller (a NAR decoder instead of archive/tar) and the entry-name
// vocabulary changed.
type Validator struct {
	maxFileSize         int64
	maxTotalSize        int64
	maxCompressionRatio float64

	mu               sync.Mutex
	currentTotalSize int64
}

// NewValidator creates a validator for one extraction run.
func NewValidator(maxFileSize, maxTotalSize int64, maxCompressionRatio float64) *Validator {
	slog.Info("nar_validator_init",
		"max_file_size_mb", maxFileSize/1024/1024,
		"max_total_size_mb", maxTotalSize/1024/1024,
		"max_compression_ratio", maxCompressionRatio)

	return &Validator{
		maxFileSize:         maxFileSize,
		maxTotalSize:        maxTotalSize,
		maxCompressionRatio: maxCompressionRatio,
	}
}

// ValidateEntryName rejects a NAR directory-entry name that is empty, "." or
// "..", or that contains a path separator or a NUL byte — entry names are
// single path components, never multi-segment paths, so any separator at
// all is disallowed.
func (v *Validator) ValidateEntryName(name string) error {
	if name == "" || name == "." || name == ".." {
		slog.Error("nar_entry_name_rejected", "name", name, "reason", "reserved_name")
		return fmt.Errorf("nar: invalid entry name %q", name)
	}
	if strings.ContainsRune(name, '/') || strings.ContainsRune(name, 0) {
		slog.Error("nar_entry_name_rejected", "name", name, "reason", "separator_or_nul")
		return fmt.Errorf("nar: invalid entry name %q", name)
	}
	return nil
}

// ValidateSymlinkTarget rejects a symlink target containing a NUL byte.
// Absolute targets are permitted verbatim, matching the teacher's tar
// symlink policy. A relative target is joined to symlinkPath's directory and
// cleaned; it is rejected only when that cleaned path has more ".."
// components than named ones, which cannot happen when symlinkPath is
// absolute. The extraction root is not consulted, so a relative target that
// leaves it is written as is.
func (v *Validator) ValidateSymlinkTarget(symlinkPath, target string) error {
	if strings.ContainsRune(target, 0) {
		return fmt.Errorf("nar: symlink target contains NUL byte")
	}
	if filepath.IsAbs(target) {
		return nil
	}

	dir := filepath.Dir(symlinkPath)
	resolved := filepath.Clean(filepath.Join(dir, target))

	depth := 0
	for _, part := range strings.Split(resolved, string(filepath.Separator)) {
		switch part {
		case "", ".":
		case "..":
			depth--
		default:
			depth++
		}
	}
	if depth < 0 {
		slog.Error("nar_symlink_rejected", "symlink", symlinkPath, "target", target, "resolved", resolved)
		return fmt.Errorf("nar: symlink %s -> %s escapes extraction root", symlinkPath, target)
	}
	return nil
}

// ValidateFileSize rejects a single file whose declared size exceeds the
// configured per-file ceiling.
func (v *Validator) ValidateFileSize(size int64) error {
	if size > v.maxFileSize {
		slog.Error("nar_file_size_exceeded", "size_mb", size/1024/1024, "max_mb", v.maxFileSize/1024/1024)
		return fmt.Errorf("nar: file size %d exceeds max %d", size, v.maxFileSize)
	}
	return nil
}

// AddExtractedSize accumulates size into the running extraction total and
// rejects once the total-size ceiling is crossed.
func (v *Validator) AddExtractedSize(size int64) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.currentTotalSize += size
	if v.currentTotalSize > v.maxTotalSize {
		slog.Error("nar_total_size_exceeded", "total_mb", v.currentTotalSize/1024/1024, "max_mb", v.maxTotalSize/1024/1024)
		return fmt.Errorf("nar: total extracted size %d exceeds max %d", v.currentTotalSize, v.maxTotalSize)
	}
	return nil
}

// ValidateCompressionRatio rejects a decompression whose output-to-input
// ratio exceeds the configured ceiling (a compression-bomb defense).
func (v *Validator) ValidateCompressionRatio(compressedSize, uncompressedSize int64) error {
	if compressedSize == 0 {
		return fmt.Errorf("nar: compressed size cannot be zero")
	}
	ratio := float64(uncompressedSize) / float64(compressedSize)
	if ratio > v.maxCompressionRatio {
		slog.Error("nar_compression_bomb_detected", "ratio", ratio, "max_ratio", v.maxCompressionRatio)
		return fmt.Errorf("nar: compression ratio %.2f exceeds max %.2f", ratio, v.maxCompressionRatio)
	}
	return nil
}

// Reset zeroes the running extraction total for reuse across packages.
func (v *Validator) Reset() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.currentTotalSize = 0
}

// CurrentTotalSize returns the running extraction total.
func (v *Validator) CurrentTotalSize() int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.currentTotalSize
}
