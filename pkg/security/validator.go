package security

import (
	"fmt"
	"log/slog"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/buildhost/ec2-builder/pkg/errors"
)

// The version and remote paths are interpolated into a remote shell command
// line unquoted, so both are restricted to shell-inert characters.
var (
	versionPattern    = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._+-]{0,63}$`)
	imageNamePattern  = regexp.MustCompile(`^[A-Za-z0-9()\[\] ./\-'@_]{3,128}$`)
	remotePathPattern = regexp.MustCompile(`^/[A-Za-z0-9._/+-]*$`)
)

// Validator checks workflow inputs before anything is provisioned, and
// artifact archives after they are downloaded.
type Validator struct {
	maxFileSize         int64
	maxTotalSize        int64
	maxCompressionRatio float64

	mu               sync.Mutex
	currentTotalSize int64
}

// NewValidator creates a new security validator
func NewValidator(maxFileSize, maxTotalSize int64, maxCompressionRatio float64) *Validator {
	slog.Debug("security_validator_init",
		"max_file_size_mb", maxFileSize/1024/1024,
		"max_total_size_mb", maxTotalSize/1024/1024,
		"max_compression_ratio", maxCompressionRatio)

	return &Validator{
		maxFileSize:         maxFileSize,
		maxTotalSize:        maxTotalSize,
		maxCompressionRatio: maxCompressionRatio,
	}
}

// ValidateVersion checks the build-target version handed to the build script.
func (v *Validator) ValidateVersion(version string) error {
	if !versionPattern.MatchString(version) {
		slog.Error("security_version_validation_failed", "version", version)
		return errors.E(errors.ErrValidation, "validate_version", fmt.Errorf("%q is not a plain version string", version))
	}
	return nil
}

// ValidateImageName checks the output image name against EC2 naming rules.
func (v *Validator) ValidateImageName(name string) error {
	if !imageNamePattern.MatchString(name) {
		slog.Error("security_image_name_validation_failed", "name", name)
		return errors.E(errors.ErrValidation, "validate_image_name", fmt.Errorf("%q must be 3-128 characters of letters, numbers, ()[] ./-'@_", name))
	}
	return nil
}

// ValidateRemotePath checks a path on the build host that ends up in a shell
// command line.
func (v *Validator) ValidateRemotePath(remotePath string) error {
	if !remotePathPattern.MatchString(remotePath) {
		slog.Error("security_remote_path_validation_failed", "path", remotePath, "reason", "charset")
		return errors.E(errors.ErrValidation, "validate_remote_path", fmt.Errorf("%q must be absolute and shell-safe", remotePath))
	}
	if path.Clean(remotePath) != remotePath {
		slog.Error("security_remote_path_validation_failed", "path", remotePath, "reason", "not_clean")
		return errors.E(errors.ErrValidation, "validate_remote_path", fmt.Errorf("%q is not a clean path", remotePath))
	}
	return nil
}

// ValidatePath checks for path traversal in an archive entry name
func (v *Validator) ValidatePath(entryPath string) error {
	// Reject absolute paths
	if filepath.IsAbs(entryPath) || strings.HasPrefix(entryPath, "/") {
		slog.Error("security_path_validation_failed", "path", entryPath, "reason", "absolute_path")
		return fmt.Errorf("security: absolute path not allowed: %s", entryPath)
	}

	clean := filepath.Clean(entryPath)

	// Reject paths that escape the archive root
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		slog.Error("security_path_validation_failed", "path", entryPath, "reason", "path_traversal")
		return fmt.Errorf("security: path traversal detected: %s", entryPath)
	}

	return nil
}

// ValidateSymlink validates a symlink target in the context of the symlink's location
// symlinkPath: where the symlink is located (e.g., "lib/R/etc/foo")
// targetPath: where the symlink points to (e.g., "../share/bar")
func (v *Validator) ValidateSymlink(symlinkPath, targetPath string) error {
	// Absolute targets point into the build host layout the artifact is
	// unpacked onto, e.g. bin/R -> /opt/R/bin/R
	if filepath.IsAbs(targetPath) {
		return nil
	}

	resolved := filepath.Clean(filepath.Join(filepath.Dir(symlinkPath), targetPath))

	// Clean folds interior "..", so only a leading one escapes the root
	if resolved == ".." || strings.HasPrefix(resolved, ".."+string(filepath.Separator)) {
		slog.Error("security_symlink_validation_failed",
			"symlink", symlinkPath,
			"target", targetPath,
			"resolved", resolved)
		return fmt.Errorf("security: path traversal detected: symlink %s -> %s resolves to %s",
			symlinkPath, targetPath, resolved)
	}

	return nil
}

// ValidateFileSize checks if a file exceeds max file size
func (v *Validator) ValidateFileSize(size int64) error {
	if size > v.maxFileSize {
		slog.Error("security_file_size_exceeded",
			"file_size_mb", size/1024/1024,
			"max_file_size_mb", v.maxFileSize/1024/1024)
		return fmt.Errorf("security: file size %d exceeds max %d", size, v.maxFileSize)
	}
	return nil
}

// AddExtractedSize tracks total uncompressed size and checks against limit
func (v *Validator) AddExtractedSize(size int64) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.currentTotalSize += size

	if v.currentTotalSize > v.maxTotalSize {
		slog.Error("security_total_size_exceeded",
			"current_total_mb", v.currentTotalSize/1024/1024,
			"max_total_mb", v.maxTotalSize/1024/1024,
			"file_size_mb", size/1024/1024)
		return fmt.Errorf("security: total uncompressed size %d exceeds max %d",
			v.currentTotalSize, v.maxTotalSize)
	}

	return nil
}

// ValidateCompressionRatio checks for compression bombs
func (v *Validator) ValidateCompressionRatio(compressedSize, uncompressedSize int64) error {
	if compressedSize == 0 {
		slog.Error("security_compression_validation_failed", "reason", "zero_compressed_size")
		return fmt.Errorf("security: compressed size cannot be zero")
	}

	ratio := float64(uncompressedSize) / float64(compressedSize)

	if ratio > v.maxCompressionRatio {
		slog.Error("security_compression_bomb_detected",
			"ratio", ratio,
			"max_ratio", v.maxCompressionRatio,
			"compressed_mb", compressedSize/1024/1024,
			"uncompressed_mb", uncompressedSize/1024/1024)
		return fmt.Errorf("security: compression ratio %.2f exceeds max %.2f (compressed: %d, uncompressed: %d)",
			ratio, v.maxCompressionRatio, compressedSize, uncompressedSize)
	}

	slog.Debug("security_compression_validated", "ratio", ratio)
	return nil
}

// Reset resets the total size counter
func (v *Validator) Reset() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.currentTotalSize = 0
}

// GetCurrentTotalSize returns the current total uncompressed size
func (v *Validator) GetCurrentTotalSize() int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.currentTotalSize
}
