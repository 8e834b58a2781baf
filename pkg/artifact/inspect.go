// Package artifact inspects build artifacts downloaded from the build host.
package artifact

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/buildhost/ec2-builder/pkg/errors"
	"github.com/buildhost/ec2-builder/pkg/security"
)

// Manifest describes an inspected artifact.
type Manifest struct {
	Path             string
	SHA256           string
	Size             int64
	Entries          int
	UncompressedSize int64
}

// Inspect walks the archive at path without unpacking it, rejecting entries
// that would escape the extraction root and archives exceeding the
// validator's limits. Files that are not a recognised archive format are
// only checksummed.
func Inspect(path string, validator *security.Validator) (*Manifest, error) {
	validator.Reset()

	fi, err := os.Stat(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to stat artifact")
	}
	if err := validator.ValidateFileSize(fi.Size()); err != nil {
		return nil, err
	}

	checksum, err := sha256File(path)
	if err != nil {
		return nil, err
	}

	m := &Manifest{
		Path:   path,
		SHA256: checksum,
		Size:   fi.Size(),
	}

	switch {
	case strings.HasSuffix(path, ".zip"):
		err = inspectZip(path, validator, m)
	case strings.HasSuffix(path, ".tar.gz"), strings.HasSuffix(path, ".tgz"):
		err = inspectTar(path, true, validator, m)
	case strings.HasSuffix(path, ".tar"):
		err = inspectTar(path, false, validator, m)
	default:
		slog.Info("artifact_not_an_archive", "path", path)
		return m, nil
	}
	if err != nil {
		return nil, err
	}

	m.UncompressedSize = validator.GetCurrentTotalSize()
	if m.UncompressedSize > 0 {
		if err := validator.ValidateCompressionRatio(m.Size, m.UncompressedSize); err != nil {
			return nil, err
		}
	}

	slog.Info("artifact_inspected",
		"path", path,
		"entries", m.Entries,
		"size_mb", m.Size/1024/1024,
		"uncompressed_mb", m.UncompressedSize/1024/1024,
		"sha256", m.SHA256[:16]+"...",
	)
	return m, nil
}

func inspectZip(path string, validator *security.Validator, m *Manifest) error {
	r, err := zip.OpenReader(path)
	if err != nil {
		return errors.Wrap(err, "failed to open zip")
	}
	defer r.Close()

	for _, f := range r.File {
		if err := validator.ValidatePath(f.Name); err != nil {
			return fmt.Errorf("invalid path in zip: %w", err)
		}
		if f.FileInfo().Mode()&os.ModeSymlink != 0 {
			target, err := readZipLink(f)
			if err != nil {
				return err
			}
			if err := validator.ValidateSymlink(f.Name, target); err != nil {
				return fmt.Errorf("invalid symlink target: %w", err)
			}
		}

		size := int64(f.UncompressedSize64)
		if err := validator.ValidateFileSize(size); err != nil {
			return err
		}
		if err := validator.AddExtractedSize(size); err != nil {
			return err
		}
		m.Entries++
	}
	return nil
}

func readZipLink(f *zip.File) (string, error) {
	rc, err := f.Open()
	if err != nil {
		return "", errors.Wrap(err, "failed to open zip symlink")
	}
	defer rc.Close()

	target, err := io.ReadAll(io.LimitReader(rc, 4096))
	if err != nil {
		return "", errors.Wrap(err, "failed to read zip symlink")
	}
	return string(target), nil
}

func inspectTar(path string, gzipped bool, validator *security.Validator, m *Manifest) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open tar: %w", err)
	}
	defer f.Close()

	var r io.Reader = f
	if gzipped {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return fmt.Errorf("failed to open gzip stream: %w", err)
		}
		defer gz.Close()
		r = gz
	}

	tarReader := tar.NewReader(r)

	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("tar read error: %w", err)
		}

		if err := validator.ValidatePath(header.Name); err != nil {
			return fmt.Errorf("invalid path in tar: %w", err)
		}

		switch header.Typeflag {
		case tar.TypeReg:
			if err := validator.ValidateFileSize(header.Size); err != nil {
				return err
			}
			if err := validator.AddExtractedSize(header.Size); err != nil {
				return err
			}

		case tar.TypeSymlink:
			if err := validator.ValidateSymlink(header.Name, header.Linkname); err != nil {
				return fmt.Errorf("invalid symlink target: %w", err)
			}
		}
		m.Entries++
	}

	return nil
}

func sha256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", errors.Wrap(err, "failed to open artifact")
	}
	defer f.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, f); err != nil {
		return "", errors.Wrap(err, "failed to hash artifact")
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}
