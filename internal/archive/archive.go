package archive

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Archiver creates and extracts compressed tar archives of directory
// trees, applying exclude patterns to skip build artifacts, caches and
// version-control metadata.
type Archiver struct {
	codec    CompressionType
	level    int
	excludes []string
}

// NewArchiver creates an archiver with the given codec and excludes
func NewArchiver(codec CompressionType, level int, excludes []string) *Archiver {
	return &Archiver{codec: codec, level: level, excludes: excludes}
}

// Excluded reports whether the relative path matches an exclude
// pattern. Patterns match against the base name and against every
// path segment, so ".git" excludes the whole tree under any .git.
func (a *Archiver) Excluded(relPath string) bool {
	base := filepath.Base(relPath)
	for _, pattern := range a.excludes {
		if ok, _ := filepath.Match(pattern, base); ok {
			return true
		}
		for _, segment := range strings.Split(filepath.ToSlash(relPath), "/") {
			if ok, _ := filepath.Match(pattern, segment); ok {
				return true
			}
		}
	}
	return false
}

// ArchiveDir writes a compressed tar of srcDir to destPath and returns
// the archive size in bytes. Entries are stored relative to srcDir.
func (a *Archiver) ArchiveDir(ctx context.Context, srcDir, destPath string) (int64, error) {
	info, err := os.Stat(srcDir)
	if err != nil {
		return 0, fmt.Errorf("source directory %s: %w", srcDir, err)
	}
	if !info.IsDir() {
		return 0, fmt.Errorf("source %s is not a directory", srcDir)
	}

	out, err := os.Create(destPath)
	if err != nil {
		return 0, fmt.Errorf("failed to create archive %s: %w", destPath, err)
	}
	defer out.Close()

	compressor, err := NewCompressingWriter(out, a.codec, a.level)
	if err != nil {
		return 0, err
	}

	tw := tar.NewWriter(compressor)

	walkErr := filepath.Walk(srcDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}

		if a.Excluded(rel) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		// Symlinks are stored as links, not followed.
		var link string
		if info.Mode()&os.ModeSymlink != 0 {
			if link, err = os.Readlink(path); err != nil {
				return err
			}
		}

		header, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(rel)

		if err := tw.WriteHeader(header); err != nil {
			return err
		}

		if !info.Mode().IsRegular() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()

		_, err = io.Copy(tw, f)
		return err
	})

	if walkErr != nil {
		tw.Close()
		compressor.Close()
		return 0, fmt.Errorf("failed to archive %s: %w", srcDir, walkErr)
	}

	if err := tw.Close(); err != nil {
		compressor.Close()
		return 0, fmt.Errorf("failed to finalize archive: %w", err)
	}
	if err := compressor.Close(); err != nil {
		return 0, fmt.Errorf("failed to finalize compression: %w", err)
	}
	if err := out.Sync(); err != nil {
		return 0, fmt.Errorf("failed to sync archive: %w", err)
	}

	stat, err := out.Stat()
	if err != nil {
		return 0, err
	}
	return stat.Size(), nil
}

// ExtractTo unpacks the archive into destDir, creating it if needed.
// The codec is inferred from the archive filename.
func ExtractTo(ctx context.Context, archivePath, destDir string) error {
	in, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open archive %s: %w", archivePath, err)
	}
	defer in.Close()

	codec := DetectCompression(archivePath)
	decompressor, err := NewDecompressingReader(in, codec)
	if err != nil {
		return fmt.Errorf("failed to open decompressor for %s: %w", archivePath, err)
	}
	defer decompressor.Close()

	if err := os.MkdirAll(destDir, 0755); err != nil {
		return fmt.Errorf("failed to create destination %s: %w", destDir, err)
	}

	tr := tar.NewReader(decompressor)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		header, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read archive entry: %w", err)
		}

		target, err := securePath(destDir, header.Name)
		if err != nil {
			return err
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(header.Mode)); err != nil {
				return fmt.Errorf("failed to create directory %s: %w", target, err)
			}
		case tar.TypeSymlink:
			os.Remove(target)
			if err := os.Symlink(header.Linkname, target); err != nil {
				return fmt.Errorf("failed to create symlink %s: %w", target, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return err
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(header.Mode))
			if err != nil {
				return fmt.Errorf("failed to create file %s: %w", target, err)
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return fmt.Errorf("failed to extract %s: %w", target, err)
			}
			if err := f.Close(); err != nil {
				return err
			}
		}
	}
}

// securePath guards against path traversal in archive entries
func securePath(destDir, name string) (string, error) {
	target := filepath.Join(destDir, filepath.FromSlash(name))
	if !strings.HasPrefix(target, filepath.Clean(destDir)+string(os.PathSeparator)) {
		return "", fmt.Errorf("archive entry %q escapes destination directory", name)
	}
	return target, nil
}
