package fetch

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ErrUnsafePath is returned if an archive entry would be written outside the target directory.
var ErrUnsafePath = errors.New("archive entry outside target directory")

// ExtractTarGz unpacks a gzip compressed tar archive under dir and returns the extracted file paths.
// Only regular files and directories are extracted.
func ExtractTarGz(ctx context.Context, archive, dir string) ([]string, error) {
	f, err := os.Open(archive)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", archive, err)
	}
	defer gz.Close()
	root, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	tr := tar.NewReader(gz)
	for {
		if err := ctx.Err(); err != nil {
			return files, err
		}
		hdr, err := tr.Next()
		if err == io.EOF {
			return files, nil
		}
		if err != nil {
			return files, fmt.Errorf("%s: %w", archive, err)
		}
		target := filepath.Join(root, filepath.FromSlash(hdr.Name))
		if target != root && !strings.HasPrefix(target, root+string(os.PathSeparator)) {
			return files, fmt.Errorf("%w: %s", ErrUnsafePath, hdr.Name)
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return files, err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return files, err
			}
			if err := writeFile(target, tr); err != nil {
				return files, err
			}
			files = append(files, target)
		}
	}
}
