package rollback

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
)

func treeSize(fs afero.Fs, root string) (uint64, error) {
	var total uint64
	err := afero.Walk(fs, root, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.Mode().IsRegular() {
			total += uint64(info.Size())
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("measure %s: %w", root, err)
	}
	return total, nil
}

// copyTree copies regular files and directories from src to dst, keeping
// permissions and modification times. Symlinks are skipped.
func copyTree(fs afero.Fs, src, dst string) error {
	return afero.Walk(fs, src, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		switch {
		case info.IsDir():
			return fs.MkdirAll(target, info.Mode().Perm()|0o700)
		case info.Mode().IsRegular():
			return copyFile(fs, p, target, info)
		default:
			return nil
		}
	})
}

func copyFile(fs afero.Fs, srcPath, destPath string, info os.FileInfo) error {
	srcFile, err := fs.Open(srcPath)
	if err != nil {
		return fmt.Errorf("failed to open source file: %w", err)
	}
	defer srcFile.Close()

	destFile, err := fs.OpenFile(destPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return fmt.Errorf("failed to create destination file: %w", err)
	}

	_, err = io.Copy(destFile, srcFile)
	closeErr := destFile.Close()
	if err == nil {
		err = closeErr
	}
	if err == nil {
		err = fs.Chtimes(destPath, info.ModTime(), info.ModTime())
	}
	if err != nil {
		return fmt.Errorf("failed to copy %s: %w", srcPath, err)
	}
	return nil
}
