// Package rollback restores an item from the temp backup the host takes
// before it overwrites the item during an update.
package rollback

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/spf13/afero"

	"github.com/breeze-rmm/updateguard/internal/logging"
)

var log = logging.L("rollback")

// DirPlugins is the temp backup storage kind for plugins.
const DirPlugins = "plugins"

var (
	// ErrNoContainingDir means the plugin is a single file in the plugins
	// root, which has no directory the host could have snapshotted.
	ErrNoContainingDir = errors.New("plugin has no containing directory")
	// ErrBackupMissing means there is no temp backup to restore from.
	ErrBackupMissing = errors.New("temp backup not found")
	// ErrInsufficientSpace means a copy-based restore would not fit.
	ErrInsufficientSpace = errors.New("insufficient disk space to restore temp backup")
)

// TempBackup describes where the pre-update snapshot of an item lives:
// <temp backup root>/<Dir>/<Slug>, restored into <Src>/<Slug>.
type TempBackup struct {
	Dir  string `json:"dir"`
	Slug string `json:"slug"`
	Src  string `json:"src"`
}

// PluginBackup builds the descriptor for a plugin identifier such as
// "foo/foo.php".
func PluginBackup(plugin, pluginsRoot string) (TempBackup, error) {
	slug := path.Dir(filepath.ToSlash(plugin))
	if slug == "." || slug == "/" || slug == "" {
		return TempBackup{}, fmt.Errorf("%s: %w", plugin, ErrNoContainingDir)
	}
	if strings.Contains(slug, "/") {
		// Only the top-level directory is snapshotted.
		slug = strings.SplitN(slug, "/", 2)[0]
	}
	return TempBackup{Dir: DirPlugins, Slug: slug, Src: pluginsRoot}, nil
}

// Upgrader drives temp backups through public operations. Every path it
// touches is resolved inside either the temp backup root or the
// descriptor's Src.
type Upgrader struct {
	fs   afero.Fs
	root string

	// freeBytes reports free space for the filesystem holding path.
	freeBytes func(ctx context.Context, path string) (uint64, error)
}

// NewUpgrader creates an Upgrader over fs with temp backups under root.
func NewUpgrader(fs afero.Fs, root string) *Upgrader {
	u := &Upgrader{fs: fs, root: filepath.Clean(root)}
	if _, ok := fs.(*afero.OsFs); ok {
		u.freeBytes = diskFree
	}
	return u
}

// MoveToTempBackup moves the currently installed item aside before the host
// installs a new version over it.
func (u *Upgrader) MoveToTempBackup(ctx context.Context, b TempBackup) error {
	src, err := containedPath(b.Src, b.Slug)
	if err != nil {
		return err
	}
	dst, err := u.backupPath(b)
	if err != nil {
		return err
	}

	exists, err := afero.DirExists(u.fs, src)
	if err != nil {
		return fmt.Errorf("stat %s: %w", src, err)
	}
	if !exists {
		return fmt.Errorf("nothing to back up at %s: %w", src, os.ErrNotExist)
	}

	if err := u.fs.RemoveAll(dst); err != nil {
		return fmt.Errorf("clear stale temp backup %s: %w", dst, err)
	}
	if err := u.fs.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create temp backup directory: %w", err)
	}
	if err := u.move(ctx, src, dst); err != nil {
		return fmt.Errorf("move %s to temp backup: %w", b.Slug, err)
	}

	log.Info("moved item to temp backup", "slug", b.Slug, "backup", dst)
	return nil
}

// RestoreTempBackup replaces <Src>/<Slug> with the temp backup.
func (u *Upgrader) RestoreTempBackup(ctx context.Context, b TempBackup) error {
	backup, err := u.backupPath(b)
	if err != nil {
		return err
	}
	dest, err := containedPath(b.Src, b.Slug)
	if err != nil {
		return err
	}

	exists, err := afero.DirExists(u.fs, backup)
	if err != nil {
		return fmt.Errorf("stat %s: %w", backup, err)
	}
	if !exists {
		return fmt.Errorf("%s: %w", backup, ErrBackupMissing)
	}
	// Stage the backup next to the destination first, so a rejected move
	// leaves the broken copy in place and the backup where it was.
	staging := filepath.Join(filepath.Dir(dest), "."+filepath.Base(dest)+".restore")
	if err := u.fs.RemoveAll(staging); err != nil {
		return fmt.Errorf("clear stale staging %s: %w", staging, err)
	}
	if err := u.fs.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(dest), err)
	}
	if err := u.move(ctx, backup, staging); err != nil {
		return fmt.Errorf("restore %s from temp backup: %w", b.Slug, err)
	}

	if err := u.fs.RemoveAll(dest); err != nil {
		u.unstage(ctx, staging, backup)
		return fmt.Errorf("remove broken %s: %w", dest, err)
	}
	if err := u.move(ctx, staging, dest); err != nil {
		u.unstage(ctx, staging, backup)
		return fmt.Errorf("restore %s from temp backup: %w", b.Slug, err)
	}

	log.Info("restored item from temp backup", "slug", b.Slug, "dest", dest)
	return nil
}

// DeleteTempBackup removes the temp backup. A backup that is already gone
// is not an error.
func (u *Upgrader) DeleteTempBackup(_ context.Context, b TempBackup) error {
	backup, err := u.backupPath(b)
	if err != nil {
		return err
	}
	if err := u.fs.RemoveAll(backup); err != nil {
		return fmt.Errorf("delete temp backup %s: %w", backup, err)
	}
	return nil
}

// Exists reports whether a temp backup is present for b.
func (u *Upgrader) Exists(b TempBackup) (bool, error) {
	backup, err := u.backupPath(b)
	if err != nil {
		return false, err
	}
	return afero.DirExists(u.fs, backup)
}

func (u *Upgrader) backupPath(b TempBackup) (string, error) {
	if b.Dir == "" || b.Slug == "" || b.Src == "" {
		return "", fmt.Errorf("incomplete temp backup descriptor %+v", b)
	}
	dir, err := containedPath(u.root, b.Dir)
	if err != nil {
		return "", err
	}
	return containedPath(dir, b.Slug)
}

// move renames src to dst, which must not exist. On the OS filesystem a
// failed rename (for example across devices) falls back to copy-then-delete;
// other filesystems always copy. Free space is only checked for a copy.
func (u *Upgrader) move(ctx context.Context, src, dst string) error {
	if _, ok := u.fs.(*afero.OsFs); ok {
		err := u.fs.Rename(src, dst)
		if err == nil {
			return nil
		}
		log.Warn("rename failed, falling back to copy", "src", src, "dst", dst, "error", err)
	}

	if err := u.checkSpace(ctx, src, filepath.Dir(dst)); err != nil {
		return err
	}
	if err := copyTree(u.fs, src, dst); err != nil {
		if rmErr := u.fs.RemoveAll(dst); rmErr != nil {
			log.Warn("failed to remove partial copy", "path", dst, "error", rmErr)
		}
		return err
	}
	return u.fs.RemoveAll(src)
}

// unstage puts a staged backup back into the temp backup root after a
// failed restore.
func (u *Upgrader) unstage(ctx context.Context, staging, backup string) {
	if err := u.move(ctx, staging, backup); err != nil {
		log.Error("staged backup could not be returned", "staging", staging, "backup", backup, "error", err)
	}
}

// checkSpace fails when the tree at src would not fit in dstDir. An unknown
// free-space figure is logged, not fatal.
func (u *Upgrader) checkSpace(ctx context.Context, src, dstDir string) error {
	if u.freeBytes == nil {
		return nil
	}
	need, err := treeSize(u.fs, src)
	if err != nil {
		return err
	}
	free, err := u.freeBytes(ctx, nearestExisting(u.fs, dstDir))
	if err != nil {
		log.Warn("could not determine free disk space", "path", dstDir, "error", err)
		return nil
	}
	if free < need {
		return fmt.Errorf("%w: need %d bytes, %d free", ErrInsufficientSpace, need, free)
	}
	return nil
}

// nearestExisting walks up from p to the first directory that exists.
func nearestExisting(fs afero.Fs, p string) string {
	for {
		if ok, _ := afero.DirExists(fs, p); ok {
			return p
		}
		parent := filepath.Dir(p)
		if parent == p {
			return p
		}
		p = parent
	}
}

func diskFree(ctx context.Context, p string) (uint64, error) {
	usage, err := disk.UsageWithContext(ctx, p)
	if err != nil {
		return 0, err
	}
	return usage.Free, nil
}

// containedPath ensures that the resolved path stays within basePath.
func containedPath(basePath, untrusted string) (string, error) {
	if basePath == "" {
		return "", errors.New("base path is required")
	}
	base := filepath.Clean(basePath)
	joined := filepath.Join(base, filepath.FromSlash(untrusted))
	if joined == base || !strings.HasPrefix(joined, base+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal detected: %q resolves outside base %q", untrusted, base)
	}
	return joined, nil
}
