package snapshot

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/shlex"
	"github.com/otiai10/copy"
)

// copyPackage copies the listed files of src into dst, preserving modes.
func copyPackage(src, dst string, files []string) error {
	keep := make(map[string]bool, len(files))
	dirs := map[string]bool{".": true}
	for _, f := range files {
		keep[f] = true
		for d := filepath.ToSlash(filepath.Dir(f)); d != "." && !dirs[d]; d = filepath.ToSlash(filepath.Dir(d)) {
			dirs[d] = true
		}
	}
	return copy.Copy(src, dst, copy.Options{
		Skip: func(info os.FileInfo, path, _ string) (bool, error) {
			rel, err := filepath.Rel(src, path)
			if err != nil {
				return true, err
			}
			rel = filepath.ToSlash(rel)
			if info.IsDir() {
				return !dirs[rel], nil
			}
			return !keep[rel], nil
		},
		OnSymlink: func(string) copy.SymlinkAction { return copy.Skip },
	})
}

// setReadOnly strips write permission from everything under root. Directories
// are sealed after their contents.
func setReadOnly(root string) error {
	var dirs []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			dirs = append(dirs, path)
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		return os.Chmod(path, info.Mode().Perm()&^0o222)
	})
	if err != nil {
		return err
	}
	for i := len(dirs) - 1; i >= 0; i-- {
		if err := os.Chmod(dirs[i], 0o555); err != nil {
			return err
		}
	}
	return nil
}

// removeAll deletes a tree that may have been sealed by setReadOnly.
func removeAll(root string) error {
	if _, err := os.Lstat(root); err != nil {
		return nil
	}
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err == nil && d.IsDir() {
			_ = os.Chmod(path, 0o755)
		}
		return nil
	})
	return os.RemoveAll(root)
}

// runBuild runs the build command in dir with a minimal environment, writing
// combined output to logPath.
func runBuild(ctx context.Context, dir, logPath, home, command string) error {
	argv, err := shlex.Split(command)
	if err != nil {
		return fmt.Errorf("parse build command: %w", err)
	}
	if len(argv) == 0 {
		return nil
	}
	logFile, err := os.Create(logPath)
	if err != nil {
		return err
	}
	defer logFile.Close()
	fmt.Fprintf(logFile, "$ %s\n", command)

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.WaitDelay = 5 * time.Second
	cmd.Env = []string{"HOME=" + home, "TMPDIR=" + home}
	for _, key := range []string{"PATH", "LANG", "HTTP_PROXY", "HTTPS_PROXY", "NO_PROXY"} {
		if v, ok := os.LookupEnv(key); ok {
			cmd.Env = append(cmd.Env, key+"="+v)
		}
	}
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("build command timed out: %w", ctx.Err())
		}
		return err
	}
	return nil
}

// tailFile returns up to n trailing bytes of path.
func tailFile(path string, n int64) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()
	if info, err := f.Stat(); err == nil && info.Size() > n {
		_, _ = f.Seek(-n, io.SeekEnd)
	}
	b, _ := io.ReadAll(f)
	return strings.TrimSpace(string(b))
}
