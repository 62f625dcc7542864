// Package archive packs directory trees into in-memory zip payloads and
// extracts them again. Artifacts exchanged through the object store use it.
package archive

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"github.com/klauspost/compress/zip"
)

// ErrInvalidArchive marks payloads that are not valid zip data or that carry
// entries resolving outside the destination directory.
var ErrInvalidArchive = errors.New("invalid archive")

// DefaultSourceExcludes are output directories left out of source artifacts.
var DefaultSourceExcludes = []string{"results", "frames", "out"}

// Pack archives every regular file below root. Directories whose name is in
// exclude are skipped at any depth. Symlinks are followed: a link to a file
// is stored with the target's contents and mode, a link to a directory is
// descended unless it leads back into a directory being walked.
func Pack(root string, exclude []string) ([]byte, error) {
	return PackDir(root, ".", exclude)
}

// PackDir archives the subtree root/sub with entry names relative to root.
// A missing subtree yields an empty archive.
func PackDir(root, sub string, exclude []string) ([]byte, error) {
	p := packer{skip: make(map[string]struct{}, len(exclude))}
	for _, name := range exclude {
		name = strings.TrimSpace(name)
		if name != "" {
			p.skip[name] = struct{}{}
		}
	}

	start := filepath.Join(root, sub)
	var buf bytes.Buffer
	p.zw = zip.NewWriter(&buf)

	info, err := os.Stat(start)
	switch {
	case err == nil && !info.IsDir():
		err = fmt.Errorf("%s is not a directory", start)
	case err == nil:
		err = p.walk(start, path.Clean(filepath.ToSlash(sub)), nil)
	case filepath.Clean(sub) != "." && errors.Is(err, fs.ErrNotExist):
		err = nil
	}
	if err != nil {
		_ = p.zw.Close()
		return nil, fmt.Errorf("pack %s: %w", start, err)
	}
	if err := p.zw.Close(); err != nil {
		return nil, fmt.Errorf("pack %s: %w", start, err)
	}
	return buf.Bytes(), nil
}

type packer struct {
	zw   *zip.Writer
	skip map[string]struct{}
}

// walk adds dir to the archive under the entry prefix name. ancestors holds
// the resolved paths of the directories above dir.
func (p *packer) walk(dir, name string, ancestors []string) error {
	resolved, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return err
	}
	if slices.Contains(ancestors, resolved) {
		return nil
	}
	ancestors = append(ancestors, resolved)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		src := filepath.Join(dir, e.Name())
		entry := path.Join(name, e.Name())
		info, err := os.Stat(src)
		if err != nil {
			if e.Type()&fs.ModeSymlink != 0 && errors.Is(err, fs.ErrNotExist) {
				// dangling link
				continue
			}
			return err
		}
		switch {
		case info.IsDir():
			if _, ok := p.skip[e.Name()]; ok {
				continue
			}
			if err := p.walk(src, entry, ancestors); err != nil {
				return err
			}
		case info.Mode().IsRegular():
			if err := addFile(p.zw, src, entry); err != nil {
				return err
			}
		}
	}
	return nil
}

func addFile(zw *zip.Writer, src, name string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	header.Name = name
	header.Method = zip.Deflate

	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()

	w, err := zw.CreateHeader(header)
	if err != nil {
		return err
	}
	_, err = io.Copy(w, f)
	return err
}

// Unpack extracts data into dest, creating directories as needed and
// replacing files that already exist.
func Unpack(data []byte, dest string) error {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArchive, err)
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dest, err)
	}
	for _, f := range zr.File {
		target, err := entryPath(dest, f.Name)
		if err != nil {
			return err
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("create %s: %w", target, err)
			}
			continue
		}
		if err := extractFile(f, target); err != nil {
			return err
		}
	}
	return nil
}

func entryPath(dest, name string) (string, error) {
	clean := path.Clean(strings.ReplaceAll(name, "\\", "/"))
	if clean == "." || path.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%w: entry %q escapes destination", ErrInvalidArchive, name)
	}
	return filepath.Join(dest, filepath.FromSlash(clean)), nil
}

func extractFile(f *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(target), err)
	}
	perm := f.Mode().Perm()
	if perm == 0 {
		perm = 0o644
	}

	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", ErrInvalidArchive, f.Name, err)
	}
	defer rc.Close()

	// A read-only file left by an earlier extraction cannot be truncated.
	if err := os.Remove(target); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("replace %s: %w", target, err)
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm|0o200)
	if err != nil {
		return fmt.Errorf("create %s: %w", target, err)
	}
	if _, err := io.Copy(out, rc); err != nil {
		_ = out.Close()
		if errors.Is(err, zip.ErrChecksum) || errors.Is(err, zip.ErrFormat) {
			return fmt.Errorf("%w: %s: %v", ErrInvalidArchive, f.Name, err)
		}
		return fmt.Errorf("write %s: %w", target, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("write %s: %w", target, err)
	}
	return os.Chmod(target, perm)
}
