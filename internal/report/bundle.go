package report

import (
	"archive/tar"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"
)

// ArchiveDir writes dir as a zstd-compressed tar stream to w. Entries are
// relative to dir, visited in lexical order and stripped of timestamps and
// ownership, so identical trees produce identical archives.
func ArchiveDir(w io.Writer, dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("stat bundle %q: %w", dir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("bundle %q is not a directory", dir)
	}

	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return fmt.Errorf("create zstd encoder: %w", err)
	}
	tw := tar.NewWriter(enc)

	walkErr := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		if !fi.Mode().IsRegular() && !fi.IsDir() {
			return nil
		}
		hdr, err := tar.FileInfoHeader(fi, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if fi.IsDir() {
			hdr.Name += "/"
		}
		normalizeHeader(hdr)
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if fi.IsDir() {
			return nil
		}
		f, err := os.Open(p)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if walkErr != nil {
		enc.Close()
		return fmt.Errorf("archive bundle %q: %w", dir, walkErr)
	}
	if err := tw.Close(); err != nil {
		enc.Close()
		return fmt.Errorf("finish tar: %w", err)
	}
	return enc.Close()
}

var archiveEpoch = time.Unix(0, 0).UTC()

func normalizeHeader(hdr *tar.Header) {
	hdr.ModTime = archiveEpoch
	hdr.AccessTime = time.Time{}
	hdr.ChangeTime = time.Time{}
	hdr.Uid, hdr.Gid = 0, 0
	hdr.Uname, hdr.Gname = "", ""
	hdr.Format = tar.FormatPAX
}
