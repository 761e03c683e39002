package formats

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/klauspost/compress/zip"

	"speleostore/internal/common"
	"speleostore/pkg/errors"
)

// archiveEpoch is the modification time written for every archive member so
// that archiving the same commit twice yields the same bytes
var archiveEpoch = time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC)

type archiveFile struct {
	name string // member name, slash separated
	path string
}

// collectTree lists the regular files below dir, git metadata excluded,
// sorted by member name
func collectTree(dir string) ([]archiveFile, error) {
	var files []archiveFile
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		files = append(files, archiveFile{name: filepath.ToSlash(rel), path: path})
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeFileOperation, "Failed to walk checkout").WithContext("path", dir)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].name < files[j].name })
	return files, nil
}

// WriteTreeArchive zips every file below dir into w. An empty tree is an
// error: there is nothing to download.
func WriteTreeArchive(ctx context.Context, dir string, w io.Writer) (int, error) {
	files, err := collectTree(dir)
	if err != nil {
		return 0, err
	}
	if len(files) == 0 {
		return 0, errors.New(errors.ErrCodeEmptyArchive, "Nothing to archive: the commit tree is empty").
			WithContext("path", dir)
	}
	if err := writeArchive(ctx, w, files); err != nil {
		return 0, err
	}
	return len(files), nil
}

func writeArchiveFile(ctx context.Context, dst string, files []archiveFile) error {
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, common.FilePermissionNormal)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeFileOperation, "Failed to create archive").WithContext("path", dst)
	}
	if err := writeArchive(ctx, out, files); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return errors.Wrap(err, errors.ErrCodeFileOperation, "Failed to close archive").WithContext("path", dst)
	}
	return nil
}

func writeArchive(ctx context.Context, w io.Writer, files []archiveFile) error {
	archive := zip.NewWriter(w)
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := addToArchive(archive, f); err != nil {
			return err
		}
	}
	if err := archive.Close(); err != nil {
		return errors.Wrap(err, errors.ErrCodeFileOperation, "Failed to finish archive")
	}
	return nil
}

func addToArchive(archive *zip.Writer, f archiveFile) error {
	in, err := os.Open(f.path)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeFileOperation, "Failed to open archive member").WithContext("path", f.path)
	}
	defer in.Close()
	return AddArchiveMember(archive, f.name, in)
}

// AddArchiveMember deflates r into a new member of archive stamped with
// archiveEpoch
func AddArchiveMember(archive *zip.Writer, name string, r io.Reader) error {
	header := &zip.FileHeader{
		Name:     name,
		Method:   zip.Deflate,
		Modified: archiveEpoch,
	}
	writer, err := archive.CreateHeader(header)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeFileOperation, "Failed to add archive member").WithContext("member", name)
	}
	if _, err := io.Copy(writer, r); err != nil {
		return errors.Wrap(err, errors.ErrCodeFileOperation, "Failed to write archive member").WithContext("member", name)
	}
	return nil
}
