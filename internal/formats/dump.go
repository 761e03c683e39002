package formats

import (
	"context"
	"os"
	"path/filepath"

	"speleostore/internal/common"
	"speleostore/internal/git"
	"speleostore/pkg/errors"
)

// DumpFilename is the name of a full-tree download
const DumpFilename = "dump.zip"

// dumpProcessor archives the whole tree of a commit. It only serves
// downloads and matches any format.
type dumpProcessor struct {
	descriptor
}

// NewDumpProcessor creates the download-only archive processor
func NewDumpProcessor() Processor {
	return &dumpProcessor{
		descriptor: descriptor{
			format:     FormatDump,
			extensions: []string{Wildcard},
			mimetypes:  []string{Wildcard},
		},
	}
}

// Validate refuses every upload
func (p *dumpProcessor) Validate(a *Artifact) error {
	return errors.ValidationError("format", FormatDump, "a format that accepts uploads")
}

// Upload refuses every upload
func (p *dumpProcessor) Upload(ctx context.Context, repo git.Repository, req UploadRequest) (string, error) {
	return "", p.Validate(req.Artifact)
}

// Download zips the checkout
func (p *dumpProcessor) Download(ctx context.Context, checkout, commitHash, outRoot string) (string, error) {
	dir, err := outputDir(outRoot, commitHash)
	if err != nil {
		return "", err
	}
	dst := filepath.Join(dir, DumpFilename)
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, common.FilePermissionNormal)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrCodeFileOperation, "Failed to create archive")
	}
	if _, err := WriteTreeArchive(ctx, checkout, out); err != nil {
		out.Close()
		os.Remove(dst)
		return "", err
	}
	if err := out.Close(); err != nil {
		return "", errors.Wrap(err, errors.ErrCodeFileOperation, "Failed to close archive")
	}
	return dst, nil
}
