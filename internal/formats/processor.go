package formats

import (
	"context"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"speleostore/internal/common"
	"speleostore/internal/git"
	"speleostore/pkg/errors"
	"speleostore/pkg/models"
)

// GlobalRejectedExtensions are refused by every processor whatever the
// declared mimetype
var GlobalRejectedExtensions = []string{
	".exe", ".bat", ".sh", ".js", ".dll", ".so", ".py",
	".php", ".cmd", ".com", ".msi", ".ps1", ".jar", ".app",
}

// Artifact is an uploaded file
type Artifact struct {
	Filename string
	Mimetype string
	Data     []byte
}

// Extension returns the lower-cased suffix of the file name, dot included
func (a *Artifact) Extension() string {
	return strings.ToLower(filepath.Ext(a.Filename))
}

// DetectedMimetype returns the declared mimetype without parameters, or the
// sniffed one when none was declared
func (a *Artifact) DetectedMimetype() string {
	if declared := normalizeMimetype(a.Mimetype); declared != "" {
		return declared
	}
	return normalizeMimetype(mimetype.Detect(a.Data).String())
}

// UploadRequest carries what a processor needs to commit an artifact
type UploadRequest struct {
	Artifact *Artifact
	Message  string
	Author   models.Author
}

// Processor handles one survey format
type Processor interface {
	Format() Format

	// Extensions lists accepted suffixes, lower-case with the dot. Wildcard
	// marks a download-only processor.
	Extensions() []string
	Mimetypes() []string
	Rejected() []string

	// CanonicalFiles are the paths whose presence in a commit identifies the format
	CanonicalFiles() []string

	Validate(a *Artifact) error

	// Upload writes the canonical files into the working copy and commits
	// them. It returns "" when the upload changed nothing.
	Upload(ctx context.Context, repo git.Repository, req UploadRequest) (string, error)

	// Download turns the checkout of commitHash into a downloadable file
	// under outDir and returns its path.
	Download(ctx context.Context, checkout, commitHash, outDir string) (string, error)
}

// descriptor holds the static part of a processor
type descriptor struct {
	format     Format
	extensions []string
	mimetypes  []string
	rejected   []string
	canonical  []string
}

func (d *descriptor) Format() Format           { return d.format }
func (d *descriptor) Extensions() []string     { return d.extensions }
func (d *descriptor) Mimetypes() []string      { return d.mimetypes }
func (d *descriptor) Rejected() []string       { return d.rejected }
func (d *descriptor) CanonicalFiles() []string { return d.canonical }

func (d *descriptor) acceptsExtension(ext string) bool {
	return contains(d.extensions, ext)
}

func (d *descriptor) acceptsMimetype(mt string) bool {
	return contains(d.mimetypes, Wildcard) || contains(d.mimetypes, mt)
}

// validate runs the checks shared by every processor
func (d *descriptor) validate(a *Artifact) error {
	if a == nil || a.Filename == "" {
		return errors.ValidationError("filename", "", d.extensions)
	}
	ext := a.Extension()
	if contains(GlobalRejectedExtensions, ext) || contains(d.rejected, ext) {
		return errors.New(errors.ErrCodeRejectedExtension,
			"Files with extension "+ext+" are never accepted").
			WithContext("received", ext).
			WithSeverity(errors.SeverityWarning)
	}
	if !d.acceptsExtension(ext) {
		return errors.ValidationError("extension", ext, d.extensions)
	}
	if mt := a.DetectedMimetype(); !d.acceptsMimetype(mt) {
		return errors.ValidationError("mimetype", mt, d.mimetypes)
	}
	if len(a.Data) == 0 {
		return errors.ValidationError("content", "empty file", "a non-empty survey file")
	}
	return nil
}

func normalizeMimetype(mt string) string {
	mt = strings.TrimSpace(mt)
	if mt == "" {
		return ""
	}
	if parsed, _, err := mime.ParseMediaType(mt); err == nil {
		return parsed
	}
	return strings.ToLower(mt)
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

// clearWorkingTree removes everything but the git metadata, so that a commit
// holds exactly the files of one upload
func clearWorkingTree(root string) error {
	entries, err := os.ReadDir(root)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeFileOperation, "Failed to read working copy")
	}
	for _, entry := range entries {
		if entry.Name() == ".git" {
			continue
		}
		if err := os.RemoveAll(filepath.Join(root, entry.Name())); err != nil {
			return errors.Wrap(err, errors.ErrCodeFileOperation, "Failed to clear working copy").
				WithContext("path", entry.Name())
		}
	}
	return nil
}

// writeFile writes data at name below root, creating parent directories
func writeFile(root, name string, data []byte) error {
	target, err := common.SafeJoin(root, name)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeFileOperation, "Unsafe file name")
	}
	if err := os.MkdirAll(filepath.Dir(target), common.DirPermissionNormal); err != nil {
		return errors.Wrap(err, errors.ErrCodeFileOperation, "Failed to create directory")
	}
	if err := os.WriteFile(target, data, common.FilePermissionNormal); err != nil {
		return errors.Wrap(err, errors.ErrCodeFileOperation, "Failed to write file").WithContext("path", name)
	}
	return nil
}

// copyFile copies src to dst
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeFileOperation, "Failed to open file").WithContext("path", src)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, common.FilePermissionNormal)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeFileOperation, "Failed to create file").WithContext("path", dst)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return errors.Wrap(err, errors.ErrCodeFileOperation, "Failed to copy file").WithContext("path", dst)
	}
	return out.Close()
}

// outputDir returns the per-commit download directory, created on demand
func outputDir(outRoot, commitHash string) (string, error) {
	dir, err := common.SafeJoin(outRoot, commitHash)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrCodeFileOperation, "Invalid commit hash")
	}
	if err := os.MkdirAll(dir, common.DirPermissionNormal); err != nil {
		return "", errors.Wrap(err, errors.ErrCodeFileOperation, "Failed to create download directory")
	}
	return dir, nil
}

// commitWorkingTree commits whatever the processor wrote
func commitWorkingTree(ctx context.Context, repo git.Repository, req UploadRequest) (string, error) {
	return repo.CommitAndPush(ctx, req.Message, req.Author)
}
