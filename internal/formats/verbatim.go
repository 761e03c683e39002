package formats

import (
	"bytes"
	"context"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zip"

	"speleostore/internal/git"
	"speleostore/pkg/errors"
)

// verbatimProcessor stores the upload unchanged under a single canonical name
type verbatimProcessor struct {
	descriptor
	checkContent func(data []byte) error
}

// NewArianeTMLProcessor handles Ariane .tml files, a zip container that must
// hold Data.xml
func NewArianeTMLProcessor() Processor {
	return &verbatimProcessor{
		descriptor: descriptor{
			format:     FormatArianeTML,
			extensions: []string{".tml"},
			mimetypes:  []string{"application/zip", "application/x-zip-compressed", "application/octet-stream"},
			rejected:   []string{".tmp", ".bak"},
			canonical:  []string{"project.tml"},
		},
		checkContent: requireZipMember("Data.xml"),
	}
}

// NewArianeTMLUProcessor handles Ariane .tmlu files (plain XML)
func NewArianeTMLUProcessor() Processor {
	return &verbatimProcessor{
		descriptor: descriptor{
			format:     FormatArianeTMLU,
			extensions: []string{".tmlu"},
			mimetypes:  []string{"application/xml", "text/xml", "text/plain", "application/octet-stream"},
			rejected:   []string{".xsl", ".xslt"},
			canonical:  []string{"project.tmlu"},
		},
		checkContent: requireXML,
	}
}

// NewWallsProcessor handles Walls .wpj project files
func NewWallsProcessor() Processor {
	return &verbatimProcessor{
		descriptor: descriptor{
			format:     FormatWalls,
			extensions: []string{".wpj"},
			mimetypes:  []string{"text/plain", "application/octet-stream"},
			canonical:  []string{"project.wpj"},
		},
	}
}

func (p *verbatimProcessor) canonicalName() string { return p.canonical[0] }

// Validate checks the shared rules and the format's own content rule
func (p *verbatimProcessor) Validate(a *Artifact) error {
	if err := p.validate(a); err != nil {
		return err
	}
	if p.checkContent != nil {
		if err := p.checkContent(a.Data); err != nil {
			return err
		}
	}
	return nil
}

// Upload replaces the working tree with the canonical file and commits it
func (p *verbatimProcessor) Upload(ctx context.Context, repo git.Repository, req UploadRequest) (string, error) {
	if err := p.Validate(req.Artifact); err != nil {
		return "", err
	}
	if err := clearWorkingTree(repo.Path()); err != nil {
		return "", err
	}
	if err := writeFile(repo.Path(), p.canonicalName(), req.Artifact.Data); err != nil {
		return "", err
	}
	return commitWorkingTree(ctx, repo, req)
}

// Download copies the canonical file unchanged
func (p *verbatimProcessor) Download(ctx context.Context, checkout, commitHash, outRoot string) (string, error) {
	src := filepath.Join(checkout, p.canonicalName())
	if _, err := os.Stat(src); err != nil {
		return "", errors.NotFoundError("file", p.canonicalName()).WithContext("commit", commitHash)
	}

	dir, err := outputDir(outRoot, commitHash)
	if err != nil {
		return "", err
	}
	dst := filepath.Join(dir, p.canonicalName())
	if err := copyFile(src, dst); err != nil {
		return "", err
	}
	return dst, nil
}

// requireZipMember accepts zip archives holding the named member
func requireZipMember(name string) func([]byte) error {
	return func(data []byte) error {
		reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
		if err != nil {
			return errors.ValidationError("container", "unreadable zip archive", "a zip archive")
		}
		for _, f := range reader.File {
			if f.Name == name {
				return nil
			}
		}
		return errors.ValidationError("container", "archive without "+name, "an archive containing "+name)
	}
}

func requireXML(data []byte) error {
	trimmed := bytes.TrimLeft(data, "\xef\xbb\xbf \t\r\n")
	if !bytes.HasPrefix(trimmed, []byte("<")) {
		return errors.ValidationError("content", "non-XML data", "an XML document")
	}
	return nil
}
