package formats

import (
	"bufio"
	"bytes"
	"context"
	"encoding/hex"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"
	"golang.org/x/crypto/blake2b"

	"speleostore/internal/git"
	"speleostore/pkg/errors"
)

const (
	compassMakName  = "project.mak"
	compassDataDir  = "compass"
	compassDatIndex = "project.dat.idx"
	compassDatName  = "project.dat"
	sectionsDir     = "sections"

	// formFeed terminates each survey of a Compass data file
	formFeed = '\x0c'
)

// compassZipProcessor unpacks a zipped Compass project. The .mak project
// file becomes project.mak and every other member is kept under compass/ at
// its path relative to the project file.
type compassZipProcessor struct {
	descriptor
}

// NewCompassZipProcessor handles zipped Compass projects
func NewCompassZipProcessor() Processor {
	return &compassZipProcessor{
		descriptor: descriptor{
			format:     FormatCompassZIP,
			extensions: []string{".zip"},
			mimetypes:  []string{"application/zip", "application/x-zip-compressed", "application/octet-stream"},
			rejected:   []string{".7z", ".rar", ".tar", ".gz", ".tgz"},
			canonical:  []string{compassMakName},
		},
	}
}

type zipMember struct {
	name string
	data []byte
}

// Validate checks the shared rules and that the archive holds a .mak file and
// no rejected member
func (p *compassZipProcessor) Validate(a *Artifact) error {
	if err := p.validate(a); err != nil {
		return err
	}
	_, err := p.unpack(a.Data)
	return err
}

func (p *compassZipProcessor) unpack(data []byte) ([]zipMember, error) {
	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, errors.ValidationError("container", "unreadable zip archive", "a zip archive")
	}

	var (
		members []zipMember
		makDir  string
		hasMak  bool
	)
	for _, f := range reader.File {
		if f.FileInfo().IsDir() {
			continue
		}
		name := path.Clean(strings.TrimPrefix(strings.ReplaceAll(f.Name, "\\", "/"), "/"))
		if name == ".." || strings.HasPrefix(name, "../") {
			return nil, errors.ValidationError("container", "member "+f.Name+" escapes the archive", "relative member names")
		}
		ext := strings.ToLower(path.Ext(name))
		if contains(GlobalRejectedExtensions, ext) || contains(p.rejected, ext) {
			return nil, errors.New(errors.ErrCodeRejectedExtension,
				"Archive member "+f.Name+" has a rejected extension").
				WithContext("received", f.Name).
				WithSeverity(errors.SeverityWarning)
		}
		if ext == ".mak" && !hasMak {
			hasMak = true
			makDir = path.Dir(name)
		}

		rc, err := f.Open()
		if err != nil {
			return nil, errors.ValidationError("container", "unreadable member "+f.Name, "a readable zip member")
		}
		content, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, errors.ValidationError("container", "unreadable member "+f.Name, "a readable zip member")
		}
		members = append(members, zipMember{name: name, data: content})
	}

	if !hasMak {
		return nil, errors.ValidationError("container", "archive without .mak project", "an archive containing a .mak file")
	}

	// Members are stored relative to the directory of the project file
	seen := make(map[string]string, len(members))
	for i := range members {
		if makDir != "." && strings.HasPrefix(members[i].name, makDir+"/") {
			members[i].name = strings.TrimPrefix(members[i].name, makDir+"/")
		}
		key := strings.ToLower(members[i].name)
		if other, ok := seen[key]; ok {
			return nil, errors.ValidationError("container",
				"members "+other+" and "+members[i].name+" map to the same file", "unique member paths")
		}
		seen[key] = members[i].name
	}
	return members, nil
}

// Upload unpacks the archive into the working copy and commits it
func (p *compassZipProcessor) Upload(ctx context.Context, repo git.Repository, req UploadRequest) (string, error) {
	if err := p.validate(req.Artifact); err != nil {
		return "", err
	}
	members, err := p.unpack(req.Artifact.Data)
	if err != nil {
		return "", err
	}
	if err := clearWorkingTree(repo.Path()); err != nil {
		return "", err
	}

	makWritten := false
	for _, m := range members {
		name := path.Join(compassDataDir, m.name)
		if !makWritten && strings.EqualFold(path.Ext(m.name), ".mak") {
			name = compassMakName
			makWritten = true
		}
		if err := writeFile(repo.Path(), name, m.data); err != nil {
			return "", err
		}
	}
	return commitWorkingTree(ctx, repo, req)
}

// Download regenerates a zip holding project.mak and the compass/ tree
func (p *compassZipProcessor) Download(ctx context.Context, checkout, commitHash, outRoot string) (string, error) {
	makPath := filepath.Join(checkout, compassMakName)
	if _, err := os.Stat(makPath); err != nil {
		return "", errors.NotFoundError("file", compassMakName).WithContext("commit", commitHash)
	}

	files := []archiveFile{{name: compassMakName, path: makPath}}
	dataDir := filepath.Join(checkout, compassDataDir)
	if _, err := os.Stat(dataDir); err == nil {
		tree, err := collectTree(dataDir)
		if err != nil {
			return "", err
		}
		files = append(files, tree...)
	} else if !os.IsNotExist(err) {
		return "", errors.Wrap(err, errors.ErrCodeFileOperation, "Failed to read compass directory")
	}

	dir, err := outputDir(outRoot, commitHash)
	if err != nil {
		return "", err
	}
	dst := filepath.Join(dir, "project.zip")
	if err := writeArchiveFile(ctx, dst, files); err != nil {
		return "", err
	}
	return dst, nil
}

// compassDatProcessor splits a Compass data file into its surveys. Each
// survey is stored once under sections/<blake2b-256>.dat and the index file
// keeps their order, so that identical surveys share storage and the file
// reassembles byte for byte.
type compassDatProcessor struct {
	descriptor
}

// NewCompassDatProcessor handles bare Compass .dat files
func NewCompassDatProcessor() Processor {
	return &compassDatProcessor{
		descriptor: descriptor{
			format:     FormatCompassDAT,
			extensions: []string{".dat"},
			mimetypes:  []string{"text/plain", "application/octet-stream"},
			canonical:  []string{compassDatIndex},
		},
	}
}

// Validate checks the shared rules
func (p *compassDatProcessor) Validate(a *Artifact) error {
	return p.validate(a)
}

// SplitSections splits data after every form feed. Concatenating the result
// yields data again.
func SplitSections(data []byte) [][]byte {
	sections := bytes.SplitAfter(data, []byte{formFeed})
	if n := len(sections); n > 0 && len(sections[n-1]) == 0 {
		sections = sections[:n-1]
	}
	return sections
}

// SectionHash names a section by the hex blake2b-256 digest of its content
func SectionHash(section []byte) string {
	sum := blake2b.Sum256(section)
	return hex.EncodeToString(sum[:])
}

// Upload stores the deduplicated sections and their order
func (p *compassDatProcessor) Upload(ctx context.Context, repo git.Repository, req UploadRequest) (string, error) {
	if err := p.Validate(req.Artifact); err != nil {
		return "", err
	}
	if err := clearWorkingTree(repo.Path()); err != nil {
		return "", err
	}

	var index bytes.Buffer
	written := make(map[string]struct{})
	for _, section := range SplitSections(req.Artifact.Data) {
		hash := SectionHash(section)
		index.WriteString(hash)
		index.WriteByte('\n')

		if _, ok := written[hash]; ok {
			continue
		}
		if err := writeFile(repo.Path(), path.Join(sectionsDir, hash+".dat"), section); err != nil {
			return "", err
		}
		written[hash] = struct{}{}
	}

	if err := writeFile(repo.Path(), compassDatIndex, index.Bytes()); err != nil {
		return "", err
	}
	return commitWorkingTree(ctx, repo, req)
}

// Download reassembles the data file from the index
func (p *compassDatProcessor) Download(ctx context.Context, checkout, commitHash, outRoot string) (string, error) {
	hashes, err := readIndex(filepath.Join(checkout, compassDatIndex))
	if err != nil {
		return "", errors.NotFoundError("file", compassDatIndex).WithContext("commit", commitHash)
	}

	dir, err := outputDir(outRoot, commitHash)
	if err != nil {
		return "", err
	}
	dst := filepath.Join(dir, compassDatName)
	out, err := os.Create(dst)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrCodeFileOperation, "Failed to create download file")
	}
	defer out.Close()

	for _, hash := range hashes {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		section, err := os.ReadFile(filepath.Join(checkout, sectionsDir, hash+".dat"))
		if err != nil {
			return "", errors.StorageError(errors.ErrCodeFileOperation, "Section listed in index is missing", err).
				WithContext("section", hash).
				WithContext("commit", commitHash)
		}
		if _, err := out.Write(section); err != nil {
			return "", errors.Wrap(err, errors.ErrCodeFileOperation, "Failed to write download file")
		}
	}
	if err := out.Close(); err != nil {
		return "", errors.Wrap(err, errors.ErrCodeFileOperation, "Failed to write download file")
	}
	return dst, nil
}

func readIndex(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var hashes []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			hashes = append(hashes, line)
		}
	}
	return hashes, scanner.Err()
}
