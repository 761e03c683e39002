package formats

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/multierr"

	"speleostore/pkg/errors"
)

// Registry dispatches uploads and downloads to processors
type Registry struct {
	mu         sync.RWMutex
	processors []Processor
	byFormat   map[Format]Processor
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{byFormat: make(map[Format]Processor)}
}

// NewDefaultRegistry registers the built-in processors and runs the startup
// self-test. It panics when the built-ins overlap.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(NewArianeTMLProcessor())
	r.Register(NewArianeTMLUProcessor())
	r.Register(NewCompassZipProcessor())
	r.Register(NewCompassDatProcessor())
	r.Register(NewWallsProcessor())
	r.Register(NewDumpProcessor())
	r.MustValidate()
	return r
}

// Register adds a processor. Resolution follows registration order.
func (r *Registry) Register(p Processor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.processors = append(r.processors, p)
	r.byFormat[p.Format()] = p
}

// Processors returns the registered processors in order
func (r *Registry) Processors() []Processor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Processor(nil), r.processors...)
}

// Validate checks that every processor declares extensions, that no processor
// lists an extension twice and that no two processors share one. The
// wildcard may be declared by several processors.
func (r *Registry) Validate() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var errs error
	owners := make(map[string]Format)
	formats := make(map[Format]struct{})
	for _, p := range r.processors {
		if _, dup := formats[p.Format()]; dup {
			errs = multierr.Append(errs, fmt.Errorf("format %s registered twice", p.Format()))
		}
		formats[p.Format()] = struct{}{}

		if len(p.Extensions()) == 0 {
			errs = multierr.Append(errs, fmt.Errorf("processor %s declares no extension", p.Format()))
		}

		seen := make(map[string]struct{})
		for _, ext := range p.Extensions() {
			if _, dup := seen[ext]; dup {
				errs = multierr.Append(errs, fmt.Errorf("processor %s lists extension %s twice", p.Format(), ext))
				continue
			}
			seen[ext] = struct{}{}

			if ext == Wildcard {
				continue
			}
			if owner, taken := owners[ext]; taken {
				errs = multierr.Append(errs, fmt.Errorf("extension %s claimed by both %s and %s", ext, owner, p.Format()))
				continue
			}
			owners[ext] = p.Format()
		}
	}

	if errs != nil {
		return errors.Wrap(errs, errors.ErrCodeRegistryConfig, "Format registry self-test failed")
	}
	return nil
}

// MustValidate panics when Validate fails
func (r *Registry) MustValidate() {
	if err := r.Validate(); err != nil {
		panic(err)
	}
}

// Lookup returns the processor of an explicit format
func (r *Registry) Lookup(format Format) (Processor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byFormat[format]
	if !ok {
		return nil, errors.NotFoundError("format", string(format))
	}
	return p, nil
}

// ResolveForUpload picks the first processor accepting the file extension
// and mimetype. Rejected extensions fail before any processor is consulted.
func (r *Registry) ResolveForUpload(a *Artifact) (Processor, error) {
	ext := a.Extension()
	if ext == "" {
		return nil, errors.ValidationError("extension", a.Filename, r.acceptedExtensions())
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if contains(GlobalRejectedExtensions, ext) {
		return nil, rejected(ext)
	}
	for _, p := range r.processors {
		if contains(p.Rejected(), ext) {
			return nil, rejected(ext)
		}
	}

	mt := a.DetectedMimetype()
	for _, p := range r.processors {
		if !contains(p.Extensions(), ext) {
			continue
		}
		if contains(p.Mimetypes(), Wildcard) || contains(p.Mimetypes(), mt) {
			return p, nil
		}
		return nil, errors.ValidationError("mimetype", mt, p.Mimetypes()).
			WithContext("format", string(p.Format()))
	}
	return nil, errors.ValidationError("extension", ext, r.acceptedExtensionsLocked())
}

// ResolveForDownload picks the first processor whose canonical file exists in
// the checkout
func (r *Registry) ResolveForDownload(checkout string) (Processor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.processors {
		for _, name := range p.CanonicalFiles() {
			if info, err := os.Stat(filepath.Join(checkout, filepath.FromSlash(name))); err == nil && info.Mode().IsRegular() {
				return p, nil
			}
		}
	}
	return nil, errors.NotFoundError("format", filepath.Base(checkout)).
		WithSuggestions("Request the DUMP format to download the raw commit tree")
}

func (r *Registry) acceptedExtensions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.acceptedExtensionsLocked()
}

func (r *Registry) acceptedExtensionsLocked() []string {
	var exts []string
	for _, p := range r.processors {
		for _, ext := range p.Extensions() {
			if ext != Wildcard {
				exts = append(exts, ext)
			}
		}
	}
	return exts
}

func rejected(ext string) error {
	return errors.New(errors.ErrCodeRejectedExtension, "Files with extension "+ext+" are never accepted").
		WithContext("received", ext).
		WithSeverity(errors.SeverityWarning)
}
