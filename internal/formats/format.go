// Package formats selects and runs the processor responsible for a survey
// file format, on upload and on download.
package formats

import (
	"strings"

	"speleostore/pkg/errors"
)

// Format enumerates the survey formats the engine stores
type Format string

const (
	FormatArianeTML  Format = "ARIANE_TML"
	FormatArianeTMLU Format = "ARIANE_TMLU"
	FormatCompassZIP Format = "COMPASS_ZIP"
	FormatCompassDAT Format = "COMPASS_DAT"
	FormatWalls      Format = "WALLS"
	FormatDump       Format = "DUMP"
)

// Wildcard matches any extension or mimetype
const Wildcard = "*"

// AllFormats lists the formats in registration order
var AllFormats = []Format{
	FormatArianeTML,
	FormatArianeTMLU,
	FormatCompassZIP,
	FormatCompassDAT,
	FormatWalls,
	FormatDump,
}

func (f Format) String() string { return string(f) }

// ParseFormat parses a format name case-insensitively
func ParseFormat(s string) (Format, error) {
	candidate := Format(strings.ToUpper(strings.TrimSpace(s)))
	for _, f := range AllFormats {
		if f == candidate {
			return f, nil
		}
	}
	names := make([]string, 0, len(AllFormats))
	for _, f := range AllFormats {
		names = append(names, string(f))
	}
	return "", errors.ValidationError("format", s, names)
}
