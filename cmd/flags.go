package cmd

import (
	"strings"

	"github.com/spf13/pflag"

	"speleostore/internal/formats"
)

// formatValue is a pflag.Value accepting a survey format name. Empty means
// the format is detected.
type formatValue struct {
	format *formats.Format
}

var _ pflag.Value = formatValue{}

func newFormatValue(p *formats.Format) formatValue {
	return formatValue{format: p}
}

func (v formatValue) String() string {
	if v.format == nil {
		return ""
	}
	return string(*v.format)
}

func (v formatValue) Set(s string) error {
	if s == "" {
		*v.format = ""
		return nil
	}
	f, err := formats.ParseFormat(s)
	if err != nil {
		return err
	}
	*v.format = f
	return nil
}

func (v formatValue) Type() string { return "format" }

func formatUsage(what string) string {
	names := make([]string, len(formats.AllFormats))
	for i, f := range formats.AllFormats {
		names[i] = string(f)
	}
	return what + " (" + strings.Join(names, ", ") + "; default: detected)"
}
