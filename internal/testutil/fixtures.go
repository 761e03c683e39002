package testutil

import (
	"bytes"
	"sort"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/require"
)

// ZipBytes builds a zip archive holding members, written in name order
func ZipBytes(t *testing.T, members map[string]string) []byte {
	t.Helper()
	names := make([]string, 0, len(members))
	for name := range members {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for _, name := range names {
		f, err := w.Create(name)
		require.NoError(t, err)
		_, err = f.Write([]byte(members[name]))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

// ReadZip returns the members of a zip archive
func ReadZip(t *testing.T, data []byte) map[string]string {
	t.Helper()
	r, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)

	members := make(map[string]string)
	for _, f := range r.File {
		rc, err := f.Open()
		require.NoError(t, err)
		var buf bytes.Buffer
		_, err = buf.ReadFrom(rc)
		rc.Close()
		require.NoError(t, err)
		members[f.Name] = buf.String()
	}
	return members
}

// TMLFixture is a minimal Ariane .tml container
func TMLFixture(t *testing.T, survey string) []byte {
	t.Helper()
	return ZipBytes(t, map[string]string{
		"Data.xml": `<?xml version="1.0" encoding="utf-8"?><CaveFile><Data>` + survey + `</Data></CaveFile>`,
	})
}

// CompassZipFixture is a zipped Compass project with one data file
func CompassZipFixture(t *testing.T) []byte {
	t.Helper()
	return ZipBytes(t, map[string]string{
		"cave/Cave.mak":  "#cave.dat;\n",
		"cave/cave.dat":  "MAMMOTH CAVE\r\nSURVEY NAME: A\r\n\x0c",
		"cave/notes.txt": "field notes",
	})
}

// CompassDatFixture holds three surveys, the first and last identical
const CompassDatFixture = "CAVE\r\nSURVEY NAME: A\r\n\x0c" +
	"CAVE\r\nSURVEY NAME: B\r\n\x0c" +
	"CAVE\r\nSURVEY NAME: A\r\n\x0c"
