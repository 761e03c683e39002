package geojson

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"math"
	"path"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zip"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
	"github.com/paulmach/orb/geojson"

	"speleostore/internal/formats"
	"speleostore/pkg/models"
)

var (
	// ErrNoAnchor means the survey cannot be placed on the map
	ErrNoAnchor = stderrors.New("survey has no anchor point")

	// ErrEmptySurvey means the survey holds no usable shot
	ErrEmptySurvey = stderrors.New("survey is empty")

	// ErrUnsupportedFormat means no conversion exists for the format
	ErrUnsupportedFormat = stderrors.New("format cannot be converted to GeoJSON")
)

const feetToMeters = 0.3048

// Survey is the input of a conversion
type Survey struct {
	ProjectID  string
	CommitHash string
	Format     formats.Format
	Filename   string
	Data       []byte
	Anchor     *models.Coordinate
}

// Converter turns a survey file into a GeoJSON feature collection
type Converter interface {
	Convert(ctx context.Context, survey *Survey) (json.RawMessage, error)
}

// CompassConverter converts Compass data files, bare or zipped, by dead
// reckoning from the project anchor. Every survey becomes one feature whose
// geometry holds one segment per shot.
type CompassConverter struct{}

// Convert implements Converter
func (CompassConverter) Convert(ctx context.Context, survey *Survey) (json.RawMessage, error) {
	var files [][]byte
	switch survey.Format {
	case formats.FormatCompassDAT:
		files = [][]byte{survey.Data}
	case formats.FormatCompassZIP:
		var err error
		if files, err = datMembers(survey.Data); err != nil {
			return nil, err
		}
	default:
		return nil, ErrUnsupportedFormat
	}
	if survey.Anchor == nil {
		return nil, ErrNoAnchor
	}

	var sections []compassSurvey
	for _, data := range files {
		for _, raw := range formats.SplitSections(data) {
			if s, ok := parseCompassSurvey(raw); ok {
				sections = append(sections, s)
			}
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	fc := place(sections, orb.Point{survey.Anchor.Longitude, survey.Anchor.Latitude})
	if len(fc.Features) == 0 {
		return nil, ErrEmptySurvey
	}
	return fc.MarshalJSON()
}

type compassShot struct {
	from, to    string
	length      float64 // meters
	bearing     float64 // degrees, declination applied
	inclination float64 // degrees
}

type compassSurvey struct {
	name  string
	date  string
	shots []compassShot
}

// parseCompassSurvey reads one form-feed delimited section of a data file
func parseCompassSurvey(raw []byte) (compassSurvey, bool) {
	var (
		s           compassSurvey
		declination float64
		inShots     bool
	)
	scanner := bufio.NewScanner(bytes.NewReader(bytes.TrimRight(raw, "\x0c")))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		upper := strings.ToUpper(line)
		switch {
		case line == "":
			continue
		case strings.HasPrefix(upper, "SURVEY NAME:"):
			s.name = strings.TrimSpace(line[len("SURVEY NAME:"):])
		case strings.HasPrefix(upper, "SURVEY DATE:"):
			rest := strings.TrimSpace(line[len("SURVEY DATE:"):])
			if i := strings.Index(strings.ToUpper(rest), "COMMENT:"); i >= 0 {
				rest = strings.TrimSpace(rest[:i])
			}
			s.date = rest
		case strings.HasPrefix(upper, "DECLINATION:"):
			fields := strings.Fields(line)
			if len(fields) > 1 {
				declination, _ = strconv.ParseFloat(fields[1], 64)
			}
		case strings.HasPrefix(upper, "FROM") && strings.Contains(upper, "LENGTH"):
			inShots = true
		case inShots:
			if shot, ok := parseShot(line, declination); ok {
				s.shots = append(s.shots, shot)
			}
		}
	}
	return s, len(s.shots) > 0
}

func parseShot(line string, declination float64) (compassShot, bool) {
	fields := strings.Fields(line)
	if len(fields) < 5 {
		return compassShot{}, false
	}
	length, err1 := strconv.ParseFloat(fields[2], 64)
	bearing, err2 := strconv.ParseFloat(fields[3], 64)
	inclination, err3 := strconv.ParseFloat(fields[4], 64)
	if err1 != nil || err2 != nil || err3 != nil || length < 0 {
		return compassShot{}, false
	}
	// Compass writes -999 for a missing reading
	if bearing <= -999 {
		bearing = 0
	}
	if inclination <= -999 {
		inclination = 0
	}
	return compassShot{
		from:        fields[0],
		to:          fields[1],
		length:      length * feetToMeters,
		bearing:     math.Mod(bearing+declination+360, 360),
		inclination: inclination,
	}, true
}

// place positions every station reachable from the first station of the
// first survey, which sits on the anchor
func place(surveys []compassSurvey, anchor orb.Point) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	if len(surveys) == 0 {
		return fc
	}

	stations := map[string]orb.Point{surveys[0].shots[0].from: anchor}
	var pending []compassShot
	for _, s := range surveys {
		pending = append(pending, s.shots...)
	}

	// Shots may reference stations defined later; sweep until stable
	for progress := true; progress; {
		progress = false
		remaining := pending[:0]
		for _, shot := range pending {
			horizontal := shot.length * math.Cos(shot.inclination*math.Pi/180)
			if p, ok := stations[shot.from]; ok {
				if _, known := stations[shot.to]; !known {
					stations[shot.to] = geo.PointAtBearingAndDistance(p, shot.bearing, horizontal)
				}
				progress = true
				continue
			}
			if p, ok := stations[shot.to]; ok {
				stations[shot.from] = geo.PointAtBearingAndDistance(p, math.Mod(shot.bearing+180, 360), horizontal)
				progress = true
				continue
			}
			remaining = append(remaining, shot)
		}
		pending = remaining
	}

	for _, s := range surveys {
		var (
			lines  orb.MultiLineString
			length float64
		)
		for _, shot := range s.shots {
			from, ok1 := stations[shot.from]
			to, ok2 := stations[shot.to]
			if !ok1 || !ok2 {
				continue
			}
			lines = append(lines, orb.LineString{from, to})
			length += shot.length
		}
		if len(lines) == 0 {
			continue
		}
		feature := geojson.NewFeature(lines)
		feature.Properties["survey"] = s.name
		feature.Properties["date"] = s.date
		feature.Properties["shots"] = len(lines)
		feature.Properties["length_m"] = math.Round(length*100) / 100
		fc.Append(feature)
	}
	return fc
}

func datMembers(data []byte) ([][]byte, error) {
	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, err
	}
	var files [][]byte
	for _, f := range reader.File {
		if !strings.EqualFold(path.Ext(f.Name), ".dat") {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, err
		}
		content, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, err
		}
		files = append(files, content)
	}
	return files, nil
}
