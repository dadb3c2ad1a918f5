// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package kscape

import (
	"fmt"
	"iter"
	"reflect"

	"github.com/creachadair/mds/mapset"
)

// ContentDetails describes a single content item known to the device.
// An empty field means the device did not report that attribute.
type ContentDetails struct {
	Handle           string `yaml:"handle"`
	Title            string `yaml:"title,omitempty"`
	CoverURL         string `yaml:"cover_url,omitempty"`
	HiResCoverURL    string `yaml:"hires_cover_url,omitempty"`
	Rating           string `yaml:"rating,omitempty"`
	RatingReason     string `yaml:"rating_reason,omitempty"`
	Year             string `yaml:"year,omitempty"`
	RunningTime      string `yaml:"running_time,omitempty"`
	Actors           string `yaml:"actors,omitempty"`
	Director         string `yaml:"director,omitempty"`
	Directors        string `yaml:"directors,omitempty"`
	Genre            string `yaml:"genre,omitempty"`
	Genres           string `yaml:"genres,omitempty"`
	Synopsis         string `yaml:"synopsis,omitempty"`
	ColorDescription string `yaml:"color_description,omitempty"`
	Country          string `yaml:"country,omitempty"`
	AspectRatio      string `yaml:"aspect_ratio,omitempty"`
	DiscLocation     string `yaml:"disc_location,omitempty"`
}

// TerminalField is the wire name of the last field the device reports for a
// content details request. Its arrival completes the request.
const TerminalField = "Disc_location"

type detailField struct {
	name string
	ptr  func(*ContentDetails) *string
}

// detailFields maps wire field names to attributes of ContentDetails, in the
// order the device reports them.
var detailFields = []detailField{
	{"Content_handle", func(d *ContentDetails) *string { return &d.Handle }},
	{"Title", func(d *ContentDetails) *string { return &d.Title }},
	{"Cover_URL", func(d *ContentDetails) *string { return &d.CoverURL }},
	{"HiRes_cover_URL", func(d *ContentDetails) *string { return &d.HiResCoverURL }},
	{"Rating", func(d *ContentDetails) *string { return &d.Rating }},
	{"Rating_reason", func(d *ContentDetails) *string { return &d.RatingReason }},
	{"Year", func(d *ContentDetails) *string { return &d.Year }},
	{"Running_time", func(d *ContentDetails) *string { return &d.RunningTime }},
	{"Actors", func(d *ContentDetails) *string { return &d.Actors }},
	{"Director", func(d *ContentDetails) *string { return &d.Director }},
	{"Directors", func(d *ContentDetails) *string { return &d.Directors }},
	{"Genre", func(d *ContentDetails) *string { return &d.Genre }},
	{"Genres", func(d *ContentDetails) *string { return &d.Genres }},
	{"Synopsis", func(d *ContentDetails) *string { return &d.Synopsis }},
	{"Color_description", func(d *ContentDetails) *string { return &d.ColorDescription }},
	{"Country", func(d *ContentDetails) *string { return &d.Country }},
	{"Aspect_ratio", func(d *ContentDetails) *string { return &d.AspectRatio }},
	{TerminalField, func(d *ContentDetails) *string { return &d.DiscLocation }},
}

// fieldIndex maps a wire field name to its offset in detailFields.
var fieldIndex = mustBuildFieldIndex(detailFields)

func mustBuildFieldIndex(fields []detailField) map[string]int {
	idx, err := buildFieldIndex(fields)
	if err != nil {
		panic(err)
	}
	return idx
}

// buildFieldIndex checks that fields covers every attribute of ContentDetails
// exactly once and includes the terminal field.
func buildFieldIndex(fields []detailField) (map[string]int, error) {
	nf := reflect.TypeFor[ContentDetails]().NumField()
	if len(fields) != nf {
		return nil, fmt.Errorf("field table has %d entries for %d attributes", len(fields), nf)
	}
	var probe ContentDetails
	seen := mapset.New[*string]()
	idx := make(map[string]int, len(fields))
	for i, f := range fields {
		if _, ok := idx[f.name]; ok {
			return nil, fmt.Errorf("duplicate field name %q", f.name)
		}
		p := f.ptr(&probe)
		if seen.Has(p) {
			return nil, fmt.Errorf("field %q repeats an attribute", f.name)
		}
		seen.Add(p)
		idx[f.name] = i
	}
	if _, ok := idx[TerminalField]; !ok {
		return nil, fmt.Errorf("terminal field %q is missing", TerminalField)
	}
	return idx, nil
}

// Set sets the attribute of d with the given wire name to value, and reports
// whether name is a known field.
func (d *ContentDetails) Set(name, value string) bool {
	i, ok := fieldIndex[name]
	if ok {
		*detailFields[i].ptr(d) = value
	}
	return ok
}

// Get returns the value of the attribute of d with the given wire name, and
// reports whether name is a known field.
func (d *ContentDetails) Get(name string) (string, bool) {
	i, ok := fieldIndex[name]
	if !ok {
		return "", false
	}
	return *detailFields[i].ptr(d), true
}

// All returns an iterator over the wire names and values of the attributes of
// d, in protocol order. Empty attributes are included.
func (d *ContentDetails) All() iter.Seq2[string, string] {
	return func(yield func(string, string) bool) {
		for _, f := range detailFields {
			if !yield(f.name, *f.ptr(d)) {
				return
			}
		}
	}
}

// FieldNames returns the wire names of all content detail fields, in protocol
// order.
func FieldNames() []string {
	out := make([]string, len(detailFields))
	for i, f := range detailFields {
		out[i] = f.name
	}
	return out
}
