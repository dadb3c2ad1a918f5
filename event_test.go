// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package kscape_test

import (
	"testing"

	"github.com/creachadair/kscape"
	"github.com/google/go-cmp/cmp"
)

func TestClassifyEvent(t *testing.T) {
	tests := []struct {
		input string
		want  kscape.Event // nil means not classified
	}{
		{"#000001/!/000:HIGHLIGHTED_SELECTION:42:",
			kscape.HighlightedSelectionChanged{SelectionID: "42"}},
		{"#000001/!/000:HIGHLIGHTED_SELECTION:26-0.0-S_c446c2e0:",
			kscape.HighlightedSelectionChanged{SelectionID: "26-0.0-S_c446c2e0"}},
		{"#000001/!/000:HIGHLIGHTED_SELECTION::", nil},
		{"#000001/!/000:UI_STATE:01:02:03:1:",
			kscape.UIStateChanged{Screen: "01", Popup: "02", Dialog: "03", Saver: "1"}},
		{"#000001/!/000:UI_STATE:01:02:03:1:extra:",
			kscape.UIStateChanged{Screen: "01", Popup: "02", Dialog: "03", Saver: "1"}},
		{"#000001/!/000:UI_STATE:01:02:", nil},
		{"#000001/!/000:MOVIE_LOCATION:03:",
			kscape.MovieLocationChanged{Location: "03"}},
		{"#000001/!/000:MOVIE_LOCATION:\\d065:",
			kscape.MovieLocationChanged{Location: "A"}},
		{"#000001/!/000:PLAY_STATUS:2:0:01:", nil},
		{"#000001/!/000:HIGHLIGHTED_SELECTION:bad\\:", nil},
	}
	for _, tc := range tests {
		p := kscape.ParseLine(tc.input)
		if p.Kind != kscape.LineEvent {
			t.Errorf("ParseLine(%q): got kind %v, want %v", tc.input, p.Kind, kscape.LineEvent)
			continue
		}
		got, ok := kscape.ClassifyEvent(p.Event)
		if ok != (tc.want != nil) {
			t.Errorf("ClassifyEvent(%q): got (%v, %v), want %v", tc.input, got, ok, tc.want)
			continue
		}
		if diff := cmp.Diff(tc.want, got); diff != "" {
			t.Errorf("ClassifyEvent(%q) (-want, +got):\n%s", tc.input, diff)
		}
		if ok && got.EventName() != p.Event.Name {
			t.Errorf("EventName: got %q, want %q", got.EventName(), p.Event.Name)
		}
	}
}
