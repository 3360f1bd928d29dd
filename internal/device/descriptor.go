// Package device models the supported Notepad mixers: identity, routing
// descriptors, source selection, and persistence of the selected source.
package device

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// VendorID is the USB vendor id shared by all supported mixers.
const VendorID = 0x05fc

// Product ids of the supported mixers.
const (
	ProductIDNotepad5    = 0x0030
	ProductIDNotepad8FX  = 0x0031
	ProductIDNotepad12FX = 0x0032
)

// ErrInvalidSelection is returned when a requested routing source cannot be
// resolved to exactly one selectable source.
var ErrInvalidSelection = errors.New("invalid routing source selection")

// StereoPair is an ordered pair of channel or label names. Field order
// matches the wire representation.
type StereoPair struct {
	Left  string
	Right string
}

// Route is a fixed target<-source mapping that is always active.
type Route struct {
	Target StereoPair
	Source StereoPair
}

// Source is one selectable routing source.
type Source struct {
	Key     string     // Symbolic name, stable across releases
	Ordinal int        // Value sent to the hardware
	Label   StereoPair // Display labels
}

// Descriptor describes one hardware variant: what it is called, where the
// selectable sources are routed to, and which sources exist.
type Descriptor struct {
	ProductID     uint16
	Model         string // Product name, also the fallback display name
	RoutingTarget StereoPair
	FixedRouting  []Route
	Sources       []Source // Ordered by ordinal
}

func stereoLabel(base string) StereoPair {
	return StereoPair{base + " L", base + " R"}
}

// descriptors lists the supported hardware in discovery priority order.
var descriptors = []Descriptor{
	{
		ProductID:     ProductIDNotepad12FX,
		Model:         "Notepad-12FX",
		RoutingTarget: StereoPair{"capture_3", "capture_4"},
		FixedRouting: []Route{
			{Target: StereoPair{"capture_1", "capture_2"}, Source: StereoPair{"Mic/Line 1", "Mic/Line 2"}},
		},
		Sources: []Source{
			{Key: "INPUT_3_4", Ordinal: 0, Label: StereoPair{"Mic/Line 3", "Mic/Line 4"}},
			{Key: "INPUT_5_6", Ordinal: 1, Label: stereoLabel("Stereo 5/6")},
			{Key: "INPUT_7_8", Ordinal: 2, Label: stereoLabel("Stereo 7/8")},
			{Key: "MASTER_L_R", Ordinal: 3, Label: stereoLabel("Mix")},
		},
	},
	{
		ProductID:     ProductIDNotepad8FX,
		Model:         "Notepad-8FX",
		RoutingTarget: StereoPair{"capture_1", "capture_2"},
		Sources: []Source{
			{Key: "INPUT_1_2", Ordinal: 0, Label: StereoPair{"Mic/Line 1", "Mic/Line 2"}},
			{Key: "INPUT_3_4", Ordinal: 1, Label: stereoLabel("Stereo 3/4")},
			{Key: "INPUT_5_6", Ordinal: 2, Label: stereoLabel("Stereo 5/6")},
			{Key: "MASTER_L_R", Ordinal: 3, Label: stereoLabel("Mix")},
		},
	},
	{
		ProductID:     ProductIDNotepad5,
		Model:         "Notepad-5",
		RoutingTarget: StereoPair{"capture_1", "capture_2"},
		Sources: []Source{
			{Key: "MONO_1_MONO_2", Ordinal: 0, Label: StereoPair{"Mic/Line 1", "Mono Line 2"}},
			{Key: "STEREO_2_3", Ordinal: 1, Label: stereoLabel("Stereo 2/3")},
			{Key: "STEREO_4_5", Ordinal: 2, Label: stereoLabel("Stereo 4/5")},
			{Key: "MASTER_L_R", Ordinal: 3, Label: stereoLabel("Mix")},
		},
	},
}

// Descriptors returns the supported hardware descriptors in discovery
// priority order.
func Descriptors() []Descriptor {
	return descriptors
}

// LookupModel finds the descriptor whose model name matches product.
// Returns false for unknown products.
func LookupModel(product string) (Descriptor, bool) {
	for _, d := range descriptors {
		if d.Model == product {
			return d, true
		}
	}
	return Descriptor{}, false
}

// SourceByOrdinal returns the selectable source with the given ordinal.
func (d Descriptor) SourceByOrdinal(n int) (Source, bool) {
	for _, src := range d.Sources {
		if src.Ordinal == n {
			return src, true
		}
	}
	return Source{}, false
}

// SourceMap returns the mapping of source key to display labels, as exposed
// over the bus.
func (d Descriptor) SourceMap() map[string]StereoPair {
	m := make(map[string]StereoPair, len(d.Sources))
	for _, src := range d.Sources {
		m[src.Key] = src.Label
	}
	return m
}

// SelectorKind tags how a Selector identifies a source.
type SelectorKind int

const (
	ByKey SelectorKind = iota
	ByOrdinal
	BySubstring
)

// Selector identifies a selectable source by symbolic key, integer ordinal,
// or a substring of a key.
type Selector struct {
	Kind      SelectorKind
	Key       string
	Ordinal   int
	Substring string
}

// KeySelector selects a source by its symbolic key.
func KeySelector(key string) Selector { return Selector{Kind: ByKey, Key: key} }

// OrdinalSelector selects a source by its hardware ordinal.
func OrdinalSelector(n int) Selector { return Selector{Kind: ByOrdinal, Ordinal: n} }

// SubstringSelector selects the source whose key uniquely contains s.
func SubstringSelector(s string) Selector { return Selector{Kind: BySubstring, Substring: s} }

// ParseSelector maps a request string to a Selector: numeric text selects by
// ordinal, an exact key match selects by key, anything else is treated as a
// key substring.
func (d Descriptor) ParseSelector(request string) Selector {
	if n, err := strconv.Atoi(request); err == nil {
		return OrdinalSelector(n)
	}
	for _, src := range d.Sources {
		if src.Key == request {
			return KeySelector(request)
		}
	}
	return SubstringSelector(request)
}

// ResolveSource resolves sel to exactly one selectable source. Substring
// matching is case-sensitive and must be unambiguous; zero or multiple
// matches yield ErrInvalidSelection.
func (d Descriptor) ResolveSource(sel Selector) (Source, error) {
	switch sel.Kind {
	case ByKey:
		for _, src := range d.Sources {
			if src.Key == sel.Key {
				return src, nil
			}
		}
		return Source{}, fmt.Errorf("%w: no source named %q", ErrInvalidSelection, sel.Key)

	case ByOrdinal:
		if src, ok := d.SourceByOrdinal(sel.Ordinal); ok {
			return src, nil
		}
		return Source{}, fmt.Errorf("%w: no source with ordinal %d", ErrInvalidSelection, sel.Ordinal)

	case BySubstring:
		var matches []Source
		for _, src := range d.Sources {
			if strings.Contains(src.Key, sel.Substring) {
				matches = append(matches, src)
			}
		}
		switch len(matches) {
		case 1:
			return matches[0], nil
		case 0:
			return Source{}, fmt.Errorf("%w: nothing matches %q", ErrInvalidSelection, sel.Substring)
		default:
			keys := make([]string, len(matches))
			for i, m := range matches {
				keys[i] = m.Key
			}
			return Source{}, fmt.Errorf("%w: %q is ambiguous, matches %s",
				ErrInvalidSelection, sel.Substring, strings.Join(keys, ", "))
		}

	default:
		return Source{}, fmt.Errorf("%w: unknown selector kind %d", ErrInvalidSelection, sel.Kind)
	}
}

// ResolveRequest resolves a raw request string to a selectable source.
func (d Descriptor) ResolveRequest(request string) (Source, error) {
	return d.ResolveSource(d.ParseSelector(request))
}
