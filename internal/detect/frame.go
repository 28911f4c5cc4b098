package detect

import "fmt"

// Frame is the JSON form of one inference result as posted by a capture
// client. Layout selects the variant; an empty Layout falls back to the
// configured default.
//
//	{"layout":"parsed","detections":[{"class_id":0,"confidence":0.91}]}
//	{"layout":"tensor","shape":[1,84,8400],"feature_major":true,"data":[…]}
type Frame struct {
	Layout     string      `json:"layout,omitempty"`
	Detections []Detection `json:"detections,omitempty"`

	// Shape is (candidates, features), optionally with a leading batch
	// dimension of 1. With FeatureMajor it is (features, candidates).
	Shape        []int     `json:"shape,omitempty"`
	Data         []float32 `json:"data,omitempty"`
	FeatureMajor bool      `json:"feature_major,omitempty"`
}

// ParseLayout validates a layout name.
func ParseLayout(s string) (string, error) {
	switch s {
	case LayoutParsed, LayoutTensor:
		return s, nil
	}
	return "", fmt.Errorf("detect: unknown layout %q (want %q or %q)", s, LayoutParsed, LayoutTensor)
}

// Output converts f to an [Output]. Malformed frames yield a [*DecodeError].
func (f Frame) Output(defaultLayout string) (Output, error) {
	layout := f.Layout
	if layout == "" {
		layout = defaultLayout
	}
	switch layout {
	case LayoutParsed:
		return ParsedDetections(f.Detections), nil
	case LayoutTensor:
		return f.tensor()
	}
	return nil, decodeErr(layout, "unknown layout")
}

func (f Frame) tensor() (RawTensor, error) {
	shape := f.Shape
	if len(shape) == 3 {
		if shape[0] != 1 {
			return RawTensor{}, decodeErr(LayoutTensor, "batch size %d, want 1", shape[0])
		}
		shape = shape[1:]
	}
	if len(shape) != 2 {
		return RawTensor{}, decodeErr(LayoutTensor, "shape %v has %d dimensions, want 2", f.Shape, len(f.Shape))
	}

	t := RawTensor{Candidates: shape[0], Features: shape[1], Data: f.Data, FeatureMajor: f.FeatureMajor}
	if f.FeatureMajor {
		t.Candidates, t.Features = shape[1], shape[0]
	}
	return t, nil
}
