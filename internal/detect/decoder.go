// Package detect turns raw object-detector output into a debounced presence
// decision.
//
// A [Decoder] reduces one inference result to a single presence confidence,
// the highest score assigned to the person class across all candidate boxes.
// A [Filter] smooths a stream of those confidences over a trailing window and
// reports confirmed presence only when every frame in a full window was above
// threshold. A [Pipeline] composes the two for one camera stream.
package detect

import (
	"fmt"
	"math"
)

// PersonClass is the COCO class index of "person".
const PersonClass = 0

// boxValues is the number of leading box-geometry values in each tensor row.
const boxValues = 4

// Output is one inference result. It is either [ParsedDetections] or a
// [RawTensor]; the caller selects the variant, the decoder never guesses.
type Output interface {
	// Layout names the variant, for logs and errors.
	Layout() string

	isOutput()
}

// Detection is one candidate box as reported by a high-level detector API.
type Detection struct {
	ClassID    int     `json:"class_id"`
	Confidence float64 `json:"confidence"`
}

// ParsedDetections is a list of already-decoded (class, confidence) pairs.
type ParsedDetections []Detection

func (ParsedDetections) Layout() string { return LayoutParsed }
func (ParsedDetections) isOutput()      {}

// RawTensor is the raw output of a detection head: one row per candidate box,
// each row holding 4 box values followed by one score per class.
//
// Data is stored row-major with Candidates rows of Features values. When
// FeatureMajor is set, Data is instead stored as Features rows of Candidates
// values, which is how YOLOv8-style exports lay out their (1, 84, N) output.
type RawTensor struct {
	Candidates   int
	Features     int
	Data         []float32
	FeatureMajor bool
}

func (RawTensor) Layout() string { return LayoutTensor }
func (RawTensor) isOutput()      {}

func (t RawTensor) at(candidate, feature int) float32 {
	if t.FeatureMajor {
		return t.Data[feature*t.Candidates+candidate]
	}
	return t.Data[candidate*t.Features+feature]
}

// Layout names accepted by [ParseLayout] and used in frame payloads.
const (
	LayoutParsed = "parsed"
	LayoutTensor = "tensor"
)

// DecodeError reports detector output that cannot be interpreted.
type DecodeError struct {
	Layout string
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("detect: decode %s output: %s", e.Layout, e.Reason)
}

func decodeErr(layout, format string, args ...any) error {
	return &DecodeError{Layout: layout, Reason: fmt.Sprintf(format, args...)}
}

// Decoder extracts the presence confidence from detector output.
// The zero value decodes class 0 as the person class.
type Decoder struct {
	PersonClass int
}

// Decode returns the highest person-class confidence in out, or 0 when no
// candidate is a person. The result is always in [0, 1].
//
// Tensor output is not run through non-max suppression. Overlapping boxes for
// the same person are not merged, which cannot change the maximum.
func (d Decoder) Decode(out Output) (float64, error) {
	switch o := out.(type) {
	case ParsedDetections:
		return d.decodeParsed(o)
	case RawTensor:
		return d.decodeTensor(o)
	case *RawTensor:
		if o == nil {
			return 0, decodeErr(LayoutTensor, "nil tensor")
		}
		return d.decodeTensor(*o)
	case nil:
		return 0, decodeErr("unknown", "no output")
	default:
		return 0, decodeErr(out.Layout(), "unsupported output type %T", out)
	}
}

func (d Decoder) decodeParsed(dets ParsedDetections) (float64, error) {
	best := 0.0
	for i, det := range dets {
		if err := checkScore(det.Confidence); err != nil {
			return 0, decodeErr(LayoutParsed, "detection %d: %v", i, err)
		}
		if det.ClassID < 0 {
			return 0, decodeErr(LayoutParsed, "detection %d: negative class id %d", i, det.ClassID)
		}
		if det.ClassID == d.PersonClass && det.Confidence > best {
			best = det.Confidence
		}
	}
	return best, nil
}

func (d Decoder) decodeTensor(t RawTensor) (float64, error) {
	switch {
	case t.Candidates < 0 || t.Features < 0:
		return 0, decodeErr(LayoutTensor, "negative shape (%d, %d)", t.Candidates, t.Features)
	case t.Candidates == 0:
		return 0, nil
	case t.Features <= boxValues:
		return 0, decodeErr(LayoutTensor, "rows have %d values, need at least %d", t.Features, boxValues+1)
	// Divide rather than multiply: a crafted shape must not overflow int.
	case t.Candidates > len(t.Data)/t.Features || len(t.Data) != t.Candidates*t.Features:
		return 0, decodeErr(LayoutTensor, "shape (%d, %d) does not match %d values",
			t.Candidates, t.Features, len(t.Data))
	case d.PersonClass >= t.Features-boxValues:
		return 0, decodeErr(LayoutTensor, "person class %d out of range for %d classes",
			d.PersonClass, t.Features-boxValues)
	}

	best := 0.0
	for c := range t.Candidates {
		argmax, maxScore := -1, float32(0)
		for k := range t.Features - boxValues {
			score := t.at(c, boxValues+k)
			if err := checkScore(float64(score)); err != nil {
				return 0, decodeErr(LayoutTensor, "candidate %d class %d: %v", c, k, err)
			}
			if argmax < 0 || score > maxScore {
				argmax, maxScore = k, score
			}
		}
		if argmax == d.PersonClass && float64(maxScore) > best {
			best = float64(maxScore)
		}
	}
	return best, nil
}

func checkScore(v float64) error {
	switch {
	case math.IsNaN(v) || math.IsInf(v, 0):
		return fmt.Errorf("non-finite score %v", v)
	case v < 0 || v > 1:
		return fmt.Errorf("score %v outside [0, 1]", v)
	}
	return nil
}
