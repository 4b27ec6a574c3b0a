package composition

import (
	"fmt"
	"math"
)

// Size is a width/height pair in pixels.
type Size struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// DefaultRenderSize is the portrait output canvas.
var DefaultRenderSize = Size{Width: 720, Height: 1280}

// IsEmpty reports whether either dimension is non-positive.
func (s Size) IsEmpty() bool {
	return s.Width <= 0 || s.Height <= 0
}

func (s Size) String() string {
	return fmt.Sprintf("%gx%g", s.Width, s.Height)
}

// Rect is a rectangle on the output canvas, origin top-left.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Affine is a 2D affine transform using the row-vector convention:
//
//	x' = A*x + C*y + Tx
//	y' = B*x + D*y + Ty
type Affine struct {
	A  float64 `json:"a"`
	B  float64 `json:"b"`
	C  float64 `json:"c"`
	D  float64 `json:"d"`
	Tx float64 `json:"tx"`
	Ty float64 `json:"ty"`
}

// Identity is the identity transform.
var Identity = Affine{A: 1, D: 1}

// ScaleTransform returns a pure scale.
func ScaleTransform(sx, sy float64) Affine {
	return Affine{A: sx, D: sy}
}

// TranslationTransform returns a pure translation.
func TranslationTransform(tx, ty float64) Affine {
	return Affine{A: 1, D: 1, Tx: tx, Ty: ty}
}

// QuarterTurn returns an exact rotation by n*90 degrees (clockwise on a
// y-down canvas). Coefficients are exactly 0 or ±1.
func QuarterTurn(n int) Affine {
	switch ((n % 4) + 4) % 4 {
	case 1:
		return Affine{A: 0, B: 1, C: -1, D: 0}
	case 2:
		return Affine{A: -1, B: 0, C: 0, D: -1}
	case 3:
		return Affine{A: 0, B: -1, C: 1, D: 0}
	default:
		return Identity
	}
}

// Concat returns the transform that applies t first and then o.
func (t Affine) Concat(o Affine) Affine {
	return Affine{
		A:  t.A*o.A + t.B*o.C,
		B:  t.A*o.B + t.B*o.D,
		C:  t.C*o.A + t.D*o.C,
		D:  t.C*o.B + t.D*o.D,
		Tx: t.Tx*o.A + t.Ty*o.C + o.Tx,
		Ty: t.Tx*o.B + t.Ty*o.D + o.Ty,
	}
}

// Translated prepends a translation, so points are translated before t applies.
func (t Affine) Translated(tx, ty float64) Affine {
	return TranslationTransform(tx, ty).Concat(t)
}

// Scaled prepends a scale.
func (t Affine) Scaled(sx, sy float64) Affine {
	return ScaleTransform(sx, sy).Concat(t)
}

// RotatedQuarters prepends an exact rotation by n quarter turns.
func (t Affine) RotatedQuarters(n int) Affine {
	return QuarterTurn(n).Concat(t)
}

// Apply maps a point through the transform.
func (t Affine) Apply(x, y float64) (float64, float64) {
	return t.A*x + t.C*y + t.Tx, t.B*x + t.D*y + t.Ty
}

// IsIdentity reports exact equality with the identity transform.
func (t Affine) IsIdentity() bool {
	return t == Identity
}

// OrientationClass is the display orientation encoded by a track transform.
// The numeric value is the clockwise rotation in degrees.
type OrientationClass int

const (
	LandscapeRight     OrientationClass = 0
	Portrait           OrientationClass = 90
	LandscapeLeft      OrientationClass = 180
	PortraitUpsideDown OrientationClass = 270
)

func (o OrientationClass) String() string {
	switch o {
	case Portrait:
		return "portrait"
	case LandscapeLeft:
		return "landscapeLeft"
	case PortraitUpsideDown:
		return "portraitUpsideDown"
	default:
		return "landscapeRight"
	}
}

// QuarterTurns returns the number of clockwise quarter turns.
func (o OrientationClass) QuarterTurns() int {
	return int(o) / 90
}

// Classify maps an intrinsic transform to its orientation. Coefficients are
// compared exactly against the canonical rotation matrices; anything else
// is LandscapeRight.
func Classify(t Affine) OrientationClass {
	switch {
	case t.A == 0 && t.B == 1 && t.C == -1 && t.D == 0:
		return Portrait
	case t.A == 0 && t.B == -1 && t.C == 1 && t.D == 0:
		return PortraitUpsideDown
	case t.A == 1 && t.B == 0 && t.C == 0 && t.D == 1:
		return LandscapeRight
	case t.A == -1 && t.B == 0 && t.C == 0 && t.D == -1:
		return LandscapeLeft
	default:
		return LandscapeRight
	}
}

// IsCanonical reports whether t's linear part is one of the four canonical
// rotation matrices.
func IsCanonical(t Affine) bool {
	for n := 0; n < 4; n++ {
		q := QuarterTurn(n)
		if t.A == q.A && t.B == q.B && t.C == q.C && t.D == q.D {
			return true
		}
	}
	return false
}

// Resolve derives the orientation of a source frame and the transform that
// scales it onto the canvas, centering the letterbox remainder vertically
// for landscape frames.
func Resolve(natural Size, intrinsic Affine, canvas Size) (OrientationClass, Affine) {
	orientation := Classify(intrinsic)
	if natural.IsEmpty() || canvas.IsEmpty() {
		return orientation, Identity
	}

	w, h := natural.Width, natural.Height
	var trans Affine
	switch orientation {
	case Portrait:
		scale := canvas.Height / w
		trans = ScaleTransform(scale, scale).
			Translated(h, 0).
			RotatedQuarters(1)
	case LandscapeLeft:
		scale := canvas.Width / w
		offset := (canvas.Height - h*scale) / scale / 2
		trans = ScaleTransform(scale, scale).
			Translated(w, h+offset).
			RotatedQuarters(2)
	case PortraitUpsideDown:
		scale := canvas.Height / w
		trans = ScaleTransform(scale, scale).
			Translated(0, w).
			RotatedQuarters(3)
	default:
		scale := canvas.Width / w
		offset := (canvas.Height - h*scale) / scale / 2
		trans = ScaleTransform(scale, scale).
			Translated(0, offset)
	}
	return orientation, trans
}

// Placement is a transform expressed as the operations a filter graph can
// perform: rotate by quarter turns, scale to Width x Height, place at X,Y.
type Placement struct {
	Rotation OrientationClass
	Width    int
	Height   int
	X        int
	Y        int
}

// PlacementFor converts a transform with a quarter-turn linear part into a
// Placement for a frame of the given natural size.
func PlacementFor(natural Size, t Affine) Placement {
	deg := math.Atan2(t.B, t.A) * 180 / math.Pi
	turns := int(math.Round(deg/90)) % 4
	if turns < 0 {
		turns += 4
	}

	xs := make([]float64, 0, 4)
	ys := make([]float64, 0, 4)
	for _, p := range [][2]float64{{0, 0}, {natural.Width, 0}, {0, natural.Height}, {natural.Width, natural.Height}} {
		x, y := t.Apply(p[0], p[1])
		xs = append(xs, x)
		ys = append(ys, y)
	}
	minX, maxX := bounds(xs)
	minY, maxY := bounds(ys)

	return Placement{
		Rotation: OrientationClass(turns * 90),
		Width:    atLeastOne(math.Round(maxX - minX)),
		Height:   atLeastOne(math.Round(maxY - minY)),
		X:        int(math.Round(minX)),
		Y:        int(math.Round(minY)),
	}
}

func bounds(vs []float64) (float64, float64) {
	lo, hi := vs[0], vs[0]
	for _, v := range vs[1:] {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	return lo, hi
}

func atLeastOne(v float64) int {
	if v < 1 {
		return 1
	}
	return int(v)
}
