package composition

import (
	"fmt"
	"math"
	"math/big"
	"strings"
	"time"
)

// DefaultTimescale is the scale of the builder's running cursor (ticks per second).
const DefaultTimescale int64 = 600

// Time is a rational presentation timestamp: Value/Scale seconds.
type Time struct {
	Value int64 `json:"value"`
	Scale int64 `json:"scale"`
}

// Zero is the zero time at the default timescale.
var Zero = Time{Value: 0, Scale: DefaultTimescale}

// NewTime creates a time of value/scale seconds.
func NewTime(value, scale int64) Time {
	if scale <= 0 {
		scale = 1
	}
	return Time{Value: value, Scale: scale}
}

// TimeFromSeconds rounds seconds to the nearest tick of the given scale.
func TimeFromSeconds(seconds float64, scale int64) Time {
	if scale <= 0 {
		scale = DefaultTimescale
	}
	return Time{Value: int64(math.Round(seconds * float64(scale))), Scale: scale}
}

// ParseDecimal parses a decimal seconds string such as "7.800000" without
// going through floating point.
func ParseDecimal(s string) (Time, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "N/A" {
		return Time{}, fmt.Errorf("invalid decimal time %q", s)
	}
	r, ok := new(big.Rat).SetString(s)
	if !ok {
		return Time{}, fmt.Errorf("invalid decimal time %q", s)
	}
	if !r.Num().IsInt64() || !r.Denom().IsInt64() {
		return Time{}, fmt.Errorf("decimal time %q out of range", s)
	}
	return Time{Value: r.Num().Int64(), Scale: r.Denom().Int64()}, nil
}

func (t Time) scale() int64 {
	if t.Scale <= 0 {
		return 1
	}
	return t.Scale
}

// IsValid reports whether the time has a positive scale.
func (t Time) IsValid() bool {
	return t.Scale > 0
}

// IsZero reports whether the time is zero seconds.
func (t Time) IsZero() bool {
	return t.Value == 0
}

// Seconds returns the time as floating seconds. Use only for display and
// for formatting ffmpeg arguments, never for arithmetic.
func (t Time) Seconds() float64 {
	return float64(t.Value) / float64(t.scale())
}

// Duration converts to a time.Duration, truncating below a nanosecond.
func (t Time) Duration() time.Duration {
	return time.Duration(new(big.Int).Div(
		new(big.Int).Mul(big.NewInt(t.Value), big.NewInt(int64(time.Second))),
		big.NewInt(t.scale()),
	).Int64())
}

// Add returns t+o exactly. The result carries the least common multiple of
// both scales so no precision is lost across many concatenations.
func (t Time) Add(o Time) Time {
	ts, us := big.NewInt(t.scale()), big.NewInt(o.scale())
	g := new(big.Int).GCD(nil, nil, ts, us)
	s := new(big.Int).Mul(new(big.Int).Quo(ts, g), us)
	v := new(big.Int).Mul(big.NewInt(t.Value), new(big.Int).Quo(s, ts))
	v.Add(v, new(big.Int).Mul(big.NewInt(o.Value), new(big.Int).Quo(s, us)))
	return fromFrac(v, s, max(t.scale(), o.scale()))
}

// Sub returns t-o exactly.
func (t Time) Sub(o Time) Time {
	return t.Add(Time{Value: -o.Value, Scale: o.scale()})
}

// Mul multiplies the time by an integer factor.
func (t Time) Mul(n int64) Time {
	v := new(big.Int).Mul(big.NewInt(t.Value), big.NewInt(n))
	return fromFrac(v, big.NewInt(t.scale()), t.scale())
}

// Compare returns -1, 0 or +1.
func (t Time) Compare(o Time) int {
	return t.rat().Cmp(o.rat())
}

// Equal reports whether both times denote the same instant, regardless of scale.
func (t Time) Equal(o Time) bool { return t.Compare(o) == 0 }

// Before reports whether t < o.
func (t Time) Before(o Time) bool { return t.Compare(o) < 0 }

// After reports whether t > o.
func (t Time) After(o Time) bool { return t.Compare(o) > 0 }

// Min returns the earlier of the two times.
func (t Time) Min(o Time) Time {
	if o.Before(t) {
		return o
	}
	return t
}

// Max returns the later of the two times.
func (t Time) Max(o Time) Time {
	if o.After(t) {
		return o
	}
	return t
}

// ConvertScale re-expresses t in another scale, rounding half away from zero
// when the conversion is inexact.
func (t Time) ConvertScale(scale int64) Time {
	if scale <= 0 || scale == t.scale() {
		return t
	}
	num := new(big.Int).Mul(big.NewInt(t.Value), big.NewInt(scale))
	return Time{Value: clampInt64(roundQuo(num, big.NewInt(t.scale()))), Scale: scale}
}

// fromFrac builds the time v/s. It keeps s when both fit in int64, falls
// back to the reduced fraction, and as a last resort rounds to fallback.
func fromFrac(v, s *big.Int, fallback int64) Time {
	if v.IsInt64() && s.IsInt64() {
		return Time{Value: v.Int64(), Scale: s.Int64()}.fit()
	}
	r := new(big.Rat).SetFrac(v, s)
	if r.Num().IsInt64() && r.Denom().IsInt64() {
		return Time{Value: r.Num().Int64(), Scale: r.Denom().Int64()}
	}
	num := new(big.Int).Mul(r.Num(), big.NewInt(fallback))
	return Time{Value: clampInt64(roundQuo(num, r.Denom())), Scale: fallback}
}

// roundQuo divides num by a positive den, rounding half away from zero.
func roundQuo(num, den *big.Int) *big.Int {
	q, r := new(big.Int).QuoRem(num, den, new(big.Int))
	if new(big.Int).Mul(new(big.Int).Abs(r), big.NewInt(2)).Cmp(den) >= 0 {
		if num.Sign() < 0 {
			q.Sub(q, big.NewInt(1))
		} else {
			q.Add(q, big.NewInt(1))
		}
	}
	return q
}

func clampInt64(v *big.Int) int64 {
	switch {
	case v.IsInt64():
		return v.Int64()
	case v.Sign() < 0:
		return math.MinInt64
	default:
		return math.MaxInt64
	}
}

// Reduced returns the same instant with value and scale divided by their gcd.
func (t Time) Reduced() Time {
	g := gcd(abs(t.Value), t.scale())
	if g <= 1 {
		return Time{Value: t.Value, Scale: t.scale()}
	}
	return Time{Value: t.Value / g, Scale: t.scale() / g}
}

// String formats the time as "value/scale".
func (t Time) String() string {
	return fmt.Sprintf("%d/%d", t.Value, t.scale())
}

// FFmpeg formats the time as decimal seconds for ffmpeg arguments.
func (t Time) FFmpeg() string {
	return t.rat().FloatString(6)
}

func (t Time) rat() *big.Rat {
	return big.NewRat(t.Value, t.scale())
}

// fit keeps the scale bounded when repeated lcm growth would overflow.
func (t Time) fit() Time {
	if t.Scale > math.MaxInt32 {
		return t.Reduced()
	}
	return t
}

// TimeRange is a half-open interval [Start, Start+Duration).
type TimeRange struct {
	Start    Time `json:"start"`
	Duration Time `json:"duration"`
}

// NewTimeRange creates a range from a start and a duration.
func NewTimeRange(start, duration Time) TimeRange {
	return TimeRange{Start: start, Duration: duration}
}

// TimeRangeFromEnds creates a range covering [start, end).
func TimeRangeFromEnds(start, end Time) TimeRange {
	return TimeRange{Start: start, Duration: end.Sub(start)}
}

// End returns Start+Duration.
func (r TimeRange) End() Time {
	return r.Start.Add(r.Duration)
}

// IsValid reports whether the range has valid times and a non-negative duration.
func (r TimeRange) IsValid() bool {
	return r.Start.IsValid() && r.Duration.IsValid() && r.Duration.Compare(Zero) >= 0
}

// Validate returns an error describing why the range is invalid.
func (r TimeRange) Validate() error {
	if !r.IsValid() {
		return fmt.Errorf("invalid time range start=%s duration=%s", r.Start, r.Duration)
	}
	return nil
}

// IsEmpty reports whether the range has zero duration.
func (r TimeRange) IsEmpty() bool {
	return r.Duration.IsZero()
}

// Contains reports whether t lies within [Start, End).
func (r TimeRange) Contains(t Time) bool {
	return t.Compare(r.Start) >= 0 && t.Before(r.End())
}

// ContainsRange reports whether o lies entirely within r.
func (r TimeRange) ContainsRange(o TimeRange) bool {
	return o.Start.Compare(r.Start) >= 0 && o.End().Compare(r.End()) <= 0
}

func (r TimeRange) String() string {
	return fmt.Sprintf("[%s, %s)", r.Start.FFmpeg(), r.End().FFmpeg())
}

func gcd(a, b int64) int64 {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
