package core

import (
	"math"

	"github.com/klauspost/cpuid/v2"
)

// lane width chosen once at process start by probing the host CPU for the
// widest float32 SIMD-style unroll it can usefully feed. We do not emit
// actual vector assembly (no example in the corpus does); the "dispatch"
// is between differently-unrolled pure-Go loops, which the Go compiler is
// free to further auto-vectorize. Each lane width accumulates into its own
// set of per-lane float64 partial sums, so the summation order differs
// between widths; results differ only by rounding and stay within the
// spec's |Δ| ≤ 1e-5·dim tolerance regardless of which lane width a given
// machine selects.
const (
	lanesScalar = 1
	lanesNarrow = 8
	lanesWide   = 16
)

var dispatchLanes = detectLanes()

func detectLanes() int {
	switch {
	case cpuid.CPU.Supports(cpuid.AVX512F):
		return lanesWide
	case cpuid.CPU.Supports(cpuid.AVX2), cpuid.CPU.Supports(cpuid.AVX):
		return lanesNarrow
	default:
		return lanesScalar
	}
}

// Lanes reports the SIMD-style unroll width the distance kernels dispatch
// to on this host: 16, 8, or 1 (scalar fallback).
func Lanes() int { return dispatchLanes }

// L2 returns the Euclidean distance between a and b. Always ≥ 0.
func L2(a, b []float32) (float32, error) {
	if len(a) != len(b) {
		return 0, wrapError("L2", ErrInvalidArgument)
	}
	return float32(math.Sqrt(float64(sumSquaredDiff(a, b)))), nil
}

// Cosine returns the cosine similarity between a and b, in [-1, 1]. Returns
// 0 when either vector has zero norm.
func Cosine(a, b []float32) (float32, error) {
	if len(a) != len(b) {
		return 0, wrapError("Cosine", ErrInvalidArgument)
	}
	dot, normA, normB := dotAndNorms(a, b)
	if normA == 0 || normB == 0 {
		return 0, nil
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB))), nil
}

// Dot returns the dot product of a and b. Unrestricted range.
func Dot(a, b []float32) (float32, error) {
	if len(a) != len(b) {
		return 0, wrapError("Dot", ErrInvalidArgument)
	}
	return float32(dotOnly(a, b)), nil
}

// sumSquaredDiff computes sum((a[i]-b[i])^2) in float64 accumulation,
// dispatched by lane width for cache-friendlier unrolled accumulation.
func sumSquaredDiff(a, b []float32) float64 {
	n := len(a)
	lanes := dispatchLanes
	if lanes > n {
		lanes = 1
	}
	var acc [lanesWide]float64
	i := 0
	for ; i+lanes <= n; i += lanes {
		for l := 0; l < lanes; l++ {
			d := float64(a[i+l]) - float64(b[i+l])
			acc[l] += d * d
		}
	}
	var total float64
	for l := 0; l < lanes; l++ {
		total += acc[l]
	}
	for ; i < n; i++ {
		d := float64(a[i]) - float64(b[i])
		total += d * d
	}
	return total
}

func dotAndNorms(a, b []float32) (dot, normA, normB float64) {
	n := len(a)
	lanes := dispatchLanes
	if lanes > n {
		lanes = 1
	}
	var accDot, accA, accB [lanesWide]float64
	i := 0
	for ; i+lanes <= n; i += lanes {
		for l := 0; l < lanes; l++ {
			fa := float64(a[i+l])
			fb := float64(b[i+l])
			accDot[l] += fa * fb
			accA[l] += fa * fa
			accB[l] += fb * fb
		}
	}
	for l := 0; l < lanes; l++ {
		dot += accDot[l]
		normA += accA[l]
		normB += accB[l]
	}
	for ; i < n; i++ {
		fa := float64(a[i])
		fb := float64(b[i])
		dot += fa * fb
		normA += fa * fa
		normB += fb * fb
	}
	return dot, normA, normB
}

func dotOnly(a, b []float32) float64 {
	n := len(a)
	lanes := dispatchLanes
	if lanes > n {
		lanes = 1
	}
	var acc [lanesWide]float64
	i := 0
	for ; i+lanes <= n; i += lanes {
		for l := 0; l < lanes; l++ {
			acc[l] += float64(a[i+l]) * float64(b[i+l])
		}
	}
	var total float64
	for l := 0; l < lanes; l++ {
		total += acc[l]
	}
	for ; i < n; i++ {
		total += float64(a[i]) * float64(b[i])
	}
	return total
}

// Metric identifies a distance/similarity kernel by name.
type Metric int

const (
	MetricL2 Metric = iota
	MetricCosine
	MetricDot
)

// String implements fmt.Stringer.
func (m Metric) String() string {
	switch m {
	case MetricL2:
		return "l2"
	case MetricCosine:
		return "cosine"
	case MetricDot:
		return "dot"
	default:
		return "unknown"
	}
}

// Compute dispatches to the kernel named by m. For MetricCosine the
// returned "distance" is 1-cosine so that, like L2, smaller means closer;
// callers that need raw similarity should call Cosine directly.
func Compute(m Metric, a, b []float32) (float32, error) {
	switch m {
	case MetricL2:
		return L2(a, b)
	case MetricCosine:
		sim, err := Cosine(a, b)
		if err != nil {
			return 0, err
		}
		return 1 - sim, nil
	case MetricDot:
		d, err := Dot(a, b)
		if err != nil {
			return 0, err
		}
		return -d, nil
	default:
		return 0, wrapError("Compute", ErrInvalidArgument)
	}
}
