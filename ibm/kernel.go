package ibm

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// Kernel is a one-dimensional discrete delta function. Three-dimensional
// weights are the tensor product of the per-axis weights. Implementations are
// stateless.
type Kernel interface {
	Name() string
	// Radius bounds the support: Weight(r) is zero for |r| >= Radius.
	Radius() float64
	Weight(r float64) float64
}

// Linear is the two-point tent kernel.
type Linear struct{}

func (Linear) Name() string    { return "linear" }
func (Linear) Radius() float64 { return 1 }

func (Linear) Weight(r float64) float64 {
	r = math.Abs(r)
	if r >= 1 {
		return 0
	}
	return 1 - r
}

// Roma3 is the three-point kernel of Roma, Peskin and Berger.
type Roma3 struct{}

func (Roma3) Name() string    { return "roma3" }
func (Roma3) Radius() float64 { return 1.5 }

func (Roma3) Weight(r float64) float64 {
	r = math.Abs(r)
	switch {
	case r <= 0.5:
		return (1 + math.Sqrt(1-3*r*r)) / 3
	case r < 1.5:
		d := 1 - r
		return (5 - 3*r - math.Sqrt(1-3*d*d)) / 6
	default:
		return 0
	}
}

// Peskin4 is Peskin's four-point kernel.
type Peskin4 struct{}

func (Peskin4) Name() string    { return "peskin4" }
func (Peskin4) Radius() float64 { return 2 }

func (Peskin4) Weight(r float64) float64 {
	r = math.Abs(r)
	switch {
	case r <= 1:
		return (3 - 2*r + math.Sqrt(1+4*r-4*r*r)) / 8
	case r < 2:
		return (5 - 2*r - math.Sqrt(-7+12*r-4*r*r)) / 8
	default:
		return 0
	}
}

// Cosine4 is the smooth four-point cosine kernel.
type Cosine4 struct{}

func (Cosine4) Name() string    { return "cosine4" }
func (Cosine4) Radius() float64 { return 2 }

func (Cosine4) Weight(r float64) float64 {
	r = math.Abs(r)
	if r >= 2 {
		return 0
	}
	return (1 + math.Cos(math.Pi*r/2)) / 4
}

var kernels = map[string]Kernel{
	"linear":  Linear{},
	"roma3":   Roma3{},
	"peskin4": Peskin4{},
	"cosine4": Cosine4{},
}

// KernelNames lists the registered kernels in sorted order.
func KernelNames() []string {
	names := make([]string, 0, len(kernels))
	for n := range kernels {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// KernelByName resolves a configured kernel name.
func KernelByName(name string) (Kernel, error) {
	k, ok := kernels[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("unknown IB kernel %q (have %s)", name, strings.Join(KernelNames(), ", "))
	}
	return k, nil
}

// CheckPartitionOfUnity samples offsets across one cell and reports the
// largest deviation of the 1D weight sum from one. A kernel failing this is a
// configuration bug.
func CheckPartitionOfUnity(k Kernel, samples int) float64 {
	var worst float64
	for s := 0; s < samples; s++ {
		x := float64(s) / float64(samples)
		var sum float64
		lo := int(math.Ceil(x - k.Radius()))
		hi := int(math.Floor(x + k.Radius()))
		for j := lo; j <= hi; j++ {
			sum += k.Weight(x - float64(j))
		}
		worst = math.Max(worst, math.Abs(sum-1))
	}
	return worst
}
