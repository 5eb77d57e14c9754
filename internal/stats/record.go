package stats

import (
	"errors"
	"math"
	"slices"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// DefaultBins is the histogram resolution used when none is configured.
const DefaultBins = 2048

var (
	ErrFrozen       = errors.New("stats: record is frozen")
	ErrNotCollected = errors.New("stats: collection has not completed")
)

// Record is the running summary of one tensor.
//
// The histogram spans [Lo, Hi] with len(Counts) equal-width bins. When a
// batch extends the observed range the existing mass is rebinned onto the
// wider range, so Lo <= Min and Hi >= Max always hold.
type Record struct {
	Name  string  `json:"name"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Count int64   `json:"count"`
	Sum   float64 `json:"sum"`
	// M2 is the running sum of squared deviations from the mean.
	M2   float64   `json:"m2"`
	Lo   float64   `json:"lo"`
	Hi   float64   `json:"hi"`
	Bins []float64 `json:"-"`

	frozen bool
}

// NewRecord creates an empty record with n histogram bins. n <= 0 disables
// the histogram.
func NewRecord(name string, n int) *Record {
	r := &Record{Name: name}
	if n > 0 {
		r.Bins = make([]float64, n)
	}
	return r
}

// Frozen reports whether the record accepts no further updates.
func (r *Record) Frozen() bool { return r.frozen }

func (r *Record) freeze() { r.frozen = true }

// HasHistogram reports whether a histogram with observed mass is present.
func (r *Record) HasHistogram() bool { return len(r.Bins) > 0 && r.Count > 0 }

// MaxAbs returns max(|Min|, |Max|).
func (r *Record) MaxAbs() float64 { return math.Max(math.Abs(r.Min), math.Abs(r.Max)) }

// Mean is the running mean of observed values.
func (r *Record) Mean() float64 {
	if r.Count == 0 {
		return 0
	}
	return r.Sum / float64(r.Count)
}

// Variance is the population variance of observed values.
func (r *Record) Variance() float64 {
	if r.Count == 0 {
		return 0
	}
	return r.M2 / float64(r.Count)
}

// BinWidth is the width of one histogram bin.
func (r *Record) BinWidth() float64 {
	if len(r.Bins) == 0 {
		return 0
	}
	return (r.Hi - r.Lo) / float64(len(r.Bins))
}

// BinCenter returns the center of bin i.
func (r *Record) BinCenter(i int) float64 {
	return r.Lo + (float64(i)+0.5)*r.BinWidth()
}

// Update folds data into the record. Non-finite values are skipped.
func (r *Record) Update(data []float64) error {
	if r.frozen {
		return ErrFrozen
	}
	finite := data
	for _, v := range data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			finite = finiteOnly(data)
			break
		}
	}
	if len(finite) == 0 {
		return nil
	}
	lo, hi := floats.Min(finite), floats.Max(finite)
	if r.Count == 0 {
		r.Min, r.Max = lo, hi
	} else {
		r.Min, r.Max = math.Min(r.Min, lo), math.Max(r.Max, hi)
	}
	r.mergeMoments(finite)
	r.Count += int64(len(finite))
	r.Sum += floats.Sum(finite)

	if len(r.Bins) == 0 {
		return nil
	}
	if r.Count == int64(len(finite)) {
		r.Lo, r.Hi = widen(r.Min, r.Max)
	} else if r.Min < r.Lo || r.Max > r.Hi {
		r.rebin(widen(math.Min(r.Lo, r.Min), math.Max(r.Hi, r.Max)))
	}
	n := len(r.Bins)
	w := r.BinWidth()
	for _, v := range finite {
		i := int((v - r.Lo) / w)
		r.Bins[min(max(i, 0), n-1)]++
	}
	return nil
}

// mergeMoments folds the batch's squared deviations into M2 with the
// pairwise update of Chan et al. It runs before Count and Sum advance.
func (r *Record) mergeMoments(batch []float64) {
	nb := float64(len(batch))
	mb, m2b := batch[0], 0.0
	if len(batch) > 1 {
		var vb float64
		mb, vb = stat.MeanVariance(batch, nil)
		m2b = vb * (nb - 1)
	}
	if r.Count == 0 {
		r.M2 = m2b
		return
	}
	na := float64(r.Count)
	d := mb - r.Sum/na
	r.M2 += m2b + d*d*na*nb/(na+nb)
}

// scaled returns an unfrozen copy with every value multiplied by s > 0.
func (r *Record) scaled(s float64) *Record {
	out := *r
	out.Min, out.Max = r.Min*s, r.Max*s
	out.Sum, out.M2 = r.Sum*s, r.M2*s*s
	out.Lo, out.Hi = r.Lo*s, r.Hi*s
	out.Bins = slices.Clone(r.Bins)
	out.frozen = false
	return &out
}

// rebin moves every bin's mass to the bin of the new range containing its
// center.
func (r *Record) rebin(lo, hi float64) {
	n := len(r.Bins)
	old := r.Bins
	oldLo, oldW := r.Lo, r.BinWidth()
	r.Bins = make([]float64, n)
	r.Lo, r.Hi = lo, hi
	w := r.BinWidth()
	for i, c := range old {
		if c == 0 {
			continue
		}
		center := oldLo + (float64(i)+0.5)*oldW
		j := int((center - lo) / w)
		r.Bins[min(max(j, 0), n-1)] += c
	}
}

// widen keeps a degenerate range from producing zero-width bins.
func widen(lo, hi float64) (float64, float64) {
	if hi > lo {
		return lo, hi
	}
	d := math.Max(math.Abs(lo)*1e-6, 1e-12)
	return lo - d, hi + d
}

func finiteOnly(data []float64) []float64 {
	out := make([]float64, 0, len(data))
	for _, v := range data {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			out = append(out, v)
		}
	}
	return out
}
