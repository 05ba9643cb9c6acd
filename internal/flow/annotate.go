package flow

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// peakSigmas is the number of rolling standard deviations a window total
// must exceed the rolling mean by to count as an automatic peak.
const peakSigmas = 3

// Annotate returns copies of windows with class percentages, rolling
// statistics and peak flags filled in. The rolling statistics for window i
// use only the peakWindow totals before it. threshold, when non-nil, flags
// every window whose total exceeds it.
func Annotate(windows []Window, classes []string, peakWindow int, threshold *int) []Window {
	if peakWindow < 1 {
		peakWindow = 1
	}
	totals := make([]float64, len(windows))
	for i, w := range windows {
		totals[i] = float64(w.Total)
	}

	out := make([]Window, len(windows))
	for i, w := range windows {
		a := w
		a.Counts = make(map[string]int, len(w.Counts))
		for k, v := range w.Counts {
			a.Counts[k] = v
		}
		a.ClassPct = classPercentages(w, classes)

		mean, std, ok := rollingStats(totals, i, peakWindow)
		a.RollingMean, a.RollingStd = 0, 0
		a.IsPeakAuto = false
		if ok {
			a.RollingMean, a.RollingStd = mean, std
			a.IsPeakAuto = float64(w.Total) > mean+peakSigmas*std
		} else if !math.IsNaN(mean) {
			a.RollingMean = mean
		}
		a.IsPeakThreshold = threshold != nil && w.Total > *threshold
		out[i] = a
	}
	return out
}

func classPercentages(w Window, classes []string) map[string]float64 {
	pct := make(map[string]float64, len(classes))
	for _, class := range classes {
		if w.Total == 0 {
			pct[class] = 0
			continue
		}
		pct[class] = round2(float64(w.Counts[class]) / float64(w.Total) * 100)
	}
	return pct
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// rollingStats computes the mean and sample standard deviation of the
// series shifted by one, over the trailing n positions ending at i. The
// mean needs one sample and the deviation two; ok reports whether both are
// defined. When only the mean is defined it is returned with a NaN std.
func rollingStats(totals []float64, i, n int) (mean, std float64, ok bool) {
	// Shifted position j holds totals[j-1]; position 0 is empty.
	lo := max(i-n+1, 1)
	if lo > i {
		return math.NaN(), math.NaN(), false
	}
	vals := totals[lo-1 : i]
	switch len(vals) {
	case 0:
		return math.NaN(), math.NaN(), false
	case 1:
		return vals[0], math.NaN(), false
	}
	mean, std = stat.MeanStdDev(vals, nil)
	return mean, std, true
}
