package report

import "math"

func calculateMean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// calculateStdDev is the sample standard deviation.
func calculateStdDev(values []float64, mean float64) float64 {
	if len(values) < 2 {
		return 0
	}
	sumSq := 0.0
	for _, v := range values {
		d := v - mean
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(len(values)-1))
}

// olsSlope fits y = a + b*x by ordinary least squares and returns b. ok is
// false for fewer than two points or when every x is equal.
func olsSlope(xs, ys []float64) (float64, bool) {
	if len(xs) < 2 || len(xs) != len(ys) {
		return 0, false
	}
	mx := calculateMean(xs)
	my := calculateMean(ys)
	var num, den float64
	for i := range xs {
		dx := xs[i] - mx
		num += dx * (ys[i] - my)
		den += dx * dx
	}
	if den == 0 {
		return 0, false
	}
	return num / den, true
}

// isAnomalous reports whether value lies more than sigma standard deviations
// from the mean of baseline. A baseline with fewer than minHistory values
// or without variation never flags.
func isAnomalous(value float64, baseline []float64, sigma float64, minHistory int) bool {
	if len(baseline) < minHistory || len(baseline) < 2 {
		return false
	}
	mean := calculateMean(baseline)
	std := calculateStdDev(baseline, mean)
	if std == 0 {
		return false
	}
	return math.Abs(value-mean) > sigma*std
}
