package dlspeed

import (
	"math"
	"sort"
)

func getMean(series []float64) float64 {
	if len(series) == 0 {
		return math.NaN()
	}

	ret := float64(0)
	nSamplesF64 := float64(len(series))

	for _, element := range series {
		ret += element / nSamplesF64
	}

	return ret
}

func getStdDevUsingMean(series []float64, mean float64) float64 {
	if len(series) == 0 {
		return math.NaN()
	}

	ret := float64(0)
	nSamplesF64 := float64(len(series))

	for _, element := range series {
		diff := element - mean
		ret += diff * diff / nSamplesF64
	}

	return math.Sqrt(ret)
}

func getMinMax(series []float64) (float64, float64) {
	if len(series) == 0 {
		return math.NaN(), math.NaN()
	}

	min := math.Inf(1)
	max := math.Inf(-1)

	for _, element := range series {
		if element < min {
			min = element
		}
		if element > max {
			max = element
		}
	}

	return min, max
}

// percentile returns the element at floor(p * n) of the numerically sorted series, clamped to the last
// element. An empty series yields NaN.
func percentile(p float64, series []float64) float64 {
	seriesLen := len(series)
	if seriesLen == 0 {
		return math.NaN()
	}

	sorted := make([]float64, seriesLen)
	copy(sorted, series)
	sort.Float64s(sorted)

	index := int(math.Floor(p * float64(seriesLen)))
	if index < 0 {
		index = 0
	}
	if index > seriesLen-1 {
		index = seriesLen - 1
	}

	return sorted[index]
}

func getStats(series []float64) *Stats {
	mean := getMean(series)
	min, max := getMinMax(series)

	return &Stats{
		Avg: StatValue(mean),
		Med: StatValue(percentile(0.5, series)),
		Min: StatValue(min),
		Max: StatValue(max),
		N90: StatValue(percentile(0.9, series)),
		N10: StatValue(percentile(0.1, series)),
		Dev: StatValue(getStdDevUsingMean(series, mean)),
	}
}

// samplesToRates turns cumulative byte counts into bytes per second between consecutive samples.
// Coincident timestamps produce non-finite rates; callers filter them.
func samplesToRates(samples []Sample) []float64 {
	rates := []float64{}

	for iter := 1; iter < len(samples); iter += 1 {
		dx := float64(samples[iter].BytesLoaded - samples[iter-1].BytesLoaded)
		dt := samples[iter].Timestamp.Sub(samples[iter-1].Timestamp).Seconds()
		rates = append(rates, dx/dt)
	}

	return rates
}

// representativeSpeed is the 90th percentile of the transfer's rates, reported as ok only when it is
// finite and non-zero.
func representativeSpeed(result *TransferResult) (float64, bool) {
	speed := percentile(0.9, samplesToRates(result.Samples))
	if speed == 0 || math.IsNaN(speed) || math.IsInf(speed, 0) {
		return 0, false
	}

	return speed, true
}

// firstResponseLatency is the time between the start sample and the first progress sample in seconds.
func firstResponseLatency(result *TransferResult) (float64, bool) {
	if len(result.Samples) < 2 {
		return 0, false
	}

	return result.Samples[1].Timestamp.Sub(result.Samples[0].Timestamp).Seconds(), true
}
