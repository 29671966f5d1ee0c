// Package downsample reduces ordered telemetry to a bounded number of points
// for charting.
package downsample

import "bmswatch/internal/telemetry"

// MaxPoints is the default output bound used by chart queries.
const MaxPoints = 200

// Downsample returns at most maxPoints samples. Inputs at or under the bound
// are returned unchanged. Longer inputs are split into contiguous buckets of
// ceil(len/maxPoints) samples; each bucket becomes one point stamped with its
// first member's timestamp and carrying the mean of every numeric field.
// A maxPoints <= 0 disables reduction.
func Downsample(samples []telemetry.Sample, maxPoints int) []telemetry.Sample {
	if maxPoints <= 0 || len(samples) <= maxPoints {
		return samples
	}

	step := (len(samples) + maxPoints - 1) / maxPoints
	out := make([]telemetry.Sample, 0, (len(samples)+step-1)/step)
	for i := 0; i < len(samples); i += step {
		end := i + step
		if end > len(samples) {
			end = len(samples)
		}
		out = append(out, average(samples[i:end]))
	}
	return out
}

func average(bucket []telemetry.Sample) telemetry.Sample {
	var voltage, current, soc, temperature float64
	for _, s := range bucket {
		voltage += s.Voltage
		current += s.Current
		soc += s.SOC
		temperature += s.Temperature
	}
	n := float64(len(bucket))
	return telemetry.Sample{
		Timestamp:   bucket[0].Timestamp,
		Voltage:     voltage / n,
		Current:     current / n,
		SOC:         soc / n,
		Temperature: temperature / n,
	}
}
