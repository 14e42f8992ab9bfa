package utils

import "math"

const (
	bytesPerMB = 1024 * 1024
	bytesPerGB = 1024 * bytesPerMB
)

// Round rounds a float64 value to 2 decimal places
func Round(val float64) float64 {
	return math.Round(val*100) / 100
}

// MB converts a byte count to megabytes rounded to 2 decimal places
func MB(bytes uint64) float64 {
	return Round(float64(bytes) / bytesPerMB)
}

// GB converts a byte count to gigabytes rounded to 2 decimal places
func GB(bytes uint64) float64 {
	return Round(float64(bytes) / bytesPerGB)
}

// Percent returns part as a rounded percentage of total, or 0 when total is 0
func Percent(part, total uint64) float64 {
	if total == 0 {
		return 0
	}
	return Round(float64(part) / float64(total) * 100)
}
