package core

import "fmt"

// Binary byte units.
const (
	BytesPerKB int64 = 1024
	BytesPerMB int64 = 1024 * BytesPerKB
	BytesPerGB int64 = 1024 * BytesPerMB
	BytesPerTB int64 = 1024 * BytesPerGB
)

// FormatBytes converts a byte count to a human-readable string such as
// "512 B", "1.50 KB" or "6.00 GB". Negative values are treated as zero.
func FormatBytes(bytes int64) string {
	if bytes < 0 {
		bytes = 0
	}

	units := []struct {
		size int64
		name string
	}{
		{BytesPerTB, "TB"},
		{BytesPerGB, "GB"},
		{BytesPerMB, "MB"},
		{BytesPerKB, "KB"},
	}
	for _, u := range units {
		if bytes >= u.size {
			return fmt.Sprintf("%.2f %s", float64(bytes)/float64(u.size), u.name)
		}
	}
	return fmt.Sprintf("%d B", bytes)
}

// GB converts a byte count to fractional gigabytes.
func GB(bytes int64) float64 {
	return float64(bytes) / float64(BytesPerGB)
}
