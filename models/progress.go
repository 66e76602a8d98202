package models

import (
	"fmt"
	"sync"
	"time"

	"zimage_gateway/core"
)

// Progress is a snapshot of one download.
type Progress struct {
	Downloaded int64
	// Total is 0 when the server did not announce a length.
	Total int64
	// Percent is -1 when Total is unknown.
	Percent          float64
	SpeedBytesPerSec float64
	ETA              time.Duration
	Elapsed          time.Duration
}

// String renders e.g. "1.20 GB / 4.50 GB (26.7%) 48.00 MB/s ETA 1m10s".
func (p Progress) String() string {
	speed := core.FormatBytes(int64(p.SpeedBytesPerSec)) + "/s"
	if p.Total <= 0 {
		return fmt.Sprintf("%s %s", core.FormatBytes(p.Downloaded), speed)
	}
	s := fmt.Sprintf("%s / %s (%.1f%%) %s", core.FormatBytes(p.Downloaded), core.FormatBytes(p.Total), p.Percent, speed)
	if p.ETA > 0 {
		s += " ETA " + p.ETA.Round(time.Second).String()
	}
	return s
}

// progressTracker smooths throughput with an exponential moving average.
type progressTracker struct {
	mu sync.Mutex

	now            func() time.Time
	total          int64
	downloaded     int64
	start          time.Time
	lastUpdate     time.Time
	lastDownloaded int64
	speed          float64
}

const speedAlpha = 0.3

func newProgressTracker(total, resumedFrom int64, now func() time.Time) *progressTracker {
	t := now()
	return &progressTracker{
		now:            now,
		total:          total,
		downloaded:     resumedFrom,
		start:          t,
		lastUpdate:     t,
		lastDownloaded: resumedFrom,
	}
}

func (p *progressTracker) add(n int64) {
	if n <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	p.downloaded += n
	now := p.now()
	elapsed := now.Sub(p.lastUpdate).Seconds()
	if elapsed < 0.1 {
		return
	}
	instant := float64(p.downloaded-p.lastDownloaded) / elapsed
	if p.speed == 0 {
		p.speed = instant
	} else {
		p.speed = speedAlpha*instant + (1-speedAlpha)*p.speed
	}
	p.lastUpdate = now
	p.lastDownloaded = p.downloaded
}

func (p *progressTracker) snapshot() Progress {
	p.mu.Lock()
	defer p.mu.Unlock()

	info := Progress{
		Downloaded:       p.downloaded,
		Total:            p.total,
		Percent:          -1,
		SpeedBytesPerSec: p.speed,
		Elapsed:          p.now().Sub(p.start),
	}
	if p.total > 0 {
		info.Percent = min(float64(p.downloaded)/float64(p.total)*100, 100)
		if p.speed > 0 && p.downloaded < p.total {
			info.ETA = time.Duration(float64(p.total-p.downloaded) / p.speed * float64(time.Second))
		}
	}
	return info
}
