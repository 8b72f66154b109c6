package builder

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"

	"github.com/entwine-project/entwine/internal/cache"
)

// monitor periodically reports build progress: elapsed time, percent
// complete, points inserted, points/hour (running and last-interval), and
// the cache's W/R/A counters. It prints a carriage-return-updated single
// line when stdout is a terminal (mattn/go-isatty), or a plain log line
// per interval otherwise.
type monitor struct {
	log              *log.Logger
	cache            *cache.Cache
	total            uint64
	progressInterval time.Duration
	isTerminal       bool

	inserted func() uint64
	start    time.Time
}

func newMonitor(logger *log.Logger, c *cache.Cache, total uint64, interval time.Duration, inserted func() uint64) *monitor {
	return &monitor{
		log:              logger,
		cache:            c,
		total:            total,
		progressInterval: interval,
		isTerminal:       isatty.IsTerminal(os.Stdout.Fd()),
		inserted:         inserted,
		start:            time.Now(),
	}
}

// run blocks, sleeping in 1-second increments, until done is closed,
// emitting a status line every progressInterval.
func (m *monitor) run(done <-chan struct{}) {
	if m.progressInterval <= 0 {
		<-done
		return
	}
	var lastInserted uint64
	lastTime := m.start
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	sinceLast := time.Duration(0)
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			sinceLast += time.Second
			if sinceLast < m.progressInterval {
				continue
			}
			sinceLast = 0
			now := time.Now()
			ins := m.inserted()
			elapsed := now.Sub(m.start)
			var pct float64
			if m.total > 0 {
				pct = 100 * float64(ins) / float64(m.total)
			}
			runningRate := perHour(ins, elapsed)
			lastRate := perHour(ins-lastInserted, now.Sub(lastTime))
			info := m.cache.LatchInfo()
			line := fmt.Sprintf(
				"elapsed %s, %.1f%%, inserted %s, %s/h (running) %s/h (last), W=%d R=%d A=%d",
				elapsed.Round(time.Second), pct,
				humanize.Comma(int64(ins)),
				humanize.Comma(int64(runningRate)), humanize.Comma(int64(lastRate)),
				info.ChunksWritten, info.ChunksRead, info.ChunksAlive)
			if m.isTerminal {
				fmt.Fprintf(os.Stdout, "\r%s", line)
			} else {
				m.log.Print(line)
			}
			lastInserted = ins
			lastTime = now
		}
	}
}

func perHour(count uint64, elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return 0
	}
	return float64(count) / elapsed.Hours()
}
