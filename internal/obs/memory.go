package obs

import (
	"context"
	"runtime"
	"strconv"
	"time"

	"github.com/yanun0323/logs"
)

// MemoryReporter logs heap and GC deltas between two runtime samples.
type MemoryReporter struct {
	buf        [1024]byte
	prev, curr runtime.MemStats
	prevAt     time.Time
	currAt     time.Time
}

// Run samples and logs every interval until ctx ends.
func (m *MemoryReporter) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sample()
			logs.Infof("%s", m.Line())
		}
	}
}

// Sample reads the runtime statistics.
func (m *MemoryReporter) Sample() {
	m.prev, m.curr = m.curr, m.prev
	m.prevAt = m.currAt
	m.currAt = time.Now()

	runtime.ReadMemStats(&m.curr)

	if m.prevAt.IsZero() {
		m.prevAt = m.currAt
	}
}

// Line formats the latest sample against the previous one.
func (m *MemoryReporter) Line() string {
	line := m.buf[:0]

	dt := m.currAt.Sub(m.prevAt).Seconds()
	if dt <= 0 {
		dt = 1
	}

	line = append(line, "[HEAP] alc_grow="...)
	line = appendBytes(line, m.curr.TotalAlloc-m.prev.TotalAlloc)
	line = append(line, " alc="...)
	line = appendBytes(line, m.curr.HeapAlloc)
	line = append(line, " inuse="...)
	line = appendBytes(line, m.curr.HeapInuse)
	line = append(line, " objects="...)
	line = strconv.AppendUint(line, m.curr.HeapObjects, 10)
	line = append(line, " alc_rate="...)
	rate, unit := bytesCarryFloat(float64(m.curr.TotalAlloc-m.prev.TotalAlloc) / dt)
	line = strconv.AppendFloat(line, rate, 'f', 2, 64)
	line = append(line, unit...)
	line = append(line, "/s"...)

	line = append(line, " [GC] times="...)
	line = strconv.AppendUint(line, uint64(m.curr.NumGC-m.prev.NumGC), 10)
	line = append(line, " stw="...)
	line = strconv.AppendFloat(line, float64(m.curr.PauseTotalNs-m.prev.PauseTotalNs)/1e6, 'f', 4, 64)
	line = append(line, "ms next_gc="...)
	line = appendBytes(line, m.curr.NextGC)
	line = append(line, " gc_cpu="...)
	line = strconv.AppendFloat(line, m.curr.GCCPUFraction, 'f', 6, 64)

	return string(line)
}

const carryThreshold = 1 << 15

func appendBytes(dst []byte, value uint64) []byte {
	v, unit := bytesCarry(value)
	dst = strconv.AppendUint(dst, v, 10)
	return append(dst, unit...)
}

func bytesCarry(value uint64) (uint64, string) {
	if value < carryThreshold {
		return value, " B"
	}
	value >>= 10
	if value < carryThreshold {
		return value, " KB"
	}
	value >>= 10
	if value < carryThreshold {
		return value, " MB"
	}
	return value >> 10, " GB"
}

func bytesCarryFloat(value float64) (float64, string) {
	if value < float64(carryThreshold) {
		return value, " B"
	}
	value /= 1024
	if value < float64(carryThreshold) {
		return value, " KB"
	}
	value /= 1024
	if value < float64(carryThreshold) {
		return value, " MB"
	}
	return value / 1024, " GB"
}
