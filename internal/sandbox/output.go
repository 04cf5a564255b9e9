package sandbox

import (
	"inloop/internal/sandbox/collector"
)

// TruncationMarker is appended to stdout/stderr that exceeded the output limit.
const TruncationMarker = "\n\n[output truncated]"

// boundedBuffer keeps the first limit+1 bytes written to it and discards the
// rest while still reporting full writes, so the producer is never blocked.
type boundedBuffer struct {
	limit int64
	buf   []byte
}

func newBoundedBuffer(limit int64) *boundedBuffer {
	return &boundedBuffer{limit: limit}
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	if b.limit <= 0 {
		b.buf = append(b.buf, p...)
		return len(p), nil
	}
	room := b.limit + 1 - int64(len(b.buf))
	if room > 0 {
		if int64(len(p)) < room {
			room = int64(len(p))
		}
		b.buf = append(b.buf, p[:room]...)
	}
	return len(p), nil
}

func (b *boundedBuffer) Bytes() []byte {
	return b.buf
}

// truncateOutput cuts data at limit bytes, appends TruncationMarker when
// anything was cut, and decodes the result as UTF-8 with replacement.
func truncateOutput(data []byte, limit int64) string {
	if limit > 0 && int64(len(data)) > limit {
		cut := make([]byte, 0, limit+int64(len(TruncationMarker)))
		cut = append(cut, data[:limit]...)
		cut = append(cut, TruncationMarker...)
		data = cut
	}
	return collector.DecodeUTF8(data)
}
