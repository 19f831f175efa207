package gateway

import (
	"io"
	"sync"

	"github.com/wolfeidau/signed-media/upstream"
)

// progressReader reports the share of body read as a percentage. Values
// only increase, and 100 is held back until the upload is acknowledged.
type progressReader struct {
	r        io.Reader
	size     int64
	progress upstream.ProgressFunc

	mu   sync.Mutex
	read int64
	last int
}

func newProgressReader(r io.Reader, size int64, progress upstream.ProgressFunc) *progressReader {
	return &progressReader{r: r, size: size, progress: progress, last: -1}
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.mu.Lock()
		p.read += int64(n)
		if p.size > 0 {
			p.reportLocked(min(int(p.read*100/p.size), 99))
		}
		p.mu.Unlock()
	}
	return n, err
}

func (p *progressReader) finish() {
	p.mu.Lock()
	p.reportLocked(100)
	p.mu.Unlock()
}

func (p *progressReader) reportLocked(pct int) {
	if p.progress == nil || pct <= p.last {
		return
	}
	p.last = pct
	p.progress(pct)
}
