package acquisition

import (
	"io"

	"github.com/overair/overair/downloadqueue"
)

// progressReader wraps a response body and reports cumulative bytes received.
// Callbacks fire at most once per percentage point when the total is known,
// so slow readers do not flood the progress consumer.
type progressReader struct {
	reader      io.Reader
	total       int64
	received    int64
	callback    downloadqueue.ProgressFunc
	lastPercent int
}

func newProgressReader(reader io.Reader, total int64, callback downloadqueue.ProgressFunc) *progressReader {
	return &progressReader{
		reader:      reader,
		total:       total,
		callback:    callback,
		lastPercent: -1,
	}
}

func (pr *progressReader) Read(p []byte) (int, error) {
	n, err := pr.reader.Read(p)
	if n > 0 {
		pr.received += int64(n)
		if pr.callback != nil {
			if pr.total > 0 {
				percent := int((pr.received * 100) / pr.total)
				if percent > 100 {
					percent = 100
				}
				if percent > pr.lastPercent {
					pr.lastPercent = percent
					pr.callback(pr.received, pr.total)
				}
			} else {
				pr.callback(pr.received, 0)
			}
		}
	}
	return n, err
}
