package process

import (
	"bufio"
	"io"
	"sync"
	"time"

	"github.com/loykin/nodekeeper/internal/metrics"
)

// DefaultQueueSize bounds lines waiting between the readers and Drain.
const DefaultQueueSize = 8192

// maxLineSize allows long structured lines from the node.
const maxLineSize = 1 << 20

// lineQueue is a bounded multi-producer queue. When full, a producer drops
// the oldest queued line rather than block the child on a full pipe.
type lineQueue struct {
	ch chan LogLine
	mu sync.Mutex
}

func newLineQueue(size int) *lineQueue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &lineQueue{ch: make(chan LogLine, size)}
}

func (q *lineQueue) put(l LogLine) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		select {
		case q.ch <- l:
			return
		default:
		}
		select {
		case <-q.ch:
			metrics.IncLogDropped()
		default:
		}
	}
}

// drain returns every queued line without blocking.
func (q *lineQueue) drain() []LogLine {
	var out []LogLine
	for {
		select {
		case l := <-q.ch:
			out = append(out, l)
		default:
			return out
		}
	}
}

// readLines forwards each line of r to q until EOF or a read error, teeing
// raw bytes to capture when set. Lines longer than maxLineSize are cut to
// that size; the rest of such a line is consumed and dropped so the child
// never sees its pipe closed while it still writes. It closes r on return.
func readLines(stream Stream, r io.ReadCloser, q *lineQueue, capture io.Writer, now func() time.Time) {
	defer func() { _ = r.Close() }()
	br := bufio.NewReaderSize(r, 64*1024)
	var buf []byte
	for {
		frag, more, err := br.ReadLine()
		if err != nil {
			return
		}
		if room := maxLineSize - len(buf); room > 0 {
			if len(frag) > room {
				frag = frag[:room]
			}
			buf = append(buf, frag...)
		}
		if more {
			continue
		}
		if capture != nil {
			_, _ = capture.Write(append(buf, '\n'))
		}
		line := NewLogLine(stream, string(buf), now())
		metrics.IncLogLine(string(line.Level))
		q.put(line)
		buf = buf[:0]
	}
}
