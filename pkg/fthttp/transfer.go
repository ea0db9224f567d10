package fthttp

import (
	"io"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"
)

const (
	// ChunkSize is the unit of transfer progress and the granularity of
	// cancellation: a cancel takes effect at the next chunk boundary.
	ChunkSize = 10 * 1024

	// RetryMax bounds retries on server errors (503 with Retry-After,
	// transient failures).
	RetryMax = 3
)

// TransferOutcome tags how a transfer attempt ended.
type TransferOutcome int

const (
	// OutcomeDone means every byte moved.
	OutcomeDone TransferOutcome = iota
	// OutcomeCancelled means the user cancelled; partial data is
	// discarded.
	OutcomeCancelled
	// OutcomePaused means an I/O error interrupted the transfer; the
	// partial data is kept for a later resume.
	OutcomePaused
	// OutcomeFailed means the transfer cannot complete or resume.
	OutcomeFailed
)

func (o TransferOutcome) String() string {
	switch o {
	case OutcomeDone:
		return "done"
	case OutcomeCancelled:
		return "cancelled"
	case OutcomePaused:
		return "paused"
	default:
		return "failed"
	}
}

// CancelToken is the cooperative cancellation flag a transfer loop
// checks at every chunk boundary. Cancelling never interrupts a chunk
// mid-flight.
type CancelToken struct {
	cancelled atomic.Bool
}

func (t *CancelToken) Cancel()         { t.cancelled.Store(true) }
func (t *CancelToken) Cancelled() bool { return t.cancelled.Load() }

// Reset arms the token again for a resume attempt.
func (t *CancelToken) Reset() { t.cancelled.Store(false) }

// ProgressListener observes transfer progress per chunk.
type ProgressListener interface {
	HandleTransferProgress(transferred, total int64)
}

// ProgressFunc adapts a function to ProgressListener.
type ProgressFunc func(transferred, total int64)

func (f ProgressFunc) HandleTransferProgress(transferred, total int64) { f(transferred, total) }

// copyChunks moves src to dst in ChunkSize units, reporting progress and
// honoring the token between chunks. The bool result is false when the
// token fired.
func copyChunks(dst io.Writer, src io.Reader, already, total int64, token *CancelToken, listener ProgressListener) (int64, bool, error) {
	buf := make([]byte, ChunkSize)
	written := already
	for {
		if token != nil && token.Cancelled() {
			return written, false, nil
		}
		n, readErr := io.ReadFull(src, buf)
		if n > 0 {
			if _, err := dst.Write(buf[:n]); err != nil {
				return written, true, err
			}
			written += int64(n)
			if listener != nil {
				listener.HandleTransferProgress(written, total)
			}
		}
		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			return written, true, nil
		}
		if readErr != nil {
			return written, true, readErr
		}
	}
}

// retryAfter extracts the server-requested backoff from a 503, with a
// small default when the header is absent or unparsable.
func retryAfter(res *http.Response) time.Duration {
	const fallback = 2 * time.Second
	v := res.Header.Get("Retry-After")
	if v == "" {
		return fallback
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return fallback
}
