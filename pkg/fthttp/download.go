package fthttp

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/icholy/digest"
)

// DownloadConfig carries the credentials the content server may demand
// on a GET.
type DownloadConfig struct {
	Username string
	Password string
	Client   *http.Client
	Logger   *slog.Logger
}

func (c *DownloadConfig) normalize() {
	if c.Client == nil {
		// GETs carry no body, so the digest round trip can be handled
		// transparently by the transport.
		c.Client = &http.Client{
			Transport: &digest.Transport{Username: c.Username, Password: c.Password},
		}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// HttpDownloadManager fetches one file from its content server URL into
// a local path, resuming with a Range header after interruptions.
type HttpDownloadManager struct {
	cfg      DownloadConfig
	fileURL  string
	destPath string
	size     int64
	token    CancelToken
	listener ProgressListener
	logger   *slog.Logger
}

// NewDownloadManager builds a manager for one download. size is the
// expected byte count from the file descriptor, 0 when unknown.
func NewDownloadManager(cfg DownloadConfig, fileURL, destPath string, size int64) *HttpDownloadManager {
	cfg.normalize()
	return &HttpDownloadManager{
		cfg:      cfg,
		fileURL:  fileURL,
		destPath: destPath,
		size:     size,
		logger:   cfg.Logger.With("component", "http_download"),
	}
}

func (d *HttpDownloadManager) SetProgressListener(l ProgressListener) { d.listener = l }

// Cancel requests cancellation at the next chunk boundary. The partial
// file is removed.
func (d *HttpDownloadManager) Cancel() { d.token.Cancel() }

// Download fetches the file, retrying transient failures up to RetryMax
// times from wherever the previous attempt stopped. A cancelled download
// deletes the partial file.
func (d *HttpDownloadManager) Download(ctx context.Context) (TransferOutcome, error) {
	var lastErr error
	for attempt := 0; attempt <= RetryMax; attempt++ {
		outcome, err := d.fetchOnce(ctx)
		switch outcome {
		case OutcomeDone:
			return OutcomeDone, nil
		case OutcomeCancelled:
			if rmErr := os.Remove(d.destPath); rmErr != nil && !os.IsNotExist(rmErr) {
				d.logger.Warn("removing cancelled download failed", "error", rmErr)
			}
			return OutcomeCancelled, nil
		case OutcomePaused:
			lastErr = err
			d.logger.Warn("download interrupted, retrying", "attempt", attempt+1, "error", err)
			select {
			case <-time.After(2 * time.Second):
			case <-ctx.Done():
				return OutcomePaused, ctx.Err()
			}
		default:
			return OutcomeFailed, err
		}
	}
	// Retries exhausted: keep the partial file for a later resume.
	return OutcomePaused, lastErr
}

// Resume re-arms the token and continues from the bytes already on disk.
func (d *HttpDownloadManager) Resume(ctx context.Context) (TransferOutcome, error) {
	d.token.Reset()
	return d.Download(ctx)
}

func (d *HttpDownloadManager) fetchOnce(ctx context.Context) (TransferOutcome, error) {
	var offset int64
	if fi, err := os.Stat(d.destPath); err == nil {
		offset = fi.Size()
	}
	if d.size > 0 && offset >= d.size {
		return OutcomeDone, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.fileURL, nil)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("building download request: %w", err)
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}
	res, err := d.cfg.Client.Do(req)
	if err != nil {
		return OutcomePaused, fmt.Errorf("download request failed: %w", err)
	}
	defer res.Body.Close()

	switch res.StatusCode {
	case http.StatusOK:
		// Server ignored the range; restart from zero.
		offset = 0
	case http.StatusPartialContent:
	case http.StatusServiceUnavailable:
		return OutcomePaused, fmt.Errorf("content server unavailable")
	case http.StatusNotFound, http.StatusGone:
		return OutcomeFailed, fmt.Errorf("file no longer available (status %d)", res.StatusCode)
	default:
		return OutcomeFailed, fmt.Errorf("download rejected with status %d", res.StatusCode)
	}

	flags := os.O_CREATE | os.O_WRONLY
	if offset > 0 {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(d.destPath, flags, 0o600)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("opening destination: %w", err)
	}
	defer f.Close()

	total := d.size
	if total == 0 && res.ContentLength > 0 {
		total = offset + res.ContentLength
	}
	written, completed, err := copyChunks(f, res.Body, offset, total, &d.token, d.listener)
	if !completed {
		return OutcomeCancelled, nil
	}
	if err != nil {
		return OutcomePaused, fmt.Errorf("download stream broke at byte %d: %w", written, err)
	}
	if d.size > 0 && written < d.size {
		return OutcomePaused, fmt.Errorf("download truncated at byte %d of %d", written, d.size)
	}
	return OutcomeDone, nil
}

// DownloadThumbnail fetches a small preview straight into memory. No
// resume, a single retry, never chunk-tracked.
func (d *HttpDownloadManager) DownloadThumbnail(ctx context.Context, thumbURL string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, thumbURL, nil)
		if err != nil {
			return nil, fmt.Errorf("building thumbnail request: %w", err)
		}
		res, err := d.cfg.Client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		if res.StatusCode != http.StatusOK {
			io.Copy(io.Discard, res.Body)
			res.Body.Close()
			lastErr = fmt.Errorf("thumbnail rejected with status %d", res.StatusCode)
			continue
		}
		var buf bytes.Buffer
		_, err = io.Copy(&buf, res.Body)
		res.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}
		return buf.Bytes(), nil
	}
	return nil, fmt.Errorf("thumbnail download failed: %w", lastErr)
}
