package fthttp

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"time"

	"github.com/icholy/digest"
)

// errTransferCancelled aborts an in-flight request body when the token
// fires at a chunk boundary.
var errTransferCancelled = errors.New("transfer cancelled")

// UploadFile describes one local file handed to the upload manager.
type UploadFile struct {
	Path     string
	Name     string
	MimeType string
	Size     int64
}

// UploadConfig carries the content server endpoint and its credentials.
type UploadConfig struct {
	ServerURL string
	Username  string
	Password  string
	// Client defaults to a plain http.Client with a 30s timeout on the
	// connect phase; the transfer itself is bounded by ctx.
	Client *http.Client
	Logger *slog.Logger
}

func (c *UploadConfig) normalize() {
	if c.Client == nil {
		c.Client = &http.Client{}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// HttpUploadManager drives one file (plus optional thumbnail) through
// the content server upload protocol: an unauthenticated probe POST that
// collects the digest challenge, then an authenticated multipart POST
// streaming the payload. Interrupted uploads resume with a ranged PUT.
type HttpUploadManager struct {
	cfg       UploadConfig
	file      UploadFile
	thumbnail *UploadFile
	tid       string
	token     CancelToken
	listener  ProgressListener
	logger    *slog.Logger

	challenge *digest.Challenge
}

// NewUploadManager builds a manager for one transfer identified by tid.
func NewUploadManager(cfg UploadConfig, file UploadFile, thumbnail *UploadFile, tid string) *HttpUploadManager {
	cfg.normalize()
	return &HttpUploadManager{
		cfg:       cfg,
		file:      file,
		thumbnail: thumbnail,
		tid:       tid,
		logger:    cfg.Logger.With("component", "http_upload", "tid", tid),
	}
}

func (u *HttpUploadManager) SetProgressListener(l ProgressListener) { u.listener = l }

// Cancel requests cancellation; it takes effect at the next chunk
// boundary of the running transfer.
func (u *HttpUploadManager) Cancel() { u.token.Cancel() }

// TID returns the transfer identifier sent to the server.
func (u *HttpUploadManager) TID() string { return u.tid }

// Upload runs the full two-phase upload. On success the parsed file
// descriptor the server returned is delivered with OutcomeDone. A
// cancelled transfer yields OutcomeCancelled, an I/O interruption
// OutcomePaused (the transfer is resumable), anything else
// OutcomeFailed.
func (u *HttpUploadManager) Upload(ctx context.Context) (*FileTransferHTTPInfo, TransferOutcome, error) {
	if err := u.obtainChallenge(ctx); err != nil {
		if u.token.Cancelled() {
			return nil, OutcomeCancelled, nil
		}
		return nil, OutcomeFailed, err
	}
	return u.sendPayload(ctx)
}

// obtainChallenge sends the empty probe POST and records the digest
// challenge from its 401. A 503 is retried per Retry-After up to
// RetryMax times.
func (u *HttpUploadManager) obtainChallenge(ctx context.Context) error {
	probeURL := u.cfg.ServerURL + "?tid=" + url.QueryEscape(u.tid)
	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, probeURL, nil)
		if err != nil {
			return fmt.Errorf("building probe request: %w", err)
		}
		res, err := u.cfg.Client.Do(req)
		if err != nil {
			return fmt.Errorf("probe request failed: %w", err)
		}
		io.Copy(io.Discard, res.Body)
		res.Body.Close()

		switch res.StatusCode {
		case http.StatusUnauthorized:
			chal, err := digest.ParseChallenge(res.Header.Get("WWW-Authenticate"))
			if err != nil {
				return fmt.Errorf("parsing upload challenge: %w", err)
			}
			u.challenge = chal
			return nil
		case http.StatusOK, http.StatusNoContent:
			// Server does not require auth.
			u.challenge = nil
			return nil
		case http.StatusServiceUnavailable:
			if attempt >= RetryMax {
				return fmt.Errorf("content server unavailable after %d attempts", attempt+1)
			}
			wait := retryAfter(res)
			u.logger.Info("content server busy, retrying probe", "wait", wait)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return ctx.Err()
			}
		default:
			return fmt.Errorf("unexpected probe status %d", res.StatusCode)
		}
	}
}

// sendPayload streams the authenticated multipart POST.
func (u *HttpUploadManager) sendPayload(ctx context.Context) (*FileTransferHTTPInfo, TransferOutcome, error) {
	for attempt := 0; ; attempt++ {
		info, outcome, retry, err := u.postMultipart(ctx)
		if !retry {
			return info, outcome, err
		}
		if attempt >= RetryMax {
			return nil, OutcomeFailed, fmt.Errorf("upload rejected after %d attempts", attempt+1)
		}
	}
}

// postMultipart performs one attempt. retry is true only on a 503.
func (u *HttpUploadManager) postMultipart(ctx context.Context) (info *FileTransferHTTPInfo, outcome TransferOutcome, retry bool, err error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		pw.CloseWithError(u.writeParts(mw))
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.cfg.ServerURL, pr)
	if err != nil {
		return nil, OutcomeFailed, false, fmt.Errorf("building upload request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if err := u.authorize(req); err != nil {
		return nil, OutcomeFailed, false, err
	}

	res, err := u.cfg.Client.Do(req)
	if err != nil {
		if u.token.Cancelled() || errors.Is(err, errTransferCancelled) {
			u.logger.Info("upload cancelled")
			return nil, OutcomeCancelled, false, nil
		}
		// Connection loss mid-stream: keep state for resume.
		u.logger.Warn("upload interrupted", "error", err)
		return nil, OutcomePaused, false, nil
	}
	defer res.Body.Close()

	switch res.StatusCode {
	case http.StatusOK:
		body, err := io.ReadAll(res.Body)
		if err != nil {
			return nil, OutcomePaused, false, nil
		}
		parsed, err := ParseFileTransferHTTPInfo(body)
		if err != nil {
			return nil, OutcomeFailed, false, err
		}
		return parsed, OutcomeDone, false, nil
	case http.StatusServiceUnavailable:
		wait := retryAfter(res)
		u.logger.Info("content server busy, retrying upload", "wait", wait)
		select {
		case <-time.After(wait):
			return nil, OutcomeFailed, true, nil
		case <-ctx.Done():
			return nil, OutcomeFailed, false, ctx.Err()
		}
	default:
		return nil, OutcomeFailed, false, fmt.Errorf("upload rejected with status %d", res.StatusCode)
	}
}

// writeParts streams the multipart body: tid field, optional thumbnail
// part, then the file part chunk by chunk.
func (u *HttpUploadManager) writeParts(mw *multipart.Writer) error {
	if err := mw.WriteField("tid", u.tid); err != nil {
		return err
	}
	if u.thumbnail != nil {
		if err := u.writeFilePart(mw, "Thumbnail", *u.thumbnail, nil); err != nil {
			return err
		}
	}
	if err := u.writeFilePart(mw, "File", u.file, u.listener); err != nil {
		return err
	}
	return mw.Close()
}

func (u *HttpUploadManager) writeFilePart(mw *multipart.Writer, field string, file UploadFile, listener ProgressListener) error {
	f, err := os.Open(file.Path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", file.Path, err)
	}
	defer f.Close()

	hdr := make(textproto.MIMEHeader)
	hdr.Set("Content-Disposition",
		fmt.Sprintf(`form-data; name=%q; filename=%q`, field, file.Name))
	hdr.Set("Content-Type", file.MimeType)
	part, err := mw.CreatePart(hdr)
	if err != nil {
		return err
	}
	_, completed, err := copyChunks(part, f, 0, file.Size, &u.token, listener)
	if err != nil {
		return err
	}
	if !completed {
		return errTransferCancelled
	}
	return nil
}

// authorize computes the digest Authorization header from the recorded
// challenge.
func (u *HttpUploadManager) authorize(req *http.Request) error {
	if u.challenge == nil {
		return nil
	}
	cred, err := digest.Digest(u.challenge, digest.Options{
		Method:   req.Method,
		URI:      req.URL.RequestURI(),
		Username: u.cfg.Username,
		Password: u.cfg.Password,
	})
	if err != nil {
		return fmt.Errorf("computing digest credentials: %w", err)
	}
	req.Header.Set("Authorization", cred.String())
	return nil
}

// uploadResumeInfo is the server's answer to a get_upload_info query:
// the byte range it already holds and the URL to PUT the rest to.
type uploadResumeInfo struct {
	XMLName xml.Name `xml:"file-resume-info"`
	Range   struct {
		Start int64 `xml:"start,attr"`
		End   int64 `xml:"end,attr"`
	} `xml:"file-range"`
	Data struct {
		URL string `xml:"url,attr"`
	} `xml:"data"`
}

// GetUploadInfo asks the server how much of the transfer it already
// holds.
func (u *HttpUploadManager) GetUploadInfo(ctx context.Context) (*uploadResumeInfo, error) {
	infoURL := u.cfg.ServerURL + "?tid=" + url.QueryEscape(u.tid) + "&get_upload_info"
	doGet := func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, infoURL, nil)
		if err != nil {
			return nil, fmt.Errorf("building upload info request: %w", err)
		}
		if err := u.authorize(req); err != nil {
			return nil, err
		}
		res, err := u.cfg.Client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("upload info request failed: %w", err)
		}
		return res, nil
	}

	res, err := doGet()
	if err != nil {
		return nil, err
	}
	if res.StatusCode == http.StatusUnauthorized {
		io.Copy(io.Discard, res.Body)
		res.Body.Close()
		if err := u.refreshChallenge(res); err != nil {
			return nil, err
		}
		if res, err = doGet(); err != nil {
			return nil, err
		}
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("upload info rejected with status %d", res.StatusCode)
	}
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("reading upload info: %w", err)
	}
	var info uploadResumeInfo
	if err := xml.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("decoding upload info: %w", err)
	}
	return &info, nil
}

// Resume continues an interrupted upload: query the server for the byte
// range it holds, then PUT the remainder with a Content-Range header.
// Exactly one 401 re-authentication is tolerated on the PUT; a second
// 401 fails the transfer.
func (u *HttpUploadManager) Resume(ctx context.Context) (*FileTransferHTTPInfo, TransferOutcome, error) {
	u.token.Reset()

	if u.challenge == nil {
		if err := u.obtainChallenge(ctx); err != nil {
			return nil, OutcomeFailed, err
		}
	}
	info, err := u.GetUploadInfo(ctx)
	if err != nil {
		return nil, OutcomeFailed, err
	}
	offset := info.Range.End + 1
	if info.Range.End == 0 && info.Range.Start == 0 {
		offset = 0
	}
	if offset >= u.file.Size {
		// Nothing left to send; ask for the final descriptor.
		return u.fetchResult(ctx)
	}

	putURL := info.Data.URL
	if putURL == "" {
		putURL = u.cfg.ServerURL + "?tid=" + url.QueryEscape(u.tid)
	}

	reauthorized := false
	for {
		res, err := u.putRange(ctx, putURL, offset)
		if err != nil {
			if u.token.Cancelled() || errors.Is(err, errTransferCancelled) {
				return nil, OutcomeCancelled, nil
			}
			u.logger.Warn("resume interrupted", "error", err)
			return nil, OutcomePaused, nil
		}
		switch res.StatusCode {
		case http.StatusOK:
			body, err := io.ReadAll(res.Body)
			res.Body.Close()
			if err != nil {
				return nil, OutcomePaused, nil
			}
			parsed, err := ParseFileTransferHTTPInfo(body)
			if err != nil {
				return nil, OutcomeFailed, err
			}
			return parsed, OutcomeDone, nil
		case http.StatusUnauthorized:
			io.Copy(io.Discard, res.Body)
			res.Body.Close()
			if reauthorized {
				return nil, OutcomeFailed, fmt.Errorf("resume re-authentication rejected")
			}
			reauthorized = true
			if err := u.refreshChallenge(res); err != nil {
				return nil, OutcomeFailed, err
			}
		default:
			io.Copy(io.Discard, res.Body)
			res.Body.Close()
			return nil, OutcomeFailed, fmt.Errorf("resume rejected with status %d", res.StatusCode)
		}
	}
}

func (u *HttpUploadManager) putRange(ctx context.Context, putURL string, offset int64) (*http.Response, error) {
	f, err := os.Open(u.file.Path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", u.file.Path, err)
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		f.Close()
		return nil, fmt.Errorf("seeking to resume offset: %w", err)
	}

	body := &chunkedReader{
		r:           f,
		token:       &u.token,
		listener:    u.listener,
		transferred: offset,
		total:       u.file.Size,
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, putURL, body)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("building resume request: %w", err)
	}
	req.ContentLength = u.file.Size - offset
	req.Header.Set("Content-Type", u.file.MimeType)
	req.Header.Set("Content-Range",
		fmt.Sprintf("bytes %d-%d/%d", offset, u.file.Size-1, u.file.Size))
	if err := u.authorize(req); err != nil {
		f.Close()
		return nil, err
	}
	res, err := u.cfg.Client.Do(req)
	f.Close()
	return res, err
}

// fetchResult asks for the final descriptor once the server confirms it
// holds the whole file.
func (u *HttpUploadManager) fetchResult(ctx context.Context) (*FileTransferHTTPInfo, TransferOutcome, error) {
	resultURL := u.cfg.ServerURL + "?tid=" + url.QueryEscape(u.tid) + "&get_download_info"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, resultURL, nil)
	if err != nil {
		return nil, OutcomeFailed, err
	}
	if err := u.authorize(req); err != nil {
		return nil, OutcomeFailed, err
	}
	res, err := u.cfg.Client.Do(req)
	if err != nil {
		return nil, OutcomePaused, nil
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, OutcomeFailed, fmt.Errorf("download info rejected with status %d", res.StatusCode)
	}
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, OutcomePaused, nil
	}
	parsed, err := ParseFileTransferHTTPInfo(body)
	if err != nil {
		return nil, OutcomeFailed, err
	}
	return parsed, OutcomeDone, nil
}

func (u *HttpUploadManager) refreshChallenge(res *http.Response) error {
	chal, err := digest.ParseChallenge(res.Header.Get("WWW-Authenticate"))
	if err != nil {
		return fmt.Errorf("parsing refreshed challenge: %w", err)
	}
	u.challenge = chal
	return nil
}

// chunkedReader feeds a request body at most ChunkSize bytes per Read,
// checking the cancel token and reporting progress between chunks.
type chunkedReader struct {
	r           io.Reader
	token       *CancelToken
	listener    ProgressListener
	transferred int64
	total       int64
}

func (c *chunkedReader) Read(p []byte) (int, error) {
	if c.token != nil && c.token.Cancelled() {
		return 0, errTransferCancelled
	}
	if len(p) > ChunkSize {
		p = p[:ChunkSize]
	}
	n, err := c.r.Read(p)
	if n > 0 {
		c.transferred += int64(n)
		if c.listener != nil {
			c.listener.HandleTransferProgress(c.transferred, c.total)
		}
	}
	return n, err
}
