package fthttp

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testChallenge = `Digest realm="content.example.com", nonce="up-nonce-1", algorithm=MD5, qop="auth"`

func writeTempFile(t *testing.T, name string, size int) UploadFile {
	t.Helper()
	data := make([]byte, size)
	for i := range data {
		data[i] = byte('a' + i%26)
	}
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return UploadFile{Path: path, Name: name, MimeType: "text/plain", Size: int64(size)}
}

func readTestFile(t *testing.T, f UploadFile) []byte {
	t.Helper()
	data, err := os.ReadFile(f.Path)
	require.NoError(t, err)
	return data
}

func TestUploadTwoPhaseDigest(t *testing.T) {
	file := writeTempFile(t, "upload.txt", 25000)
	var gotTID string
	var gotBody []byte

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.Header.Get("Authorization") == "":
			// Probe phase: hand out the challenge.
			w.Header().Set("WWW-Authenticate", testChallenge)
			w.WriteHeader(http.StatusUnauthorized)
		case r.Method == http.MethodPost:
			assert.Contains(t, r.Header.Get("Authorization"), `username="rcs-user"`)
			require.NoError(t, r.ParseMultipartForm(1<<20))
			gotTID = r.FormValue("tid")
			f, _, err := r.FormFile("File")
			require.NoError(t, err)
			gotBody, err = io.ReadAll(f)
			require.NoError(t, err)
			f.Close()
			w.Write(descriptorFor(srvFileURL(r), file))
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}))
	defer srv.Close()

	mgr := NewUploadManager(UploadConfig{
		ServerURL: srv.URL,
		Username:  "rcs-user",
		Password:  "rcs-pass",
	}, file, nil, "tid-001")

	var progressed atomic.Int64
	mgr.SetProgressListener(ProgressFunc(func(transferred, total int64) {
		progressed.Store(transferred)
	}))

	info, outcome, err := mgr.Upload(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeDone, outcome)
	require.NotNil(t, info)
	assert.Equal(t, file.Name, info.FileName)

	assert.Equal(t, "tid-001", gotTID)
	assert.Equal(t, readTestFile(t, file), gotBody)
	assert.Equal(t, file.Size, progressed.Load(), "progress must reach the full size")
}

func TestUploadRetriesProbeOn503(t *testing.T) {
	file := writeTempFile(t, "retry.txt", 100)
	var probes atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && strings.Contains(r.URL.RawQuery, "tid=") {
			if probes.Add(1) <= 2 {
				w.Header().Set("Retry-After", "0")
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			// Server ended up not requiring auth.
			w.WriteHeader(http.StatusOK)
			return
		}
		w.Write(descriptorFor(srvFileURL(r), file))
	}))
	defer srv.Close()

	mgr := NewUploadManager(UploadConfig{ServerURL: srv.URL}, file, nil, "tid-002")
	_, outcome, err := mgr.Upload(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeDone, outcome)
	assert.Equal(t, int32(3), probes.Load())
}

func TestUploadProbeGivesUpAfterRetryMax(t *testing.T) {
	var probes atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		probes.Add(1)
		w.Header().Set("Retry-After", "0")
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	file := writeTempFile(t, "busy.txt", 10)
	mgr := NewUploadManager(UploadConfig{ServerURL: srv.URL}, file, nil, "tid-003")
	_, outcome, err := mgr.Upload(context.Background())
	require.Error(t, err)
	assert.Equal(t, OutcomeFailed, outcome)
	assert.Equal(t, int32(RetryMax+1), probes.Load())
}

func TestUploadCancelledBeforePayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	file := writeTempFile(t, "cancel.txt", 50000)
	mgr := NewUploadManager(UploadConfig{ServerURL: srv.URL}, file, nil, "tid-004")
	mgr.Cancel()

	info, outcome, err := mgr.Upload(context.Background())
	require.NoError(t, err)
	assert.Nil(t, info)
	assert.Equal(t, OutcomeCancelled, outcome)
}

func TestResumeSendsRangedPut(t *testing.T) {
	file := writeTempFile(t, "resume.txt", 10000)
	full := readTestFile(t, file)
	var putBody []byte
	var putRange string

	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost:
			w.Header().Set("WWW-Authenticate", testChallenge)
			w.WriteHeader(http.StatusUnauthorized)
		case r.Method == http.MethodGet && strings.Contains(r.URL.RawQuery, "get_upload_info"):
			assert.NotEmpty(t, r.Header.Get("Authorization"))
			fmt.Fprintf(w, `<file-resume-info><file-range start="0" end="4999"/><data url="%s/resume"/></file-resume-info>`, srv.URL)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	mux.HandleFunc("/resume", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)
		putRange = r.Header.Get("Content-Range")
		var err error
		putBody, err = io.ReadAll(r.Body)
		require.NoError(t, err)
		w.Write(descriptorFor(srvFileURL(r), file))
	})

	mgr := NewUploadManager(UploadConfig{
		ServerURL: srv.URL,
		Username:  "rcs-user",
		Password:  "rcs-pass",
	}, file, nil, "tid-005")

	info, outcome, err := mgr.Resume(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeDone, outcome)
	require.NotNil(t, info)

	assert.Equal(t, "bytes 5000-9999/10000", putRange)
	assert.Equal(t, full[5000:], putBody, "resume must send only the missing tail")
}

func TestResumeReauthenticatesExactlyOnce(t *testing.T) {
	file := writeTempFile(t, "reauth.txt", 8000)
	var puts atomic.Int32

	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost:
			w.Header().Set("WWW-Authenticate", testChallenge)
			w.WriteHeader(http.StatusUnauthorized)
		case r.Method == http.MethodGet:
			fmt.Fprintf(w, `<file-resume-info><file-range start="0" end="1999"/><data url="%s/resume"/></file-resume-info>`, srv.URL)
		}
	})
	mux.HandleFunc("/resume", func(w http.ResponseWriter, r *http.Request) {
		if puts.Add(1) == 1 {
			io.Copy(io.Discard, r.Body)
			w.Header().Set("WWW-Authenticate",
				`Digest realm="content.example.com", nonce="up-nonce-2", algorithm=MD5, qop="auth"`)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		io.Copy(io.Discard, r.Body)
		w.Write(descriptorFor(srvFileURL(r), file))
	})

	mgr := NewUploadManager(UploadConfig{
		ServerURL: srv.URL,
		Username:  "rcs-user",
		Password:  "rcs-pass",
	}, file, nil, "tid-006")

	_, outcome, err := mgr.Resume(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeDone, outcome)
	assert.Equal(t, int32(2), puts.Load())
}

func TestResumeSecondChallengeFails(t *testing.T) {
	file := writeTempFile(t, "stubborn.txt", 4000)

	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost:
			w.Header().Set("WWW-Authenticate", testChallenge)
			w.WriteHeader(http.StatusUnauthorized)
		case r.Method == http.MethodGet:
			fmt.Fprintf(w, `<file-resume-info><file-range start="0" end="999"/><data url="%s/resume"/></file-resume-info>`, srv.URL)
		}
	})
	mux.HandleFunc("/resume", func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		w.Header().Set("WWW-Authenticate", testChallenge)
		w.WriteHeader(http.StatusUnauthorized)
	})

	mgr := NewUploadManager(UploadConfig{
		ServerURL: srv.URL,
		Username:  "rcs-user",
		Password:  "rcs-pass",
	}, file, nil, "tid-007")

	_, outcome, err := mgr.Resume(context.Background())
	require.Error(t, err)
	assert.Equal(t, OutcomeFailed, outcome)
}

func TestResumeFetchesResultWhenComplete(t *testing.T) {
	file := writeTempFile(t, "done.txt", 2000)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost:
			w.Header().Set("WWW-Authenticate", testChallenge)
			w.WriteHeader(http.StatusUnauthorized)
		case strings.Contains(r.URL.RawQuery, "get_upload_info"):
			// The server already holds every byte.
			io.WriteString(w, `<file-resume-info><file-range start="0" end="1999"/><data url=""/></file-resume-info>`)
		case strings.Contains(r.URL.RawQuery, "get_download_info"):
			w.Write(descriptorFor(srvFileURL(r), file))
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	}))
	defer srv.Close()

	mgr := NewUploadManager(UploadConfig{
		ServerURL: srv.URL,
		Username:  "rcs-user",
		Password:  "rcs-pass",
	}, file, nil, "tid-008")

	info, outcome, err := mgr.Resume(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeDone, outcome)
	require.NotNil(t, info)
	assert.Equal(t, file.Size, info.FileSize)
}

// descriptorFor builds the XML descriptor a content server returns for a
// completed upload.
func descriptorFor(fileURL string, f UploadFile) []byte {
	info := &FileTransferHTTPInfo{
		FileName:    f.Name,
		FileSize:    f.Size,
		ContentType: f.MimeType,
		URL:         fileURL,
	}
	data, err := info.Encode()
	if err != nil {
		panic(err)
	}
	return data
}

func srvFileURL(r *http.Request) string {
	return "https://content.example.com/file/" + r.URL.Query().Get("tid")
}
