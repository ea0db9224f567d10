// Package fthttp implements file transfer over HTTP: the upload and
// download managers, the XML file descriptor exchanged inside chat
// sessions and the resume machinery for interrupted transfers.
package fthttp

import (
	"encoding/xml"
	"fmt"
	"strconv"
	"time"
)

// FileTransferHTTPInfoType is the MIME type of the XML descriptor a
// completed upload returns and a file sharing invitation carries.
const FileTransferHTTPInfoType = "application/vnd.gsma.rcs-ft-http+xml"

// FileTransferHTTPInfo describes an uploaded file: where to fetch it,
// until when, and an optional thumbnail.
type FileTransferHTTPInfo struct {
	FileName    string
	FileSize    int64
	ContentType string
	URL         string
	// ValidUntil is the moment the URL expires; zero when the server
	// did not say.
	ValidUntil time.Time
	Thumbnail  *ThumbnailInfo
}

// ThumbnailInfo describes the downsized preview of an uploaded file.
type ThumbnailInfo struct {
	Size        int64
	ContentType string
	URL         string
	ValidUntil  time.Time
}

type xmlFileRoot struct {
	XMLName xml.Name      `xml:"file"`
	Infos   []xmlFileInfo `xml:"file-info"`
}

type xmlFileInfo struct {
	Type        string  `xml:"type,attr"`
	FileName    string  `xml:"file-name,omitempty"`
	FileSize    int64   `xml:"file-size"`
	ContentType string  `xml:"content-type"`
	Data        xmlData `xml:"data"`
}

type xmlData struct {
	URL   string `xml:"url,attr"`
	Until string `xml:"until,attr,omitempty"`
}

// ParseFileTransferHTTPInfo decodes the XML descriptor. The thumbnail
// block is optional; a descriptor without a "file" block is an error.
func ParseFileTransferHTTPInfo(data []byte) (*FileTransferHTTPInfo, error) {
	var root xmlFileRoot
	if err := xml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("decoding file transfer descriptor: %w", err)
	}
	info := &FileTransferHTTPInfo{}
	seenFile := false
	for _, fi := range root.Infos {
		switch fi.Type {
		case "thumbnail":
			info.Thumbnail = &ThumbnailInfo{
				Size:        fi.FileSize,
				ContentType: fi.ContentType,
				URL:         fi.Data.URL,
				ValidUntil:  parseUntil(fi.Data.Until),
			}
		case "file", "":
			seenFile = true
			info.FileName = fi.FileName
			info.FileSize = fi.FileSize
			info.ContentType = fi.ContentType
			info.URL = fi.Data.URL
			info.ValidUntil = parseUntil(fi.Data.Until)
		}
	}
	if !seenFile {
		return nil, fmt.Errorf("file transfer descriptor has no file block")
	}
	if info.URL == "" {
		return nil, fmt.Errorf("file transfer descriptor has no download url")
	}
	return info, nil
}

// Encode serializes the descriptor back to the wire format, thumbnail
// block first when present.
func (i *FileTransferHTTPInfo) Encode() ([]byte, error) {
	root := xmlFileRoot{}
	if i.Thumbnail != nil {
		root.Infos = append(root.Infos, xmlFileInfo{
			Type:        "thumbnail",
			FileSize:    i.Thumbnail.Size,
			ContentType: i.Thumbnail.ContentType,
			Data:        xmlData{URL: i.Thumbnail.URL, Until: formatUntil(i.Thumbnail.ValidUntil)},
		})
	}
	root.Infos = append(root.Infos, xmlFileInfo{
		Type:        "file",
		FileName:    i.FileName,
		FileSize:    i.FileSize,
		ContentType: i.ContentType,
		Data:        xmlData{URL: i.URL, Until: formatUntil(i.ValidUntil)},
	})
	out, err := xml.Marshal(root)
	if err != nil {
		return nil, fmt.Errorf("encoding file transfer descriptor: %w", err)
	}
	return append([]byte(xml.Header), out...), nil
}

// Expired reports whether the download URL validity has passed.
func (i *FileTransferHTTPInfo) Expired(now time.Time) bool {
	return !i.ValidUntil.IsZero() && now.After(i.ValidUntil)
}

// parseUntil accepts RFC 3339 or unix epoch seconds, the two encodings
// seen from content servers.
func parseUntil(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t
	}
	if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Unix(secs, 0)
	}
	return time.Time{}
}

func formatUntil(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
