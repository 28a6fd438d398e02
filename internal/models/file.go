package models

import (
	"strings"
	"time"
)

// ContentKind identifies the format of a staged or produced file.
type ContentKind string

const (
	KindPDF  ContentKind = "pdf"
	KindJPEG ContentKind = "jpeg"
	KindPNG  ContentKind = "png"
	KindGIF  ContentKind = "gif"
	KindBMP  ContentKind = "bmp"
	KindTIFF ContentKind = "tiff"
	KindWEBP ContentKind = "webp"
	KindText ContentKind = "text"
)

// UploadKinds lists the kinds accepted from users.
var UploadKinds = []ContentKind{KindPDF, KindJPEG, KindPNG, KindGIF, KindBMP, KindTIFF, KindWEBP}

// ImageKinds lists the raster formats among UploadKinds.
var ImageKinds = []ContentKind{KindJPEG, KindPNG, KindGIF, KindBMP, KindTIFF, KindWEBP}

// IsUploadKind reports whether users may submit files of this kind.
func (k ContentKind) IsUploadKind() bool {
	for _, u := range UploadKinds {
		if u == k {
			return true
		}
	}
	return false
}

// IsImage reports whether the kind is a raster image.
func (k ContentKind) IsImage() bool {
	for _, u := range ImageKinds {
		if u == k {
			return true
		}
	}
	return false
}

// Ext returns the file extension used on disk, dot included.
func (k ContentKind) Ext() string {
	switch k {
	case KindPDF:
		return ".pdf"
	case KindJPEG:
		return ".jpg"
	case KindPNG:
		return ".png"
	case KindGIF:
		return ".gif"
	case KindBMP:
		return ".bmp"
	case KindTIFF:
		return ".tiff"
	case KindWEBP:
		return ".webp"
	case KindText:
		return ".txt"
	default:
		return ".bin"
	}
}

// MimeType returns the content type used when streaming the file back.
func (k ContentKind) MimeType() string {
	switch k {
	case KindPDF:
		return "application/pdf"
	case KindJPEG:
		return "image/jpeg"
	case KindPNG:
		return "image/png"
	case KindGIF:
		return "image/gif"
	case KindBMP:
		return "image/bmp"
	case KindTIFF:
		return "image/tiff"
	case KindWEBP:
		return "image/webp"
	case KindText:
		return "text/plain; charset=utf-8"
	default:
		return "application/octet-stream"
	}
}

// KindFromExt maps a file name extension to a content kind.
func KindFromExt(name string) (ContentKind, bool) {
	idx := strings.LastIndex(name, ".")
	if idx < 0 {
		return "", false
	}
	switch strings.ToLower(name[idx:]) {
	case ".pdf":
		return KindPDF, true
	case ".jpg", ".jpeg":
		return KindJPEG, true
	case ".png":
		return KindPNG, true
	case ".gif":
		return KindGIF, true
	case ".bmp":
		return KindBMP, true
	case ".tif", ".tiff":
		return KindTIFF, true
	case ".webp":
		return KindWEBP, true
	case ".txt":
		return KindText, true
	}
	return "", false
}

// StagedFile is a validated upload held on disk until it is consumed or released.
type StagedFile struct {
	ID        string      `json:"id"`
	UserID    int64       `json:"user_id"`
	Name      string      `json:"name"`
	Path      string      `json:"-"`
	Size      int64       `json:"size"`
	Pages     int         `json:"pages"`
	Kind      ContentKind `json:"kind"`
	CreatedAt time.Time   `json:"created_at"`
}

// ResultArtifact is an output file awaiting delivery.
type ResultArtifact struct {
	ID        string      `json:"id"`
	UserID    int64       `json:"user_id"`
	Name      string      `json:"name"`
	Path      string      `json:"-"`
	Size      int64       `json:"size"`
	Kind      ContentKind `json:"kind"`
	// Note is a short human readable remark about the result, e.g. the size saved.
	Note      string    `json:"note,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ProducedFile is an output written by a capability into its work directory.
type ProducedFile struct {
	Path string
	Name string
	Kind ContentKind
	Note string
}
