package domain

import (
	"bytes"
	"net/http"
	"time"
	"unicode/utf8"
)

type DocumentFormat string

const (
	FormatPDF     DocumentFormat = "pdf"
	FormatPNG     DocumentFormat = "png"
	FormatJPEG    DocumentFormat = "jpeg"
	FormatTIFF    DocumentFormat = "tiff"
	FormatBMP     DocumentFormat = "bmp"
	FormatWebP    DocumentFormat = "webp"
	FormatText    DocumentFormat = "text"
	FormatUnknown DocumentFormat = "unknown"
)

// IsImage reports whether the format is a single raster image.
func (f DocumentFormat) IsImage() bool {
	switch f {
	case FormatPNG, FormatJPEG, FormatTIFF, FormatBMP, FormatWebP:
		return true
	default:
		return false
	}
}

// Document lives for one pipeline run only.
type Document struct {
	ID        string         `json:"id"`
	Filename  string         `json:"filename,omitempty"`
	Format    DocumentFormat `json:"format"`
	Data      []byte         `json:"-"`
	PageCount int            `json:"page_count"`
}

// DetectFormat sniffs the document format from magic bytes.
func DetectFormat(data []byte) DocumentFormat {
	if len(data) == 0 {
		return FormatUnknown
	}
	switch {
	case bytes.HasPrefix(data, []byte("%PDF-")):
		return FormatPDF
	case bytes.HasPrefix(data, []byte("II*\x00")), bytes.HasPrefix(data, []byte("MM\x00*")):
		return FormatTIFF
	}
	switch http.DetectContentType(data) {
	case "image/png":
		return FormatPNG
	case "image/jpeg":
		return FormatJPEG
	case "image/bmp":
		return FormatBMP
	case "image/webp":
		return FormatWebP
	}
	if utf8.Valid(data) && len(bytes.TrimSpace(data)) > 0 {
		return FormatText
	}
	return FormatUnknown
}

type PageVariant string

const (
	VariantRenderedImage PageVariant = "rendered_image"
	VariantRawText       PageVariant = "raw_text"
	VariantUnavailable   PageVariant = "unavailable"
)

// MaterializationMethod records which fallback stage produced a page unit.
type MaterializationMethod string

const (
	MaterializedRasterized  MaterializationMethod = "rasterized"
	MaterializedTextLayer   MaterializationMethod = "text_layer"
	MaterializedPlaceholder MaterializationMethod = "placeholder"
)

type PageUnit struct {
	Index    int                   `json:"index"`
	Variant  PageVariant           `json:"variant"`
	Method   MaterializationMethod `json:"method"`
	Image    []byte                `json:"-"`
	MimeType string                `json:"mime_type,omitempty"`
	Text     string                `json:"text,omitempty"`
	Hint     string                `json:"hint,omitempty"`
	Reason   string                `json:"reason,omitempty"`
}

// PageImage is one rasterized page as returned by a Rasterizer.
type PageImage struct {
	Index    int
	Data     []byte
	MimeType string
}

// TextExtraction is whole-document text with the page count reported by the extractor.
type TextExtraction struct {
	Text      string
	PageCount int
}

type RecognitionMethod string

const (
	MethodVision          RecognitionMethod = "vision"
	MethodRawText         RecognitionMethod = "raw_text"
	MethodRawTextFallback RecognitionMethod = "raw_text_fallback"
	MethodUnavailable     RecognitionMethod = "unavailable"
)

type VisionRequest struct {
	PageIndex   int
	Image       []byte
	MimeType    string
	Instruction string
	Hint        string
}

// Recognition is the vision collaborator output. Signal is the service's own
// confidence in [0,1].
type Recognition struct {
	Text   string
	Signal float64
}

type ExtractedPage struct {
	Index           int               `json:"index"`
	Text            string            `json:"text"`
	Entities        []Entity          `json:"entities"`
	Confidence      float64           `json:"confidence"`
	Method          RecognitionMethod `json:"method"`
	ServiceSignal   float64           `json:"service_signal"`
	DetectorSignal  float64           `json:"detector_signal"`
	KeywordHits     int               `json:"keyword_hits"`
	AppliedPatterns []string          `json:"applied_patterns,omitempty"`
	ErrorKind       ErrorKind         `json:"error_kind,omitempty"`
	Error           string            `json:"error,omitempty"`
}

// Values returns matched entity values of one type in text order.
func (p ExtractedPage) Values(entityType EntityType) []string {
	var out []string
	for _, e := range p.Entities {
		if e.Type == entityType {
			out = append(out, e.Value)
		}
	}
	return out
}

type ResultStatus string

const (
	ResultCompleted ResultStatus = "completed"
	ResultDegraded  ResultStatus = "degraded"
	ResultFailed    ResultStatus = "failed"
)

type Suggestion struct {
	Type    string `json:"type"`
	Page    int    `json:"page,omitempty"`
	Message string `json:"message"`
}

type DocumentResult struct {
	DocumentID       string          `json:"document_id"`
	Filename         string          `json:"filename,omitempty"`
	Status           ResultStatus    `json:"status"`
	PageCount        int             `json:"page_count"`
	Pages            []ExtractedPage `json:"pages"`
	Confidence       float64         `json:"confidence"`
	AccuracyEstimate float64         `json:"accuracy_estimate"`
	Suggestions      []Suggestion    `json:"suggestions,omitempty"`
	ErrorKind        ErrorKind       `json:"error_kind,omitempty"`
	Error            string          `json:"error,omitempty"`
	ProcessedAt      time.Time       `json:"processed_at"`
}
