package s3

import (
	"encoding/xml"
	"fmt"
	"sort"
)

// PartInfo represents a completed part for multipart upload
type PartInfo struct {
	ETag       string
	PartNumber int
}

// MultipartSession accumulates the parts of one in-progress multipart upload.
// It is owned by a single publish call and must not be shared.
type MultipartSession struct {
	uploadID string
	parts    []PartInfo
	seen     map[int]struct{}
}

// NewMultipartSession starts bookkeeping for the given upload id.
func NewMultipartSession(uploadID string) *MultipartSession {
	return &MultipartSession{
		uploadID: uploadID,
		seen:     make(map[int]struct{}),
	}
}

// UploadID returns the opaque token issued by the store.
func (s *MultipartSession) UploadID() string {
	return s.uploadID
}

// Len returns the number of recorded parts.
func (s *MultipartSession) Len() int {
	return len(s.parts)
}

// Add records an uploaded part. Parts may be added in any order; the completion
// list is always sorted ascending.
func (s *MultipartSession) Add(partNumber int, etag string) error {
	if partNumber < 1 {
		return fmt.Errorf("invalid part number %d", partNumber)
	}
	if etag == "" {
		return fmt.Errorf("part %d: %w", partNumber, ErrMissingETag)
	}
	if _, dup := s.seen[partNumber]; dup {
		return fmt.Errorf("part %d recorded twice", partNumber)
	}
	s.seen[partNumber] = struct{}{}
	s.parts = append(s.parts, PartInfo{ETag: etag, PartNumber: partNumber})
	return nil
}

// CompletedParts returns the parts in ascending order, or ErrIncompleteSession
// unless they are exactly 1..N with no gaps.
func (s *MultipartSession) CompletedParts() ([]PartInfo, error) {
	if len(s.parts) == 0 {
		return nil, fmt.Errorf("no parts recorded: %w", ErrIncompleteSession)
	}
	parts := make([]PartInfo, len(s.parts))
	copy(parts, s.parts)
	sort.Slice(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber })

	for i, p := range parts {
		if p.PartNumber != i+1 {
			return nil, fmt.Errorf("expected part %d, found %d: %w", i+1, p.PartNumber, ErrIncompleteSession)
		}
	}
	return parts, nil
}

type completeMultipartUpload struct {
	XMLName xml.Name        `xml:"CompleteMultipartUpload"`
	Parts   []completedPart `xml:"Part"`
}

type completedPart struct {
	PartNumber int    `xml:"PartNumber"`
	ETag       string `xml:"ETag"`
}

// CompletionBody renders the XML body of the complete call.
func (s *MultipartSession) CompletionBody() ([]byte, error) {
	parts, err := s.CompletedParts()
	if err != nil {
		return nil, err
	}
	req := completeMultipartUpload{Parts: make([]completedPart, len(parts))}
	for i, p := range parts {
		req.Parts[i] = completedPart{PartNumber: p.PartNumber, ETag: p.ETag}
	}
	body, err := xml.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode completion body: %w", err)
	}
	return append([]byte(xml.Header), body...), nil
}
