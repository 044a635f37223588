package s3

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
)

type initiateMultipartUploadResult struct {
	XMLName  xml.Name `xml:"InitiateMultipartUploadResult"`
	UploadID string   `xml:"UploadId"`
}

// UploadMultipart publishes the file at path in PartSize chunks and returns the
// public URL. Parts are sent one at a time in ascending order and are never
// retried; on failure the upload id is abandoned (and aborted when the client
// was built with AbortOnFailure).
func (c *Client) UploadMultipart(ctx context.Context, path, key string, public bool) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("stat %s: %w", path, err)
	}

	uploadID, err := c.CreateMultipartUpload(ctx, key)
	if err != nil {
		return "", err
	}
	session := NewMultipartSession(uploadID)

	if err := c.uploadParts(ctx, f, info.Size(), key, session); err != nil {
		return "", c.abandon(ctx, key, session, err)
	}
	if err := c.CompleteMultipartUpload(ctx, key, session); err != nil {
		return "", c.abandon(ctx, key, session, err)
	}
	if public {
		if err := c.setPublicACL(ctx, key); err != nil {
			return "", c.discardObject(ctx, key, err)
		}
	}
	return c.PublicURL(key), nil
}

// discardObject deletes a completed object that could not be made public.
func (c *Client) discardObject(ctx context.Context, key string, cause error) error {
	if err := c.DeleteFile(context.WithoutCancel(ctx), key); err != nil {
		return errors.Join(cause, fmt.Errorf("delete %s after failed acl: %w", key, err))
	}
	return cause
}

func (c *Client) uploadParts(ctx context.Context, f io.ReaderAt, size int64, key string, session *MultipartSession) error {
	partNumber := 1
	for offset := int64(0); offset < size; offset += c.partSize {
		length := min(c.partSize, size-offset)
		etag, err := c.UploadPart(ctx, key, session.UploadID(), partNumber, io.NewSectionReader(f, offset, length), length)
		if err != nil {
			return err
		}
		if err := session.Add(partNumber, etag); err != nil {
			return err
		}
		partNumber++
	}
	return nil
}

func (c *Client) abandon(ctx context.Context, key string, session *MultipartSession, cause error) error {
	if !c.abortOnFailure {
		return cause
	}
	if err := c.AbortMultipartUpload(context.WithoutCancel(ctx), key, session.UploadID()); err != nil {
		return errors.Join(cause, fmt.Errorf("abort upload %s: %w", session.UploadID(), err))
	}
	return cause
}

// CreateMultipartUpload creates a multipart upload and returns the upload ID
func (c *Client) CreateMultipartUpload(ctx context.Context, key string) (string, error) {
	req, err := c.newRequest(ctx, http.MethodPost, key, url.Values{"uploads": {""}}, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", contentType(key))

	resp, err := c.do(ctx, "create-multipart", key, req, hashHex(nil))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var result initiateMultipartUploadResult
	if err := xml.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", &ProtocolError{Op: "create-multipart", Key: key, StatusCode: resp.StatusCode, Body: "undecodable body: " + err.Error()}
	}
	if result.UploadID == "" {
		return "", &ProtocolError{Op: "create-multipart", Key: key, StatusCode: resp.StatusCode, Body: "missing UploadId"}
	}
	return result.UploadID, nil
}

// UploadPart sends one part and returns its ETag.
func (c *Client) UploadPart(ctx context.Context, key, uploadID string, partNumber int, body io.Reader, length int64) (string, error) {
	query := url.Values{
		"partNumber": {strconv.Itoa(partNumber)},
		"uploadId":   {uploadID},
	}
	req, err := c.newRequest(ctx, http.MethodPut, key, query, body)
	if err != nil {
		return "", err
	}
	req.ContentLength = length

	resp, err := c.do(ctx, "upload-part", key, req, unsignedPayload)
	if err != nil {
		return "", err
	}
	drain(resp)

	etag := resp.Header.Get("ETag")
	if etag == "" {
		return "", fmt.Errorf("part %d of %q: %w", partNumber, key, ErrMissingETag)
	}
	return etag, nil
}

// CompleteMultipartUpload completes a multipart upload. It refuses to send the
// request unless the session holds parts 1..N.
func (c *Client) CompleteMultipartUpload(ctx context.Context, key string, session *MultipartSession) error {
	body, err := session.CompletionBody()
	if err != nil {
		return err
	}
	req, err := c.newRequest(ctx, http.MethodPost, key, url.Values{"uploadId": {session.UploadID()}}, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/xml")

	resp, err := c.do(ctx, "complete-multipart", key, req, hashHex(body))
	if err != nil {
		return err
	}
	return c.checkErrorDocument("complete-multipart", key, resp)
}

// AbortMultipartUpload aborts a multipart upload
func (c *Client) AbortMultipartUpload(ctx context.Context, key, uploadID string) error {
	req, err := c.newRequest(ctx, http.MethodDelete, key, url.Values{"uploadId": {uploadID}}, nil)
	if err != nil {
		return err
	}
	resp, err := c.do(ctx, "abort-multipart", key, req, hashHex(nil))
	if err != nil {
		return err
	}
	drain(resp)
	return nil
}
