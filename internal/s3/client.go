package s3

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/credentials"
)

const (
	// DefaultPartSize is the fixed multipart chunk size.
	DefaultPartSize int64 = 5 * 1024 * 1024

	unsignedPayload = "UNSIGNED-PAYLOAD"
	maxErrorBody    = 4 << 10
	publicReadACL   = "public-read"
)

// Options configures a Client. Endpoint is the S3-compatible base URL
// (scheme and host, no bucket).
type Options struct {
	Endpoint       string
	Region         string
	Bucket         string
	AccessKey      string
	SecretKey      string
	PartSize       int64
	AbortOnFailure bool
	Timeout        time.Duration
	HTTPClient     *http.Client
}

// Client talks to an S3-compatible HTTP API with SigV4 signed requests bound to
// one bucket and region. It is safe for concurrent use.
type Client struct {
	endpoint       *url.URL
	bucket         string
	region         string
	partSize       int64
	abortOnFailure bool
	creds          aws.CredentialsProvider
	signer         *v4.Signer
	http           *http.Client
	now            func() time.Time
}

func NewClient(opts Options) (*Client, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("s3: bucket is required")
	}
	if opts.AccessKey == "" || opts.SecretKey == "" {
		return nil, fmt.Errorf("s3: no credentials provided")
	}
	endpoint, err := url.Parse(strings.TrimRight(opts.Endpoint, "/"))
	if err != nil || endpoint.Scheme == "" || endpoint.Host == "" {
		return nil, fmt.Errorf("s3: invalid endpoint %q", opts.Endpoint)
	}

	partSize := opts.PartSize
	if partSize <= 0 {
		partSize = DefaultPartSize
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: opts.Timeout,
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConnsPerHost: 16,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}

	return &Client{
		endpoint:       endpoint,
		bucket:         opts.Bucket,
		region:         opts.Region,
		partSize:       partSize,
		abortOnFailure: opts.AbortOnFailure,
		creds:          credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, ""),
		signer:         v4.NewSigner(),
		http:           httpClient,
		now:            time.Now,
	}, nil
}

// Close releases idle pooled connections.
func (c *Client) Close() {
	c.http.CloseIdleConnections()
}

// PublicURL derives the public URL of key. No network call is made.
func (c *Client) PublicURL(key string) string {
	return fmt.Sprintf("https://%s.%s/%s", c.bucket, c.endpoint.Host, escapeKey(key))
}

// Payload is the body of a single-shot upload.
type Payload interface {
	open() (body io.ReadCloser, size int64, hash string, err error)
}

type filePayload string

// FilePayload streams the upload body from the file at path.
func FilePayload(path string) Payload {
	return filePayload(path)
}

func (p filePayload) open() (io.ReadCloser, int64, string, error) {
	f, err := os.Open(string(p))
	if err != nil {
		return nil, 0, "", err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, "", err
	}
	return f, info.Size(), unsignedPayload, nil
}

type bytesPayload []byte

// BytesPayload uploads an in-memory body.
func BytesPayload(b []byte) Payload {
	return bytesPayload(b)
}

func (p bytesPayload) open() (io.ReadCloser, int64, string, error) {
	return io.NopCloser(bytes.NewReader(p)), int64(len(p)), hashHex(p), nil
}

// UploadSingle uploads the whole payload with one PUT and returns the public URL.
func (c *Client) UploadSingle(ctx context.Context, payload Payload, key string, public bool) (string, error) {
	body, size, hash, err := payload.open()
	if err != nil {
		return "", fmt.Errorf("open payload for %q: %w", key, err)
	}
	defer body.Close()

	req, err := c.newRequest(ctx, http.MethodPut, key, nil, body)
	if err != nil {
		return "", err
	}
	req.ContentLength = size
	req.Header.Set("Content-Type", contentType(key))
	if public {
		req.Header.Set("x-amz-acl", publicReadACL)
	}

	resp, err := c.do(ctx, "put", key, req, hash)
	if err != nil {
		return "", err
	}
	drain(resp)
	return c.PublicURL(key), nil
}

// DeleteFile removes key. Deleting a missing key is not an error.
func (c *Client) DeleteFile(ctx context.Context, key string) error {
	req, err := c.newRequest(ctx, http.MethodDelete, key, nil, nil)
	if err != nil {
		return err
	}
	resp, err := c.do(ctx, "delete", key, req, hashHex(nil))
	if err != nil {
		var pe *ProtocolError
		if errors.As(err, &pe) && pe.StatusCode == http.StatusNotFound {
			return nil
		}
		return err
	}
	drain(resp)
	return nil
}

// CopyFile copies source to dest inside the bucket.
func (c *Client) CopyFile(ctx context.Context, source, dest string, public bool) error {
	req, err := c.newRequest(ctx, http.MethodPut, dest, nil, nil)
	if err != nil {
		return err
	}
	req.Header.Set("x-amz-copy-source", "/"+c.bucket+"/"+escapeKey(source))
	if public {
		req.Header.Set("x-amz-acl", publicReadACL)
	}
	resp, err := c.do(ctx, "copy", dest, req, hashHex(nil))
	if err != nil {
		return err
	}
	// A copy can fail after the 200 status line has been sent.
	return c.checkErrorDocument("copy", dest, resp)
}

func (c *Client) setPublicACL(ctx context.Context, key string) error {
	req, err := c.newRequest(ctx, http.MethodPut, key, url.Values{"acl": {""}}, nil)
	if err != nil {
		return err
	}
	req.Header.Set("x-amz-acl", publicReadACL)
	resp, err := c.do(ctx, "put-acl", key, req, hashHex(nil))
	if err != nil {
		return err
	}
	drain(resp)
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, key string, query url.Values, body io.Reader) (*http.Request, error) {
	u := *c.endpoint
	u.Path = path.Join("/", c.bucket, key)
	u.RawPath = "/" + c.bucket + "/" + escapeKey(key)
	if query != nil {
		u.RawQuery = strings.ReplaceAll(query.Encode(), "+", "%20")
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("build %s request for %q: %w", method, key, err)
	}
	return req, nil
}

// do signs and sends req. Non-2xx responses are returned as *ProtocolError with
// the body already consumed.
func (c *Client) do(ctx context.Context, op, key string, req *http.Request, payloadHash string) (*http.Response, error) {
	creds, err := c.creds.Retrieve(ctx)
	if err != nil {
		return nil, fmt.Errorf("retrieve credentials: %w", err)
	}
	req.Header.Set("X-Amz-Content-Sha256", payloadHash)
	err = c.signer.SignHTTP(ctx, creds, req, payloadHash, "s3", c.region, c.now(), func(o *v4.SignerOptions) {
		o.DisableURIPathEscaping = true
	})
	if err != nil {
		return nil, fmt.Errorf("sign %s request: %w", op, err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &TransportError{Op: op, Key: key, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()
		return nil, &ProtocolError{Op: op, Key: key, StatusCode: resp.StatusCode, Body: string(body)}
	}
	return resp, nil
}

func (c *Client) checkErrorDocument(op, key string, resp *http.Response) error {
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return &TransportError{Op: op, Key: key, Err: err}
	}
	if bytes.Contains(body, []byte("<Error>")) {
		return &ProtocolError{Op: op, Key: key, StatusCode: resp.StatusCode, Body: string(body)}
	}
	return nil
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
	resp.Body.Close()
}

func escapeKey(key string) string {
	segments := strings.Split(key, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return strings.Join(segments, "/")
}

func hashHex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func contentType(key string) string {
	if ct := mime.TypeByExtension(path.Ext(key)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
