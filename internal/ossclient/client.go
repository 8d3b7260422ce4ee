// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package ossclient

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/sneller-oss/ossext/internal/ossauth"
)

// DefaultClient is the default HTTP client used for requests
// made from this package, tuned the same way aws/s3.DefaultClient
// is: short-lived connections are expected to be unhealthy often
// enough that we want to fail DNS/dial quickly and retry rather
// than hang.
var DefaultClient = http.Client{
	Transport: &http.Transport{
		ResponseHeaderTimeout: 60 * time.Second,
		MaxIdleConnsPerHost:   5,
		DisableCompression:    true,
		DialContext: (&net.Dialer{
			Timeout: 2 * time.Second,
		}).DialContext,
	},
}

// MaxRetries is the number of times an operation that returns a
// KindTransient error is retried after its first attempt; once they
// are used up, the last error is returned to the caller.
const MaxRetries = 30

// Client drives the OSS REST API for a single bucket.
type Client struct {
	Key    *ossauth.Key
	Bucket string

	// HTTPClient is the http.Client used for requests. If nil,
	// DefaultClient is used.
	HTTPClient *http.Client

	// Tuning carries the request-level knobs (min-speed,
	// connect timeout, dns ttl); it does not change request
	// semantics here, but a real transport implementation
	// would apply it to the underlying RoundTripper.
	Tuning RequestTuning
}

// RequestTuning bounds the transport layer used for requests,
// matching the bridge's RequestTuning data type.
type RequestTuning struct {
	MinSpeedBPS    int
	MinSpeedSecs   int
	DNSCacheTTL    time.Duration
	ConnectTimeout time.Duration
}

func (c *Client) client() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &DefaultClient
}

func (c *Client) url(key string) string {
	return c.bucketURL() + "/" + pathEscape(key)
}

func (c *Client) bucketURL() string {
	endpoint := strings.TrimSuffix(c.Key.Endpoint, "/")
	return endpoint + "/" + c.Bucket
}

func pathEscape(key string) string {
	var sb strings.Builder
	for _, part := range strings.Split(key, "/") {
		if sb.Len() > 0 {
			sb.WriteByte('/')
		}
		sb.WriteString(escapeSegment(part))
	}
	return sb.String()
}

func escapeSegment(s string) string {
	const hex = "0123456789ABCDEF"
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9',
			c == '-', c == '_', c == '.', c == '~':
			sb.WriteByte(c)
		default:
			sb.WriteByte('%')
			sb.WriteByte(hex[c>>4])
			sb.WriteByte(hex[c&0xf])
		}
	}
	return sb.String()
}

// retry runs fn up to MaxRetries+1 times, retrying only
// when fn returns a KindTransient *Error, yielding the scheduler
// between attempts (spec requires "at least one scheduler yield
// between attempts").
func retry(fn func() error) error {
	var err error
	for attempt := 0; attempt <= MaxRetries; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !IsTransient(err) {
			return err
		}
		runtime.Gosched()
	}
	return err
}

func isTransientStatus(code int) bool {
	return code == http.StatusInternalServerError ||
		code == http.StatusBadGateway ||
		code == http.StatusServiceUnavailable ||
		code == http.StatusGatewayTimeout ||
		code == 429
}

// do executes req, retrying transient network errors and
// 5xx/429 responses, and returns the final *http.Response.
// The caller must close the response body.
func (c *Client) do(op string, req *http.Request) (*http.Response, error) {
	var res *http.Response
	err := retry(func() error {
		var err error
		res, err = c.client().Do(req)
		if err != nil {
			return newErr(op, KindTransient, err)
		}
		if isTransientStatus(res.StatusCode) {
			msg := res.Status
			res.Body.Close()
			return newErr(op, KindTransient, fmt.Errorf("%s", msg))
		}
		return nil
	})
	return res, err
}

// Head performs a HEAD on an object and returns its length,
// type, and (if appendable) the server-declared write cursor.
//
// Head returns a KindNotFound *Error if the object does not exist.
func (c *Client) Head(key string) (HeadInfo, error) {
	const op = "head"
	req, err := http.NewRequest(http.MethodHead, c.url(key), nil)
	if err != nil {
		return HeadInfo{}, newErr(op, KindFatal, err)
	}
	c.Key.Sign(req, c.Bucket, key)

	res, err := c.do(op, req)
	if err != nil {
		return HeadInfo{}, err
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusNotFound {
		return HeadInfo{}, newErr(op, KindNotFound, ErrNotFound)
	}
	if res.StatusCode != http.StatusOK {
		return HeadInfo{}, newErr(op, KindFatal, fmt.Errorf("unexpected status %s", res.Status))
	}
	info := HeadInfo{Length: res.ContentLength}
	if res.Header.Get("x-oss-object-type") == "Appendable" {
		info.Type = TypeAppendable
	}
	if v := res.Header.Get("x-oss-next-append-position"); v != "" {
		pos, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return HeadInfo{}, newErr(op, KindFatal, fmt.Errorf("parsing x-oss-next-append-position: %w", err))
		}
		info.NextAppendPos = pos
	}
	return info, nil
}

// Exists is a convenience wrapper over Head that reports whether
// the object is present, collapsing KindNotFound into (false, nil).
func (c *Client) Exists(key string) (bool, error) {
	_, err := c.Head(key)
	if err == nil {
		return true, nil
	}
	if IsNotFound(err) {
		return false, nil
	}
	return false, err
}

// GetRange fetches exactly length bytes starting at offset, unless
// the object ends earlier, in which case it returns fewer bytes
// and no error. Requesting a range beyond the object's length is
// a fatal error.
func (c *Client) GetRange(key string, offset, length int64) ([]byte, error) {
	const op = "get_range"
	var body []byte
	err := retry(func() error {
		req, err := http.NewRequest(http.MethodGet, c.url(key), nil)
		if err != nil {
			return newErr(op, KindFatal, err)
		}
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, offset+length-1))
		c.Key.Sign(req, c.Bucket, key)

		res, err := c.client().Do(req)
		if err != nil {
			return newErr(op, KindTransient, err)
		}
		defer res.Body.Close()
		switch {
		case res.StatusCode == http.StatusNotFound:
			return newErr(op, KindNotFound, ErrNotFound)
		case res.StatusCode == http.StatusRequestedRangeNotSatisfiable:
			return newErr(op, KindFatal, fmt.Errorf("range %d-%d out of bounds", offset, offset+length-1))
		case isTransientStatus(res.StatusCode):
			return newErr(op, KindTransient, fmt.Errorf("%s", res.Status))
		case res.StatusCode != http.StatusPartialContent && res.StatusCode != http.StatusOK:
			return newErr(op, KindFatal, fmt.Errorf("unexpected status %s", res.Status))
		}
		body, err = io.ReadAll(res.Body)
		if err != nil {
			return newErr(op, KindTransient, err)
		}
		if res.StatusCode == http.StatusOK {
			// the server ignored Range and sent the whole object
			if offset >= int64(len(body)) {
				return newErr(op, KindFatal, fmt.Errorf("range %d-%d out of bounds", offset, offset+length-1))
			}
			end := offset + length
			if end > int64(len(body)) {
				end = int64(len(body))
			}
			body = body[offset:end]
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}

// Append appends bytes to the object at the given key. If position
// is 0 and the object does not exist, the server creates a new
// Appendable object; otherwise position must equal the object's
// current length, or the server rejects the call as a position
// conflict (surfaced as a KindProtocolViolation error).
func (c *Client) Append(key string, position int64, data []byte) (AppendResult, error) {
	const op = "append"
	var result AppendResult
	err := retry(func() error {
		req, err := http.NewRequest(http.MethodPost, c.url(key), nil)
		if err != nil {
			return newErr(op, KindFatal, err)
		}
		q := req.URL.Query()
		q.Set("append", "")
		q.Set("position", strconv.FormatInt(position, 10))
		req.URL.RawQuery = q.Encode()
		req.Body = io.NopCloser(bytes.NewReader(data))
		req.ContentLength = int64(len(data))
		c.Key.Sign(req, c.Bucket, key)

		res, err := c.client().Do(req)
		if err != nil {
			return newErr(op, KindTransient, err)
		}
		defer res.Body.Close()
		switch {
		case res.StatusCode == http.StatusConflict || res.StatusCode == http.StatusForbidden:
			return newErr(op, KindProtocolViolation, fmt.Errorf("append position mismatch (wanted %d)", position))
		case isTransientStatus(res.StatusCode):
			return newErr(op, KindTransient, fmt.Errorf("%s", res.Status))
		case res.StatusCode != http.StatusOK:
			return newErr(op, KindFatal, fmt.Errorf("unexpected status %s", res.Status))
		}
		if v := res.Header.Get("x-oss-next-append-position"); v != "" {
			pos, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return newErr(op, KindFatal, fmt.Errorf("parsing x-oss-next-append-position: %w", err))
			}
			result.NewPosition = pos
		} else {
			result.NewPosition = position + int64(len(data))
		}
		return nil
	})
	if err != nil {
		return AppendResult{}, err
	}
	return result, nil
}
