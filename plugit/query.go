package plugit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
)

// Request describes one call against the server.
type Request struct {
	// Method is the HTTP verb; empty means GET.
	Method string
	// Query is appended to any query string already present in the path.
	Query url.Values
	// Form is the body of a POST. Repeated values become repeated fields.
	Form url.Values
	// Files switch a POST to a streamed multipart upload.
	Files []File
}

// Response is a server reply. The body is read lazily and at most once;
// Content and JSON can be called repeatedly. Callers must Close it.
type Response struct {
	StatusCode int
	Header     http.Header

	method string
	url    string

	body    io.ReadCloser
	once    sync.Once
	content []byte
	readErr error
}

// Content returns the whole response body.
func (r *Response) Content() ([]byte, error) {
	r.once.Do(func() {
		defer r.body.Close()
		content, err := io.ReadAll(r.body)
		if err != nil {
			r.readErr = &TransportError{Method: r.method, URL: r.url, Err: fmt.Errorf("failed to read body: %w", err)}
			return
		}
		r.content = content
	})
	return r.content, r.readErr
}

// JSON decodes the body into v. A body read failure is a *TransportError;
// anything else is a decoding error.
func (r *Response) JSON(v any) error {
	content, err := r.Content()
	if err != nil {
		return err
	}
	return json.Unmarshal(content, v)
}

// Close releases the body without reading it.
func (r *Response) Close() error {
	var err error
	r.once.Do(func() {
		err = r.body.Close()
	})
	return err
}

// Query sends a request to baseURI + "/" + path and returns the reply
// whatever its status. Only network failures are errors.
func (c *Client) Query(ctx context.Context, path string, req Request) (*Response, error) {
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}

	target, err := c.buildURL(path, req.Query)
	if err != nil {
		return nil, err
	}

	var (
		body          io.Reader
		contentType   string
		contentLength int64
	)
	if method == http.MethodPost {
		if len(req.Files) > 0 {
			upload, err := newMultipartUpload(req.Form, req.Files)
			if err != nil {
				return nil, err
			}
			body, contentType, contentLength = upload.Body(), upload.ContentType(), upload.Length()
		} else {
			body, contentType = strings.NewReader(req.Form.Encode()), "application/x-www-form-urlencoded"
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		if rc, ok := body.(io.Closer); ok {
			rc.Close()
		}
		return nil, fmt.Errorf("plugit: failed to build request: %w", err)
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	if contentLength > 0 {
		httpReq.ContentLength = contentLength
	}

	c.logger.Debug("sending request", "method", method, "url", target)
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, &TransportError{Method: method, URL: target, Err: err}
	}
	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		method:     method,
		url:        target,
		body:       resp.Body,
	}, nil
}

// buildURL joins path onto the base address. A query string already in path
// is sent untouched; extra parameters are appended after it.
func (c *Client) buildURL(path string, query url.Values) (string, error) {
	target := c.baseURI + "/" + path
	if len(query) == 0 {
		return target, nil
	}
	u, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("plugit: invalid request path %q: %w", path, err)
	}
	if u.RawQuery != "" {
		u.RawQuery += "&" + query.Encode()
	} else {
		u.RawQuery = query.Encode()
	}
	return u.String(), nil
}
