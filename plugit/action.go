package plugit

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/richardartoul/plugitclient/pkg/metrics"
)

// Response headers a server uses to shape an action result.
const (
	HeaderRedirect         = "EbuIo-PlugIt-Redirect"
	HeaderRedirectNoPrefix = "EbuIo-PlugIt-Redirect-NoPrefix"
	HeaderItAFile          = "EbuIo-PlugIt-ItAFile"
)

// ActionResult is what a successful action returns: a *JSONResult,
// *RedirectResult or *FileResult.
type ActionResult interface {
	isActionResult()
}

// JSONResult carries the decoded JSON body of an action.
type JSONResult struct {
	Value any
}

// RedirectResult tells the host to redirect the user.
type RedirectResult struct {
	URL string
	// NoPrefix means URL must be used as is, without the host's plug-in prefix.
	NoPrefix bool
}

// FileResult is a file to hand back to the user verbatim.
type FileResult struct {
	Content            []byte
	ContentType        string
	ContentDisposition string
}

func (*JSONResult) isActionResult()     {}
func (*RedirectResult) isActionResult() {}
func (*FileResult) isActionResult()     {}

// DoAction invokes the action at uri. It returns nil when the server answers
// with anything but 200 or with a body that cannot be understood.
func (c *Client) DoAction(ctx context.Context, uri string, req Request) (ActionResult, error) {
	defer c.latency.Since(metrics.OpAction, time.Now())

	resp, err := c.Query(ctx, "action/"+uri, req)
	if err != nil {
		return nil, err
	}
	defer resp.Close()

	if resp.StatusCode != http.StatusOK {
		c.logger.Debug("action failed", "uri", uri, "status", resp.StatusCode)
		return nil, nil
	}
	result, err := classify(resp)
	if err != nil {
		return nil, c.protocolError("action", err)
	}
	return result, nil
}

var emptyObject = []byte("{}")

// classify maps a 200 response to a result. Redirect wins over file, and
// file wins over JSON.
func classify(resp *Response) (ActionResult, error) {
	h := resp.Header
	if target, ok := headerValue(h, HeaderRedirect); ok {
		noPrefix, _ := headerValue(h, HeaderRedirectNoPrefix)
		return &RedirectResult{URL: target, NoPrefix: noPrefix == "True"}, nil
	}

	content, err := resp.Content()
	if err != nil {
		return nil, err
	}

	if _, ok := headerValue(h, HeaderItAFile); ok {
		disposition, _ := headerValue(h, "Content-Disposition")
		return &FileResult{
			Content:            content,
			ContentType:        h.Get("Content-Type"),
			ContentDisposition: disposition,
		}, nil
	}

	if bytes.Equal(content, emptyObject) {
		return &JSONResult{Value: map[string]any{}}, nil
	}
	var value any
	if err := json.Unmarshal(content, &value); err != nil {
		return nil, err
	}
	if value == nil {
		// A literal null is no payload at all.
		return nil, nil
	}
	return &JSONResult{Value: value}, nil
}
