package plugit

import (
	"context"
	"net/http"
	"time"

	"github.com/richardartoul/plugitclient/pkg/metrics"
)

// Media is a raw asset served by the plug-in.
type Media struct {
	Content     []byte
	ContentType string
}

// GetMedia fetches the media at uri. Media is never cached.
func (c *Client) GetMedia(ctx context.Context, uri string) (*Media, error) {
	defer c.latency.Since(metrics.OpMedia, time.Now())

	resp, err := c.Query(ctx, "media/"+uri, Request{})
	if err != nil {
		return nil, err
	}
	defer resp.Close()

	if resp.StatusCode != http.StatusOK {
		c.logger.Debug("media fetch failed", "uri", uri, "status", resp.StatusCode)
		return nil, nil
	}
	content, err := resp.Content()
	if err != nil {
		return nil, err
	}
	return &Media{Content: content, ContentType: resp.Header.Get("Content-Type")}, nil
}

// NewMail notifies the server of a message sent in reply to responseID.
func (c *Client) NewMail(ctx context.Context, responseID, message string) (bool, error) {
	defer c.latency.Since(metrics.OpMail, time.Now())

	resp, err := c.Query(ctx, "mail", Request{
		Method: http.MethodPost,
		Form: map[string][]string{
			"response_id": {responseID},
			"message":     {message},
		},
	})
	if err != nil {
		return false, err
	}
	defer resp.Close()

	if resp.StatusCode != http.StatusOK {
		return false, nil
	}
	var body map[string]any
	if err := resp.JSON(&body); err != nil {
		return false, c.protocolError("mail", err)
	}
	return body["result"] == "Ok", nil
}
