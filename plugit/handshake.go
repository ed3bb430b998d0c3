package plugit

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/richardartoul/plugitclient/pkg/metrics"
)

const (
	pingTokenLength   = 32
	pingTokenAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
)

// Ping sends a random token to the server and reports whether it was echoed
// back exactly.
func (c *Client) Ping(ctx context.Context) (bool, error) {
	defer c.latency.Since(metrics.OpPing, time.Now())

	token, err := randomToken(pingTokenLength)
	if err != nil {
		return false, err
	}

	resp, err := c.Query(ctx, "ping?data="+token, Request{})
	if err != nil {
		return false, err
	}
	defer resp.Close()

	if resp.StatusCode != http.StatusOK {
		c.logger.Debug("ping failed", "status", resp.StatusCode)
		return false, nil
	}
	var body map[string]any
	if err := resp.JSON(&body); err != nil {
		return false, c.protocolError("ping", err)
	}
	echoed, _ := body["data"].(string)
	if echoed != token {
		c.logger.Debug("ping token mismatch", "sent", token, "received", body["data"])
		return false, nil
	}
	return true, nil
}

// CheckVersion reports whether the server speaks this client's protocol.
func (c *Client) CheckVersion(ctx context.Context) (bool, error) {
	defer c.latency.Since(metrics.OpVersion, time.Now())

	resp, err := c.Query(ctx, "version", Request{})
	if err != nil {
		return false, err
	}
	defer resp.Close()

	if resp.StatusCode != http.StatusOK {
		c.logger.Debug("version check failed", "status", resp.StatusCode)
		return false, nil
	}
	var body map[string]any
	if err := resp.JSON(&body); err != nil {
		return false, c.protocolError("version", err)
	}
	if body["result"] != "Ok" || body["version"] != APIVersion || body["protocol"] != APIName {
		c.logger.Debug("version mismatch",
			"result", body["result"],
			"version", body["version"],
			"protocol", body["protocol"])
		return false, nil
	}
	return true, nil
}

// protocolError absorbs decoding failures into a nil error and passes body
// read failures through, since those are transport problems.
func (c *Client) protocolError(op string, err error) error {
	if IsTransportError(err) {
		return err
	}
	c.logger.Warn("malformed response", "op", op, "error", err)
	return nil
}

func randomToken(n int) (string, error) {
	alphabetLen := big.NewInt(int64(len(pingTokenAlphabet)))
	token := make([]byte, n)
	for i := range token {
		idx, err := rand.Int(rand.Reader, alphabetLen)
		if err != nil {
			return "", fmt.Errorf("plugit: failed to generate ping token: %w", err)
		}
		token[i] = pingTokenAlphabet[idx.Int64()]
	}
	return string(token), nil
}
