package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/richardartoul/plugitclient/plugit"
)

// Cmd represents a bridge command type.
type Cmd string

const (
	CmdPing     = Cmd("ping")
	CmdVersion  = Cmd("version")
	CmdMeta     = Cmd("meta")
	CmdTemplate = Cmd("template")
	CmdAction   = Cmd("action")
	CmdMedia    = Cmd("media")
	CmdMail     = Cmd("mail")
	CmdClose    = Cmd("close")
)

var knownCommands = []Cmd{CmdPing, CmdVersion, CmdMeta, CmdTemplate, CmdAction, CmdMedia, CmdMail, CmdClose}

// BridgeRequest represents a request from the host application.
type BridgeRequest struct {
	ID         int64
	Command    Cmd
	URI        string        `json:",omitempty"`
	Method     string        `json:",omitempty"`
	Query      url.Values    `json:",omitempty"`
	Form       url.Values    `json:",omitempty"`
	Files      []plugit.File `json:",omitempty"`
	ResponseID string        `json:",omitempty"`
	Message    string        `json:",omitempty"`
}

// BridgeResponse represents a response to the host application. Template and
// result content are raw bytes, base64 in JSON.
type BridgeResponse struct {
	ID            int64           `json:",omitempty"`
	Err           string          `json:",omitempty"`
	KnownCommands []Cmd           `json:",omitempty"`
	OK            bool            `json:",omitempty"`
	Meta          plugit.Metadata `json:",omitempty"`
	Template      []byte          `json:",omitempty"`
	Result        *BridgeResult   `json:",omitempty"`
}

// BridgeResult is an action result or a media file. Content is base64 in JSON.
type BridgeResult struct {
	Kind               string
	Value              any    `json:",omitempty"`
	URL                string `json:",omitempty"`
	NoPrefix           bool   `json:",omitempty"`
	Content            []byte `json:",omitempty"`
	ContentType        string `json:",omitempty"`
	ContentDisposition string `json:",omitempty"`
}

// Bridge serves a PlugIt client over a JSON-lines stream, one request per line.
type Bridge struct {
	client  *plugit.Client
	scanner *bufio.Scanner
	writer  *bufio.Writer
}

// NewBridge creates a bridge reading requests from r and writing responses to w.
func NewBridge(client *plugit.Client, r io.Reader, w io.Writer) *Bridge {
	scanner := bufio.NewScanner(r)
	// Uploads and form fields can make for long lines.
	const maxScanTokenSize = 10 * 1024 * 1024
	scanner.Buffer(make([]byte, 64*1024), maxScanTokenSize)

	return &Bridge{
		client:  client,
		scanner: scanner,
		writer:  bufio.NewWriter(w),
	}
}

// SendResponse writes a response line.
func (b *Bridge) SendResponse(resp BridgeResponse) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("failed to marshal response: %w", err)
	}
	if _, err := b.writer.Write(data); err != nil {
		return fmt.Errorf("failed to write response: %w", err)
	}
	if err := b.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}
	return b.writer.Flush()
}

// ReadRequest reads the next non-empty request line.
func (b *Bridge) ReadRequest() (*BridgeRequest, error) {
	var line string
	for {
		if !b.scanner.Scan() {
			if err := b.scanner.Err(); err != nil {
				return nil, fmt.Errorf("failed to read request: %w", err)
			}
			return nil, io.EOF
		}
		line = b.scanner.Text()
		if strings.TrimSpace(line) != "" {
			break
		}
	}

	var req BridgeRequest
	if err := json.Unmarshal([]byte(line), &req); err != nil {
		return nil, fmt.Errorf("failed to unmarshal request: %w (line: %q)", err, line)
	}
	return &req, nil
}

// HandleRequest processes a single request and sends a response. Client errors
// go back to the host in Err; only stream failures are returned.
func (b *Bridge) HandleRequest(ctx context.Context, req *BridgeRequest) error {
	resp := BridgeResponse{ID: req.ID}
	if err := b.dispatch(ctx, req, &resp); err != nil {
		resp.Err = err.Error()
	}
	return b.SendResponse(resp)
}

func (b *Bridge) dispatch(ctx context.Context, req *BridgeRequest, resp *BridgeResponse) error {
	var err error
	switch req.Command {
	case CmdPing:
		resp.OK, err = b.client.Ping(ctx)

	case CmdVersion:
		resp.OK, err = b.client.CheckVersion(ctx)

	case CmdMeta:
		resp.Meta, err = b.client.GetMeta(ctx, req.URI)
		resp.OK = resp.Meta != nil

	case CmdTemplate:
		resp.Template, err = b.client.GetTemplate(ctx, req.URI, nil)
		resp.OK = resp.Template != nil

	case CmdAction:
		var result plugit.ActionResult
		result, err = b.client.DoAction(ctx, req.URI, plugit.Request{
			Method: req.Method,
			Query:  req.Query,
			Form:   req.Form,
			Files:  req.Files,
		})
		resp.Result = actionResult(result)
		resp.OK = resp.Result != nil

	case CmdMedia:
		var media *plugit.Media
		media, err = b.client.GetMedia(ctx, req.URI)
		if media != nil {
			resp.Result = &BridgeResult{Kind: "media", Content: media.Content, ContentType: media.ContentType}
			resp.OK = true
		}

	case CmdMail:
		resp.OK, err = b.client.NewMail(ctx, req.ResponseID, req.Message)

	case CmdClose:
		resp.OK = true

	default:
		err = fmt.Errorf("unknown command: %s", req.Command)
	}
	return err
}

func actionResult(result plugit.ActionResult) *BridgeResult {
	switch r := result.(type) {
	case *plugit.JSONResult:
		return &BridgeResult{Kind: "json", Value: r.Value}
	case *plugit.RedirectResult:
		return &BridgeResult{Kind: "redirect", URL: r.URL, NoPrefix: r.NoPrefix}
	case *plugit.FileResult:
		return &BridgeResult{
			Kind:               "file",
			Content:            r.Content,
			ContentType:        r.ContentType,
			ContentDisposition: r.ContentDisposition,
		}
	default:
		return nil
	}
}

// Run sends the capabilities line and serves requests until close or EOF.
func (b *Bridge) Run(ctx context.Context) error {
	if err := b.SendResponse(BridgeResponse{KnownCommands: knownCommands}); err != nil {
		return fmt.Errorf("failed to send initial response: %w", err)
	}

	for {
		req, err := b.ReadRequest()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := b.HandleRequest(ctx, req); err != nil {
			return fmt.Errorf("failed to handle request: %w", err)
		}
		if req.Command == CmdClose {
			return nil
		}
	}
}
