package plugit

import (
	"fmt"
	"io"
	"mime/multipart"
	"os"
	"path/filepath"
	"sort"
)

// File is an uploaded file already spooled to disk by the host.
type File struct {
	// Field is the form field name the server expects.
	Field string
	// Name is the original file name sent to the server.
	Name string
	// Path is the temporary file holding the content.
	Path string
}

// multipartUpload streams a multipart/form-data body through a pipe, so file
// contents are read from disk as the transport consumes them rather than
// loaded into memory. The length is known up front so the body is sent with
// a Content-Length instead of chunked.
type multipartUpload struct {
	pr     *io.PipeReader
	mw     *multipart.Writer
	length int64
}

// newMultipartUpload opens every file up front so a missing file fails the
// call before anything is sent. The handles are closed by the writer
// goroutine once it finishes, whatever the outcome.
func newMultipartUpload(form map[string][]string, files []File) (*multipartUpload, error) {
	handles := make([]*os.File, 0, len(files))
	for _, f := range files {
		h, err := os.Open(f.Path)
		if err != nil {
			for _, opened := range handles {
				opened.Close()
			}
			return nil, fmt.Errorf("plugit: failed to open upload %q: %w", f.Name, err)
		}
		handles = append(handles, h)
	}
	closeAll := func() {
		for _, h := range handles {
			h.Close()
		}
	}

	sizes := make([]int64, len(handles))
	for i, h := range handles {
		info, err := h.Stat()
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("plugit: failed to stat upload %q: %w", files[i].Name, err)
		}
		sizes[i] = info.Size()
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	length, err := multipartLength(mw.Boundary(), form, files, sizes)
	if err != nil {
		closeAll()
		return nil, err
	}
	go func() {
		defer closeAll()
		pw.CloseWithError(writeMultipart(mw, form, files, handles))
	}()
	return &multipartUpload{pr: pr, mw: mw, length: length}, nil
}

// Body is the request body. The transport closing it stops the writer.
func (u *multipartUpload) Body() io.ReadCloser { return u.pr }

func (u *multipartUpload) ContentType() string { return u.mw.FormDataContentType() }

// Length is the exact size of the body in bytes.
func (u *multipartUpload) Length() int64 { return u.length }

// multipartLength writes the framing alone, with the same boundary, and adds
// the file sizes.
func multipartLength(boundary string, form map[string][]string, files []File, sizes []int64) (int64, error) {
	var cw countingWriter
	mw := multipart.NewWriter(&cw)
	if err := mw.SetBoundary(boundary); err != nil {
		return 0, fmt.Errorf("plugit: failed to size upload: %w", err)
	}
	if err := writeMultipart(mw, form, files, nil); err != nil {
		return 0, fmt.Errorf("plugit: failed to size upload: %w", err)
	}
	length := cw.n
	for _, size := range sizes {
		length += size
	}
	return length, nil
}

type countingWriter struct {
	n int64
}

func (w *countingWriter) Write(p []byte) (int, error) {
	w.n += int64(len(p))
	return len(p), nil
}

// writeMultipart writes the form fields then the files. With nil handles only
// the part headers are written.
func writeMultipart(mw *multipart.Writer, form map[string][]string, files []File, handles []*os.File) error {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, v := range form[k] {
			if err := mw.WriteField(k, v); err != nil {
				return fmt.Errorf("failed to write field %q: %w", k, err)
			}
		}
	}

	for i, f := range files {
		name := f.Name
		if name == "" {
			name = filepath.Base(f.Path)
		}
		part, err := mw.CreateFormFile(f.Field, name)
		if err != nil {
			return fmt.Errorf("failed to start file part %q: %w", f.Field, err)
		}
		if handles == nil {
			continue
		}
		if _, err := io.Copy(part, handles[i]); err != nil {
			return fmt.Errorf("failed to stream %q: %w", name, err)
		}
	}
	return mw.Close()
}
