package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"

	"courier/internal/models"
)

// ProgressFunc receives transfer progress as a percentage, 0-100.
type ProgressFunc func(percent int)

// UploadFile sends one file to the content API as a multipart form and
// returns the server-assigned attachment record. Transfer progress is
// reported through onProgress as the request body is consumed; onProgress
// may be nil.
func (c *Client) UploadFile(ctx context.Context, filename, mimetype string, r io.Reader, onProgress ProgressFunc) (*models.Attachment, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	hdr := make(textproto.MIMEHeader)
	hdr.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, escapeQuotes(filename)))
	if mimetype == "" {
		mimetype = "application/octet-stream"
	}
	hdr.Set("Content-Type", mimetype)

	part, err := w.CreatePart(hdr)
	if err != nil {
		return nil, &NetworkError{Err: err}
	}
	if _, err := io.Copy(part, r); err != nil {
		return nil, &NetworkError{Err: fmt.Errorf("read file %s: %w", filename, err)}
	}
	if err := w.Close(); err != nil {
		return nil, &NetworkError{Err: err}
	}

	body := &progressReader{r: &buf, total: int64(buf.Len()), report: onProgress}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/contents/file-content/", body)
	if err != nil {
		return nil, &NetworkError{Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.ContentLength = body.total

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &NetworkError{Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{Err: err}
	}
	if resp.StatusCode != http.StatusCreated {
		return nil, &StatusError{Status: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}

	var uploaded models.Attachment
	if err := json.Unmarshal(respBody, &uploaded); err != nil {
		return nil, &NetworkError{Err: fmt.Errorf("decode upload response: %w", err)}
	}
	c.log.Debug("file uploaded",
		slog.String("filename", uploaded.Filename),
		slog.Uint64("id", uint64(uploaded.ID)))
	return &uploaded, nil
}

func escapeQuotes(s string) string {
	return strings.NewReplacer("\\", "\\\\", `"`, `\"`).Replace(s)
}

// progressReader reports consumption of the request body as a percentage.
type progressReader struct {
	r      io.Reader
	total  int64
	sent   int64
	last   int
	report ProgressFunc
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.sent += int64(n)
	if p.report != nil && p.total > 0 {
		pct := int(p.sent * 100 / p.total)
		if pct > 100 {
			pct = 100
		}
		if pct != p.last {
			p.last = pct
			p.report(pct)
		}
	}
	return n, err
}
