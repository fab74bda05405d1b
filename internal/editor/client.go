package editor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultFilename is used when a download carries no usable Content-Disposition.
const DefaultFilename = "email-template.html"

// RemoteError is a non-2xx answer from the builder API.
type RemoteError struct {
	Status  int
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("builder API returned %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("builder API returned %d: %s", e.Status, e.Message)
}

// IBuilderClient is the part of the builder API a Session drives.
type IBuilderClient interface {
	UploadImage(ctx context.Context, filename, contentType string, data io.Reader) (string, error)
	SaveConfig(ctx context.Context, draft Draft) (int64, error)
	RenderAndDownload(ctx context.Context, draft Draft) (*Download, error)
}

// Client talks to the builder HTTP API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new Client. timeout bounds each whole request.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

type draftBody struct {
	Title    string `json:"title"`
	Content  string `json:"content"`
	ImageURL string `json:"imageUrl"`
}

func bodyOf(d Draft) draftBody {
	return draftBody{Title: d.Title, Content: d.Content, ImageURL: d.ImageURL}
}

// UploadImage posts data as the multipart field "image" and returns the stored URL.
func (c *Client) UploadImage(ctx context.Context, filename, contentType string, data io.Reader) (string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", mime.FormatMediaType("form-data", map[string]string{"name": "image", "filename": filename}))
	header.Set("Content-Type", contentType)
	part, err := writer.CreatePart(header)
	if err != nil {
		return "", fmt.Errorf("failed to create upload part: %w", err)
	}
	if _, err := io.Copy(part, data); err != nil {
		return "", fmt.Errorf("failed to read image '%s': %w", filename, err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("failed to finish upload body: %w", err)
	}

	var out struct {
		ImageURL string `json:"imageUrl"`
	}
	if err := c.doJSON(ctx, "/uploadImage", writer.FormDataContentType(), &buf, &out); err != nil {
		return "", err
	}
	if out.ImageURL == "" {
		return "", fmt.Errorf("upload response did not include an imageUrl")
	}
	return out.ImageURL, nil
}

// SaveConfig appends draft to the server's config log and returns its id.
func (c *Client) SaveConfig(ctx context.Context, draft Draft) (int64, error) {
	payload, err := json.Marshal(bodyOf(draft))
	if err != nil {
		return 0, fmt.Errorf("failed to encode config: %w", err)
	}
	var out struct {
		Message string `json:"message"`
		ID      int64  `json:"id"`
	}
	if err := c.doJSON(ctx, "/uploadEmailConfig", "application/json", bytes.NewReader(payload), &out); err != nil {
		return 0, err
	}
	logrus.WithField("id", out.ID).Debug(out.Message)
	return out.ID, nil
}

// RenderAndDownload renders draft on the server and returns the attachment.
func (c *Client) RenderAndDownload(ctx context.Context, draft Draft) (*Download, error) {
	payload, err := json.Marshal(bodyOf(draft))
	if err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}
	resp, err := c.post(ctx, "/renderAndDownloadTemplate", "application/json", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read rendered template: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, remoteError(resp.StatusCode, body)
	}
	return &Download{Filename: attachmentName(resp.Header.Get("Content-Disposition")), Body: body}, nil
}

func (c *Client) post(ctx context.Context, path, contentType string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request for %s: %w", path, err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to contact builder API at %s: %w", path, err)
	}
	return resp, nil
}

func (c *Client) doJSON(ctx context.Context, path, contentType string, body io.Reader, out interface{}) error {
	resp, err := c.post(ctx, path, contentType, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response from %s: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		return remoteError(resp.StatusCode, raw)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to parse response from %s: %w", path, err)
	}
	return nil
}

func remoteError(status int, body []byte) *RemoteError {
	var apiErr struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	if err := json.Unmarshal(body, &apiErr); err != nil || apiErr.Error == "" {
		return &RemoteError{Status: status, Message: strings.TrimSpace(string(body))}
	}
	return &RemoteError{Status: status, Code: apiErr.Code, Message: apiErr.Error}
}

func attachmentName(disposition string) string {
	_, params, err := mime.ParseMediaType(disposition)
	if err != nil || params["filename"] == "" {
		return DefaultFilename
	}
	return params["filename"]
}
