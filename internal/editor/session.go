// Package editor holds the client-side state of the template editor and drives the
// builder API on its behalf.
package editor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	// ErrBusy means another upload or save is still running.
	ErrBusy = errors.New("editor is busy")
	// ErrIncomplete means a save was attempted with an empty field.
	ErrIncomplete = errors.New("title, content and image are all required")
)

// State is the session's activity.
type State int

const (
	StateIdle State = iota
	StateUploading
	StateSaving
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateUploading:
		return "uploading"
	case StateSaving:
		return "saving"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Draft is the template being edited.
type Draft struct {
	Title    string
	Content  string
	ImageURL string
}

func (d Draft) missing() []string {
	var out []string
	if d.Title == "" {
		out = append(out, "title")
	}
	if d.Content == "" {
		out = append(out, "content")
	}
	if d.ImageURL == "" {
		out = append(out, "imageUrl")
	}
	return out
}

// Download is a rendered template ready to be written to disk.
type Download struct {
	Filename string
	Body     []byte
	ConfigID int64
}

// Session is one editor's state machine. Uploads and saves never overlap; the
// fields can be edited at any time.
type Session struct {
	mu      sync.Mutex
	state   State
	draft   Draft
	client  IBuilderClient
	timeout time.Duration
}

// NewSession creates an idle Session. timeout bounds each network call; zero
// leaves calls bounded only by ctx.
func NewSession(client IBuilderClient, timeout time.Duration) *Session {
	return &Session{client: client, timeout: timeout}
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Draft returns a copy of the current fields.
func (s *Session) Draft() Draft {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.draft
}

func (s *Session) SetTitle(title string) {
	s.mu.Lock()
	s.draft.Title = title
	s.mu.Unlock()
}

func (s *Session) SetContent(content string) {
	s.mu.Lock()
	s.draft.Content = content
	s.mu.Unlock()
}

// begin moves an idle session into next.
func (s *Session) begin(next State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateIdle {
		return fmt.Errorf("%w: %s", ErrBusy, s.state)
	}
	s.state = next
	return nil
}

func (s *Session) finish() {
	s.mu.Lock()
	s.state = StateIdle
	s.mu.Unlock()
}

func (s *Session) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

// PickImage uploads the image and, on success, makes its URL the draft's image.
func (s *Session) PickImage(ctx context.Context, filename string, data io.Reader) error {
	if err := s.begin(StateUploading); err != nil {
		return err
	}
	defer s.finish()

	contentType, data := detectContentType(filename, data)
	callCtx, cancel := s.callContext(ctx)
	defer cancel()

	url, err := s.client.UploadImage(callCtx, filepath.Base(filename), contentType, data)
	if err != nil {
		return fmt.Errorf("image upload failed: %w", err)
	}

	s.mu.Lock()
	s.draft.ImageURL = url
	s.mu.Unlock()
	logrus.WithField("url", url).Info("Image uploaded")
	return nil
}

// Save stores the draft on the server and then downloads it rendered. The two calls
// are independent: a failed download leaves the saved record in place.
func (s *Session) Save(ctx context.Context) (*Download, error) {
	draft := s.Draft()
	if missing := draft.missing(); len(missing) > 0 {
		return nil, fmt.Errorf("%w: missing %s", ErrIncomplete, strings.Join(missing, ", "))
	}
	if err := s.begin(StateSaving); err != nil {
		return nil, err
	}
	defer s.finish()

	saveCtx, cancelSave := s.callContext(ctx)
	id, err := s.client.SaveConfig(saveCtx, draft)
	cancelSave()
	if err != nil {
		return nil, fmt.Errorf("saving config failed: %w", err)
	}

	renderCtx, cancelRender := s.callContext(ctx)
	defer cancelRender()
	download, err := s.client.RenderAndDownload(renderCtx, draft)
	if err != nil {
		return nil, fmt.Errorf("config %d saved but download failed: %w", id, err)
	}
	download.ConfigID = id
	if download.Filename == "" {
		download.Filename = DefaultFilename
	}
	return download, nil
}

// detectContentType guesses the MIME type from the file extension and falls back
// to sniffing the first bytes. The returned reader replays the sniffed bytes.
func detectContentType(filename string, data io.Reader) (string, io.Reader) {
	if ct := mime.TypeByExtension(strings.ToLower(filepath.Ext(filename))); ct != "" {
		return ct, data
	}
	br := bufio.NewReaderSize(data, 512)
	head, _ := br.Peek(512)
	return http.DetectContentType(head), br
}
