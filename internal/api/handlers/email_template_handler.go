package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"greendrake/emailbuilder/internal/models"
	"greendrake/emailbuilder/internal/services"
	"greendrake/emailbuilder/internal/storage"
	"greendrake/emailbuilder/internal/templating"
)

// DownloadFilename is the attachment name of rendered templates.
const DownloadFilename = "email-template.html"

const (
	imageFormField      = "image"
	defaultHistoryLimit = 20
	htmlContentType     = "text/html; charset=utf-8"
)

// ITaskDispatcher runs follow-up work for the template endpoints.
type ITaskDispatcher interface {
	SendTestEmail(ctx context.Context, to string) (queued bool, err error)
	GeneratePreview(ctx context.Context, asset *models.Asset) error
}

// EmailConfigRequest is the body of the save and render endpoints. All three keys
// must be present as strings; empty strings are allowed.
type EmailConfigRequest struct {
	Title    *string `json:"title"`
	Content  *string `json:"content"`
	ImageURL *string `json:"imageUrl"`
}

func (r *EmailConfigRequest) validate() error {
	var missing []string
	if r.Title == nil {
		missing = append(missing, "title")
	}
	if r.Content == nil {
		missing = append(missing, "content")
	}
	if r.ImageURL == nil {
		missing = append(missing, "imageUrl")
	}
	if len(missing) > 0 {
		return badRequest("Missing required fields: " + strings.Join(missing, ", "))
	}
	return nil
}

func (r *EmailConfigRequest) values() templating.Values {
	return templating.Values{Title: *r.Title, Content: *r.Content, ImageURL: *r.ImageURL}
}

// UploadImageResponse is returned by a successful upload.
type UploadImageResponse struct {
	ImageURL string `json:"imageUrl"`
}

// SaveEmailConfigResponse acknowledges a saved config.
type SaveEmailConfigResponse struct {
	Message string `json:"message"`
	ID      int64  `json:"id"`
}

// SendTestEmailRequest is the body of POST /sendTestEmail.
type SendTestEmailRequest struct {
	To string `json:"to"`
}

var emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)

// EmailTemplateHandler serves the template builder endpoints.
type EmailTemplateHandler struct {
	configs        services.IEmailConfigService
	layout         services.ILayoutService
	assets         storage.IAssetStore
	tasks          ITaskDispatcher
	uploadMaxBytes int64
}

// NewEmailTemplateHandler creates a new EmailTemplateHandler. uploadMaxBytes bounds
// the multipart body of uploads (0 for no bound); tasks may be nil.
func NewEmailTemplateHandler(
	configs services.IEmailConfigService,
	layout services.ILayoutService,
	assets storage.IAssetStore,
	tasks ITaskDispatcher,
	uploadMaxBytes int64,
) *EmailTemplateHandler {
	return &EmailTemplateHandler{
		configs:        configs,
		layout:         layout,
		assets:         assets,
		tasks:          tasks,
		uploadMaxBytes: uploadMaxBytes,
	}
}

// GetEmailLayout renders the latest saved config into the layout.
// Handles GET /getEmailLayout
func (h *EmailTemplateHandler) GetEmailLayout(c *gin.Context) {
	html, err := h.layout.RenderLatest(c.Request.Context())
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.Data(http.StatusOK, htmlContentType, []byte(html))
}

// UploadImage stores the multipart file field "image".
// Handles POST /uploadImage
func (h *EmailTemplateHandler) UploadImage(c *gin.Context) {
	if h.uploadMaxBytes > 0 {
		// Leave room for the multipart envelope; the store enforces the exact limit.
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.uploadMaxBytes+64*1024)
	}

	fileHeader, err := c.FormFile(imageFormField)
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			abortWithError(c, err)
			return
		}
		abortWithError(c, badRequest("No file uploaded"))
		return
	}

	file, err := fileHeader.Open()
	if err != nil {
		abortWithError(c, fmt.Errorf("failed to open uploaded file: %w", err))
		return
	}
	defer file.Close()

	contentType := fileHeader.Header.Get("Content-Type")
	asset, err := h.assets.Store(c.Request.Context(), file, fileHeader.Size, contentType, fileHeader.Filename)
	if err != nil {
		abortWithError(c, err)
		return
	}

	if h.tasks != nil {
		if err := h.tasks.GeneratePreview(c.Request.Context(), asset); err != nil {
			logrus.WithError(err).WithField("asset", asset.Name).Warn("Could not schedule asset preview")
		}
	}

	c.JSON(http.StatusOK, UploadImageResponse{ImageURL: asset.URL})
}

// UploadEmailConfig appends a config record.
// Handles POST /uploadEmailConfig
func (h *EmailTemplateHandler) UploadEmailConfig(c *gin.Context) {
	req, ok := bindEmailConfig(c)
	if !ok {
		return
	}

	id, err := h.configs.Append(c.Request.Context(), *req.Title, *req.Content, *req.ImageURL)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, SaveEmailConfigResponse{Message: "Email config saved successfully!", ID: id})
}

// RenderAndDownloadTemplate renders the request body into the layout and returns
// it as an attachment. Nothing is persisted.
// Handles POST /renderAndDownloadTemplate
func (h *EmailTemplateHandler) RenderAndDownloadTemplate(c *gin.Context) {
	req, ok := bindEmailConfig(c)
	if !ok {
		return
	}

	html, err := h.layout.Render(c.Request.Context(), req.values())
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.Header("Content-Disposition", "attachment; filename="+DownloadFilename)
	c.Data(http.StatusOK, htmlContentType, []byte(html))
}

// ListEmailConfigs returns recent configs, newest first.
// Handles GET /emailConfigs?limit=n
func (h *EmailTemplateHandler) ListEmailConfigs(c *gin.Context) {
	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > services.MaxHistoryLimit {
			abortWithError(c, badRequest(fmt.Sprintf("limit must be between 1 and %d", services.MaxHistoryLimit)))
			return
		}
		limit = n
	}

	records, err := h.configs.History(c.Request.Context(), limit)
	if err != nil {
		abortWithError(c, err)
		return
	}
	if records == nil {
		records = []models.EmailConfig{}
	}
	c.JSON(http.StatusOK, records)
}

// SendTestEmail mails the current template to one address.
// Handles POST /sendTestEmail
func (h *EmailTemplateHandler) SendTestEmail(c *gin.Context) {
	var req SendTestEmailRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, badRequest("Invalid request body"))
		return
	}
	req.To = strings.TrimSpace(req.To)
	if !emailRegex.MatchString(req.To) {
		abortWithError(c, badRequest("A valid 'to' address is required"))
		return
	}
	if h.tasks == nil {
		abortWithError(c, errors.New("test email delivery is not configured"))
		return
	}

	latest, err := h.configs.Latest(c.Request.Context())
	if err != nil {
		abortWithError(c, err)
		return
	}
	if latest == nil {
		abortWithError(c, services.ErrNoEmailConfig)
		return
	}

	queued, err := h.tasks.SendTestEmail(c.Request.Context(), req.To)
	if err != nil {
		abortWithError(c, err)
		return
	}
	message := "Test email sent."
	if queued {
		message = "Test email queued."
	}
	c.JSON(http.StatusAccepted, gin.H{"message": message, "queued": queued})
}

func bindEmailConfig(c *gin.Context) (*EmailConfigRequest, bool) {
	var req EmailConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, badRequest("Request body must be a JSON object with string fields title, content and imageUrl"))
		return nil, false
	}
	if err := req.validate(); err != nil {
		abortWithError(c, err)
		return nil, false
	}
	return &req, true
}
