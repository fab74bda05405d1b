package tasks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"github.com/nfnt/resize"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	_ "golang.org/x/image/webp"

	"greendrake/emailbuilder/internal/config"
	"greendrake/emailbuilder/internal/email"
	"greendrake/emailbuilder/internal/services"
)

// Task types.
const (
	TypeEmailDelivery = "email:deliver"
	TypeAssetPreview  = "asset:preview"
)

// Queue names.
const (
	QueueDefault = "default"
	QueueImages  = "images"
)

// PreviewSuffix is appended to an asset name to form its preview file name.
const PreviewSuffix = ".preview.jpg"

// IAsynqClient is the part of *asynq.Client used for enqueueing.
type IAsynqClient interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// --- Task Client (Enqueuing tasks) ---

func redisOpt(rdb *redis.Client) asynq.RedisClientOpt {
	opts := rdb.Options()
	return asynq.RedisClientOpt{Addr: opts.Addr, Password: opts.Password, DB: opts.DB}
}

// NewClient creates an asynq client on the same Redis as rdb.
func NewClient(rdb *redis.Client) *asynq.Client {
	return asynq.NewClient(redisOpt(rdb))
}

// EmailTaskPayload is the payload of TypeEmailDelivery.
type EmailTaskPayload struct {
	To string `json:"to"`
}

// AssetPreviewPayload is the payload of TypeAssetPreview.
type AssetPreviewPayload struct {
	Name string `json:"name"`
}

// NewEmailDeliveryTask builds a task that mails the current template to to.
func NewEmailDeliveryTask(to string) (*asynq.Task, error) {
	payload, err := json.Marshal(EmailTaskPayload{To: to})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeEmailDelivery, payload, asynq.Queue(QueueDefault), asynq.MaxRetry(5)), nil
}

// NewAssetPreviewTask builds a task that writes a preview for a stored asset.
func NewAssetPreviewTask(name string) (*asynq.Task, error) {
	payload, err := json.Marshal(AssetPreviewPayload{Name: name})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeAssetPreview, payload, asynq.Queue(QueueImages), asynq.MaxRetry(2), asynq.Timeout(time.Minute)), nil
}

// --- Task Server (Processing tasks) ---

// TaskProcessor handles the processing of tasks.
type TaskProcessor struct {
	cfg           *config.Config
	emailSender   email.Sender
	layoutService services.ILayoutService
	assetDir      string // empty when assets are not on local disk
}

// NewTaskProcessor creates a TaskProcessor.
func NewTaskProcessor(cfg *config.Config, emailSender email.Sender, layoutService services.ILayoutService, assetDir string) *TaskProcessor {
	return &TaskProcessor{
		cfg:           cfg,
		emailSender:   emailSender,
		layoutService: layoutService,
		assetDir:      assetDir,
	}
}

// SetupServer configures an asynq server and the mux of task handlers.
// The caller runs it.
func SetupServer(rdb *redis.Client, processor *TaskProcessor) (*asynq.Server, *asynq.ServeMux) {
	srv := asynq.NewServer(
		redisOpt(rdb),
		asynq.Config{
			Queues: map[string]int{
				QueueDefault: 3,
				QueueImages:  1,
			},
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				logrus.WithError(err).WithFields(logrus.Fields{
					"type":    task.Type(),
					"payload": string(task.Payload()),
				}).Error("Task failed")
			}),
		},
	)

	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeEmailDelivery, processor.HandleEmailDeliveryTask)
	mux.HandleFunc(TypeAssetPreview, processor.HandleAssetPreviewTask)
	return srv, mux
}

// --- Task Handlers ---

// HandleEmailDeliveryTask processes TypeEmailDelivery tasks.
func (p *TaskProcessor) HandleEmailDeliveryTask(ctx context.Context, t *asynq.Task) error {
	var payload EmailTaskPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal email task payload: %v: %w", err, asynq.SkipRetry)
	}
	err := p.DeliverTestEmail(ctx, payload.To)
	if errors.Is(err, services.ErrNoEmailConfig) {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	return err
}

// DeliverTestEmail renders the current template and mails it to one address.
func (p *TaskProcessor) DeliverTestEmail(ctx context.Context, to string) error {
	html, err := p.layoutService.RenderLatest(ctx)
	if err != nil {
		return fmt.Errorf("failed to render test email: %w", err)
	}

	subject := p.cfg.TestEmailSubject
	rawMessage := email.BuildHTMLMessage(p.cfg.SmtpFromAddress, []string{to}, subject, html, time.Now())
	if err := p.emailSender.Send(ctx, []string{to}, subject, rawMessage); err != nil {
		return fmt.Errorf("failed to send test email: %w", err)
	}

	logrus.WithField("to", to).Info("Test email delivered")
	return nil
}

// HandleAssetPreviewTask processes TypeAssetPreview tasks. The preview is a
// separate file; the uploaded original is only read.
func (p *TaskProcessor) HandleAssetPreviewTask(ctx context.Context, t *asynq.Task) error {
	var payload AssetPreviewPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal preview task payload: %v: %w", err, asynq.SkipRetry)
	}
	if p.assetDir == "" {
		return fmt.Errorf("asset previews need local storage: %w", asynq.SkipRetry)
	}

	name := filepath.Base(payload.Name)
	if name == "." || name == "/" || strings.HasSuffix(name, PreviewSuffix) {
		return fmt.Errorf("invalid asset name %q: %w", payload.Name, asynq.SkipRetry)
	}

	src := filepath.Join(p.assetDir, name)
	data, err := os.ReadFile(src)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("asset %s not found: %w", name, asynq.SkipRetry)
		}
		return fmt.Errorf("failed to read asset %s: %w", name, err)
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("unsupported image format or corrupt image %s: %v: %w", name, err, asynq.SkipRetry)
	}

	maxDim := uint(p.cfg.PreviewMaxDimension)
	preview := resize.Thumbnail(maxDim, maxDim, img, resize.Lanczos3)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, preview, &jpeg.Options{Quality: 85}); err != nil {
		return fmt.Errorf("failed to encode preview for %s: %w", name, err)
	}
	dst := src + PreviewSuffix
	if err := os.WriteFile(dst, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write preview %s: %w", dst, err)
	}

	logrus.WithFields(logrus.Fields{
		"asset":    name,
		"format":   format,
		"original": fmt.Sprintf("%dx%d", img.Bounds().Dx(), img.Bounds().Dy()),
		"preview":  fmt.Sprintf("%dx%d", preview.Bounds().Dx(), preview.Bounds().Dy()),
	}).Info("Asset preview written")
	return nil
}
