package tasks

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"greendrake/emailbuilder/internal/models"
)

// Dispatcher hands work to the background queue, or runs it inline when no
// queue is configured.
type Dispatcher struct {
	client    IAsynqClient // nil when Redis is not configured
	processor *TaskProcessor
	previews  bool
}

// NewDispatcher creates a Dispatcher. previews enables asset preview tasks.
func NewDispatcher(client IAsynqClient, processor *TaskProcessor, previews bool) *Dispatcher {
	return &Dispatcher{client: client, processor: processor, previews: previews}
}

// SendTestEmail queues a test email. It reports whether the email was queued (true)
// or delivered inline (false).
func (d *Dispatcher) SendTestEmail(ctx context.Context, to string) (bool, error) {
	if d.client == nil {
		return false, d.processor.DeliverTestEmail(ctx, to)
	}
	task, err := NewEmailDeliveryTask(to)
	if err != nil {
		return false, err
	}
	info, err := d.client.EnqueueContext(ctx, task)
	if err != nil {
		return false, fmt.Errorf("failed to enqueue test email: %w", err)
	}
	logrus.WithFields(logrus.Fields{"task_id": info.ID, "to": to}).Info("Test email queued")
	return true, nil
}

// GeneratePreview queues a preview for asset. It is a no-op without a queue or
// without local asset storage.
func (d *Dispatcher) GeneratePreview(ctx context.Context, asset *models.Asset) error {
	if d.client == nil || !d.previews {
		return nil
	}
	task, err := NewAssetPreviewTask(asset.Name)
	if err != nil {
		return err
	}
	if _, err := d.client.EnqueueContext(ctx, task); err != nil {
		return fmt.Errorf("failed to enqueue asset preview: %w", err)
	}
	return nil
}
