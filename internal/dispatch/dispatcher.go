// Package dispatch runs the polling dispatcher over the task queue: on each
// tick it claims due tasks and executes the GENERATE and SEND handlers,
// applying the shared retry policy on failure and chaining GENERATE -> SEND
// on success.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fieldhub/outreach/internal/compose"
	"github.com/fieldhub/outreach/internal/lifecycle"
	"github.com/fieldhub/outreach/internal/messaging"
	"github.com/fieldhub/outreach/internal/schedule"
	"github.com/fieldhub/outreach/internal/storage"
)

// Retry policy: a task that fails with retry_count already at the ceiling
// becomes terminally FAILED; below it, the next attempt waits 2^retry_count
// minutes (2, 4, 8, 16, 32).
const maxRetries = 5

func backoffDelay(retryCount int) time.Duration {
	return time.Duration(1<<retryCount) * time.Minute
}

// errVendorIneligible marks a SEND abandoned because the vendor left the
// pipeline after the task was scheduled. The task completes without
// delivering anything.
var errVendorIneligible = errors.New("vendor no longer eligible for outreach")

// TaskStore abstracts the queue and vendor operations the dispatcher needs.
type TaskStore interface {
	DueTasks(now time.Time, limit int) ([]storage.Task, error)
	ClaimTask(id string, now time.Time) (bool, error)
	CompleteTask(id string, now time.Time) error
	CompleteTaskWithNote(id string, now time.Time, note string) error
	RetryTask(id string, retryCount int, scheduledAt time.Time, errMsg string, now time.Time) error
	FailTask(id string, retryCount int, errMsg string, now time.Time) error
	ReclaimStalledTasks(cutoff time.Time, maxRetries int, now time.Time) (int, error)
	EnqueueTask(t storage.Task) (storage.Task, bool, error)
	GetVendor(id string) (storage.Vendor, error)
	AppendActivity(a storage.Activity) (storage.Activity, error)
}

// ContentGenerator abstracts the content-generation collaborator.
type ContentGenerator interface {
	Draft(ctx context.Context, v storage.Vendor, channel string) (compose.Draft, error)
}

// Deliverer abstracts the outbound messaging channel.
type Deliverer interface {
	Deliver(ctx context.Context, m messaging.Message) error
}

// SendMarker records send completion on the vendor record.
type SendMarker interface {
	MarkSent(ctx context.Context, vendorID, channel string, sentAt time.Time) error
}

// Config tunes the dispatcher loop. Zero values fall back to defaults.
type Config struct {
	Tick           time.Duration // poll interval, default 1 minute
	BatchSize      int           // due tasks fetched per tick, default 20
	Workers        int           // concurrent handlers per tick, default 4
	HandlerTimeout time.Duration // per-handler deadline, default 30s
	StaleAfter     time.Duration // claim age treated as a dead dispatcher, default 10m
}

func (c *Config) applyDefaults() {
	if c.Tick <= 0 {
		c.Tick = time.Minute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 20
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.HandlerTimeout <= 0 {
		c.HandlerTimeout = 30 * time.Second
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 10 * time.Minute
	}
}

// Dispatcher claims and executes due outreach tasks.
type Dispatcher struct {
	store   TaskStore
	gen     ContentGenerator
	deliver Deliverer
	marker  SendMarker
	hours   schedule.Window
	cfg     Config
	logger  *slog.Logger
}

// New creates a Dispatcher with the given dependencies.
func New(store TaskStore, gen ContentGenerator, deliverer Deliverer, marker SendMarker, hours schedule.Window, cfg Config) *Dispatcher {
	cfg.applyDefaults()
	return &Dispatcher{
		store:   store,
		gen:     gen,
		deliver: deliverer,
		marker:  marker,
		hours:   hours,
		cfg:     cfg,
		logger:  slog.Default(),
	}
}

// Run ticks until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.Tick)
	defer ticker.Stop()

	d.logger.Info("dispatcher started", "tick", d.cfg.Tick, "batch", d.cfg.BatchSize)

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopped")
			return
		case <-ticker.C:
			if _, err := d.RunTick(ctx, time.Now().UTC()); err != nil {
				d.logger.Error("dispatcher tick failed", "error", err)
			}
		}
	}
}

// RunTick runs one dispatch cycle at now: reclaim stalled claims, fetch the
// due batch, and execute each task. Task failures never abort the batch.
// It returns how many tasks were executed.
func (d *Dispatcher) RunTick(ctx context.Context, now time.Time) (int, error) {
	reclaimed, err := d.store.ReclaimStalledTasks(now.Add(-d.cfg.StaleAfter), maxRetries, now)
	if err != nil {
		return 0, fmt.Errorf("reclaiming stalled tasks: %w", err)
	}
	if reclaimed > 0 {
		d.logger.Warn("reclaimed stalled tasks", "count", reclaimed)
	}

	due, err := d.store.DueTasks(now, d.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("fetching due tasks: %w", err)
	}

	var processed int
	g := &errgroup.Group{}
	g.SetLimit(d.cfg.Workers)
	results := make([]bool, len(due))

	for i, task := range due {
		g.Go(func() error {
			claimed, err := d.store.ClaimTask(task.ID, now)
			if err != nil {
				d.logger.Error("claim failed", "task_id", task.ID, "error", err)
				return nil
			}
			if !claimed {
				// Another tick got here first.
				return nil
			}
			results[i] = true
			d.runTask(ctx, task, now)
			return nil
		})
	}
	g.Wait()

	for _, ran := range results {
		if ran {
			processed++
		}
	}
	return processed, nil
}

// runTask executes one claimed task and settles its final status for this
// attempt. Errors are absorbed here: one task must never take down the tick.
func (d *Dispatcher) runTask(ctx context.Context, task storage.Task, now time.Time) {
	handlerCtx, cancel := context.WithTimeout(ctx, d.cfg.HandlerTimeout)
	defer cancel()

	var err error
	switch task.Type {
	case storage.TaskGenerate:
		err = d.handleGenerate(handlerCtx, task, now)
	case storage.TaskSend:
		err = d.handleSend(handlerCtx, task, now)
	default:
		err = fmt.Errorf("unknown task type %q", task.Type)
	}

	switch {
	case err == nil:
		if err := d.store.CompleteTask(task.ID, now); err != nil {
			d.logger.Error("completing task failed", "task_id", task.ID, "error", err)
		}
		d.logger.Info("task completed", "task_id", task.ID, "type", task.Type, "vendor_id", task.VendorID)

	case errors.Is(err, errVendorIneligible):
		if err := d.store.CompleteTaskWithNote(task.ID, now, "skipped: "+err.Error()); err != nil {
			d.logger.Error("completing skipped task failed", "task_id", task.ID, "error", err)
		}
		d.logger.Info("task skipped", "task_id", task.ID, "vendor_id", task.VendorID)

	default:
		d.retryOrFail(task, err, now)
	}
}

// retryOrFail applies the shared retry policy to a failed attempt.
func (d *Dispatcher) retryOrFail(task storage.Task, cause error, now time.Time) {
	count := task.RetryCount + 1
	if count > maxRetries {
		if err := d.store.FailTask(task.ID, count, cause.Error(), now); err != nil {
			d.logger.Error("failing task failed", "task_id", task.ID, "error", err)
			return
		}
		d.logger.Error("task failed permanently, needs manual follow-up",
			"task_id", task.ID, "type", task.Type, "vendor_id", task.VendorID, "error", cause)
		return
	}

	next := now.Add(backoffDelay(count))
	if err := d.store.RetryTask(task.ID, count, next, cause.Error(), now); err != nil {
		d.logger.Error("rescheduling task failed", "task_id", task.ID, "error", err)
		return
	}
	d.logger.Warn("task attempt failed, retrying",
		"task_id", task.ID, "type", task.Type, "retry", count, "next_attempt", next, "error", cause)
}

// handleGenerate runs the content-generation collaborator for a vendor and,
// on success, schedules the chained SEND inside the business-hours window.
func (d *Dispatcher) handleGenerate(ctx context.Context, task storage.Task, now time.Time) error {
	var payload storage.GeneratePayload
	if err := json.Unmarshal([]byte(task.Metadata), &payload); err != nil {
		return fmt.Errorf("parsing generate payload: %w", err)
	}
	vendor := payload.Vendor

	// The snapshot drives the content; the live record decides whether the
	// vendor is still worth contacting at all.
	fresh, err := d.store.GetVendor(task.VendorID)
	if err != nil {
		return fmt.Errorf("loading vendor %s: %w", task.VendorID, err)
	}
	if fresh.Status != lifecycle.StatusQualified {
		return fmt.Errorf("%w: status is %s", errVendorIneligible, fresh.Status)
	}

	channel, address, ok := messaging.PreferredChannel(vendor.Phone, vendor.Email)
	if !ok {
		return fmt.Errorf("vendor %s has no contact info", task.VendorID)
	}

	draft, err := d.gen.Draft(ctx, vendor, channel)
	if err != nil {
		return err
	}

	meta, _ := json.Marshal(map[string]string{"channel": channel})
	if _, err := d.store.AppendActivity(storage.Activity{
		VendorID:    task.VendorID,
		Type:        storage.ActivityOutreachQueued,
		Description: draft.Content,
		Metadata:    string(meta),
		CreatedAt:   now,
	}); err != nil {
		return fmt.Errorf("recording draft: %w", err)
	}

	slot := d.hours.NextSlot(schedule.TierFor(vendor.Urgent), now)
	sendPayload, err := json.Marshal(storage.SendPayload{
		Channel: channel,
		Address: address,
		Content: draft.Content,
	})
	if err != nil {
		return fmt.Errorf("marshaling send payload: %w", err)
	}

	if _, _, err := d.store.EnqueueTask(storage.Task{
		VendorID:    task.VendorID,
		Type:        storage.TaskSend,
		ScheduledAt: slot,
		Metadata:    string(sendPayload),
	}); err != nil {
		return fmt.Errorf("enqueuing send task: %w", err)
	}

	d.logger.Info("draft generated", "vendor_id", task.VendorID, "channel", channel, "send_at", slot)
	return nil
}

// handleSend delivers previously generated content. The vendor's live status
// is re-checked immediately before delivery: a vendor rejected after the SEND
// was scheduled is skipped, not messaged.
func (d *Dispatcher) handleSend(ctx context.Context, task storage.Task, now time.Time) error {
	vendor, err := d.store.GetVendor(task.VendorID)
	if err != nil {
		return fmt.Errorf("loading vendor %s: %w", task.VendorID, err)
	}
	if vendor.Status != lifecycle.StatusQualified || vendor.OutreachStatus != lifecycle.OutreachPending {
		return fmt.Errorf("%w: status is %s, outreach %s", errVendorIneligible, vendor.Status, vendor.OutreachStatus)
	}

	var payload storage.SendPayload
	if err := json.Unmarshal([]byte(task.Metadata), &payload); err != nil {
		return fmt.Errorf("parsing send payload: %w", err)
	}

	if err := d.deliver.Deliver(ctx, messaging.Message{
		Channel: payload.Channel,
		Address: payload.Address,
		Content: payload.Content,
	}); err != nil {
		return err
	}

	meta, _ := json.Marshal(map[string]string{"channel": payload.Channel, "address": payload.Address})
	if _, err := d.store.AppendActivity(storage.Activity{
		VendorID:    task.VendorID,
		Type:        storage.ActivityOutreachSent,
		Description: payload.Content,
		Metadata:    string(meta),
		CreatedAt:   now,
	}); err != nil {
		return fmt.Errorf("recording send: %w", err)
	}

	if err := d.marker.MarkSent(ctx, task.VendorID, payload.Channel, now); err != nil {
		return fmt.Errorf("marking vendor sent: %w", err)
	}

	d.logger.Info("outreach sent", "vendor_id", task.VendorID, "channel", payload.Channel)
	return nil
}
