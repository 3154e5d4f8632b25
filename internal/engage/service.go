// Package engage owns the vendor engagement triggers: manual approval,
// send completion, and inbound-reply classification. Every status mutation
// goes through the lifecycle state machine under an optimistic concurrency
// check, and is paired with exactly one STATUS_CHANGE activity.
package engage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fieldhub/outreach/internal/classify"
	"github.com/fieldhub/outreach/internal/lifecycle"
	"github.com/fieldhub/outreach/internal/messaging"
	"github.com/fieldhub/outreach/internal/storage"
)

// casAttempts bounds how often a trigger retries after losing a concurrent
// update race before giving up.
const casAttempts = 3

// contextDepth is how many prior activities are handed to the classifier.
const contextDepth = 10

// ReplyClassifier abstracts the message-classification collaborator.
type ReplyClassifier interface {
	Classify(ctx context.Context, v storage.Vendor, message string, previous []string) (classify.Result, error)
}

// Service applies engagement triggers to vendors.
type Service struct {
	store      *storage.Store
	classifier ReplyClassifier
	now        func() time.Time
	logger     *slog.Logger
}

// NewService creates a Service. Pass nil for now to use the wall clock.
func NewService(store *storage.Store, classifier ReplyClassifier, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{
		store:      store,
		classifier: classifier,
		now:        now,
		logger:     slog.Default(),
	}
}

// Approve qualifies a vendor for outreach: PENDING_REVIEW -> QUALIFIED.
// Outreach goes to PENDING and a GENERATE task is enqueued; when the vendor
// has neither phone nor email, outreach goes to NEEDS_CONTACT instead and no
// task is created. Approving again after contact info is filled in re-enters
// the pipeline through the same path.
func (s *Service) Approve(ctx context.Context, vendorID string, urgent bool) (storage.Vendor, error) {
	for attempt := 0; attempt < casAttempts; attempt++ {
		v, err := s.store.GetVendor(vendorID)
		if err != nil {
			return storage.Vendor{}, err
		}

		next, err := lifecycle.Next(v.Status, lifecycle.EventApproved)
		if err != nil {
			return storage.Vendor{}, err
		}

		outreach := lifecycle.OutreachPending
		if _, _, ok := messaging.PreferredChannel(v.Phone, v.Email); !ok {
			outreach = lifecycle.OutreachNeedsContact
		}

		now := s.now().UTC()
		upd := storage.VendorUpdate{Status: &next, OutreachStatus: &outreach, Urgent: &urgent}
		if err := s.store.UpdateVendorEngagement(vendorID, upd, v.StatusUpdatedAt, now); err != nil {
			if errors.Is(err, storage.ErrConflict) {
				continue
			}
			return storage.Vendor{}, err
		}

		// One STATUS_CHANGE per approval: the pipeline edge when it moved,
		// otherwise the outreach edge (re-approval exits NEEDS_CONTACT with
		// the pipeline status self-looping on QUALIFIED).
		switch {
		case next != v.Status:
			s.logStatusChange(v.ID, v.Status, next, "approval", now)
		case outreach != v.OutreachStatus:
			s.logStatusChange(v.ID, v.OutreachStatus, outreach, "approval", now)
		}

		v.Status = next
		v.OutreachStatus = outreach
		v.Urgent = urgent
		v.StatusUpdatedAt = now

		if outreach == lifecycle.OutreachNeedsContact {
			s.logger.Warn("vendor approved without contact info", "vendor_id", v.ID)
			return v, nil
		}

		payload, err := json.Marshal(storage.GeneratePayload{Vendor: v})
		if err != nil {
			return storage.Vendor{}, fmt.Errorf("marshaling generate payload: %w", err)
		}
		task, created, err := s.store.EnqueueTask(storage.Task{
			VendorID:    v.ID,
			Type:        storage.TaskGenerate,
			ScheduledAt: now,
			Metadata:    string(payload),
		})
		if err != nil {
			return storage.Vendor{}, fmt.Errorf("enqueuing generate task: %w", err)
		}
		if !created {
			s.logger.Info("duplicate approval collapsed onto existing task", "vendor_id", v.ID, "task_id", task.ID)
		}
		return v, nil
	}
	return storage.Vendor{}, fmt.Errorf("approving vendor %s: %w", vendorID, storage.ErrConflict)
}

// UpdateContact edits a vendor's phone, email, or notes. Nil fields are left
// as they are. This is how a vendor parked in NEEDS_CONTACT gets its details
// filled in before re-approval. Contact edits bump the concurrency token, so
// an engagement trigger racing this call re-reads the fresh details.
func (s *Service) UpdateContact(ctx context.Context, vendorID string, upd storage.ContactUpdate) (storage.Vendor, error) {
	for attempt := 0; attempt < casAttempts; attempt++ {
		v, err := s.store.GetVendor(vendorID)
		if err != nil {
			return storage.Vendor{}, err
		}

		now := s.now().UTC()
		if err := s.store.UpdateVendorContact(vendorID, upd, v.StatusUpdatedAt, now); err != nil {
			if errors.Is(err, storage.ErrConflict) {
				continue
			}
			return storage.Vendor{}, err
		}

		return s.store.GetVendor(vendorID)
	}
	return storage.Vendor{}, fmt.Errorf("updating contact for vendor %s: %w", vendorID, storage.ErrConflict)
}

// Reject moves a vendor to REJECTED (manual trigger).
func (s *Service) Reject(ctx context.Context, vendorID string) (storage.Vendor, error) {
	return s.applyEvent(vendorID, lifecycle.EventRejected, "manual")
}

// Activate moves a negotiating vendor to ACTIVE (manual trigger).
func (s *Service) Activate(ctx context.Context, vendorID string) (storage.Vendor, error) {
	return s.applyEvent(vendorID, lifecycle.EventActivated, "manual")
}

func (s *Service) applyEvent(vendorID string, event lifecycle.Event, trigger string) (storage.Vendor, error) {
	for attempt := 0; attempt < casAttempts; attempt++ {
		v, err := s.store.GetVendor(vendorID)
		if err != nil {
			return storage.Vendor{}, err
		}

		next, err := lifecycle.Next(v.Status, event)
		if err != nil {
			return storage.Vendor{}, err
		}
		if next == v.Status {
			return v, nil
		}

		now := s.now().UTC()
		if err := s.store.UpdateVendorEngagement(vendorID, storage.VendorUpdate{Status: &next}, v.StatusUpdatedAt, now); err != nil {
			if errors.Is(err, storage.ErrConflict) {
				continue
			}
			return storage.Vendor{}, err
		}

		s.logStatusChange(v.ID, v.Status, next, trigger, now)
		v.Status = next
		v.StatusUpdatedAt = now
		return v, nil
	}
	return storage.Vendor{}, fmt.Errorf("applying %s to vendor %s: %w", event, vendorID, storage.ErrConflict)
}

// MarkSent records send completion: outreach PENDING -> SENT with channel and
// time. The vendor's pipeline status is unchanged.
func (s *Service) MarkSent(ctx context.Context, vendorID, channel string, sentAt time.Time) error {
	for attempt := 0; attempt < casAttempts; attempt++ {
		v, err := s.store.GetVendor(vendorID)
		if err != nil {
			return err
		}
		if v.OutreachStatus != lifecycle.OutreachPending {
			return fmt.Errorf("vendor %s outreach is %s, not %s", vendorID, v.OutreachStatus, lifecycle.OutreachPending)
		}

		now := s.now().UTC()
		sent := lifecycle.OutreachSent
		upd := storage.VendorUpdate{OutreachStatus: &sent, OutreachChannel: &channel, OutreachSentAt: &sentAt}
		if err := s.store.UpdateVendorEngagement(vendorID, upd, v.StatusUpdatedAt, now); err != nil {
			if errors.Is(err, storage.ErrConflict) {
				continue
			}
			return err
		}

		s.logStatusChange(v.ID, lifecycle.OutreachPending, lifecycle.OutreachSent, "send_completed", now)
		return nil
	}
	return fmt.Errorf("marking vendor %s sent: %w", vendorID, storage.ErrConflict)
}

// RecordReply appends an inbound reply to the activity log, classifies it
// against the vendor's prior context, applies the mapped lifecycle event, and
// logs the AI-generated response. A reply that cannot be classified (or a
// classifier outage) leaves the vendor's status untouched but is still fully
// logged.
func (s *Service) RecordReply(ctx context.Context, vendorID, message string) (classify.Result, error) {
	v, err := s.store.GetVendor(vendorID)
	if err != nil {
		return classify.Result{}, err
	}

	if _, err := s.store.AppendActivity(storage.Activity{
		VendorID:    vendorID,
		Type:        storage.ActivityInboundReply,
		Description: message,
		CreatedAt:   s.now().UTC(),
	}); err != nil {
		return classify.Result{}, fmt.Errorf("recording inbound reply: %w", err)
	}

	previous, err := s.previousContext(vendorID)
	if err != nil {
		s.logger.Warn("loading reply context failed", "vendor_id", vendorID, "error", err)
	}

	res, err := s.classifier.Classify(ctx, v, message, previous)
	if err != nil {
		s.logger.Warn("reply classification failed, treating as UNKNOWN", "vendor_id", vendorID, "error", err)
		res = classify.Result{Intent: classify.IntentUnknown}
	}

	if event, ok := eventForIntent(res.Intent); ok {
		if err := s.applyReplyEvent(vendorID, event, res.Intent); err != nil {
			return classify.Result{}, err
		}
	}

	if res.Reply != "" {
		meta, _ := json.Marshal(map[string]string{"intent": res.Intent})
		if _, err := s.store.AppendActivity(storage.Activity{
			VendorID:    vendorID,
			Type:        storage.ActivityAIReply,
			Description: res.Reply,
			Metadata:    string(meta),
			CreatedAt:   s.now().UTC(),
		}); err != nil {
			return classify.Result{}, fmt.Errorf("recording AI reply: %w", err)
		}
	}

	return res, nil
}

// applyReplyEvent applies a classification-driven event. An edge that does
// not exist from the current status (terminal vendor, late reply) is a logged
// no-op, not an error: the reply itself stays on record either way.
func (s *Service) applyReplyEvent(vendorID string, event lifecycle.Event, intent string) error {
	for attempt := 0; attempt < casAttempts; attempt++ {
		v, err := s.store.GetVendor(vendorID)
		if err != nil {
			return err
		}

		next, err := lifecycle.Next(v.Status, event)
		if err != nil {
			if errors.Is(err, lifecycle.ErrInvalidTransition) {
				s.logger.Info("reply intent has no effect on vendor status",
					"vendor_id", vendorID, "status", v.Status, "intent", intent)
				return nil
			}
			return err
		}
		if next == v.Status {
			return nil
		}

		now := s.now().UTC()
		if err := s.store.UpdateVendorEngagement(vendorID, storage.VendorUpdate{Status: &next}, v.StatusUpdatedAt, now); err != nil {
			if errors.Is(err, storage.ErrConflict) {
				continue
			}
			return err
		}

		s.logStatusChange(vendorID, v.Status, next, intent, now)
		return nil
	}
	return fmt.Errorf("applying reply intent %s to vendor %s: %w", intent, vendorID, storage.ErrConflict)
}

func eventForIntent(intent string) (lifecycle.Event, bool) {
	switch intent {
	case classify.IntentInterested:
		return lifecycle.EventInterested, true
	case classify.IntentQuestion:
		return lifecycle.EventQuestion, true
	case classify.IntentNotInterested:
		return lifecycle.EventNotInterested, true
	default:
		return "", false
	}
}

// previousContext formats the vendor's recent activity for the classifier,
// oldest first. The activity log's per-vendor ordering is what makes this
// context coherent.
func (s *Service) previousContext(vendorID string) ([]string, error) {
	activities, err := s.store.ListActivities(vendorID, contextDepth)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(activities))
	for i := len(activities) - 1; i >= 0; i-- {
		a := activities[i]
		out = append(out, fmt.Sprintf("%s: %s", a.Type, a.Description))
	}
	return out, nil
}

func (s *Service) logStatusChange(vendorID, from, to, trigger string, at time.Time) {
	meta, _ := json.Marshal(map[string]string{"from": from, "to": to, "trigger": trigger})
	if _, err := s.store.AppendActivity(storage.Activity{
		VendorID:    vendorID,
		Type:        storage.ActivityStatusChange,
		Description: fmt.Sprintf("status changed from %s to %s", from, to),
		Metadata:    string(meta),
		CreatedAt:   at,
	}); err != nil {
		s.logger.Error("failed to append status change activity", "vendor_id", vendorID, "error", err)
	}
}
