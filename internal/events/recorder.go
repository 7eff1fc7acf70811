// Package events builds and persists the job history events that form the
// audit trail of every job.
package events

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/ChuLiYu/tapis-jobs/internal/recoverable"
	"github.com/ChuLiYu/tapis-jobs/internal/storage"
	"github.com/ChuLiYu/tapis-jobs/pkg/types"
)

var logger = log.WithField("component", "events")

// Recorder appends history events through the store. Every method takes an
// optional transaction; with a nil tx the event commits on its own.
type Recorder struct {
	store storage.EventAppender
	now   func() time.Time
}

// NewRecorder creates a recorder writing to store.
func NewRecorder(store storage.EventAppender) *Recorder {
	return &Recorder{store: store, now: func() time.Time { return time.Now().UTC() }}
}

// RecordStatusEvent records a NEW_STATUS event. oldStatus may be nil for the
// first status of a job.
func (r *Recorder) RecordStatusEvent(ctx context.Context, tx storage.Tx, job *types.Job,
	newStatus types.JobStatus, oldStatus *types.JobStatus) (types.JobEvent, error) {
	descr := types.EventNewStatus.Description() + string(newStatus)
	if oldStatus != nil {
		descr += " The previous job status was " + string(*oldStatus) + "."
	}
	return r.append(ctx, tx, types.JobEvent{
		JobUUID:     job.UUID,
		EventType:   types.EventNewStatus,
		Status:      newStatus,
		Description: descr,
	})
}

// RecordStagingInputsEvent records the Files transaction started for the
// job's inputs.
func (r *Recorder) RecordStagingInputsEvent(ctx context.Context, tx storage.Tx, job *types.Job,
	transferID string) (types.JobEvent, error) {
	return r.recordTransfer(ctx, tx, job, types.EventInputTransactionID, transferID)
}

// RecordArchivingEvent records the Files transaction started for the job's
// outputs.
func (r *Recorder) RecordArchivingEvent(ctx context.Context, tx storage.Tx, job *types.Job,
	transferID string) (types.JobEvent, error) {
	return r.recordTransfer(ctx, tx, job, types.EventArchiveTransactionID, transferID)
}

// RecordErrorEvent records an ERROR_MESSAGE event carrying the numbered
// message stack.
func (r *Recorder) RecordErrorEvent(ctx context.Context, tx storage.Tx, job *types.Job,
	status types.JobStatus, messages []string) (types.JobEvent, error) {
	descr := types.EventErrorMessage.Description() +
		" The error message stack is: [" + recoverable.NumberedMessages(messages) + "]"
	return r.append(ctx, tx, types.JobEvent{
		JobUUID:     job.UUID,
		EventType:   types.EventErrorMessage,
		Status:      status,
		Description: descr,
	})
}

func (r *Recorder) recordTransfer(ctx context.Context, tx storage.Tx, job *types.Job,
	eventType types.JobEventType, transferID string) (types.JobEvent, error) {
	return r.append(ctx, tx, types.JobEvent{
		JobUUID:     job.UUID,
		EventType:   eventType,
		Status:      job.Status,
		OthUUID:     transferID,
		Description: eventType.Description() + " The Files service transaction id is " + transferID + ".",
	})
}

func (r *Recorder) append(ctx context.Context, tx storage.Tx, ev types.JobEvent) (types.JobEvent, error) {
	ev.Created = r.now()
	stored, err := r.store.AppendEvent(ctx, tx, ev)
	if err != nil {
		return types.JobEvent{}, errors.Wrapf(err, "record %s event for job %s", ev.EventType, ev.JobUUID)
	}
	logger.WithFields(log.Fields{
		"job":    stored.JobUUID,
		"event":  stored.EventType,
		"status": stored.Status,
		"seq":    stored.Seq,
	}).Debug("Event recorded")
	return stored, nil
}
