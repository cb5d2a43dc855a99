// Package phmessage turns document-bearing report artifacts into versioned
// public-health message records.
package phmessage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/karflow/internal/lock"
	"github.com/rendis/karflow/internal/logging"
	"github.com/rendis/karflow/internal/processing"
	"github.com/rendis/karflow/internal/reports"
	"github.com/rendis/karflow/internal/store"
	"github.com/rendis/karflow/pkg/schema"
)

// PublicHealthMessage is the persisted record of one submitted document.
type PublicHealthMessage = store.PHMessage

// UnknownEncounter is recorded when the run was not triggered by an Encounter.
const UnknownEncounter = "Unknown"

// DefaultLockTTL bounds how long a version lock may be held.
const DefaultLockTTL = 30 * time.Second

// Persister stores report artifacts as immutable, versioned messages and
// copies each raw document payload to the configured sinks.
type Persister struct {
	store   store.Store
	locker  lock.Locker
	sinks   []Sink
	logger  *slog.Logger
	newID   func() string
	lockTTL time.Duration
}

// Option configures a Persister.
type Option func(*Persister)

// WithSink adds a raw payload sink.
func WithSink(s Sink) Option {
	return func(p *Persister) {
		if s != nil {
			p.sinks = append(p.sinks, s)
		}
	}
}

// WithIDGenerator overrides the message id generator.
func WithIDGenerator(fn func() string) Option {
	return func(p *Persister) { p.newID = fn }
}

// WithLockTTL overrides DefaultLockTTL.
func WithLockTTL(ttl time.Duration) Option {
	return func(p *Persister) { p.lockTTL = ttl }
}

// NewPersister creates a Persister. A nil locker falls back to an
// in-process KeyedMutex.
func NewPersister(st store.Store, locker lock.Locker, logger *slog.Logger, opts ...Option) *Persister {
	if locker == nil {
		locker = lock.NewKeyedMutex()
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Persister{
		store:   st,
		locker:  locker,
		logger:  logger,
		newID:   uuid.NewString,
		lockTTL: DefaultLockTTL,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Persist stores one message per DocumentReference in the artifact produced
// by action. Artifacts without documents are not persisted and yield no
// messages.
func (p *Persister) Persist(ctx context.Context, pc *processing.Context, action *schema.Action, art *reports.Artifact) ([]*PublicHealthMessage, error) {
	if art.Empty() || action == nil {
		return nil, nil
	}
	docRefs := art.DocumentReferences()
	if len(docRefs) == 0 {
		return nil, nil
	}

	bundle, err := json.Marshal(art.Bundle)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeReportFailed, "encode message bundle").WithCause(err)
	}
	header := art.MessageHeader()

	var out []*PublicHealthMessage
	for _, docRef := range docRefs {
		payload, ok := reports.Attachment(docRef)
		if !ok {
			p.logger.Warn("document reference without attachment",
				slog.String("doc_id", docRef.ID()))
			continue
		}

		msg := p.newMessage(pc, action, header, docRef, bundle, payload)
		if err := p.save(ctx, msg); err != nil {
			return out, err
		}

		dctx := logging.WithDocID(ctx, msg.SubmittedDataID)
		log := logging.LogWith(dctx, p.logger)

		name := fmt.Sprintf("%s_%s_%s.xml", action.Kind, reports.SubjectID(docRef), docRef.ID())
		meta := Meta{
			MessageID:     msg.ID,
			Version:       msg.SubmittedVersion,
			LogicalKey:    msg.Key().String(),
			CorrelationID: msg.CorrelationID,
			RequestID:     msg.RequestID,
		}
		for _, s := range p.sinks {
			if err := s.Write(dctx, name, payload, meta); err != nil {
				log.Warn("payload sink write failed",
					slog.String("sink", s.Name()),
					slog.String("file", name),
					slog.String("error", err.Error()))
			}
		}

		pc.SubmittedCdaData = msg.SubmittedCdaData
		pc.RecordMessage(msg.ID)
		log.Info("public health message stored",
			slog.String("message_id", msg.ID),
			slog.Int("version", msg.SubmittedVersion),
			slog.String("message_type", msg.SubmittedMessageType))
		out = append(out, msg)
	}
	return out, nil
}

// save writes the message while holding its logical key's lock. The store
// assigns the version inside its write transaction, so writers that do not
// share the lock still get distinct versions.
func (p *Persister) save(ctx context.Context, msg *PublicHealthMessage) error {
	key := msg.Key().String()
	unlock, err := p.locker.Lock(ctx, key, p.lockTTL)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "lock %s", key).WithCause(err)
	}
	defer func() {
		if err := unlock(context.WithoutCancel(ctx)); err != nil {
			p.logger.Warn("release version lock", slog.String("key", key), slog.String("error", err.Error()))
		}
	}()

	msg.SubmittedVersion = 0
	return p.store.SavePHMessage(ctx, msg)
}

func (p *Persister) newMessage(pc *processing.Context, action *schema.Action, header, docRef schema.Resource, bundle, payload []byte) *PublicHealthMessage {
	n := pc.Notification
	encounterID := UnknownEncounter
	if n.NotificationResourceType == "Encounter" {
		encounterID = n.NotificationResourceID
	}
	msg := &PublicHealthMessage{
		ID:                   p.newID(),
		RunID:                pc.RunID,
		FHIRServerBaseURL:    n.FHIRServerBaseURL,
		PatientID:            n.PatientID,
		EncounterID:          encounterID,
		NotifiedResourceID:   n.NotificationResourceID,
		NotifiedResourceType: n.NotificationResourceType,
		NotificationID:       n.ID,
		CorrelationID:        n.CorrelationID,
		RequestID:            n.RequestID,
		SubmittedFHIRData:    bundle,
		SubmittedCdaData:     string(payload),
		SubmittedDataID:      docRef.ID(),
		InitiatingAction:     string(action.Kind),
		KARUniqueID:          pc.KAR.VersionUniqueID(),
		TriggerMatchStatus:   pc.TriggerMatchStatus(),
	}
	if header != nil {
		msg.SubmittedMessageType = reports.EventCode(header)
		msg.SubmittedMessageID = header.ID()
	}
	return msg
}
