package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"hypoline/internal/attachments"
	"hypoline/internal/domain"
	"hypoline/internal/events"
	"hypoline/internal/workflow"
)

var ErrNoBlobStore = errors.New("attachment storage is not configured")

// AttachFile uploads body and references it from the stage. The blob is removed
// again when the case update fails.
func (e *Engine) AttachFile(ctx context.Context, actor string, id, idx int, name, contentType string, body io.Reader) (domain.Case, domain.Attachment, error) {
	if e.Blobs == nil {
		return domain.Case{}, domain.Attachment{}, ErrNoBlobStore
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.Case{}, domain.Attachment{}, fmt.Errorf("%w: attachment name is required", ErrInvalidInput)
	}
	if _, err := e.Store.Get(ctx, id); err != nil {
		return domain.Case{}, domain.Attachment{}, err
	}
	key := attachments.NewKey()
	if err := e.Blobs.Put(ctx, key, body, contentType); err != nil {
		return domain.Case{}, domain.Attachment{}, fmt.Errorf("store attachment: %w", err)
	}
	att := domain.Attachment{ID: key, Name: name, Type: contentType, URL: e.Blobs.URL(key)}
	c, err := e.mutate(ctx, actor, id, mutation{
		op:          "attach",
		evtType:     events.AttachmentAdded,
		stageIdx:    &idx,
		description: "attachment added",
		payload:     events.EventPayload{"attachment_id": key, "name": name},
		apply: func(c domain.Case, now time.Time) (domain.Case, error) {
			return workflow.AddAttachment(c, idx, att, actor, now)
		},
	})
	if err != nil {
		if derr := e.Blobs.Delete(ctx, key); derr != nil {
			e.Logger.Warn("cleanup attachment failed", "key", key, "err", derr)
		}
		return domain.Case{}, domain.Attachment{}, err
	}
	return c, att, nil
}

// DetachFile drops the reference from the stage. The blob is kept so undo can
// bring the attachment back.
func (e *Engine) DetachFile(ctx context.Context, actor string, id, idx int, attID string) (domain.Case, error) {
	return e.mutate(ctx, actor, id, mutation{
		op:          "detach",
		evtType:     events.AttachmentRemoved,
		stageIdx:    &idx,
		description: "attachment removed",
		payload:     events.EventPayload{"attachment_id": attID},
		apply: func(c domain.Case, now time.Time) (domain.Case, error) {
			out, _, err := workflow.RemoveAttachment(c, idx, attID, actor, now)
			if err != nil {
				return c, fmt.Errorf("%w: %v", ErrInvalidInput, err)
			}
			return out, nil
		},
	})
}

// OpenAttachment streams an attachment referenced by the stage.
func (e *Engine) OpenAttachment(ctx context.Context, id, idx int, attID string) (domain.Attachment, io.ReadCloser, error) {
	if e.Blobs == nil {
		return domain.Attachment{}, nil, ErrNoBlobStore
	}
	c, err := e.Store.Get(ctx, id)
	if err != nil {
		return domain.Attachment{}, nil, err
	}
	if idx < 0 || idx >= len(c.Stages) {
		return domain.Attachment{}, nil, fmt.Errorf("%w: %d", workflow.ErrInvalidStageIndex, idx)
	}
	for _, a := range c.Stages[idx].Attachments {
		if a.ID != attID {
			continue
		}
		rc, err := e.Blobs.Open(ctx, a.ID)
		if err != nil {
			return a, nil, err
		}
		return a, rc, nil
	}
	return domain.Attachment{}, nil, fmt.Errorf("%w: attachment %s", attachments.ErrNotFound, attID)
}
