/*
Package notify provides the regulatory-notification outbox.

PURPOSE:
  Every approved document must be reported to the government registration
  bureau, but the bureau is an opaque remote system whose failures must
  never block or reverse an approval. The workflow therefore hands the
  notification to this outbox instead of awaiting the call inside the
  approval path.

DELIVERY MODEL:
  - Enqueue never blocks and never fails (a full queue drops to a
    direct background attempt)
  - A single worker drains the queue with bounded retries
  - A terminally failed delivery is appended to the document's free-text
    notes and logged; it does not resurface as an error anywhere

DELIVERY GUARANTEE:
  Best-effort, in-memory. Close drains the remaining queue with a single
  attempt per report and records anything still undeliverable on the
  document's notes. Duplicate (documentID, kind) reports are possible
  and the bureau interface is expected to tolerate them.

SEE ALSO:
  - workflow: The producer side (ApprovalNotifier)
*/
package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/verdant/market-engine/market"
)

// =============================================================================
// OUTBOX
// =============================================================================

// NoteAppender is the slice of the document store the outbox needs to
// record terminal delivery failures.
type NoteAppender interface {
	AppendNote(ctx context.Context, id market.DocumentID, note string) error
}

type notification struct {
	DocumentID market.DocumentID
	Kind       string
	Attempts   int
}

type Outbox struct {
	notifier market.RegulatoryNotifier
	notes    NoteAppender
	log      *logrus.Logger

	queue      chan notification
	maxRetries int
	backoff    time.Duration

	wg     sync.WaitGroup
	closed chan struct{}
	once   sync.Once
}

func NewOutbox(notifier market.RegulatoryNotifier, notes NoteAppender, log *logrus.Logger) *Outbox {
	if log == nil {
		log = logrus.New()
	}
	return &Outbox{
		notifier:   notifier,
		notes:      notes,
		log:        log,
		queue:      make(chan notification, 256),
		maxRetries: 3,
		backoff:    2 * time.Second,
		closed:     make(chan struct{}),
	}
}

// Enqueue hands an approved document to the outbox. Never blocks.
func (o *Outbox) Enqueue(documentID market.DocumentID, documentKind string) {
	n := notification{DocumentID: documentID, Kind: documentKind}
	select {
	case o.queue <- n:
	default:
		// Queue full: deliver out-of-band rather than lose the report.
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			o.deliver(context.Background(), n)
		}()
	}
}

// Run drains the queue until the context is cancelled or Close is
// called. Intended to be launched once as a background goroutine.
func (o *Outbox) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-o.closed:
			return
		case n := <-o.queue:
			o.deliver(ctx, n)
		}
	}
}

// Close stops Run, waits for in-flight deliveries, and drains whatever
// is still queued so no accepted report is dropped silently.
func (o *Outbox) Close() {
	o.once.Do(func() { close(o.closed) })
	o.wg.Wait()
	o.drain()
}

// drain empties the queue at shutdown. Each notification gets one
// attempt without backoff; a failure goes straight to the document
// notes instead of stalling the exit.
func (o *Outbox) drain() {
	ctx := context.Background()
	for {
		select {
		case n := <-o.queue:
			if err := o.notifier.Notify(ctx, n.DocumentID, n.Kind); err != nil {
				n.Attempts++
				o.giveUp(ctx, n, err)
				continue
			}
			o.log.WithFields(logrus.Fields{"document": n.DocumentID, "kind": n.Kind}).
				Debug("regulatory notification delivered during shutdown")
		default:
			return
		}
	}
}

func (o *Outbox) deliver(ctx context.Context, n notification) {
	for {
		err := o.notifier.Notify(ctx, n.DocumentID, n.Kind)
		if err == nil {
			o.log.WithFields(logrus.Fields{"document": n.DocumentID, "kind": n.Kind}).
				Debug("regulatory notification delivered")
			return
		}

		n.Attempts++
		if n.Attempts >= o.maxRetries {
			o.giveUp(ctx, n, err)
			return
		}

		select {
		case <-ctx.Done():
			o.giveUp(ctx, n, err)
			return
		case <-time.After(o.backoff):
		}
	}
}

// giveUp records the terminal failure on the document itself so the
// back office can re-report manually. The approval stands regardless.
func (o *Outbox) giveUp(ctx context.Context, n notification, cause error) {
	o.log.WithError(cause).WithFields(logrus.Fields{
		"document": n.DocumentID,
		"kind":     n.Kind,
		"attempts": n.Attempts,
	}).Warn("regulatory notification failed; recording on document")

	note := fmt.Sprintf("[%s] regulatory notification failed after %d attempts: %v",
		time.Now().Format(time.RFC3339), n.Attempts, cause)
	if o.notes == nil {
		return
	}
	if err := o.notes.AppendNote(context.WithoutCancel(ctx), n.DocumentID, note); err != nil {
		o.log.WithError(err).WithField("document", n.DocumentID).
			Error("failed to record notification failure on document")
	}
}
