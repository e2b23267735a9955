package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verdant/market-engine/market"
)

// =============================================================================
// FAKES
// =============================================================================

type fakeBureau struct {
	mu        sync.Mutex
	delivered []market.DocumentID
	failures  int // fail this many calls before succeeding; -1 fails forever
	signal    chan struct{}
}

func (f *fakeBureau) Notify(ctx context.Context, id market.DocumentID, kind string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures != 0 {
		if f.failures > 0 {
			f.failures--
		}
		return errors.New("bureau unreachable")
	}
	f.delivered = append(f.delivered, id)
	if f.signal != nil {
		f.signal <- struct{}{}
	}
	return nil
}

func (f *fakeBureau) deliveredIDs() []market.DocumentID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]market.DocumentID(nil), f.delivered...)
}

type fakeNotes struct {
	mu    sync.Mutex
	notes map[market.DocumentID][]string
	added chan struct{}
}

func newFakeNotes() *fakeNotes {
	return &fakeNotes{notes: make(map[market.DocumentID][]string), added: make(chan struct{}, 8)}
}

func (f *fakeNotes) AppendNote(ctx context.Context, id market.DocumentID, note string) error {
	f.mu.Lock()
	f.notes[id] = append(f.notes[id], note)
	f.mu.Unlock()
	f.added <- struct{}{}
	return nil
}

// =============================================================================
// OUTBOX TESTS
// =============================================================================

func TestOutbox_DeliversEnqueuedNotification(t *testing.T) {
	bureau := &fakeBureau{signal: make(chan struct{}, 1)}
	outbox := NewOutbox(bureau, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go outbox.Run(ctx)
	defer outbox.Close()

	outbox.Enqueue("doc-1", "incoming_delivery")

	select {
	case <-bureau.signal:
	case <-time.After(5 * time.Second):
		t.Fatal("notification never delivered")
	}
	assert.Equal(t, []market.DocumentID{"doc-1"}, bureau.deliveredIDs())
}

func TestOutbox_RetriesTransientFailure(t *testing.T) {
	// GIVEN: A bureau that fails once then recovers
	// THEN: The notification still lands; the approval never hears of it

	bureau := &fakeBureau{failures: 1, signal: make(chan struct{}, 1)}
	outbox := NewOutbox(bureau, nil, nil)
	outbox.backoff = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go outbox.Run(ctx)
	defer outbox.Close()

	outbox.Enqueue("doc-1", "sales_invoice")

	select {
	case <-bureau.signal:
	case <-time.After(5 * time.Second):
		t.Fatal("notification never delivered after retry")
	}
}

func TestOutbox_TerminalFailureRecordedOnDocument(t *testing.T) {
	// GIVEN: A bureau that is down for good
	// THEN: After the retry budget the failure lands in the document notes

	bureau := &fakeBureau{failures: -1}
	notes := newFakeNotes()
	outbox := NewOutbox(bureau, notes, nil)
	outbox.backoff = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go outbox.Run(ctx)
	defer outbox.Close()

	outbox.Enqueue("doc-1", "sales_invoice")

	select {
	case <-notes.added:
	case <-time.After(5 * time.Second):
		t.Fatal("terminal failure never recorded")
	}

	notes.mu.Lock()
	defer notes.mu.Unlock()
	require.Len(t, notes.notes["doc-1"], 1)
	assert.Contains(t, notes.notes["doc-1"][0], "failed after 3 attempts")
}

func TestOutbox_EnqueueNeverBlocksOnFullQueue(t *testing.T) {
	// No worker is draining, so the buffered queue fills; the overflow
	// notification must still be delivered out-of-band.

	bureau := &fakeBureau{}
	outbox := NewOutbox(bureau, nil, nil)

	for i := 0; i < cap(outbox.queue); i++ {
		outbox.Enqueue("queued", "incoming_delivery")
	}

	done := make(chan struct{})
	go func() {
		outbox.Enqueue("overflow", "incoming_delivery")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Enqueue blocked on a full queue")
	}

	outbox.Close()
	assert.Contains(t, bureau.deliveredIDs(), market.DocumentID("overflow"))
}

func TestOutbox_CloseDeliversQueuedNotifications(t *testing.T) {
	// GIVEN: Reports still sitting in the queue at shutdown
	// WHEN: Close is called before the worker got to them
	// THEN: They are delivered during the drain, not dropped

	bureau := &fakeBureau{}
	outbox := NewOutbox(bureau, nil, nil)

	outbox.Enqueue("doc-1", "incoming_delivery")
	outbox.Enqueue("doc-2", "sales_invoice")
	outbox.Close()

	assert.Equal(t, []market.DocumentID{"doc-1", "doc-2"}, bureau.deliveredIDs())
}

func TestOutbox_CloseRecordsUndeliverableQueue(t *testing.T) {
	// A report that cannot be delivered during the shutdown drain must
	// still land in the document notes for manual re-reporting.

	bureau := &fakeBureau{failures: -1}
	notes := newFakeNotes()
	outbox := NewOutbox(bureau, notes, nil)

	outbox.Enqueue("doc-1", "sales_invoice")
	outbox.Close()

	notes.mu.Lock()
	defer notes.mu.Unlock()
	require.Len(t, notes.notes["doc-1"], 1)
	assert.Contains(t, notes.notes["doc-1"][0], "regulatory notification failed")
}

// =============================================================================
// HTTP BUREAU CLIENT TESTS
// =============================================================================

func TestHTTPNotifier_PostsDocumentReport(t *testing.T) {
	var got struct {
		DocumentID string `json:"document_id"`
		Kind       string `json:"kind"`
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	notifier := NewHTTPNotifier(server.URL)
	err := notifier.Notify(context.Background(), "doc-1", "incoming_delivery")
	require.NoError(t, err)
	assert.Equal(t, "doc-1", got.DocumentID)
	assert.Equal(t, "incoming_delivery", got.Kind)
}

func TestHTTPNotifier_NonSuccessStatusIsError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	notifier := NewHTTPNotifier(server.URL)
	err := notifier.Notify(context.Background(), "doc-1", "incoming_delivery")
	assert.Error(t, err)
}
