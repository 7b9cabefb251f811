package dispatch

import (
	"context"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldnote/fieldnote/internal/bus"
	"github.com/fieldnote/fieldnote/internal/record"
	"github.com/fieldnote/fieldnote/internal/store"
	"github.com/fieldnote/fieldnote/internal/transport"
)

type fixture struct {
	store      *store.Store
	bus        *bus.Bus
	dataDir    string
	dispatcher *Dispatcher
	events     *[]bus.Event
}

func newFixture(t *testing.T, baseURL string, online bool) *fixture {
	t.Helper()

	dataDir := t.TempDir()
	st, err := store.Open(filepath.Join(dataDir, "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	client := transport.New(baseURL, 0)
	client.Probe = func(ctx context.Context) bool { return online }

	b := bus.New()
	var events []bus.Event
	b.Subscribe(func(evt bus.Event) { events = append(events, evt) })

	logger := log.New(io.Discard, "", 0)
	return &fixture{
		store:      st,
		bus:        b,
		dataDir:    dataDir,
		dispatcher: New(st, client, b, "tok-1", map[string]string{"generate_cards": "true"}, dataDir, logger),
		events:     &events,
	}
}

func textFields() []record.Field {
	return []record.Field{{Name: "content", Value: "remember this"}}
}

func TestSubmitOnlineDeliversDirectly(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"srv-7"}`))
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL, true)

	res, err := f.dispatcher.Submit(context.Background(), record.KindText, textFields())
	require.NoError(t, err)

	assert.Equal(t, StatusSent, res.Status)
	assert.Equal(t, `{"id":"srv-7"}`, string(res.Response))
	assert.Empty(t, res.ID)

	count, err := f.store.Count()
	require.NoError(t, err)
	assert.Equal(t, 0, count, "a sent capture must not be queued")
	assert.Empty(t, *f.events)
}

func TestSubmitOfflineQueues(t *testing.T) {
	f := newFixture(t, "http://127.0.0.1:1", false)

	res, err := f.dispatcher.Submit(context.Background(), record.KindURL, []record.Field{
		{Name: "url", Value: "https://example.com/article"},
	})
	require.NoError(t, err)

	assert.Equal(t, StatusQueued, res.Status)
	require.NotEmpty(t, res.ID)

	rec, err := f.store.Get(res.ID)
	require.NoError(t, err)
	assert.Equal(t, record.KindURL, rec.Kind)
	assert.Equal(t, "tok-1", rec.AuthToken)
	assert.Equal(t, 0, rec.RetryCount)

	require.Len(t, *f.events, 1)
	assert.Equal(t, bus.EventQueued, (*f.events)[0].Type)

	// The enqueue must register the background trigger.
	_, err = os.Stat(filepath.Join(f.dataDir, TriggerFile))
	assert.NoError(t, err)
}

func TestSubmitTransportFailureQueues(t *testing.T) {
	// Probe says online but nothing is listening: the delivery attempt fails
	// at the transport level and the capture falls back to the queue.
	f := newFixture(t, "http://127.0.0.1:1", true)

	res, err := f.dispatcher.Submit(context.Background(), record.KindText, textFields())
	require.NoError(t, err)

	assert.Equal(t, StatusQueued, res.Status)
	count, err := f.store.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestSubmitServerRejectionPropagates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"detail":"content too long"}`))
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL, true)

	_, err := f.dispatcher.Submit(context.Background(), record.KindText, textFields())
	require.Error(t, err)

	var se *transport.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "content too long", se.Detail)

	count, cerr := f.store.Count()
	require.NoError(t, cerr)
	assert.Equal(t, 0, count, "a rejected capture must not be queued")

	_, terr := os.Stat(filepath.Join(f.dataDir, TriggerFile))
	assert.True(t, os.IsNotExist(terr))
}

func TestSubmitOfflineInvalidKindFails(t *testing.T) {
	f := newFixture(t, "http://127.0.0.1:1", false)

	_, err := f.dispatcher.Submit(context.Background(), "screenshot", textFields())
	assert.Error(t, err)
}
