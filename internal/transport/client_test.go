package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldnote/fieldnote/internal/codec"
	"github.com/fieldnote/fieldnote/internal/record"
)

func textSubmission() *codec.Submission {
	return &codec.Submission{
		Endpoint: record.EndpointFor(record.KindText),
		Kind:     record.KindText,
		Fields:   []record.Field{{Name: "content", Value: "hello"}},
	}
}

func TestDeliverSuccess(t *testing.T) {
	var gotAuth, gotPath, gotContent string
	var gotCards string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, r.ParseMultipartForm(1<<20))
		gotContent = r.FormValue("content")
		gotCards = r.FormValue("generate_cards")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":"srv-1"}`))
	}))
	defer srv.Close()

	client := New(srv.URL, 0)
	receipt, err := client.Deliver(context.Background(), textSubmission(), "tok-1",
		map[string]string{"generate_cards": "true"})
	require.NoError(t, err)

	assert.Equal(t, http.StatusCreated, receipt.StatusCode)
	assert.Equal(t, `{"id":"srv-1"}`, string(receipt.Body))
	assert.Equal(t, "/api/capture/text", gotPath)
	assert.Equal(t, "Bearer tok-1", gotAuth)
	assert.Equal(t, "hello", gotContent)
	assert.Equal(t, "true", gotCards)
}

func TestDeliverNoTokenOmitsAuthHeader(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
	}))
	defer srv.Close()

	_, err := New(srv.URL, 0).Deliver(context.Background(), textSubmission(), "", nil)
	require.NoError(t, err)
	assert.Empty(t, gotAuth)
}

func TestDeliverRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"detail":"url field is required"}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL, 0).Deliver(context.Background(), textSubmission(), "", nil)
	require.Error(t, err)

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusUnprocessableEntity, se.Code)
	assert.Equal(t, "url field is required", se.Detail)
	assert.True(t, se.Permanent())
	assert.False(t, IsTransportError(err))
	assert.Contains(t, err.Error(), "url field is required")
}

func TestDeliverServerErrorIsNotPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := New(srv.URL, 0).Deliver(context.Background(), textSubmission(), "", nil)
	require.Error(t, err)

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.False(t, se.Permanent())
	assert.False(t, IsTransportError(err))
}

func TestDeliverConnectionRefusedIsTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // nothing listens anymore

	_, err := New(srv.URL, 0).Deliver(context.Background(), textSubmission(), "", nil)
	require.Error(t, err)
	assert.True(t, IsTransportError(err))
}

func TestIsTransportError(t *testing.T) {
	assert.False(t, IsTransportError(nil))
	assert.True(t, IsTransportError(errors.New("dial tcp: connection refused")))
	assert.False(t, IsTransportError(&StatusError{Code: 500}))
}

func TestOnline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Even an error status means the network path works.
		w.WriteHeader(http.StatusInternalServerError)
	}))

	client := New(srv.URL, 0)
	assert.True(t, client.Online(context.Background()))

	srv.Close()
	assert.False(t, client.Online(context.Background()))
}

func TestOnlineProbeOverride(t *testing.T) {
	client := New("http://127.0.0.1:1", 0)
	client.Probe = func(ctx context.Context) bool { return true }
	assert.True(t, client.Online(context.Background()))
}
