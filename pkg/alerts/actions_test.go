package alerts

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testAlert() Alert {
	return Alert{
		ID:        "alert-1",
		RuleID:    "overspeed",
		RuleName:  "Overspeed",
		VehicleID: "dev-0001",
		Severity:  SeverityCritical,
		Message:   "speed > 100",
		Value:     120,
		Timestamp: time.Now().UTC(),
	}
}

func TestExecutor_WebhookSigned(t *testing.T) {
	var got Event
	var signature string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		signature = r.Header.Get(SignatureHeader)
		assert.Equal(t, "sha256="+Sign("s3cret", body), signature)
		assert.Equal(t, "alert-1", r.Header.Get("X-Trackguard-Alert-ID"))
		assert.NoError(t, json.Unmarshal(body, &got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	exec := NewExecutor(nil, nil, testLogger())
	errs := exec.Execute(context.Background(), testAlert(), []Action{{Type: ActionWebhook, Target: srv.URL, Secret: "s3cret"}})
	require.Len(t, errs, 1)
	assert.NoError(t, errs[0])
	assert.NotEmpty(t, signature)
	assert.Equal(t, EventFired, got.Type)
	assert.Equal(t, "dev-0001", got.Alert.VehicleID)
}

func TestExecutor_WebhookRetries(t *testing.T) {
	tests := []struct {
		name     string
		statuses []int
		wantErr  bool
		wantHits int32
	}{
		{"recovers after 5xx", []int{502, 503, 200}, false, 3},
		{"gives up after attempts", []int{500, 500, 500, 500}, true, 3},
		{"no retry on 4xx", []int{400, 200}, true, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var hits int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				n := atomic.AddInt32(&hits, 1)
				w.WriteHeader(tt.statuses[n-1])
			}))
			defer srv.Close()

			exec := NewExecutor(nil, nil, testLogger())
			exec.RetryDelay = time.Millisecond
			errs := exec.Execute(context.Background(), testAlert(), []Action{{Type: ActionWebhook, Target: srv.URL}})
			if tt.wantErr {
				assert.Error(t, errs[0])
			} else {
				assert.NoError(t, errs[0])
			}
			assert.Equal(t, tt.wantHits, atomic.LoadInt32(&hits))
		})
	}
}

func TestExecutor_MissingBackends(t *testing.T) {
	exec := NewExecutor(nil, nil, testLogger())
	errs := exec.Execute(context.Background(), testAlert(), []Action{
		{Type: ActionNotification},
		{Type: ActionEmail, Target: "ops@example.com"},
		{Type: ActionLog},
	})
	assert.ErrorIs(t, errs[0], ErrNoNotifier)
	assert.ErrorIs(t, errs[1], ErrNoMailer)
	assert.NoError(t, errs[2])
}

func TestExecutor_LogMailer(t *testing.T) {
	exec := NewExecutor(nil, LogMailer{Logger: testLogger()}, testLogger())
	errs := exec.Execute(context.Background(), testAlert(), []Action{{Type: ActionEmail, Target: "ops@example.com"}})
	assert.NoError(t, errs[0])
}
