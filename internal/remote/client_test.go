package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poleshift/fieldsync/internal/config"
	"github.com/poleshift/fieldsync/internal/loggy"
)

func newTestClient(serverURL string) *Client {
	return NewClient(config.RemoteConfig{
		URL:     serverURL,
		Token:   "test-token",
		Timeout: 5 * time.Second,
	}, "test-device", loggy.NewNoopLogger())
}

func TestApplyRoutesByKind(t *testing.T) {
	tests := []struct {
		kind       string
		wantMethod string
		wantPath   string
	}{
		{"create", http.MethodPost, "/api/records/sample_groups"},
		{"update", http.MethodPatch, "/api/records/sample_groups/A"},
		{"upsert", http.MethodPut, "/api/records/sample_groups/A"},
		{"delete", http.MethodDelete, "/api/records/sample_groups/A"},
	}

	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			var gotMethod, gotPath, gotKey string
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotMethod = r.Method
				gotPath = r.URL.Path
				gotKey = r.Header.Get("X-Idempotency-Key")
				json.NewEncoder(w).Encode(Response{Success: true})
			}))
			defer server.Close()

			err := newTestClient(server.URL).Apply(context.Background(), Operation{
				ID:        "op-1",
				Kind:      tt.kind,
				Target:    "sample_groups",
				RecordKey: "A",
				Payload:   json.RawMessage(`{"id":"A"}`),
			})
			require.NoError(t, err)

			assert.Equal(t, tt.wantMethod, gotMethod)
			assert.Equal(t, tt.wantPath, gotPath)
			assert.Equal(t, "op-1", gotKey, "operation id must be sent as the idempotency key")
		})
	}
}

func TestSetTokenReplacesAuthorization(t *testing.T) {
	var got string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	client.SetToken("fresh-token")

	ok, err := client.VerifyToken(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "Bearer fresh-token", got)
}

func TestApplyUnknownKind(t *testing.T) {
	err := newTestClient("http://localhost:0").Apply(context.Background(), Operation{Kind: "replace"})
	require.Error(t, err)
	assert.Equal(t, ClassificationPermanent, Classify(err))
}

func TestUpload(t *testing.T) {
	var got UploadRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(Response{Success: true})
	}))
	defer server.Close()

	err := newTestClient(server.URL).Upload(context.Background(), UploadRequest{
		ID:       "item-1",
		Kind:     "processed",
		SampleID: "s1",
		ConfigID: "c1",
		FilePath: "out/report.tsv",
		Data:     []byte("col1\tcol2"),
	})
	require.NoError(t, err)

	assert.Equal(t, "item-1", got.ID)
	assert.Equal(t, []byte("col1\tcol2"), got.Data)
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   Classification
	}{
		{"server error", http.StatusInternalServerError, ClassificationTransient},
		{"unavailable", http.StatusServiceUnavailable, ClassificationTransient},
		{"throttled", http.StatusTooManyRequests, ClassificationTransient},
		{"request timeout", http.StatusRequestTimeout, ClassificationTransient},
		{"conflict", http.StatusConflict, ClassificationConflict},
		{"validation rejection", http.StatusUnprocessableEntity, ClassificationPermanent},
		{"bad request", http.StatusBadRequest, ClassificationPermanent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				json.NewEncoder(w).Encode(APIError{StatusCode: tt.status, Message: "nope", ErrorCode: "err"})
			}))
			defer server.Close()

			err := newTestClient(server.URL).Apply(context.Background(), Operation{
				ID: "op-1", Kind: "create", Target: "t", RecordKey: "k",
			})
			require.Error(t, err)
			assert.Equal(t, tt.want, Classify(err))
		})
	}
}

func TestTransportErrorIsTransient(t *testing.T) {
	// Point at a closed server so the dial fails
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	err := newTestClient(server.URL).Apply(context.Background(), Operation{
		ID: "op-1", Kind: "create", Target: "t", RecordKey: "k",
	})
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

func TestClassifyNonAPIError(t *testing.T) {
	assert.Equal(t, ClassificationTransient, Classify(errors.New("dial tcp: connection refused")))
}

func TestVerifyToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "Bearer test-token" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	ok, err := newTestClient(server.URL).VerifyToken(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
}
