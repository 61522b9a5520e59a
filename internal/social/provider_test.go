package social

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveShapes(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantID   string
		wantUser string
	}{
		{"oidc", `{"sub":"abc","preferred_username":"alice","email":"a@example.com"}`, "abc", "alice"},
		{"numeric id", `{"id":12345,"login":"octo"}`, "12345", "octo"},
		{"nested data", `{"data":{"id":"987","username":"tweeter"}}`, "987", "tweeter"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			r := NewResolver(map[string]string{"Example": srv.URL})
			id, err := r.Resolve(context.Background(), "example", "tok")
			require.NoError(t, err)
			assert.Equal(t, "example", id.Provider)
			assert.Equal(t, tt.wantID, id.ExternalID)
			assert.Equal(t, tt.wantUser, id.Username)
		})
	}
}

func TestResolveErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/unauthorized":
			w.WriteHeader(http.StatusUnauthorized)
		case "/nosub":
			_, _ = w.Write([]byte(`{"name":"x"}`))
		default:
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	r := NewResolver(map[string]string{
		"a": srv.URL + "/unauthorized",
		"b": srv.URL + "/nosub",
		"c": srv.URL + "/broken",
	})

	_, err := r.Resolve(context.Background(), "a", "tok")
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = r.Resolve(context.Background(), "b", "tok")
	assert.Error(t, err)

	_, err = r.Resolve(context.Background(), "c", "tok")
	assert.Error(t, err)

	_, err = r.Resolve(context.Background(), "missing", "tok")
	assert.ErrorIs(t, err, ErrUnknownProvider)
	assert.False(t, r.Supports("missing"))
	assert.True(t, r.Supports("A"))
}
