package ws

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/dkovac/ritmo/internal/service"
)

func TestWriteServiceError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"not found", service.ErrConversationNotFound, http.StatusNotFound},
		{"wrapped not found", fmt.Errorf("load conversation: %w", service.ErrConversationNotFound), http.StatusNotFound},
		{"not participant", service.ErrNotParticipant, http.StatusForbidden},
		{"wrapped not participant", fmt.Errorf("membership: %w", service.ErrNotParticipant), http.StatusForbidden},
		{"unknown", errors.New("connection reset"), http.StatusInternalServerError},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			writeServiceError(rec, tc.err)
			if rec.Code != tc.want {
				t.Errorf("status %d, want %d", rec.Code, tc.want)
			}
		})
	}
}
