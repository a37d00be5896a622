package syncengine

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"pos-sync/internal/common/httpx"
	"pos-sync/internal/domain"
)

func TestSendClassifiesServerFailures(t *testing.T) {
	cases := []struct {
		name      string
		status    int
		problem   string
		invariant bool
	}{
		{name: "invariant violation", status: http.StatusInternalServerError, problem: "invariant_violation", invariant: true},
		{name: "storage down", status: http.StatusServiceUnavailable, problem: "db_error"},
		{name: "plain 500", status: http.StatusInternalServerError, problem: "internal"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				httpx.WriteProblem(w, tc.status, tc.problem, "table T1 occupied without order")
			}))
			defer srv.Close()

			_, err := NewClient(srv.URL, srv.Client()).Send(context.Background(), domain.MutationRequest{
				IdempotencyToken: "local:dev:1",
				Kind:             domain.KindCreateOrder,
				Payload:          []byte(`{}`),
			})
			assert.Error(t, err)
			assert.Equal(t, tc.invariant, errors.Is(err, ErrServerInvariant))
			assert.Equal(t, !tc.invariant, errors.Is(err, domain.ErrTransient))
		})
	}
}
