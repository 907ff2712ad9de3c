package billing

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/require"

	"github.com/pirouette-hq/pirouette/internal/shared"
)

func adminRouter(f *billingFixture) chi.Router {
	h := NewHandler(slog.New(slog.DiscardHandler), f.svc, validator.New())
	r := chi.NewRouter()
	r.Route("/invoices", h.MountRoutes)
	return r
}

func asActor(r *http.Request, actor shared.Actor) *http.Request {
	return r.WithContext(shared.ContextWithActor(r.Context(), actor))
}

func TestProcessOverdueEndpointReportsCounts(t *testing.T) {
	f := newBillingFixture(t)
	inv := f.sentInvoice(t, 5000, 10)
	router := adminRouter(f)

	req := asActor(httptest.NewRequest(http.MethodPost, "/invoices/overdue/process", nil), staffActor())
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body overdueRunResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, 1, body.MarkedOverdue)
	require.Equal(t, 1, body.FeesApplied)

	got, err := f.svc.Get(context.Background(), staffActor(), inv.ID)
	require.NoError(t, err)
	require.Equal(t, StatusOverdue, got.Status)
	require.NotNil(t, got.LateFeeAppliedAt)

	// A second trigger finds nothing left to do.
	req = asActor(httptest.NewRequest(http.MethodPost, "/invoices/overdue/process", nil), staffActor())
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Zero(t, body.MarkedOverdue)
	require.Zero(t, body.FeesApplied)
}
