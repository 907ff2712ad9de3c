package tuition

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/require"

	"github.com/pirouette-hq/pirouette/internal/shared"
)

func adminRouter(f *tuitionFixture) chi.Router {
	h := NewHandler(slog.New(slog.DiscardHandler), f.svc, validator.New())
	r := chi.NewRouter()
	r.Route("/tuition-plans", h.MountRoutes)
	return r
}

func asActor(r *http.Request, actor shared.Actor) *http.Request {
	return r.WithContext(shared.ContextWithActor(r.Context(), actor))
}

func TestCancelEndpointHonoursImmediatelyFlag(t *testing.T) {
	f := newTuitionFixture(t)
	plan := monthlyPlan(t, f, 12000)
	router := adminRouter(f)
	path := "/tuition-plans/" + strconv.FormatInt(plan.ID, 10) + "/cancel"

	req := asActor(httptest.NewRequest(http.MethodPost, path, strings.NewReader(`{"immediately": false}`)), staffActor())
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body planResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, string(StatusActive), body.Status)
	require.True(t, body.CancelAtPeriodEnd)
	require.Len(t, f.processor.cancels, 1)
	require.False(t, f.processor.cancels[0].Immediately)
}

func TestCancelEndpointDefaultsToImmediate(t *testing.T) {
	f := newTuitionFixture(t)
	plan := monthlyPlan(t, f, 12000)
	router := adminRouter(f)
	path := "/tuition-plans/" + strconv.FormatInt(plan.ID, 10) + "/cancel"

	req := asActor(httptest.NewRequest(http.MethodPost, path, nil), staffActor())
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body planResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, string(StatusCancelled), body.Status)
	require.Len(t, f.processor.cancels, 1)
	require.True(t, f.processor.cancels[0].Immediately)
}
