package admin

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	audit "goalpay/pkg/platform/audit"
	"goalpay/pkg/platform/audit/store/memory"
	adminmw "goalpay/pkg/platform/middleware/admin"
	"goalpay/pkg/testutil"
)

type brokenReader struct{}

func (brokenReader) ListByUser(context.Context, string) ([]audit.Event, error) {
	return nil, errors.New("connection reset")
}

func (brokenReader) ListRecent(context.Context, int) ([]audit.Event, error) {
	return nil, errors.New("connection reset")
}

func newRouter(reader AuditReader) chi.Router {
	r := chi.NewRouter()
	New(reader, "s3cret", slog.New(slog.NewTextHandler(io.Discard, nil))).Register(r)
	return r
}

func adminGet(t *testing.T, path string) *http.Request {
	req := testutil.NewRequest(t, http.MethodGet, path)
	req.Header.Set(adminmw.HeaderAdminToken, "s3cret")
	return req
}

func seededStore(t *testing.T) *memory.InMemoryStore {
	t.Helper()
	store := memory.NewInMemoryStore()
	p := audit.NewPublisher(store)
	ctx := context.Background()
	require.NoError(t, p.Emit(ctx, audit.Event{Username: "alice", Action: string(audit.EventGoalsAssigned)}))
	require.NoError(t, p.Emit(ctx, audit.Event{Username: "bob", Action: string(audit.EventGoalsAssigned)}))
	require.NoError(t, p.Emit(ctx, audit.Event{
		Username: "alice",
		Action:   string(audit.EventClaimRejected),
		Reason:   "goal_not_pending",
		Severity: audit.SeverityCritical,
	}))
	return store
}

func TestHandleListAudit(t *testing.T) {
	t.Run("recent events newest first", func(t *testing.T) {
		rr := testutil.DoRequest(newRouter(seededStore(t)), adminGet(t, "/admin/audit?limit=2"))

		testutil.AssertStatusOK(t, rr)
		body := testutil.UnmarshalResponse[AuditListResponse](t, rr)
		require.Equal(t, 2, body.Total)
		assert.Equal(t, "claim_rejected", body.Events[0].Action)
		assert.Equal(t, "security", body.Events[0].Category)
		assert.Equal(t, "bob", body.Events[1].Username)
	})

	t.Run("filtered by user", func(t *testing.T) {
		rr := testutil.DoRequest(newRouter(seededStore(t)), adminGet(t, "/admin/audit?username=alice"))

		testutil.AssertStatusOK(t, rr)
		body := testutil.UnmarshalResponse[AuditListResponse](t, rr)
		assert.Equal(t, 2, body.Total)
		for _, e := range body.Events {
			assert.Equal(t, "alice", e.Username)
		}
	})

	t.Run("bad limit", func(t *testing.T) {
		rr := testutil.DoRequest(newRouter(seededStore(t)), adminGet(t, "/admin/audit?limit=-3"))
		testutil.AssertStatusAndError(t, rr, http.StatusBadRequest, "validation_error")
	})

	t.Run("store failure", func(t *testing.T) {
		rr := testutil.DoRequest(newRouter(brokenReader{}), adminGet(t, "/admin/audit"))
		testutil.AssertStatus(t, rr, http.StatusInternalServerError)
		testutil.AssertNoDescription(t, rr)
		assert.NotContains(t, rr.Body.String(), "connection reset")
	})

	t.Run("requires the admin token", func(t *testing.T) {
		req := testutil.NewRequest(t, http.MethodGet, "/admin/audit")
		rr := testutil.DoRequest(newRouter(seededStore(t)), req)
		testutil.AssertStatus(t, rr, http.StatusUnauthorized)
	})
}
