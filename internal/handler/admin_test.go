package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/seckill/internal/repository"
	"github.com/iliyamo/seckill/internal/telemetry"
)

type stubAdmin struct {
	synced  int
	syncErr error
	initN   int64
	initErr error
}

func (s stubAdmin) InitStock(context.Context, uint64) (int64, error) { return s.initN, s.initErr }
func (s stubAdmin) SyncAllStock(context.Context) (int, error)        { return s.synced, s.syncErr }

type recordingGate struct {
	released [][2]uint64
	err      error
}

func (g *recordingGate) Release(_ context.Context, productID, buyerID uint64) error {
	g.released = append(g.released, [2]uint64{productID, buyerID})
	return g.err
}

func TestAdmin_SyncAll(t *testing.T) {
	h := NewAdminHandler(stubAdmin{synced: 3}, &recordingGate{}, telemetry.Discard())
	c, rec := newContext(http.MethodPost, "/v1/admin/stock/sync", "", "")

	require.NoError(t, h.SyncAll(c))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(3), decode(t, rec)["synced"])
}

func TestAdmin_SyncAllPartial(t *testing.T) {
	h := NewAdminHandler(stubAdmin{synced: 2, syncErr: errors.New("product 3: timeout")}, &recordingGate{}, telemetry.Discard())
	c, rec := newContext(http.MethodPost, "/v1/admin/stock/sync", "", "")

	require.NoError(t, h.SyncAll(c))
	assert.Equal(t, http.StatusMultiStatus, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, float64(2), body["synced"])
	assert.Contains(t, body["error"], "product 3")
}

func TestAdmin_InitOne(t *testing.T) {
	tests := []struct {
		name   string
		id     string
		admin  stubAdmin
		status int
	}{
		{"written", "1", stubAdmin{initN: 40}, http.StatusOK},
		{"bad id", "0", stubAdmin{}, http.StatusBadRequest},
		{"unknown", "9", stubAdmin{initErr: fmt.Errorf("ledger stock product 9: %w", repository.ErrProductNotFound)}, http.StatusNotFound},
		{"store down", "1", stubAdmin{initErr: errors.New("redis down")}, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewAdminHandler(tt.admin, &recordingGate{}, telemetry.Discard())
			c, rec := newContext(http.MethodPost, "/v1/admin/stock/"+tt.id+"/init", "", "")
			c.SetParamNames("id")
			c.SetParamValues(tt.id)

			require.NoError(t, h.InitOne(c))
			assert.Equal(t, tt.status, rec.Code)
		})
	}
}

func TestAdmin_ReleaseReservation(t *testing.T) {
	g := &recordingGate{}
	h := NewAdminHandler(stubAdmin{}, g, telemetry.Discard())
	c, rec := newContext(http.MethodDelete, "/v1/admin/reservations/1/7", "", "")
	c.SetParamNames("product_id", "buyer_id")
	c.SetParamValues("1", "7")

	require.NoError(t, h.ReleaseReservation(c))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, [][2]uint64{{1, 7}}, g.released)
}

func TestAdmin_ReleaseReservationBadBuyer(t *testing.T) {
	g := &recordingGate{}
	h := NewAdminHandler(stubAdmin{}, g, telemetry.Discard())
	c, rec := newContext(http.MethodDelete, "/v1/admin/reservations/1/x", "", "")
	c.SetParamNames("product_id", "buyer_id")
	c.SetParamValues("1", "x")

	require.NoError(t, h.ReleaseReservation(c))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, g.released)
}
