package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/milestone-escrow/internal/controller"
	"github.com/ChuLiYu/milestone-escrow/pkg/types"
)

var (
	payer = common.HexToAddress("0x1111111111111111111111111111111111111111")
	payee = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

func newTestServer(t *testing.T, start bool) (*httptest.Server, *controller.Controller) {
	t.Helper()
	dir := t.TempDir()
	reg := prometheus.NewRegistry()
	ctrl, err := controller.NewController(controller.Config{
		WALPath:          filepath.Join(dir, "escrow.wal"),
		SnapshotPath:     filepath.Join(dir, "escrow.snapshot"),
		SnapshotInterval: time.Hour,
		WatchInterval:    time.Hour,
		RegistryAddress:  common.HexToAddress("0xee"),
		Registerer:       reg,
	})
	require.NoError(t, err)
	if start {
		require.NoError(t, ctrl.Start())
	}

	srv := httptest.NewServer(New(Config{Controller: ctrl, Gatherer: reg}))
	t.Cleanup(func() {
		srv.Close()
		ctrl.Stop()
	})
	return srv, ctrl
}

func get(t *testing.T, url string) (int, []byte) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, body
}

func seed(t *testing.T, ctrl *controller.Controller) types.InstanceID {
	t.Helper()
	ctx := context.Background()
	_, err := ctrl.Credit(ctx, payer, uint256.NewInt(30))
	require.NoError(t, err)
	r, err := ctrl.CreateAndFund(ctx, payer, payee, 3, uint256.NewInt(10), uint256.NewInt(30))
	require.NoError(t, err)
	return r.InstanceID
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t, true)
	code, body := get(t, srv.URL+"/healthz")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", string(body))
}

func TestHealthz_NotStarted(t *testing.T) {
	srv, _ := newTestServer(t, false)
	code, _ := get(t, srv.URL+"/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

func TestInstances(t *testing.T) {
	srv, ctrl := newTestServer(t, true)
	id := seed(t, ctrl)

	code, body := get(t, srv.URL+"/v1/instances")
	require.Equal(t, http.StatusOK, code)
	var list struct {
		Instances []types.InstanceRecord `json:"instances"`
		Count     int                    `json:"count"`
	}
	require.NoError(t, json.Unmarshal(body, &list))
	assert.Equal(t, 1, list.Count)
	assert.Equal(t, id, list.Instances[0].ID)

	code, body = get(t, srv.URL+"/v1/instances/"+id.Hex())
	require.Equal(t, http.StatusOK, code)
	var rec types.InstanceRecord
	require.NoError(t, json.Unmarshal(body, &rec))
	assert.Equal(t, "30", rec.Balance)
	assert.True(t, rec.Funded)
	assert.Len(t, rec.Milestones, 3)
}

func TestInstance_Errors(t *testing.T) {
	srv, _ := newTestServer(t, true)

	code, body := get(t, srv.URL+"/v1/instances/nope")
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, string(body), "bad_request")

	code, body = get(t, srv.URL+"/v1/instances/"+common.Hash{0x01}.Hex())
	assert.Equal(t, http.StatusNotFound, code)
	assert.Contains(t, string(body), "unknown_instance")
}

func TestParticipantsAndAccounts(t *testing.T) {
	srv, ctrl := newTestServer(t, true)
	id := seed(t, ctrl)

	code, body := get(t, srv.URL+"/v1/participants/"+payee.Hex()+"/instances")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), id.Hex())

	code, body = get(t, srv.URL+"/v1/participants/"+common.HexToAddress("0x99").Hex()+"/instances")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), `"count":0`)

	code, _ = get(t, srv.URL+"/v1/participants/0x00/instances")
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = get(t, srv.URL+"/v1/accounts/"+payer.Hex())
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), `"balance":"0"`)
}

func TestStatusAndClaimable(t *testing.T) {
	srv, ctrl := newTestServer(t, true)
	seed(t, ctrl)

	code, body := get(t, srv.URL+"/v1/status")
	require.Equal(t, http.StatusOK, code)
	var st map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &st))
	assert.Equal(t, float64(1), st["instances"])
	assert.Equal(t, float64(1), st["active"])

	code, body = get(t, srv.URL+"/v1/claimable")
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"claims":[]}`, string(body))
}

func TestMetrics(t *testing.T) {
	srv, ctrl := newTestServer(t, true)
	seed(t, ctrl)

	code, body := get(t, srv.URL+"/metrics")
	require.Equal(t, http.StatusOK, code)
	text := string(body)
	assert.True(t, strings.Contains(text, `escrow_signals_total{type="escrow.funded"} 1`), text)
	assert.Contains(t, text, `escrow_operations_total{op="create_and_fund",result="ok"} 1`)
}
