package terminal

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pos-sync/internal/common/config"
	"pos-sync/internal/common/logger"
	"pos-sync/internal/domain"
	"pos-sync/internal/microservices/statemachine/collaborators"
	"pos-sync/internal/microservices/statemachine/handlers"
	"pos-sync/internal/microservices/statemachine/repository"
	"pos-sync/internal/microservices/statemachine/service"
)

func terminalConfig(t *testing.T, serverURL string) config.Terminal {
	cfg := config.Defaults().Terminal
	cfg.DataDir = t.TempDir()
	cfg.ServerURL = serverURL
	cfg.GatewayURL = ""
	cfg.SendTimeout = time.Second
	return cfg
}

func TestBuildRejectsUnknownRole(t *testing.T) {
	cfg := terminalConfig(t, "http://localhost:1")
	cfg.Roles = []string{"chef"}
	_, err := Build(cfg, logger.Nop())
	assert.Error(t, err)
}

func TestOfflineOrderSyncsWhenServerReturns(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	require.NoError(t, store.SeedTable(ctx, domain.Table{ID: "T1", Status: domain.TableAvailable}))
	catalog := collaborators.NewStatic([]collaborators.MenuItem{
		{ID: "margherita", Name: "Margherita", Price: decimal.RequireFromString("15.99")},
	}, nil, nil)
	server := httptest.NewUnstartedServer(handlers.Router(handlers.New(service.NewMachine(store, catalog, logger.Nop()), logger.Nop())))
	defer server.Close()

	// the listener exists but nothing answers until Start
	url := "http://" + server.Listener.Addr().String()
	term, err := Build(terminalConfig(t, url), logger.Nop())
	require.NoError(t, err)
	defer term.Queue.Close()
	assert.Nil(t, term.Realtime)

	api := httptest.NewServer(term.Handler)
	defer api.Close()
	resp, err := http.Post(api.URL+"/local/mutations", "application/json", strings.NewReader(
		`{"kind":"CreateOrder","payload":{"tableId":"T1","items":[{"menuItemId":"margherita","quantity":1}],"totalAmount":"15.99"}}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	server.Start()
	term.Monitor.Report(true)
	res, err := term.Engine.Drain(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Accepted)

	table, err := store.GetTable(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, domain.TableOccupied, table.Status)
	view, err := term.Queue.View(ctx)
	require.NoError(t, err)
	require.Len(t, view.Orders, 1)
	assert.Equal(t, domain.StrVal(table.CurrentOrderID), view.Orders[0].ID)
}
