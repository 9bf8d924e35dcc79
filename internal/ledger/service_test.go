package ledger_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/saudabook/position-engine/internal/backfill"
	"github.com/saudabook/position-engine/internal/engine"
	"github.com/saudabook/position-engine/internal/ledger"
	"github.com/saudabook/position-engine/internal/model"
	"github.com/saudabook/position-engine/internal/overdelivery"
	"github.com/saudabook/position-engine/internal/store"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// newTestEnv creates a test Service with in-memory store and chi router.
func newTestEnv(t *testing.T) (*store.MemoryStore, chi.Router) {
	t.Helper()
	ms := store.NewMemoryStore()
	triggers := engine.NewTriggers(overdelivery.NewDetector(decimal.Zero, decimal.Zero))
	runner := backfill.NewRunner(ms, triggers, backfill.NewLocalLocker(), 2)
	svc := ledger.NewService(ms, triggers, runner, nil)

	r := chi.NewRouter()
	r.Route("/api/v1", svc.RegisterRoutes)
	return ms, r
}

func do(t *testing.T, router chi.Router, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode response: %v (%s)", err, w.Body.String())
	}
	return v
}

func purchase(item, plant, party, qty, rate string) ledger.ContractRequest {
	return ledger.ContractRequest{
		Type:      model.Purchase,
		TradeDate: "2024-02-01",
		PartyID:   party,
		ItemID:    item,
		PlantID:   plant,
		Quantity:  d(qty),
		Rate:      d(rate),
	}
}

func sale(item, plant, party, qty, rate string) ledger.ContractRequest {
	req := purchase(item, plant, party, qty, rate)
	req.Type = model.Sale
	return req
}

func createContract(t *testing.T, router chi.Router, req ledger.ContractRequest) ledger.WriteResponse {
	t.Helper()
	w := do(t, router, "POST", "/api/v1/contracts", req)
	if w.Code != http.StatusCreated {
		t.Fatalf("create contract: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	return decode[ledger.WriteResponse](t, w)
}

func load(t *testing.T, router chi.Router, contractID, kg string) ledger.WriteResponse {
	t.Helper()
	w := do(t, router, "POST", "/api/v1/contracts/"+contractID+"/fulfillments", ledger.FulfillmentRequest{
		Date:        "2024-02-05",
		DeliveredKg: d(kg),
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create fulfillment: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	return decode[ledger.WriteResponse](t, w)
}

func getPosition(t *testing.T, router chi.Router, item, plant string) model.PositionView {
	t.Helper()
	w := do(t, router, "GET", "/api/v1/positions/"+item+"/"+plant, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get position: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	return decode[model.PositionView](t, w)
}

// --- Contract tests ---

func TestCreateContract_AllocatesNumbers(t *testing.T) {
	_, router := newTestEnv(t)

	first := createContract(t, router, purchase("wheat", "indore", "ramesh", "20", "2500"))
	second := createContract(t, router, purchase("wheat", "indore", "suresh", "5", "2600"))
	sold := createContract(t, router, sale("wheat", "indore", "mahesh", "3", "2700"))

	if first.Contract.Number != "P/2023-24/0001" {
		t.Errorf("expected P/2023-24/0001, got %s", first.Contract.Number)
	}
	if second.Contract.Number != "P/2023-24/0002" {
		t.Errorf("expected P/2023-24/0002, got %s", second.Contract.Number)
	}
	if sold.Contract.Number != "S/2023-24/0001" {
		t.Errorf("expected S/2023-24/0001, got %s", sold.Contract.Number)
	}
	if !first.Contract.PendingQuantity.Equal(d("20")) {
		t.Errorf("new contract should be fully pending, got %s", first.Contract.PendingQuantity)
	}
}

func TestCreateContract_UpdatesPosition(t *testing.T) {
	_, router := newTestEnv(t)

	resp := createContract(t, router, purchase("wheat", "indore", "ramesh", "20", "2500"))
	if len(resp.Positions) != 1 {
		t.Fatalf("expected 1 position in response, got %d", len(resp.Positions))
	}
	createContract(t, router, sale("wheat", "indore", "mahesh", "8", "2700"))

	pos := getPosition(t, router, "wheat", "indore")
	if !pos.TotalPurchasePacks.Equal(d("20")) || !pos.TotalSalePacks.Equal(d("8")) {
		t.Errorf("unexpected totals: %+v", pos.StockPosition)
	}
	if !pos.NetPositionPacks.Equal(d("12")) {
		t.Errorf("expected net 12, got %s", pos.NetPositionPacks)
	}
}

func TestCreateContract_SuppliedNumber(t *testing.T) {
	_, router := newTestEnv(t)

	req := purchase("wheat", "indore", "ramesh", "20", "2500")
	req.Number = "P/2023-24/0042"
	resp := createContract(t, router, req)
	if resp.Contract.Number != "P/2023-24/0042" {
		t.Errorf("expected supplied number, got %s", resp.Contract.Number)
	}

	// Allocation continues after the highest number in use.
	next := createContract(t, router, purchase("wheat", "indore", "ramesh", "1", "2500"))
	if next.Contract.Number != "P/2023-24/0043" {
		t.Errorf("expected P/2023-24/0043, got %s", next.Contract.Number)
	}

	w := do(t, router, "POST", "/api/v1/contracts", req)
	if w.Code != http.StatusConflict {
		t.Errorf("duplicate number: expected 409, got %d: %s", w.Code, w.Body.String())
	}
}

func TestCreateContract_Validation(t *testing.T) {
	_, router := newTestEnv(t)

	tests := []struct {
		name   string
		mutate func(*ledger.ContractRequest)
	}{
		{"missing party", func(r *ledger.ContractRequest) { r.PartyID = "" }},
		{"bad type", func(r *ledger.ContractRequest) { r.Type = "swap" }},
		{"bad date", func(r *ledger.ContractRequest) { r.TradeDate = "01/02/2024" }},
		{"zero quantity", func(r *ledger.ContractRequest) { r.Quantity = decimal.Zero }},
		{"negative rate", func(r *ledger.ContractRequest) { r.Rate = d("-1") }},
		{"malformed number", func(r *ledger.ContractRequest) { r.Number = "P-7" }},
		{"wrong side prefix", func(r *ledger.ContractRequest) { r.Number = "S/2023-24/0001" }},
		{"wrong financial year", func(r *ledger.ContractRequest) { r.Number = "P/2024-25/0001" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := purchase("wheat", "indore", "ramesh", "20", "2500")
			tt.mutate(&req)
			w := do(t, router, "POST", "/api/v1/contracts", req)
			if w.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d: %s", w.Code, w.Body.String())
			}
		})
	}
}

func TestCreateContract_InvalidBody(t *testing.T) {
	_, router := newTestEnv(t)

	req := httptest.NewRequest("POST", "/api/v1/contracts", bytes.NewBufferString("{not json"))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestUpdateContract_MovesPosition(t *testing.T) {
	_, router := newTestEnv(t)
	created := createContract(t, router, purchase("wheat", "indore", "ramesh", "20", "2500"))
	load(t, router, created.Contract.ID, "5000")

	req := purchase("wheat", "dewas", "ramesh", "30", "2500")
	w := do(t, router, "PUT", "/api/v1/contracts/"+created.Contract.ID, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	resp := decode[ledger.WriteResponse](t, w)
	if len(resp.Positions) != 2 {
		t.Errorf("expected both positions rewritten, got %d", len(resp.Positions))
	}
	if resp.Contract.Number != created.Contract.Number {
		t.Errorf("number should be kept, got %s", resp.Contract.Number)
	}
	if !resp.Contract.PendingQuantity.Equal(d("25")) {
		t.Errorf("expected pending 25, got %s", resp.Contract.PendingQuantity)
	}

	old := getPosition(t, router, "wheat", "indore")
	if !old.TotalPurchasePacks.IsZero() || !old.LoadedPurchasePacks.IsZero() {
		t.Errorf("old position should be empty, got %+v", old.StockPosition)
	}
	moved := getPosition(t, router, "wheat", "dewas")
	if !moved.TotalPurchasePacks.Equal(d("30")) || !moved.LoadedPurchasePacks.Equal(d("5")) {
		t.Errorf("unexpected moved position: %+v", moved.StockPosition)
	}
}

func TestUpdateContract_NotFound(t *testing.T) {
	_, router := newTestEnv(t)
	w := do(t, router, "PUT", "/api/v1/contracts/nope", purchase("wheat", "indore", "ramesh", "20", "2500"))
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d: %s", w.Code, w.Body.String())
	}
}

func TestUpdateContract_YearChangeNeedsNewNumber(t *testing.T) {
	_, router := newTestEnv(t)
	created := createContract(t, router, purchase("wheat", "indore", "ramesh", "20", "2500"))

	req := purchase("wheat", "indore", "ramesh", "20", "2500")
	req.TradeDate = "2024-04-02"
	w := do(t, router, "PUT", "/api/v1/contracts/"+created.Contract.ID, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
	}

	req.Number = "P/2024-25/0001"
	w = do(t, router, "PUT", "/api/v1/contracts/"+created.Contract.ID, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestDeleteContract(t *testing.T) {
	_, router := newTestEnv(t)
	created := createContract(t, router, purchase("wheat", "indore", "ramesh", "20", "2500"))
	loaded := load(t, router, created.Contract.ID, "1000")

	w := do(t, router, "DELETE", "/api/v1/contracts/"+created.Contract.ID, nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("delete with loadings: expected 409, got %d: %s", w.Code, w.Body.String())
	}

	w = do(t, router, "DELETE", "/api/v1/fulfillments/"+loaded.Fulfillment.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("delete fulfillment: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	w = do(t, router, "DELETE", "/api/v1/contracts/"+created.Contract.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("delete contract: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	pos := getPosition(t, router, "wheat", "indore")
	if !pos.TotalPurchasePacks.IsZero() {
		t.Errorf("position should be empty, got %s", pos.TotalPurchasePacks)
	}
	w = do(t, router, "GET", "/api/v1/contracts/"+created.Contract.ID, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 after delete, got %d", w.Code)
	}
}

func TestListContracts_Filters(t *testing.T) {
	_, router := newTestEnv(t)
	a := createContract(t, router, purchase("wheat", "indore", "ramesh", "20", "2500"))
	createContract(t, router, purchase("chana", "indore", "ramesh", "4", "5000"))
	createContract(t, router, sale("wheat", "indore", "mahesh", "2", "2700"))
	load(t, router, a.Contract.ID, "20000")

	w := do(t, router, "GET", "/api/v1/contracts?item_id=wheat", nil)
	if got := decode[[]model.TradeContract](t, w); len(got) != 2 {
		t.Errorf("item filter: expected 2, got %d", len(got))
	}
	w = do(t, router, "GET", "/api/v1/contracts?type=sale", nil)
	if got := decode[[]model.TradeContract](t, w); len(got) != 1 {
		t.Errorf("type filter: expected 1, got %d", len(got))
	}
	w = do(t, router, "GET", "/api/v1/contracts?pending=true", nil)
	if got := decode[[]model.TradeContract](t, w); len(got) != 2 {
		t.Errorf("pending filter: expected 2, got %d", len(got))
	}
	w = do(t, router, "GET", "/api/v1/contracts?type=swap", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad type: expected 400, got %d", w.Code)
	}
}

// --- Fulfillment tests ---

func TestFulfillment_PartialLoading(t *testing.T) {
	_, router := newTestEnv(t)
	created := createContract(t, router, purchase("wheat", "indore", "ramesh", "20", "2500"))

	resp := load(t, router, created.Contract.ID, "12000")
	if len(resp.OverDeliveries) != 0 {
		t.Errorf("unexpected over-delivery: %+v", resp.OverDeliveries)
	}

	w := do(t, router, "GET", "/api/v1/contracts/"+created.Contract.ID, nil)
	c := decode[model.TradeContract](t, w)
	if !c.PendingQuantity.Equal(d("8")) {
		t.Errorf("expected pending 8, got %s", c.PendingQuantity)
	}

	pos := getPosition(t, router, "wheat", "indore")
	if !pos.LoadedPurchasePacks.Equal(d("12")) || !pos.PendingPurchasePacks.Equal(d("8")) {
		t.Errorf("unexpected position: %+v", pos)
	}

	w = do(t, router, "GET", "/api/v1/contracts/"+created.Contract.ID+"/fulfillments", nil)
	if events := decode[[]model.FulfillmentEvent](t, w); len(events) != 1 {
		t.Errorf("expected 1 event, got %d", len(events))
	}
}

func TestFulfillment_OverDeliveryFlagged(t *testing.T) {
	_, router := newTestEnv(t)
	created := createContract(t, router, purchase("wheat", "indore", "ramesh", "20", "2500"))

	resp := load(t, router, created.Contract.ID, "20500")
	if len(resp.OverDeliveries) != 1 {
		t.Fatalf("expected 1 over-delivery, got %d", len(resp.OverDeliveries))
	}
	if !resp.OverDeliveries[0].ExcessKg.Equal(d("500")) {
		t.Errorf("expected 500 kg excess, got %s", resp.OverDeliveries[0].ExcessKg)
	}

	w := do(t, router, "GET", "/api/v1/contracts/"+created.Contract.ID, nil)
	if c := decode[model.TradeContract](t, w); !c.PendingQuantity.IsZero() {
		t.Errorf("pending should clamp at 0, got %s", c.PendingQuantity)
	}
}

func TestFulfillment_Validation(t *testing.T) {
	_, router := newTestEnv(t)
	created := createContract(t, router, purchase("wheat", "indore", "ramesh", "20", "2500"))

	for _, req := range []ledger.FulfillmentRequest{
		{Date: "2024-02-05", DeliveredKg: decimal.Zero},
		{Date: "2024-02-05", DeliveredKg: d("-10")},
		{Date: "", DeliveredKg: d("10")},
	} {
		w := do(t, router, "POST", "/api/v1/contracts/"+created.Contract.ID+"/fulfillments", req)
		if w.Code != http.StatusBadRequest {
			t.Errorf("%+v: expected 400, got %d", req, w.Code)
		}
	}

	w := do(t, router, "POST", "/api/v1/contracts/nope/fulfillments", ledger.FulfillmentRequest{
		Date: "2024-02-05", DeliveredKg: d("10"),
	})
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown contract: expected 404, got %d", w.Code)
	}
}

func TestUpdateFulfillment_Repoint(t *testing.T) {
	_, router := newTestEnv(t)
	first := createContract(t, router, purchase("wheat", "indore", "ramesh", "20", "2500"))
	second := createContract(t, router, purchase("chana", "indore", "ramesh", "10", "5000"))
	loaded := load(t, router, first.Contract.ID, "4000")

	w := do(t, router, "PUT", "/api/v1/fulfillments/"+loaded.Fulfillment.ID, ledger.FulfillmentRequest{
		ContractID:  second.Contract.ID,
		Date:        "2024-02-06",
		DeliveredKg: d("3000"),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	resp := decode[ledger.WriteResponse](t, w)
	if len(resp.Positions) != 2 {
		t.Errorf("expected 2 positions rewritten, got %d", len(resp.Positions))
	}

	wheat := getPosition(t, router, "wheat", "indore")
	if !wheat.LoadedPurchasePacks.IsZero() {
		t.Errorf("wheat loaded should be 0, got %s", wheat.LoadedPurchasePacks)
	}
	chana := getPosition(t, router, "chana", "indore")
	if !chana.LoadedPurchasePacks.Equal(d("3")) {
		t.Errorf("chana loaded should be 3, got %s", chana.LoadedPurchasePacks)
	}

	w = do(t, router, "GET", "/api/v1/contracts/"+first.Contract.ID, nil)
	if c := decode[model.TradeContract](t, w); !c.PendingQuantity.Equal(d("20")) {
		t.Errorf("first contract pending should be 20, got %s", c.PendingQuantity)
	}
}

// --- Position tests ---

func TestListPositions_PendingFilter(t *testing.T) {
	_, router := newTestEnv(t)
	a := createContract(t, router, purchase("wheat", "indore", "ramesh", "2", "2500"))
	createContract(t, router, purchase("chana", "indore", "ramesh", "4", "5000"))
	load(t, router, a.Contract.ID, "2000")

	w := do(t, router, "GET", "/api/v1/positions", nil)
	if got := decode[[]model.PositionView](t, w); len(got) != 2 {
		t.Errorf("expected 2 positions, got %d", len(got))
	}
	w = do(t, router, "GET", "/api/v1/positions?pending=true", nil)
	got := decode[[]model.PositionView](t, w)
	if len(got) != 1 || got[0].ItemID != "chana" {
		t.Errorf("expected only chana pending, got %+v", got)
	}
}

func TestGetPosition_NotFound(t *testing.T) {
	_, router := newTestEnv(t)
	w := do(t, router, "GET", "/api/v1/positions/wheat/indore", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
	w = do(t, router, "GET", "/api/v1/positions/wheat/indore/parties", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("parties: expected 404, got %d", w.Code)
	}
}

func TestGetPartyBreakdown(t *testing.T) {
	_, router := newTestEnv(t)
	a := createContract(t, router, purchase("wheat", "indore", "ramesh", "10", "2500"))
	createContract(t, router, sale("wheat", "indore", "ramesh", "4", "2600"))
	createContract(t, router, sale("wheat", "indore", "mahesh", "3", "2700"))
	load(t, router, a.Contract.ID, "6000")

	w := do(t, router, "GET", "/api/v1/positions/wheat/indore/parties", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	b := decode[model.PartyBreakdown](t, w)
	if len(b.Parties) != 2 {
		t.Fatalf("expected 2 parties, got %d", len(b.Parties))
	}
	mahesh, ramesh := b.Parties[0], b.Parties[1]
	if !mahesh.PurchasePacks.IsZero() || !mahesh.SalePacks.Equal(d("3")) {
		t.Errorf("unexpected mahesh line: %+v", mahesh)
	}
	if !ramesh.PendingPurchasePacks.Equal(d("4")) || !ramesh.NetPendingPacks.Equal(d("0")) {
		t.Errorf("unexpected ramesh line: %+v", ramesh)
	}
}

// --- P&L tests ---

func TestPnL_GenerateAndRead(t *testing.T) {
	_, router := newTestEnv(t)
	createContract(t, router, purchase("wheat", "indore", "ramesh", "20", "100"))
	createContract(t, router, sale("wheat", "indore", "mahesh", "5", "120"))

	w := do(t, router, "POST", "/api/v1/pnl/generate?date=2024-02-01", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("generate: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = do(t, router, "GET", "/api/v1/pnl?date=2024-02-01", nil)
	resp := decode[ledger.PnLResponse](t, w)
	if resp.Date != "2024-02-01" || len(resp.Items) != 1 {
		t.Fatalf("unexpected pnl response: %+v", resp)
	}
	row := resp.Items[0]
	if !row.AvgBuyRate.Equal(d("100")) || !row.AvgSellRate.Equal(d("120")) {
		t.Errorf("unexpected rates: buy %s sell %s", row.AvgBuyRate, row.AvgSellRate)
	}
	if !row.Profit.Equal(d("10000")) {
		t.Errorf("expected profit 10000, got %s", row.Profit)
	}

	// Later edits regenerate the existing snapshot.
	createContract(t, router, sale("wheat", "indore", "mahesh", "5", "140"))
	w = do(t, router, "GET", "/api/v1/pnl?date=2024-02-01", nil)
	resp = decode[ledger.PnLResponse](t, w)
	if !resp.Items[0].SellPacks.Equal(d("10")) {
		t.Errorf("snapshot should include the new sale, got %s packs", resp.Items[0].SellPacks)
	}
}

func TestPnL_BadDate(t *testing.T) {
	_, router := newTestEnv(t)
	tests := []struct{ method, path string }{
		{"GET", "/api/v1/pnl?date=yesterday"},
		{"POST", "/api/v1/pnl/generate?date=2024-13-01"},
	}
	for _, tt := range tests {
		w := do(t, router, tt.method, tt.path, nil)
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s %s: expected 400, got %d", tt.method, tt.path, w.Code)
		}
	}
}

func TestFuturePnL(t *testing.T) {
	_, router := newTestEnv(t)
	a := createContract(t, router, purchase("wheat", "indore", "ramesh", "20", "100"))
	createContract(t, router, purchase("chana", "indore", "ramesh", "20", "100"))
	load(t, router, a.Contract.ID, "5000")

	w := do(t, router, "GET", "/api/v1/pnl/future", nil)
	rows := decode[[]model.FuturePnL](t, w)
	if len(rows) != 1 || rows[0].ItemID != "wheat" {
		t.Fatalf("expected only the partially loaded wheat contract, got %+v", rows)
	}
	if !rows[0].BuyPacks.Equal(d("20")) {
		t.Errorf("expected 20 buy packs, got %s", rows[0].BuyPacks)
	}
}

// --- Maintenance tests ---

func TestMaintenance_RecalculateStock(t *testing.T) {
	ms, router := newTestEnv(t)
	created := createContract(t, router, purchase("wheat", "indore", "ramesh", "20", "2500"))
	load(t, router, created.Contract.ID, "12000")

	// Corrupt the derived row behind the engine's back.
	corrupt := model.StockPosition{ItemID: "wheat", PlantID: "indore", TotalPurchasePacks: d("999")}
	ctx := context.Background()
	if err := ms.WithinTx(ctx, func(tx store.Tx) error {
		return tx.UpsertStockPosition(ctx, &corrupt)
	}); err != nil {
		t.Fatalf("corrupt: %v", err)
	}

	w := do(t, router, "POST", "/api/v1/maintenance/recalculate-stock", nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	job := decode[backfill.Job](t, w)

	deadline := time.Now().Add(2 * time.Second)
	for {
		w = do(t, router, "GET", "/api/v1/maintenance/jobs/"+job.ID, nil)
		job = decode[backfill.Job](t, w)
		if job.Finished() || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if job.Status != backfill.StatusSucceeded {
		t.Fatalf("expected succeeded, got %s (%s)", job.Status, job.Error)
	}

	pos := getPosition(t, router, "wheat", "indore")
	if !pos.TotalPurchasePacks.Equal(d("20")) || !pos.LoadedPurchasePacks.Equal(d("12")) {
		t.Errorf("position not repaired: %+v", pos.StockPosition)
	}
}

func TestMaintenance_BadParamsAndUnknownJob(t *testing.T) {
	_, router := newTestEnv(t)

	w := do(t, router, "POST", "/api/v1/maintenance/recalculate-pnl?prune=maybe", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
	w = do(t, router, "GET", "/api/v1/maintenance/jobs/nope", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
	w = do(t, router, "DELETE", "/api/v1/maintenance/jobs/nope", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}
