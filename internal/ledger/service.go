// Package ledger provides the HTTP handlers for the trade and fulfillment
// ledgers and for reading the positions and P&L derived from them.
//
// Every ledger write runs in one unit of work together with the
// recalculation it triggers: the contract or loading is stored, pending
// quantities, stock positions and affected snapshot dates are rebuilt, and
// all of it commits or none of it does.
//
// All quantities and money use shopspring/decimal, never float64.
package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/saudabook/position-engine/internal/backfill"
	"github.com/saudabook/position-engine/internal/contract"
	"github.com/saudabook/position-engine/internal/engine"
	"github.com/saudabook/position-engine/internal/metrics"
	"github.com/saudabook/position-engine/internal/model"
	"github.com/saudabook/position-engine/internal/overdelivery"
	"github.com/saudabook/position-engine/internal/store"
)

// numberAttempts bounds retries when an auto-allocated contract number
// collides with a concurrent allocation.
const numberAttempts = 3

// errValidation marks request errors that map to 400.
var errValidation = errors.New("validation failed")

// Service handles ledger writes and position queries.
type Service struct {
	store    store.Store
	triggers *engine.Triggers
	runner   *backfill.Runner
	validate *validator.Validate
	wsHub    *WSHub // optional WebSocket hub for real-time broadcasts
	now      func() time.Time
}

// NewService creates a new ledger service.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewService(st store.Store, triggers *engine.Triggers, runner *backfill.Runner, hub *WSHub) *Service {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return &Service{
		store:    st,
		triggers: triggers,
		runner:   runner,
		validate: v,
		wsHub:    hub,
		now:      time.Now,
	}
}

// RegisterRoutes mounts every ledger, report and maintenance route on r.
func (s *Service) RegisterRoutes(r chi.Router) {
	r.Route("/contracts", func(r chi.Router) {
		r.Get("/", s.ListContracts)
		r.Post("/", s.CreateContract)
		r.Get("/{contractID}", s.GetContract)
		r.Put("/{contractID}", s.UpdateContract)
		r.Delete("/{contractID}", s.DeleteContract)
		r.Get("/{contractID}/fulfillments", s.ListFulfillments)
		r.Post("/{contractID}/fulfillments", s.CreateFulfillment)
	})
	r.Put("/fulfillments/{fulfillmentID}", s.UpdateFulfillment)
	r.Delete("/fulfillments/{fulfillmentID}", s.DeleteFulfillment)

	r.Get("/positions", s.ListPositions)
	r.Get("/positions/{itemID}/{plantID}", s.GetPosition)
	r.Get("/positions/{itemID}/{plantID}/parties", s.GetPartyBreakdown)

	r.Get("/pnl", s.GetPnL)
	r.Post("/pnl/generate", s.GeneratePnL)
	r.Get("/pnl/future", s.GetFuturePnL)

	r.Route("/maintenance", func(r chi.Router) {
		r.Post("/recalculate-stock", s.StartRecalculateStock)
		r.Post("/recalculate-pnl", s.StartRecalculatePnL)
		r.Get("/jobs/{jobID}", s.GetJob)
		r.Delete("/jobs/{jobID}", s.CancelJob)
	})
}

// --- Request/Response types ---

// ContractRequest is the JSON body for creating or replacing a contract.
type ContractRequest struct {
	Number        string          `json:"number" validate:"omitempty,max=32"` // allocated when empty
	Type          model.TradeType `json:"type" validate:"required,oneof=purchase sale"`
	TradeDate     string          `json:"trade_date" validate:"required,datetime=2006-01-02"`
	PartyID       string          `json:"party_id" validate:"required,max=64"`
	BrokerID      string          `json:"broker_id" validate:"max=64"`
	ItemID        string          `json:"item_id" validate:"required,max=64"`
	PlantID       string          `json:"plant_id" validate:"required,max=64"`
	Quantity      decimal.Decimal `json:"quantity"` // packs
	Rate          decimal.Decimal `json:"rate"`     // per 10 kg
	DeliveryTerms string          `json:"delivery_terms" validate:"max=256"`
	PaymentTerms  string          `json:"payment_terms" validate:"max=256"`
	Remarks       string          `json:"remarks" validate:"max=1024"`
}

// FulfillmentRequest is the JSON body for recording or editing a loading.
type FulfillmentRequest struct {
	ContractID    string          `json:"contract_id"` // PUT only; moves the event to another contract
	Date          string          `json:"date" validate:"required,datetime=2006-01-02"`
	DeliveredKg   decimal.Decimal `json:"delivered_kg"`
	VehicleNumber string          `json:"vehicle_number" validate:"max=32"`
	Transporter   string          `json:"transporter" validate:"max=128"`
	Remarks       string          `json:"remarks" validate:"max=1024"`
}

// WriteResponse is returned from every ledger write: the stored row plus the
// derived rows the write rewrote.
type WriteResponse struct {
	Contract       *model.TradeContract    `json:"contract,omitempty"`
	Fulfillment    *model.FulfillmentEvent `json:"fulfillment,omitempty"`
	Positions      []model.PositionView    `json:"positions"`
	OverDeliveries []overdelivery.Flag     `json:"over_deliveries,omitempty"`
	SnapshotDates  []string                `json:"snapshot_dates,omitempty"`
}

// PnLResponse is the body of GET /pnl.
type PnLResponse struct {
	Date  string                    `json:"date"`
	Items []model.PlusMinusSnapshot `json:"items"`
}

// --- Contract handlers ---

// CreateContract handles POST /api/v1/contracts
func (s *Service) CreateContract(w http.ResponseWriter, r *http.Request) {
	var req ContractRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	c, err := s.contractFromRequest(&req)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	now := s.now().UTC()
	c.ID = uuid.New().String()
	c.PendingQuantity = c.Quantity
	c.CreatedAt = now
	c.UpdatedAt = now

	ctx := r.Context()
	start := time.Now()
	var out *engine.Outcome
	var stored *model.TradeContract
	for attempt := 1; ; attempt++ {
		err = s.store.WithinTx(ctx, func(tx store.Tx) error {
			if req.Number == "" {
				number, err := contract.Next(ctx, tx, c.Type, c.TradeDate)
				if err != nil {
					return err
				}
				c.Number = number
			}
			if err := engine.LockKeys(ctx, tx, c.Key()); err != nil {
				return err
			}
			if err := tx.InsertContract(ctx, c); err != nil {
				return err
			}
			var err error
			if out, err = s.triggers.ContractCreated(ctx, tx, c); err != nil {
				return err
			}
			stored, err = tx.GetContract(ctx, c.ID)
			return err
		})
		if req.Number == "" && errors.Is(err, store.ErrDuplicateContractNumber) && attempt < numberAttempts {
			continue
		}
		break
	}
	if err != nil {
		writeStoreError(w, "create contract", err)
		return
	}
	s.recordWrite("contract", "create", start, out)

	slog.Info("contract created",
		"contract_id", stored.ID,
		"number", stored.Number,
		"type", stored.Type,
		"item_id", stored.ItemID,
		"plant_id", stored.PlantID,
		"quantity", stored.Quantity.String(),
		"rate", stored.Rate.String(),
	)

	writeJSON(w, http.StatusCreated, newWriteResponse(out, stored, nil))
}

// GetContract handles GET /api/v1/contracts/{contractID}
func (s *Service) GetContract(w http.ResponseWriter, r *http.Request) {
	c, err := s.store.GetContract(r.Context(), chi.URLParam(r, "contractID"))
	if err != nil {
		writeStoreError(w, "get contract", err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// ListContracts handles GET /api/v1/contracts
// Filters: ?item_id=, ?plant_id=, ?type=purchase|sale, ?pending=true.
func (s *Service) ListContracts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.ContractFilter{
		ItemID:  q.Get("item_id"),
		PlantID: q.Get("plant_id"),
		Type:    model.TradeType(q.Get("type")),
	}
	if f.Type != "" && !f.Type.Valid() {
		writeError(w, "type must be purchase or sale", http.StatusBadRequest)
		return
	}
	pending, err := boolParam(r, "pending", false)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.PendingOnly = pending

	contracts, err := s.store.ListContracts(r.Context(), f)
	if err != nil {
		writeStoreError(w, "list contracts", err)
		return
	}
	if contracts == nil {
		contracts = []model.TradeContract{}
	}
	writeJSON(w, http.StatusOK, contracts)
}

// UpdateContract handles PUT /api/v1/contracts/{contractID}
// The body replaces every editable field. An empty number keeps the current one.
func (s *Service) UpdateContract(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "contractID")
	var req ContractRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	after, err := s.contractFromRequest(&req)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	start := time.Now()
	var out *engine.Outcome
	var stored *model.TradeContract
	err = s.store.WithinTx(ctx, func(tx store.Tx) error {
		before, err := tx.GetContract(ctx, id)
		if err != nil {
			return err
		}
		after.ID = before.ID
		after.PendingQuantity = after.Quantity // recomputed by the trigger below
		after.CreatedAt = before.CreatedAt
		after.UpdatedAt = s.now().UTC()
		if after.Number == "" {
			after.Number = before.Number
			if _, err := contract.Validate(after.Number, after.Type, after.TradeDate); err != nil {
				return fmt.Errorf("%w: %v (supply a new number)", errValidation, err)
			}
		}

		if err := engine.LockKeys(ctx, tx, before.Key(), after.Key()); err != nil {
			return err
		}
		if err := tx.UpdateContract(ctx, after); err != nil {
			return err
		}
		if out, err = s.triggers.ContractUpdated(ctx, tx, before, after); err != nil {
			return err
		}
		stored, err = tx.GetContract(ctx, id)
		return err
	})
	if err != nil {
		writeStoreError(w, "update contract", err)
		return
	}
	s.recordWrite("contract", "update", start, out)

	slog.Info("contract updated",
		"contract_id", stored.ID,
		"number", stored.Number,
		"item_id", stored.ItemID,
		"plant_id", stored.PlantID,
		"pending", stored.PendingQuantity.String(),
	)

	writeJSON(w, http.StatusOK, newWriteResponse(out, stored, nil))
}

// DeleteContract handles DELETE /api/v1/contracts/{contractID}
// A contract with loadings cannot be deleted (409).
func (s *Service) DeleteContract(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "contractID")
	ctx := r.Context()
	start := time.Now()

	var out *engine.Outcome
	var deleted *model.TradeContract
	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		c, err := tx.GetContract(ctx, id)
		if err != nil {
			return err
		}
		if err := engine.LockKeys(ctx, tx, c.Key()); err != nil {
			return err
		}
		if err := tx.DeleteContract(ctx, id); err != nil {
			return err
		}
		deleted = c
		out, err = s.triggers.ContractDeleted(ctx, tx, c)
		return err
	})
	if err != nil {
		writeStoreError(w, "delete contract", err)
		return
	}
	s.recordWrite("contract", "delete", start, out)

	slog.Info("contract deleted",
		"contract_id", deleted.ID,
		"number", deleted.Number,
		"item_id", deleted.ItemID,
		"plant_id", deleted.PlantID,
	)

	writeJSON(w, http.StatusOK, newWriteResponse(out, deleted, nil))
}

// --- Fulfillment handlers ---

// CreateFulfillment handles POST /api/v1/contracts/{contractID}/fulfillments
func (s *Service) CreateFulfillment(w http.ResponseWriter, r *http.Request) {
	contractID := chi.URLParam(r, "contractID")
	var req FulfillmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	e, err := s.fulfillmentFromRequest(&req)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	e.ID = uuid.New().String()
	e.ContractID = contractID
	e.CreatedAt = s.now().UTC()

	ctx := r.Context()
	start := time.Now()
	var out *engine.Outcome
	var c *model.TradeContract
	err = s.store.WithinTx(ctx, func(tx store.Tx) error {
		var err error
		if c, err = tx.GetContract(ctx, contractID); err != nil {
			return err
		}
		if err := engine.LockKeys(ctx, tx, c.Key()); err != nil {
			return err
		}
		if err := tx.InsertFulfillment(ctx, e); err != nil {
			return err
		}
		out, err = s.triggers.FulfillmentChanged(ctx, tx, c)
		return err
	})
	if err != nil {
		writeStoreError(w, "create fulfillment", err)
		return
	}
	s.recordWrite("fulfillment", "create", start, out)

	slog.Info("fulfillment recorded",
		"fulfillment_id", e.ID,
		"contract_id", contractID,
		"item_id", c.ItemID,
		"plant_id", c.PlantID,
		"delivered_kg", e.DeliveredKg.String(),
	)

	writeJSON(w, http.StatusCreated, newWriteResponse(out, nil, e))
}

// ListFulfillments handles GET /api/v1/contracts/{contractID}/fulfillments
func (s *Service) ListFulfillments(w http.ResponseWriter, r *http.Request) {
	contractID := chi.URLParam(r, "contractID")
	ctx := r.Context()
	if _, err := s.store.GetContract(ctx, contractID); err != nil {
		writeStoreError(w, "list fulfillments", err)
		return
	}
	events, err := s.store.ListFulfillments(ctx, contractID)
	if err != nil {
		writeStoreError(w, "list fulfillments", err)
		return
	}
	if events == nil {
		events = []model.FulfillmentEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

// UpdateFulfillment handles PUT /api/v1/fulfillments/{fulfillmentID}
// Supplying a different contract_id moves the loading; both contracts are
// recalculated.
func (s *Service) UpdateFulfillment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "fulfillmentID")
	var req FulfillmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	e, err := s.fulfillmentFromRequest(&req)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	start := time.Now()
	var out *engine.Outcome
	err = s.store.WithinTx(ctx, func(tx store.Tx) error {
		before, err := tx.GetFulfillment(ctx, id)
		if err != nil {
			return err
		}
		oldContract, err := tx.GetContract(ctx, before.ContractID)
		if err != nil {
			return err
		}
		newContract := oldContract
		if req.ContractID != "" && req.ContractID != before.ContractID {
			if newContract, err = tx.GetContract(ctx, req.ContractID); err != nil {
				return err
			}
		}

		e.ID = before.ID
		e.ContractID = newContract.ID
		e.CreatedAt = before.CreatedAt
		if err := engine.LockKeys(ctx, tx, oldContract.Key(), newContract.Key()); err != nil {
			return err
		}
		if err := tx.UpdateFulfillment(ctx, e); err != nil {
			return err
		}
		out, err = s.triggers.FulfillmentChanged(ctx, tx, oldContract, newContract)
		return err
	})
	if err != nil {
		writeStoreError(w, "update fulfillment", err)
		return
	}
	s.recordWrite("fulfillment", "update", start, out)

	slog.Info("fulfillment updated",
		"fulfillment_id", e.ID,
		"contract_id", e.ContractID,
		"delivered_kg", e.DeliveredKg.String(),
	)

	writeJSON(w, http.StatusOK, newWriteResponse(out, nil, e))
}

// DeleteFulfillment handles DELETE /api/v1/fulfillments/{fulfillmentID}
func (s *Service) DeleteFulfillment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "fulfillmentID")
	ctx := r.Context()
	start := time.Now()

	var out *engine.Outcome
	var deleted *model.FulfillmentEvent
	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		e, err := tx.GetFulfillment(ctx, id)
		if err != nil {
			return err
		}
		c, err := tx.GetContract(ctx, e.ContractID)
		if err != nil {
			return err
		}
		if err := engine.LockKeys(ctx, tx, c.Key()); err != nil {
			return err
		}
		if err := tx.DeleteFulfillment(ctx, id); err != nil {
			return err
		}
		deleted = e
		out, err = s.triggers.FulfillmentChanged(ctx, tx, c)
		return err
	})
	if err != nil {
		writeStoreError(w, "delete fulfillment", err)
		return
	}
	s.recordWrite("fulfillment", "delete", start, out)

	slog.Info("fulfillment deleted", "fulfillment_id", deleted.ID, "contract_id", deleted.ContractID)

	writeJSON(w, http.StatusOK, newWriteResponse(out, nil, deleted))
}

// --- Position handlers ---

// ListPositions handles GET /api/v1/positions
// ?pending=true keeps only positions with undelivered quantity on either side.
func (s *Service) ListPositions(w http.ResponseWriter, r *http.Request) {
	pendingOnly, err := boolParam(r, "pending", false)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	positions, err := s.store.ListStockPositions(r.Context())
	if err != nil {
		writeStoreError(w, "list positions", err)
		return
	}

	views := make([]model.PositionView, 0, len(positions))
	for i := range positions {
		p := &positions[i]
		if pendingOnly && !p.HasPending() {
			continue
		}
		views = append(views, p.View())
	}
	writeJSON(w, http.StatusOK, views)
}

// GetPosition handles GET /api/v1/positions/{itemID}/{plantID}
func (s *Service) GetPosition(w http.ResponseWriter, r *http.Request) {
	p, err := s.store.GetStockPosition(r.Context(), positionKey(r))
	if err != nil {
		writeStoreError(w, "get position", err)
		return
	}
	writeJSON(w, http.StatusOK, p.View())
}

// GetPartyBreakdown handles GET /api/v1/positions/{itemID}/{plantID}/parties
func (s *Service) GetPartyBreakdown(w http.ResponseWriter, r *http.Request) {
	key := positionKey(r)
	ctx := r.Context()
	if _, err := s.store.GetStockPosition(ctx, key); err != nil {
		writeStoreError(w, "party breakdown", err)
		return
	}
	b, err := engine.PartyBreakdown(ctx, s.store, key)
	if err != nil {
		writeStoreError(w, "party breakdown", err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// --- P&L handlers ---

// GetPnL handles GET /api/v1/pnl?date=YYYY-MM-DD (default today).
func (s *Service) GetPnL(w http.ResponseWriter, r *http.Request) {
	date, err := s.dateParam(r)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	rows, err := s.store.ListSnapshots(r.Context(), date)
	if err != nil {
		writeStoreError(w, "list snapshots", err)
		return
	}
	if rows == nil {
		rows = []model.PlusMinusSnapshot{}
	}
	writeJSON(w, http.StatusOK, PnLResponse{Date: date.Format(model.DateLayout), Items: rows})
}

// GeneratePnL handles POST /api/v1/pnl/generate?date=YYYY-MM-DD (default today).
func (s *Service) GeneratePnL(w http.ResponseWriter, r *http.Request) {
	date, err := s.dateParam(r)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	ctx := r.Context()
	n, err := s.runner.GenerateSnapshots(ctx, date)
	if err != nil {
		writeStoreError(w, "generate snapshots", err)
		return
	}
	rows, err := s.store.ListSnapshots(ctx, date)
	if err != nil {
		writeStoreError(w, "list snapshots", err)
		return
	}
	if rows == nil {
		rows = []model.PlusMinusSnapshot{}
	}

	slog.Info("snapshots generated", "date", date.Format(model.DateLayout), "rows", n)
	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{Type: MsgSnapshotsGenerated, Dates: formatDates([]time.Time{date})})
	}

	writeJSON(w, http.StatusOK, PnLResponse{Date: date.Format(model.DateLayout), Items: rows})
}

// GetFuturePnL handles GET /api/v1/pnl/future
func (s *Service) GetFuturePnL(w http.ResponseWriter, r *http.Request) {
	rows, err := engine.FuturePnL(r.Context(), s.store)
	if err != nil {
		writeStoreError(w, "future pnl", err)
		return
	}
	if rows == nil {
		rows = []model.FuturePnL{}
	}
	writeJSON(w, http.StatusOK, rows)
}

// --- Maintenance handlers ---

// StartRecalculateStock handles POST /api/v1/maintenance/recalculate-stock
// ?continue_on_error=false stops at the first failing position.
func (s *Service) StartRecalculateStock(w http.ResponseWriter, r *http.Request) {
	s.startBackfill(w, r, backfill.KindStock)
}

// StartRecalculatePnL handles POST /api/v1/maintenance/recalculate-pnl
// ?prune=true also deletes snapshots for dates without trades.
func (s *Service) StartRecalculatePnL(w http.ResponseWriter, r *http.Request) {
	s.startBackfill(w, r, backfill.KindPnL)
}

func (s *Service) startBackfill(w http.ResponseWriter, r *http.Request, kind backfill.Kind) {
	var opts backfill.Options
	var err error
	if opts.ContinueOnError, err = boolParam(r, "continue_on_error", true); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if opts.PruneSnapshots, err = boolParam(r, "prune", false); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	job, err := s.runner.Start(kind, opts)
	if errors.Is(err, backfill.ErrAlreadyRunning) {
		writeError(w, err.Error(), http.StatusConflict)
		return
	}
	if err != nil {
		writeStoreError(w, "start backfill", err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

// GetJob handles GET /api/v1/maintenance/jobs/{jobID}
func (s *Service) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.runner.Get(chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, "job not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// CancelJob handles DELETE /api/v1/maintenance/jobs/{jobID}
func (s *Service) CancelJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.runner.Cancel(chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, "job not found", http.StatusNotFound)
		return
	}
	slog.Info("backfill cancel requested", "job_id", job.ID, "kind", job.Kind)
	writeJSON(w, http.StatusAccepted, job)
}

// --- Helpers ---

func (s *Service) contractFromRequest(req *ContractRequest) (*model.TradeContract, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, validationError(err)
	}
	if !req.Quantity.IsPositive() {
		return nil, errors.New("quantity must be positive")
	}
	if req.Rate.IsNegative() {
		return nil, errors.New("rate must not be negative")
	}
	tradeDate, err := model.ParseDate(req.TradeDate)
	if err != nil {
		return nil, err
	}
	if req.Number != "" {
		if _, err := contract.Validate(req.Number, req.Type, tradeDate); err != nil {
			return nil, err
		}
	}
	return &model.TradeContract{
		Number:        req.Number,
		Type:          req.Type,
		TradeDate:     tradeDate,
		PartyID:       req.PartyID,
		BrokerID:      req.BrokerID,
		ItemID:        req.ItemID,
		PlantID:       req.PlantID,
		Quantity:      req.Quantity,
		Rate:          req.Rate,
		DeliveryTerms: req.DeliveryTerms,
		PaymentTerms:  req.PaymentTerms,
		Remarks:       req.Remarks,
	}, nil
}

func (s *Service) fulfillmentFromRequest(req *FulfillmentRequest) (*model.FulfillmentEvent, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, validationError(err)
	}
	if !req.DeliveredKg.IsPositive() {
		return nil, errors.New("delivered_kg must be positive")
	}
	date, err := model.ParseDate(req.Date)
	if err != nil {
		return nil, err
	}
	return &model.FulfillmentEvent{
		Date:          date,
		DeliveredKg:   req.DeliveredKg,
		VehicleNumber: req.VehicleNumber,
		Transporter:   req.Transporter,
		Remarks:       req.Remarks,
	}, nil
}

func (s *Service) dateParam(r *http.Request) (time.Time, error) {
	raw := r.URL.Query().Get("date")
	if raw == "" {
		return model.DateOf(s.now()), nil
	}
	return model.ParseDate(raw)
}

// recordWrite updates metrics for a committed unit of work and pushes its
// derived rows to WebSocket clients.
func (s *Service) recordWrite(entity, op string, start time.Time, out *engine.Outcome) {
	metrics.LedgerWritesTotal.WithLabelValues(entity, op).Inc()
	metrics.UnitOfWorkDuration.WithLabelValues(entity + "_" + op).Observe(time.Since(start).Seconds())
	if out == nil {
		return
	}
	metrics.RecalculationsTotal.WithLabelValues("pending").Add(float64(len(out.Pending)))
	metrics.RecalculationsTotal.WithLabelValues("stock").Add(float64(len(out.Positions)))
	metrics.RecalculationsTotal.WithLabelValues("snapshot_date").Add(float64(len(out.SnapshotDates)))
	metrics.OverDeliveriesTotal.Add(float64(len(out.OverDeliveries)))

	if s.wsHub != nil {
		s.wsHub.BroadcastOutcome(out)
	}
}

func newWriteResponse(out *engine.Outcome, c *model.TradeContract, e *model.FulfillmentEvent) WriteResponse {
	resp := WriteResponse{
		Contract:    c,
		Fulfillment: e,
		Positions:   []model.PositionView{},
	}
	if out == nil {
		return resp
	}
	for i := range out.Positions {
		resp.Positions = append(resp.Positions, out.Positions[i].View())
	}
	resp.OverDeliveries = out.OverDeliveries
	if len(out.SnapshotDates) > 0 {
		resp.SnapshotDates = formatDates(out.SnapshotDates)
	}
	return resp
}

func positionKey(r *http.Request) model.PositionKey {
	return model.PositionKey{
		ItemID:  chi.URLParam(r, "itemID"),
		PlantID: chi.URLParam(r, "plantID"),
	}
}

func boolParam(r *http.Request, name string, def bool) (bool, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%s must be true or false", name)
	}
	return v, nil
}

// validationError flattens validator errors into one message, e.g.
// "party_id is required; trade_date must match 2006-01-02".
func validationError(err error) error {
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		return err
	}
	msgs := make([]string, 0, len(ve))
	for _, fe := range ve {
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, fe.Field()+" is required")
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("%s must be one of [%s]", fe.Field(), fe.Param()))
		case "datetime":
			msgs = append(msgs, fmt.Sprintf("%s must match %s", fe.Field(), fe.Param()))
		case "max":
			msgs = append(msgs, fmt.Sprintf("%s must be at most %s characters", fe.Field(), fe.Param()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
		}
	}
	return errors.New(strings.Join(msgs, "; "))
}

// writeStoreError maps unit-of-work errors onto HTTP statuses. Anything
// unclassified is a 500 and nothing was committed.
func writeStoreError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, store.ErrDuplicateContractNumber),
		errors.Is(err, store.ErrContractHasFulfillments):
		writeError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, errValidation),
		errors.Is(err, contract.ErrInvalidNumber),
		errors.Is(err, contract.ErrSideMismatch),
		errors.Is(err, contract.ErrYearMismatch):
		writeError(w, err.Error(), http.StatusBadRequest)
	default:
		slog.Error(op+" failed", "err", err)
		writeError(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
