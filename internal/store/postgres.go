package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/saudabook/position-engine/internal/model"
)

// Schema creates the four tables. Quantities and money are NUMERIC for
// exact decimal precision. loading_events restricts deletes of a contract
// that still has deliveries.
const Schema = `
CREATE TABLE IF NOT EXISTS sauda_contracts (
	id               TEXT PRIMARY KEY,
	number           TEXT NOT NULL UNIQUE,
	type             TEXT NOT NULL CHECK (type IN ('purchase', 'sale')),
	trade_date       DATE NOT NULL,
	party_id         TEXT NOT NULL,
	broker_id        TEXT NOT NULL DEFAULT '',
	item_id          TEXT NOT NULL,
	plant_id         TEXT NOT NULL,
	quantity         NUMERIC NOT NULL CHECK (quantity > 0),
	rate             NUMERIC NOT NULL CHECK (rate >= 0),
	pending_quantity NUMERIC NOT NULL CHECK (pending_quantity >= 0 AND pending_quantity <= quantity),
	delivery_terms   TEXT NOT NULL DEFAULT '',
	payment_terms    TEXT NOT NULL DEFAULT '',
	remarks          TEXT NOT NULL DEFAULT '',
	created_at       TIMESTAMPTZ NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS sauda_contracts_position_idx
	ON sauda_contracts (item_id, plant_id, type, trade_date);

CREATE TABLE IF NOT EXISTS loading_events (
	id               TEXT PRIMARY KEY,
	contract_id      TEXT NOT NULL REFERENCES sauda_contracts (id) ON DELETE RESTRICT,
	fulfillment_date DATE NOT NULL,
	delivered_kg     NUMERIC NOT NULL CHECK (delivered_kg > 0),
	vehicle_number   TEXT NOT NULL DEFAULT '',
	transporter      TEXT NOT NULL DEFAULT '',
	remarks          TEXT NOT NULL DEFAULT '',
	created_at       TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS loading_events_contract_idx ON loading_events (contract_id);

CREATE TABLE IF NOT EXISTS stock_positions (
	item_id               TEXT NOT NULL,
	plant_id              TEXT NOT NULL,
	total_purchase_packs  NUMERIC NOT NULL,
	total_sale_packs      NUMERIC NOT NULL,
	loaded_purchase_packs NUMERIC NOT NULL,
	loaded_sale_packs     NUMERIC NOT NULL,
	PRIMARY KEY (item_id, plant_id)
);

CREATE TABLE IF NOT EXISTS plus_minus_snapshots (
	snapshot_date    DATE NOT NULL,
	item_id          TEXT NOT NULL,
	plant_id         TEXT NOT NULL,
	buy_total        NUMERIC NOT NULL,
	sell_total       NUMERIC NOT NULL,
	buy_quantity     NUMERIC NOT NULL,
	sell_quantity    NUMERIC NOT NULL,
	buy_quantity_kg  NUMERIC NOT NULL,
	sell_quantity_kg NUMERIC NOT NULL,
	avg_buy_rate     NUMERIC NOT NULL,
	avg_sell_rate    NUMERIC NOT NULL,
	profit           NUMERIC NOT NULL,
	PRIMARY KEY (snapshot_date, item_id, plant_id)
);
`

// Postgres error codes the store translates into sentinel errors.
const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// PostgresStore implements Store using PostgreSQL as the source of truth.
type PostgresStore struct {
	pgReader
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pgReader: pgReader{q: pool}, pool: pool}
}

// Migrate creates missing tables and indexes.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// WithinTx runs fn in a READ COMMITTED transaction. Recalculations take
// transaction-scoped advisory locks on every key they aggregate, so a
// recomputation always reads the ledger after the previous writer to the
// same key has committed.
func (s *PostgresStore) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	return pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		return fn(&pgTx{pgReader: pgReader{q: tx}})
	})
}

// pgReader implements Reader over any querier.
type pgReader struct {
	q querier
}

const contractColumns = `id, number, type, trade_date, party_id, broker_id, item_id, plant_id,
	quantity::TEXT, rate::TEXT, pending_quantity::TEXT,
	delivery_terms, payment_terms, remarks, created_at, updated_at`

const fulfillmentColumns = `id, contract_id, fulfillment_date, delivered_kg::TEXT,
	vehicle_number, transporter, remarks, created_at`

func (r pgReader) GetContract(ctx context.Context, id string) (*model.TradeContract, error) {
	c, err := scanContract(r.q.QueryRow(ctx,
		`SELECT `+contractColumns+` FROM sauda_contracts WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(fmt.Sprintf("contract %s", id), err)
	}
	return c, nil
}

func (r pgReader) ListContracts(ctx context.Context, f ContractFilter) ([]model.TradeContract, error) {
	rows, err := r.q.Query(ctx,
		`SELECT `+contractColumns+`
		 FROM sauda_contracts
		 WHERE ($1 = '' OR item_id = $1)
		   AND ($2 = '' OR plant_id = $2)
		   AND ($3 = '' OR type = $3)
		   AND (NOT $4 OR pending_quantity > 0)
		 ORDER BY trade_date, number`,
		f.ItemID, f.PlantID, string(f.Type), f.PendingOnly)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var contracts []model.TradeContract
	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			return nil, err
		}
		contracts = append(contracts, *c)
	}
	return contracts, rows.Err()
}

func (r pgReader) GetFulfillment(ctx context.Context, id string) (*model.FulfillmentEvent, error) {
	e, err := scanFulfillment(r.q.QueryRow(ctx,
		`SELECT `+fulfillmentColumns+` FROM loading_events WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(fmt.Sprintf("fulfillment %s", id), err)
	}
	return e, nil
}

func (r pgReader) ListFulfillments(ctx context.Context, contractID string) ([]model.FulfillmentEvent, error) {
	rows, err := r.q.Query(ctx,
		`SELECT `+fulfillmentColumns+`
		 FROM loading_events WHERE contract_id = $1
		 ORDER BY fulfillment_date, created_at`, contractID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []model.FulfillmentEvent
	for rows.Next() {
		e, err := scanFulfillment(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *e)
	}
	return events, rows.Err()
}

func (r pgReader) SumDeliveredKg(ctx context.Context, contractID string) (decimal.Decimal, error) {
	return r.sum(ctx,
		`SELECT COALESCE(SUM(delivered_kg), 0)::TEXT FROM loading_events WHERE contract_id = $1`,
		contractID)
}

func (r pgReader) SumContractPacks(ctx context.Context, key model.PositionKey, t model.TradeType) (decimal.Decimal, error) {
	return r.sum(ctx,
		`SELECT COALESCE(SUM(quantity), 0)::TEXT
		 FROM sauda_contracts
		 WHERE item_id = $1 AND plant_id = $2 AND type = $3`,
		key.ItemID, key.PlantID, string(t))
}

func (r pgReader) SumLoadedKg(ctx context.Context, key model.PositionKey, t model.TradeType) (decimal.Decimal, error) {
	return r.sum(ctx,
		`SELECT COALESCE(SUM(le.delivered_kg), 0)::TEXT
		 FROM loading_events le
		 JOIN sauda_contracts c ON c.id = le.contract_id
		 WHERE c.item_id = $1 AND c.plant_id = $2 AND c.type = $3`,
		key.ItemID, key.PlantID, string(t))
}

func (r pgReader) sum(ctx context.Context, sql string, args ...any) (decimal.Decimal, error) {
	var s string
	if err := r.q.QueryRow(ctx, sql, args...).Scan(&s); err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(s)
}

func (r pgReader) PositionKeys(ctx context.Context) ([]model.PositionKey, error) {
	return r.keys(ctx,
		`SELECT DISTINCT item_id, plant_id FROM sauda_contracts ORDER BY item_id, plant_id`)
}

func (r pgReader) PositionKeysAsOf(ctx context.Context, date time.Time) ([]model.PositionKey, error) {
	return r.keys(ctx,
		`SELECT DISTINCT item_id, plant_id FROM sauda_contracts
		 WHERE trade_date <= $1 ORDER BY item_id, plant_id`, model.DateOf(date))
}

func (r pgReader) keys(ctx context.Context, sql string, args ...any) ([]model.PositionKey, error) {
	rows, err := r.q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []model.PositionKey
	for rows.Next() {
		var k model.PositionKey
		if err := rows.Scan(&k.ItemID, &k.PlantID); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Contract value is packs × 1000 kg × rate ÷ 10 kg = quantity × rate × 100.
func (r pgReader) TradeTotalsAsOf(ctx context.Context, key model.PositionKey, t model.TradeType, date time.Time) (Totals, error) {
	var valueS, packsS string
	err := r.q.QueryRow(ctx,
		`SELECT COALESCE(SUM(quantity * rate * 100), 0)::TEXT,
		        COALESCE(SUM(quantity), 0)::TEXT
		 FROM sauda_contracts
		 WHERE item_id = $1 AND plant_id = $2 AND type = $3 AND trade_date <= $4`,
		key.ItemID, key.PlantID, string(t), model.DateOf(date)).Scan(&valueS, &packsS)
	if err != nil {
		return Totals{}, err
	}
	return parseTotals(valueS, packsS)
}

func (r pgReader) TradeDates(ctx context.Context) ([]time.Time, error) {
	return r.dates(ctx, `SELECT DISTINCT trade_date FROM sauda_contracts ORDER BY trade_date`)
}

func (r pgReader) SnapshotDates(ctx context.Context) ([]time.Time, error) {
	return r.dates(ctx, `SELECT DISTINCT snapshot_date FROM plus_minus_snapshots ORDER BY snapshot_date`)
}

func (r pgReader) dates(ctx context.Context, sql string) ([]time.Time, error) {
	rows, err := r.q.Query(ctx, sql)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var dates []time.Time
	for rows.Next() {
		var d time.Time
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		dates = append(dates, model.DateOf(d))
	}
	return dates, rows.Err()
}

func (r pgReader) FutureTradeTotals(ctx context.Context, t model.TradeType) (map[model.PositionKey]Totals, error) {
	rows, err := r.q.Query(ctx,
		`SELECT c.item_id, c.plant_id,
		        COALESCE(SUM(c.quantity * c.rate * 100), 0)::TEXT,
		        COALESCE(SUM(c.quantity), 0)::TEXT
		 FROM sauda_contracts c
		 WHERE c.type = $1
		   AND c.pending_quantity > 0
		   AND EXISTS (SELECT 1 FROM loading_events le WHERE le.contract_id = c.id)
		 GROUP BY c.item_id, c.plant_id`, string(t))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[model.PositionKey]Totals)
	for rows.Next() {
		var k model.PositionKey
		var valueS, packsS string
		if err := rows.Scan(&k.ItemID, &k.PlantID, &valueS, &packsS); err != nil {
			return nil, err
		}
		tot, err := parseTotals(valueS, packsS)
		if err != nil {
			return nil, err
		}
		result[k] = tot
	}
	return result, rows.Err()
}

func (r pgReader) PartyTotals(ctx context.Context, key model.PositionKey, t model.TradeType) ([]PartyTotals, error) {
	rows, err := r.q.Query(ctx,
		`SELECT c.party_id,
		        COALESCE(SUM(c.quantity * c.rate * 100), 0)::TEXT,
		        COALESCE(SUM(c.quantity), 0)::TEXT,
		        COALESCE(SUM(d.kg), 0)::TEXT
		 FROM sauda_contracts c
		 LEFT JOIN (
		     SELECT contract_id, SUM(delivered_kg) AS kg
		     FROM loading_events GROUP BY contract_id
		 ) d ON d.contract_id = c.id
		 WHERE c.item_id = $1 AND c.plant_id = $2 AND c.type = $3
		 GROUP BY c.party_id
		 ORDER BY c.party_id`,
		key.ItemID, key.PlantID, string(t))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []PartyTotals
	for rows.Next() {
		var pt PartyTotals
		var valueS, packsS, kgS string
		if err := rows.Scan(&pt.PartyID, &valueS, &packsS, &kgS); err != nil {
			return nil, err
		}
		pt.Value, _ = decimal.NewFromString(valueS)
		pt.Packs, _ = decimal.NewFromString(packsS)
		pt.DeliveredKg, _ = decimal.NewFromString(kgS)
		result = append(result, pt)
	}
	return result, rows.Err()
}

const positionColumns = `item_id, plant_id,
	total_purchase_packs::TEXT, total_sale_packs::TEXT,
	loaded_purchase_packs::TEXT, loaded_sale_packs::TEXT`

func (r pgReader) GetStockPosition(ctx context.Context, key model.PositionKey) (*model.StockPosition, error) {
	p, err := scanPosition(r.q.QueryRow(ctx,
		`SELECT `+positionColumns+` FROM stock_positions WHERE item_id = $1 AND plant_id = $2`,
		key.ItemID, key.PlantID))
	if err != nil {
		return nil, notFound(fmt.Sprintf("stock position %s", key), err)
	}
	return p, nil
}

func (r pgReader) ListStockPositions(ctx context.Context) ([]model.StockPosition, error) {
	rows, err := r.q.Query(ctx,
		`SELECT `+positionColumns+` FROM stock_positions ORDER BY item_id, plant_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.StockPosition
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

func (r pgReader) ListSnapshots(ctx context.Context, date time.Time) ([]model.PlusMinusSnapshot, error) {
	rows, err := r.q.Query(ctx,
		`SELECT snapshot_date, item_id, plant_id,
		        buy_total::TEXT, sell_total::TEXT,
		        buy_quantity::TEXT, sell_quantity::TEXT,
		        buy_quantity_kg::TEXT, sell_quantity_kg::TEXT,
		        avg_buy_rate::TEXT, avg_sell_rate::TEXT, profit::TEXT
		 FROM plus_minus_snapshots
		 WHERE snapshot_date = $1
		 ORDER BY item_id, plant_id`, model.DateOf(date))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var snaps []model.PlusMinusSnapshot
	for rows.Next() {
		var s model.PlusMinusSnapshot
		var num [9]string
		if err := rows.Scan(&s.Date, &s.ItemID, &s.PlantID,
			&num[0], &num[1], &num[2], &num[3], &num[4], &num[5], &num[6], &num[7], &num[8]); err != nil {
			return nil, err
		}
		s.Date = model.DateOf(s.Date)
		s.BuyTotal, _ = decimal.NewFromString(num[0])
		s.SellTotal, _ = decimal.NewFromString(num[1])
		s.BuyPacks, _ = decimal.NewFromString(num[2])
		s.SellPacks, _ = decimal.NewFromString(num[3])
		s.BuyKg, _ = decimal.NewFromString(num[4])
		s.SellKg, _ = decimal.NewFromString(num[5])
		s.AvgBuyRate, _ = decimal.NewFromString(num[6])
		s.AvgSellRate, _ = decimal.NewFromString(num[7])
		s.Profit, _ = decimal.NewFromString(num[8])
		snaps = append(snaps, s)
	}
	return snaps, rows.Err()
}

// pgTx implements Tx inside one pgx transaction.
type pgTx struct {
	pgReader
}

// LockPosition takes a transaction-scoped advisory lock on the key.
func (t *pgTx) LockPosition(ctx context.Context, key model.PositionKey) error {
	return t.advisoryLock(ctx, "stock:"+key.String())
}

func (t *pgTx) LockSnapshots(ctx context.Context, date time.Time) error {
	return t.advisoryLock(ctx, "pnl:"+model.DateOf(date).Format(model.DateLayout))
}

func (t *pgTx) advisoryLock(ctx context.Context, name string) error {
	if _, err := t.q.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, name); err != nil {
		return fmt.Errorf("advisory lock %s: %w", name, err)
	}
	return nil
}

func (t *pgTx) InsertContract(ctx context.Context, c *model.TradeContract) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO sauda_contracts (id, number, type, trade_date, party_id, broker_id, item_id, plant_id,
		                              quantity, rate, pending_quantity,
		                              delivery_terms, payment_terms, remarks, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::NUMERIC, $10::NUMERIC, $11::NUMERIC, $12, $13, $14, $15, $16)`,
		c.ID, c.Number, string(c.Type), model.DateOf(c.TradeDate), c.PartyID, c.BrokerID, c.ItemID, c.PlantID,
		c.Quantity.String(), c.Rate.String(), c.PendingQuantity.String(),
		c.DeliveryTerms, c.PaymentTerms, c.Remarks, c.CreatedAt, c.UpdatedAt,
	)
	return contractWriteErr(c, err)
}

func (t *pgTx) UpdateContract(ctx context.Context, c *model.TradeContract) error {
	tag, err := t.q.Exec(ctx,
		`UPDATE sauda_contracts
		 SET number = $2, type = $3, trade_date = $4, party_id = $5, broker_id = $6,
		     item_id = $7, plant_id = $8, quantity = $9::NUMERIC, rate = $10::NUMERIC,
		     pending_quantity = $11::NUMERIC, delivery_terms = $12, payment_terms = $13,
		     remarks = $14, updated_at = $15
		 WHERE id = $1`,
		c.ID, c.Number, string(c.Type), model.DateOf(c.TradeDate), c.PartyID, c.BrokerID,
		c.ItemID, c.PlantID, c.Quantity.String(), c.Rate.String(),
		c.PendingQuantity.String(), c.DeliveryTerms, c.PaymentTerms,
		c.Remarks, c.UpdatedAt,
	)
	if err != nil {
		return contractWriteErr(c, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("contract %s: %w", c.ID, ErrNotFound)
	}
	return nil
}

func contractWriteErr(c *model.TradeContract, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation && pgErr.ConstraintName == "sauda_contracts_number_key" {
		return fmt.Errorf("%w: %s", ErrDuplicateContractNumber, c.Number)
	}
	return err
}

func (t *pgTx) DeleteContract(ctx context.Context, id string) error {
	tag, err := t.q.Exec(ctx, `DELETE FROM sauda_contracts WHERE id = $1`, id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation {
			return fmt.Errorf("%w: %s", ErrContractHasFulfillments, id)
		}
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("contract %s: %w", id, ErrNotFound)
	}
	return nil
}

func (t *pgTx) SetPendingQuantity(ctx context.Context, contractID string, pending decimal.Decimal) error {
	tag, err := t.q.Exec(ctx,
		`UPDATE sauda_contracts SET pending_quantity = $2::NUMERIC WHERE id = $1`,
		contractID, pending.String())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("contract %s: %w", contractID, ErrNotFound)
	}
	return nil
}

func (t *pgTx) MaxContractSequence(ctx context.Context, prefix string) (int, error) {
	var seq int
	err := t.q.QueryRow(ctx,
		`SELECT COALESCE(MAX(CAST(substr(number, $2) AS INTEGER)), 0)
		 FROM sauda_contracts
		 WHERE starts_with(number, $1) AND substr(number, $2) ~ '^[0-9]+$'`,
		prefix, len(prefix)+1).Scan(&seq)
	return seq, err
}

func (t *pgTx) InsertFulfillment(ctx context.Context, e *model.FulfillmentEvent) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO loading_events (id, contract_id, fulfillment_date, delivered_kg,
		                             vehicle_number, transporter, remarks, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6, $7, $8)`,
		e.ID, e.ContractID, model.DateOf(e.Date), e.DeliveredKg.String(),
		e.VehicleNumber, e.Transporter, e.Remarks, e.CreatedAt,
	)
	return fulfillmentWriteErr(e, err)
}

func (t *pgTx) UpdateFulfillment(ctx context.Context, e *model.FulfillmentEvent) error {
	tag, err := t.q.Exec(ctx,
		`UPDATE loading_events
		 SET contract_id = $2, fulfillment_date = $3, delivered_kg = $4::NUMERIC,
		     vehicle_number = $5, transporter = $6, remarks = $7
		 WHERE id = $1`,
		e.ID, e.ContractID, model.DateOf(e.Date), e.DeliveredKg.String(),
		e.VehicleNumber, e.Transporter, e.Remarks,
	)
	if err != nil {
		return fulfillmentWriteErr(e, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("fulfillment %s: %w", e.ID, ErrNotFound)
	}
	return nil
}

func fulfillmentWriteErr(e *model.FulfillmentEvent, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation {
		return fmt.Errorf("contract %s: %w", e.ContractID, ErrNotFound)
	}
	return err
}

func (t *pgTx) DeleteFulfillment(ctx context.Context, id string) error {
	tag, err := t.q.Exec(ctx, `DELETE FROM loading_events WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("fulfillment %s: %w", id, ErrNotFound)
	}
	return nil
}

func (t *pgTx) UpsertStockPosition(ctx context.Context, p *model.StockPosition) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO stock_positions (item_id, plant_id, total_purchase_packs, total_sale_packs,
		                              loaded_purchase_packs, loaded_sale_packs)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC)
		 ON CONFLICT (item_id, plant_id) DO UPDATE
		 SET total_purchase_packs  = EXCLUDED.total_purchase_packs,
		     total_sale_packs      = EXCLUDED.total_sale_packs,
		     loaded_purchase_packs = EXCLUDED.loaded_purchase_packs,
		     loaded_sale_packs     = EXCLUDED.loaded_sale_packs`,
		p.ItemID, p.PlantID,
		p.TotalPurchasePacks.String(), p.TotalSalePacks.String(),
		p.LoadedPurchasePacks.String(), p.LoadedSalePacks.String(),
	)
	return err
}

func (t *pgTx) ReplaceSnapshots(ctx context.Context, date time.Time, rows []model.PlusMinusSnapshot) error {
	date = model.DateOf(date)
	if _, err := t.q.Exec(ctx, `DELETE FROM plus_minus_snapshots WHERE snapshot_date = $1`, date); err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, s := range rows {
		batch.Queue(
			`INSERT INTO plus_minus_snapshots (snapshot_date, item_id, plant_id,
			                                   buy_total, sell_total, buy_quantity, sell_quantity,
			                                   buy_quantity_kg, sell_quantity_kg,
			                                   avg_buy_rate, avg_sell_rate, profit)
			 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC,
			         $8::NUMERIC, $9::NUMERIC, $10::NUMERIC, $11::NUMERIC, $12::NUMERIC)`,
			date, s.ItemID, s.PlantID,
			s.BuyTotal.String(), s.SellTotal.String(), s.BuyPacks.String(), s.SellPacks.String(),
			s.BuyKg.String(), s.SellKg.String(),
			s.AvgBuyRate.String(), s.AvgSellRate.String(), s.Profit.String(),
		)
	}
	return t.q.SendBatch(ctx, batch).Close()
}

func (t *pgTx) DeleteSnapshotsExcept(ctx context.Context, keep []time.Time) (int, error) {
	dates := make([]time.Time, len(keep))
	for i, d := range keep {
		dates[i] = model.DateOf(d)
	}
	tag, err := t.q.Exec(ctx,
		`DELETE FROM plus_minus_snapshots WHERE NOT (snapshot_date = ANY($1::DATE[]))`, dates)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// --- Scanning helpers ---

type scanner interface {
	Scan(dest ...any) error
}

func scanContract(row scanner) (*model.TradeContract, error) {
	var c model.TradeContract
	var typ, qtyS, rateS, pendingS string
	if err := row.Scan(&c.ID, &c.Number, &typ, &c.TradeDate, &c.PartyID, &c.BrokerID,
		&c.ItemID, &c.PlantID, &qtyS, &rateS, &pendingS,
		&c.DeliveryTerms, &c.PaymentTerms, &c.Remarks, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.Type = model.TradeType(typ)
	c.TradeDate = model.DateOf(c.TradeDate)
	c.Quantity, _ = decimal.NewFromString(qtyS)
	c.Rate, _ = decimal.NewFromString(rateS)
	c.PendingQuantity, _ = decimal.NewFromString(pendingS)
	return &c, nil
}

func scanFulfillment(row scanner) (*model.FulfillmentEvent, error) {
	var e model.FulfillmentEvent
	var kgS string
	if err := row.Scan(&e.ID, &e.ContractID, &e.Date, &kgS,
		&e.VehicleNumber, &e.Transporter, &e.Remarks, &e.CreatedAt); err != nil {
		return nil, err
	}
	e.Date = model.DateOf(e.Date)
	e.DeliveredKg, _ = decimal.NewFromString(kgS)
	return &e, nil
}

func scanPosition(row scanner) (*model.StockPosition, error) {
	var p model.StockPosition
	var tp, ts, lp, ls string
	if err := row.Scan(&p.ItemID, &p.PlantID, &tp, &ts, &lp, &ls); err != nil {
		return nil, err
	}
	p.TotalPurchasePacks, _ = decimal.NewFromString(tp)
	p.TotalSalePacks, _ = decimal.NewFromString(ts)
	p.LoadedPurchasePacks, _ = decimal.NewFromString(lp)
	p.LoadedSalePacks, _ = decimal.NewFromString(ls)
	return &p, nil
}

func parseTotals(valueS, packsS string) (Totals, error) {
	value, err := decimal.NewFromString(valueS)
	if err != nil {
		return Totals{}, err
	}
	packs, err := decimal.NewFromString(packsS)
	if err != nil {
		return Totals{}, err
	}
	return Totals{Value: value, Packs: packs}, nil
}

func notFound(what string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", what, err)
}
