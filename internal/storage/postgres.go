package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/lib/pq"

	"github.com/ocx/marketd/internal/domain"
)

// Postgres implements Store on database/sql + lib/pq. All invariants that
// can be expressed as constraints (unique order numbers, one escrow per
// order, the quote partial indexes) are enforced by the schema and mapped to
// domain.ErrConflict here.
type Postgres struct {
	db *sql.DB
}

// Open connects, pings and applies the schema.
func Open(dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Postgres{db: db}, nil
}

func (p *Postgres) Close() error { return p.db.Close() }

func (p *Postgres) View(ctx context.Context, fn func(tx Tx) error) error {
	return p.run(ctx, true, fn)
}

func (p *Postgres) Update(ctx context.Context, fn func(tx Tx) error) error {
	return p.run(ctx, false, fn)
}

func (p *Postgres) run(ctx context.Context, readOnly bool, fn func(tx Tx) error) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: readOnly})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	pt := &pgTx{ctx: ctx, tx: tx}
	if err := fn(pt); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

type pgTx struct {
	ctx context.Context
	tx  *sql.Tx
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return fmt.Errorf("%s: %w", pqErr.Constraint, domain.ErrConflict)
	}
	return err
}

func toJSON(v interface{}) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func fromJSON(raw []byte, dst interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dst)
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}

func scanTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

// ---------------------------------------------------------------------------
// identities
// ---------------------------------------------------------------------------

func (t *pgTx) PutIdentity(id *domain.Identity) error {
	profile, _ := toJSON(id.PublicProfile)
	typeData, _ := toJSON(id.TypeSpecificData)
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO identities (did, type, client_id, status, public_profile, type_data, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (did) DO UPDATE SET
			status = EXCLUDED.status,
			public_profile = EXCLUDED.public_profile,
			type_data = EXCLUDED.type_data,
			updated_at = EXCLUDED.updated_at`,
		id.DID, id.Type, id.ClientID, id.Status, profile, typeData, id.CreatedAt, id.UpdatedAt)
	return mapErr(err)
}

func (t *pgTx) GetIdentity(did string) (*domain.Identity, error) {
	var id domain.Identity
	var profile, typeData []byte
	err := t.tx.QueryRowContext(t.ctx, `
		SELECT did, type, client_id, status, public_profile, type_data, created_at, updated_at
		FROM identities WHERE did = $1`, did).
		Scan(&id.DID, &id.Type, &id.ClientID, &id.Status, &profile, &typeData, &id.CreatedAt, &id.UpdatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	fromJSON(profile, &id.PublicProfile)
	fromJSON(typeData, &id.TypeSpecificData)
	return &id, nil
}

func (t *pgTx) AppendIdentityAudit(entry *domain.IdentityAuditEntry) error {
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO identity_audit (did, from_state, to_state, changed_by, reason, ts)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		entry.DID, entry.From, entry.To, entry.ChangedBy, entry.Reason, entry.Timestamp)
	return mapErr(err)
}

func (t *pgTx) ListIdentityAudit(did string) ([]domain.IdentityAuditEntry, error) {
	rows, err := t.tx.QueryContext(t.ctx, `
		SELECT did, from_state, to_state, changed_by, reason, ts
		FROM identity_audit WHERE did = $1 ORDER BY ts`, did)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	var out []domain.IdentityAuditEntry
	for rows.Next() {
		var e domain.IdentityAuditEntry
		if err := rows.Scan(&e.DID, &e.From, &e.To, &e.ChangedBy, &e.Reason, &e.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// reputation
// ---------------------------------------------------------------------------

func (t *pgTx) PutReputation(rep *domain.Reputation) error {
	metrics, _ := toJSON(rep.Metrics)
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO reputations (did, identity_type, score, metrics, events_hash, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (did) DO UPDATE SET
			identity_type = EXCLUDED.identity_type,
			score = EXCLUDED.score,
			metrics = EXCLUDED.metrics,
			events_hash = EXCLUDED.events_hash,
			updated_at = EXCLUDED.updated_at`,
		rep.DID, rep.IdentityType, rep.Score, metrics, rep.EventsHash, rep.UpdatedAt)
	return mapErr(err)
}

func (t *pgTx) GetReputation(did string) (*domain.Reputation, error) {
	var rep domain.Reputation
	var metrics []byte
	err := t.tx.QueryRowContext(t.ctx, `
		SELECT did, identity_type, score, metrics, events_hash, updated_at
		FROM reputations WHERE did = $1`, did).
		Scan(&rep.DID, &rep.IdentityType, &rep.Score, &metrics, &rep.EventsHash, &rep.UpdatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	fromJSON(metrics, &rep.Metrics)
	return &rep, nil
}

func (t *pgTx) AppendReputationEvent(ev *domain.ReputationEvent) error {
	payload, _ := toJSON(ev.Payload)
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO reputation_events (event_id, did, transaction_id, type, ts, payload)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		ev.EventID, ev.DID, ev.TransactionID, ev.Type, ev.Timestamp, payload)
	return mapErr(err)
}

func (t *pgTx) ListReputationEvents(did string, eventType domain.ReputationEventType, limit int) ([]domain.ReputationEvent, error) {
	q := `SELECT event_id, did, transaction_id, type, ts, payload
		FROM reputation_events WHERE did = $1`
	args := []interface{}{did}
	if eventType != "" {
		q += ` AND type = $2`
		args = append(args, eventType)
	}
	q += ` ORDER BY ts, event_id`
	if limit > 0 {
		q += fmt.Sprintf(` LIMIT %d`, limit)
	}
	rows, err := t.tx.QueryContext(t.ctx, q, args...)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	var out []domain.ReputationEvent
	for rows.Next() {
		var e domain.ReputationEvent
		var payload []byte
		if err := rows.Scan(&e.EventID, &e.DID, &e.TransactionID, &e.Type, &e.Timestamp, &payload); err != nil {
			return nil, err
		}
		fromJSON(payload, &e.Payload)
		out = append(out, e)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// orders
// ---------------------------------------------------------------------------

const orderCols = `id, order_number, buyer_did, vendor_did, client_id, type, items, currency,
	subtotal, fees, total, shipping_address, payment_method, status, tracking_number,
	logistics_provider_id, created_at, updated_at, paid_at, delivered_at, completed_at`

func (t *pgTx) scanOrder(row interface{ Scan(...interface{}) error }) (*domain.Order, error) {
	var o domain.Order
	var items, fees, addr []byte
	var paidAt, deliveredAt, completedAt sql.NullTime
	err := row.Scan(&o.OrderID, &o.OrderNumber, &o.BuyerDID, &o.VendorDID, &o.ClientID, &o.Type,
		&items, &o.Currency, &o.Subtotal, &fees, &o.Total, &addr, &o.PaymentMethod, &o.Status,
		&o.TrackingNumber, &o.LogisticsProviderID, &o.CreatedAt, &o.UpdatedAt,
		&paidAt, &deliveredAt, &completedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	fromJSON(items, &o.Items)
	fromJSON(fees, &o.Fees)
	fromJSON(addr, &o.ShippingAddress)
	o.PaidAt = scanTime(paidAt)
	o.DeliveredAt = scanTime(deliveredAt)
	o.CompletedAt = scanTime(completedAt)
	return &o, nil
}

func (t *pgTx) InsertOrder(o *domain.Order) error {
	items, _ := toJSON(o.Items)
	fees, _ := toJSON(o.Fees)
	addr, _ := toJSON(o.ShippingAddress)
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO orders (`+orderCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)`,
		o.OrderID, o.OrderNumber, o.BuyerDID, o.VendorDID, o.ClientID, o.Type, items, o.Currency,
		o.Subtotal, fees, o.Total, addr, o.PaymentMethod, o.Status, o.TrackingNumber,
		o.LogisticsProviderID, o.CreatedAt, o.UpdatedAt,
		nullTime(o.PaidAt), nullTime(o.DeliveredAt), nullTime(o.CompletedAt))
	return mapErr(err)
}

func (t *pgTx) GetOrder(orderID string) (*domain.Order, error) {
	return t.scanOrder(t.tx.QueryRowContext(t.ctx,
		`SELECT `+orderCols+` FROM orders WHERE id = $1`, orderID))
}

func (t *pgTx) GetOrderForUpdate(orderID string) (*domain.Order, error) {
	return t.scanOrder(t.tx.QueryRowContext(t.ctx,
		`SELECT `+orderCols+` FROM orders WHERE id = $1 FOR UPDATE`, orderID))
}

func (t *pgTx) UpdateOrder(o *domain.Order) error {
	items, _ := toJSON(o.Items)
	fees, _ := toJSON(o.Fees)
	addr, _ := toJSON(o.ShippingAddress)
	res, err := t.tx.ExecContext(t.ctx, `
		UPDATE orders SET
			items = $2, currency = $3, subtotal = $4, fees = $5, total = $6,
			shipping_address = $7, payment_method = $8, status = $9,
			tracking_number = $10, logistics_provider_id = $11, updated_at = $12,
			paid_at = $13, delivered_at = $14, completed_at = $15
		WHERE id = $1`,
		o.OrderID, items, o.Currency, o.Subtotal, fees, o.Total, addr, o.PaymentMethod,
		o.Status, o.TrackingNumber, o.LogisticsProviderID, o.UpdatedAt,
		nullTime(o.PaidAt), nullTime(o.DeliveredAt), nullTime(o.CompletedAt))
	if err != nil {
		return mapErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (t *pgTx) AppendStatusChange(sc *domain.StatusChange) error {
	meta, _ := toJSON(sc.Metadata)
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO order_status_log (order_id, from_state, to_state, changed_by, reason, metadata, ts)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		sc.OrderID, sc.From, sc.To, sc.ChangedBy, sc.Reason, meta, sc.Timestamp)
	return mapErr(err)
}

func (t *pgTx) ListStatusChanges(orderID string) ([]domain.StatusChange, error) {
	rows, err := t.tx.QueryContext(t.ctx, `
		SELECT order_id, from_state, to_state, changed_by, reason, metadata, ts
		FROM order_status_log WHERE order_id = $1 ORDER BY ts`, orderID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	var out []domain.StatusChange
	for rows.Next() {
		var sc domain.StatusChange
		var meta []byte
		if err := rows.Scan(&sc.OrderID, &sc.From, &sc.To, &sc.ChangedBy, &sc.Reason, &meta, &sc.Timestamp); err != nil {
			return nil, err
		}
		fromJSON(meta, &sc.Metadata)
		out = append(out, sc)
	}
	return out, rows.Err()
}

func (t *pgTx) MarkExternalEvent(scope, eventID string) (bool, error) {
	res, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO external_events (scope, event_id) VALUES ($1,$2)
		ON CONFLICT DO NOTHING`, scope, eventID)
	if err != nil {
		return false, mapErr(err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ---------------------------------------------------------------------------
// escrow
// ---------------------------------------------------------------------------

const escrowCols = `id, order_id, amount, currency, status, rules, dispute_id,
	created_at, release_scheduled_at, released_at, refunded_at, release_reason`

func scanEscrow(row interface{ Scan(...interface{}) error }) (*domain.Escrow, error) {
	var e domain.Escrow
	var rules []byte
	var releasedAt, refundedAt sql.NullTime
	err := row.Scan(&e.EscrowID, &e.OrderID, &e.Amount, &e.Currency, &e.Status, &rules,
		&e.DisputeID, &e.CreatedAt, &e.ReleaseScheduledAt, &releasedAt, &refundedAt, &e.ReleaseReason)
	if err != nil {
		return nil, mapErr(err)
	}
	fromJSON(rules, &e.Rules)
	e.ReleasedAt = scanTime(releasedAt)
	e.RefundedAt = scanTime(refundedAt)
	return &e, nil
}

func (t *pgTx) InsertEscrow(e *domain.Escrow) error {
	rules, _ := toJSON(e.Rules)
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO escrows (`+escrowCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		e.EscrowID, e.OrderID, e.Amount, e.Currency, e.Status, rules, e.DisputeID,
		e.CreatedAt, e.ReleaseScheduledAt, nullTime(e.ReleasedAt), nullTime(e.RefundedAt), e.ReleaseReason)
	return mapErr(err)
}

func (t *pgTx) GetEscrowByOrder(orderID string) (*domain.Escrow, error) {
	return scanEscrow(t.tx.QueryRowContext(t.ctx,
		`SELECT `+escrowCols+` FROM escrows WHERE order_id = $1 FOR UPDATE`, orderID))
}

func (t *pgTx) UpdateEscrow(e *domain.Escrow) error {
	rules, _ := toJSON(e.Rules)
	res, err := t.tx.ExecContext(t.ctx, `
		UPDATE escrows SET status = $2, rules = $3, dispute_id = $4,
			release_scheduled_at = $5, released_at = $6, refunded_at = $7, release_reason = $8
		WHERE id = $1`,
		e.EscrowID, e.Status, rules, e.DisputeID, e.ReleaseScheduledAt,
		nullTime(e.ReleasedAt), nullTime(e.RefundedAt), e.ReleaseReason)
	if err != nil {
		return mapErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (t *pgTx) ListReleasableEscrows(now time.Time) ([]domain.Escrow, error) {
	rows, err := t.tx.QueryContext(t.ctx, `
		SELECT `+escrowCols+` FROM escrows
		WHERE status = 'held' AND release_scheduled_at <= $1
		ORDER BY release_scheduled_at`, now)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	var out []domain.Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// logistics providers
// ---------------------------------------------------------------------------

func (t *pgTx) InsertProvider(p *domain.LogisticsProvider) error {
	regions, _ := toJSON(p.ServiceRegions)
	methods, _ := toJSON(p.ShippingMethods)
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO logistics_providers
			(id, business_name, identity_did, service_regions, shipping_methods,
			 insurance_available, average_rating, total_deliveries, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		p.ProviderID, p.BusinessName, p.IdentityDID, regions, methods,
		p.InsuranceAvailable, p.AverageRating, p.TotalDeliveries, p.CreatedAt)
	return mapErr(err)
}

func scanProvider(row interface{ Scan(...interface{}) error }) (*domain.LogisticsProvider, error) {
	var p domain.LogisticsProvider
	var regions, methods []byte
	var rating sql.NullFloat64
	err := row.Scan(&p.ProviderID, &p.BusinessName, &p.IdentityDID, &regions, &methods,
		&p.InsuranceAvailable, &rating, &p.TotalDeliveries, &p.CreatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	fromJSON(regions, &p.ServiceRegions)
	fromJSON(methods, &p.ShippingMethods)
	if rating.Valid {
		v := rating.Float64
		p.AverageRating = &v
	}
	return &p, nil
}

const providerCols = `id, business_name, identity_did, service_regions, shipping_methods,
	insurance_available, average_rating, total_deliveries, created_at`

func (t *pgTx) GetProvider(providerID string) (*domain.LogisticsProvider, error) {
	return scanProvider(t.tx.QueryRowContext(t.ctx,
		`SELECT `+providerCols+` FROM logistics_providers WHERE id = $1`, providerID))
}

func (t *pgTx) UpdateProvider(p *domain.LogisticsProvider) error {
	regions, _ := toJSON(p.ServiceRegions)
	methods, _ := toJSON(p.ShippingMethods)
	res, err := t.tx.ExecContext(t.ctx, `
		UPDATE logistics_providers SET business_name = $2, service_regions = $3,
			shipping_methods = $4, insurance_available = $5, average_rating = $6,
			total_deliveries = $7
		WHERE id = $1`,
		p.ProviderID, p.BusinessName, regions, methods, p.InsuranceAvailable,
		p.AverageRating, p.TotalDeliveries)
	if err != nil {
		return mapErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (t *pgTx) ListProviders(filter ProviderFilter) ([]domain.LogisticsProvider, error) {
	// Region/method filtering happens on the JSONB arrays; rating order puts
	// unrated providers last.
	q := `SELECT ` + providerCols + ` FROM logistics_providers WHERE 1=1`
	args := []interface{}{}
	if filter.Region != "" {
		args = append(args, filter.Region)
		q += fmt.Sprintf(` AND service_regions @> to_jsonb(ARRAY[$%d]::text[])`, len(args))
	}
	if filter.Method != "" {
		args = append(args, string(filter.Method))
		q += fmt.Sprintf(` AND shipping_methods @> to_jsonb(ARRAY[$%d]::text[])`, len(args))
	}
	if filter.InsuranceRequired {
		q += ` AND insurance_available`
	}
	if filter.MinRating > 0 {
		args = append(args, filter.MinRating)
		q += fmt.Sprintf(` AND average_rating >= $%d`, len(args))
	}
	q += ` ORDER BY average_rating DESC NULLS LAST, total_deliveries DESC`
	rows, err := t.tx.QueryContext(t.ctx, q, args...)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	var out []domain.LogisticsProvider
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// quotes
// ---------------------------------------------------------------------------

func (t *pgTx) LockOrderQuotes(orderID string) error {
	h := fnv.New64a()
	h.Write([]byte("quotes:" + orderID))
	_, err := t.tx.ExecContext(t.ctx, `SELECT pg_advisory_xact_lock($1)`, int64(h.Sum64()))
	return mapErr(err)
}

const quoteCols = `id, order_id, provider_id, method, price, currency, estimated_days,
	insurance_included, status, valid_until, created_at`

func scanQuote(row interface{ Scan(...interface{}) error }) (*domain.Quote, error) {
	var q domain.Quote
	err := row.Scan(&q.QuoteID, &q.OrderID, &q.ProviderID, &q.Method, &q.Price, &q.Currency,
		&q.EstimatedDays, &q.InsuranceIncluded, &q.Status, &q.ValidUntil, &q.CreatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &q, nil
}

func (t *pgTx) InsertQuote(q *domain.Quote) error {
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO shipping_quotes (`+quoteCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		q.QuoteID, q.OrderID, q.ProviderID, q.Method, q.Price, q.Currency,
		q.EstimatedDays, q.InsuranceIncluded, q.Status, q.ValidUntil, q.CreatedAt)
	return mapErr(err)
}

func (t *pgTx) GetQuote(quoteID string) (*domain.Quote, error) {
	return scanQuote(t.tx.QueryRowContext(t.ctx,
		`SELECT `+quoteCols+` FROM shipping_quotes WHERE id = $1 FOR UPDATE`, quoteID))
}

func (t *pgTx) UpdateQuote(q *domain.Quote) error {
	res, err := t.tx.ExecContext(t.ctx, `
		UPDATE shipping_quotes SET status = $2, valid_until = $3 WHERE id = $1`,
		q.QuoteID, q.Status, q.ValidUntil)
	if err != nil {
		return mapErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (t *pgTx) ListQuotesByOrder(orderID string) ([]domain.Quote, error) {
	rows, err := t.tx.QueryContext(t.ctx, `
		SELECT `+quoteCols+` FROM shipping_quotes WHERE order_id = $1 ORDER BY price`, orderID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	var out []domain.Quote
	for rows.Next() {
		q, err := scanQuote(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *q)
	}
	return out, rows.Err()
}

func (t *pgTx) AcceptedQuoteForOrder(orderID string) (*domain.Quote, error) {
	q, err := scanQuote(t.tx.QueryRowContext(t.ctx, `
		SELECT `+quoteCols+` FROM shipping_quotes
		WHERE order_id = $1 AND status = 'accepted'`, orderID))
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	return q, err
}

func (t *pgTx) ListExpiredPendingQuotes(now time.Time) ([]domain.Quote, error) {
	rows, err := t.tx.QueryContext(t.ctx, `
		SELECT `+quoteCols+` FROM shipping_quotes
		WHERE status = 'pending' AND valid_until <= $1`, now)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	var out []domain.Quote
	for rows.Next() {
		q, err := scanQuote(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *q)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// shipments
// ---------------------------------------------------------------------------

const shipmentCols = `id, order_id, quote_id, provider_id, tracking_number, status,
	current_location, estimated_delivery, proof_of_delivery_hash, created_at, updated_at`

func scanShipment(row interface{ Scan(...interface{}) error }) (*domain.Shipment, error) {
	var s domain.Shipment
	var est sql.NullTime
	err := row.Scan(&s.ShipmentID, &s.OrderID, &s.QuoteID, &s.ProviderID, &s.TrackingNumber,
		&s.Status, &s.CurrentLocation, &est, &s.ProofOfDeliveryHash, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	s.EstimatedDelivery = scanTime(est)
	return &s, nil
}

func (t *pgTx) InsertShipment(s *domain.Shipment) error {
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO shipments (`+shipmentCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		s.ShipmentID, s.OrderID, s.QuoteID, s.ProviderID, s.TrackingNumber, s.Status,
		s.CurrentLocation, nullTime(s.EstimatedDelivery), s.ProofOfDeliveryHash, s.CreatedAt, s.UpdatedAt)
	return mapErr(err)
}

func (t *pgTx) GetShipment(shipmentID string) (*domain.Shipment, error) {
	return scanShipment(t.tx.QueryRowContext(t.ctx,
		`SELECT `+shipmentCols+` FROM shipments WHERE id = $1`, shipmentID))
}

func (t *pgTx) GetShipmentForUpdate(shipmentID string) (*domain.Shipment, error) {
	return scanShipment(t.tx.QueryRowContext(t.ctx,
		`SELECT `+shipmentCols+` FROM shipments WHERE id = $1 FOR UPDATE`, shipmentID))
}

func (t *pgTx) GetShipmentByOrder(orderID string) (*domain.Shipment, error) {
	return scanShipment(t.tx.QueryRowContext(t.ctx,
		`SELECT `+shipmentCols+` FROM shipments WHERE order_id = $1`, orderID))
}

func (t *pgTx) UpdateShipment(s *domain.Shipment) error {
	res, err := t.tx.ExecContext(t.ctx, `
		UPDATE shipments SET status = $2, current_location = $3, estimated_delivery = $4,
			proof_of_delivery_hash = $5, updated_at = $6
		WHERE id = $1`,
		s.ShipmentID, s.Status, s.CurrentLocation, nullTime(s.EstimatedDelivery),
		s.ProofOfDeliveryHash, s.UpdatedAt)
	if err != nil {
		return mapErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (t *pgTx) AppendTrackingEvent(ev *domain.TrackingEvent) error {
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO tracking_events (shipment_id, status, location, notes, ts)
		VALUES ($1,$2,$3,$4,$5)`,
		ev.ShipmentID, ev.Status, ev.Location, ev.Notes, ev.Timestamp)
	return mapErr(err)
}

func (t *pgTx) ListTrackingEvents(shipmentID string) ([]domain.TrackingEvent, error) {
	rows, err := t.tx.QueryContext(t.ctx, `
		SELECT shipment_id, status, location, notes, ts
		FROM tracking_events WHERE shipment_id = $1 ORDER BY ts`, shipmentID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	var out []domain.TrackingEvent
	for rows.Next() {
		var e domain.TrackingEvent
		if err := rows.Scan(&e.ShipmentID, &e.Status, &e.Location, &e.Notes, &e.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// disputes
// ---------------------------------------------------------------------------

const disputeCols = `id, order_id, buyer_did, vendor_did, type, status, description, evidence,
	vendor_response, vendor_response_due_at, resolution, resolution_note, confidence,
	created_at, resolved_at`

func scanDispute(row interface{ Scan(...interface{}) error }) (*domain.Dispute, error) {
	var d domain.Dispute
	var evidence, response []byte
	var resolution sql.NullString
	var resolvedAt sql.NullTime
	err := row.Scan(&d.DisputeID, &d.OrderID, &d.BuyerDID, &d.VendorDID, &d.Type, &d.Status,
		&d.Description, &evidence, &response, &d.VendorResponseDueAt, &resolution,
		&d.ResolutionNote, &d.Confidence, &d.CreatedAt, &resolvedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	fromJSON(evidence, &d.Evidence)
	if len(response) > 0 {
		d.VendorResponse = &domain.DisputeEvidence{}
		fromJSON(response, d.VendorResponse)
	}
	if resolution.Valid {
		r := domain.DisputeResolution(resolution.String)
		d.Resolution = &r
	}
	d.ResolvedAt = scanTime(resolvedAt)
	return &d, nil
}

func (t *pgTx) InsertDispute(d *domain.Dispute) error {
	evidence, _ := toJSON(d.Evidence)
	response, _ := toJSON(d.VendorResponse)
	var resolution interface{}
	if d.Resolution != nil {
		resolution = string(*d.Resolution)
	}
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO disputes (`+disputeCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		d.DisputeID, d.OrderID, d.BuyerDID, d.VendorDID, d.Type, d.Status, d.Description,
		evidence, response, d.VendorResponseDueAt, resolution, d.ResolutionNote,
		d.Confidence, d.CreatedAt, nullTime(d.ResolvedAt))
	return mapErr(err)
}

func (t *pgTx) GetDispute(disputeID string) (*domain.Dispute, error) {
	return scanDispute(t.tx.QueryRowContext(t.ctx,
		`SELECT `+disputeCols+` FROM disputes WHERE id = $1 FOR UPDATE`, disputeID))
}

func (t *pgTx) GetDisputeByOrder(orderID string) (*domain.Dispute, error) {
	return scanDispute(t.tx.QueryRowContext(t.ctx,
		`SELECT `+disputeCols+` FROM disputes WHERE order_id = $1`, orderID))
}

func (t *pgTx) UpdateDispute(d *domain.Dispute) error {
	response, _ := toJSON(d.VendorResponse)
	var resolution interface{}
	if d.Resolution != nil {
		resolution = string(*d.Resolution)
	}
	res, err := t.tx.ExecContext(t.ctx, `
		UPDATE disputes SET status = $2, vendor_response = $3, resolution = $4,
			resolution_note = $5, confidence = $6, resolved_at = $7
		WHERE id = $1`,
		d.DisputeID, d.Status, response, resolution, d.ResolutionNote, d.Confidence,
		nullTime(d.ResolvedAt))
	if err != nil {
		return mapErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (t *pgTx) AppendDisputeEvent(ev *domain.DisputeEvent) error {
	detail, _ := toJSON(ev.Detail)
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO dispute_events (dispute_id, kind, actor, detail, ts)
		VALUES ($1,$2,$3,$4,$5)`,
		ev.DisputeID, ev.Kind, ev.Actor, detail, ev.Timestamp)
	return mapErr(err)
}

func (t *pgTx) ListDisputeEvents(disputeID string) ([]domain.DisputeEvent, error) {
	rows, err := t.tx.QueryContext(t.ctx, `
		SELECT dispute_id, kind, actor, detail, ts
		FROM dispute_events WHERE dispute_id = $1 ORDER BY ts`, disputeID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	var out []domain.DisputeEvent
	for rows.Next() {
		var e domain.DisputeEvent
		var detail []byte
		if err := rows.Scan(&e.DisputeID, &e.Kind, &e.Actor, &detail, &e.Timestamp); err != nil {
			return nil, err
		}
		fromJSON(detail, &e.Detail)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (t *pgTx) ListVendorTimeoutDisputes(now time.Time) ([]domain.Dispute, error) {
	rows, err := t.tx.QueryContext(t.ctx, `
		SELECT `+disputeCols+` FROM disputes
		WHERE status = 'awaiting_vendor' AND vendor_response_due_at <= $1`, now)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	var out []domain.Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// ratings
// ---------------------------------------------------------------------------

func scanRating(row interface{ Scan(...interface{}) error }) (*domain.Rating, error) {
	var r domain.Rating
	var buyer, vendor []byte
	var revealedAt sql.NullTime
	err := row.Scan(&r.RatingID, &r.OrderID, &buyer, &vendor, &revealedAt, &r.CreatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	if len(buyer) > 0 {
		r.BuyerRating = &domain.RatingEntry{}
		fromJSON(buyer, r.BuyerRating)
	}
	if len(vendor) > 0 {
		r.VendorRating = &domain.RatingEntry{}
		fromJSON(vendor, r.VendorRating)
	}
	r.RevealedAt = scanTime(revealedAt)
	return &r, nil
}

func (t *pgTx) InsertRating(r *domain.Rating) error {
	buyer, _ := toJSON(r.BuyerRating)
	vendor, _ := toJSON(r.VendorRating)
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO ratings (id, order_id, buyer_rating, vendor_rating, revealed_at, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		r.RatingID, r.OrderID, buyer, vendor, nullTime(r.RevealedAt), r.CreatedAt)
	return mapErr(err)
}

func (t *pgTx) GetRatingByOrder(orderID string) (*domain.Rating, error) {
	return scanRating(t.tx.QueryRowContext(t.ctx, `
		SELECT id, order_id, buyer_rating, vendor_rating, revealed_at, created_at
		FROM ratings WHERE order_id = $1 FOR UPDATE`, orderID))
}

func (t *pgTx) UpdateRating(r *domain.Rating) error {
	buyer, _ := toJSON(r.BuyerRating)
	vendor, _ := toJSON(r.VendorRating)
	res, err := t.tx.ExecContext(t.ctx, `
		UPDATE ratings SET buyer_rating = $2, vendor_rating = $3, revealed_at = $4
		WHERE id = $1`,
		r.RatingID, buyer, vendor, nullTime(r.RevealedAt))
	if err != nil {
		return mapErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (t *pgTx) ListUnrevealedRatings(firstSubmittedBefore time.Time) ([]domain.Rating, error) {
	// Earliest submission is inside the JSONB; filter on created_at at the
	// SQL level and let the sweep re-check precisely.
	rows, err := t.tx.QueryContext(t.ctx, `
		SELECT id, order_id, buyer_rating, vendor_rating, revealed_at, created_at
		FROM ratings WHERE revealed_at IS NULL AND created_at <= $1`, firstSubmittedBefore)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	var out []domain.Rating
	for rows.Next() {
		r, err := scanRating(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// governance
// ---------------------------------------------------------------------------

func (t *pgTx) InsertSigner(s *domain.Signer) error {
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO governance_signers (signer_id, identity_did, name, role, active, added_at, removed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		s.SignerID, s.IdentityDID, s.Name, s.Role, s.Active, s.AddedAt, nullTime(s.RemovedAt))
	return mapErr(err)
}

func scanSigner(row interface{ Scan(...interface{}) error }) (*domain.Signer, error) {
	var s domain.Signer
	var removedAt sql.NullTime
	err := row.Scan(&s.SignerID, &s.IdentityDID, &s.Name, &s.Role, &s.Active, &s.AddedAt, &removedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	s.RemovedAt = scanTime(removedAt)
	return &s, nil
}

func (t *pgTx) GetSigner(signerID string) (*domain.Signer, error) {
	return scanSigner(t.tx.QueryRowContext(t.ctx, `
		SELECT signer_id, identity_did, name, role, active, added_at, removed_at
		FROM governance_signers WHERE signer_id = $1`, signerID))
}

func (t *pgTx) UpdateSigner(s *domain.Signer) error {
	res, err := t.tx.ExecContext(t.ctx, `
		UPDATE governance_signers SET name = $2, role = $3, active = $4, removed_at = $5
		WHERE signer_id = $1`,
		s.SignerID, s.Name, s.Role, s.Active, nullTime(s.RemovedAt))
	if err != nil {
		return mapErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (t *pgTx) ListSigners(activeOnly bool) ([]domain.Signer, error) {
	q := `SELECT signer_id, identity_did, name, role, active, added_at, removed_at
		FROM governance_signers`
	if activeOnly {
		q += ` WHERE active`
	}
	q += ` ORDER BY added_at`
	rows, err := t.tx.QueryContext(t.ctx, q)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	var out []domain.Signer
	for rows.Next() {
		s, err := scanSigner(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

func (t *pgTx) NextProposalNumber() (int, error) {
	var n int
	err := t.tx.QueryRowContext(t.ctx, `SELECT nextval('governance_proposal_seq')`).Scan(&n)
	return n, mapErr(err)
}

const proposalCols = `id, proposal_number, action, params, rationale, proposer_id, status,
	required_approvals, current_approvals, current_rejections, voting_ends_at, created_at, executed_at`

func scanProposal(row interface{ Scan(...interface{}) error }) (*domain.Proposal, error) {
	var p domain.Proposal
	var params []byte
	var executedAt sql.NullTime
	err := row.Scan(&p.ProposalID, &p.ProposalNumber, &p.Action, &params, &p.Rationale,
		&p.ProposerID, &p.Status, &p.RequiredApprovals, &p.CurrentApprovals,
		&p.CurrentRejections, &p.VotingEndsAt, &p.CreatedAt, &executedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	fromJSON(params, &p.Params)
	p.ExecutedAt = scanTime(executedAt)
	return &p, nil
}

func (t *pgTx) InsertProposal(p *domain.Proposal) error {
	params, _ := toJSON(p.Params)
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO governance_proposals (`+proposalCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		p.ProposalID, p.ProposalNumber, p.Action, params, p.Rationale, p.ProposerID,
		p.Status, p.RequiredApprovals, p.CurrentApprovals, p.CurrentRejections,
		p.VotingEndsAt, p.CreatedAt, nullTime(p.ExecutedAt))
	return mapErr(err)
}

func (t *pgTx) GetProposal(proposalID string) (*domain.Proposal, error) {
	return scanProposal(t.tx.QueryRowContext(t.ctx,
		`SELECT `+proposalCols+` FROM governance_proposals WHERE id = $1`, proposalID))
}

func (t *pgTx) GetProposalForUpdate(proposalID string) (*domain.Proposal, error) {
	return scanProposal(t.tx.QueryRowContext(t.ctx,
		`SELECT `+proposalCols+` FROM governance_proposals WHERE id = $1 FOR UPDATE`, proposalID))
}

func (t *pgTx) UpdateProposal(p *domain.Proposal) error {
	res, err := t.tx.ExecContext(t.ctx, `
		UPDATE governance_proposals SET status = $2, current_approvals = $3,
			current_rejections = $4, executed_at = $5
		WHERE id = $1`,
		p.ProposalID, p.Status, p.CurrentApprovals, p.CurrentRejections, nullTime(p.ExecutedAt))
	if err != nil {
		return mapErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (t *pgTx) ListProposals(status domain.ProposalStatus) ([]domain.Proposal, error) {
	q := `SELECT ` + proposalCols + ` FROM governance_proposals`
	args := []interface{}{}
	if status != "" {
		q += ` WHERE status = $1`
		args = append(args, status)
	}
	q += ` ORDER BY created_at`
	rows, err := t.tx.QueryContext(t.ctx, q, args...)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	var out []domain.Proposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (t *pgTx) ListExpiredActiveProposals(now time.Time) ([]domain.Proposal, error) {
	rows, err := t.tx.QueryContext(t.ctx, `
		SELECT `+proposalCols+` FROM governance_proposals
		WHERE status = 'active' AND voting_ends_at <= $1`, now)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	var out []domain.Proposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (t *pgTx) InsertApproval(a *domain.Approval) error {
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO governance_approvals (proposal_id, signer_id, approved, signature, comment, ts)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		a.ProposalID, a.SignerID, a.Approved, a.Signature, a.Comment, a.Timestamp)
	return mapErr(err)
}

func (t *pgTx) ListApprovals(proposalID string) ([]domain.Approval, error) {
	rows, err := t.tx.QueryContext(t.ctx, `
		SELECT proposal_id, signer_id, approved, signature, comment, ts
		FROM governance_approvals WHERE proposal_id = $1 ORDER BY ts`, proposalID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	var out []domain.Approval
	for rows.Next() {
		var a domain.Approval
		if err := rows.Scan(&a.ProposalID, &a.SignerID, &a.Approved, &a.Signature, &a.Comment, &a.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (t *pgTx) AppendExecutionRecord(rec *domain.ExecutionRecord) error {
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO governance_executions (proposal_id, executor_id, status, error, result, ts)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		rec.ProposalID, rec.ExecutorID, rec.Status, rec.Error, rec.Result, rec.Timestamp)
	return mapErr(err)
}

func (t *pgTx) ListExecutionRecords(proposalID string) ([]domain.ExecutionRecord, error) {
	rows, err := t.tx.QueryContext(t.ctx, `
		SELECT proposal_id, executor_id, status, error, result, ts
		FROM governance_executions WHERE proposal_id = $1 ORDER BY ts`, proposalID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	var out []domain.ExecutionRecord
	for rows.Next() {
		var r domain.ExecutionRecord
		if err := rows.Scan(&r.ProposalID, &r.ExecutorID, &r.Status, &r.Error, &r.Result, &r.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// protocol parameters
// ---------------------------------------------------------------------------

func (t *pgTx) GetParameter(name string) (*domain.Parameter, error) {
	var p domain.Parameter
	err := t.tx.QueryRowContext(t.ctx, `
		SELECT name, value, previous_value, updated_by, updated_at, change_reason
		FROM protocol_parameters WHERE name = $1`, name).
		Scan(&p.Name, &p.Value, &p.PreviousValue, &p.UpdatedBy, &p.UpdatedAt, &p.ChangeReason)
	if err != nil {
		return nil, mapErr(err)
	}
	return &p, nil
}

func (t *pgTx) PutParameter(p *domain.Parameter) error {
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO protocol_parameters (name, value, previous_value, updated_by, updated_at, change_reason)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (name) DO UPDATE SET
			value = EXCLUDED.value,
			previous_value = EXCLUDED.previous_value,
			updated_by = EXCLUDED.updated_by,
			updated_at = EXCLUDED.updated_at,
			change_reason = EXCLUDED.change_reason`,
		p.Name, p.Value, p.PreviousValue, p.UpdatedBy, p.UpdatedAt, p.ChangeReason)
	return mapErr(err)
}

func (t *pgTx) ListParameters() ([]domain.Parameter, error) {
	rows, err := t.tx.QueryContext(t.ctx, `
		SELECT name, value, previous_value, updated_by, updated_at, change_reason
		FROM protocol_parameters ORDER BY name`)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	var out []domain.Parameter
	for rows.Next() {
		var p domain.Parameter
		if err := rows.Scan(&p.Name, &p.Value, &p.PreviousValue, &p.UpdatedBy, &p.UpdatedAt, &p.ChangeReason); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// treasury
// ---------------------------------------------------------------------------

func (t *pgTx) InsertTreasuryMovement(m *domain.TreasuryMovement) error {
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO treasury_movements (id, proposal_id, destination, amount, currency, status, rail_ref, created_at, settled_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		m.MovementID, m.ProposalID, m.Destination, m.Amount, m.Currency, m.Status,
		m.RailRef, m.CreatedAt, nullTime(m.SettledAt))
	return mapErr(err)
}

func (t *pgTx) GetTreasuryMovement(movementID string) (*domain.TreasuryMovement, error) {
	var m domain.TreasuryMovement
	var settledAt sql.NullTime
	err := t.tx.QueryRowContext(t.ctx, `
		SELECT id, proposal_id, destination, amount, currency, status, rail_ref, created_at, settled_at
		FROM treasury_movements WHERE id = $1 FOR UPDATE`, movementID).
		Scan(&m.MovementID, &m.ProposalID, &m.Destination, &m.Amount, &m.Currency,
			&m.Status, &m.RailRef, &m.CreatedAt, &settledAt)
	if err != nil {
		return nil, mapErr(err)
	}
	m.SettledAt = scanTime(settledAt)
	return &m, nil
}

func (t *pgTx) UpdateTreasuryMovement(m *domain.TreasuryMovement) error {
	res, err := t.tx.ExecContext(t.ctx, `
		UPDATE treasury_movements SET status = $2, rail_ref = $3, settled_at = $4
		WHERE id = $1`,
		m.MovementID, m.Status, m.RailRef, nullTime(m.SettledAt))
	if err != nil {
		return mapErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}
