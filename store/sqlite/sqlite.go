/*
Package sqlite provides the SQLite-backed implementation of the storage
interfaces.

PURPOSE:
  Implements every persistence interface of the core - inventory.Store
  (with transactions), deposit.Store, workflow.DocumentStore,
  market.AccountLedger and market.DocumentNumberGenerator - against one
  SQLite file. In production the same patterns apply to PostgreSQL; only
  minor SQL dialect differences.

KEY TABLES:
  lots                Mutable FIFO pool (remaining counts shrink)
  container_accounts  (account, containerType) snapshot cache
  container_entries   Immutable movement log (authoritative)
  deposit_receipts    Monetary deposit instruments
  documents/lines     Document headers and ordered line items
  account_entries     Append-only cash ledger (debit/credit)
  sequences           Lot sequence, document and receipt numbering

APPEND-ONLY ENFORCEMENT:
  container_entries and account_entries have no UPDATE or DELETE paths.
  Corrections are compensating entries.

ORDERING CONTRACT:
  LotsByProduct orders by (document_date, created_sequence); the FIFO
  guarantee rests on that ORDER BY, mirror it in any other engine.

WAL MODE:
  Opened with WAL so readers don't block the single writer.

USAGE:
  store, err := sqlite.New("./market.db")   // ":memory:" in tests
  defer store.Close()

SEE ALSO:
  - store/memory: In-memory twin used by tests
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/verdant/market-engine/deposit"
	"github.com/verdant/market-engine/inventory"
	"github.com/verdant/market-engine/market"
	"github.com/verdant/market-engine/workflow"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// New opens (or creates) the database and migrates the schema.
/// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection sidesteps SQLITE_BUSY on concurrent writers;
	// the core serializes contended keys above this layer anyway.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS lots (
		id TEXT PRIMARY KEY,
		product_id TEXT NOT NULL,
		container_type_id TEXT NOT NULL,
		document_id TEXT NOT NULL,
		document_date TEXT NOT NULL,
		created_sequence INTEGER NOT NULL,
		original_qty TEXT NOT NULL,
		original_containers INTEGER NOT NULL,
		remaining_qty TEXT NOT NULL,
		remaining_containers INTEGER NOT NULL,
		unit_price TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		active INTEGER NOT NULL DEFAULT 1
	);
	CREATE INDEX IF NOT EXISTS idx_lots_product_fifo
		ON lots(product_id, document_date, created_sequence);
	CREATE INDEX IF NOT EXISTS idx_lots_document
		ON lots(document_id);

	CREATE TABLE IF NOT EXISTS container_accounts (
		account_id TEXT NOT NULL,
		container_type_id TEXT NOT NULL,
		full_count INTEGER NOT NULL,
		empty_count INTEGER NOT NULL,
		deposit_liability TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		active INTEGER NOT NULL DEFAULT 1,
		PRIMARY KEY (account_id, container_type_id)
	);

	-- Append-only: no UPDATE/DELETE path exists in this package.
	CREATE TABLE IF NOT EXISTS container_entries (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL,
		container_type_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		count INTEGER NOT NULL,
		requested_count INTEGER NOT NULL,
		amount TEXT NOT NULL,
		reference_kind TEXT NOT NULL,
		reference_id TEXT NOT NULL,
		occurred_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_container_entries_account
		ON container_entries(account_id, occurred_at);

	CREATE TABLE IF NOT EXISTS deposit_receipts (
		id TEXT PRIMARY KEY,
		number TEXT NOT NULL UNIQUE,
		date TEXT NOT NULL,
		account_id TEXT NOT NULL,
		container_type_id TEXT NOT NULL,
		direction TEXT NOT NULL,
		container_count INTEGER NOT NULL,
		unit_price TEXT NOT NULL,
		total_amount TEXT NOT NULL,
		settled INTEGER NOT NULL DEFAULT 0,
		settlement_date TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		active INTEGER NOT NULL DEFAULT 1
	);
	CREATE INDEX IF NOT EXISTS idx_receipts_account
		ON deposit_receipts(account_id, date);

	CREATE TABLE IF NOT EXISTS documents (
		id TEXT PRIMARY KEY,
		number TEXT NOT NULL UNIQUE,
		kind TEXT NOT NULL,
		date TEXT NOT NULL,
		account_id TEXT NOT NULL,
		status TEXT NOT NULL,
		total_net TEXT NOT NULL,
		total_containers INTEGER NOT NULL,
		total_amount TEXT NOT NULL,
		notes TEXT NOT NULL DEFAULT '',
		approved_at TEXT,
		cancelled_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		active INTEGER NOT NULL DEFAULT 1
	);
	CREATE INDEX IF NOT EXISTS idx_documents_kind_status
		ON documents(kind, status);

	CREATE TABLE IF NOT EXISTS document_lines (
		document_id TEXT NOT NULL,
		line_no INTEGER NOT NULL,
		product_id TEXT NOT NULL,
		container_type_id TEXT NOT NULL,
		container_count INTEGER NOT NULL,
		gross_weight TEXT NOT NULL,
		tare_weight TEXT NOT NULL,
		net_weight TEXT NOT NULL,
		unit_price TEXT NOT NULL,
		source_lot_id TEXT,
		PRIMARY KEY (document_id, line_no)
	);

	-- Append-only cash ledger.
	CREATE TABLE IF NOT EXISTS account_entries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		account_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		amount TEXT NOT NULL,
		date TEXT NOT NULL,
		reference TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_account_entries_account
		ON account_entries(account_id);

	CREATE TABLE IF NOT EXISTS sequences (
		name TEXT PRIMARY KEY,
		value INTEGER NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// nextSequence bumps and returns a named counter atomically.
func (s *Store) nextSequence(ctx context.Context, name string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return nextSequenceOn(ctx, s.db, name)
}

func nextSequenceOn(ctx context.Context, q lotQuerier, name string) (int64, error) {
	_, err := q.ExecContext(ctx,
		`INSERT INTO sequences(name, value) VALUES(?, 1)
		 ON CONFLICT(name) DO UPDATE SET value = value + 1`, name)
	if err != nil {
		return 0, err
	}
	var value int64
	err = q.QueryRowContext(ctx, `SELECT value FROM sequences WHERE name = ?`, name).Scan(&value)
	return value, err
}

// =============================================================================
// SCAN HELPERS
// =============================================================================

const timeFormat = time.RFC3339Nano

func formatTime(t time.Time) string { return t.UTC().Format(timeFormat) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeFormat, s)
	return t
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func parseDecimal(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

// =============================================================================
// inventory.Store
// =============================================================================

type lotQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func insertLot(ctx context.Context, q lotQuerier, lot inventory.Lot) error {
	var price sql.NullString
	if lot.UnitPrice != nil {
		price = sql.NullString{String: lot.UnitPrice.Value.String(), Valid: true}
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO lots (id, product_id, container_type_id, document_id, document_date,
			created_sequence, original_qty, original_containers, remaining_qty,
			remaining_containers, unit_price, created_at, updated_at, active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		lot.ID, lot.ProductID, lot.ContainerTypeID, lot.DocumentID, formatTime(lot.DocumentDate),
		lot.CreatedSequence, lot.OriginalQuantity.Value.String(), lot.OriginalContainers,
		lot.RemainingQuantity.Value.String(), lot.RemainingContainers, price,
		formatTime(lot.Meta.CreatedAt), formatTime(lot.Meta.UpdatedAt), lot.Meta.Active)
	return err
}

func updateLot(ctx context.Context, q lotQuerier, lot inventory.Lot) error {
	var price sql.NullString
	if lot.UnitPrice != nil {
		price = sql.NullString{String: lot.UnitPrice.Value.String(), Valid: true}
	}
	res, err := q.ExecContext(ctx, `
		UPDATE lots SET remaining_qty = ?, remaining_containers = ?, unit_price = ?,
			updated_at = ?, active = ?
		WHERE id = ?`,
		lot.RemainingQuantity.Value.String(), lot.RemainingContainers, price,
		formatTime(lot.Meta.UpdatedAt), lot.Meta.Active, lot.ID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return &market.NotFoundError{Kind: "lot", ID: string(lot.ID)}
	}
	return nil
}

const lotColumns = `id, product_id, container_type_id, document_id, document_date,
	created_sequence, original_qty, original_containers, remaining_qty,
	remaining_containers, unit_price, created_at, updated_at, active`

func scanLot(rows interface{ Scan(...any) error }) (inventory.Lot, error) {
	var lot inventory.Lot
	var docDate, origQty, remQty, createdAt, updatedAt string
	var price sql.NullString
	err := rows.Scan(&lot.ID, &lot.ProductID, &lot.ContainerTypeID, &lot.DocumentID,
		&docDate, &lot.CreatedSequence, &origQty, &lot.OriginalContainers,
		&remQty, &lot.RemainingContainers, &price, &createdAt, &updatedAt, &lot.Meta.Active)
	if err != nil {
		return inventory.Lot{}, err
	}
	lot.DocumentDate = parseTime(docDate)
	lot.OriginalQuantity = market.NewQuantityFromDecimal(parseDecimal(origQty))
	lot.RemainingQuantity = market.NewQuantityFromDecimal(parseDecimal(remQty))
	if price.Valid {
		p := market.NewAmountFromDecimal(parseDecimal(price.String))
		lot.UnitPrice = &p
	}
	lot.Meta.CreatedAt = parseTime(createdAt)
	lot.Meta.UpdatedAt = parseTime(updatedAt)
	return lot, nil
}

func queryLots(ctx context.Context, q lotQuerier, where string, args ...any) ([]inventory.Lot, error) {
	query := `SELECT ` + lotColumns + ` FROM lots ` + where +
		` ORDER BY document_date, created_sequence`
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var lots []inventory.Lot
	for rows.Next() {
		lot, err := scanLot(rows)
		if err != nil {
			return nil, err
		}
		lots = append(lots, lot)
	}
	return lots, rows.Err()
}

func (s *Store) InsertLot(ctx context.Context, lot inventory.Lot) error {
	return insertLot(ctx, s.db, lot)
}

func (s *Store) LotByID(ctx context.Context, id market.LotID) (inventory.Lot, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+lotColumns+` FROM lots WHERE id = ?`, id)
	lot, err := scanLot(row)
	if err == sql.ErrNoRows {
		return inventory.Lot{}, &market.NotFoundError{Kind: "lot", ID: string(id)}
	}
	return lot, err
}

func (s *Store) LotsByProduct(ctx context.Context, productID market.ProductID) ([]inventory.Lot, error) {
	return queryLots(ctx, s.db, `WHERE product_id = ? AND active = 1`, productID)
}

func (s *Store) LotsByDocument(ctx context.Context, documentID market.DocumentID) ([]inventory.Lot, error) {
	return queryLots(ctx, s.db, `WHERE document_id = ? AND active = 1`, documentID)
}

func (s *Store) Lots(ctx context.Context) ([]inventory.Lot, error) {
	return queryLots(ctx, s.db, `WHERE active = 1`)
}

func (s *Store) UpdateLot(ctx context.Context, lot inventory.Lot) error {
	return updateLot(ctx, s.db, lot)
}

func (s *Store) NextLotSequence(ctx context.Context) (uint64, error) {
	v, err := s.nextSequence(ctx, "lot")
	return uint64(v), err
}

// WithTx runs fn inside one SQL transaction. Rolls back on error.
func (s *Store) WithTx(ctx context.Context, fn func(inventory.Store) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	view := &lotTxView{tx: tx}
	if err := fn(view); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// lotTxView scopes every operation to the transaction. Reads must go
// through the tx as well: with a single pooled connection held by the
// open tx, a query against the parent *sql.DB would wait on connection
// checkout forever.
type lotTxView struct {
	tx *sql.Tx
}

func (v *lotTxView) InsertLot(ctx context.Context, lot inventory.Lot) error {
	return insertLot(ctx, v.tx, lot)
}
func (v *lotTxView) UpdateLot(ctx context.Context, lot inventory.Lot) error {
	return updateLot(ctx, v.tx, lot)
}
func (v *lotTxView) LotByID(ctx context.Context, id market.LotID) (inventory.Lot, error) {
	row := v.tx.QueryRowContext(ctx, `SELECT `+lotColumns+` FROM lots WHERE id = ?`, id)
	lot, err := scanLot(row)
	if err == sql.ErrNoRows {
		return inventory.Lot{}, &market.NotFoundError{Kind: "lot", ID: string(id)}
	}
	return lot, err
}
func (v *lotTxView) LotsByProduct(ctx context.Context, p market.ProductID) ([]inventory.Lot, error) {
	return queryLots(ctx, v.tx, `WHERE product_id = ? AND active = 1`, p)
}
func (v *lotTxView) LotsByDocument(ctx context.Context, d market.DocumentID) ([]inventory.Lot, error) {
	return queryLots(ctx, v.tx, `WHERE document_id = ? AND active = 1`, d)
}
func (v *lotTxView) Lots(ctx context.Context) ([]inventory.Lot, error) {
	return queryLots(ctx, v.tx, `WHERE active = 1`)
}
func (v *lotTxView) NextLotSequence(ctx context.Context) (uint64, error) {
	seq, err := nextSequenceOn(ctx, v.tx, "lot")
	return uint64(seq), err
}

// =============================================================================
// deposit.Store
// =============================================================================

func (s *Store) Account(ctx context.Context, accountID market.AccountID, typeID market.ContainerTypeID) (deposit.Account, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT account_id, container_type_id, full_count, empty_count, deposit_liability,
			created_at, updated_at, active
		FROM container_accounts WHERE account_id = ? AND container_type_id = ?`,
		accountID, typeID)
	account, err := scanContainerAccount(row)
	if err == sql.ErrNoRows {
		return deposit.Account{}, &market.NotFoundError{
			Kind: "container account", ID: string(accountID) + "/" + string(typeID)}
	}
	return account, err
}

func scanContainerAccount(row interface{ Scan(...any) error }) (deposit.Account, error) {
	var a deposit.Account
	var liability, createdAt, updatedAt string
	err := row.Scan(&a.AccountID, &a.ContainerTypeID, &a.FullCount, &a.EmptyCount,
		&liability, &createdAt, &updatedAt, &a.Meta.Active)
	if err != nil {
		return deposit.Account{}, err
	}
	a.DepositLiability = market.NewAmountFromDecimal(parseDecimal(liability))
	a.Meta.CreatedAt = parseTime(createdAt)
	a.Meta.UpdatedAt = parseTime(updatedAt)
	return a, nil
}

func (s *Store) AccountsByOwner(ctx context.Context, accountID market.AccountID) ([]deposit.Account, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT account_id, container_type_id, full_count, empty_count, deposit_liability,
			created_at, updated_at, active
		FROM container_accounts WHERE account_id = ? ORDER BY container_type_id`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []deposit.Account
	for rows.Next() {
		a, err := scanContainerAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

func (s *Store) SaveAccount(ctx context.Context, a deposit.Account) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO container_accounts (account_id, container_type_id, full_count,
			empty_count, deposit_liability, created_at, updated_at, active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id, container_type_id) DO UPDATE SET
			full_count = excluded.full_count,
			empty_count = excluded.empty_count,
			deposit_liability = excluded.deposit_liability,
			updated_at = excluded.updated_at,
			active = excluded.active`,
		a.AccountID, a.ContainerTypeID, a.FullCount, a.EmptyCount,
		a.DepositLiability.Value.String(), formatTime(a.Meta.CreatedAt),
		formatTime(a.Meta.UpdatedAt), a.Meta.Active)
	return err
}

func (s *Store) AppendEntry(ctx context.Context, e deposit.Entry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO container_entries (id, account_id, container_type_id, kind, count,
			requested_count, amount, reference_kind, reference_id, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.AccountID, e.ContainerTypeID, e.Kind, e.Count, e.RequestedCount,
		e.Amount.Value.String(), e.ReferenceKind, e.ReferenceID, formatTime(e.OccurredAt))
	return err
}

func (s *Store) Entries(ctx context.Context, accountID market.AccountID, filter deposit.HistoryFilter) ([]deposit.Entry, error) {
	query := `SELECT id, account_id, container_type_id, kind, count, requested_count,
		amount, reference_kind, reference_id, occurred_at
		FROM container_entries WHERE account_id = ?`
	args := []any{accountID}
	if filter.ContainerTypeID != nil {
		query += ` AND container_type_id = ?`
		args = append(args, *filter.ContainerTypeID)
	}
	if filter.From != nil {
		query += ` AND occurred_at >= ?`
		args = append(args, formatTime(*filter.From))
	}
	if filter.To != nil {
		query += ` AND occurred_at <= ?`
		args = append(args, formatTime(*filter.To))
	}
	query += ` ORDER BY occurred_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []deposit.Entry
	for rows.Next() {
		var e deposit.Entry
		var amount, occurredAt string
		if err := rows.Scan(&e.ID, &e.AccountID, &e.ContainerTypeID, &e.Kind, &e.Count,
			&e.RequestedCount, &amount, &e.ReferenceKind, &e.ReferenceID, &occurredAt); err != nil {
			return nil, err
		}
		e.Amount = market.NewAmountFromDecimal(parseDecimal(amount))
		e.OccurredAt = parseTime(occurredAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *Store) InsertReceipt(ctx context.Context, r deposit.Receipt) error {
	var settlement sql.NullString
	if r.SettlementDate != nil {
		settlement = sql.NullString{String: formatTime(*r.SettlementDate), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO deposit_receipts (id, number, date, account_id, container_type_id,
			direction, container_count, unit_price, total_amount, settled,
			settlement_date, created_at, updated_at, active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Number, formatTime(r.Date), r.AccountID, r.ContainerTypeID, r.Direction,
		r.ContainerCount, r.UnitPrice.Value.String(), r.TotalAmount.Value.String(),
		r.Settled, settlement, formatTime(r.Meta.CreatedAt), formatTime(r.Meta.UpdatedAt),
		r.Meta.Active)
	return err
}

const receiptColumns = `id, number, date, account_id, container_type_id, direction,
	container_count, unit_price, total_amount, settled, settlement_date,
	created_at, updated_at, active`

func scanReceipt(row interface{ Scan(...any) error }) (deposit.Receipt, error) {
	var r deposit.Receipt
	var date, unitPrice, total, createdAt, updatedAt string
	var settlement sql.NullString
	err := row.Scan(&r.ID, &r.Number, &date, &r.AccountID, &r.ContainerTypeID, &r.Direction,
		&r.ContainerCount, &unitPrice, &total, &r.Settled, &settlement,
		&createdAt, &updatedAt, &r.Meta.Active)
	if err != nil {
		return deposit.Receipt{}, err
	}
	r.Date = parseTime(date)
	r.UnitPrice = market.NewAmountFromDecimal(parseDecimal(unitPrice))
	r.TotalAmount = market.NewAmountFromDecimal(parseDecimal(total))
	r.SettlementDate = parseTimePtr(settlement)
	r.Meta.CreatedAt = parseTime(createdAt)
	r.Meta.UpdatedAt = parseTime(updatedAt)
	return r, nil
}

func (s *Store) ReceiptByID(ctx context.Context, id market.ReceiptID) (deposit.Receipt, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+receiptColumns+` FROM deposit_receipts WHERE id = ?`, id)
	r, err := scanReceipt(row)
	if err == sql.ErrNoRows {
		return deposit.Receipt{}, &market.NotFoundError{Kind: "receipt", ID: string(id)}
	}
	return r, err
}

func (s *Store) UpdateReceipt(ctx context.Context, r deposit.Receipt) error {
	var settlement sql.NullString
	if r.SettlementDate != nil {
		settlement = sql.NullString{String: formatTime(*r.SettlementDate), Valid: true}
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE deposit_receipts SET settled = ?, settlement_date = ?, updated_at = ?
		WHERE id = ?`,
		r.Settled, settlement, formatTime(r.Meta.UpdatedAt), r.ID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return &market.NotFoundError{Kind: "receipt", ID: string(r.ID)}
	}
	return nil
}

func (s *Store) Receipts(ctx context.Context, accountID market.AccountID) ([]deposit.Receipt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+receiptColumns+` FROM deposit_receipts WHERE account_id = ? ORDER BY date, number`,
		accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var receipts []deposit.Receipt
	for rows.Next() {
		r, err := scanReceipt(rows)
		if err != nil {
			return nil, err
		}
		receipts = append(receipts, r)
	}
	return receipts, rows.Err()
}

func (s *Store) NextReceiptNumber(ctx context.Context, direction deposit.Direction, date time.Time) (string, error) {
	prefix := "DEP"
	if direction == deposit.Refund {
		prefix = "REF"
	}
	key := fmt.Sprintf("%s-%d", prefix, date.Year())
	v, err := s.nextSequence(ctx, "receipt:"+key)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-%04d", key, v), nil
}

// =============================================================================
// workflow.DocumentStore
// =============================================================================

func (s *Store) InsertDocument(ctx context.Context, doc workflow.Document) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO documents (id, number, kind, date, account_id, status, total_net,
			total_containers, total_amount, notes, approved_at, cancelled_at,
			created_at, updated_at, active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, NULL, ?, ?, ?)`,
		doc.ID, doc.Number, doc.Kind, formatTime(doc.Date), doc.AccountID, doc.Status,
		doc.TotalNetWeight.Value.String(), doc.TotalContainers, doc.TotalAmount.Value.String(),
		doc.Notes, formatTime(doc.Meta.CreatedAt), formatTime(doc.Meta.UpdatedAt), doc.Meta.Active)
	if err != nil {
		return err
	}
	if err := insertLines(ctx, tx, doc.ID, doc.Lines); err != nil {
		return err
	}
	return tx.Commit()
}

func insertLines(ctx context.Context, tx *sql.Tx, docID market.DocumentID, lines []workflow.Line) error {
	for i, ln := range lines {
		var source sql.NullString
		if ln.SourceLotID != nil {
			source = sql.NullString{String: string(*ln.SourceLotID), Valid: true}
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO document_lines (document_id, line_no, product_id, container_type_id,
				container_count, gross_weight, tare_weight, net_weight, unit_price, source_lot_id)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			docID, i, ln.ProductID, ln.ContainerTypeID, ln.ContainerCount,
			ln.GrossWeight.Value.String(), ln.TareWeight.Value.String(),
			ln.NetWeight.Value.String(), ln.UnitPrice.Value.String(), source)
		if err != nil {
			return err
		}
	}
	return nil
}

const documentColumns = `id, number, kind, date, account_id, status, total_net,
	total_containers, total_amount, notes, approved_at, cancelled_at,
	created_at, updated_at, active`

func scanDocument(row interface{ Scan(...any) error }) (workflow.Document, error) {
	var d workflow.Document
	var date, totalNet, totalAmount, createdAt, updatedAt string
	var approvedAt, cancelledAt sql.NullString
	err := row.Scan(&d.ID, &d.Number, &d.Kind, &date, &d.AccountID, &d.Status,
		&totalNet, &d.TotalContainers, &totalAmount, &d.Notes,
		&approvedAt, &cancelledAt, &createdAt, &updatedAt, &d.Meta.Active)
	if err != nil {
		return workflow.Document{}, err
	}
	d.Date = parseTime(date)
	d.TotalNetWeight = market.NewQuantityFromDecimal(parseDecimal(totalNet))
	d.TotalAmount = market.NewAmountFromDecimal(parseDecimal(totalAmount))
	d.ApprovedAt = parseTimePtr(approvedAt)
	d.CancelledAt = parseTimePtr(cancelledAt)
	d.Meta.CreatedAt = parseTime(createdAt)
	d.Meta.UpdatedAt = parseTime(updatedAt)
	return d, nil
}

func (s *Store) loadLines(ctx context.Context, docID market.DocumentID) ([]workflow.Line, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT product_id, container_type_id, container_count, gross_weight, tare_weight,
			net_weight, unit_price, source_lot_id
		FROM document_lines WHERE document_id = ? ORDER BY line_no`, docID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var lines []workflow.Line
	for rows.Next() {
		var ln workflow.Line
		var gross, tare, net, price string
		var source sql.NullString
		if err := rows.Scan(&ln.ProductID, &ln.ContainerTypeID, &ln.ContainerCount,
			&gross, &tare, &net, &price, &source); err != nil {
			return nil, err
		}
		ln.GrossWeight = market.NewQuantityFromDecimal(parseDecimal(gross))
		ln.TareWeight = market.NewQuantityFromDecimal(parseDecimal(tare))
		ln.NetWeight = market.NewQuantityFromDecimal(parseDecimal(net))
		ln.UnitPrice = market.NewAmountFromDecimal(parseDecimal(price))
		if source.Valid {
			id := market.LotID(source.String)
			ln.SourceLotID = &id
		}
		lines = append(lines, ln)
	}
	return lines, rows.Err()
}

func (s *Store) DocumentByID(ctx context.Context, id market.DocumentID) (workflow.Document, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = ?`, id)
	doc, err := scanDocument(row)
	if err == sql.ErrNoRows {
		return workflow.Document{}, &market.NotFoundError{Kind: "document", ID: string(id)}
	}
	if err != nil {
		return workflow.Document{}, err
	}
	doc.Lines, err = s.loadLines(ctx, id)
	return doc, err
}

func (s *Store) UpdateDocument(ctx context.Context, doc workflow.Document) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE documents SET date = ?, account_id = ?, total_net = ?, total_containers = ?,
			total_amount = ?, notes = ?, updated_at = ?, active = ?
		WHERE id = ?`,
		formatTime(doc.Date), doc.AccountID, doc.TotalNetWeight.Value.String(),
		doc.TotalContainers, doc.TotalAmount.Value.String(), doc.Notes,
		formatTime(doc.Meta.UpdatedAt), doc.Meta.Active, doc.ID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return &market.NotFoundError{Kind: "document", ID: string(doc.ID)}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM document_lines WHERE document_id = ?`, doc.ID); err != nil {
		return err
	}
	if err := insertLines(ctx, tx, doc.ID, doc.Lines); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) UpdateStatus(ctx context.Context, id market.DocumentID, expected, next workflow.Status, at time.Time) error {
	stamp := "approved_at"
	if next == workflow.Cancelled {
		stamp = "cancelled_at"
	}
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE documents SET status = ?, %s = ?, updated_at = ?
		WHERE id = ? AND status = ?`, stamp),
		next, formatTime(at), formatTime(at), id, expected)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		var exists int
		if err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(1) FROM documents WHERE id = ?`, id).Scan(&exists); err == nil && exists == 0 {
			return &market.NotFoundError{Kind: "document", ID: string(id)}
		}
		return market.ErrConcurrencyConflict
	}
	return nil
}

func (s *Store) Documents(ctx context.Context, kind *workflow.Kind, status *workflow.Status) ([]workflow.Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents`
	var clauses []string
	var args []any
	if kind != nil {
		clauses = append(clauses, `kind = ?`)
		args = append(args, *kind)
	}
	if status != nil {
		clauses = append(clauses, `status = ?`)
		args = append(args, *status)
	}
	if len(clauses) > 0 {
		query += ` WHERE ` + strings.Join(clauses, ` AND `)
	}
	query += ` ORDER BY number`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []workflow.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range docs {
		docs[i].Lines, err = s.loadLines(ctx, docs[i].ID)
		if err != nil {
			return nil, err
		}
	}
	return docs, nil
}

func (s *Store) AppendNote(ctx context.Context, id market.DocumentID, note string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE documents
		SET notes = CASE WHEN notes = '' THEN ? ELSE notes || char(10) || ? END
		WHERE id = ?`, note, note, id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return &market.NotFoundError{Kind: "document", ID: string(id)}
	}
	return nil
}

// =============================================================================
// market.AccountLedger
// =============================================================================

// Post appends one cash entry. Debits raise the balance, credits lower it.
func (s *Store) Post(ctx context.Context, accountID market.AccountID, kind market.EntryKind, amount market.Amount, date time.Time, reference string) error {
	if amount.IsNegative() {
		return &market.ValidationError{Field: "amount", Reason: "must not be negative"}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO account_entries (account_id, kind, amount, date, reference)
		VALUES (?, ?, ?, ?, ?)`,
		accountID, kind, amount.Value.String(), formatTime(date), reference)
	return err
}

func (s *Store) Balance(ctx context.Context, accountID market.AccountID) (market.Amount, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT kind, amount FROM account_entries WHERE account_id = ?`, accountID)
	if err != nil {
		return market.Amount{}, err
	}
	defer rows.Close()

	balance := market.ZeroAmount()
	for rows.Next() {
		var kind, amount string
		if err := rows.Scan(&kind, &amount); err != nil {
			return market.Amount{}, err
		}
		a := market.NewAmountFromDecimal(parseDecimal(amount))
		if market.EntryKind(kind) == market.Debit {
			balance = balance.Add(a)
		} else {
			balance = balance.Sub(a)
		}
	}
	return balance, rows.Err()
}

// =============================================================================
// market.DocumentNumberGenerator
// =============================================================================

var numberPrefixes = map[string]string{
	string(workflow.IncomingDelivery): "IN",
	string(workflow.SalesInvoice):     "SI",
}

func (s *Store) Next(ctx context.Context, kind string, date time.Time) (string, error) {
	prefix, ok := numberPrefixes[kind]
	if !ok {
		prefix = "DOC"
	}
	key := fmt.Sprintf("%s-%d", prefix, date.Year())
	v, err := s.nextSequence(ctx, "document:"+key)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-%05d", key, v), nil
}

// =============================================================================
// MAINTENANCE
// =============================================================================

// Reset clears all data. Only for demo/dev environments.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{"document_lines", "documents", "container_entries", "deposit_receipts",
		"container_accounts", "account_entries", "lots", "sequences"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}
