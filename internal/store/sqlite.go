package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"mt5bridge/internal/domain"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store on a local SQLite database.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS mt5_accounts (
	id                 TEXT PRIMARY KEY,
	user_id            TEXT NOT NULL,
	login              INTEGER NOT NULL,
	server             TEXT NOT NULL,
	broker_name        TEXT NOT NULL DEFAULT '',
	account_name       TEXT NOT NULL DEFAULT '',
	account_type       TEXT NOT NULL DEFAULT 'demo',
	encrypted_password TEXT NOT NULL DEFAULT '',
	is_default         INTEGER NOT NULL DEFAULT 0,
	is_active          INTEGER NOT NULL DEFAULT 1,
	balance            REAL NOT NULL DEFAULT 0,
	equity             REAL NOT NULL DEFAULT 0,
	currency           TEXT NOT NULL DEFAULT '',
	leverage           INTEGER NOT NULL DEFAULT 0,
	last_connected_at  INTEGER NOT NULL DEFAULT 0,
	created_at         INTEGER NOT NULL,
	updated_at         INTEGER NOT NULL,
	UNIQUE (user_id, login, server)
);
CREATE INDEX IF NOT EXISTS mt5_accounts_user ON mt5_accounts (user_id, is_active);

CREATE TABLE IF NOT EXISTS trade_journal (
	id            TEXT PRIMARY KEY,
	user_id       TEXT NOT NULL,
	account_id    TEXT NOT NULL,
	strategy_id   TEXT NOT NULL,
	deployment_id TEXT NOT NULL,
	trade_type    TEXT NOT NULL,
	symbol        TEXT NOT NULL,
	entry_price   REAL NOT NULL,
	exit_price    REAL NOT NULL,
	stop_loss     REAL,
	take_profit   REAL,
	position_size REAL NOT NULL,
	pnl           REAL NOT NULL,
	pnl_percent   REAL NOT NULL,
	status        TEXT NOT NULL,
	entry_time    INTEGER NOT NULL,
	exit_time     INTEGER NOT NULL,
	exit_reason   TEXT NOT NULL,
	mt5_ticket    INTEGER NOT NULL
);
`

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and creates
// the tables it needs.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// One writer keeps SQLite from returning SQLITE_BUSY under load.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA foreign_keys = ON; PRAGMA journal_mode = WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("configuring sqlite: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating sqlite: %w", err)
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ---------------------------------------------------------------------------
// AccountStore implementation
// ---------------------------------------------------------------------------

const accountColumns = `id, user_id, login, server, broker_name, account_name, account_type,
	encrypted_password, is_default, is_active, balance, equity, currency, leverage,
	last_connected_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*domain.TradingAccount, error) {
	var (
		a                          domain.TradingAccount
		acctType                   string
		isDefault, isActive        bool
		lastConn, created, updated int64
	)
	err := row.Scan(&a.ID, &a.UserID, &a.Login, &a.Server, &a.Broker, &a.Name, &acctType,
		&a.EncryptedPassword, &isDefault, &isActive, &a.Balance, &a.Equity, &a.Currency, &a.Leverage,
		&lastConn, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	a.Type = domain.ParseAccountType(acctType)
	a.IsDefault, a.IsActive = isDefault, isActive
	if lastConn > 0 {
		a.LastConnectedAt = time.Unix(lastConn, 0).UTC()
	}
	a.CreatedAt = time.Unix(created, 0).UTC()
	a.UpdatedAt = time.Unix(updated, 0).UTC()
	return &a, nil
}

// UpsertAccount inserts or refreshes the account keyed on (user, login, server).
func (s *SQLiteStore) UpsertAccount(ctx context.Context, acct *domain.TradingAccount) (*domain.TradingAccount, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	now := s.now().Unix()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO mt5_accounts (id, user_id, login, server, broker_name, account_name, account_type,
			encrypted_password, is_default, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT (user_id, login, server) DO UPDATE SET
			broker_name = excluded.broker_name,
			account_name = excluded.account_name,
			account_type = excluded.account_type,
			encrypted_password = excluded.encrypted_password,
			is_default = excluded.is_default,
			is_active = 1,
			updated_at = excluded.updated_at`,
		uuid.NewString(), acct.UserID, acct.Login, acct.Server, acct.Broker, acct.Name, string(acct.Type),
		acct.EncryptedPassword, acct.IsDefault, now, now)
	if err != nil {
		return nil, fmt.Errorf("upserting account: %w", err)
	}

	saved, err := scanAccount(tx.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM mt5_accounts WHERE user_id = ? AND login = ? AND server = ?`,
		acct.UserID, acct.Login, acct.Server))
	if err != nil {
		return nil, fmt.Errorf("reading upserted account: %w", err)
	}
	if saved.IsDefault {
		if err := clearDefaults(ctx, tx, saved.UserID, saved.ID, now); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return saved, nil
}

func clearDefaults(ctx context.Context, tx *sql.Tx, userID, keepID string, now int64) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE mt5_accounts SET is_default = 0, updated_at = ? WHERE user_id = ? AND id <> ? AND is_default = 1`,
		now, userID, keepID)
	if err != nil {
		return fmt.Errorf("clearing default accounts: %w", err)
	}
	return nil
}

// ListAccounts returns the user's active accounts, oldest first.
func (s *SQLiteStore) ListAccounts(ctx context.Context, userID string) ([]domain.TradingAccount, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+accountColumns+` FROM mt5_accounts WHERE user_id = ? AND is_active = 1 ORDER BY created_at, rowid`,
		userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	accounts := []domain.TradingAccount{}
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *a)
	}
	return accounts, rows.Err()
}

func (s *SQLiteStore) GetAccount(ctx context.Context, userID, accountID string) (*domain.TradingAccount, error) {
	return scanAccount(s.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM mt5_accounts WHERE user_id = ? AND id = ? AND is_active = 1`,
		userID, accountID))
}

func (s *SQLiteStore) DefaultAccount(ctx context.Context, userID string) (*domain.TradingAccount, error) {
	return scanAccount(s.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM mt5_accounts WHERE user_id = ? AND is_active = 1 AND is_default = 1
		 ORDER BY updated_at DESC LIMIT 1`,
		userID))
}

func (s *SQLiteStore) UpdateAccount(ctx context.Context, userID, accountID string, upd AccountUpdate) (*domain.TradingAccount, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	acct, err := scanAccount(tx.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM mt5_accounts WHERE user_id = ? AND id = ? AND is_active = 1`,
		userID, accountID))
	if err != nil {
		return nil, err
	}
	applyUpdate(acct, upd)

	now := s.now()
	_, err = tx.ExecContext(ctx, `
		UPDATE mt5_accounts SET account_name = ?, broker_name = ?, account_type = ?, is_default = ?, updated_at = ?
		WHERE id = ?`,
		acct.Name, acct.Broker, string(acct.Type), acct.IsDefault, now.Unix(), acct.ID)
	if err != nil {
		return nil, fmt.Errorf("updating account: %w", err)
	}
	if upd.IsDefault != nil && *upd.IsDefault {
		if err := clearDefaults(ctx, tx, userID, acct.ID, now.Unix()); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	acct.UpdatedAt = time.Unix(now.Unix(), 0).UTC()
	return acct, nil
}

func applyUpdate(acct *domain.TradingAccount, upd AccountUpdate) {
	if upd.Name != nil {
		acct.Name = *upd.Name
	}
	if upd.Broker != nil {
		acct.Broker = *upd.Broker
	}
	if upd.Type != nil {
		acct.Type = *upd.Type
	}
	if upd.IsDefault != nil {
		acct.IsDefault = *upd.IsDefault
	}
}

func (s *SQLiteStore) DeleteAccount(ctx context.Context, userID, accountID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE mt5_accounts SET is_active = 0, is_default = 0, updated_at = ? WHERE user_id = ? AND id = ? AND is_active = 1`,
		s.now().Unix(), userID, accountID)
	if err != nil {
		return fmt.Errorf("deleting account: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) TouchAccount(ctx context.Context, accountID string, balance, equity float64, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE mt5_accounts SET balance = ?, equity = ?, last_connected_at = ?, updated_at = ? WHERE id = ?`,
		balance, equity, at.Unix(), s.now().Unix(), accountID)
	return err
}

// ---------------------------------------------------------------------------
// JournalStore implementation
// ---------------------------------------------------------------------------

// RecordTrade inserts a closed trade. Zero stop loss and take profit are
// stored as NULL.
func (s *SQLiteStore) RecordTrade(ctx context.Context, e *domain.JournalEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trade_journal (id, user_id, account_id, strategy_id, deployment_id, trade_type, symbol,
			entry_price, exit_price, stop_loss, take_profit, position_size, pnl, pnl_percent, status,
			entry_time, exit_time, exit_reason, mt5_ticket)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.UserID, e.AccountID, e.StrategyID, e.DeploymentID, e.TradeType, e.Symbol,
		e.EntryPrice, e.ExitPrice, nullIfZero(e.StopLoss), nullIfZero(e.TakeProfit), e.PositionSize,
		e.PnL, e.PnLPercent, e.Status, e.EntryTime.Unix(), e.ExitTime.Unix(), e.ExitReason, e.Ticket)
	if err != nil {
		return fmt.Errorf("inserting journal entry: %w", err)
	}
	return nil
}

// journalEntries returns the user's journal, newest first.
func (s *SQLiteStore) journalEntries(ctx context.Context, userID string) ([]domain.JournalEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, account_id, strategy_id, deployment_id, trade_type, symbol, entry_price, exit_price,
			COALESCE(stop_loss, 0), COALESCE(take_profit, 0), position_size, pnl, pnl_percent, status,
			entry_time, exit_time, exit_reason, mt5_ticket
		FROM trade_journal WHERE user_id = ? ORDER BY exit_time DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.JournalEntry
	for rows.Next() {
		var e domain.JournalEntry
		var entry, exit int64
		if err := rows.Scan(&e.ID, &e.UserID, &e.AccountID, &e.StrategyID, &e.DeploymentID, &e.TradeType,
			&e.Symbol, &e.EntryPrice, &e.ExitPrice, &e.StopLoss, &e.TakeProfit, &e.PositionSize, &e.PnL,
			&e.PnLPercent, &e.Status, &entry, &exit, &e.ExitReason, &e.Ticket); err != nil {
			return nil, err
		}
		e.EntryTime, e.ExitTime = time.Unix(entry, 0).UTC(), time.Unix(exit, 0).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullIfZero(v float64) any {
	if v == 0 {
		return nil
	}
	return v
}
