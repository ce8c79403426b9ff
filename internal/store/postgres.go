package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"mt5bridge/internal/domain"
)

// Compile-time interface check.
var _ Store = (*PostgresStore)(nil)

// PostgresStore implements Store on the hosted Postgres database shared with
// the account backend. The schema, and the encrypt_password and
// decrypt_password functions, are owned by that backend.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects a pool to dsn.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting postgres: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const pgAccountColumns = `id::text, user_id::text, login, server, COALESCE(broker_name, ''), COALESCE(account_name, ''),
	COALESCE(account_type, 'demo'), COALESCE(encrypted_password, ''), is_default, is_active,
	COALESCE(balance, 0), COALESCE(equity, 0), COALESCE(currency, ''), COALESCE(leverage, 0),
	last_connected_at, created_at, updated_at`

func scanPGAccount(row pgx.Row) (*domain.TradingAccount, error) {
	var (
		a        domain.TradingAccount
		acctType string
		lastConn *time.Time
	)
	err := row.Scan(&a.ID, &a.UserID, &a.Login, &a.Server, &a.Broker, &a.Name, &acctType,
		&a.EncryptedPassword, &a.IsDefault, &a.IsActive, &a.Balance, &a.Equity, &a.Currency, &a.Leverage,
		&lastConn, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	a.Type = domain.ParseAccountType(acctType)
	if lastConn != nil {
		a.LastConnectedAt = *lastConn
	}
	return &a, nil
}

func (s *PostgresStore) UpsertAccount(ctx context.Context, acct *domain.TradingAccount) (*domain.TradingAccount, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	saved, err := scanPGAccount(tx.QueryRow(ctx, `
		INSERT INTO mt5_accounts (user_id, login, server, broker_name, account_name, account_type,
			encrypted_password, is_default, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, true)
		ON CONFLICT (user_id, login, server) DO UPDATE SET
			broker_name = EXCLUDED.broker_name,
			account_name = EXCLUDED.account_name,
			account_type = EXCLUDED.account_type,
			encrypted_password = EXCLUDED.encrypted_password,
			is_default = EXCLUDED.is_default,
			is_active = true,
			updated_at = now()
		RETURNING `+pgAccountColumns,
		acct.UserID, acct.Login, acct.Server, acct.Broker, acct.Name, string(acct.Type),
		acct.EncryptedPassword, acct.IsDefault))
	if err != nil {
		return nil, fmt.Errorf("upserting account: %w", err)
	}
	if saved.IsDefault {
		if err := pgClearDefaults(ctx, tx, saved.UserID, saved.ID); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return saved, nil
}

func pgClearDefaults(ctx context.Context, tx pgx.Tx, userID, keepID string) error {
	_, err := tx.Exec(ctx,
		`UPDATE mt5_accounts SET is_default = false, updated_at = now()
		 WHERE user_id = $1 AND id::text <> $2 AND is_default`,
		userID, keepID)
	if err != nil {
		return fmt.Errorf("clearing default accounts: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAccounts(ctx context.Context, userID string) ([]domain.TradingAccount, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgAccountColumns+` FROM mt5_accounts WHERE user_id = $1 AND is_active ORDER BY created_at`,
		userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	accounts := []domain.TradingAccount{}
	for rows.Next() {
		a, err := scanPGAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *a)
	}
	return accounts, rows.Err()
}

func (s *PostgresStore) GetAccount(ctx context.Context, userID, accountID string) (*domain.TradingAccount, error) {
	return scanPGAccount(s.pool.QueryRow(ctx,
		`SELECT `+pgAccountColumns+` FROM mt5_accounts WHERE user_id = $1 AND id::text = $2 AND is_active`,
		userID, accountID))
}

func (s *PostgresStore) DefaultAccount(ctx context.Context, userID string) (*domain.TradingAccount, error) {
	return scanPGAccount(s.pool.QueryRow(ctx,
		`SELECT `+pgAccountColumns+` FROM mt5_accounts WHERE user_id = $1 AND is_active AND is_default
		 ORDER BY updated_at DESC LIMIT 1`,
		userID))
}

func (s *PostgresStore) UpdateAccount(ctx context.Context, userID, accountID string, upd AccountUpdate) (*domain.TradingAccount, error) {
	if upd.Empty() {
		return s.GetAccount(ctx, userID, accountID)
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var acctType *string
	if upd.Type != nil {
		v := string(*upd.Type)
		acctType = &v
	}
	acct, err := scanPGAccount(tx.QueryRow(ctx, `
		UPDATE mt5_accounts SET
			account_name = COALESCE($3, account_name),
			broker_name = COALESCE($4, broker_name),
			account_type = COALESCE($5, account_type),
			is_default = COALESCE($6, is_default),
			updated_at = now()
		WHERE user_id = $1 AND id::text = $2 AND is_active
		RETURNING `+pgAccountColumns,
		userID, accountID, upd.Name, upd.Broker, acctType, upd.IsDefault))
	if err != nil {
		return nil, err
	}
	if upd.IsDefault != nil && *upd.IsDefault {
		if err := pgClearDefaults(ctx, tx, userID, acct.ID); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return acct, nil
}

func (s *PostgresStore) DeleteAccount(ctx context.Context, userID, accountID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE mt5_accounts SET is_active = false, is_default = false, updated_at = now()
		 WHERE user_id = $1 AND id::text = $2 AND is_active`,
		userID, accountID)
	if err != nil {
		return fmt.Errorf("deleting account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) TouchAccount(ctx context.Context, accountID string, balance, equity float64, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE mt5_accounts SET balance = $2, equity = $3, last_connected_at = $4, updated_at = now()
		 WHERE id::text = $1`,
		accountID, balance, equity, at)
	return err
}

func (s *PostgresStore) RecordTrade(ctx context.Context, e *domain.JournalEntry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO trade_journal (id, user_id, account_id, strategy_id, deployment_id, trade_type, symbol,
			entry_price, exit_price, stop_loss, take_profit, position_size, pnl, pnl_percent, status,
			entry_time, exit_time, exit_reason, mt5_ticket)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
		e.ID, e.UserID, e.AccountID, e.StrategyID, e.DeploymentID, e.TradeType, e.Symbol,
		e.EntryPrice, e.ExitPrice, nullIfZero(e.StopLoss), nullIfZero(e.TakeProfit), e.PositionSize,
		e.PnL, e.PnLPercent, e.Status, e.EntryTime, e.ExitTime, e.ExitReason, e.Ticket)
	if err != nil {
		return fmt.Errorf("inserting journal entry: %w", err)
	}
	return nil
}

// EncryptPassword calls the database's encrypt_password function.
func (s *PostgresStore) EncryptPassword(ctx context.Context, plaintext string) (string, error) {
	var out *string
	if err := s.pool.QueryRow(ctx, `SELECT encrypt_password(password => $1)`, plaintext).Scan(&out); err != nil {
		return "", fmt.Errorf("encrypt_password: %w", err)
	}
	if out == nil {
		return "", errors.New("encrypt_password returned null")
	}
	return *out, nil
}

// DecryptPassword calls the database's decrypt_password function.
func (s *PostgresStore) DecryptPassword(ctx context.Context, token string) (string, error) {
	var out *string
	if err := s.pool.QueryRow(ctx, `SELECT decrypt_password(encrypted => $1)`, token).Scan(&out); err != nil {
		return "", fmt.Errorf("decrypt_password: %w", err)
	}
	if out == nil {
		return "", errors.New("decrypt_password returned null")
	}
	return *out, nil
}
