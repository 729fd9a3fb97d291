package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/AfshinJalili/custodex/services/custody/internal/domain"
	"github.com/AfshinJalili/custodex/services/custody/internal/engine"
	"github.com/AfshinJalili/custodex/services/custody/internal/ledger"
	"github.com/AfshinJalili/custodex/services/custody/internal/registry"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const defaultMovementLimit = 50

// Store persists the movement journal, the balance snapshot the ledger is
// restored from, and the asset registry.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func New(pool *pgxpool.Pool, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{pool: pool, logger: logger}
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// CommitMovement journals m and writes the entry's post-operation state in a
// single transaction. Replays of the same movement are ignored.
func (s *Store) CommitMovement(ctx context.Context, m engine.Movement) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	_, err = tx.Exec(ctx, `
		INSERT INTO custody_movements (id, kind, asset, account_id, amount, value, balance, source, created_at)
		VALUES ($1, $2, $3, $4, $5::numeric, $6::numeric, $7::numeric, $8, $9)
	`, m.ID, string(m.Kind), m.Asset.String(), m.Account, m.Amount.Dec(), m.Value.Dec(), m.Balance.Dec(), string(m.Source), m.At)
	if err != nil {
		if isUniqueViolation(err) {
			s.logger.Info("movement already recorded", "movement_id", m.ID)
			return nil
		}
		return fmt.Errorf("insert movement: %w", err)
	}

	entry := m.Entry
	if entry.Balance == nil {
		entry.Balance = m.Balance
	}
	if err := upsertBalance(ctx, tx, m.Asset, m.Account, entry, m.At); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}
	committed = true
	return nil
}

// RevertMovement removes a journaled movement whose transfer failed and puts
// the entry back to restored.
func (s *Store) RevertMovement(ctx context.Context, m engine.Movement, restored ledger.Snapshot) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if _, err := tx.Exec(ctx, `DELETE FROM custody_movements WHERE id = $1`, m.ID); err != nil {
		return fmt.Errorf("delete movement: %w", err)
	}
	entry := restored.Entry
	if entry.Balance == nil {
		entry.Balance = new(uint256.Int)
	}
	if err := upsertBalance(ctx, tx, restored.Asset, restored.Account, entry, time.Now().UTC()); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}
	committed = true
	return nil
}

func upsertBalance(ctx context.Context, tx pgx.Tx, asset domain.AssetID, account uuid.UUID, entry ledger.Entry, at time.Time) error {
	if _, err := tx.Exec(ctx, `
		INSERT INTO custody_balances (asset, account_id, balance, deposits, withdrawals, updated_at)
		VALUES ($1, $2, $3::numeric, $4, $5, $6)
		ON CONFLICT (asset, account_id) DO UPDATE
		SET balance = EXCLUDED.balance,
		    deposits = EXCLUDED.deposits,
		    withdrawals = EXCLUDED.withdrawals,
		    updated_at = EXCLUDED.updated_at
	`, asset.String(), account, entry.Balance.Dec(), int64(entry.Deposits), int64(entry.Withdrawals), at); err != nil {
		return fmt.Errorf("upsert balance: %w", err)
	}
	return nil
}

func (s *Store) RecordAssetChange(ctx context.Context, change registry.AssetChange) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO custody_asset_changes (id, asset, action, unit_scale, feed_decimals, actor_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, uuid.New(), change.Asset.String(), string(change.Action), int16(change.UnitScale), int16(change.FeedDecimals), change.Actor, change.At)
	return err
}

func (s *Store) UpsertAsset(ctx context.Context, record registry.AssetRecord) error {
	updatedAt := record.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO custody_assets (asset, unit_scale, feed_decimals, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (asset) DO UPDATE
		SET unit_scale = EXCLUDED.unit_scale,
		    feed_decimals = EXCLUDED.feed_decimals,
		    updated_at = EXCLUDED.updated_at
	`, record.ID.String(), int16(record.UnitScale), int16(record.FeedDecimals), updatedAt)
	return err
}

func (s *Store) DeleteAsset(ctx context.Context, asset domain.AssetID) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM custody_assets WHERE asset = $1`, asset.String())
	return err
}

func (s *Store) ListAssets(ctx context.Context) ([]registry.AssetRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT asset, unit_scale, feed_decimals, updated_at
		FROM custody_assets
		ORDER BY asset
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []registry.AssetRecord
	for rows.Next() {
		var (
			asset        string
			unitScale    int16
			feedDecimals int16
			updatedAt    time.Time
		)
		if err := rows.Scan(&asset, &unitScale, &feedDecimals, &updatedAt); err != nil {
			return nil, err
		}
		out = append(out, registry.AssetRecord{
			ID:           domain.AssetID(asset),
			UnitScale:    uint8(unitScale),
			FeedDecimals: uint8(feedDecimals),
			UpdatedAt:    updatedAt,
		})
	}
	return out, rows.Err()
}

// LoadBalances returns the persisted entries for ledger.Restore.
func (s *Store) LoadBalances(ctx context.Context) ([]ledger.Snapshot, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT asset, account_id, balance::text, deposits, withdrawals
		FROM custody_balances
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ledger.Snapshot
	for rows.Next() {
		var (
			asset       string
			accountID   uuid.UUID
			balanceStr  string
			deposits    int64
			withdrawals int64
		)
		if err := rows.Scan(&asset, &accountID, &balanceStr, &deposits, &withdrawals); err != nil {
			return nil, err
		}
		balance, err := uint256.FromDecimal(balanceStr)
		if err != nil {
			return nil, fmt.Errorf("parse balance for %s/%s: %w", asset, accountID, err)
		}
		out = append(out, ledger.Snapshot{
			Asset:   domain.AssetID(asset),
			Account: accountID,
			Entry: ledger.Entry{
				Balance:     balance,
				Deposits:    uint64(deposits),
				Withdrawals: uint64(withdrawals),
			},
		})
	}
	return out, rows.Err()
}

func (s *Store) ListMovements(ctx context.Context, accountID uuid.UUID, limit int) ([]MovementRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = defaultMovementLimit
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, kind, asset, account_id, amount::text, value::text, balance::text, source, created_at
		FROM custody_movements
		WHERE account_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []MovementRecord
	for rows.Next() {
		var rec MovementRecord
		var amountStr, valueStr, balanceStr string
		if err := rows.Scan(&rec.ID, &rec.Kind, &rec.Asset, &rec.AccountID, &amountStr, &valueStr, &balanceStr, &rec.Source, &rec.CreatedAt); err != nil {
			return nil, err
		}
		if rec.Amount, err = uint256.FromDecimal(amountStr); err != nil {
			return nil, fmt.Errorf("parse amount: %w", err)
		}
		if rec.Value, err = uint256.FromDecimal(valueStr); err != nil {
			return nil, fmt.Errorf("parse value: %w", err)
		}
		if rec.Balance, err = uint256.FromDecimal(balanceStr); err != nil {
			return nil, fmt.Errorf("parse balance: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
