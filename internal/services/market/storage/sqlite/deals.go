package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/apsl-space/apsl/internal/services/market/domain/deal"
	"github.com/apsl-space/apsl/internal/services/market/storage"
)

const dealColumns = `chat_id, dealer, customer, send_count, payment_count, finalize_count, dispute_count,
	contract_address, reward, created_at, updated_at`

var stageColumns = map[deal.Stage]string{
	deal.StageSend:     "send_count",
	deal.StagePayment:  "payment_count",
	deal.StageFinalize: "finalize_count",
	deal.StageDispute:  "dispute_count",
}

// pairKey identifies the unordered {a, b} address pair.
func pairKey(a string, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + "|" + b
}

// GetOrCreateDeal returns the deal for the address pair, inserting d when
// the pair has none. Concurrent callers for the same pair converge on one row.
func (s *Store) GetOrCreateDeal(ctx context.Context, d storage.Deal) (storage.Deal, bool, error) {
	if err := s.ready(ctx); err != nil {
		return storage.Deal{}, false, err
	}
	d.Dealer = strings.TrimSpace(d.Dealer)
	d.Customer = strings.TrimSpace(d.Customer)
	if strings.TrimSpace(d.ChatID) == "" {
		return storage.Deal{}, false, fmt.Errorf("chat id is required")
	}
	if d.Dealer == "" || d.Customer == "" {
		return storage.Deal{}, false, fmt.Errorf("dealer and customer are required")
	}
	key := pairKey(d.Dealer, d.Customer)

	now := s.now().UTC()
	result, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO deals (
		   chat_id, dealer, customer, pair_key,
		   send_count, payment_count, finalize_count, dispute_count,
		   contract_address, reward, created_at, updated_at
		 ) VALUES (?, ?, ?, ?, 0, 0, 0, 0, ?, ?, ?, ?)
		 ON CONFLICT (pair_key) DO NOTHING`,
		d.ChatID,
		d.Dealer,
		d.Customer,
		key,
		d.Address,
		d.Reward,
		toMillis(now),
		toMillis(now),
	)
	if err != nil {
		if isUniqueViolation(err, "deals.chat_id") {
			return storage.Deal{}, false, storage.ErrAlreadyExists
		}
		return storage.Deal{}, false, fmt.Errorf("create deal: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return storage.Deal{}, false, fmt.Errorf("create deal: %w", err)
	}

	row := s.sqlDB.QueryRowContext(ctx, `SELECT `+dealColumns+` FROM deals WHERE pair_key = ?`, key)
	stored, err := scanDeal(row)
	if err != nil {
		return storage.Deal{}, false, fmt.Errorf("get deal by pair: %w", err)
	}
	return stored, affected == 1, nil
}

// GetDeal returns one deal by chat ID.
func (s *Store) GetDeal(ctx context.Context, chatID string) (storage.Deal, error) {
	if err := s.ready(ctx); err != nil {
		return storage.Deal{}, err
	}
	chatID = strings.TrimSpace(chatID)
	if chatID == "" {
		return storage.Deal{}, storage.ErrNotFound
	}
	row := s.sqlDB.QueryRowContext(ctx, `SELECT `+dealColumns+` FROM deals WHERE chat_id = ?`, chatID)
	d, err := scanDeal(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Deal{}, storage.ErrNotFound
		}
		return storage.Deal{}, fmt.Errorf("get deal: %w", err)
	}
	return d, nil
}

// ListDealsForAddress returns the deals where address is dealer or customer,
// oldest first.
func (s *Store) ListDealsForAddress(ctx context.Context, address string) ([]storage.Deal, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	address = strings.TrimSpace(address)
	deals := make([]storage.Deal, 0)
	if address == "" {
		return deals, nil
	}
	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT `+dealColumns+`
		   FROM deals
		  WHERE dealer = ? OR customer = ?
		  ORDER BY created_at ASC, chat_id ASC`,
		address,
		address,
	)
	if err != nil {
		return nil, fmt.Errorf("list deals: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		d, err := scanDeal(rows)
		if err != nil {
			return nil, fmt.Errorf("list deals: %w", err)
		}
		deals = append(deals, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list deals: %w", err)
	}
	return deals, nil
}

// IncrementStage bumps one stage counter in a single guarded UPDATE.
func (s *Store) IncrementStage(ctx context.Context, chatID string, stage deal.Stage) (deal.Counters, error) {
	if err := s.ready(ctx); err != nil {
		return deal.Counters{}, err
	}
	column, ok := stageColumns[stage]
	if !ok {
		return deal.Counters{}, fmt.Errorf("unknown stage %q", stage)
	}
	chatID = strings.TrimSpace(chatID)

	row := s.sqlDB.QueryRowContext(
		ctx,
		`UPDATE deals
		    SET `+column+` = `+column+` + 1,
		        updated_at = ?
		  WHERE chat_id = ? AND `+column+` < ?
		  RETURNING send_count, payment_count, finalize_count, dispute_count`,
		toMillis(s.now()),
		chatID,
		stage.Max(),
	)
	var counters deal.Counters
	err := row.Scan(&counters.Send, &counters.Payment, &counters.Finalize, &counters.Dispute)
	if err == nil {
		return counters, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return deal.Counters{}, fmt.Errorf("increment stage: %w", err)
	}
	if _, err := s.GetDeal(ctx, chatID); err != nil {
		return deal.Counters{}, err
	}
	return deal.Counters{}, storage.ErrStageCompleted
}

// UpdateDealAddress records the deployed escrow contract address.
func (s *Store) UpdateDealAddress(ctx context.Context, chatID string, address string) (storage.Deal, error) {
	if err := s.ready(ctx); err != nil {
		return storage.Deal{}, err
	}
	chatID = strings.TrimSpace(chatID)
	result, err := s.sqlDB.ExecContext(
		ctx,
		`UPDATE deals SET contract_address = ?, updated_at = ? WHERE chat_id = ?`,
		strings.TrimSpace(address),
		toMillis(s.now()),
		chatID,
	)
	if err != nil {
		return storage.Deal{}, fmt.Errorf("update deal address: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return storage.Deal{}, fmt.Errorf("update deal address: %w", err)
	}
	if affected == 0 {
		return storage.Deal{}, storage.ErrNotFound
	}
	return s.GetDeal(ctx, chatID)
}

func scanDeal(row rowScanner) (storage.Deal, error) {
	var d storage.Deal
	var createdAt, updatedAt int64
	if err := row.Scan(
		&d.ChatID,
		&d.Dealer,
		&d.Customer,
		&d.Counters.Send,
		&d.Counters.Payment,
		&d.Counters.Finalize,
		&d.Counters.Dispute,
		&d.Address,
		&d.Reward,
		&createdAt,
		&updatedAt,
	); err != nil {
		return storage.Deal{}, err
	}
	d.CreatedAt = fromMillis(createdAt)
	d.UpdatedAt = fromMillis(updatedAt)
	return d, nil
}
