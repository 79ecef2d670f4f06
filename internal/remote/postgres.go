package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/estoque-live/estoque-live/internal/catalog"
	"github.com/estoque-live/estoque-live/internal/platform/db"
)

const pgUniqueViolation = "23505"

// PostgresStore persists rows, categories and price history in PostgreSQL
// and publishes a change event after every acknowledged mutation.
type PostgresStore struct {
	pool   *pgxpool.Pool
	feed   Publisher
	logger *slog.Logger
}

// NewPostgresStore constructs PostgresStore. The publisher may be nil for
// feed-less deployments (single client, tests).
func NewPostgresStore(pool *pgxpool.Pool, feed Publisher, logger *slog.Logger) *PostgresStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStore{pool: pool, feed: feed, logger: logger}
}

func (s *PostgresStore) publish(ctx context.Context, evt ChangeEvent) {
	if s.feed == nil {
		return
	}
	if err := s.feed.Publish(ctx, evt); err != nil {
		s.logger.Warn("publish change event",
			slog.String("table", evt.Table),
			slog.String("type", string(evt.Type)),
			slog.Any("error", err))
	}
}

// QueryRows reads one page of product rows ordered by creation.
func (s *PostgresStore) QueryRows(ctx context.Context, p QueryParams) (QueryResult, error) {
	res := QueryResult{Rows: []catalog.Row{}, Count: -1}
	if p.WithCount {
		const countQuery = `SELECT count(*) FROM products WHERE category_id = $1`
		if err := s.pool.QueryRow(ctx, countQuery, p.CategoryID).Scan(&res.Count); err != nil {
			return QueryResult{Count: -1}, fmt.Errorf("remote: count products: %w", err)
		}
	}

	const query = `
		SELECT id, category_id, data, created_at, updated_at
		FROM products
		WHERE category_id = $1
		ORDER BY created_at, id
		LIMIT $2 OFFSET $3`
	rows, err := s.pool.Query(ctx, query, p.CategoryID, p.Limit, p.Offset)
	if err != nil {
		return QueryResult{Count: -1}, fmt.Errorf("remote: query products: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		row, err := scanProduct(rows)
		if err != nil {
			return QueryResult{Count: -1}, err
		}
		res.Rows = append(res.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return QueryResult{Count: -1}, fmt.Errorf("remote: query products: %w", err)
	}
	return res, nil
}

// GetRow fetches the authoritative copy of one row.
func (s *PostgresStore) GetRow(ctx context.Context, id uuid.UUID) (catalog.Row, error) {
	const query = `
		SELECT id, category_id, data, created_at, updated_at
		FROM products WHERE id = $1`
	rows, err := s.pool.Query(ctx, query, id)
	if err != nil {
		return catalog.Row{}, fmt.Errorf("remote: get product: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return catalog.Row{}, fmt.Errorf("remote: get product: %w", err)
		}
		return catalog.Row{}, catalog.ErrNotFound
	}
	return scanProduct(rows)
}

// InsertRows inserts a batch of field blobs into one category and returns
// the authoritative rows with server-assigned ids and timestamps.
func (s *PostgresStore) InsertRows(ctx context.Context, categoryID uuid.UUID, fields []catalog.Fields) ([]catalog.Row, error) {
	if len(fields) == 0 {
		return nil, nil
	}
	const query = `
		INSERT INTO products (id, category_id, data)
		VALUES ($1, $2, $3::jsonb)
		RETURNING created_at, updated_at`
	inserted := make([]catalog.Row, 0, len(fields))
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		for _, f := range fields {
			clean := catalog.SanitizeFields(f)
			blob, err := json.Marshal(clean)
			if err != nil {
				return fmt.Errorf("remote: encode fields: %w", err)
			}
			row := catalog.Row{ID: uuid.New(), CategoryID: categoryID, Fields: clean}
			if err := tx.QueryRow(ctx, query, row.ID, categoryID, string(blob)).Scan(&row.CreatedAt, &row.UpdatedAt); err != nil {
				return fmt.Errorf("remote: insert product: %w", err)
			}
			inserted = append(inserted, row)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for i := range inserted {
		s.publish(ctx, ChangeEvent{Table: TableProducts, Type: EventInsert, Row: &inserted[i]})
	}
	return inserted, nil
}

// UpdateRow replaces the full field blob of one row and bumps updated_at.
func (s *PostgresStore) UpdateRow(ctx context.Context, id uuid.UUID, fields catalog.Fields) (catalog.Row, error) {
	clean := catalog.SanitizeFields(fields)
	blob, err := json.Marshal(clean)
	if err != nil {
		return catalog.Row{}, fmt.Errorf("remote: encode fields: %w", err)
	}
	const query = `
		UPDATE products
		SET data = $2::jsonb, updated_at = now()
		WHERE id = $1
		RETURNING category_id, created_at, updated_at`
	row := catalog.Row{ID: id, Fields: clean}
	err = s.pool.QueryRow(ctx, query, id, string(blob)).Scan(&row.CategoryID, &row.CreatedAt, &row.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return catalog.Row{}, catalog.ErrNotFound
	}
	if err != nil {
		return catalog.Row{}, fmt.Errorf("remote: update product: %w", err)
	}
	s.publish(ctx, ChangeEvent{Table: TableProducts, Type: EventUpdate, Row: &row})
	return row, nil
}

// DeleteRow removes one row and its price history.
func (s *PostgresStore) DeleteRow(ctx context.Context, id uuid.UUID) error {
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM price_history WHERE product_id = $1`, id); err != nil {
			return fmt.Errorf("remote: delete history: %w", err)
		}
		tag, err := tx.Exec(ctx, `DELETE FROM products WHERE id = $1`, id)
		if err != nil {
			return fmt.Errorf("remote: delete product: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return catalog.ErrNotFound
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.publish(ctx, ChangeEvent{Table: TableProducts, Type: EventDelete, OldID: id})
	return nil
}

// DeleteByCategory removes every row of one category.
func (s *PostgresStore) DeleteByCategory(ctx context.Context, categoryID uuid.UUID) error {
	var deleted []uuid.UUID
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		const historyQuery = `
			DELETE FROM price_history
			WHERE product_id IN (SELECT id FROM products WHERE category_id = $1)`
		if _, err := tx.Exec(ctx, historyQuery, categoryID); err != nil {
			return fmt.Errorf("remote: delete history: %w", err)
		}
		rows, err := tx.Query(ctx, `DELETE FROM products WHERE category_id = $1 RETURNING id`, categoryID)
		if err != nil {
			return fmt.Errorf("remote: delete products: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var id uuid.UUID
			if err := rows.Scan(&id); err != nil {
				return fmt.Errorf("remote: delete products: %w", err)
			}
			deleted = append(deleted, id)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("remote: delete products: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, id := range deleted {
		s.publish(ctx, ChangeEvent{Table: TableProducts, Type: EventDelete, OldID: id})
	}
	return nil
}

// InsertHistory appends one price-history record.
func (s *PostgresStore) InsertHistory(ctx context.Context, e catalog.PriceHistoryEntry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Date.IsZero() {
		e.Date = time.Now().UTC()
	}
	const query = `
		INSERT INTO price_history (id, product_id, price, old_price, variation, date, column_key)
		VALUES ($1, $2, $3::numeric, $4::numeric, $5::numeric, $6, $7)`
	_, err := s.pool.Exec(ctx, query,
		e.ID, e.ProductID, e.Price.String(), e.OldPrice.String(), e.Variation.String(), e.Date, e.ColumnKey)
	if err != nil {
		return fmt.Errorf("remote: insert history: %w", err)
	}
	return nil
}

// HistoryByProduct lists price-history records for a row, oldest first.
func (s *PostgresStore) HistoryByProduct(ctx context.Context, productID uuid.UUID) ([]catalog.PriceHistoryEntry, error) {
	const query = `
		SELECT id, product_id, price::text, old_price::text, variation::text, date, column_key
		FROM price_history
		WHERE product_id = $1
		ORDER BY date, id`
	rows, err := s.pool.Query(ctx, query, productID)
	if err != nil {
		return nil, fmt.Errorf("remote: query history: %w", err)
	}
	defer rows.Close()

	entries := []catalog.PriceHistoryEntry{}
	for rows.Next() {
		var (
			e                         catalog.PriceHistoryEntry
			price, oldPrice, variation string
		)
		if err := rows.Scan(&e.ID, &e.ProductID, &price, &oldPrice, &variation, &e.Date, &e.ColumnKey); err != nil {
			return nil, fmt.Errorf("remote: scan history: %w", err)
		}
		if e.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("remote: decode price: %w", err)
		}
		if e.OldPrice, err = decimal.NewFromString(oldPrice); err != nil {
			return nil, fmt.Errorf("remote: decode old price: %w", err)
		}
		if e.Variation, err = decimal.NewFromString(variation); err != nil {
			return nil, fmt.Errorf("remote: decode variation: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("remote: query history: %w", err)
	}
	return entries, nil
}

// ListCategories returns all categories ordered by creation.
func (s *PostgresStore) ListCategories(ctx context.Context) ([]catalog.Category, error) {
	const query = `
		SELECT id, name, description, columns, created_at
		FROM categories ORDER BY created_at, id`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("remote: query categories: %w", err)
	}
	defer rows.Close()

	cats := []catalog.Category{}
	for rows.Next() {
		cat, err := scanCategory(rows)
		if err != nil {
			return nil, err
		}
		cats = append(cats, cat)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("remote: query categories: %w", err)
	}
	return cats, nil
}

// GetCategory fetches one category.
func (s *PostgresStore) GetCategory(ctx context.Context, id uuid.UUID) (catalog.Category, error) {
	const query = `
		SELECT id, name, description, columns, created_at
		FROM categories WHERE id = $1`
	rows, err := s.pool.Query(ctx, query, id)
	if err != nil {
		return catalog.Category{}, fmt.Errorf("remote: get category: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return catalog.Category{}, fmt.Errorf("remote: get category: %w", err)
		}
		return catalog.Category{}, catalog.ErrNotFound
	}
	return scanCategory(rows)
}

// InsertCategory creates a category.
func (s *PostgresStore) InsertCategory(ctx context.Context, cat catalog.Category) (catalog.Category, error) {
	if cat.ID == uuid.Nil {
		cat.ID = uuid.New()
	}
	if cat.Columns == nil {
		cat.Columns = []catalog.ColumnDef{}
	}
	blob, err := json.Marshal(cat.Columns)
	if err != nil {
		return catalog.Category{}, fmt.Errorf("remote: encode columns: %w", err)
	}
	const query = `
		INSERT INTO categories (id, name, description, columns)
		VALUES ($1, $2, $3, $4::jsonb)
		RETURNING created_at`
	err = s.pool.QueryRow(ctx, query, cat.ID, cat.Name, cat.Description, string(blob)).Scan(&cat.CreatedAt)
	if isUniqueViolation(err) {
		return catalog.Category{}, catalog.ErrDuplicate
	}
	if err != nil {
		return catalog.Category{}, fmt.Errorf("remote: insert category: %w", err)
	}
	s.publish(ctx, ChangeEvent{Table: TableCategories, Type: EventInsert, Category: &cat})
	return cat, nil
}

// UpdateCategory applies a partial schema change.
func (s *PostgresStore) UpdateCategory(ctx context.Context, id uuid.UUID, patch CategoryPatch) (catalog.Category, error) {
	cat, err := s.GetCategory(ctx, id)
	if err != nil {
		return catalog.Category{}, err
	}
	if patch.Name != nil {
		cat.Name = *patch.Name
	}
	if patch.Description != nil {
		cat.Description = *patch.Description
	}
	if patch.Columns != nil {
		cat.Columns = *patch.Columns
	}
	blob, err := json.Marshal(cat.Columns)
	if err != nil {
		return catalog.Category{}, fmt.Errorf("remote: encode columns: %w", err)
	}
	const query = `
		UPDATE categories SET name = $2, description = $3, columns = $4::jsonb
		WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query, id, cat.Name, cat.Description, string(blob))
	if isUniqueViolation(err) {
		return catalog.Category{}, catalog.ErrDuplicate
	}
	if err != nil {
		return catalog.Category{}, fmt.Errorf("remote: update category: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return catalog.Category{}, catalog.ErrNotFound
	}
	s.publish(ctx, ChangeEvent{Table: TableCategories, Type: EventUpdate, Category: &cat})
	return cat, nil
}

// DeleteCategory removes a category together with its rows and history.
func (s *PostgresStore) DeleteCategory(ctx context.Context, id uuid.UUID) error {
	if err := s.DeleteByCategory(ctx, id); err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM categories WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("remote: delete category: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return catalog.ErrNotFound
	}
	s.publish(ctx, ChangeEvent{Table: TableCategories, Type: EventDelete, OldID: id})
	return nil
}

func scanProduct(rows pgx.Rows) (catalog.Row, error) {
	var (
		row  catalog.Row
		blob []byte
	)
	if err := rows.Scan(&row.ID, &row.CategoryID, &blob, &row.CreatedAt, &row.UpdatedAt); err != nil {
		return catalog.Row{}, fmt.Errorf("remote: scan product: %w", err)
	}
	if err := json.Unmarshal(blob, &row.Fields); err != nil {
		return catalog.Row{}, fmt.Errorf("remote: decode fields: %w", err)
	}
	if row.Fields == nil {
		row.Fields = catalog.Fields{}
	}
	return row, nil
}

func scanCategory(rows pgx.Rows) (catalog.Category, error) {
	var (
		cat  catalog.Category
		blob []byte
	)
	if err := rows.Scan(&cat.ID, &cat.Name, &cat.Description, &blob, &cat.CreatedAt); err != nil {
		return catalog.Category{}, fmt.Errorf("remote: scan category: %w", err)
	}
	if err := json.Unmarshal(blob, &cat.Columns); err != nil {
		return catalog.Category{}, fmt.Errorf("remote: decode columns: %w", err)
	}
	return cat, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
