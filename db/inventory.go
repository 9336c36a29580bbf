package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"stockroom/models"
)

// Currency used by the shop for reported values.
const Currency = "KSH"

var (
	ErrItemNotFound = errors.New("item not found")
	ErrInvalidItem  = errors.New("invalid item")
)

const itemColumns = "id, name, category, size, color, price, quantity, last_updated, updated_by"

// InventoryStore keeps stock items in sqlite.
type InventoryStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewInventoryStore(conn *sql.DB) *InventoryStore {
	return &InventoryStore{db: conn, now: time.Now}
}

// QuantityChange is the outcome of a stock count.
type QuantityChange struct {
	Old         int `json:"old_quantity"`
	New         int `json:"quantity"`
	Discrepancy int `json:"discrepancy"`
}

// Summary aggregates stock for reporting.
type Summary struct {
	TotalItems     int            `json:"total_items"`
	TotalValue     float64        `json:"total_value"`
	CategoryCounts map[string]int `json:"category_counts"`
	Currency       string         `json:"currency"`
}

func validateItem(it models.Item) error {
	switch {
	case strings.TrimSpace(it.Name) == "":
		return fmt.Errorf("%w: name is required", ErrInvalidItem)
	case it.Price < 0 || math.IsNaN(it.Price) || math.IsInf(it.Price, 0):
		return fmt.Errorf("%w: price must be zero or more", ErrInvalidItem)
	case it.Quantity < 0:
		return fmt.Errorf("%w: quantity must be zero or more", ErrInvalidItem)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (models.Item, error) {
	var it models.Item
	var updated string
	if err := row.Scan(&it.ID, &it.Name, &it.Category, &it.Size, &it.Color,
		&it.Price, &it.Quantity, &updated, &it.UpdatedBy); err != nil {
		return models.Item{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, updated)
	if err != nil {
		return models.Item{}, fmt.Errorf("item %s: bad last_updated %q: %w", it.ID, updated, err)
	}
	it.LastUpdated = t
	return it, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func (s *InventoryStore) List(ctx context.Context) ([]models.Item, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+itemColumns+" FROM items ORDER BY category, name, size, color")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := []models.Item{}
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

func (s *InventoryStore) Get(ctx context.Context, id string) (models.Item, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+itemColumns+" FROM items WHERE id = ?", id)
	it, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Item{}, ErrItemNotFound
	}
	return it, err
}

// Add inserts a new item with a fresh ID and returns it as stored.
func (s *InventoryStore) Add(ctx context.Context, it models.Item, by string) (models.Item, error) {
	if err := validateItem(it); err != nil {
		return models.Item{}, err
	}
	it.ID = uuid.NewString()
	it.Name = strings.TrimSpace(it.Name)
	it.LastUpdated = s.now().UTC()
	it.UpdatedBy = by

	if err := insertItem(ctx, s.db, it); err != nil {
		return models.Item{}, err
	}
	return it, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertItem(ctx context.Context, e execer, it models.Item) error {
	_, err := e.ExecContext(ctx,
		"INSERT INTO items ("+itemColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)",
		it.ID, it.Name, it.Category, it.Size, it.Color, it.Price, it.Quantity,
		formatTime(it.LastUpdated), it.UpdatedBy)
	return err
}

// Update replaces the descriptive fields and quantity of an existing item.
func (s *InventoryStore) Update(ctx context.Context, it models.Item, by string) error {
	if err := validateItem(it); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE items SET name = ?, category = ?, size = ?, color = ?, price = ?, quantity = ?,
			last_updated = ?, updated_by = ? WHERE id = ?`,
		strings.TrimSpace(it.Name), it.Category, it.Size, it.Color, it.Price, it.Quantity,
		formatTime(s.now()), by, it.ID)
	if err != nil {
		return err
	}
	return expectOne(res)
}

// UpdateQuantity records a stock count and reports the discrepancy against
// the previous quantity.
func (s *InventoryStore) UpdateQuantity(ctx context.Context, id string, qty int, by string) (QuantityChange, error) {
	if qty < 0 {
		return QuantityChange{}, fmt.Errorf("%w: quantity must be zero or more", ErrInvalidItem)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return QuantityChange{}, err
	}
	defer tx.Rollback()

	var old int
	err = tx.QueryRowContext(ctx, "SELECT quantity FROM items WHERE id = ?", id).Scan(&old)
	if errors.Is(err, sql.ErrNoRows) {
		return QuantityChange{}, ErrItemNotFound
	}
	if err != nil {
		return QuantityChange{}, err
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE items SET quantity = ?, last_updated = ?, updated_by = ? WHERE id = ?",
		qty, formatTime(s.now()), by, id); err != nil {
		return QuantityChange{}, err
	}
	if err := tx.Commit(); err != nil {
		return QuantityChange{}, err
	}
	return QuantityChange{Old: old, New: qty, Discrepancy: qty - old}, nil
}

func (s *InventoryStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM items WHERE id = ?", id)
	if err != nil {
		return err
	}
	return expectOne(res)
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrItemNotFound
	}
	return nil
}

// Load returns the whole inventory as one document.
func (s *InventoryStore) Load(ctx context.Context) (models.InventoryDocument, error) {
	items, err := s.List(ctx)
	if err != nil {
		return models.InventoryDocument{}, err
	}
	return models.InventoryDocument{Items: items}, nil
}

// Save replaces the whole inventory in one transaction. Items without an ID
// get one; items without a timestamp are stamped now.
func (s *InventoryStore) Save(ctx context.Context, doc models.InventoryDocument) error {
	seen := make(map[string]bool, len(doc.Items))
	for i, it := range doc.Items {
		if err := validateItem(it); err != nil {
			return fmt.Errorf("item %d: %w", i, err)
		}
		if it.ID != "" {
			if seen[it.ID] {
				return fmt.Errorf("%w: duplicate id %s", ErrInvalidItem, it.ID)
			}
			seen[it.ID] = true
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM items"); err != nil {
		return err
	}
	now := s.now().UTC()
	for _, it := range doc.Items {
		if it.ID == "" {
			it.ID = uuid.NewString()
		}
		if it.LastUpdated.IsZero() {
			it.LastUpdated = now
		}
		if err := insertItem(ctx, tx, it); err != nil {
			return fmt.Errorf("saving item %s: %w", it.ID, err)
		}
	}
	return tx.Commit()
}

// Summary totals units and value, with units per category.
func (s *InventoryStore) Summary(ctx context.Context) (Summary, error) {
	sum := Summary{CategoryCounts: map[string]int{}, Currency: Currency}

	rows, err := s.db.QueryContext(ctx,
		"SELECT category, SUM(quantity), SUM(price * quantity) FROM items GROUP BY category")
	if err != nil {
		return sum, err
	}
	defer rows.Close()

	for rows.Next() {
		var category string
		var units int
		var value float64
		if err := rows.Scan(&category, &units, &value); err != nil {
			return sum, err
		}
		sum.CategoryCounts[category] = units
		sum.TotalItems += units
		sum.TotalValue += value
	}
	return sum, rows.Err()
}
