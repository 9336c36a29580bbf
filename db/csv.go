package db

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"stockroom/models"
)

var csvHeader = []string{"id", "name", "category", "size", "color", "price", "quantity", "last_updated", "updated_by"}

var ErrEmptyCSV = errors.New("empty or invalid CSV")

// ImportResult counts what an import did.
type ImportResult struct {
	Added    int `json:"added"`
	Skipped  int `json:"skipped"`
	Rejected int `json:"rejected"`
}

// Export writes every item as CSV with a header row.
func (s *InventoryStore) Export(ctx context.Context, w io.Writer) error {
	items, err := s.List(ctx)
	if err != nil {
		return err
	}

	writer := csv.NewWriter(w)
	if err := writer.Write(csvHeader); err != nil {
		return err
	}
	for _, it := range items {
		writer.Write([]string{
			it.ID,
			it.Name,
			it.Category,
			it.Size,
			it.Color,
			strconv.FormatFloat(it.Price, 'f', 2, 64),
			strconv.Itoa(it.Quantity),
			formatTime(it.LastUpdated),
			it.UpdatedBy,
		})
	}
	writer.Flush()
	return writer.Error()
}

// Import reads CSV rows into new items. Columns are located by header name;
// only name is mandatory. Malformed rows are rejected and rows matching an
// existing name, size and color are skipped.
func (s *InventoryStore) Import(ctx context.Context, r io.Reader, by string) (ImportResult, error) {
	var res ImportResult

	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return res, ErrEmptyCSV
	}
	col := make(map[string]int, len(header))
	for i, h := range header {
		col[strings.ToLower(strings.TrimSpace(h))] = i
	}
	if _, ok := col["name"]; !ok {
		return res, fmt.Errorf("%w: missing name column", ErrEmptyCSV)
	}
	field := func(record []string, name string) string {
		i, ok := col[name]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()

	now := s.now().UTC()
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			res.Rejected++
			continue
		}

		it := models.Item{
			Name:        field(record, "name"),
			Category:    field(record, "category"),
			Size:        field(record, "size"),
			Color:       field(record, "color"),
			LastUpdated: now,
			UpdatedBy:   by,
		}
		if v := field(record, "price"); v != "" {
			if it.Price, err = strconv.ParseFloat(v, 64); err != nil {
				res.Rejected++
				continue
			}
		}
		if v := field(record, "quantity"); v != "" {
			if it.Quantity, err = strconv.Atoi(v); err != nil {
				res.Rejected++
				continue
			}
		}
		if validateItem(it) != nil {
			res.Rejected++
			continue
		}

		var count int
		err = tx.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM items WHERE LOWER(name) = LOWER(?) AND LOWER(size) = LOWER(?) AND LOWER(color) = LOWER(?)",
			it.Name, it.Size, it.Color).Scan(&count)
		if err != nil {
			return ImportResult{}, err
		}
		if count > 0 {
			res.Skipped++
			continue
		}

		it.ID = uuid.NewString()
		if err := insertItem(ctx, tx, it); err != nil {
			return ImportResult{}, err
		}
		res.Added++
	}

	if err := tx.Commit(); err != nil {
		return ImportResult{}, err
	}
	return res, nil
}
