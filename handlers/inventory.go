package handlers

import (
	"context"
	"fmt"
	"net/http"

	"stockroom/models"
	"stockroom/notify"
)

func (s *Server) handleListInventory(w http.ResponseWriter, r *http.Request, _ models.Account) {
	items, err := s.inventory.List(r.Context())
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	sendSuccess(w, r, http.StatusOK, "", models.InventoryDocument{Items: items})
}

func (s *Server) handleAddItem(w http.ResponseWriter, r *http.Request, acct models.Account) {
	var item models.Item
	if !decodeJSON(w, r, &item) {
		return
	}
	created, err := s.inventory.Add(r.Context(), item, acct.Username)
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	sendSuccess(w, r, http.StatusCreated, "ItemAdded", created)
}

func (s *Server) handleUpdateItem(w http.ResponseWriter, r *http.Request, acct models.Account) {
	var item models.Item
	if !decodeJSON(w, r, &item) {
		return
	}
	if err := s.inventory.Update(r.Context(), item, acct.Username); err != nil {
		s.sendError(w, r, err)
		return
	}
	updated, err := s.inventory.Get(r.Context(), item.ID)
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	sendSuccess(w, r, http.StatusOK, "ItemUpdated", updated)
}

// handleUpdateQuantity records a stock count. Admin and owner are told
// about the change by e-mail after the response is sent.
func (s *Server) handleUpdateQuantity(w http.ResponseWriter, r *http.Request, acct models.Account) {
	var input struct {
		ItemID   string `json:"item_id"`
		Quantity int    `json:"quantity"`
	}
	if !decodeJSON(w, r, &input) {
		return
	}

	change, err := s.inventory.UpdateQuantity(r.Context(), input.ItemID, input.Quantity, acct.Username)
	if err != nil {
		s.sendError(w, r, err)
		return
	}

	if s.mailer != nil && change.Discrepancy != 0 {
		name := input.ItemID
		if it, err := s.inventory.Get(r.Context(), input.ItemID); err == nil {
			name = it.Name
		}
		changes := []notify.Change{{
			ItemID:      input.ItemID,
			Name:        name,
			OldQuantity: change.Old,
			NewQuantity: change.New,
		}}
		s.background(func(ctx context.Context) {
			if err := s.mailer.NotifyInventoryChange(ctx, changes, acct.Username); err != nil {
				s.log.Warn(ctx, "inventory change notification failed", "item", input.ItemID, "err", err)
			}
		})
	}

	sendSuccess(w, r, http.StatusOK, "QuantityUpdated", change)
}

func (s *Server) handleDeleteItem(w http.ResponseWriter, r *http.Request, acct models.Account) {
	var input struct {
		ID string `json:"id"`
	}
	if !decodeJSON(w, r, &input) {
		return
	}
	if err := s.inventory.Delete(r.Context(), input.ID); err != nil {
		s.sendError(w, r, err)
		return
	}
	s.log.Info(r.Context(), "item deleted", "id", input.ID, "by", acct.Username)
	sendSuccess(w, r, http.StatusOK, "ItemDeleted", nil)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request, _ models.Account) {
	filename := fmt.Sprintf("inventory_%s.csv", s.now().Format("20060102_150405"))
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))

	if err := s.inventory.Export(r.Context(), w); err != nil {
		// Headers are gone by now.
		s.log.Error(r.Context(), "export failed", "err", err)
	}
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request, acct models.Account) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		sendErrorKey(w, r, http.StatusBadRequest, "ErrorUploadingFile")
		return
	}
	file, _, err := r.FormFile("csv_file")
	if err != nil {
		sendErrorKey(w, r, http.StatusBadRequest, "ErrorUploadingFile")
		return
	}
	defer file.Close()

	res, err := s.inventory.Import(r.Context(), file, acct.Username)
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	s.log.Info(r.Context(), "inventory imported", "by", acct.Username,
		"added", res.Added, "skipped", res.Skipped, "rejected", res.Rejected)
	sendSuccess(w, r, http.StatusOK, "ImportComplete", res)
}

func (s *Server) handleReportSummary(w http.ResponseWriter, r *http.Request, _ models.Account) {
	sum, err := s.inventory.Summary(r.Context())
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	sendSuccess(w, r, http.StatusOK, "", map[string]any{
		"users":     s.users.CountByRole(),
		"inventory": sum,
	})
}

func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request, _ models.Account) {
	sum, err := s.inventory.Summary(r.Context())
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	sendSuccess(w, r, http.StatusOK, "", sum)
}
