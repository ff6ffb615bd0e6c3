package backend

import (
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"time"

	"expense-sync/internal/remote"

	"github.com/shopspring/decimal"
)

func sortTotals(totals []CategoryTotal) {
	sort.SliceStable(totals, func(i, j int) bool {
		return totals[i].Total.GreaterThan(totals[j].Total)
	})
}

// Statistics returns the spending of the requested month, defaulting to
// the current one.
func (h *Handlers) Statistics(w http.ResponseWriter, r *http.Request) {
	user := GetUserFromContext(r)

	now := time.Now()
	year, month := now.Year(), int(now.Month())
	if y, err := strconv.Atoi(r.URL.Query().Get("year")); err == nil {
		year = y
	}
	if m, err := strconv.Atoi(r.URL.Query().Get("month")); err == nil && m >= 1 && m <= 12 {
		month = m
	}

	totals, err := h.db.GetCategoryTotalsByMonth(user.ID, year, month)
	if err != nil {
		h.log.Error("category totals", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	expenses, err := h.db.GetExpensesByMonth(user.ID, year, month)
	if err != nil {
		h.log.Error("month expenses", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	var total decimal.Decimal
	for _, ct := range totals {
		total = total.Add(ct.Total)
	}

	hundred := decimal.NewFromInt(100)
	cats := make([]remote.CategoryStats, 0, len(totals))
	for _, ct := range totals {
		pct := decimal.Zero
		if total.IsPositive() {
			pct = ct.Total.Div(total).Mul(hundred).Round(2)
		}
		cats = append(cats, remote.CategoryStats{
			CategoryID: ct.CategoryID,
			Total:      ct.Total,
			Count:      ct.Count,
			Percentage: pct,
		})
	}

	writeJSON(w, http.StatusOK, remote.MonthStats{
		Year:       year,
		Month:      month,
		Total:      total,
		Categories: cats,
		Expenses:   expenses,
	})
}
