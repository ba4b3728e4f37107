package telemetry

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"relay-gateway/internal/database"
	"relay-gateway/internal/logger"
)

const defaultHistoryLimit = 500

// historyWindow resolves the query parameters "date" (YYYY-MM-DD, local time)
// or "since" (RFC3339) into a [start, end] range in unix ms.
func historyWindow(r *http.Request) (int64, int64, error) {
	q := r.URL.Query()
	if dateParam := q.Get("date"); dateParam != "" {
		day, err := time.ParseInLocation("2006-01-02", dateParam, time.Local)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid date format, use YYYY-MM-DD")
		}
		return day.UnixMilli(), day.Add(24*time.Hour).UnixMilli() - 1, nil
	}
	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid since, use RFC3339")
		}
		return t.UnixMilli(), time.Now().UnixMilli(), nil
	}
	return 0, time.Now().UnixMilli(), nil
}

// HandleGetHistory returns command history as JSON. Without a date or since
// parameter it returns the newest records, bounded by "limit".
func HandleGetHistory(w http.ResponseWriter, r *http.Request) {
	start, end, err := historyWindow(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	limit := defaultHistoryLimit
	if l := r.URL.Query().Get("limit"); l != "" {
		limit, err = strconv.Atoi(l)
		if err != nil || limit < 0 {
			http.Error(w, "Invalid limit.", http.StatusBadRequest)
			return
		}
	}

	history, err := database.GetHistory(start, end, limit)
	if err != nil {
		logger.Error("Telemetry: Failed to read history: %v", err)
		http.Error(w, "Failed to read history", http.StatusInternalServerError)
		return
	}
	if history == nil {
		history = []database.CommandRecord{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(history)
}

// HandleGetLogDates returns the dates (YYYY-MM-DD) that have history, newest first.
func HandleGetLogDates(w http.ResponseWriter, r *http.Request) {
	dates, err := database.GetDistinctDates()
	if err != nil {
		http.Error(w, "Failed to list history dates", http.StatusInternalServerError)
		return
	}
	if dates == nil {
		dates = []string{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(dates)
}

// HandleDownloadCSV serves one day of history as a CSV attachment.
func HandleDownloadCSV(w http.ResponseWriter, r *http.Request) {
	dateParam := r.URL.Query().Get("date")
	if dateParam == "" {
		http.Error(w, "Missing date parameter", http.StatusBadRequest)
		return
	}
	start, end, err := historyWindow(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	history, err := database.GetHistory(start, end, 0)
	if err != nil {
		http.Error(w, "Failed to read history", http.StatusInternalServerError)
		return
	}

	filename := fmt.Sprintf("history_%s.csv", dateParam)
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"", filename))

	cw := csv.NewWriter(w)
	cw.Write([]string{"timestamp", "kind", "command", "line", "response", "command_kind", "duration_us", "error"})
	for _, rec := range history {
		cw.Write([]string{
			time.UnixMilli(rec.Timestamp).Format(time.RFC3339),
			rec.Kind,
			rec.Command,
			rec.Line,
			rec.Response,
			rec.CommandKind,
			strconv.FormatInt(rec.DurationUS, 10),
			rec.Error,
		})
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		logger.Warn("Telemetry: CSV download interrupted: %v", err)
	}
}
