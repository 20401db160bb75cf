package httpapi

import (
	"net/http"
	"time"

	"github.com/Ernest01982/tuktukadmin/internal/console"
	"github.com/Ernest01982/tuktukadmin/internal/rides"
)

type ridesResponse struct {
	Rides       []rides.Ride `json:"rides"`
	Error       string       `json:"error,omitempty"`
	RefreshedAt *time.Time   `json:"refreshed_at,omitempty"`
}

func (a *API) handleRides(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if a.rides == nil {
		writeError(w, r, http.StatusServiceUnavailable, "rides feed disabled")
		return
	}
	snap := a.rides.Snapshot()
	resp := ridesResponse{Rides: snap.Rows, Error: snap.Err}
	if resp.Rides == nil {
		resp.Rides = []rides.Ride{}
	}
	if !snap.RefreshedAt.IsZero() {
		at := snap.RefreshedAt.UTC()
		resp.RefreshedAt = &at
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if !a.consoleEnabled(w, r) {
		return
	}
	m, err := a.console.DashboardMetrics(r.Context())
	if err != nil {
		a.handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (a *API) handleDrivers(w http.ResponseWriter, r *http.Request) {
	if !a.consoleEnabled(w, r) {
		return
	}
	switch r.Method {
	case http.MethodGet:
		drivers, err := a.console.ListDrivers(r.Context())
		if err != nil {
			a.handleServiceError(w, r, err)
			return
		}
		if drivers == nil {
			drivers = []console.Driver{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"drivers": drivers})
	case http.MethodPost:
		var req console.CreateDriverRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		res, err := a.console.CreateDriver(r.Context(), req)
		if err != nil {
			a.handleServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, res)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleErrors(w http.ResponseWriter, r *http.Request) {
	if !a.consoleEnabled(w, r) {
		return
	}
	switch r.Method {
	case http.MethodGet:
		page, err := parseNonNegativeInt(r.URL.Query().Get("page"), "page", 0)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		logs, err := a.console.ErrorLogs(r.Context(), page)
		if err != nil {
			a.handleServiceError(w, r, err)
			return
		}
		if logs == nil {
			logs = []console.ErrorLog{}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"page":      page,
			"page_size": console.ErrorPageSize,
			"errors":    logs,
		})
	case http.MethodPost:
		var req console.ClientError
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		if err := a.console.LogClientError(r.Context(), req); err != nil {
			a.handleServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"status": "recorded"})
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleMapsSettings(w http.ResponseWriter, r *http.Request) {
	if !a.consoleEnabled(w, r) {
		return
	}
	switch r.Method {
	case http.MethodGet:
		settings, err := a.console.MapsSettings(r.Context())
		if err != nil {
			a.handleServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, settings)
	case http.MethodPut:
		var req console.MapsSettings
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		if err := a.console.SaveMapsSettings(r.Context(), req); err != nil {
			a.handleServiceError(w, r, err)
			return
		}
		settings, err := a.console.MapsSettings(r.Context())
		if err != nil {
			a.handleServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, settings)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPut)
	}
}

func (a *API) consoleEnabled(w http.ResponseWriter, r *http.Request) bool {
	if a.console == nil {
		writeError(w, r, http.StatusServiceUnavailable, "console service disabled")
		return false
	}
	return true
}
