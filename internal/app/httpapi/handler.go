// Package httpapi exposes the REST surface of the reporting service.
package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	app "github.com/stellarbeauty/relatorios/internal/app"
	"github.com/stellarbeauty/relatorios/internal/app/metrics"
	oauthsvc "github.com/stellarbeauty/relatorios/internal/app/services/oauth"
	orderssvc "github.com/stellarbeauty/relatorios/internal/app/services/orders"
	"github.com/stellarbeauty/relatorios/internal/app/storage"
	"github.com/stellarbeauty/relatorios/internal/meli"
	"github.com/stellarbeauty/relatorios/internal/middleware"
)

// handler bundles HTTP endpoints for the application services.
type handler struct {
	app *app.Application
}

// NewHandler returns a router exposing the REST API. internalAuth guards the
// token-facing endpoints.
func NewHandler(application *app.Application, internalAuth *middleware.InternalAuth) http.Handler {
	h := &handler{app: application}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", h.healthz).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	internal := r.PathPrefix("/internal/meli").Subrouter()
	internal.Use(internalAuth.Handler)
	internal.HandleFunc("/oauth/init", h.oauthInit).Methods(http.MethodPost)
	internal.HandleFunc("/oauth/consume", h.oauthConsume).Methods(http.MethodPost)
	internal.HandleFunc("/token", h.token).Methods(http.MethodGet)
	internal.HandleFunc("/status", h.status).Methods(http.MethodGet)

	r.HandleFunc("/orders/sync", h.ordersSync).Methods(http.MethodPost)
	r.HandleFunc("/orders", h.ordersList).Methods(http.MethodGet)
	r.HandleFunc("/orders/{id:[0-9]+}", h.orderGet).Methods(http.MethodGet)

	r.HandleFunc("/reports/sales/periods", h.reportPeriods).Methods(http.MethodGet)
	r.HandleFunc("/reports/sales", h.reportGenerate).Methods(http.MethodPost)
	r.HandleFunc("/reports/sales", h.reportList).Methods(http.MethodGet)
	r.HandleFunc("/reports/sales/{id}", h.reportGet).Methods(http.MethodGet)
	r.HandleFunc("/reports/sales/{id}/download", h.reportDownload).Methods(http.MethodGet)

	r.HandleFunc("/catalog/schemas", h.catalogSchemas).Methods(http.MethodGet)
	r.HandleFunc("/catalog/health", h.catalogHealth).Methods(http.MethodGet)
	r.HandleFunc("/catalog/{schema}/tables", h.catalogTables).Methods(http.MethodGet)
	r.HandleFunc("/catalog/{schema}/tables/{table}/count", h.catalogCount).Methods(http.MethodGet)
	r.HandleFunc("/catalog/{schema}/tables/{table}/rows", h.catalogRows).Methods(http.MethodGet)
	r.HandleFunc("/catalog/{schema}/tables/{table}/rows.csv", h.catalogRowsCSV).Methods(http.MethodGet)

	r.HandleFunc("/etl/wordpress/run", h.wordpressRun).Methods(http.MethodPost)

	return r
}

func (h *handler) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// --- OAuth ------------------------------------------------------------------

func (h *handler) oauthInit(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Requester string `json:"requester"`
	}
	if r.ContentLength > 0 {
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}

	authURL, err := h.app.OAuth.Init(r.Context(), payload.Requester)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"authorization_url": authURL})
}

func (h *handler) oauthConsume(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		State string `json:"state"`
		Code  string `json:"code"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	sl, err := h.app.OAuth.Consume(r.Context(), payload.State, payload.Code)
	if err != nil {
		if errors.Is(err, oauthsvc.ErrStateInvalid) {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeError(w, http.StatusBadGateway, err)
		return
	}

	resp := map[string]any{"seller": sl}
	if st, serr := h.app.OAuth.ConnectionStatus(r.Context(), sl.ID); serr == nil {
		resp["expires_at"] = st.ExpiresAt
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) token(w http.ResponseWriter, r *http.Request) {
	sellerID, err := h.sellerID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	tok, err := h.app.OAuth.AccessToken(r.Context(), sellerID)
	if err != nil {
		writeTokenError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"seller_id":    sellerID,
		"access_token": tok,
	})
}

func (h *handler) status(w http.ResponseWriter, r *http.Request) {
	sellerID, err := h.sellerID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	st, err := h.app.OAuth.ConnectionStatus(r.Context(), sellerID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// writeTokenError maps token lifecycle failures onto the statuses internal
// consumers key on: 400 means connect first, 409 means reconnect.
func writeTokenError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, oauthsvc.ErrNotConnected):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "not_connected"})
	case errors.Is(err, oauthsvc.ErrReauthRequired):
		writeJSON(w, http.StatusConflict, map[string]string{"error": "reauth_required"})
	default:
		writeError(w, http.StatusBadGateway, err)
	}
}

// --- Orders -----------------------------------------------------------------

func (h *handler) ordersSync(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		SellerID int64  `json:"seller_id"`
		From     string `json:"from"`
		To       string `json:"to"`
	}
	if r.ContentLength > 0 {
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	sellerID := payload.SellerID
	if sellerID == 0 {
		sellerID = h.app.SellerID
	}
	if sellerID == 0 {
		writeError(w, http.StatusBadRequest, errors.New("seller_id is required"))
		return
	}

	from, err := parseTime(payload.From)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	to, err := parseTime(payload.To)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	started := time.Now()
	res, err := h.app.Orders.Sync(r.Context(), sellerID, from, to)
	metrics.RecordOrderSync(res.Orders, time.Since(started), err)
	if err != nil {
		switch {
		case errors.Is(err, orderssvc.ErrPolicyBlocked):
			writeJSON(w, http.StatusForbidden, map[string]string{"error": "policy_blocked"})
		case errors.Is(err, oauthsvc.ErrNotConnected), errors.Is(err, oauthsvc.ErrReauthRequired):
			writeTokenError(w, err)
		default:
			writeError(w, http.StatusBadGateway, err)
		}
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *handler) ordersList(w http.ResponseWriter, r *http.Request) {
	sellerID, _ := strconv.ParseInt(r.URL.Query().Get("seller_id"), 10, 64)
	if sellerID == 0 {
		sellerID = h.app.SellerID
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	orders, err := h.app.Orders.ListOrders(r.Context(), sellerID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, orders)
}

func (h *handler) orderGet(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	o, items, err := h.app.Orders.GetOrder(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"order": o, "items": items})
}

// --- Billing ----------------------------------------------------------------

func (h *handler) reportPeriods(w http.ResponseWriter, r *http.Request) {
	sellerID, err := h.sellerID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	periods, err := h.app.Billing.Periods(r.Context(), sellerID)
	if err != nil {
		h.writeBillingError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, periods)
}

func (h *handler) reportGenerate(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		SellerID  int64  `json:"seller_id"`
		PeriodKey string `json:"period_key"`
	}
	if r.ContentLength > 0 {
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	sellerID := payload.SellerID
	if sellerID == 0 {
		sellerID = h.app.SellerID
	}
	if sellerID == 0 {
		writeError(w, http.StatusBadRequest, errors.New("seller_id is required"))
		return
	}

	started := time.Now()
	run, err := h.app.Billing.Generate(r.Context(), sellerID, payload.PeriodKey)
	metrics.RecordReportRun(string(run.Status), time.Since(started))
	if err != nil {
		h.writeBillingError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, run)
}

func (h *handler) reportList(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	runs, err := h.app.Billing.ListRuns(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (h *handler) reportGet(w http.ResponseWriter, r *http.Request) {
	run, err := h.app.Billing.GetRun(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (h *handler) reportDownload(w http.ResponseWriter, r *http.Request) {
	run, err := h.app.Billing.GetRun(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if run.FilePath == "" {
		writeError(w, http.StatusConflict, fmt.Errorf("run %s has no file (status %s)", run.ID, run.Status))
		return
	}

	f, err := os.Open(run.FilePath)
	if err != nil {
		writeError(w, http.StatusGone, fmt.Errorf("report file no longer available"))
		return
	}
	defer f.Close()

	contentType := run.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+filepath.Base(run.FilePath)+`"`)
	if run.SizeBytes > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(run.SizeBytes, 10))
	}
	_, _ = io.Copy(w, f)
}

func (h *handler) writeBillingError(w http.ResponseWriter, err error) {
	var apiErr *meli.APIError
	switch {
	case errors.Is(err, oauthsvc.ErrNotConnected), errors.Is(err, oauthsvc.ErrReauthRequired):
		writeTokenError(w, err)
	case errors.As(err, &apiErr) && apiErr.IsPolicyAgent():
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "policy_blocked"})
	default:
		writeError(w, http.StatusBadGateway, err)
	}
}

// --- Catalog ----------------------------------------------------------------

func (h *handler) catalogSchemas(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"schemas": h.app.Catalog.Schemas(),
		"default": h.app.Catalog.DefaultSchema(),
	})
}

func (h *handler) catalogHealth(w http.ResponseWriter, r *http.Request) {
	info, err := h.app.Catalog.ServerInfo(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (h *handler) catalogTables(w http.ResponseWriter, r *http.Request) {
	objects, err := h.app.Catalog.ListObjects(r.Context(), mux.Vars(r)["schema"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, objects)
}

func (h *handler) catalogCount(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	count, err := h.app.Catalog.CountRows(r.Context(), vars["schema"], vars["table"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"count": count})
}

func (h *handler) catalogRows(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	pageSize, _ := strconv.Atoi(q.Get("page_size"))

	p, err := h.app.Catalog.ReadPage(r.Context(), vars["schema"], vars["table"], page, pageSize)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *handler) catalogRowsCSV(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	pageSize, _ := strconv.Atoi(q.Get("page_size"))

	// Buffering keeps validation errors out of a half-written download. The
	// page size cap bounds the buffer.
	var buf bytes.Buffer
	if err := h.app.Catalog.WriteCSV(r.Context(), &buf, vars["schema"], vars["table"], page, pageSize); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf(`attachment; filename="%s_%s.csv"`, vars["schema"], vars["table"]))
	_, _ = w.Write(buf.Bytes())
}

// --- WordPress ETL ----------------------------------------------------------

func (h *handler) wordpressRun(w http.ResponseWriter, r *http.Request) {
	if h.app.WordPress == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("wordpress source not configured"))
		return
	}

	res, err := h.app.WordPress.Run(r.Context())
	metrics.RecordETLRun(res.Loaded, err)
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- Helpers ----------------------------------------------------------------

func (h *handler) sellerID(r *http.Request) (int64, error) {
	raw := r.URL.Query().Get("seller_id")
	if raw == "" {
		if h.app.SellerID != 0 {
			return h.app.SellerID, nil
		}
		return 0, errors.New("seller_id is required")
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid seller_id %q", raw)
	}
	return id, nil
}

func parseTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q, want RFC3339", raw)
	}
	return t, nil
}

func decodeJSON(body io.ReadCloser, dst interface{}) error {
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
