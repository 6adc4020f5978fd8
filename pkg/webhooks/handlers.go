package webhooks

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/tollgate/pkg/billing"
	"github.com/platinummonkey/tollgate/pkg/httputil"
)

// Handlers exposes the ingestion service over HTTP
type Handlers struct {
	service *Service
}

// NewHandlers creates webhook handlers
func NewHandlers(service *Service) *Handlers {
	return &Handlers{service: service}
}

// RegisterRoutes registers the public provider endpoints
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/webhooks/stripe", h.receive(billing.ProviderStripe)).Methods("POST")
	router.HandleFunc("/webhooks/paypal", h.receive(billing.ProviderPayPal)).Methods("POST")
}

// RegisterAdminRoutes registers the receipt views. Receipts span every
// tenant, so they belong on the operator listener only.
func (h *Handlers) RegisterAdminRoutes(router *mux.Router) {
	router.HandleFunc("/admin/webhooks/receipts", h.listReceipts).Methods("GET")
	router.HandleFunc("/admin/webhooks/stats", h.stats).Methods("GET")
}

type ackResponse struct {
	Received  bool   `json:"received"`
	ReceiptID string `json:"receipt_id"`
	Outcome   string `json:"outcome"`
}

func (h *Handlers) receive(provider billing.Provider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		payload, err := httputil.ReadBody(r)
		if err != nil {
			httputil.WriteBadRequest(w, err.Error())
			return
		}

		receipt, err := h.service.Handle(r.Context(), provider, payload, r.Header)
		if err != nil {
			httputil.WriteDomainError(w, err)
			return
		}

		httputil.WriteSuccess(w, ackResponse{
			Received:  true,
			ReceiptID: receipt.ID,
			Outcome:   receipt.Outcome,
		})
	}
}

// listReceipts handles GET /admin/webhooks/receipts
func (h *Handlers) listReceipts(w http.ResponseWriter, r *http.Request) {
	provider, ok := parseProvider(w, r)
	if !ok {
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			httputil.WriteBadRequest(w, "limit must be a positive integer")
			return
		}
		limit = n
	}

	if eventID := r.URL.Query().Get("event_id"); eventID != "" {
		httputil.WriteSuccess(w, h.service.Receipts().ByEvent(eventID))
		return
	}
	httputil.WriteSuccess(w, h.service.Receipts().Recent(provider, limit))
}

// stats handles GET /admin/webhooks/stats
func (h *Handlers) stats(w http.ResponseWriter, r *http.Request) {
	provider, ok := parseProvider(w, r)
	if !ok {
		return
	}
	httputil.WriteSuccess(w, h.service.Receipts().Stats(provider))
}

func parseProvider(w http.ResponseWriter, r *http.Request) (billing.Provider, bool) {
	v := r.URL.Query().Get("provider")
	if v == "" {
		return "", true
	}
	p := billing.Provider(strings.ToUpper(v))
	if !p.Valid() {
		httputil.WriteBadRequest(w, "unknown provider "+v)
		return "", false
	}
	return p, true
}
