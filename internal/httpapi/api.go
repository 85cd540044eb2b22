// Package httpapi is the HTTP layer: routing, middleware, request decoding,
// and the sentinel-error to status-code mapping.
package httpapi

import (
	"net/http"

	"veriscan.app/internal/device"
	"veriscan.app/internal/guest"
	"veriscan.app/internal/identity"
	"veriscan.app/internal/ledger"
	"veriscan.app/internal/obs"
	"veriscan.app/internal/scans"
)

// Deps carries the collaborators the API serves. Zero tuning fields fall
// back to defaults suitable for development.
type Deps struct {
	Ready    ReadyProbe
	Version  string
	Tokens   ledger.Service
	Devices  device.Tracker
	Guests   *guest.Provisioner
	Scans    *scans.Service
	Records  scans.Store
	Resolver *identity.Resolver
	Packs    map[string]ledger.Pack

	RateBurst    int
	RatePerSec   int
	MaxBodyBytes int64
}

// API is the HTTP layer.
type API struct {
	mux     *http.ServeMux
	ready   ReadyProbe
	version string

	tokens   ledger.Service
	devices  device.Tracker
	guests   *guest.Provisioner
	scans    *scans.Service
	records  scans.Store
	resolver *identity.Resolver
	packs    map[string]ledger.Pack

	rateBurst    int
	ratePerSec   int
	maxBodyBytes int64
}

func New(deps Deps) *API {
	a := &API{
		mux:          http.NewServeMux(),
		ready:        deps.Ready,
		version:      deps.Version,
		tokens:       deps.Tokens,
		devices:      deps.Devices,
		guests:       deps.Guests,
		scans:        deps.Scans,
		records:      deps.Records,
		resolver:     deps.Resolver,
		packs:        deps.Packs,
		rateBurst:    deps.RateBurst,
		ratePerSec:   deps.RatePerSec,
		maxBodyBytes: deps.MaxBodyBytes,
	}
	if a.rateBurst <= 0 {
		a.rateBurst = 20
	}
	if a.ratePerSec <= 0 {
		a.ratePerSec = 10
	}
	if a.maxBodyBytes <= 0 {
		a.maxBodyBytes = 8 << 20
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	// guest provisioning
	a.mux.HandleFunc("/v1/auth/guest", a.handleGuestAuth)

	// token ledger
	a.mux.HandleFunc("/v1/tokens/balance", a.handleTokenBalance)
	a.mux.HandleFunc("/v1/tokens/consume", a.handleTokenConsume)
	a.mux.HandleFunc("/v1/tokens/purchase", a.handleTokenPurchase)
	a.mux.HandleFunc("/v1/tokens/purchases", a.handlePurchaseHistory)

	// scan records
	a.mux.HandleFunc("/v1/scans", a.handleScansCollection)
	a.mux.HandleFunc("/v1/scans/analyze", a.handleScanAnalyze)
	a.mux.HandleFunc("/v1/scans/", a.handleScanResource)

	// root: 404
	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the full middleware chain around the mux. Instrumentation
// sits outermost so rejected requests still count.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withAuth(h)
	h = MaxBodyBytes(h, a.maxBodyBytes)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = Logging(h)
	h = RequestID(h)
	return obs.Instrument(h)
}
