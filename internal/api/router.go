package api

import (
	"database/sql"
	"net/http"
	"net/url"

	"github.com/go-chi/cors"

	"github.com/erazemk/oprema/internal/auth"
	"github.com/erazemk/oprema/internal/engine"
	"github.com/erazemk/oprema/internal/imaging"
	"github.com/erazemk/oprema/internal/metrics"
	"github.com/erazemk/oprema/internal/model"
	"github.com/erazemk/oprema/internal/store"
	"github.com/erazemk/oprema/internal/transfer"
)

// Deps are the services the router is built from.
type Deps struct {
	DB        *sql.DB
	Store     *store.Store
	Tokens    *auth.Tokens
	Executor  *transfer.Executor
	Rebuilder *engine.Rebuilder
	// Metrics is optional; /metrics is only served when it is set.
	Metrics     *metrics.Recorder
	Photos      imaging.Options
	CORSOrigins []string
}

// NewRouter creates the API router with all endpoints registered.
func NewRouter(d Deps) http.Handler {
	mux := http.NewServeMux()

	authHandler := &AuthHandler{DB: d.DB, Tokens: d.Tokens}
	usersHandler := &UsersHandler{DB: d.DB}
	unitsHandler := &UnitsHandler{Store: d.Store}
	itemsHandler := &ItemsHandler{Store: d.Store, Executor: d.Executor, Photos: d.Photos}
	transfersHandler := &TransfersHandler{Store: d.Store, Executor: d.Executor}
	inventoryHandler := &InventoryHandler{Store: d.Store, Rebuilder: d.Rebuilder, OriginPatterns: originHosts(d.CORSOrigins)}
	if d.Metrics != nil {
		inventoryHandler.Recorder = d.Metrics
	}

	authMW := AuthMiddleware(d.Tokens, d.Store)
	requireAdmin := RequireRole(model.RoleAdmin)
	requireManager := RequireRole(model.RoleManager)

	// Public: login.
	mux.HandleFunc("POST /api/auth/login", authHandler.Login)

	// Authenticated routes.
	mux.Handle("GET /api/auth/me", authMW(http.HandlerFunc(authHandler.Me)))
	mux.Handle("PUT /api/auth/password", authMW(http.HandlerFunc(authHandler.ChangePassword)))
	mux.Handle("POST /api/auth/logout", authMW(http.HandlerFunc(authHandler.Logout)))

	// Users (admin only).
	mux.Handle("GET /api/users", authMW(requireAdmin(http.HandlerFunc(usersHandler.List))))
	mux.Handle("POST /api/users", authMW(requireAdmin(http.HandlerFunc(usersHandler.Create))))
	mux.Handle("GET /api/users/{id}", authMW(requireAdmin(http.HandlerFunc(usersHandler.Get))))
	mux.Handle("PUT /api/users/{id}", authMW(requireAdmin(http.HandlerFunc(usersHandler.Update))))
	mux.Handle("PUT /api/users/{id}/password", authMW(requireAdmin(http.HandlerFunc(usersHandler.ResetPassword))))
	mux.Handle("DELETE /api/users/{id}", authMW(requireAdmin(http.HandlerFunc(usersHandler.Delete))))

	// Units and persons: read (all roles), write (manager+).
	mux.Handle("GET /api/units", authMW(http.HandlerFunc(unitsHandler.ListUnits)))
	mux.Handle("POST /api/units", authMW(requireManager(http.HandlerFunc(unitsHandler.CreateUnit))))
	mux.Handle("PUT /api/units/{id}", authMW(requireManager(http.HandlerFunc(unitsHandler.UpdateUnit))))
	mux.Handle("DELETE /api/units/{id}", authMW(requireManager(http.HandlerFunc(unitsHandler.DeleteUnit))))
	mux.Handle("GET /api/persons", authMW(http.HandlerFunc(unitsHandler.ListPersons)))
	mux.Handle("POST /api/persons", authMW(requireManager(http.HandlerFunc(unitsHandler.CreatePerson))))
	mux.Handle("PUT /api/persons/{id}", authMW(requireManager(http.HandlerFunc(unitsHandler.UpdatePerson))))
	mux.Handle("DELETE /api/persons/{id}", authMW(requireManager(http.HandlerFunc(unitsHandler.DeletePerson))))

	// Items: catalog writes are manager+; deletion and moves are decided by
	// the rule table.
	mux.Handle("GET /api/items", authMW(http.HandlerFunc(itemsHandler.List)))
	mux.Handle("POST /api/items", authMW(requireManager(http.HandlerFunc(itemsHandler.Create))))
	mux.Handle("GET /api/items/{id}", authMW(http.HandlerFunc(itemsHandler.Get)))
	mux.Handle("PUT /api/items/{id}", authMW(requireManager(http.HandlerFunc(itemsHandler.Update))))
	mux.Handle("DELETE /api/items/{id}", authMW(http.HandlerFunc(itemsHandler.Delete)))
	mux.Handle("PUT /api/items/{id}/stock", authMW(requireManager(http.HandlerFunc(itemsHandler.Stock))))
	mux.Handle("PUT /api/items/{id}/image", authMW(requireManager(http.HandlerFunc(itemsHandler.UploadImage))))
	mux.Handle("GET /api/items/{id}/image", authMW(http.HandlerFunc(itemsHandler.GetImage)))
	mux.Handle("GET /api/items/{id}/history", authMW(http.HandlerFunc(itemsHandler.History)))
	mux.Handle("POST /api/items/{id}/assign", authMW(http.HandlerFunc(itemsHandler.Assign)))
	mux.Handle("POST /api/items/{id}/unassign", authMW(http.HandlerFunc(itemsHandler.Unassign)))
	mux.Handle("POST /api/items/{id}/transfer", authMW(http.HandlerFunc(itemsHandler.Transfer)))

	// Transfer requests.
	mux.Handle("GET /api/transfers", authMW(http.HandlerFunc(transfersHandler.List)))
	mux.Handle("POST /api/transfers/{id}/approve", authMW(http.HandlerFunc(transfersHandler.Approve)))
	mux.Handle("POST /api/transfers/{id}/reject", authMW(http.HandlerFunc(transfersHandler.Reject)))

	// Inventory view.
	mux.Handle("GET /api/inventory", authMW(http.HandlerFunc(inventoryHandler.List)))
	mux.Handle("GET /api/inventory/live", authMW(http.HandlerFunc(inventoryHandler.Live)))
	mux.Handle("GET /api/consistency", authMW(requireManager(http.HandlerFunc(inventoryHandler.Consistency))))

	if d.Metrics != nil {
		mux.Handle("GET /metrics", d.Metrics.Handler())
	}

	var h http.Handler = mux
	h = LoggingMiddleware(h)
	h = cors.Handler(cors.Options{
		AllowedOrigins:   d.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	})(h)
	h = RequestID(h)
	return Recovery(h)
}

// originHosts turns CORS origins into the host patterns websocket.Accept
// matches against.
func originHosts(origins []string) []string {
	var hosts []string
	for _, o := range origins {
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			hosts = append(hosts, u.Host)
		} else if o != "" {
			hosts = append(hosts, o)
		}
	}
	return hosts
}
