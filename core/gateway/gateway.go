// Package gateway mounts the HTTP surface of the service: the five
// CRUD operation endpoints backed by the query translator, transaction
// routing, the realtime websocket, storage buckets and the health
// routes.
//
// The gateway holds no policy of its own. Permission decisions live in
// the rules registry and the translator, credential checks in the
// bearer middleware, counting in the rate limiter. Handlers decode,
// delegate and render.
package gateway

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/relabs-tech/limen/core"
	"github.com/relabs-tech/limen/core/access"
	"github.com/relabs-tech/limen/core/blobstore"
	"github.com/relabs-tech/limen/core/csql"
	"github.com/relabs-tech/limen/core/logger"
	"github.com/relabs-tech/limen/core/ratelimit"
	"github.com/relabs-tech/limen/core/realtime"
	"github.com/relabs-tech/limen/core/rules"
	"github.com/relabs-tech/limen/core/schema"
	"github.com/relabs-tech/limen/core/translate"
	"github.com/relabs-tech/limen/core/txn"
)

// Builder is a builder helper for the Gateway
type Builder struct {
	// Rules is the permission registry for all resources and storage
	// buckets. This is mandatory.
	Rules *rules.Registry
	// DB is a postgres database. This is mandatory.
	DB *csql.DB
	// Router is a mux router. This is mandatory.
	Router *mux.Router
	// Verifier validates bearer tokens. This is mandatory.
	Verifier access.Verifier
	// Roles optionally resolves store-backed roles for verified
	// subjects.
	Roles access.RoleSource
	// Hub serves the realtime websocket route and the session figures
	// of the status route. Optional.
	Hub *realtime.Hub
	// OriginPatterns restricts browser origins for the websocket
	// upgrade. Optional.
	OriginPatterns []string
	// Blobs enables the storage routes. Optional.
	Blobs blobstore.Driver
	// Schemas validates insert and upsert payloads for rules that name
	// a payload schema. Optional.
	Schemas *schema.Validator
	// OnChange is called once per written row. Optional.
	OnChange translate.ChangeHook
	// Limiter does the rate limit counting. When nil and RateLimit is
	// positive, an in-memory fixed-window limiter is used.
	Limiter ratelimit.Limiter
	// RateLimit is the number of requests allowed per caller and
	// window. Non-positive disables rate limiting.
	RateLimit int
	// RateLimitWindow is the fixed window for the built-in limiter,
	// defaults to one minute.
	RateLimitWindow time.Duration
	// TransactionLifetime bounds how long a started transaction stays
	// usable, defaults to txn.DefaultLifetime.
	TransactionLifetime time.Duration
}

// Gateway is the assembled HTTP surface.
type Gateway struct {
	rules          *rules.Registry
	db             *csql.DB
	router         *mux.Router
	verifier       access.Verifier
	hub            *realtime.Hub
	originPatterns []string
	blobs          blobstore.Driver
	schemas        *schema.Validator
	payloadSchemas map[string]string
	translator     *translate.Translator
	executor       *translate.Executor
	coordinator    *txn.Coordinator
	rateLimit      int
}

// New realizes the gateway. It installs the bearer and rate limit
// middlewares and adds all routes to the router.
func New(b *Builder) *Gateway {
	if b.Rules == nil {
		panic("missing rules registry")
	}
	if b.DB == nil {
		panic("DB is missing")
	}
	if b.Router == nil {
		panic("Router is missing")
	}
	if b.Verifier == nil {
		panic("missing verifier")
	}

	g := &Gateway{
		rules:          b.Rules,
		db:             b.DB,
		router:         b.Router,
		verifier:       b.Verifier,
		hub:            b.Hub,
		originPatterns: b.OriginPatterns,
		blobs:          b.Blobs,
		schemas:        b.Schemas,
		payloadSchemas: make(map[string]string),
		translator:     translate.New(b.Rules, b.DB.Schema),
		executor:       &translate.Executor{OnChange: b.OnChange},
		coordinator:    txn.New(b.DB, b.TransactionLifetime),
		rateLimit:      b.RateLimit,
	}
	for resource, schemaID := range b.Rules.PayloadSchemas() {
		if b.Schemas == nil || !b.Schemas.HasSchema(schemaID) {
			logger.Default().Errorf("invalid configuration for resource %s, schema %s is unknown. Validation is deactivated for this resource", resource, schemaID)
			continue
		}
		g.payloadSchemas[resource] = schemaID
	}

	b.Router.Use(access.NewMiddleware(&access.MiddlewareBuilder{
		Verifier: b.Verifier,
		Roles:    b.Roles,
	}))
	limiter := b.Limiter
	if limiter == nil && b.RateLimit > 0 {
		window := b.RateLimitWindow
		if window <= 0 {
			window = time.Minute
		}
		limiter = ratelimit.NewInMemory(window)
	}
	b.Router.Use(ratelimit.NewMiddleware(&ratelimit.MiddlewareBuilder{
		Limiter: limiter,
		Limit:   b.RateLimit,
	}))

	access.HandleIdentityRoute(b.Router)
	g.handleRoutes(b.Router)
	return g
}

// Coordinator exposes the transaction coordinator, the service status
// and tests read its figures.
func (g *Gateway) Coordinator() *txn.Coordinator {
	return g.coordinator
}

func (g *Gateway) handleRoutes(router *mux.Router) {
	logger.Default().Debugln("gateway: handle routes")

	router.Handle("/select", g.operationHandler(core.OperationSelect)).Methods(http.MethodPost, http.MethodGet)
	router.Handle("/insert", g.operationHandler(core.OperationInsert)).Methods(http.MethodPost)
	router.Handle("/update", g.operationHandler(core.OperationUpdate)).Methods(http.MethodPost)
	router.Handle("/delete", g.operationHandler(core.OperationDelete)).Methods(http.MethodPost)
	router.Handle("/upsert", g.operationHandler(core.OperationUpsert)).Methods(http.MethodPost)

	router.HandleFunc("/transaction/start", g.transactionStart).Methods(http.MethodPost)
	router.HandleFunc("/transaction/commit", g.transactionCommit).Methods(http.MethodPost)
	router.HandleFunc("/transaction/rollback", g.transactionRollback).Methods(http.MethodPost)

	router.HandleFunc("/health", g.health).Methods(http.MethodGet)
	router.HandleFunc("/status", g.status).Methods(http.MethodGet)

	if g.hub != nil {
		router.Handle("/realtime", realtime.NewHandler(&realtime.HandlerBuilder{
			Hub:            g.hub,
			Verifier:       g.verifier,
			OriginPatterns: g.originPatterns,
		})).Methods(http.MethodGet)
	}

	if g.blobs != nil {
		router.HandleFunc("/storage/{bucket}", g.storageList).Methods(http.MethodGet)
		router.HandleFunc("/storage/{bucket}/{key:.+}", g.storageObject).
			Methods(http.MethodGet, http.MethodPut, http.MethodDelete)
	}

	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, errorBody("method not allowed"))
	})
	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, errorBody("no such route"))
	})
}
