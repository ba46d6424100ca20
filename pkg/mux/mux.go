package mux

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sepich/nix-cache-proxy/pkg/metrics"
	"go.uber.org/zap"
)

const (
	routeRoot      = "root"
	routeCacheInfo = "nix-cache-info"
	routeNarinfo   = "narinfo"
	routeNar       = "nar"
	routeUnmatched = "unmatched"
)

type Service interface {
	Root(w http.ResponseWriter, r *http.Request)
	GetNarinfo(w http.ResponseWriter, r *http.Request, segment string)
	HeadNarinfo(w http.ResponseWriter, r *http.Request, segment string)
	GetNar(w http.ResponseWriter, r *http.Request, segment string)
	GetCacheInfo(w http.ResponseWriter, r *http.Request)
}

// NewRouter binds the binary cache routes. nix-cache-info must be registered
// before the narinfo catch-all.
func NewRouter(services Service, logger *zap.Logger, m *metrics.Metrics) *mux.Router {
	r := mux.NewRouter()
	observe := Middleware(logger, m)
	r.Use(observe)
	r.NotFoundHandler = withRoute(routeUnmatched, observe(http.NotFoundHandler()))
	r.MethodNotAllowedHandler = withRoute(routeUnmatched, observe(methodNotAllowed()))

	r.HandleFunc("/", services.Root).Methods(http.MethodGet).Name(routeRoot)

	r.HandleFunc("/nix-cache-info", services.GetCacheInfo).Methods(http.MethodGet).Name(routeCacheInfo)

	r.HandleFunc("/{narinfo}", func(w http.ResponseWriter, r *http.Request) {
		services.GetNarinfo(w, r, mux.Vars(r)["narinfo"])
	}).Methods(http.MethodGet).Name(routeNarinfo)

	r.HandleFunc("/{narinfo}", func(w http.ResponseWriter, r *http.Request) {
		services.HeadNarinfo(w, r, mux.Vars(r)["narinfo"])
	}).Methods(http.MethodHead).Name(routeNarinfo)

	r.HandleFunc("/nar/{nar}", func(w http.ResponseWriter, r *http.Request) {
		services.GetNar(w, r, mux.Vars(r)["nar"])
	}).Methods(http.MethodGet).Name(routeNar)

	return r
}

func methodNotAllowed() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusMethodNotAllowed)
	})
}
