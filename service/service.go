// Package service is the dependency-injection container for the HTTP
// processes. Handlers receive the Service alongside the gin context and pull
// their collaborators from it; nothing reaches for globals.
package service

import (
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/remiges-tech/logharbour/logharbour"

	"github.com/dragonfly-ops/dragonfly/config"
	"github.com/dragonfly-ops/dragonfly/dataservice"
	"github.com/dragonfly-ops/dragonfly/db"
	"github.com/dragonfly-ops/dragonfly/ingest"
	"github.com/dragonfly-ops/dragonfly/ingest/objstore"
	"github.com/dragonfly-ops/dragonfly/metrics"
	"github.com/dragonfly-ops/dragonfly/notify"
	"github.com/dragonfly-ops/dragonfly/store"
)

// Service holds everything a handler might need. Optional fields stay nil
// when the process runs degraded; handlers must tolerate that.
type Service struct {
	Config   *config.Settings
	Router   *gin.Engine
	Logger   *logharbour.Logger
	Handle   *db.Handle
	DBState  *db.State
	Store    *store.Store
	Data     *dataservice.Service
	Notifier notify.Notifier
	Metrics  *metrics.Metrics
	Engine   *ingest.Engine
	Guardian *ingest.Guardian
	Cache    *store.BatchCache
	Archive  objstore.ObjectStore
}

func NewService(r *gin.Engine) *Service {
	return &Service{Router: r}
}

func (s *Service) WithConfig(cfg *config.Settings) *Service {
	s.Config = cfg
	return s
}

func (s *Service) WithLogger(l *logharbour.Logger) *Service {
	s.Logger = l
	return s
}

func (s *Service) WithDB(handle *db.Handle, state *db.State) *Service {
	s.Handle = handle
	s.DBState = state
	return s
}

func (s *Service) WithStore(st *store.Store) *Service {
	s.Store = st
	return s
}

func (s *Service) WithData(d *dataservice.Service) *Service {
	s.Data = d
	return s
}

func (s *Service) WithNotifier(n notify.Notifier) *Service {
	s.Notifier = n
	return s
}

func (s *Service) WithMetrics(m *metrics.Metrics) *Service {
	s.Metrics = m
	return s
}

func (s *Service) WithIngest(e *ingest.Engine, g *ingest.Guardian) *Service {
	s.Engine = e
	s.Guardian = g
	return s
}

func (s *Service) WithCache(c *store.BatchCache) *Service {
	s.Cache = c
	return s
}

func (s *Service) WithArchive(a objstore.ObjectStore) *Service {
	s.Archive = a
	return s
}

// HandlerFunc is a request handler that also receives the container.
type HandlerFunc func(*gin.Context, *Service)

// RegisterRoute binds one route on the service's engine.
func (s *Service) RegisterRoute(method, path string, handler HandlerFunc) {
	wrapped := func(c *gin.Context) {
		handler(c, s)
	}
	switch method {
	case http.MethodGet:
		s.Router.GET(path, wrapped)
	case http.MethodPost:
		s.Router.POST(path, wrapped)
	case http.MethodPut:
		s.Router.PUT(path, wrapped)
	case http.MethodDelete:
		s.Router.DELETE(path, wrapped)
	default:
		log.Printf("Unsupported method: %s", method)
	}
}

// RouteGroup wraps a gin group so route registration can share middleware.
type RouteGroup struct {
	service *Service
	group   *gin.RouterGroup
}

// CreateGroup creates a route group with the given prefix and middleware.
func (s *Service) CreateGroup(path string, mw ...gin.HandlerFunc) *RouteGroup {
	g := s.Router.Group(path)
	g.Use(mw...)
	return &RouteGroup{service: s, group: g}
}

// RegisterRoute binds one route in the group.
func (g *RouteGroup) RegisterRoute(method, path string, handler HandlerFunc) {
	wrapped := func(c *gin.Context) {
		handler(c, g.service)
	}
	switch method {
	case http.MethodGet:
		g.group.GET(path, wrapped)
	case http.MethodPost:
		g.group.POST(path, wrapped)
	case http.MethodPut:
		g.group.PUT(path, wrapped)
	case http.MethodDelete:
		g.group.DELETE(path, wrapped)
	default:
		log.Printf("Unsupported method: %s", method)
	}
}
