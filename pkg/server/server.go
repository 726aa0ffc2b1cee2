// Package server exposes the state of a running batch over HTTP.
package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"emfit/pkg/metadata"
	"emfit/pkg/pipeline"
)

// Source is what the API reports on, usually a *pipeline.Processor
type Source interface {
	ID() string
	States() []pipeline.ItemState
	State(name string) (pipeline.ItemState, bool)
	Summary() map[pipeline.Status]int
}

// Server serves the status API for one batch
type Server struct {
	source Source
	router *gin.Engine
}

// New creates a server with its routes registered
func New(source Source) *Server {
	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())

	s := &Server{source: source, router: r}

	api := r.Group("/api/v1")
	api.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"message": "pong",
		})
	})
	api.GET("/batch", s.batch)
	api.GET("/items", s.items)
	api.GET("/items/:name", s.item)
	api.GET("/items/:name/result", s.result)

	return s
}

// Handler returns the router for use with an http.Server or httptest
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run listens and serves on addr until the listener fails
func (s *Server) Run(addr string) error {
	return s.router.Run(addr)
}

func (s *Server) batch(c *gin.Context) {
	counts := gin.H{}
	for status, n := range s.source.Summary() {
		counts[string(status)] = n
	}
	c.JSON(http.StatusOK, gin.H{
		"id":     s.source.ID(),
		"counts": counts,
	})
}

func (s *Server) items(c *gin.Context) {
	c.JSON(http.StatusOK, s.source.States())
}

func (s *Server) item(c *gin.Context) {
	st, ok := s.source.State(c.Param("name"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown item"})
		return
	}
	c.JSON(http.StatusOK, st)
}

// result serves the metadata document of a finished item
func (s *Server) result(c *gin.Context) {
	st, ok := s.source.State(c.Param("name"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown item"})
		return
	}
	if st.Status != pipeline.StatusDone || st.Result == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "no result", "status": st.Status})
		return
	}
	doc, err := metadata.Load(st.Result)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, doc)
}
