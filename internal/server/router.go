package server

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sf7293/task-scheduler/internal/domain"
	"github.com/sf7293/task-scheduler/internal/errval"
	"github.com/sf7293/task-scheduler/internal/scheduler"
)

type StatsProvider interface {
	Stats() scheduler.Stats
}

type Dependencies struct {
	Storage domain.TaskStore
	Leases  domain.LeaseService
	// Publisher is optional
	Publisher domain.EventPublisher
	Stats     StatsProvider
	Gatherer  prometheus.Gatherer
	// Ready reports whether bootstrap has finished
	Ready func() bool
}

func NewRouter(deps Dependencies) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	serverLogic := NewServerLogic(deps.Storage)
	tasks := r.Group("/tasks")
	tasks.GET("", func(c *gin.Context) {
		list, err := serverLogic.ListTasks(c, c.Query("status"))
		if err != nil {
			var validationErr *errval.ValidationError
			if errors.As(err, &validationErr) {
				c.JSON(http.StatusBadRequest, gin.H{"error": validationErr.Error()})
				return
			}

			c.JSON(http.StatusInternalServerError, gin.H{})
			return
		}

		c.JSON(http.StatusOK, gin.H{"tasks": list})
	})

	tasks.GET("/:id", func(c *gin.Context) {
		view, err := serverLogic.GetTask(c, c.Param("id"))
		if err != nil {
			if errors.Is(err, errval.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{})
				return
			}

			c.JSON(http.StatusInternalServerError, gin.H{})
			return
		}

		c.JSON(http.StatusOK, view)
	})

	r.GET("/readiness", func(c *gin.Context) {
		if deps.Ready == nil || deps.Ready() {
			c.JSON(http.StatusOK, gin.H{"status": "ready"})
		} else {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready"})
		}
	})

	r.GET("/liveness", func(c *gin.Context) {
		// Checking health of depending upon infra connections
		err := deps.Storage.Ping(c)
		if err != nil {
			slog.Error("Task store seems not to be pingable in liveness API", "error", err.Error())
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not healthy"})
			return
		}

		err = deps.Leases.Ping(c)
		if err != nil {
			slog.Error("Coordination service seems not to be pingable in liveness API", "error", err.Error())
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not healthy"})
			return
		}

		if deps.Publisher != nil && !deps.Publisher.IsHealthy() {
			slog.Error("Event publisher is not healthy")
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not healthy"})
			return
		}

		c.JSON(http.StatusOK, gin.H{"status": "up"})
	})

	r.GET("/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, deps.Stats.Stats())
	})

	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	return r
}
