package web

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/deemkeen/federate/activitypub"
	"github.com/deemkeen/federate/delivery"
	"github.com/deemkeen/federate/util"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/render"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	maxInboxBody     = 1 * 1024 * 1024
	activityJSONType = "application/activity+json; charset=utf-8"
	shutdownTimeout  = 10 * time.Second
)

// QueueAdmin is the operator side of the delivery engine
type QueueAdmin interface {
	Report(ctx context.Context) ([]delivery.QueueReport, error)
	Skip(ctx context.Context, dest string) (int64, error)
	Reactivate(ctx context.Context, dest string) error
	RemoveDestination(ctx context.Context, dest string) error
}

// EventSource lists recent verification rejections
type EventSource interface {
	Events() []activitypub.RejectionEvent
}

// NewRouter builds the public federation endpoints: the shared and per-actor
// inboxes, actor documents and webfinger. The returned limiter must be run
// by the caller to evict idle clients.
func NewRouter(conf *util.AppConfig, inboxHandler http.Handler, publicKeyPem string, logger *zap.Logger) (*gin.Engine, *RateLimiter) {
	if logger == nil {
		logger = zap.NewNop()
	}
	g := gin.New()
	g.Use(gin.Recovery(), LoggerMiddleware(logger.Named("http")))
	g.Use(gzip.Gzip(gzip.DefaultCompression))

	// 5 req/sec per IP, burst of 10
	apLimiter := NewRateLimiter(rate.Limit(5), 10)
	maxBodySize := MaxBytesMiddleware(maxInboxBody)

	if conf.Conf.WithAp {
		deliver := gin.WrapH(inboxHandler)
		g.POST("/inbox", RateLimitMiddleware(apLimiter), maxBodySize, deliver)
		g.POST("/u/:name/inbox", RateLimitMiddleware(apLimiter), maxBodySize, func(c *gin.Context) {
			if !ValidActorName(c.Param("name")) {
				c.Status(http.StatusNotFound)
				return
			}
			deliver(c)
		})
	}

	g.GET("/u/:name", func(c *gin.Context) {
		actor, err := GetActor(c.Param("name"), publicKeyPem, conf)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "Actor not found"})
			return
		}
		c.Data(http.StatusOK, activityJSONType, actor)
	})

	g.GET("/.well-known/webfinger", func(c *gin.Context) {
		c.Header("Content-Type", "application/jrd+json; charset=utf-8")
		doc, err := GetWebfinger(c.Query("resource"), conf)
		if err != nil {
			c.Render(http.StatusNotFound, render.String{Format: GetWebFingerNotFound()})
			return
		}
		c.Data(http.StatusOK, "application/jrd+json; charset=utf-8", doc)
	})

	return g, apLimiter
}

// NewAdminRouter builds the operator endpoints. It is meant to listen on a
// loopback address only and carries no authentication.
func NewAdminRouter(conf *util.AppConfig, queue QueueAdmin, events EventSource, gatherer prometheus.Gatherer, logger *zap.Logger) *gin.Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	g := gin.New()
	g.Use(gin.Recovery(), LoggerMiddleware(logger.Named("admin")))

	g.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	admin := g.Group("/admin/federation")

	admin.GET("/queue", func(c *gin.Context) {
		reports, err := queue.Report(c.Request.Context())
		if err != nil {
			logger.Error("failed to build queue report", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, reports)
	})

	admin.POST("/queue/:destination/skip", func(c *gin.Context) {
		dest := c.Param("destination")
		skipped, err := queue.Skip(c.Request.Context(), dest)
		if err != nil {
			adminError(c, logger, err)
			return
		}
		logger.Info("skipped blocking activity", zap.String("destination", dest), zap.Int64("sequence", skipped))
		c.JSON(http.StatusOK, gin.H{"destination": dest, "skipped": skipped})
	})

	admin.POST("/queue/:destination/reactivate", func(c *gin.Context) {
		dest := c.Param("destination")
		if err := queue.Reactivate(c.Request.Context(), dest); err != nil {
			adminError(c, logger, err)
			return
		}
		logger.Info("reactivated destination", zap.String("destination", dest))
		c.JSON(http.StatusOK, gin.H{"destination": dest, "inactive": false})
	})

	admin.DELETE("/queue/:destination", func(c *gin.Context) {
		dest := c.Param("destination")
		if err := queue.RemoveDestination(c.Request.Context(), dest); err != nil {
			adminError(c, logger, err)
			return
		}
		logger.Info("removed destination", zap.String("destination", dest))
		c.Status(http.StatusNoContent)
	})

	admin.GET("/feed", func(c *gin.Context) {
		reports, err := queue.Report(c.Request.Context())
		if err != nil {
			adminError(c, logger, err)
			return
		}
		atom, err := GetEventFeed(conf, events.Events(), reports, time.Now())
		if err != nil {
			adminError(c, logger, err)
			return
		}
		c.Data(http.StatusOK, "application/atom+xml; charset=utf-8", []byte(atom))
	})

	return g
}

func adminError(c *gin.Context, logger *zap.Logger, err error) {
	if errors.Is(err, delivery.ErrUnknownDestination) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	logger.Error("admin operation failed", zap.String("path", c.Request.URL.Path), zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

// Serve runs handler on addr until ctx is cancelled, then shuts down gracefully
func Serve(ctx context.Context, addr string, handler http.Handler, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", addr))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// PublicAddr is the listen address of the public router
func PublicAddr(conf *util.AppConfig) string {
	return conf.Conf.Host + ":" + strconv.Itoa(conf.Conf.HttpPort)
}
