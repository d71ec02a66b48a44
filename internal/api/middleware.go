package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"readaloud/internal/apperr"
	"readaloud/internal/auth"
	"readaloud/internal/metrics"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/ulule/limiter/v3"
)

// cors admits the configured origins only. With none configured no CORS
// headers are sent and browsers keep the API same-origin.
func (h *Handler) cors() gin.HandlerFunc {
	if len(h.origins) == 0 {
		return func(c *gin.Context) { c.Next() }
	}
	return cors.New(cors.Config{
		AllowOrigins:     h.origins,
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-CSRF-Token"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

// rateLimit limits route per user, or per client IP before sign-in.
func (h *Handler) rateLimit(route, formatted string) gin.HandlerFunc {
	rate, err := limiter.NewRateFromFormatted(formatted)
	if err != nil {
		logrus.WithError(err).WithField("route", route).Warn("invalid rate limit, using 30-M")
		rate = limiter.Rate{Period: time.Minute, Limit: 30}
	}
	lim := limiter.New(h.limitStore, rate)
	return func(c *gin.Context) {
		key := "ip:" + strings.TrimPrefix(c.ClientIP(), "::ffff:")
		if userID, ok := auth.UserIDFromContext(c); ok {
			key = "user:" + userID
		}
		lctx, err := lim.Get(c.Request.Context(), route+":"+key)
		if err != nil {
			logrus.WithError(err).WithField("route", route).Debug("rate limiter unavailable")
			c.Next()
			return
		}
		c.Header("X-RateLimit-Limit", strconv.FormatInt(lctx.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(lctx.Remaining, 10))
		if lctx.Reached {
			retry := int(time.Until(time.Unix(lctx.Reset, 0)).Seconds())
			if retry < 0 {
				retry = 0
			}
			c.Header("Retry-After", strconv.Itoa(retry))
			metrics.RateLimited(route)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": apperr.Message(auth.ErrRateLimited),
				"code":  auth.ErrRateLimited.Code,
			})
			return
		}
		c.Next()
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		entry := logrus.WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"status":  c.Writer.Status(),
			"latency": time.Since(start).String(),
		})
		if userID, ok := auth.UserIDFromContext(c); ok {
			entry = entry.WithField("user_id", userID)
		}
		switch {
		case c.Writer.Status() >= 500:
			entry.Error("request failed")
		case c.Writer.Status() >= 400:
			entry.Info("request rejected")
		default:
			entry.Debug("request served")
		}
	}
}
