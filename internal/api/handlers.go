package api

import (
	"database/sql"
	"errors"
	"net/http"

	"readaloud/internal/apperr"
	"readaloud/internal/audio"
	"readaloud/internal/auth"
	"readaloud/internal/config"
	"readaloud/internal/documents"
	"readaloud/internal/insight"
	"readaloud/internal/metrics"
	"readaloud/internal/reader"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
)

// Options are the services the HTTP surface is built on. Renderer and
// Insights may be nil; their routes then answer with a configuration error.
type Options struct {
	Auth           *auth.Service
	Documents      *documents.Service
	Renderer       audio.OwnerRenderer
	Insights       insight.Generator
	Readers        *reader.Manager
	RateLimit      config.RateLimitConfig
	AllowedOrigins []string
	MaxUploadBytes int64
	DefaultQuiz    int
}

// Handler wires HTTP routes to the document, identity, render and insight
// services and hosts the reader session websocket.
type Handler struct {
	auth        *auth.Service
	documents   *documents.Service
	renderer    audio.OwnerRenderer
	insights    insight.Generator
	readers     *reader.Manager
	limits      config.RateLimitConfig
	origins     []string
	maxUpload   int64
	defaultQuiz int
	limitStore  limiter.Store
}

// NewHandler constructs a Handler instance.
func NewHandler(opts Options) *Handler {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 25 << 20
	}
	if opts.DefaultQuiz <= 0 {
		opts.DefaultQuiz = 5
	}
	return &Handler{
		auth:        opts.Auth,
		documents:   opts.Documents,
		renderer:    opts.Renderer,
		insights:    opts.Insights,
		readers:     opts.Readers,
		limits:      opts.RateLimit,
		origins:     opts.AllowedOrigins,
		maxUpload:   opts.MaxUploadBytes,
		defaultQuiz: opts.DefaultQuiz,
		limitStore:  memory.NewStore(),
	}
}

func (h *Handler) authorizedUserID(c *gin.Context) (string, bool) {
	userID, ok := auth.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required", "code": auth.ErrTokenInvalid.Code})
		return "", false
	}
	return userID, true
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.Use(requestLogger(), metrics.Middleware(), h.cors())
	router.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	router.GET("/metrics", metrics.Handler())

	api := router.Group("/api")
	authLimit := h.rateLimit("auth", h.limits.Auth)
	api.POST("/users/register", authLimit, h.registerUser)
	api.POST("/users/login", authLimit, h.loginUser)

	authMW := h.auth.Middleware()
	csrf := h.auth.CSRFMiddleware()

	users := api.Group("/users", authMW, csrf)
	users.POST("/logout", h.logoutUser)
	users.DELETE("/me", h.deleteUser)

	docs := api.Group("/documents", authMW, csrf)
	docs.POST("", h.uploadDocument)
	docs.GET("", h.listDocuments)
	docs.GET("/stream", h.streamDocuments)
	docs.GET("/:id/source", h.documentSource)
	docs.GET("/:id/audio", h.documentAudio)
	docs.DELETE("/:id", h.deleteDocument)

	// bearer only; the endpoint answers with its own {error, code} contract
	api.POST("/render/audio", h.rateLimit("render", h.limits.Render), h.renderAudio)

	insights := api.Group("/insights", authMW, csrf, h.rateLimit("insight", h.limits.Insight))
	insights.POST("/summary", h.summarize)
	insights.POST("/quiz", h.quiz)

	api.GET("/reader/ws", authMW, h.readerSocket)
}

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// identityError answers with the classified identity error.
func identityError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch apperr.KindOf(err) {
	case apperr.Validation:
		status = http.StatusBadRequest
		if errors.Is(err, auth.ErrEmailInUse) {
			status = http.StatusConflict
		}
	case apperr.Authorization:
		status = http.StatusUnauthorized
	case apperr.Transient:
		status = http.StatusServiceUnavailable
		if errors.Is(err, auth.ErrRateLimited) {
			status = http.StatusTooManyRequests
		}
	}
	if status == http.StatusInternalServerError {
		logrus.WithError(err).Error("identity request failed")
	}
	c.JSON(status, gin.H{"error": apperr.Message(err), "code": auth.Code(err)})
}

func (h *Handler) registerUser(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	user, err := h.auth.SignUp(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		identityError(c, err)
		return
	}
	if !h.issueSession(c, user.ID) {
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"id":         user.ID,
		"email":      user.Email,
		"created_at": user.CreatedAt,
		"auth_token": c.GetString(authTokenKey),
	})
}

func (h *Handler) loginUser(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	user, err := h.auth.SignIn(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		identityError(c, err)
		return
	}
	if !h.issueSession(c, user.ID) {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":         user.ID,
		"email":      user.Email,
		"created_at": user.CreatedAt,
		"auth_token": c.GetString(authTokenKey),
	})
}

const authTokenKey = "issued_auth_token"

// issueSession mints a token and sets the auth and csrf cookies.
func (h *Handler) issueSession(c *gin.Context, userID string) bool {
	authToken, err := h.auth.IssueToken(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "issue token failed"})
		return false
	}
	csrfToken, err := h.auth.NewCSRFToken()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "issue token failed"})
		return false
	}
	h.setAuthCookies(c, authToken, csrfToken)
	c.Set(authTokenKey, authToken)
	return true
}

func (h *Handler) logoutUser(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	if authToken, ok := auth.AuthTokenFromContext(c); ok {
		if err := h.auth.SignOut(c.Request.Context(), authToken); err != nil {
			logrus.WithError(err).WithField("user_id", userID).Warn("revoke token failed")
		}
	}
	h.readers.ResetUser(userID)
	h.clearAuthCookies(c)
	c.Status(http.StatusNoContent)
}

func (h *Handler) deleteUser(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	if err := h.auth.RevokeUserTokens(ctx, userID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": apperr.Message(err)})
		return
	}
	h.readers.CloseUser(userID)
	if err := h.documents.RemoveAll(ctx, userID); err != nil {
		logrus.WithError(err).WithField("user_id", userID).Error("remove documents of deleted user failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete documents failed"})
		return
	}
	if err := h.auth.DeleteUser(ctx, userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": apperr.Message(err)})
		return
	}
	h.clearAuthCookies(c)
	c.Status(http.StatusNoContent)
}

func (h *Handler) setAuthCookies(c *gin.Context, authToken, csrfToken string) {
	ttl := int(h.auth.TokenTTL().Seconds())
	if ttl <= 0 {
		ttl = 3600
	}
	secure := gin.Mode() == gin.ReleaseMode
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     h.auth.AuthCookieName(),
		Value:    authToken,
		MaxAge:   ttl,
		Path:     "/",
		Secure:   secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     h.auth.CSRFCookieName(),
		Value:    csrfToken,
		MaxAge:   ttl,
		Path:     "/",
		Secure:   secure,
		HttpOnly: false,
		SameSite: http.SameSiteStrictMode,
	})
}

func (h *Handler) clearAuthCookies(c *gin.Context) {
	for _, name := range []string{h.auth.AuthCookieName(), h.auth.CSRFCookieName()} {
		http.SetCookie(c.Writer, &http.Cookie{
			Name:     name,
			Value:    "",
			MaxAge:   -1,
			Path:     "/",
			Secure:   gin.Mode() == gin.ReleaseMode,
			HttpOnly: name == h.auth.AuthCookieName(),
			SameSite: http.SameSiteStrictMode,
		})
	}
}
