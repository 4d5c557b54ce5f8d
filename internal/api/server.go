// Package api is the south-side HTTP surface: OpenAI, Anthropic and Gemini
// shaped chat endpoints over the dispatch engine, plus the admin account and
// quota management API.
package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/antihub/gateway/internal/account"
	"github.com/antihub/gateway/internal/config"
	"github.com/antihub/gateway/internal/dispatch"
	apperrors "github.com/antihub/gateway/internal/errors"
	"github.com/antihub/gateway/internal/logging"
	"github.com/antihub/gateway/internal/oauthflow"
	"github.com/antihub/gateway/internal/quota"
	"github.com/antihub/gateway/internal/token"
)

const oauthCallbackSuccessHTML = `<html><head><meta charset="utf-8"><title>Account linked</title><script>setTimeout(function(){window.close();},5000);</script></head><body><h1>Account linked!</h1><p>You can close this window.</p></body></html>`

// Dispatcher is the engine surface the handlers need. Narrowed to an
// interface so handler tests can substitute a fake.
type Dispatcher interface {
	Dispatch(ctx context.Context, req *dispatch.Request, sink dispatch.Sink) error
	ListModels(ctx context.Context, userID uint64) ([]string, error)
}

// Server is the gateway's HTTP server.
type Server struct {
	cfg        *config.Config
	store      *account.Store
	ledger     *quota.Ledger
	tokens     *token.Manager
	dispatcher Dispatcher
	flow       *oauthflow.Flow

	engine  *gin.Engine
	httpSrv *http.Server
}

// NewServer wires the gin engine and routes.
func NewServer(cfg *config.Config, store *account.Store, ledger *quota.Ledger, tokens *token.Manager, dispatcher Dispatcher, flow *oauthflow.Flow) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(logging.GinRecovery(), logging.GinLogrusLogger())

	s := &Server{
		cfg:        cfg,
		store:      store,
		ledger:     ledger,
		tokens:     tokens,
		dispatcher: dispatcher,
		flow:       flow,
		engine:     engine,
	}
	s.setupRoutes()
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) setupRoutes() {
	e := s.engine
	e.GET("/metrics", gin.WrapH(promhttp.Handler()))
	e.GET("/oauth/callback", s.handleOAuthCallback)

	chat := e.Group("/", s.userAuth())
	chat.POST("/v1/chat/completions", s.handleOpenAIChat)
	chat.POST("/v1/messages", s.handleAnthropicMessages)
	chat.GET("/v1/models", s.handleModels)
	chat.POST("/v1beta/models/:modelAction", s.handleGeminiGenerate)

	admin := e.Group("/api", s.adminAuth())
	admin.POST("/accounts/import", s.handleImportAccount)
	admin.GET("/accounts", s.handleListAccounts)
	admin.DELETE("/accounts/:provider/:id", s.handleDeleteAccount)
	admin.PUT("/accounts/:provider/:id/type", s.handleSetAccountType)
	admin.GET("/accounts/:provider/:id/quotas", s.handleAccountQuotas)
	admin.GET("/quotas/user", s.handleUserPools)
	admin.POST("/quotas/pool", s.handleProvisionPool)
	admin.GET("/quotas/consumption", s.handleConsumption)
	admin.POST("/oauth/antigravity/start", s.handleStartAntigravity)
	admin.POST("/oauth/kiro/device/start", s.handleStartKiroDevice)
	admin.GET("/oauth/sessions/:id", s.handleSessionStatus)
}

// Start begins serving and blocks until the listener closes.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpSrv = &http.Server{Addr: addr, Handler: s.engine}
	log.Infof("gateway listening on %s", addr)
	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop drains in-flight requests until ctx expires.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

const userContextKey = "gateway-user"

// userAuth resolves the caller from the bearer API key.
func (s *Server) userAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := bearerToken(c)
		if key == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errBody("missing API key", "unauthorized"))
			return
		}
		u, err := s.store.GetUserByAPIKey(c.Request.Context(), key)
		if err != nil {
			if errors.Is(err, account.ErrNotFound) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, errBody("invalid API key", "unauthorized"))
				return
			}
			c.AbortWithStatusJSON(http.StatusInternalServerError, errBody("auth lookup failed", "internal_error"))
			return
		}
		c.Set(userContextKey, u)
		c.Next()
	}
}

// adminAuth gates the management API behind the configured admin key.
func (s *Server) adminAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := bearerToken(c)
		if s.cfg.AdminKey == "" ||
			subtle.ConstantTimeCompare([]byte(key), []byte(s.cfg.AdminKey)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errBody("invalid admin key", "unauthorized"))
			return
		}
		c.Next()
	}
}

func bearerToken(c *gin.Context) string {
	auth := c.GetHeader("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	// Gemini-style clients send the key in x-goog-api-key.
	return strings.TrimSpace(c.GetHeader("x-goog-api-key"))
}

func currentUser(c *gin.Context) *account.User {
	v, ok := c.Get(userContextKey)
	if !ok {
		return nil
	}
	return v.(*account.User)
}

func errBody(message, typ string) gin.H {
	return gin.H{"error": gin.H{"message": message, "type": typ}}
}

// writeDispatchError maps a terminal dispatch error onto the caller's HTTP
// response.
func writeDispatchError(c *gin.Context, err error) {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		c.JSON(appErr.HTTPStatusCode, gin.H{"error": gin.H{
			"message": appErr.Message,
			"type":    appErr.Code,
		}})
		return
	}
	var statusErr apperrors.StatusError
	if errors.As(err, &statusErr) {
		c.JSON(statusErr.Code, errBody(statusErr.Msg, "upstream_error"))
		return
	}
	c.JSON(http.StatusBadGateway, errBody(err.Error(), "upstream_error"))
}

func (s *Server) handleOAuthCallback(c *gin.Context) {
	state := c.Query("state")
	code := c.Query("code")
	if state == "" || code == "" {
		c.String(http.StatusBadRequest, "missing state or code")
		return
	}
	if _, err := s.flow.SubmitCallback(c.Request.Context(), state, code); err != nil {
		c.String(http.StatusBadRequest, "account linking failed: %v", err)
		return
	}
	c.Header("Content-Type", "text/html; charset=utf-8")
	c.String(http.StatusOK, oauthCallbackSuccessHTML)
}
