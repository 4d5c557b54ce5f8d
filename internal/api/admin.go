package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/antihub/gateway/internal/account"
	"github.com/antihub/gateway/internal/oauthflow"
	"github.com/antihub/gateway/internal/quota"
)

type importAccountRequest struct {
	Provider     string `json:"provider" binding:"required"`
	UserID       uint64 `json:"user_id" binding:"required"`
	RefreshToken string `json:"refresh_token" binding:"required"`
	Shared       bool   `json:"shared"`

	// Kiro
	AuthMethod   string `json:"auth_method"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	Region       string `json:"region"`
	ProfileArn   string `json:"profile_arn"`

	// Qwen
	ResourceURL string `json:"resource_url"`
}

// handleImportAccount inserts an account from a bare refresh token. The
// token is validated by performing one refresh before the import is
// considered done; a rejected token removes the row again.
func (s *Server) handleImportAccount(c *gin.Context) {
	var req importAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errBody(err.Error(), "invalid_request_error"))
		return
	}
	ctx := c.Request.Context()
	provider := account.Provider(req.Provider)
	id := uuid.NewString()

	var err error
	switch provider {
	case account.ProviderAntigravity:
		err = s.store.CreateAntigravity(ctx, &account.AntigravityAccount{
			CookieID:     id,
			UserID:       req.UserID,
			RefreshToken: req.RefreshToken,
			Status:       account.StatusEnabled,
		})
	case account.ProviderKiro:
		authMethod := req.AuthMethod
		if authMethod == "" {
			authMethod = "social"
		}
		region := req.Region
		if region == "" {
			region = "us-east-1"
		}
		err = s.store.CreateKiro(ctx, &account.KiroAccount{
			ID:           id,
			UserID:       req.UserID,
			AuthMethod:   authMethod,
			RefreshToken: req.RefreshToken,
			ClientID:     req.ClientID,
			ClientSecret: req.ClientSecret,
			ProfileArn:   req.ProfileArn,
			MachineID:    uuid.NewString(),
			Region:       region,
			Status:       account.StatusEnabled,
		})
	case account.ProviderQwen:
		err = s.store.CreateQwen(ctx, &account.QwenAccount{
			ID:           id,
			UserID:       req.UserID,
			RefreshToken: req.RefreshToken,
			ResourceURL:  req.ResourceURL,
			Status:       account.StatusEnabled,
		})
	default:
		c.JSON(http.StatusBadRequest, errBody("unknown provider "+req.Provider, "invalid_request_error"))
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, errBody(err.Error(), "internal_error"))
		return
	}

	acc, err := s.store.GetByID(ctx, provider, id)
	if err == nil {
		_, err = s.tokens.ForceRefresh(ctx, acc)
	}
	if err != nil {
		if errDel := s.store.DeleteAccount(ctx, provider, id); errDel != nil {
			log.WithError(errDel).Warnf("remove rejected import %s", id)
		}
		c.JSON(http.StatusBadRequest, errBody("refresh token rejected: "+err.Error(), "invalid_request_error"))
		return
	}

	if req.Shared {
		if errShared := s.store.SetShared(ctx, provider, id, true); errShared != nil {
			c.JSON(http.StatusInternalServerError, errBody(errShared.Error(), "internal_error"))
			return
		}
		s.recomputePools(c, req.UserID)
	}
	c.JSON(http.StatusCreated, gin.H{"id": id, "provider": provider})
}

func (s *Server) handleListAccounts(c *gin.Context) {
	provider := account.Provider(c.Query("provider"))
	userID, err := strconv.ParseUint(c.Query("user_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, errBody("user_id is required", "invalid_request_error"))
		return
	}
	accounts, err := s.store.ListByUser(c.Request.Context(), provider, userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, errBody(err.Error(), "internal_error"))
		return
	}
	out := make([]gin.H, 0, len(accounts))
	for _, acc := range accounts {
		out = append(out, gin.H{
			"id":           acc.ID,
			"provider":     acc.Provider,
			"shared":       acc.Shared,
			"status":       acc.Status,
			"needs_reauth": acc.NeedsReauth,
			"expires_at":   acc.ExpiresAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"accounts": out})
}

func (s *Server) handleDeleteAccount(c *gin.Context) {
	provider := account.Provider(c.Param("provider"))
	id := c.Param("id")
	ctx := c.Request.Context()

	acc, err := s.store.GetByID(ctx, provider, id)
	if err != nil {
		c.JSON(http.StatusNotFound, errBody("account not found", "not_found"))
		return
	}
	if err = s.store.DeleteAccount(ctx, provider, id); err != nil {
		c.JSON(http.StatusInternalServerError, errBody(err.Error(), "internal_error"))
		return
	}
	if acc.Shared {
		s.recomputePools(c, acc.UserID)
	}
	c.Status(http.StatusNoContent)
}

// handleSetAccountType flips dedicated<->shared and re-derives the owner's
// pool ceilings.
func (s *Server) handleSetAccountType(c *gin.Context) {
	provider := account.Provider(c.Param("provider"))
	id := c.Param("id")
	var req struct {
		Shared bool `json:"shared"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errBody(err.Error(), "invalid_request_error"))
		return
	}
	ctx := c.Request.Context()
	acc, err := s.store.GetByID(ctx, provider, id)
	if err != nil {
		c.JSON(http.StatusNotFound, errBody("account not found", "not_found"))
		return
	}
	if err = s.store.SetShared(ctx, provider, id, req.Shared); err != nil {
		c.JSON(http.StatusInternalServerError, errBody(err.Error(), "internal_error"))
		return
	}
	s.recomputePools(c, acc.UserID)
	c.JSON(http.StatusOK, gin.H{"id": id, "shared": req.Shared})
}

func (s *Server) recomputePools(c *gin.Context, userID uint64) {
	ctx := c.Request.Context()
	n, err := s.store.CountSharedEnabled(ctx, userID)
	if err != nil {
		log.WithError(err).Warn("count shared accounts")
		return
	}
	if err = s.ledger.RecomputeMaxQuota(ctx, userID, n); err != nil {
		log.WithError(err).Warn("recompute pool ceilings")
	}
}

func (s *Server) handleAccountQuotas(c *gin.Context) {
	id := c.Param("id")
	fractions := s.ledger.AccountFractions(id)
	out := make([]gin.H, 0, len(fractions))
	for group, f := range fractions {
		out = append(out, gin.H{
			"group":      group,
			"fraction":   f.Value,
			"fetched_at": f.FetchedAt,
			"stale":      time.Since(f.FetchedAt) > quota.Staleness,
		})
	}
	c.JSON(http.StatusOK, gin.H{"account_id": id, "quotas": out})
}

func (s *Server) handleUserPools(c *gin.Context) {
	userID, err := strconv.ParseUint(c.Query("user_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, errBody("user_id is required", "invalid_request_error"))
		return
	}
	pools, err := s.ledger.ListPools(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, errBody(err.Error(), "internal_error"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"pools": pools})
}

func (s *Server) handleProvisionPool(c *gin.Context) {
	var req struct {
		UserID   uint64  `json:"user_id" binding:"required"`
		Group    string  `json:"group" binding:"required"`
		Quota    float64 `json:"quota"`
		MaxQuota float64 `json:"max_quota"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errBody(err.Error(), "invalid_request_error"))
		return
	}
	if err := s.ledger.ProvisionPool(c.Request.Context(), req.UserID, req.Group, req.Quota, req.MaxQuota); err != nil {
		c.JSON(http.StatusInternalServerError, errBody(err.Error(), "internal_error"))
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleConsumption(c *gin.Context) {
	userID, err := strconv.ParseUint(c.Query("user_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, errBody("user_id is required", "invalid_request_error"))
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	offset, _ := strconv.Atoi(c.Query("offset"))
	var since time.Time
	if raw := c.Query("since"); raw != "" {
		since, err = time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, errBody("since must be RFC3339", "invalid_request_error"))
			return
		}
	}
	rows, err := s.ledger.ListConsumption(c.Request.Context(), userID, since, limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, errBody(err.Error(), "internal_error"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"consumption": rows})
}

func (s *Server) handleStartAntigravity(c *gin.Context) {
	var req struct {
		UserID uint64 `json:"user_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errBody(err.Error(), "invalid_request_error"))
		return
	}
	session, err := s.flow.StartAntigravity(req.UserID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, errBody(err.Error(), "internal_error"))
		return
	}
	c.JSON(http.StatusOK, sessionBody(session))
}

func (s *Server) handleStartKiroDevice(c *gin.Context) {
	var req struct {
		UserID uint64 `json:"user_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errBody(err.Error(), "invalid_request_error"))
		return
	}
	session, err := s.flow.StartKiroDevice(c.Request.Context(), req.UserID)
	if err != nil {
		c.JSON(http.StatusBadGateway, errBody(err.Error(), "upstream_error"))
		return
	}
	c.JSON(http.StatusOK, sessionBody(session))
}

func (s *Server) handleSessionStatus(c *gin.Context) {
	session := s.flow.Registry().Get(c.Param("id"))
	if session == nil {
		c.JSON(http.StatusNotFound, errBody("unknown session", "not_found"))
		return
	}
	c.JSON(http.StatusOK, sessionBody(session))
}

func sessionBody(s *oauthflow.Session) gin.H {
	return gin.H{
		"session":               s,
		"poll_interval_seconds": int(oauthflow.PollInterval.Seconds()),
	}
}
