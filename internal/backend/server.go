// Package backend is the remote balance service: the authoritative credit
// account store agents sync against.
package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Run boots the balance service on the supplied database until the context is
// cancelled.
func Run(ctx context.Context, cfg Config, database *gorm.DB) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("zap init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := Migrate(database); err != nil {
		return err
	}

	router := setupRouter(cfg, database, logger)

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("balance service listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownGracePeriod)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func setupRouter(cfg Config, database *gorm.DB, logger *zap.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	registry := prometheus.NewRegistry()
	handler := &httpHandler{
		logger:   logger,
		accounts: newAccountStore(database, cfg),
		metrics:  newServiceMetrics(registry),
		cfg:      cfg,
	}

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	api := router.Group("/api/v1")
	api.Use(bearerAuth([]byte(cfg.TokenSigningKey), cfg.TokenIssuer))

	api.GET("/credits", handler.handleBalance)
	api.POST("/credits/grant", handler.handleGrant)
	api.POST("/credits/spend", handler.handleSpend)
	api.POST("/credits/emergency", handler.handleEmergency)
	api.DELETE("/credits", handler.handleReset)

	return router
}

type httpHandler struct {
	logger   *zap.Logger
	accounts *accountStore
	metrics  *serviceMetrics
	cfg      Config
}

// handleBalance returns the account, provisioning it on first contact.
func (handler *httpHandler) handleBalance(ctx *gin.Context) {
	account, err := handler.accounts.fetch(ctx.Request.Context(), authenticatedUser(ctx))
	if err != nil {
		handler.logger.Error("balance fetch failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("storage_error", "balance unavailable"))
		return
	}
	ctx.JSON(http.StatusOK, balancePayload(account))
}

func (handler *httpHandler) handleGrant(ctx *gin.Context) {
	var request grantRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	if request.Minutes <= 0 {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_minutes", "minutes must be greater than zero"))
		return
	}

	account, err := handler.accounts.grant(ctx.Request.Context(), authenticatedUser(ctx), request.Minutes)
	if err != nil {
		handler.logger.Error("grant failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("storage_error", "grant failed"))
		return
	}
	handler.metrics.grantedMinutes.Add(float64(request.Minutes))
	handler.logger.Info("minutes granted",
		zap.String("user", account.UserID),
		zap.Int64("minutes", request.Minutes),
		zap.String("source", request.Source))
	ctx.JSON(http.StatusOK, balancePayload(account))
}

// handleSpend deducts agent-reported usage. The balance floors at zero so a
// stale agent mirror cannot push the account negative.
func (handler *httpHandler) handleSpend(ctx *gin.Context) {
	var request spendRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	if request.Minutes <= 0 {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_minutes", "minutes must be greater than zero"))
		return
	}

	account, err := handler.accounts.spend(ctx.Request.Context(), authenticatedUser(ctx), request.Minutes)
	if err != nil {
		handler.logger.Error("spend failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("storage_error", "spend failed"))
		return
	}
	handler.metrics.spendMinutes.Add(float64(request.Minutes))
	handler.logger.Info("minutes spent",
		zap.String("user", account.UserID),
		zap.Int64("minutes", request.Minutes),
		zap.String("reason", strings.TrimSpace(request.Reason)))
	ctx.JSON(http.StatusOK, balancePayload(account))
}

// handleEmergency converts emergency allowance into spendable minutes. The
// per-grant cap and the remaining allowance are both enforced here, not
// trusted to the client.
func (handler *httpHandler) handleEmergency(ctx *gin.Context) {
	var request emergencyRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	if request.Minutes <= 0 {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_minutes", "minutes must be greater than zero"))
		return
	}
	if request.Minutes > handler.cfg.EmergencyGrantCap {
		ctx.JSON(http.StatusUnprocessableEntity, errorResponse("emergency_cap_exceeded",
			fmt.Sprintf("emergency grants are capped at %d minutes", handler.cfg.EmergencyGrantCap)))
		return
	}

	account, err := handler.accounts.grantEmergency(ctx.Request.Context(), authenticatedUser(ctx), request.Minutes)
	if err != nil {
		if errors.Is(err, errEmergencyExhausted) {
			ctx.JSON(http.StatusUnprocessableEntity, errorResponse("emergency_exhausted", "emergency allowance exhausted"))
			return
		}
		handler.logger.Error("emergency grant failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("storage_error", "emergency grant failed"))
		return
	}
	handler.metrics.emergencyGrants.Inc()
	handler.logger.Info("emergency grant honored",
		zap.String("user", account.UserID),
		zap.Int64("minutes", request.Minutes))
	ctx.JSON(http.StatusOK, balancePayload(account))
}

func (handler *httpHandler) handleReset(ctx *gin.Context) {
	account, err := handler.accounts.reset(ctx.Request.Context(), authenticatedUser(ctx))
	if err != nil {
		handler.logger.Error("reset failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("storage_error", "reset failed"))
		return
	}
	handler.metrics.accountResets.Inc()
	handler.logger.Info("account reset", zap.String("user", account.UserID))
	ctx.JSON(http.StatusOK, balancePayload(account))
}

func balancePayload(account CreditAccount) gin.H {
	return gin.H{
		"availableCredits": account.AvailableMinutes,
		"emergencyCredits": account.EmergencyMinutes,
		"maxDailyCredits":  account.MaxDailyMinutes,
	}
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

type grantRequest struct {
	Minutes int64  `json:"minutes"`
	Source  string `json:"source"`
}

type spendRequest struct {
	Minutes int64  `json:"minutes"`
	Reason  string `json:"reason"`
}

type emergencyRequest struct {
	Minutes int64 `json:"minutes"`
}
