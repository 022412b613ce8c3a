package server

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"
)

// RegisterRoutes configures all API routes, middleware, and error handlers
func RegisterRoutes(e *echo.Echo, h *Handlers, cfg ServerConfig) {
	e.HTTPErrorHandler = NotFoundJSON()

	e.Use(SetJSONContentType)
	e.Use(SetNoCacheHeaders)

	// Optional API key authentication; health and metrics stay open for probes
	if cfg.APIKey != "" {
		e.Use(middleware.KeyAuthWithConfig(middleware.KeyAuthConfig{
			KeyLookup: "header:X-API-Key",
			Skipper: func(c echo.Context) bool {
				p := c.Request().URL.Path
				return p == "/v1/health" || p == "/metrics"
			},
			Validator: func(key string, c echo.Context) (bool, error) {
				return key == cfg.APIKey, nil
			},
		}))
	}

	if h.Metrics != nil {
		e.GET("/metrics", echo.WrapHandler(h.Metrics.Handler()))
	}

	v1 := e.Group("/v1")
	if cfg.RateLimit > 0 {
		v1.Use(middleware.RateLimiter(middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
			Rate:      rate.Limit(cfg.RateLimit),
			Burst:     cfg.RateBurst,
			ExpiresIn: 3 * time.Minute,
		})))
	}

	v1.GET("/health", h.Health)

	v1.POST("/wallets", h.AddWallet)
	v1.GET("/wallets", h.ListWallets)
	v1.DELETE("/wallets", h.RemoveAllWallets)
	v1.DELETE("/wallets/:address", h.RemoveWallet)

	v1.POST("/groups", h.CreateGroup)
	v1.GET("/groups", h.ListGroups)

	v1.GET("/transactions", h.ListTransactions)
	v1.GET("/transactions/stream", h.StreamTransactions)

	v1.POST("/prices", h.QuotePrices)
	v1.GET("/price/native", h.NativePrice)

	v1.GET("/pnl/tokens", h.TokensPnL)
	v1.GET("/pnl/tokens/:mint", h.TokenPnL)

	// AI endpoints with rate limiting
	aigroup := v1.Group("/ai")
	aigroup.Use(middleware.RateLimiter(middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
		Rate:      rate.Limit(0.2), // 1 request every 5 seconds
		Burst:     2,
		ExpiresIn: 2 * time.Minute,
	})))
	aigroup.POST("/ask", h.AIAsk)

	flagGroup := v1.Group("/flags")
	flagGroup.GET("", h.FlagsList)
	flagGroup.POST("", h.FlagsUpsert)
	flagGroup.GET("/:key", h.FlagsGet)
	flagGroup.PUT("/:key", h.FlagsUpdate)
	flagGroup.DELETE("/:key", h.FlagsDelete)

	e.RouteNotFound("/*", func(c echo.Context) error {
		return c.JSON(http.StatusNotFound, ErrorResponse{Error: "not found", Code: http.StatusNotFound})
	})
}
