package engine

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"nextgen-credit/internal/auth"
	"nextgen-credit/internal/credit"
	"nextgen-credit/internal/firewall"
	"nextgen-credit/internal/models"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// AdminAPI exposes credit state and the administrative kill operations.
type AdminAPI struct {
	cc      *credit.CallControl
	issuer  *auth.Issuer
	fw      *firewall.Firewall
	nodeID  string
	logger  *zap.Logger
	started time.Time
	echo    *echo.Echo
}

// NewAdminAPI builds the HTTP surface. A nil issuer disables authentication.
func NewAdminAPI(cc *credit.CallControl, issuer *auth.Issuer, fw *firewall.Firewall, nodeID string, logger *zap.Logger) *AdminAPI {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &AdminAPI{
		cc:      cc,
		issuer:  issuer,
		fw:      fw,
		nodeID:  nodeID,
		logger:  logger.Named("admin"),
		started: time.Now(),
	}
	a.echo = a.routes()
	return a
}

func (a *AdminAPI) routes() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{echo.GET, echo.POST},
	}))

	e.GET("/healthz", a.healthz)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	api := e.Group("/api", a.guard)
	api.GET("/stats", a.getStats)

	// ─── Credit ──────────────────────────────────────────
	api.GET("/credit/clients", a.listClients)
	api.GET("/credit/clients/:client/calls", a.listClientCalls)
	api.POST("/credit/calls/:call_id/kill", a.killCall)
	api.POST("/credit/clients/:type/:client/terminate", a.terminateClient)
	api.POST("/credit/clients/:type/:client/max", a.addMaxAmount)

	// ─── Firewall ────────────────────────────────────────
	api.GET("/firewall", a.listBlocked)
	api.POST("/firewall/:ip/unblock", a.unblock)

	return e
}

func (a *AdminAPI) Handler() http.Handler { return a.echo }

func (a *AdminAPI) Start(addr string) error {
	if a.issuer == nil {
		a.logger.Warn("admin API running without authentication", zap.String("addr", addr))
	}
	a.logger.Info("admin API listening", zap.String("addr", addr))
	if err := a.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (a *AdminAPI) Shutdown(ctx context.Context) error {
	return a.echo.Shutdown(ctx)
}

func apiError(c echo.Context, status int, code, msg string) error {
	return c.JSON(status, map[string]string{"error": msg, "code": code})
}

// guard refuses blocked addresses and requests without a valid bearer token.
func (a *AdminAPI) guard(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		ip := c.RealIP()
		if a.fw != nil && !a.fw.IsAllowed(ip) {
			return apiError(c, http.StatusForbidden, "blocked", "address blocked")
		}
		if a.issuer == nil {
			return next(c)
		}

		header := c.Request().Header.Get(echo.HeaderAuthorization)
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			a.authFailed(ip)
			return apiError(c, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		}
		claims, err := a.issuer.ValidateToken(token)
		if err != nil {
			a.authFailed(ip)
			a.logger.Debug("token rejected", zap.String("ip", ip), zap.Error(err))
			return apiError(c, http.StatusUnauthorized, "unauthorized", "invalid token")
		}
		if a.fw != nil {
			a.fw.RecordSuccess(ip)
		}
		c.Set("subject", claims.Subject)
		return next(c)
	}
}

func (a *AdminAPI) authFailed(ip string) {
	if a.fw != nil {
		a.fw.RecordFailedAuth(ip)
	}
}

func (a *AdminAPI) healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// ─── Stats ───────────────────────────────────────────────────────────────────
func (a *AdminAPI) getStats(c echo.Context) error {
	clients := a.cc.ActiveClients()
	perType := make(map[models.CreditType]int, len(models.AllTypes))
	var calls int64
	for _, cl := range clients {
		perType[cl.Type]++
		calls += cl.ConcurrentCalls
	}
	var blocked int
	if a.fw != nil {
		blocked = len(a.fw.GetBlacklist())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"node_id":         a.nodeID,
		"active_clients":  len(clients),
		"clients_by_type": perType,
		"active_calls":    calls,
		"blocked_ips":     blocked,
		"uptime":          time.Since(a.started).Truncate(time.Second).String(),
	})
}

// ─── Credit ──────────────────────────────────────────────────────────────────
func (a *AdminAPI) listClients(c echo.Context) error {
	clients := a.cc.ActiveClients()
	if clients == nil {
		clients = []models.ClientSnapshot{}
	}
	return c.JSON(http.StatusOK, clients)
}

func (a *AdminAPI) listClientCalls(c echo.Context) error {
	calls, err := a.cc.ClientCalls(c.Param("client"))
	if err != nil {
		return a.creditError(c, err)
	}
	if calls == nil {
		calls = []models.CallSnapshot{}
	}
	return c.JSON(http.StatusOK, calls)
}

func (a *AdminAPI) killCall(c echo.Context) error {
	callID := c.Param("call_id")
	err := a.cc.KillCall(c.Request().Context(), callID)
	switch {
	case err == nil:
		a.logger.Info("call killed by admin", zap.String("call_id", callID), zap.Any("by", c.Get("subject")))
		return c.JSON(http.StatusOK, map[string]string{"call_id": callID, "status": "killed"})
	case errors.Is(err, credit.ErrRaceLost):
		return c.JSON(http.StatusOK, map[string]string{"call_id": callID, "status": "already terminated"})
	default:
		return a.creditError(c, err)
	}
}

func (a *AdminAPI) terminateClient(c echo.Context) error {
	typ, err := models.ParseCreditType(c.Param("type"))
	if err != nil {
		return apiError(c, http.StatusBadRequest, "invalid_argument", err.Error())
	}
	clientID := c.Param("client")
	n, err := a.cc.TerminateClient(c.Request().Context(), typ, clientID)
	if err != nil {
		return a.creditError(c, err)
	}
	a.logger.Info("client terminated by admin",
		zap.String("client_id", clientID),
		zap.String("type", string(typ)),
		zap.Int("terminated", n),
		zap.Any("by", c.Get("subject")))
	return c.JSON(http.StatusOK, map[string]interface{}{"client_id": clientID, "type": typ, "terminated": n})
}

func (a *AdminAPI) addMaxAmount(c echo.Context) error {
	typ, err := models.ParseCreditType(c.Param("type"))
	if err != nil {
		return apiError(c, http.StatusBadRequest, "invalid_argument", err.Error())
	}
	var body struct {
		Amount decimal.Decimal `json:"amount"`
	}
	if err := c.Bind(&body); err != nil {
		return apiError(c, http.StatusBadRequest, "invalid_argument", "amount must be a decimal")
	}
	limit, err := a.cc.AddMaxAmount(c.Request().Context(), typ, c.Param("client"), body.Amount)
	if err != nil {
		return a.creditError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"client_id": c.Param("client"), "type": typ, "max_amount": limit})
}

// ─── Firewall ────────────────────────────────────────────────────────────────
func (a *AdminAPI) listBlocked(c echo.Context) error {
	blocked := []string{}
	if a.fw != nil {
		blocked = a.fw.GetBlacklist()
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"blocked": blocked})
}

func (a *AdminAPI) unblock(c echo.Context) error {
	ip := c.Param("ip")
	if a.fw == nil || !a.fw.Unblock(ip) {
		return apiError(c, http.StatusNotFound, "not_found", "address is not blocked")
	}
	a.logger.Info("address unblocked by admin", zap.String("ip", ip), zap.Any("by", c.Get("subject")))
	return c.JSON(http.StatusOK, map[string]string{"ip": ip, "status": "unblocked"})
}

func (a *AdminAPI) creditError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, credit.ErrNotFound):
		return apiError(c, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, credit.ErrInvalidState):
		return apiError(c, http.StatusConflict, "invalid_state", err.Error())
	case errors.Is(err, credit.ErrInvalidArgument):
		return apiError(c, http.StatusBadRequest, "invalid_argument", err.Error())
	default:
		a.logger.Error("admin operation failed", zap.String("path", c.Path()), zap.Error(err))
		return apiError(c, http.StatusBadGateway, "teardown_failed", err.Error())
	}
}
