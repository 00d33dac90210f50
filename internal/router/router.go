package router

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"nextgen-credit/internal/registrar"

	"github.com/emiago/sipgo/sip"
	"go.uber.org/zap"
)

var ErrNoRoute = errors.New("router: no registration for destination")

// Registrar stores address-of-record bindings.
type Registrar interface {
	Register(ctx context.Context, aor, contact string, ttl time.Duration) error
	Lookup(ctx context.Context, aor string) (string, error)
}

// RoutingEngine resolves where to forward requests from registrar bindings.
type RoutingEngine struct {
	registrar Registrar
	logger    *zap.Logger
}

func NewRoutingEngine(reg Registrar, logger *zap.Logger) *RoutingEngine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RoutingEngine{registrar: reg, logger: logger.Named("router")}
}

// normalize strips an international prefix and a leading trunk zero so
// "+44 0100" and "0100" share a binding.
func normalize(user string) string {
	s := strings.TrimPrefix(user, "+")
	s = strings.TrimPrefix(s, "00")
	return strings.TrimLeft(s, "0")
}

// lookupKeys lists the binding keys a dialed user@host may be stored under,
// most specific first.
func lookupKeys(user, host string) []string {
	keys := []string{fmt.Sprintf("sip:%s@%s", user, host)}
	if n := normalize(user); n != "" && n != user {
		keys = append(keys, fmt.Sprintf("sip:%s@%s", n, host))
	}
	return keys
}

// Route returns the contact address for the request target.
func (e *RoutingEngine) Route(ctx context.Context, req *sip.Request) (string, error) {
	to := req.To()
	if to == nil {
		return "", fmt.Errorf("%s without To header: %w", req.Method, ErrNoRoute)
	}

	keys := lookupKeys(to.Address.User, to.Address.Host)
	for _, key := range keys {
		dest, err := e.registrar.Lookup(ctx, key)
		if err == nil {
			e.logger.Debug("route found", zap.String("key", key), zap.String("dest", dest))
			return dest, nil
		}
		if !errors.Is(err, registrar.ErrNotRegistered) {
			return "", err
		}
	}
	return "", fmt.Errorf("%s@%s: %w", to.Address.User, to.Address.Host, ErrNoRoute)
}

// Register stores the source address of a REGISTER under the keys Route
// will look up, returning the granted expiry.
func (e *RoutingEngine) Register(ctx context.Context, req *sip.Request) (time.Duration, error) {
	to := req.To()
	if to == nil {
		return 0, errors.New("router: REGISTER without To header")
	}
	ttl := expiresOf(req)

	for _, key := range lookupKeys(to.Address.User, to.Address.Host) {
		if err := e.registrar.Register(ctx, key, req.Source(), ttl); err != nil {
			return 0, err
		}
	}
	e.logger.Info("registered",
		zap.String("user", to.Address.User),
		zap.String("source", req.Source()),
		zap.Duration("expires", ttl))
	return ttl, nil
}

func expiresOf(req *sip.Request) time.Duration {
	if h := req.GetHeader("Expires"); h != nil {
		if n, err := strconv.Atoi(strings.TrimSpace(h.Value())); err == nil && n >= 0 {
			return time.Duration(n) * time.Second
		}
	}
	return registrar.DefaultTTL
}
