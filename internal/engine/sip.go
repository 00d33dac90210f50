package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"nextgen-credit/internal/credit"
	"nextgen-credit/internal/firewall"
	"nextgen-credit/internal/router"
	"nextgen-credit/pkg/utils"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"go.uber.org/zap"
)

const hangupTimeout = 2 * time.Second

// SIPEngine proxies calls and reports the dialogs of tracked INVITEs to
// credit control.
type SIPEngine struct {
	server         *sipgo.Server
	client         *sipgo.Client
	router         *router.RoutingEngine
	cc             *credit.CallControl
	fw             *firewall.Firewall
	term           *DialogTerminator
	trackingHeader string
	logger         *zap.Logger
}

func NewSIPEngine(ua *sipgo.UserAgent, client *sipgo.Client, r *router.RoutingEngine, cc *credit.CallControl, fw *firewall.Firewall, trackingHeader string, logger *zap.Logger) (*SIPEngine, error) {
	s, err := sipgo.NewServer(ua)
	if err != nil {
		return nil, fmt.Errorf("create sip server: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SIPEngine{
		server:         s,
		client:         client,
		router:         r,
		cc:             cc,
		fw:             fw,
		term:           NewDialogTerminator(client, logger),
		trackingHeader: trackingHeader,
		logger:         logger.Named("sip"),
	}, nil
}

func (e *SIPEngine) Start(ctx context.Context, network, addr string) error {
	e.server.OnInvite(e.onInvite)
	e.server.OnRegister(e.onRegister)
	e.server.OnBye(e.onBye)
	e.server.OnOptions(e.onOptions)
	e.server.OnAck(e.onAck)

	e.logger.Info("sip listening", zap.String("addr", addr), zap.String("network", network))
	return e.server.ListenAndServe(ctx, network, addr)
}

func (e *SIPEngine) respond(req *sip.Request, tx sip.ServerTransaction, code int, reason string) {
	res := sip.NewResponseFromRequest(req, sip.StatusCode(code), reason, nil)
	if err := tx.Respond(res); err != nil {
		e.logger.Warn("respond failed", zap.Int("code", code), zap.Error(err))
	}
}

func (e *SIPEngine) allowed(req *sip.Request) bool {
	if e.fw == nil {
		return true
	}
	host, _, err := net.SplitHostPort(req.Source())
	if err != nil {
		host = req.Source()
	}
	return e.fw.IsAllowed(host)
}

// ─── Build proxy request (no Via pollution) ───────────────────────
func buildProxyRequest(method sip.RequestMethod, destURI sip.Uri, original *sip.Request) *sip.Request {
	newReq := sip.NewRequest(method, destURI)

	sip.CopyHeaders("From", original, newReq)
	sip.CopyHeaders("To", original, newReq)
	sip.CopyHeaders("Call-ID", original, newReq)
	sip.CopyHeaders("CSeq", original, newReq)
	sip.CopyHeaders("Contact", original, newReq)
	sip.CopyHeaders("Max-Forwards", original, newReq)
	sip.CopyHeaders("Content-Type", original, newReq)

	if original.Body() != nil {
		newReq.SetBody(original.Body())
	}
	return newReq
}

// parseDestination turns a registrar binding (host:port) into a request URI.
func parseDestination(dest string) (sip.Uri, error) {
	var uri sip.Uri

	raw := strings.TrimPrefix(dest, "sip:")
	if idx := strings.Index(raw, ";"); idx >= 0 {
		raw = raw[:idx]
	}
	if idx := strings.Index(raw, "@"); idx >= 0 {
		uri.User = raw[:idx]
		raw = raw[idx+1:]
	}

	host, portStr, err := net.SplitHostPort(raw)
	if err != nil {
		host = raw
	} else {
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return uri, fmt.Errorf("invalid port in %q", dest)
		}
		uri.Port = port
	}
	if host == "" {
		return uri, fmt.Errorf("no host in %q", dest)
	}
	uri.Host = host
	uri.UriParams = sip.NewParams()
	return uri, nil
}

func admissionResponse(err error) (int, string) {
	switch {
	case errors.Is(err, credit.ErrInvalidArgument):
		return 400, "Bad Request"
	case errors.Is(err, credit.ErrCreditExhausted):
		return 402, "Payment Required"
	case errors.Is(err, credit.ErrDraining):
		return 403, "Forbidden"
	case errors.Is(err, credit.ErrChannelLimit):
		return 486, "Busy Here"
	default:
		return 500, "Server Internal Error"
	}
}

// ─── REGISTER ─────────────────────────────────────────────────────
func (e *SIPEngine) onRegister(req *sip.Request, tx sip.ServerTransaction) {
	utils.SipRequestsTotal.WithLabelValues("REGISTER").Inc()
	if !e.allowed(req) {
		e.respond(req, tx, 403, "Forbidden")
		return
	}

	ttl, err := e.router.Register(context.Background(), req)
	if err != nil {
		e.logger.Error("registration failed", zap.String("source", req.Source()), zap.Error(err))
		e.respond(req, tx, 500, "Server Internal Error")
		return
	}

	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	res.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(int(ttl.Seconds()))))
	if err := tx.Respond(res); err != nil {
		e.logger.Warn("respond failed", zap.Error(err))
	}
}

// ─── INVITE (BLOCKING — keeps server tx alive) ───────────────────
func (e *SIPEngine) onInvite(req *sip.Request, tx sip.ServerTransaction) {
	utils.SipRequestsTotal.WithLabelValues("INVITE").Inc()
	if !e.allowed(req) {
		e.respond(req, tx, 403, "Forbidden")
		return
	}

	ctx := context.Background()
	callID := req.CallID().Value()
	tracked := req.GetHeader(e.trackingHeader) != nil
	log := e.logger.With(zap.String("call_id", callID))

	e.respond(req, tx, 100, "Trying")

	dest, err := e.router.Route(ctx, req)
	if err != nil {
		log.Info("routing failed", zap.Error(err))
		e.respond(req, tx, 404, "Not Found")
		return
	}
	destURI, err := parseDestination(dest)
	if err != nil {
		log.Warn("bad destination", zap.String("dest", dest), zap.Error(err))
		e.respond(req, tx, 502, "Bad Gateway")
		return
	}

	if tracked {
		p, err := creditParams(req)
		if err == nil {
			_, err = e.cc.StartCall(ctx, p)
		}
		if err != nil {
			code, reason := admissionResponse(err)
			log.Info("call refused by credit control", zap.Int("code", code), zap.Error(err))
			e.respond(req, tx, code, reason)
			return
		}
	}
	// Any exit without a confirmed dialog releases the tracked call.
	confirmed := false
	defer func() {
		if tracked && !confirmed {
			if err := e.cc.EndCall(ctx, callID); err != nil {
				log.Warn("end call failed", zap.Error(err))
			}
		}
	}()

	proxyReq := buildProxyRequest(sip.INVITE, destURI, req)
	clTx, err := e.client.TransactionRequest(ctx, proxyReq)
	if err != nil {
		log.Warn("forward failed", zap.Error(err))
		e.respond(req, tx, 503, "Service Unavailable")
		return
	}
	defer clTx.Terminate()

	for {
		select {
		case res, ok := <-clTx.Responses():
			if !ok || res == nil {
				log.Debug("response channel closed")
				return
			}
			if res.StatusCode == 100 {
				continue
			}

			relay := sip.NewResponseFromRequest(req, res.StatusCode, res.Reason, res.Body())
			sip.CopyHeaders("Content-Type", res, relay)
			if err := tx.Respond(relay); err != nil {
				log.Warn("relay failed", zap.Int("code", int(res.StatusCode)), zap.Error(err))
				return
			}
			if res.StatusCode < 200 {
				continue
			}
			if res.StatusCode >= 300 || !tracked {
				log.Debug("final response", zap.Int("code", int(res.StatusCode)))
				return
			}

			dlg := &Dialog{
				CallID:    callID,
				CallerReq: req,
				CallerRes: relay,
				CalleeReq: proxyReq,
				CalleeRes: res,
			}
			if err := e.cc.ConfirmCall(ctx, callID, dlg); err != nil {
				// Killed while ringing: the call is gone locally, hang up the new dialog.
				log.Warn("confirm failed, tearing down", zap.Error(err))
				go e.hangup(dlg)
				return
			}
			confirmed = true
			log.Info("call established")
			return
		case <-clTx.Done():
			log.Debug("client transaction done")
			return
		}
	}
}

func (e *SIPEngine) hangup(d *Dialog) {
	ctx, cancel := context.WithTimeout(context.Background(), hangupTimeout)
	defer cancel()
	if err := e.term.Teardown(ctx, d); err != nil {
		e.logger.Warn("hangup failed", zap.String("call_id", d.CallID), zap.Error(err))
	}
}

// ─── BYE (BLOCKING) ──────────────────────────────────────────────
func (e *SIPEngine) onBye(req *sip.Request, tx sip.ServerTransaction) {
	utils.SipRequestsTotal.WithLabelValues("BYE").Inc()
	ctx := context.Background()
	callID := req.CallID().Value()

	if err := e.cc.EndCall(ctx, callID); err != nil {
		e.logger.Warn("end call failed", zap.String("call_id", callID), zap.Error(err))
	}

	dest, err := e.router.Route(ctx, req)
	if err != nil {
		e.respond(req, tx, 200, "OK")
		return
	}
	destURI, err := parseDestination(dest)
	if err != nil {
		e.respond(req, tx, 200, "OK")
		return
	}

	proxyReq := buildProxyRequest(sip.BYE, destURI, req)
	clTx, err := e.client.TransactionRequest(ctx, proxyReq)
	if err != nil {
		e.logger.Debug("BYE relay failed", zap.String("call_id", callID), zap.Error(err))
		e.respond(req, tx, 200, "OK")
		return
	}

	defer clTx.Terminate()
	select {
	case res, ok := <-clTx.Responses():
		if ok && res != nil {
			e.respond(req, tx, int(res.StatusCode), res.Reason)
			return
		}
		e.respond(req, tx, 200, "OK")
	case <-clTx.Done():
		e.respond(req, tx, 200, "OK")
	}
}

// ─── ACK ──────────────────────────────────────────────────────────
func (e *SIPEngine) onAck(req *sip.Request, tx sip.ServerTransaction) {
	dest, err := e.router.Route(context.Background(), req)
	if err != nil {
		return
	}
	destURI, err := parseDestination(dest)
	if err != nil {
		return
	}

	// ACK for a 2xx is not a transaction; send it straight to the transport.
	if err := e.client.WriteRequest(buildProxyRequest(sip.ACK, destURI, req)); err != nil {
		e.logger.Debug("ACK relay failed", zap.String("call_id", req.CallID().Value()), zap.Error(err))
	}
}

// ─── OPTIONS ──────────────────────────────────────────────────────
func (e *SIPEngine) onOptions(req *sip.Request, tx sip.ServerTransaction) {
	e.respond(req, tx, 200, "OK")
}
