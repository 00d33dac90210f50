package engine

import (
	"fmt"
	"strconv"
	"strings"

	"nextgen-credit/internal/credit"
	"nextgen-credit/internal/models"

	"github.com/emiago/sipgo/sip"
	"github.com/shopspring/decimal"
)

const (
	HeaderCreditClient       = "X-Credit-Client"
	HeaderCreditType         = "X-Credit-Type"
	HeaderCreditMax          = "X-Credit-Max"
	HeaderCreditCost         = "X-Credit-Cost"
	HeaderCreditInitialPulse = "X-Credit-Initial-Pulse"
	HeaderCreditFinalPulse   = "X-Credit-Final-Pulse"
)

func headerValue(req *sip.Request, name string) string {
	if h := req.GetHeader(name); h != nil {
		return strings.TrimSpace(h.Value())
	}
	return ""
}

// creditParams reads the credit control parameters an upstream policy
// attached to the INVITE. The client defaults to the From user.
func creditParams(req *sip.Request) (credit.CallParams, error) {
	p := credit.CallParams{ClientID: headerValue(req, HeaderCreditClient)}
	if cid := req.CallID(); cid != nil {
		p.CallID = cid.Value()
	}
	if from := req.From(); from != nil {
		p.From = from.Address.String()
		if p.ClientID == "" {
			p.ClientID = from.Address.User
		}
	}
	if to := req.To(); to != nil {
		p.To = to.Address.String()
	}

	typ := models.CreditTime
	if v := headerValue(req, HeaderCreditType); v != "" {
		t, err := models.ParseCreditType(v)
		if err != nil {
			return p, fmt.Errorf("%w: %v", credit.ErrInvalidArgument, err)
		}
		typ = t
	}
	p.Type = typ

	var err error
	if p.MaxAmount, err = parseDecimalHeader(req, HeaderCreditMax); err != nil {
		return p, err
	}
	if typ != models.CreditMoney {
		return p, nil
	}

	if p.Tariff.CostPerSecond, err = parseDecimalHeader(req, HeaderCreditCost); err != nil {
		return p, err
	}
	if p.Tariff.InitialPulse, err = parsePulse(req, HeaderCreditInitialPulse); err != nil {
		return p, err
	}
	if p.Tariff.FinalPulse, err = parsePulse(req, HeaderCreditFinalPulse); err != nil {
		return p, err
	}
	return p, nil
}

func parseDecimalHeader(req *sip.Request, name string) (decimal.Decimal, error) {
	v := headerValue(req, name)
	if v == "" {
		return decimal.Zero, fmt.Errorf("%w: %s header is required", credit.ErrInvalidArgument, name)
	}
	d, err := decimal.NewFromString(v)
	if err != nil || d.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: %s: invalid amount %q", credit.ErrInvalidArgument, name, v)
	}
	return d, nil
}

// parsePulse defaults to one second when the header is absent.
func parsePulse(req *sip.Request, name string) (int64, error) {
	v := headerValue(req, name)
	if v == "" {
		return 1, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %s: invalid pulse %q", credit.ErrInvalidArgument, name, v)
	}
	return n, nil
}
