package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"go.uber.org/zap"
)

// Dialog is the handle credit control passes back when it tears a call down.
type Dialog struct {
	CallID    string
	CallerReq *sip.Request  // INVITE received from the caller
	CallerRes *sip.Response // 2xx relayed to the caller
	CalleeReq *sip.Request  // INVITE forwarded to the callee
	CalleeRes *sip.Response // 2xx received from the callee
}

type transactFunc func(ctx context.Context, req *sip.Request) (*sip.Response, error)

// DialogTerminator ends established dialogs by sending BYE to both legs.
type DialogTerminator struct {
	transact transactFunc
	logger   *zap.Logger
}

func NewDialogTerminator(client *sipgo.Client, logger *zap.Logger) *DialogTerminator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DialogTerminator{
		transact: clientTransact(client),
		logger:   logger.Named("teardown"),
	}
}

// clientTransact sends req in a client transaction and waits for its final response.
func clientTransact(client *sipgo.Client) transactFunc {
	return func(ctx context.Context, req *sip.Request) (*sip.Response, error) {
		clTx, err := client.TransactionRequest(ctx, req)
		if err != nil {
			return nil, err
		}
		defer clTx.Terminate()

		for {
			select {
			case res, ok := <-clTx.Responses():
				if !ok || res == nil {
					return nil, errors.New("transaction closed without response")
				}
				if res.StatusCode < 200 {
					continue
				}
				return res, nil
			case <-clTx.Done():
				if err := clTx.Err(); err != nil {
					return nil, err
				}
				return nil, errors.New("transaction terminated")
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
}

// Teardown sends BYE toward callee and caller. It fails only when neither
// leg accepted the BYE, so a retry can be attempted.
func (t *DialogTerminator) Teardown(ctx context.Context, handle any) error {
	d, ok := handle.(*Dialog)
	if !ok || d == nil {
		return fmt.Errorf("teardown: unexpected dialog handle %T", handle)
	}

	var errs []error
	legs := []struct {
		name  string
		build func(*Dialog) (*sip.Request, error)
	}{
		{"callee", buildCalleeBye},
		{"caller", buildCallerBye},
	}
	for _, leg := range legs {
		bye, err := leg.build(d)
		if err == nil {
			err = t.send(ctx, bye)
		}
		if err != nil {
			t.logger.Warn("BYE failed",
				zap.String("call_id", d.CallID),
				zap.String("leg", leg.name),
				zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", leg.name, err))
			continue
		}
		t.logger.Debug("BYE accepted", zap.String("call_id", d.CallID), zap.String("leg", leg.name))
	}
	if len(errs) == len(legs) {
		return errors.Join(errs...)
	}
	return nil
}

func (t *DialogTerminator) send(ctx context.Context, bye *sip.Request) error {
	res, err := t.transact(ctx, bye)
	if err != nil {
		return err
	}
	// 481: the peer already considers the dialog gone.
	if res.StatusCode >= 300 && res.StatusCode != 481 {
		return fmt.Errorf("BYE rejected: %d %s", res.StatusCode, res.Reason)
	}
	return nil
}

// buildCalleeBye addresses the callee as the original caller would.
func buildCalleeBye(d *Dialog) (*sip.Request, error) {
	if d.CalleeReq == nil || d.CalleeRes == nil {
		return nil, errors.New("callee leg not established")
	}
	target := d.CalleeReq.Recipient
	if contact := d.CalleeRes.Contact(); contact != nil {
		target = contact.Address
	}
	from := d.CalleeReq.From()
	to := d.CalleeRes.To()
	if from == nil || to == nil {
		return nil, errors.New("callee leg missing From/To")
	}

	bye := sip.NewRequest(sip.BYE, target)
	bye.AppendHeader(fromHeader(from.DisplayName, from.Address, from.Params))
	bye.AppendHeader(toHeader(to.DisplayName, to.Address, to.Params))
	appendDialogHeaders(bye, d.CallID, nextSeq(d.CalleeReq))
	return bye, nil
}

// buildCallerBye addresses the caller as if the callee hung up: From and To
// swap, and the To tag we answered with becomes the From tag.
func buildCallerBye(d *Dialog) (*sip.Request, error) {
	if d.CallerReq == nil || d.CallerRes == nil {
		return nil, errors.New("caller leg not established")
	}
	target := d.CallerReq.Recipient
	if contact := d.CallerReq.Contact(); contact != nil {
		target = contact.Address
	}
	from := d.CallerRes.To()
	to := d.CallerReq.From()
	if from == nil || to == nil {
		return nil, errors.New("caller leg missing From/To")
	}

	bye := sip.NewRequest(sip.BYE, target)
	bye.AppendHeader(fromHeader(from.DisplayName, from.Address, from.Params))
	bye.AppendHeader(toHeader(to.DisplayName, to.Address, to.Params))
	appendDialogHeaders(bye, d.CallID, nextSeq(d.CallerReq))
	if src := d.CallerReq.Source(); src != "" {
		bye.SetDestination(src)
	}
	bye.SetTransport(d.CallerReq.Transport())
	return bye, nil
}

func nextSeq(invite *sip.Request) uint32 {
	if cseq := invite.CSeq(); cseq != nil {
		return cseq.SeqNo + 1
	}
	return 1
}

func appendDialogHeaders(req *sip.Request, callID string, seq uint32) {
	id := sip.CallIDHeader(callID)
	req.AppendHeader(&id)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: seq, MethodName: sip.BYE})
	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)
}

func copyParams(p sip.HeaderParams) sip.HeaderParams {
	out := sip.NewParams()
	for k, v := range p {
		out.Add(k, v)
	}
	return out
}

func fromHeader(name string, addr sip.Uri, params sip.HeaderParams) *sip.FromHeader {
	return &sip.FromHeader{DisplayName: name, Address: addr, Params: copyParams(params)}
}

func toHeader(name string, addr sip.Uri, params sip.HeaderParams) *sip.ToHeader {
	return &sip.ToHeader{DisplayName: name, Address: addr, Params: copyParams(params)}
}
