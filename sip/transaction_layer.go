package sip

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipstack/internal/errorutil"
	"github.com/ghettovoice/sipstack/internal/log"
)

// TransactionLayerOptions are the options for a [TransactionLayer].
type TransactionLayerOptions struct {
	// Timings are the transaction timings.
	// If zero, the RFC 3261 defaults are used.
	Timings TimingConfig
	// NewRequestSender is passed to the created dialogs, see [DialogOptions].
	NewRequestSender RequestSenderFactory
	// Log is the logger.
	// If nil, the [log.Default] is used.
	Log *slog.Logger
}

func (o *TransactionLayerOptions) timings() TimingConfig {
	if o == nil {
		return TimingConfig{}
	}
	return o.Timings
}

func (o *TransactionLayerOptions) newSender() RequestSenderFactory {
	if o == nil {
		return nil
	}
	return o.NewRequestSender
}

func (o *TransactionLayerOptions) log() *slog.Logger {
	if o == nil || o.Log == nil {
		return log.Default()
	}
	return o.Log
}

// TransactionLayer owns the registries of client transactions, server transactions and dialogs,
// and matches inbound messages to them.
//
// Transactions are registered on creation and removed the moment they reach the terminated state.
// Dialogs are removed the moment they reach the terminated state.
// Each registry has its own lock which is held only for lookup, insert and remove.
type TransactionLayer struct {
	tp        Transport
	timings   TimingConfig
	newSender RequestSenderFactory
	log       *slog.Logger

	clnMu  sync.RWMutex
	clnTxs map[ClientTransactionKey]ClientTransaction
	srvMu  sync.RWMutex
	srvTxs map[ServerTransactionKey]ServerTransaction
	dlgMu  sync.RWMutex
	dlgs   map[DialogID]Dialog
	stats  transactStats

	closing   atomic.Bool
	drained   chan struct{}
	drainOnce sync.Once
	closeOnce sync.Once
	closeErr  error
}

// NewTransactionLayer creates a new [TransactionLayer].
// Transport is required argument and expected to be non-nil.
// Options are optional, if nil, default values are used (see [TransactionLayerOptions]).
func NewTransactionLayer(tp Transport, opts *TransactionLayerOptions) (*TransactionLayer, error) {
	if tp == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid transport"))
	}
	return &TransactionLayer{
		tp:        tp,
		timings:   opts.timings(),
		newSender: opts.newSender(),
		log:       opts.log(),
		clnTxs:    make(map[ClientTransactionKey]ClientTransaction),
		srvTxs:    make(map[ServerTransactionKey]ServerTransaction),
		dlgs:      make(map[DialogID]Dialog),
		drained:   make(chan struct{}),
	}, nil
}

func (txl *TransactionLayer) txOpts() TransactionOptions {
	return TransactionOptions{Timings: txl.timings, Log: txl.log}
}

// CreateClientTransaction creates and registers a client transaction for the request.
// The request must already carry the top Via with a unique branch.
// The transaction is bound to the matching dialog, if any, and is not started.
func (txl *TransactionLayer) CreateClientTransaction(ctx context.Context, flow Flow, req *Request) (ClientTransaction, error) {
	if txl.closing.Load() {
		return nil, errtrace.Wrap(ErrTransactionLayerClosed)
	}

	tx, err := NewClientTransaction(req, flow, txl.tp, &ClientTransactionOptions{
		TransactionOptions: txl.txOpts(),
		Creator:            txl,
	})
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	key := tx.Key()
	txl.clnMu.Lock()
	if _, ok := txl.clnTxs[key]; ok {
		txl.clnMu.Unlock()
		tx.Dispose()
		return nil, errtrace.Wrap(ErrTransactionExists)
	}
	txl.clnTxs[key] = tx
	txl.clnMu.Unlock()
	txl.stats.created(tx.Type())

	tx.OnStateChanged(func(_ context.Context, _ Transaction, _, to TransactionState) {
		if to != TransactionStateTerminated {
			return
		}
		txl.stats.terminated(tx.Type())
		txl.clnMu.Lock()
		if txl.clnTxs[key] == tx {
			delete(txl.clnTxs, key)
		}
		txl.clnMu.Unlock()
		txl.checkDrained()
	})

	txl.bindToDialog(tx, req, false)

	txl.log.LogAttrs(ctx, slog.LevelDebug, "client transaction registered", slog.Any("transaction", tx))

	return tx, nil
}

// CreateServerTransaction creates and registers a server transaction for the received request.
func (txl *TransactionLayer) CreateServerTransaction(ctx context.Context, flow Flow, req *Request) (ServerTransaction, error) {
	if txl.closing.Load() {
		return nil, errtrace.Wrap(ErrTransactionLayerClosed)
	}

	tx, err := NewServerTransaction(req, flow, txl.tp, &ServerTransactionOptions{
		TransactionOptions: txl.txOpts(),
	})
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	key := tx.Key()
	txl.srvMu.Lock()
	if _, ok := txl.srvTxs[key]; ok {
		txl.srvMu.Unlock()
		tx.Dispose()
		return nil, errtrace.Wrap(ErrTransactionExists)
	}
	txl.srvTxs[key] = tx
	txl.srvMu.Unlock()
	txl.stats.created(tx.Type())

	tx.OnStateChanged(func(_ context.Context, _ Transaction, _, to TransactionState) {
		if to != TransactionStateTerminated {
			return
		}
		txl.stats.terminated(tx.Type())
		txl.srvMu.Lock()
		if txl.srvTxs[key] == tx {
			delete(txl.srvTxs, key)
		}
		txl.srvMu.Unlock()
		txl.checkDrained()
	})

	txl.bindToDialog(tx, req, true)

	txl.log.LogAttrs(ctx, slog.LevelDebug, "server transaction registered", slog.Any("transaction", tx))

	return tx, nil
}

type transactionBinder interface {
	addTransaction(tx Transaction)
}

func (txl *TransactionLayer) bindToDialog(tx Transaction, req *Request, asUAS bool) {
	id, ok := DialogIDFromMessage(req, asUAS)
	if !ok {
		return
	}
	txl.dlgMu.RLock()
	dlg, ok := txl.dlgs[id]
	txl.dlgMu.RUnlock()
	if !ok {
		return
	}
	if b, ok := dlg.(transactionBinder); ok {
		b.addTransaction(tx)
	}
}

// MatchClientTransaction returns the client transaction the response belongs to (RFC 3261 Section 17.1.3).
func (txl *TransactionLayer) MatchClientTransaction(res *Response) (ClientTransaction, bool) {
	key, err := ClientTransactionKeyFromMessage(res)
	if err != nil {
		return nil, false
	}
	txl.clnMu.RLock()
	defer txl.clnMu.RUnlock()
	tx, ok := txl.clnTxs[key]
	return tx, ok
}

// MatchServerTransaction returns the server transaction the request belongs to (RFC 3261 Section 17.2.3).
// ACK matching an already terminated INVITE transaction is not matched,
// so it can be processed as an ACK to 2xx by the dialog or the application.
func (txl *TransactionLayer) MatchServerTransaction(req *Request) (ServerTransaction, bool) {
	key, err := ServerTransactionKeyFromMessage(req)
	if err != nil {
		return nil, false
	}
	txl.srvMu.RLock()
	tx, ok := txl.srvTxs[key]
	txl.srvMu.RUnlock()
	if !ok {
		return nil, false
	}
	if req.Method == RequestMethodAck {
		if tx.Method() != RequestMethodInvite || tx.State() == TransactionStateTerminated {
			return nil, false
		}
	} else if tx.Method() != req.Method {
		return nil, false
	}
	return tx, true
}

// MatchCancelToTransaction returns the server transaction the CANCEL request cancels
// (RFC 3261 Section 9.2).
func (txl *TransactionLayer) MatchCancelToTransaction(cancel *Request) (ServerTransaction, bool) {
	if cancel == nil || cancel.Method != RequestMethodCancel {
		return nil, false
	}
	key, err := ServerTransactionKeyFromMessage(cancel)
	if err != nil {
		return nil, false
	}
	key.Cancel = false

	txl.srvMu.RLock()
	defer txl.srvMu.RUnlock()
	tx, ok := txl.srvTxs[key]
	return tx, ok
}

// EnsureServerTransaction returns the server transaction matched to the request,
// creating it if there is none.
func (txl *TransactionLayer) EnsureServerTransaction(ctx context.Context, flow Flow, req *Request) (ServerTransaction, error) {
	if tx, ok := txl.MatchServerTransaction(req); ok {
		return tx, nil
	}
	return errtrace.Wrap2(txl.CreateServerTransaction(ctx, flow, req))
}

// GetOrCreateDialog returns the dialog established by the transaction and the 1xx or 2xx response,
// creating and registering it if needed.
func (txl *TransactionLayer) GetOrCreateDialog(tx Transaction, res *Response) (Dialog, error) {
	if tx == nil || res == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid transaction or response"))
	}
	id, ok := DialogIDFromMessage(res, !tx.Type().IsClient())
	if !ok {
		return nil, errtrace.Wrap(NewInvalidArgumentError("response does not identify a dialog"))
	}

	txl.dlgMu.Lock()
	defer txl.dlgMu.Unlock()

	if dlg, ok := txl.dlgs[id]; ok {
		return dlg, nil
	}
	if txl.closing.Load() {
		return nil, errtrace.Wrap(ErrTransactionLayerClosed)
	}

	dlg, err := NewDialog(tx, res, &DialogOptions{
		NewRequestSender: txl.newSender,
		Log:              txl.log,
	})
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	txl.dlgs[id] = dlg
	dlg.OnStateChanged(func(_ context.Context, dlg Dialog, _, to DialogState) {
		if to != DialogStateTerminated {
			return
		}
		txl.dlgMu.Lock()
		if txl.dlgs[id] == dlg {
			delete(txl.dlgs, id)
		}
		txl.dlgMu.Unlock()
	})
	return dlg, nil
}

// MatchDialog returns the dialog the in-dialog message belongs to.
// Requests are matched from the UAS point of view, responses from the UAC one.
func (txl *TransactionLayer) MatchDialog(msg Message) (Dialog, bool) {
	_, isReq := msg.(*Request)
	id, ok := DialogIDFromMessage(msg, isReq)
	if !ok {
		return nil, false
	}
	txl.dlgMu.RLock()
	defer txl.dlgMu.RUnlock()
	dlg, ok := txl.dlgs[id]
	return dlg, ok
}

// Transactions returns a snapshot of all registered transactions.
func (txl *TransactionLayer) Transactions() []Transaction {
	txl.clnMu.RLock()
	txs := make([]Transaction, 0, len(txl.clnTxs))
	for tx := range maps.Values(txl.clnTxs) {
		txs = append(txs, tx)
	}
	txl.clnMu.RUnlock()

	txl.srvMu.RLock()
	for tx := range maps.Values(txl.srvTxs) {
		txs = append(txs, tx)
	}
	txl.srvMu.RUnlock()
	return txs
}

// Dialogs returns a snapshot of all registered dialogs.
func (txl *TransactionLayer) Dialogs() []Dialog {
	txl.dlgMu.RLock()
	defer txl.dlgMu.RUnlock()
	return slices.Collect(maps.Values(txl.dlgs))
}

// Stats returns the transaction counters.
func (txl *TransactionLayer) Stats() TransactionStats { return txl.stats.report() }

func (txl *TransactionLayer) numTransactions() int {
	txl.clnMu.RLock()
	n := len(txl.clnTxs)
	txl.clnMu.RUnlock()
	txl.srvMu.RLock()
	n += len(txl.srvTxs)
	txl.srvMu.RUnlock()
	return n
}

func (txl *TransactionLayer) checkDrained() {
	if txl.closing.Load() && txl.numTransactions() == 0 {
		txl.drainOnce.Do(func() { close(txl.drained) })
	}
}

// Close stops accepting new transactions and waits until the registered transactions
// terminate by themselves or the context is done.
// Remaining transactions are then terminated and all dialogs are disposed.
func (txl *TransactionLayer) Close(ctx context.Context) error {
	txl.closing.Store(true)
	txl.closeOnce.Do(func() {
		txl.closeErr = txl.close(ctx)
	})
	return errtrace.Wrap(txl.closeErr)
}

func (txl *TransactionLayer) close(ctx context.Context) error {
	txl.checkDrained()

	select {
	case <-txl.drained:
	case <-ctx.Done():
		txl.log.LogAttrs(ctx, slog.LevelWarn, "transaction layer close deadline exceeded, terminating transactions",
			slog.Int("transactions", txl.numTransactions()),
		)
	}

	var errs []error
	for _, tx := range txl.Transactions() {
		if err := tx.Terminate(context.WithoutCancel(ctx)); err != nil {
			errs = append(errs, fmt.Errorf("terminate transaction %q: %w", tx.ID(), err))
		}
	}
	for _, dlg := range txl.Dialogs() {
		dlg.Dispose()
	}

	if len(errs) == 0 {
		return nil
	}
	return errtrace.Wrap(errorutil.JoinPrefix("failed to close transaction layer:", errs...))
}
