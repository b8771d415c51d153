package sip

import (
	"sync/atomic"
	"time"
)

// StatsReport is a snapshot of the stack counters.
type StatsReport struct {
	Time         time.Time        `json:"time"`
	Messages     MessageStats     `json:"messages"`
	Transactions TransactionStats `json:"transactions"`
	// Dialogs is a number of dialogs currently known to the transaction layer.
	Dialogs uint64 `json:"dialogs"`
}

type MessageStats struct {
	// RequestsReceived is a number of parsed and valid inbound requests.
	RequestsReceived uint64 `json:"requests_received"`
	// ResponsesReceived is a number of parsed and valid inbound responses.
	ResponsesReceived uint64 `json:"responses_received"`
	// Discarded is a number of inbound messages dropped as malformed or invalid.
	Discarded uint64 `json:"discarded"`
	// KeepAlives is a number of answered keep-alive pings.
	KeepAlives uint64 `json:"keep_alives"`
}

type TransactionStats struct {
	// InviteClientTransactions is a number of active invite client transactions.
	InviteClientTransactions uint64 `json:"invite_client_transactions"`
	// NonInviteClientTransactions is a number of active non-invite client transactions.
	NonInviteClientTransactions uint64 `json:"non_invite_client_transactions"`
	// InviteServerTransactions is a number of active invite server transactions.
	InviteServerTransactions uint64 `json:"invite_server_transactions"`
	// NonInviteServerTransactions is a number of active non-invite server transactions.
	NonInviteServerTransactions uint64 `json:"non_invite_server_transactions"`
	// InviteClientTransactionsTotal is a total number of created invite client transactions.
	InviteClientTransactionsTotal uint64 `json:"invite_client_transactions_total"`
	// NonInviteClientTransactionsTotal is a total number of created non-invite client transactions.
	NonInviteClientTransactionsTotal uint64 `json:"non_invite_client_transactions_total"`
	// InviteServerTransactionsTotal is a total number of created invite server transactions.
	InviteServerTransactionsTotal uint64 `json:"invite_server_transactions_total"`
	// NonInviteServerTransactionsTotal is a total number of created non-invite server transactions.
	NonInviteServerTransactionsTotal uint64 `json:"non_invite_server_transactions_total"`
}

type msgStats struct {
	inReqs,
	inRess,
	discarded,
	keepAlives atomic.Uint64
}

func (s *msgStats) report() MessageStats {
	return MessageStats{
		RequestsReceived:  s.inReqs.Load(),
		ResponsesReceived: s.inRess.Load(),
		Discarded:         s.discarded.Load(),
		KeepAlives:        s.keepAlives.Load(),
	}
}

type transactStats struct {
	invClnTxs,
	invSrvTxs,
	ninvClnTxs,
	ninvSrvTxs atomic.Int64

	invClnTxsTotal,
	invSrvTxsTotal,
	ninvClnTxsTotal,
	ninvSrvTxsTotal atomic.Uint64
}

func (s *transactStats) counters(typ TransactionType) (*atomic.Int64, *atomic.Uint64) {
	switch typ {
	case TransactionTypeClientInvite:
		return &s.invClnTxs, &s.invClnTxsTotal
	case TransactionTypeClientNonInvite:
		return &s.ninvClnTxs, &s.ninvClnTxsTotal
	case TransactionTypeServerInvite:
		return &s.invSrvTxs, &s.invSrvTxsTotal
	case TransactionTypeServerNonInvite:
		return &s.ninvSrvTxs, &s.ninvSrvTxsTotal
	default:
		return nil, nil
	}
}

func (s *transactStats) created(typ TransactionType) {
	if active, total := s.counters(typ); active != nil {
		active.Add(1)
		total.Add(1)
	}
}

func (s *transactStats) terminated(typ TransactionType) {
	if active, _ := s.counters(typ); active != nil {
		active.Add(-1)
	}
}

func (s *transactStats) report() TransactionStats {
	return TransactionStats{
		InviteClientTransactions:         clampToUint64(s.invClnTxs.Load()),
		NonInviteClientTransactions:      clampToUint64(s.ninvClnTxs.Load()),
		InviteServerTransactions:         clampToUint64(s.invSrvTxs.Load()),
		NonInviteServerTransactions:      clampToUint64(s.ninvSrvTxs.Load()),
		InviteClientTransactionsTotal:    s.invClnTxsTotal.Load(),
		NonInviteClientTransactionsTotal: s.ninvClnTxsTotal.Load(),
		InviteServerTransactionsTotal:    s.invSrvTxsTotal.Load(),
		NonInviteServerTransactionsTotal: s.ninvSrvTxsTotal.Load(),
	}
}

func clampToUint64(value int64) uint64 {
	if value <= 0 {
		return 0
	}
	return uint64(value)
}
