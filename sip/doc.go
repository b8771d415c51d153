// Package sip implements the transaction and dialog layers of a SIP (RFC 3261) user agent.
//
// The package tracks the lifecycle of individual requests (client and server transactions,
// RFC 3261 Section 17 with the RFC 6026 updates) and the longer lived call state they establish
// (dialogs, RFC 3261 Section 12). Timer driven state machines retransmit and time out requests
// and responses exactly as the RFCs prescribe.
//
// The wire transport and hop resolution are consumed through the [Transport], [Flow] and
// [HopResolver] interfaces. The [Stack] type ties everything together and exposes
// [Stack.OnMessageReceived] as the single ingress point for raw messages.
//
// Every transaction and dialog owns a mutex guarding its state. Notifications registered with
// the On* methods are never called while that mutex is held: they are queued during the state
// change and delivered in order right after it, so a callback may safely call back into the
// same object.
package sip
