package sip

import "strconv"

// ResponseStatus is a SIP response status code.
type ResponseStatus uint16

// Response status codes used by the stack.
const (
	ResponseStatusTrying          ResponseStatus = 100
	ResponseStatusRinging         ResponseStatus = 180
	ResponseStatusSessionProgress ResponseStatus = 183

	ResponseStatusOK       ResponseStatus = 200
	ResponseStatusAccepted ResponseStatus = 202

	ResponseStatusMovedTemporarily ResponseStatus = 302

	ResponseStatusBadRequest                  ResponseStatus = 400
	ResponseStatusUnauthorized                ResponseStatus = 401
	ResponseStatusForbidden                   ResponseStatus = 403
	ResponseStatusNotFound                    ResponseStatus = 404
	ResponseStatusMethodNotAllowed            ResponseStatus = 405
	ResponseStatusProxyAuthenticationRequired ResponseStatus = 407
	ResponseStatusRequestTimeout              ResponseStatus = 408
	ResponseStatusTemporarilyUnavailable      ResponseStatus = 480
	ResponseStatusCallTransactionDoesNotExist ResponseStatus = 481
	ResponseStatusBusyHere                    ResponseStatus = 486
	ResponseStatusRequestTerminated           ResponseStatus = 487
	ResponseStatusRequestPending              ResponseStatus = 491

	ResponseStatusServerInternalError ResponseStatus = 500
	ResponseStatusNotImplemented      ResponseStatus = 501
	ResponseStatusServiceUnavailable  ResponseStatus = 503

	ResponseStatusBusyEverywhere ResponseStatus = 600
	ResponseStatusDecline        ResponseStatus = 603
)

var responseReasons = map[ResponseStatus]string{
	ResponseStatusTrying:          "Trying",
	ResponseStatusRinging:         "Ringing",
	ResponseStatusSessionProgress: "Session Progress",

	ResponseStatusOK:       "OK",
	ResponseStatusAccepted: "Accepted",

	ResponseStatusMovedTemporarily: "Moved Temporarily",

	ResponseStatusBadRequest:                  "Bad Request",
	ResponseStatusUnauthorized:                "Unauthorized",
	ResponseStatusForbidden:                   "Forbidden",
	ResponseStatusNotFound:                    "Not Found",
	ResponseStatusMethodNotAllowed:            "Method Not Allowed",
	ResponseStatusProxyAuthenticationRequired: "Proxy Authentication Required",
	ResponseStatusRequestTimeout:              "Request Timeout",
	ResponseStatusTemporarilyUnavailable:      "Temporarily Unavailable",
	ResponseStatusCallTransactionDoesNotExist: "Call/Transaction Does Not Exist",
	ResponseStatusBusyHere:                    "Busy Here",
	ResponseStatusRequestTerminated:           "Request Terminated",
	ResponseStatusRequestPending:              "Request Pending",

	ResponseStatusServerInternalError: "Server Internal Error",
	ResponseStatusNotImplemented:      "Not Implemented",
	ResponseStatusServiceUnavailable:  "Service Unavailable",

	ResponseStatusBusyEverywhere: "Busy Everywhere",
	ResponseStatusDecline:        "Decline",
}

// Reason returns the default reason phrase of the status.
func (s ResponseStatus) Reason() string {
	if r, ok := responseReasons[s]; ok {
		return r
	}
	return "Unknown Status"
}

// IsProvisional reports whether s is 1xx.
func (s ResponseStatus) IsProvisional() bool { return s >= 100 && s < 200 }

// IsSuccessful reports whether s is 2xx.
func (s ResponseStatus) IsSuccessful() bool { return s >= 200 && s < 300 }

// IsFinal reports whether s is 2xx-6xx.
func (s ResponseStatus) IsFinal() bool { return s >= 200 && s < 700 }

// IsFailure reports whether s is 3xx-6xx.
func (s ResponseStatus) IsFailure() bool { return s >= 300 && s < 700 }

// IsValid reports whether s is in the 100-699 range.
func (s ResponseStatus) IsValid() bool { return s >= 100 && s < 700 }

func (s ResponseStatus) String() string { return strconv.Itoa(int(s)) }
