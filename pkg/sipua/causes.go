package sipua

// Причины завершения сессии, передаваемые в событиях ended и failed
const (
	CauseTerminated        = "Terminated"
	CauseCanceled          = "Canceled"
	CauseRejected          = "Rejected"
	CauseBusy              = "Busy"
	CauseUnavailable       = "Unavailable"
	CauseNotFound          = "Not Found"
	CauseAddressIncomplete = "Address Incomplete"
	CauseIncompatibleSDP   = "Incompatible SDP"
	CauseAuthentication    = "Authentication Error"
	CauseRequestTimeout    = "Request Timeout"
	CauseConnectionError   = "Connection Error"
	CauseBadMedia          = "Bad Media Description"
	CauseSIPFailure        = "SIP Failure Code"
	CauseNoAck             = "No ACK"
)

// causeFor переводит код финального ответа в причину
func causeFor(code int) string {
	switch code {
	case 486, 600:
		return CauseBusy
	case 403, 603:
		return CauseRejected
	case 408, 410, 430, 480:
		return CauseUnavailable
	case 404, 604:
		return CauseNotFound
	case 484, 485:
		return CauseAddressIncomplete
	case 487:
		return CauseCanceled
	case 401, 407:
		return CauseAuthentication
	case 488, 606:
		return CauseIncompatibleSDP
	}
	return CauseSIPFailure
}
