package flow

// TCPState tracks handshake progress. Teardown is not modelled, so
// Established is terminal.
type TCPState uint8

const (
	TCPClosed TCPState = iota
	TCPSynSent
	TCPSynReceived
	TCPSynAckSent
	TCPSynAckReceived
	TCPEstablished
)

func (s TCPState) String() string {
	switch s {
	case TCPClosed:
		return "closed"
	case TCPSynSent:
		return "syn_sent"
	case TCPSynReceived:
		return "syn_received"
	case TCPSynAckSent:
		return "synack_sent"
	case TCPSynAckReceived:
		return "synack_received"
	case TCPEstablished:
		return "established"
	default:
		return "unknown"
	}
}

// SendState is the credit-send side of a flow. Nothing in the dataplane
// moves it; a CreditHandler owns its transitions.
type SendState uint8

const (
	SendNone SendState = iota
	SendClosed
	SendCreditSending
	SendCreditStopReceived
)

func (s SendState) String() string {
	switch s {
	case SendNone:
		return "none"
	case SendClosed:
		return "closed"
	case SendCreditSending:
		return "credit_sending"
	case SendCreditStopReceived:
		return "credit_stop_received"
	default:
		return "unknown"
	}
}

// RecvState is the credit-receive side of a flow, owned by a CreditHandler
// like SendState.
type RecvState uint8

const (
	RecvNone RecvState = iota
	RecvClosed
	RecvCreditRequestSent
	RecvCreditReceiving
	RecvCreditStopSent
)

func (s RecvState) String() string {
	switch s {
	case RecvNone:
		return "none"
	case RecvClosed:
		return "closed"
	case RecvCreditRequestSent:
		return "credit_request_sent"
	case RecvCreditReceiving:
		return "credit_receiving"
	case RecvCreditStopSent:
		return "credit_stop_sent"
	default:
		return "unknown"
	}
}
