package message

// Signal options (RFC 8323 section 5). Their numbers are scoped to the signal code.
const (
	// CSM
	MaxMessageSize    OptionID = 2
	BlockWiseTransfer OptionID = 4
	// Ping, Pong
	Custody OptionID = 2
	// Release
	AlternativeAddress OptionID = 2
	HoldOff            OptionID = 4
	// Abort
	BadCSMOption OptionID = 2
)
