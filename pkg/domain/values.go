package domain

// ---------------------------------------------------------------------------
// Shared value objects
// ---------------------------------------------------------------------------

// ChannelType represents the kind of session gateway.
type ChannelType string

const (
	ChannelWhatsApp ChannelType = "whatsapp"
	ChannelTelegram ChannelType = "telegram"
	ChannelDiscord  ChannelType = "discord"
	ChannelSlack    ChannelType = "slack"
	ChannelConsole  ChannelType = "console"
)

// String implements fmt.Stringer.
func (ct ChannelType) String() string { return string(ct) }

// ---------------------------------------------------------------------------

// ConnectionStatus represents the health state of any connectable resource.
type ConnectionStatus string

const (
	StatusConnected    ConnectionStatus = "connected"
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusConnecting   ConnectionStatus = "connecting"
	StatusError        ConnectionStatus = "error"
)

func (cs ConnectionStatus) String() string { return string(cs) }
