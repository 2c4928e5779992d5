package domain

// Channel is a delivery medium.
type Channel string

// Delivery channels.
const (
	ChannelEmail    Channel = "email"
	ChannelSMS      Channel = "sms"
	ChannelPush     Channel = "push"
	ChannelInApp    Channel = "in_app"
	ChannelWhatsApp Channel = "whatsapp"
)

// AllChannels lists channels in their canonical order.
var AllChannels = []Channel{
	ChannelEmail,
	ChannelSMS,
	ChannelPush,
	ChannelInApp,
	ChannelWhatsApp,
}

// IsValid reports whether c is a known channel.
func (c Channel) IsValid() bool {
	switch c {
	case ChannelEmail, ChannelSMS, ChannelPush, ChannelInApp, ChannelWhatsApp:
		return true
	}
	return false
}

// IsPlainText reports whether the channel renders bodies as plain text.
// Email is the only channel delivered as HTML.
func (c Channel) IsPlainText() bool {
	return c != ChannelEmail
}
