// Package connector links chat platforms to the agent fleet: inbound
// messages become agent input, agent state changes become chat
// notifications.
package connector

import (
	"context"
	"errors"
)

// State is the lifecycle state of a connector instance.
type State string

const (
	StateDisabled     State = "disabled"
	StateStarting     State = "starting"
	StateRunning      State = "running"
	StateReconnecting State = "reconnecting"
	StateStopping     State = "stopping"
	StateStopped      State = "stopped"
)

var (
	// ErrDisabled is returned by operations on a disabled instance.
	ErrDisabled = errors.New("connector is disabled")

	// ErrUnknownType marks a connector config with no registered factory.
	ErrUnknownType = errors.New("unknown connector type")

	// ErrMissingCredentials marks a connector config lacking required
	// credentials. The instance stays disabled instead of failing the load.
	ErrMissingCredentials = errors.New("missing connector credentials")
)

// Attachment is a file received from or sent to a chat platform.
type Attachment struct {
	Filename string
	MimeType string
	Data     []byte
}

// Inbound is a normalized message from a chat platform.
type Inbound struct {
	ConnectorID string
	ChannelID   string
	ChannelName string
	Sender      string
	Text        string
	Attachments []Attachment

	// Callback carries a button action payload ("approve:abc123") when the
	// message is a button press rather than typed text.
	Callback string
}

// Button is an inline action offered alongside an outbound message.
type Button struct {
	Label  string
	Action string
}

// InboundHandler receives normalized platform messages.
type InboundHandler func(ctx context.Context, msg Inbound)

// Connector is the minimal contract every chat platform adapter meets.
// Optional capabilities are separate interfaces so the router can feature-
// detect instead of every platform faking everything.
type Connector interface {
	ID() string
	Type() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	SendText(ctx context.Context, channelID, text string, buttons ...Button) error
	SetInboundHandler(h InboundHandler)
}

// MediaSender is implemented by connectors that can post files.
type MediaSender interface {
	SendMedia(ctx context.Context, channelID, caption string, att Attachment) error
}

// ChannelInfo describes one channel the connector can see.
type ChannelInfo struct {
	ID   string
	Name string
}

// ChannelLister is implemented by connectors that can enumerate channels.
type ChannelLister interface {
	ListChannels(ctx context.Context) ([]ChannelInfo, error)
}

// ChannelValidator is implemented by connectors that can verify a channel
// id before it is bound.
type ChannelValidator interface {
	ValidateChannel(ctx context.Context, channelID string) error
}
