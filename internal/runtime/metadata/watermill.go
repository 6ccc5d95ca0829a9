package metadata

import "github.com/ThreeDotsLabs/watermill/message"

// FromMessage copies the headers of a Watermill message.
func FromMessage(msg *message.Message) Metadata {
	if msg == nil || len(msg.Metadata) == 0 {
		return Metadata{}
	}

	result := make(Metadata, len(msg.Metadata))
	for k, v := range msg.Metadata {
		result[k] = v
	}
	return result
}

// Apply writes md onto msg, keeping headers msg already had unless md
// overrides them.
func Apply(msg *message.Message, md Metadata) {
	if msg == nil {
		return
	}
	if msg.Metadata == nil {
		msg.Metadata = make(message.Metadata, len(md))
	}
	for k, v := range md {
		msg.Metadata.Set(k, v)
	}
}
