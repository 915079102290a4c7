package relay

import "github.com/SWAI-Ltd/advchain/internal/proto"

// Transform builds the outbound payload for a received record: tag followed
// by the application data found at the fixed record offset. The sender's
// framing and tag are discarded.
func Transform(raw []byte, tag uint16) (proto.Payload, error) {
	data, err := proto.DataAt(raw)
	if err != nil {
		return proto.Payload{}, err
	}
	return proto.Payload{Tag: tag, Data: data}, nil
}
