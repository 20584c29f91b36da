package mqttbroker

import (
	"bufio"
	"fmt"
	"io"
)

const (
	packetConnect     = 1
	packetPublish     = 3
	packetSubscribe   = 8
	packetUnsubscribe = 10
	packetPingReq     = 12
	packetDisconnect  = 14
)

// maxPacketSize bounds the remaining length accepted from clients.
const maxPacketSize = 1 << 20

func parsePublish(header byte, payload []byte) (PublishMessage, error) {
	qos := (header >> 1) & 0x03
	if qos != 0 {
		return PublishMessage{}, fmt.Errorf("unsupported qos %d", qos)
	}

	rd := bytesReader(payload)
	topic, err := rd.readString()
	if err != nil {
		return PublishMessage{}, fmt.Errorf("read topic: %w", err)
	}
	if topic == "" {
		return PublishMessage{}, fmt.Errorf("empty publish topic")
	}

	return PublishMessage{Topic: topic, Payload: rd.readBytes(rd.remaining())}, nil
}

func buildPublishPacket(topic string, payload []byte) ([]byte, error) {
	if len(topic) > 0xFFFF {
		return nil, fmt.Errorf("topic too long")
	}

	remaining := 2 + len(topic) + len(payload)
	packet := make([]byte, 0, 5+remaining)
	packet = append(packet, packetPublish<<4)
	packet = appendRemainingLength(packet, remaining)
	packet = appendString(packet, topic)
	return append(packet, payload...), nil
}

// buildAck builds a SUBACK or UNSUBACK. SUBACK carries one return code per
// filter; 0x80 marks a rejected filter.
func buildAck(packetType byte, packetID uint16, codes []byte) []byte {
	remaining := 2 + len(codes)
	packet := make([]byte, 0, 5+remaining)
	packet = append(packet, packetType)
	packet = appendRemainingLength(packet, remaining)
	packet = append(packet, byte(packetID>>8), byte(packetID))
	return append(packet, codes...)
}

func appendString(packet []byte, s string) []byte {
	packet = append(packet, byte(len(s)>>8), byte(len(s)))
	return append(packet, s...)
}

func appendRemainingLength(packet []byte, length int) []byte {
	for {
		digit := byte(length % 128)
		length /= 128
		if length > 0 {
			digit |= 0x80
		}
		packet = append(packet, digit)
		if length == 0 {
			return packet
		}
	}
}

func readRemainingLength(r *bufio.Reader) (int, error) {
	multiplier := 1
	value := 0
	for i := 0; i < 4; i++ {
		digit, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		value += int(digit&127) * multiplier
		if digit&128 == 0 {
			return value, nil
		}
		multiplier *= 128
	}
	return 0, fmt.Errorf("malformed remaining length")
}

type bytesReader []byte

func (b *bytesReader) readByte() (byte, error) {
	if len(*b) == 0 {
		return 0, io.EOF
	}
	v := (*b)[0]
	*b = (*b)[1:]
	return v, nil
}

func (b *bytesReader) readUint16() (uint16, error) {
	if len(*b) < 2 {
		return 0, io.EOF
	}
	v := uint16((*b)[0])<<8 | uint16((*b)[1])
	*b = (*b)[2:]
	return v, nil
}

func (b *bytesReader) readString() (string, error) {
	l, err := b.readUint16()
	if err != nil {
		return "", err
	}
	if len(*b) < int(l) {
		return "", io.ErrUnexpectedEOF
	}
	s := string((*b)[:l])
	*b = (*b)[l:]
	return s, nil
}

func (b *bytesReader) readBytes(n int) []byte {
	if len(*b) < n {
		n = len(*b)
	}
	out := make([]byte, n)
	copy(out, (*b)[:n])
	*b = (*b)[n:]
	return out
}

func (b *bytesReader) remaining() int {
	return len(*b)
}
