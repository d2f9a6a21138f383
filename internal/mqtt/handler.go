package mqtt

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"strings"

	"randomness-sts/internal/config"
	"randomness-sts/internal/metrics"
)

// ErrEmptyPayload is returned for payloads that decode to no bytes.
var ErrEmptyPayload = errors.New("mqtt: empty payload")

// ChunkSink receives decoded sample bytes. *collector.SampleCollector
// satisfies it.
type ChunkSink interface {
	Add(chunk []byte)
}

// RxHandler implements Handler by decoding payloads into byte chunks and
// forwarding them to Sink. Encoding is one of config.PayloadRaw,
// config.PayloadHex or config.PayloadBase64; empty means raw.
type RxHandler struct {
	Sink            ChunkSink
	Encoding        string
	MaxPayloadBytes int // 0 means unlimited
}

// OnMessage decodes the payload and forwards it. Metadata topics are ignored
// and undecodable payloads are counted as dropped.
func (handler *RxHandler) OnMessage(topic string, payload []byte) {
	metrics.RecordMQTTMessage()

	if isMetaTopic(topic) {
		return
	}
	if handler.MaxPayloadBytes > 0 && len(payload) > handler.MaxPayloadBytes {
		metrics.RecordPayloadDropped("oversized")
		log.Printf("mqtt: dropping %d byte payload on %s (limit %d)", len(payload), topic, handler.MaxPayloadBytes)
		return
	}

	chunk, err := decodePayload(handler.Encoding, payload)
	if err != nil {
		reason := "decode_error"
		if errors.Is(err, ErrEmptyPayload) {
			reason = "empty"
		}
		metrics.RecordPayloadDropped(reason)
		log.Printf("mqtt: %s: %v", topic, err)
		return
	}

	metrics.RecordMQTTBytes(len(chunk))
	if handler.Sink != nil {
		handler.Sink.Add(chunk)
	} else {
		log.Printf("mqtt: rx topic=%s bytes=%d", topic, len(chunk))
	}
}

// isMetaTopic reports whether the topic carries publisher metadata rather
// than sample bytes.
func isMetaTopic(topic string) bool {
	lower := strings.ToLower(strings.TrimSpace(topic))
	return strings.HasSuffix(lower, "/meta") || strings.HasSuffix(lower, "/status")
}

// decodePayload converts an MQTT payload to sample bytes. Text encodings
// tolerate surrounding whitespace. The returned slice never aliases payload,
// which Paho may reuse.
func decodePayload(encoding string, payload []byte) ([]byte, error) {
	var (
		out []byte
		err error
	)
	switch strings.ToLower(encoding) {
	case "", config.PayloadRaw:
		out = bytes.Clone(payload)
	case config.PayloadHex:
		out, err = hex.DecodeString(string(bytes.TrimSpace(payload)))
	case config.PayloadBase64:
		text := string(bytes.TrimSpace(payload))
		out, err = base64.StdEncoding.DecodeString(text)
		if err != nil {
			out, err = base64.RawStdEncoding.DecodeString(text)
		}
	default:
		return nil, fmt.Errorf("mqtt: unsupported payload encoding %q", encoding)
	}
	if err != nil {
		return nil, fmt.Errorf("mqtt: decode %s payload: %w", encoding, err)
	}
	if len(out) == 0 {
		return nil, ErrEmptyPayload
	}
	return out, nil
}
