package communication

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Envelope field numbers. Messages and responses travel as protobuf-wire
// encoded bytes so every transport carries the same framing.
const (
	msgFieldFrom    protowire.Number = 1
	msgFieldType    protowire.Number = 2
	msgFieldPayload protowire.Number = 3

	respFieldCode    protowire.Number = 1
	respFieldBody    protowire.Number = 2
	respFieldHeaders protowire.Number = 3

	headerFieldKey   protowire.Number = 1
	headerFieldValue protowire.Number = 2
)

func MarshalMessage(msg Message) []byte {
	var b []byte
	b = protowire.AppendTag(b, msgFieldFrom, protowire.BytesType)
	b = protowire.AppendString(b, msg.From)
	b = protowire.AppendTag(b, msgFieldType, protowire.BytesType)
	b = protowire.AppendString(b, msg.Type)
	if len(msg.Payload) > 0 {
		b = protowire.AppendTag(b, msgFieldPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, msg.Payload)
	}
	return b
}

func UnmarshalMessage(b []byte) (Message, error) {
	var msg Message
	err := walkFields(b, func(num protowire.Number, val []byte) {
		switch num {
		case msgFieldFrom:
			msg.From = string(val)
		case msgFieldType:
			msg.Type = string(val)
		case msgFieldPayload:
			msg.Payload = append([]byte(nil), val...)
		}
	})
	if err != nil {
		return Message{}, err
	}
	if msg.Type == "" {
		return Message{}, fmt.Errorf("%w: missing message type", ErrEnvelopeUnmarshalFailed)
	}
	return msg, nil
}

func MarshalResponse(resp *Response) []byte {
	var b []byte
	b = protowire.AppendTag(b, respFieldCode, protowire.BytesType)
	b = protowire.AppendString(b, string(resp.Code))
	if len(resp.Body) > 0 {
		b = protowire.AppendTag(b, respFieldBody, protowire.BytesType)
		b = protowire.AppendBytes(b, resp.Body)
	}
	for k, v := range resp.Headers {
		var h []byte
		h = protowire.AppendTag(h, headerFieldKey, protowire.BytesType)
		h = protowire.AppendString(h, k)
		h = protowire.AppendTag(h, headerFieldValue, protowire.BytesType)
		h = protowire.AppendString(h, v)
		b = protowire.AppendTag(b, respFieldHeaders, protowire.BytesType)
		b = protowire.AppendBytes(b, h)
	}
	return b
}

func UnmarshalResponse(b []byte) (*Response, error) {
	resp := &Response{}
	var headerErr error
	err := walkFields(b, func(num protowire.Number, val []byte) {
		switch num {
		case respFieldCode:
			resp.Code = SandCode(val)
		case respFieldBody:
			resp.Body = append([]byte(nil), val...)
		case respFieldHeaders:
			var key, value string
			if err := walkFields(val, func(n protowire.Number, v []byte) {
				switch n {
				case headerFieldKey:
					key = string(v)
				case headerFieldValue:
					value = string(v)
				}
			}); err != nil {
				headerErr = err
				return
			}
			if resp.Headers == nil {
				resp.Headers = make(map[string]string)
			}
			resp.Headers[key] = value
		}
	})
	if err == nil {
		err = headerErr
	}
	if err != nil {
		return nil, err
	}
	if resp.Code == "" {
		return nil, fmt.Errorf("%w: missing response code", ErrEnvelopeUnmarshalFailed)
	}
	return resp, nil
}

// walkFields calls fn for every length-delimited field and skips fields of
// other wire types.
func walkFields(b []byte, fn func(num protowire.Number, val []byte)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrEnvelopeUnmarshalFailed, protowire.ParseError(n))
		}
		b = b[n:]

		if typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("%w: %v", ErrEnvelopeUnmarshalFailed, protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}

		val, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrEnvelopeUnmarshalFailed, protowire.ParseError(n))
		}
		fn(num, val)
		b = b[n:]
	}
	return nil
}
