package rithmic

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Template ids of the R|Protocol messages this adapter exchanges.
const (
	tmplLoginRequest         = 10
	tmplLoginResponse        = 11
	tmplLogoutRequest        = 12
	tmplLogoutResponse       = 13
	tmplOrderHistoryRequest  = 324
	tmplOrderHistoryResponse = 325
	tmplExchangeOrderNotify  = 352
	infraOrderPlant          = 2
	transactionBuy           = 1
	transactionSell          = 2
	notifyFill               = 5
	templateVersion          = "3.9"
	frameHeaderLen           = 4
)

// Field numbers, shared across message templates.
const (
	fTemplateID      protowire.Number = 154467
	fUserMsg         protowire.Number = 132760
	fRpCode          protowire.Number = 132766
	fUser            protowire.Number = 131003
	fPassword        protowire.Number = 130004
	fAppName         protowire.Number = 130002
	fAppVersion      protowire.Number = 131803
	fSystemName      protowire.Number = 153628
	fInfraType       protowire.Number = 153621
	fTemplateVersion protowire.Number = 153634
	fFcmID           protowire.Number = 154013
	fIbID            protowire.Number = 154014
	fAccountID       protowire.Number = 154008
	fDate            protowire.Number = 150500
	fSymbol          protowire.Number = 110100
	fExchange        protowire.Number = 110101
	fTransactionType protowire.Number = 112003
	fNotifyType      protowire.Number = 153625
	fFillPrice       protowire.Number = 110206
	fFillSize        protowire.Number = 110207
	fFillID          protowire.Number = 110208
	fSsboe           protowire.Number = 150100
	fUsecs           protowire.Number = 150101
	fCommission      protowire.Number = 154505
)

// message is a decoded R|Protocol payload. Only the wire types the
// protocol uses are retained.
type message struct {
	strs    map[protowire.Number][]string
	varints map[protowire.Number][]uint64
	doubles map[protowire.Number][]float64
}

func newMessage() *message {
	return &message{
		strs:    make(map[protowire.Number][]string),
		varints: make(map[protowire.Number][]uint64),
		doubles: make(map[protowire.Number][]float64),
	}
}

func (m *message) template() int { return int(m.uint(fTemplateID)) }

func (m *message) str(n protowire.Number) string {
	if v := m.strs[n]; len(v) > 0 {
		return v[0]
	}
	return ""
}

func (m *message) uint(n protowire.Number) uint64 {
	if v := m.varints[n]; len(v) > 0 {
		return v[0]
	}
	return 0
}

func (m *message) double(n protowire.Number) float64 {
	if v := m.doubles[n]; len(v) > 0 {
		return v[0]
	}
	return 0
}

// encoder builds a message body field by field.
type encoder struct{ b []byte }

func newEncoder(template int) *encoder {
	e := &encoder{}
	return e.varint(fTemplateID, uint64(template))
}

func (e *encoder) str(n protowire.Number, s string) *encoder {
	if s == "" {
		return e
	}
	e.b = protowire.AppendTag(e.b, n, protowire.BytesType)
	e.b = protowire.AppendString(e.b, s)
	return e
}

func (e *encoder) varint(n protowire.Number, v uint64) *encoder {
	e.b = protowire.AppendTag(e.b, n, protowire.VarintType)
	e.b = protowire.AppendVarint(e.b, v)
	return e
}

func (e *encoder) double(n protowire.Number, v float64) *encoder {
	e.b = protowire.AppendTag(e.b, n, protowire.Fixed64Type)
	e.b = protowire.AppendFixed64(e.b, math.Float64bits(v))
	return e
}

// frame prefixes the body with its big-endian length.
func (e *encoder) frame() []byte {
	out := make([]byte, frameHeaderLen, frameHeaderLen+len(e.b))
	binary.BigEndian.PutUint32(out, uint32(len(e.b)))
	return append(out, e.b...)
}

var errShortFrame = errors.New("rithmic: short frame")

// decodeFrame parses one length-prefixed message.
func decodeFrame(frame []byte) (*message, error) {
	if len(frame) < frameHeaderLen {
		return nil, errShortFrame
	}
	n := binary.BigEndian.Uint32(frame)
	body := frame[frameHeaderLen:]
	if int(n) != len(body) {
		return nil, fmt.Errorf("rithmic: frame length %d does not match body %d", n, len(body))
	}
	return decode(body)
}

func decode(b []byte) (*message, error) {
	m := newMessage()
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("rithmic: decode tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch typ {
		case protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, fmt.Errorf("rithmic: decode field %d: %w", num, protowire.ParseError(n))
			}
			m.strs[num] = append(m.strs[num], v)
			b = b[n:]
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("rithmic: decode field %d: %w", num, protowire.ParseError(n))
			}
			m.varints[num] = append(m.varints[num], v)
			b = b[n:]
		case protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return nil, fmt.Errorf("rithmic: decode field %d: %w", num, protowire.ParseError(n))
			}
			m.doubles[num] = append(m.doubles[num], math.Float64frombits(v))
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("rithmic: skip field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return m, nil
}
