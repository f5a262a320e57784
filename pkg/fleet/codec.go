package fleet

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// EncodeClient encodes a gateway-side envelope to protobuf bytes.
// Used by tests and tooling; the server itself only decodes this
// direction.
func EncodeClient(m *ExternalClient) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("invalid client envelope: %w", err)
	}
	var b []byte
	switch {
	case m.Connect != nil:
		b = appendMessage(b, 1, appendConnect(nil, m.Connect))
	case m.Status != nil:
		b = appendMessage(b, 2, appendStatus(nil, m.Status))
	case m.CommandResponse != nil:
		b = appendMessage(b, 3, appendCommandResponse(nil, m.CommandResponse))
	}
	return b, nil
}

// DecodeClient decodes a gateway-side envelope from protobuf bytes.
func DecodeClient(data []byte) (*ExternalClient, error) {
	var m ExternalClient
	err := eachField(data, func(num protowire.Number, typ protowire.Type, v []byte) error {
		if typ != protowire.BytesType {
			return nil // not a field of ours, already skipped
		}
		switch num {
		case 1:
			c, err := consumeConnect(v)
			if err != nil {
				return err
			}
			m.Connect = c
		case 2:
			s, err := consumeStatus(v)
			if err != nil {
				return err
			}
			m.Status = s
		case 3:
			r, err := consumeCommandResponse(v)
			if err != nil {
				return err
			}
			m.CommandResponse = r
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to decode client envelope: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// EncodeServer encodes a server-side envelope to protobuf bytes.
func EncodeServer(m *ExternalServer) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("invalid server envelope: %w", err)
	}
	var b []byte
	switch {
	case m.ConnectResponse != nil:
		r := m.ConnectResponse
		var sub []byte
		sub = appendString(sub, 1, r.SessionID)
		sub = appendUint32(sub, 2, uint32(r.Type))
		b = appendMessage(b, 1, sub)
	case m.StatusResponse != nil:
		r := m.StatusResponse
		var sub []byte
		sub = appendString(sub, 1, r.SessionID)
		sub = appendUint32(sub, 2, uint32(r.Type))
		sub = appendUint32(sub, 3, r.MessageCounter)
		b = appendMessage(b, 2, sub)
	case m.Command != nil:
		c := m.Command
		var sub []byte
		sub = appendString(sub, 1, c.SessionID)
		sub = appendUint32(sub, 2, c.MessageCounter)
		var dc []byte
		dc = appendMessage(dc, 1, appendDevice(nil, c.DeviceCommand.Device))
		dc = appendBytes(dc, 2, c.DeviceCommand.CommandData)
		sub = appendMessage(sub, 3, dc)
		b = appendMessage(b, 3, sub)
	case m.Disconnect != nil:
		var sub []byte
		sub = appendString(sub, 1, m.Disconnect.SessionID)
		b = appendMessage(b, 4, sub)
	}
	return b, nil
}

// DecodeServer decodes a server-side envelope from protobuf bytes.
// Used by tests and tooling; the server itself only encodes this
// direction.
func DecodeServer(data []byte) (*ExternalServer, error) {
	var m ExternalServer
	err := eachField(data, func(num protowire.Number, typ protowire.Type, v []byte) error {
		if typ != protowire.BytesType {
			return nil
		}
		switch num {
		case 1:
			r, err := consumeConnectResponse(v)
			if err != nil {
				return err
			}
			m.ConnectResponse = r
		case 2:
			r, err := consumeStatusResponse(v)
			if err != nil {
				return err
			}
			m.StatusResponse = r
		case 3:
			c, err := consumeCommand(v)
			if err != nil {
				return err
			}
			m.Command = c
		case 4:
			d, err := consumeDisconnect(v)
			if err != nil {
				return err
			}
			m.Disconnect = d
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to decode server envelope: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Envelope constructors for the frames the server publishes.

// NewConnectResponse wraps a ConnectResponse in a server envelope.
func NewConnectResponse(sessionID string, t ConnectResponseType) *ExternalServer {
	return &ExternalServer{ConnectResponse: &ConnectResponse{SessionID: sessionID, Type: t}}
}

// NewStatusResponse wraps a StatusResponse in a server envelope.
func NewStatusResponse(sessionID string, t StatusResponseType, counter uint32) *ExternalServer {
	return &ExternalServer{StatusResponse: &StatusResponse{
		SessionID:      sessionID,
		Type:           t,
		MessageCounter: counter,
	}}
}

// NewCommand wraps a device command in a server envelope.
func NewCommand(sessionID string, counter uint32, device Device, data []byte) *ExternalServer {
	return &ExternalServer{Command: &Command{
		SessionID:      sessionID,
		MessageCounter: counter,
		DeviceCommand:  DeviceCommand{Device: device, CommandData: data},
	}}
}

// NewDisconnect wraps a Disconnect in a server envelope.
func NewDisconnect(sessionID string) *ExternalServer {
	return &ExternalServer{Disconnect: &Disconnect{SessionID: sessionID}}
}

// Encoding helpers. All follow proto3 semantics: zero scalars are
// omitted, nested messages are length prefixed.

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendUint32(b []byte, num protowire.Number, v uint32) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

func appendMessage(b []byte, num protowire.Number, sub []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, sub)
}

func appendDevice(b []byte, d Device) []byte {
	b = appendUint32(b, 1, d.Module)
	b = appendUint32(b, 2, d.DeviceType)
	b = appendString(b, 3, d.DeviceRole)
	b = appendString(b, 4, d.DeviceName)
	b = appendUint32(b, 5, d.Priority)
	return b
}

func appendConnect(b []byte, c *Connect) []byte {
	b = appendString(b, 1, c.SessionID)
	b = appendString(b, 2, c.Company)
	b = appendString(b, 3, c.VehicleName)
	for _, d := range c.Devices {
		b = appendMessage(b, 4, appendDevice(nil, d))
	}
	return b
}

func appendStatus(b []byte, s *Status) []byte {
	b = appendString(b, 1, s.SessionID)
	b = appendUint32(b, 2, uint32(s.DeviceState))
	b = appendUint32(b, 3, s.MessageCounter)
	var ds []byte
	ds = appendMessage(ds, 1, appendDevice(nil, s.DeviceStatus.Device))
	ds = appendBytes(ds, 2, s.DeviceStatus.StatusData)
	b = appendMessage(b, 4, ds)
	b = appendBytes(b, 5, s.ErrorMessage)
	return b
}

func appendCommandResponse(b []byte, r *CommandResponse) []byte {
	b = appendString(b, 1, r.SessionID)
	b = appendUint32(b, 2, uint32(r.Type))
	b = appendUint32(b, 3, r.MessageCounter)
	return b
}

// eachField walks the top level fields of data. fn sees length-delimited
// fields with their payload and varint fields with the value re-encoded
// as a varint for the consume helpers below; fixed-width and group
// fields are skipped without calling fn. fn ignores field numbers it
// does not know.
func eachField(data []byte, fn func(num protowire.Number, typ protowire.Type, value []byte) error) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]
		switch typ {
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			if err := fn(num, typ, v); err != nil {
				return err
			}
			data = data[n:]
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			if err := fn(num, typ, protowire.AppendVarint(nil, v)); err != nil {
				return err
			}
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			data = data[n:]
		}
	}
	return nil
}

func consumeUint32(v []byte) (uint32, error) {
	u, n := protowire.ConsumeVarint(v)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	return uint32(u), nil
}

func consumeDevice(data []byte) (Device, error) {
	var d Device
	err := eachField(data, func(num protowire.Number, typ protowire.Type, v []byte) error {
		var err error
		switch num {
		case 1:
			var u uint32
			if u, err = consumeUint32(v); err == nil {
				d.Module = u
			}
		case 2:
			var u uint32
			if u, err = consumeUint32(v); err == nil {
				d.DeviceType = u
			}
		case 3:
			d.DeviceRole = string(v)
		case 4:
			d.DeviceName = string(v)
		case 5:
			var u uint32
			if u, err = consumeUint32(v); err == nil {
				d.Priority = u
			}
		}
		return err
	})
	if err != nil {
		return d, fmt.Errorf("%w: %v", ErrMalformedDevice, err)
	}
	return d, nil
}

func consumeConnect(data []byte) (*Connect, error) {
	var c Connect
	err := eachField(data, func(num protowire.Number, typ protowire.Type, v []byte) error {
		switch num {
		case 1:
			c.SessionID = string(v)
		case 2:
			c.Company = string(v)
		case 3:
			c.VehicleName = string(v)
		case 4:
			d, err := consumeDevice(v)
			if err != nil {
				return err
			}
			c.Devices = append(c.Devices, d)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func consumeStatus(data []byte) (*Status, error) {
	var s Status
	err := eachField(data, func(num protowire.Number, typ protowire.Type, v []byte) error {
		var err error
		switch num {
		case 1:
			s.SessionID = string(v)
		case 2:
			var u uint32
			if u, err = consumeUint32(v); err == nil {
				s.DeviceState = DeviceState(u)
			}
		case 3:
			var u uint32
			if u, err = consumeUint32(v); err == nil {
				s.MessageCounter = u
			}
		case 4:
			err = eachField(v, func(num protowire.Number, typ protowire.Type, v []byte) error {
				switch num {
				case 1:
					d, err := consumeDevice(v)
					if err != nil {
						return err
					}
					s.DeviceStatus.Device = d
				case 2:
					s.DeviceStatus.StatusData = append([]byte(nil), v...)
				}
				return nil
			})
		case 5:
			s.ErrorMessage = append([]byte(nil), v...)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func consumeCommandResponse(data []byte) (*CommandResponse, error) {
	var r CommandResponse
	err := eachField(data, func(num protowire.Number, typ protowire.Type, v []byte) error {
		var err error
		switch num {
		case 1:
			r.SessionID = string(v)
		case 2:
			var u uint32
			if u, err = consumeUint32(v); err == nil {
				r.Type = CommandResponseType(u)
			}
		case 3:
			var u uint32
			if u, err = consumeUint32(v); err == nil {
				r.MessageCounter = u
			}
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func consumeConnectResponse(data []byte) (*ConnectResponse, error) {
	var r ConnectResponse
	err := eachField(data, func(num protowire.Number, typ protowire.Type, v []byte) error {
		var err error
		switch num {
		case 1:
			r.SessionID = string(v)
		case 2:
			var u uint32
			if u, err = consumeUint32(v); err == nil {
				r.Type = ConnectResponseType(u)
			}
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func consumeStatusResponse(data []byte) (*StatusResponse, error) {
	var r StatusResponse
	err := eachField(data, func(num protowire.Number, typ protowire.Type, v []byte) error {
		var err error
		switch num {
		case 1:
			r.SessionID = string(v)
		case 2:
			var u uint32
			if u, err = consumeUint32(v); err == nil {
				r.Type = StatusResponseType(u)
			}
		case 3:
			var u uint32
			if u, err = consumeUint32(v); err == nil {
				r.MessageCounter = u
			}
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func consumeCommand(data []byte) (*Command, error) {
	var c Command
	err := eachField(data, func(num protowire.Number, typ protowire.Type, v []byte) error {
		var err error
		switch num {
		case 1:
			c.SessionID = string(v)
		case 2:
			var u uint32
			if u, err = consumeUint32(v); err == nil {
				c.MessageCounter = u
			}
		case 3:
			err = eachField(v, func(num protowire.Number, typ protowire.Type, v []byte) error {
				switch num {
				case 1:
					d, err := consumeDevice(v)
					if err != nil {
						return err
					}
					c.DeviceCommand.Device = d
				case 2:
					c.DeviceCommand.CommandData = append([]byte(nil), v...)
				}
				return nil
			})
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func consumeDisconnect(data []byte) (*Disconnect, error) {
	var d Disconnect
	err := eachField(data, func(num protowire.Number, typ protowire.Type, v []byte) error {
		if num == 1 {
			d.SessionID = string(v)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &d, nil
}
