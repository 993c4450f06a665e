package message

import (
	"github.com/mailru/easyjson"
	"github.com/mailru/easyjson/jlexer"
	"github.com/mailru/easyjson/jwriter"
)

var (
	_ easyjson.Marshaler   = Envelope{}
	_ easyjson.Unmarshaler = (*Envelope)(nil)
	_ easyjson.Marshaler   = WindowMessage{}
	_ easyjson.Unmarshaler = (*WindowMessage)(nil)
)

// MarshalEasyJSON supports easyjson.Marshaler interface.
func (e Envelope) MarshalEasyJSON(out *jwriter.Writer) {
	out.RawString(`{"from":`)
	out.String(string(e.From))
	out.RawString(`,"type":`)
	out.String(string(e.Type))
	if len(e.Payload) != 0 {
		out.RawString(`,"payload":`)
		out.Raw(e.Payload, nil)
	}
	out.RawByte('}')
}

// MarshalJSON supports json.Marshaler interface.
func (e Envelope) MarshalJSON() ([]byte, error) {
	w := jwriter.Writer{}
	e.MarshalEasyJSON(&w)
	return w.Buffer.BuildBytes(), w.Error
}

// UnmarshalEasyJSON supports easyjson.Unmarshaler interface.
func (e *Envelope) UnmarshalEasyJSON(in *jlexer.Lexer) {
	isTopLevel := in.IsStart()
	if in.IsNull() {
		if isTopLevel {
			in.Consumed()
		}
		in.Skip()
		return
	}
	in.Delim('{')
	for !in.IsDelim('}') {
		key := in.UnsafeFieldName(false)
		in.WantColon()
		if in.IsNull() {
			in.Skip()
			in.WantComma()
			continue
		}
		switch key {
		case "from":
			e.From = Source(in.String())
		case "type":
			e.Type = Type(in.String())
		case "payload":
			e.Payload = append(e.Payload[:0], in.Raw()...)
		default:
			in.SkipRecursive()
		}
		in.WantComma()
	}
	in.Delim('}')
	if isTopLevel {
		in.Consumed()
	}
}

// UnmarshalJSON supports json.Unmarshaler interface.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	r := jlexer.Lexer{Data: data}
	e.UnmarshalEasyJSON(&r)
	return r.Error()
}

// MarshalEasyJSON supports easyjson.Marshaler interface.
func (m WindowMessage) MarshalEasyJSON(out *jwriter.Writer) {
	out.RawString(`{"source":`)
	out.String(m.Source)
	out.RawString(`,"payload":{"type":`)
	out.String(string(m.Payload.Type))
	if len(m.Payload.Data) != 0 {
		out.RawString(`,"data":`)
		out.Raw(m.Payload.Data, nil)
	}
	out.RawString(`}}`)
}

// MarshalJSON supports json.Marshaler interface.
func (m WindowMessage) MarshalJSON() ([]byte, error) {
	w := jwriter.Writer{}
	m.MarshalEasyJSON(&w)
	return w.Buffer.BuildBytes(), w.Error
}

// UnmarshalEasyJSON supports easyjson.Unmarshaler interface.
func (m *WindowMessage) UnmarshalEasyJSON(in *jlexer.Lexer) {
	isTopLevel := in.IsStart()
	if in.IsNull() {
		if isTopLevel {
			in.Consumed()
		}
		in.Skip()
		return
	}
	in.Delim('{')
	for !in.IsDelim('}') {
		key := in.UnsafeFieldName(false)
		in.WantColon()
		if in.IsNull() {
			in.Skip()
			in.WantComma()
			continue
		}
		switch key {
		case "source":
			m.Source = in.String()
		case "payload":
			m.Payload.unmarshalEasyJSON(in)
		default:
			in.SkipRecursive()
		}
		in.WantComma()
	}
	in.Delim('}')
	if isTopLevel {
		in.Consumed()
	}
}

func (p *WindowPayload) unmarshalEasyJSON(in *jlexer.Lexer) {
	in.Delim('{')
	for !in.IsDelim('}') {
		key := in.UnsafeFieldName(false)
		in.WantColon()
		if in.IsNull() {
			in.Skip()
			in.WantComma()
			continue
		}
		switch key {
		case "type":
			p.Type = Type(in.String())
		case "data":
			p.Data = append(p.Data[:0], in.Raw()...)
		default:
			in.SkipRecursive()
		}
		in.WantComma()
	}
	in.Delim('}')
}

// UnmarshalJSON supports json.Unmarshaler interface.
func (m *WindowMessage) UnmarshalJSON(data []byte) error {
	r := jlexer.Lexer{Data: data}
	m.UnmarshalEasyJSON(&r)
	return r.Error()
}
