// Package cap implements the CAP-1.2 XML envelope carried inside CAS wire
// bodies: typed envelope/alert/ack records plus a builder and parser, so the
// XML layer is the only place untyped parsing happens before handoff to
// typed records (spec §9's re-architecture note).
package cap

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"strings"
)

// CDATAText holds free text that must round-trip through XML wrapped in a
// CDATA section. encoding/xml has no native CDATA marshal support, so this
// relies on the documented ",innerxml" tag behavior (verbatim, unescaped on
// marshal; raw captured bytes on unmarshal) rather than a custom escaping
// scheme.
type CDATAText struct {
	Raw string `xml:",innerxml"`
}

// NewCDATA wraps s in a CDATA section. The only character sequence CDATA
// cannot contain literally is "]]>"; callers must not pass text containing
// it (none of this protocol's free-text fields do).
func NewCDATA(s string) CDATAText {
	return CDATAText{Raw: "<![CDATA[" + s + "]]>"}
}

// Text strips the CDATA wrapper, returning the underlying free text.
func (c CDATAText) Text() string {
	s := strings.TrimPrefix(c.Raw, "<![CDATA[")
	s = strings.TrimSuffix(s, "]]>")
	return s
}

// Envelope is the <data> root of every CAS message body.
type Envelope struct {
	XMLName     xml.Name `xml:"data"`
	DestID      string   `xml:"destId,omitempty"`
	Realm       string   `xml:"realm,omitempty"`
	Nonce       string   `xml:"nonce,omitempty"`
	Response    string   `xml:"response,omitempty"`
	Cmd         string   `xml:"cmd,omitempty"`
	Time        string   `xml:"time,omitempty"`
	ResultCode  string   `xml:"resultCode,omitempty"`
	Result      string   `xml:"result,omitempty"`
	TransMsgID  string   `xml:"transMsgId,omitempty"`
	TransMsgSeq int      `xml:"transMsgSeq,omitempty"`
	CapInfo     *CapInfo `xml:"capInfo,omitempty"`
}

// CapInfo wraps the nested alert.
type CapInfo struct {
	Alert Alert `xml:"alert"`
}

// Alert is the CAP-1.2 alert record (only the fields this protocol uses).
type Alert struct {
	Identifier string     `xml:"identifier"`
	Sender     string     `xml:"sender"`
	Sent       string     `xml:"sent"`
	Status     string     `xml:"status,omitempty"`
	MsgType    string     `xml:"msgType,omitempty"`
	Scope      string     `xml:"scope,omitempty"`
	Code       string     `xml:"code,omitempty"`
	Note       string     `xml:"note,omitempty"`
	References *Reference `xml:"references,omitempty"`
	Info       *Info      `xml:"info,omitempty"`
}

// Reference carries the original alert's (sender, identifier, sent) when
// this alert is an acknowledgement of, or report against, another.
type Reference struct {
	Sender     string `xml:"sender"`
	Identifier string `xml:"identifier"`
	Sent       string `xml:"sent"`
}

// Info is the CAP <info> block.
type Info struct {
	Event     string     `xml:"event"`
	EventCode EventCode  `xml:"eventCode"`
	Parameter *Parameter `xml:"parameter,omitempty"`
}

// EventCode carries the protocol's event-code value.
type EventCode struct {
	ValueName string `xml:"valueName"`
	Value     string `xml:"value"`
}

// Parameter carries a single free-text value, CDATA-wrapped.
type Parameter struct {
	ValueName string    `xml:"valueName"`
	Value     CDATAText `xml:"value"`
}

// Marshal renders an Envelope to its XML byte representation.
func Marshal(e *Envelope) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	if err := enc.Encode(e); err != nil {
		return nil, fmt.Errorf("marshal cap envelope: %w", err)
	}
	return buf.Bytes(), nil
}

// Parse decodes raw XML bytes into an Envelope. This is the only place in
// the codebase where untyped XML parsing is acceptable; everything
// downstream of Parse works with the typed Envelope/Alert records.
func Parse(data []byte) (*Envelope, error) {
	var e Envelope
	if err := xml.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("parse cap envelope: %w", err)
	}
	return &e, nil
}

// BuildAck constructs the ack/NACK alert for an inbound disaster
// notification (spec §4.3): reuses the original alert's (sender,
// identifier, sent) as <references>, mints "<identifier>_ACK" as its own
// identifier, and fills note = "<noteCode>|<noteMessage>".
func BuildAck(original *Alert, noteCode, noteMessage string) *Alert {
	return &Alert{
		Identifier: original.Identifier + "_ACK",
		Sender:     original.Sender,
		Sent:       original.Sent,
		MsgType:    "Ack",
		Note:       noteCode + "|" + noteMessage,
		References: &Reference{
			Sender:     original.Sender,
			Identifier: original.Identifier,
			Sent:       original.Sent,
		},
	}
}
