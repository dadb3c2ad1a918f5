// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package kscape

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/creachadair/kscape/field"
)

// ProtocolID is the protocol token that begins command and response lines.
const ProtocolID = "01"

// Command names sent by the client.
const (
	CmdEnableEvents      = "ENABLE_EVENTS"
	CmdGetContentDetails = "GET_CONTENT_DETAILS"
)

// Message types of command responses.
const (
	MsgContentDetailsOverview = "CONTENT_DETAILS_OVERVIEW"
	MsgContentDetails         = "CONTENT_DETAILS"
)

// Names of unsolicited events.
const (
	EventHighlightedSelection = "HIGHLIGHTED_SELECTION"
	EventUIState              = "UI_STATE"
	EventMovieLocation        = "MOVIE_LOCATION"
)

// LineKind classifies a received protocol line.
type LineKind byte

const (
	LineUnrecognized LineKind = iota // not a protocol line; discard
	LineResponse                     // a response to a command
	LineEvent                        // an unsolicited event
	LineStatus                       // a status-only reply to a command
)

func (k LineKind) String() string {
	switch k {
	case LineUnrecognized:
		return "UNRECOGNIZED"
	case LineResponse:
		return "RESPONSE"
	case LineEvent:
		return "EVENT"
	case LineStatus:
		return "STATUS"
	default:
		return fmt.Sprintf("KIND:%d", byte(k))
	}
}

// Message is the parsed form of a response line.
//
//	01/<seq>/<address>:<type>:<data>:/
type Message struct {
	Seq     int    // sequence id, 0-9
	Address string // numeric device address token
	Type    string // message type, e.g. CONTENT_DETAILS
	Data    string // escaped field data, not yet decoded
}

// Fields decodes the field data of m.
func (m Message) Fields() ([]string, error) { return field.Decode(m.Data) }

// String returns a human-friendly rendering of the message.
func (m Message) String() string {
	return fmt.Sprintf("Message(Seq=%d, Address=%s, Type=%s, Data=%q)", m.Seq, m.Address, m.Type, m.Data)
}

// EventLine is the parsed form of an unsolicited event line.
//
//	#<device>/!/<address>:<name>:<data>:
type EventLine struct {
	Device  string // device identifier following the "#" sentinel
	Address string // numeric device address token
	Name    string // event name, e.g. HIGHLIGHTED_SELECTION
	Data    string // escaped field data, not yet decoded
}

// Fields decodes the field data of e.
func (e EventLine) Fields() ([]string, error) { return field.Decode(e.Data) }

// String returns a human-friendly rendering of the event line.
func (e EventLine) String() string {
	return fmt.Sprintf("Event(Device=%s, Name=%s, Data=%q)", e.Device, e.Name, e.Data)
}

// StatusLine is the parsed form of a reply that carries only a status code.
// The device sends these to acknowledge a command, or to reject one.
//
//	01/<seq>/<code>:/
type StatusLine struct {
	Seq  int
	Code string // three decimal digits; "000" means success
}

// OK reports whether s indicates success.
func (s StatusLine) OK() bool { return s.Code == StatusOK }

// Status codes used in status lines.
const (
	StatusOK          = "000"
	StatusInvalidArgs = "014" // e.g., an unknown content handle
)

// Line is a classified protocol line. The field of Line matching Kind is
// meaningful; the others are zero.
type Line struct {
	Kind    LineKind
	Message Message    // if Kind == LineResponse
	Event   EventLine  // if Kind == LineEvent
	Status  StatusLine // if Kind == LineStatus
}

// lineParser holds the compiled line patterns. It is immutable once
// constructed and safe for concurrent use.
type lineParser struct {
	response *regexp.Regexp
	status   *regexp.Regexp
	event    *regexp.Regexp
	command  *regexp.Regexp
}

func newLineParser() *lineParser {
	return &lineParser{
		// The data pattern is greedy, so the payload extends to the last ":/".
		// Anything after that (such as a checksum) is ignored.
		response: regexp.MustCompile(`^` + ProtocolID + `/([0-9])/([0-9]+):([^:]+):(.+):/`),
		status:   regexp.MustCompile(`^` + ProtocolID + `/([0-9])/([0-9]{3}):/`),
		event:    regexp.MustCompile(`^#([^/]+)/!/([0-9]+):([^:]+):(.*):`),
		command:  regexp.MustCompile(`^` + ProtocolID + `/([0-9])/([^:/]+):(.*)$`),
	}
}

var defaultParser = sync.OnceValue(newLineParser)

// ParseLine classifies a line received from the device. Lines that are not
// recognized as responses, status replies, or events are reported with Kind LineUnrecognized;
// this is not an error, since the transport may carry other traffic.
func ParseLine(line string) Line { return defaultParser().parse(line) }

func (p *lineParser) parse(line string) Line {
	if m := p.response.FindStringSubmatch(line); m != nil {
		return Line{Kind: LineResponse, Message: Message{
			Seq:     int(m[1][0] - '0'),
			Address: m[2],
			Type:    m[3],
			Data:    m[4],
		}}
	}
	if m := p.status.FindStringSubmatch(line); m != nil {
		return Line{Kind: LineStatus, Status: StatusLine{
			Seq:  int(m[1][0] - '0'),
			Code: m[2],
		}}
	}
	if m := p.event.FindStringSubmatch(line); m != nil {
		return Line{Kind: LineEvent, Event: EventLine{
			Device:  m[1],
			Address: m[2],
			Name:    m[3],
			Data:    m[4],
		}}
	}
	return Line{Kind: LineUnrecognized}
}

// Command is the parsed form of a command line, as seen by a device.
type Command struct {
	Seq  int
	Name string
	Args []string
}

// ParseCommand parses a command line in the format produced by FormatCommand.
// It reports false if line is not a well-formed command.
func ParseCommand(line string) (Command, bool) {
	m := defaultParser().command.FindStringSubmatch(line)
	if m == nil {
		return Command{}, false
	}
	cmd := Command{Seq: int(m[1][0] - '0'), Name: m[2]}
	if rest, ok := strings.CutSuffix(m[3], ":"); ok {
		args, err := field.Decode(rest)
		if err != nil {
			return Command{}, false
		}
		cmd.Args = args
	} else if m[3] != "" {
		return Command{}, false // arguments must be terminated
	}
	return cmd, true
}

// FormatCommand formats a command line with the given sequence id, name, and
// arguments. Each argument is escaped, and the argument list is terminated
// with a separator:
//
//	01/<seq>/<name>:<arg>:...:
func FormatCommand(seq int, name string, args ...string) (string, error) {
	if err := checkSeq(seq); err != nil {
		return "", err
	}
	if len(args) == 0 {
		return fmt.Sprintf("%s/%d/%s:", ProtocolID, seq, name), nil
	}
	data, err := field.Encode(args...)
	if err != nil {
		return "", fmt.Errorf("command %s: %w", name, err)
	}
	return fmt.Sprintf("%s/%d/%s:%s:", ProtocolID, seq, name, data), nil
}

// DefaultAddress is the device address token used in responses and events
// from the device itself.
const DefaultAddress = "000"

// FormatStatus formats a status-only reply for the given sequence id.
func FormatStatus(seq int, code string) (string, error) {
	if err := checkSeq(seq); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/%d/%s:/", ProtocolID, seq, code), nil
}

// FormatResponse formats a response line for the given sequence id and
// message type, with the specified fields.
func FormatResponse(seq int, msgType string, fields ...string) (string, error) {
	if err := checkSeq(seq); err != nil {
		return "", err
	}
	data, err := field.Encode(fields...)
	if err != nil {
		return "", fmt.Errorf("response %s: %w", msgType, err)
	}
	return fmt.Sprintf("%s/%d/%s:%s:%s:/", ProtocolID, seq, DefaultAddress, msgType, data), nil
}

// FormatEvent formats an unsolicited event line from the given device, with
// the specified fields.
func FormatEvent(device, name string, fields ...string) (string, error) {
	data, err := field.Encode(fields...)
	if err != nil {
		return "", fmt.Errorf("event %s: %w", name, err)
	}
	return fmt.Sprintf("#%s/!/%s:%s:%s:", device, DefaultAddress, name, data), nil
}

func checkSeq(seq int) error {
	if seq < 0 || seq >= numSeq {
		return fmt.Errorf("sequence id %d out of range", seq)
	}
	return nil
}
