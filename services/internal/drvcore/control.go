package drvcore

import (
	"drivercode-go/ao"
	"drivercode-go/bus"
	"drivercode-go/types"
)

// drv/<name>/control/<verb>, subscribed with a single-level wildcard.
func ControlTopic(name, verb string) bus.Topic {
	return bus.T("drv", name, "control", verb)
}

func ControlWildcard(name string) bus.Topic {
	return bus.T("drv", name, "control", bus.SingleWild)
}

// replyInbox adapts a bus reply topic into an ao.Inbox, so a bus publisher
// can stand in as a transaction requester. Post publishes the event payload
// to the reply topic; the signal itself is not carried (the topic is unique
// to one request, so the payload shape disambiguates).
type replyInbox struct {
	conn  *bus.Connection
	topic bus.Topic
}

func ReplyInbox(conn *bus.Connection, topic bus.Topic) ao.Inbox {
	return replyInbox{conn: conn, topic: topic}
}

func (r replyInbox) Name() string { return "bus-reply" }

func (r replyInbox) Post(e ao.Event) bool {
	if len(r.topic) == 0 {
		return false
	}
	r.conn.Publish(r.conn.NewMessage(r.topic, e.Payload, false))
	return true
}

// ControlEvent translates one control message into an inbox event. Verbs:
// enable, disable, stop, status, debug, read, write. Unknown verbs and
// malformed payloads are discarded here; the AO never sees them.
func ControlEvent(conn *bus.Connection, m *bus.Message) (ao.Event, bool) {
	if len(m.Topic) == 0 {
		return ao.Event{}, false
	}
	verb, ok := m.Topic[len(m.Topic)-1].(string)
	if !ok {
		return ao.Event{}, false
	}
	switch verb {
	case "enable":
		return ao.Event{Sig: types.SigEnable}, true
	case "disable":
		return ao.Event{Sig: types.SigDisable}, true
	case "stop":
		return ao.Event{Sig: types.SigStop}, true
	case "debug":
		p, ok := ao.As[types.DebugLevelSet](m.Payload)
		if !ok {
			return ao.Event{}, false
		}
		return ao.Event{Sig: types.SigDebugLevel, Payload: p}, true
	case "status":
		req := types.StatusRequest{ReqID: m.ID}
		if m.CanReply() {
			req.Requester = ReplyInbox(conn, m.ReplyTo)
		}
		return ao.Event{Sig: types.SigRequestStatus, Payload: req}, true
	case "read":
		p, ok := ao.As[types.ReadParams](m.Payload)
		if !ok || p.Len <= 0 || !m.CanReply() {
			return ao.Event{}, false
		}
		return ao.Event{Sig: types.SigRead, Payload: types.RWRequest{
			Reg:       p.Reg,
			Buf:       make([]byte, p.Len),
			Requester: ReplyInbox(conn, m.ReplyTo),
			ReqID:     m.ID,
		}}, true
	case "write":
		p, ok := ao.As[types.WriteParams](m.Payload)
		if !ok || len(p.Data) == 0 {
			return ao.Event{}, false
		}
		req := types.RWRequest{Reg: p.Reg, Buf: p.Data, ReqID: m.ID}
		if m.CanReply() {
			req.Requester = ReplyInbox(conn, m.ReplyTo)
		}
		return ao.Event{Sig: types.SigWrite, Payload: req}, true
	default:
		return ao.Event{}, false
	}
}
