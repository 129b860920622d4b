package protocol

import "fmt"

// MethodID identifies a method by class and method number, packed as
// class<<16 | method.
type MethodID uint32

// NewMethodID packs a class and method number.
func NewMethodID(classID, methodID uint16) MethodID {
	return MethodID(uint32(classID)<<16 | uint32(methodID))
}

// ClassID returns the class part of the id.
func (m MethodID) ClassID() uint16 { return uint16(m >> 16) }

// MethodNum returns the method part of the id.
func (m MethodID) MethodNum() uint16 { return uint16(m) }

// Methods the session sends or has to recognise.
const (
	ConnectionStart     MethodID = ClassConnection<<16 | 10
	ConnectionStartOk   MethodID = ClassConnection<<16 | 11
	ConnectionSecure    MethodID = ClassConnection<<16 | 20
	ConnectionSecureOk  MethodID = ClassConnection<<16 | 21
	ConnectionTune      MethodID = ClassConnection<<16 | 30
	ConnectionTuneOk    MethodID = ClassConnection<<16 | 31
	ConnectionOpen      MethodID = ClassConnection<<16 | 40
	ConnectionOpenOk    MethodID = ClassConnection<<16 | 41
	ConnectionClose     MethodID = ClassConnection<<16 | 50
	ConnectionCloseOk   MethodID = ClassConnection<<16 | 51
	ConnectionBlocked   MethodID = ClassConnection<<16 | 60
	ConnectionUnblocked MethodID = ClassConnection<<16 | 61

	ChannelOpen    MethodID = ClassChannel<<16 | 10
	ChannelOpenOk  MethodID = ClassChannel<<16 | 11
	ChannelFlow    MethodID = ClassChannel<<16 | 20
	ChannelFlowOk  MethodID = ClassChannel<<16 | 21
	ChannelClose   MethodID = ClassChannel<<16 | 40
	ChannelCloseOk MethodID = ClassChannel<<16 | 41

	BasicQos       MethodID = ClassBasic<<16 | 10
	BasicQosOk     MethodID = ClassBasic<<16 | 11
	BasicConsume   MethodID = ClassBasic<<16 | 20
	BasicConsumeOk MethodID = ClassBasic<<16 | 21
	BasicCancel    MethodID = ClassBasic<<16 | 30
	BasicCancelOk  MethodID = ClassBasic<<16 | 31
	BasicPublish   MethodID = ClassBasic<<16 | 40
	BasicReturn    MethodID = ClassBasic<<16 | 50
	BasicDeliver   MethodID = ClassBasic<<16 | 60
	BasicAck       MethodID = ClassBasic<<16 | 80
	BasicReject    MethodID = ClassBasic<<16 | 90
	BasicNack      MethodID = ClassBasic<<16 | 120

	ConfirmSelect   MethodID = ClassConfirm<<16 | 10
	ConfirmSelectOk MethodID = ClassConfirm<<16 | 11
)

var methodNames = map[MethodID]string{
	ConnectionStart:     "connection.start",
	ConnectionStartOk:   "connection.start-ok",
	ConnectionSecure:    "connection.secure",
	ConnectionSecureOk:  "connection.secure-ok",
	ConnectionTune:      "connection.tune",
	ConnectionTuneOk:    "connection.tune-ok",
	ConnectionOpen:      "connection.open",
	ConnectionOpenOk:    "connection.open-ok",
	ConnectionClose:     "connection.close",
	ConnectionCloseOk:   "connection.close-ok",
	ConnectionBlocked:   "connection.blocked",
	ConnectionUnblocked: "connection.unblocked",
	ChannelOpen:         "channel.open",
	ChannelOpenOk:       "channel.open-ok",
	ChannelFlow:         "channel.flow",
	ChannelFlowOk:       "channel.flow-ok",
	ChannelClose:        "channel.close",
	ChannelCloseOk:      "channel.close-ok",
	BasicQos:            "basic.qos",
	BasicQosOk:          "basic.qos-ok",
	BasicConsume:        "basic.consume",
	BasicConsumeOk:      "basic.consume-ok",
	BasicCancel:         "basic.cancel",
	BasicCancelOk:       "basic.cancel-ok",
	BasicPublish:        "basic.publish",
	BasicReturn:         "basic.return",
	BasicDeliver:        "basic.deliver",
	BasicAck:            "basic.ack",
	BasicReject:         "basic.reject",
	BasicNack:           "basic.nack",
	ConfirmSelect:       "confirm.select",
	ConfirmSelectOk:     "confirm.select-ok",
}

// String returns the dotted method name, or class.method numbers when the
// method is not one the session knows about.
func (m MethodID) String() string {
	if name, ok := methodNames[m]; ok {
		return name
	}
	return fmt.Sprintf("%d.%d", m.ClassID(), m.MethodNum())
}

// IsClose reports whether m is a channel.close or connection.close.
func (m MethodID) IsClose() bool {
	return m == ChannelClose || m == ConnectionClose
}

// HasContent reports whether m is followed by a content header and body.
func (m MethodID) HasContent() bool {
	switch m {
	case BasicPublish, BasicReturn, BasicDeliver:
		return true
	default:
		return false
	}
}
