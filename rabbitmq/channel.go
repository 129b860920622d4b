package rabbitmq

import (
	"fmt"

	"github.com/israelio/simpleamqp/internal/frame"
	"github.com/israelio/simpleamqp/internal/protocol"
)

type channelState uint8

const (
	channelClosed channelState = iota
	channelOpen
	channelUsed
)

func (s channelState) String() string {
	switch s {
	case channelClosed:
		return "closed"
	case channelOpen:
		return "open"
	case channelUsed:
		return "used"
	default:
		return fmt.Sprintf("channelState(%d)", uint8(s))
	}
}

// channelSlot is the session's record of one channel id. Slot 0 is the
// connection itself and stays used.
type channelSlot struct {
	state channelState

	// Publisher confirm bookkeeping.
	lastDeliveryTag uint64
	unconsumedAcks  uint64

	directReplyTag string
}

// GetChannel borrows a channel for one operation. The most recently
// returned channel is preferred, then any other open channel, and only
// then a new one is opened.
func (s *Session) GetChannel() (uint16, error) {
	if s.channels[s.lastUsed].state == channelOpen {
		s.channels[s.lastUsed].state = channelUsed
		return s.lastUsed, nil
	}

	for id := range s.channels {
		if s.channels[id].state == channelOpen {
			s.channels[id].state = channelUsed
			return uint16(id), nil
		}
	}

	id, err := s.CreateNewChannel()
	if err != nil {
		return 0, err
	}
	s.channels[id].state = channelUsed
	return id, nil
}

// CreateNewChannel opens the lowest free channel id with publisher
// confirms enabled and leaves it open in the pool.
func (s *Session) CreateNewChannel() (uint16, error) {
	id, err := s.nextChannelID()
	if err != nil {
		return 0, err
	}

	openArgs, _ := frame.NewMethodArgsBuilder().WriteShortString("").Bytes()
	if _, err := s.DoRPCOnChannel(id, protocol.ChannelOpen, openArgs, protocol.ChannelOpenOk); err != nil {
		return 0, fmt.Errorf("open channel %d: %w", id, err)
	}

	selectArgs, _ := frame.NewMethodArgsBuilder().WriteFlags(false).Bytes()
	if _, err := s.DoRPCOnChannel(id, protocol.ConfirmSelect, selectArgs, protocol.ConfirmSelectOk); err != nil {
		return 0, fmt.Errorf("enable confirms on channel %d: %w", id, err)
	}

	s.channels[id] = channelSlot{state: channelOpen}
	s.metrics.channelsOpened.Inc()
	s.logger.Debug().Uint16("channel", id).Msg("channel opened")
	return id, nil
}

// nextChannelID returns the lowest closed slot, growing the table while
// channel-max allows.
func (s *Session) nextChannelID() (uint16, error) {
	for id := range s.channels {
		if s.channels[id].state == channelClosed {
			return uint16(id), nil
		}
	}
	if len(s.channels) > int(s.channelMax) {
		return 0, fmt.Errorf("%w: %d channels open", ErrResourceLimit, s.channelMax)
	}
	s.channels = append(s.channels, channelSlot{state: channelClosed})
	return uint16(len(s.channels) - 1), nil
}

// ReturnChannel puts a borrowed channel back in the pool and makes it the
// first choice for the next GetChannel.
func (s *Session) ReturnChannel(id uint16) {
	if int(id) >= len(s.channels) || id == 0 {
		return
	}
	if s.channels[id].state == channelClosed {
		return
	}
	s.channels[id].state = channelOpen
	s.lastUsed = id
}

// IsChannelOpen reports whether the channel has not been closed.
func (s *Session) IsChannelOpen(id uint16) bool {
	return int(id) < len(s.channels) && s.channels[id].state != channelClosed
}

// FinishCloseChannel records a channel as closed and acknowledges the
// broker's channel.close. Consumers registered on it are dropped.
func (s *Session) FinishCloseChannel(id uint16) error {
	if int(id) < len(s.channels) {
		s.channels[id] = channelSlot{state: channelClosed}
	}
	for tag, ch := range s.consumers {
		if ch == id {
			delete(s.consumers, tag)
		}
	}
	s.metrics.channelsClosed.Inc()
	s.logger.Debug().Uint16("channel", id).Msg("channel closed")

	return s.transport.WriteFrames(frame.NewMethod(id, protocol.ChannelCloseOk, nil))
}

// FinishCloseConnection marks the session disconnected and acknowledges
// the broker's connection.close.
func (s *Session) FinishCloseConnection() error {
	s.connected = false
	for id := 1; id < len(s.channels); id++ {
		s.channels[id] = channelSlot{state: channelClosed}
	}
	clear(s.consumers)
	s.logger.Debug().Msg("connection closed by broker")

	return s.transport.WriteFrames(frame.NewMethod(0, protocol.ConnectionCloseOk, nil))
}

// CloseChannel closes a channel from the client side. Its id becomes
// available for reuse.
func (s *Session) CloseChannel(id uint16) error {
	if err := s.checkIsConnected(); err != nil {
		return err
	}
	if id == 0 || !s.IsChannelOpen(id) {
		return fmt.Errorf("close channel %d: %w", id, ErrChannelClosed)
	}

	args, _ := frame.NewMethodArgsBuilder().
		WriteUint16(protocol.ReplySuccess).
		WriteShortString("OK").
		WriteUint16(0).
		WriteUint16(0).
		Bytes()
	if _, err := s.DoRPCOnChannel(id, protocol.ChannelClose, args, protocol.ChannelCloseOk); err != nil {
		return err
	}

	s.channels[id] = channelSlot{state: channelClosed}
	for tag, ch := range s.consumers {
		if ch == id {
			delete(s.consumers, tag)
		}
	}
	s.purgeChannel(id)
	s.metrics.channelsClosed.Inc()
	return nil
}

// borrowChannel marks a specific open channel used again.
func (s *Session) borrowChannel(id uint16) bool {
	if !s.IsChannelOpen(id) || id == 0 {
		return false
	}
	s.channels[id].state = channelUsed
	return true
}
