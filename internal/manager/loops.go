package manager

import (
	"context"

	"github.com/sirupsen/logrus"

	"channelgate/internal/channel"
	"channelgate/internal/constants"
	"channelgate/internal/privacy"
)

func (m *Manager) statusLoop() {
	defer m.loops.Done()
	for {
		select {
		case ev := <-m.statuses:
			m.handleStatus(ev)
		case <-m.done:
			for {
				select {
				case ev := <-m.statuses:
					m.handleStatus(ev)
				default:
					return
				}
			}
		}
	}
}

func (m *Manager) handleStatus(ev channel.StatusEvent) {
	e, ok := m.current(ev.ChannelID, ev.Instance)
	if !ok {
		m.log.WithField(constants.LogFieldChannelID, ev.ChannelID).Debug("Dropping status from unregistered adapter")
		return
	}
	m.log.WithFields(logrus.Fields{
		constants.LogFieldChannelID: ev.ChannelID,
		constants.LogFieldStatus:    ev.Status,
		"terminal":                  ev.Terminal,
	}).Debug("Channel status event")

	m.enqueue(persistJob{kind: persistStatus, channelID: ev.ChannelID, status: ev.Status, lastError: ev.Detail()})
	m.currentSink().OnChannelStatus(m.ctx, e.ref(), ev)
}

func (m *Manager) messageLoop() {
	defer m.loops.Done()
	for {
		select {
		case ev := <-m.messages:
			m.handleMessage(ev)
		case <-m.done:
			for {
				select {
				case ev := <-m.messages:
					m.handleMessage(ev)
				default:
					return
				}
			}
		}
	}
}

func (m *Manager) handleMessage(ev channel.MessageEvent) {
	e, ok := m.current(ev.ChannelID, ev.Instance)
	if !ok {
		m.log.WithField(constants.LogFieldChannelID, ev.ChannelID).Debug("Dropping message from unregistered adapter")
		return
	}
	ref := e.ref()
	msg := ev.Message
	accepted := m.dispatcher.dispatch(m.ctx, job{
		key: ev.ChannelID + "|" + msg.ConversationID,
		run: func(ctx context.Context) {
			m.enqueue(persistJob{kind: persistCount, channelID: ref.ChannelID, count: 1})
			m.currentSink().OnChannelMessage(ctx, ref, msg)
		},
	})
	if !accepted {
		m.log.WithFields(logrus.Fields{
			constants.LogFieldChannelID:      ev.ChannelID,
			constants.LogFieldConversationID: privacy.MaskConversationID(msg.ConversationID),
		}).Warn("Dispatcher stopped, dropping inbound message")
	}
}
