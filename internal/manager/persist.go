package manager

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"channelgate/internal/constants"
	"channelgate/internal/models"
	"channelgate/internal/store"
)

type persistKind int

const (
	persistStatus persistKind = iota
	persistCount
)

type persistJob struct {
	kind      persistKind
	channelID string
	status    models.ConnectionStatus
	lastError string
	count     int64
}

// enqueue never blocks. A full queue drops the update.
func (m *Manager) enqueue(j persistJob) {
	if m.store == nil {
		return
	}
	select {
	case m.persist <- j:
	default:
		m.rt.Metrics.PersistDropped.Inc()
		m.log.WithField(constants.LogFieldChannelID, j.channelID).Warn("Persistence queue full, dropping update")
	}
}

// enqueueWait is used for the final status of an unregistered channel,
// which must not be lost to a momentarily full queue.
func (m *Manager) enqueueWait(ctx context.Context, j persistJob) {
	if m.store == nil {
		return
	}
	timer := time.NewTimer(constants.DefaultPersistTimeout)
	defer timer.Stop()
	select {
	case m.persist <- j:
	case <-ctx.Done():
		m.rt.Metrics.PersistDropped.Inc()
	case <-timer.C:
		m.rt.Metrics.PersistDropped.Inc()
		m.log.WithField(constants.LogFieldChannelID, j.channelID).Warn("Timed out queueing final channel status")
	}
}

func (m *Manager) persistLoop() {
	defer m.wg.Done()
	for {
		select {
		case j := <-m.persist:
			m.write(j)
		case <-m.persistStop:
			for {
				select {
				case j := <-m.persist:
					m.write(j)
				default:
					return
				}
			}
		}
	}
}

func (m *Manager) write(j persistJob) {
	ctx, cancel := context.WithTimeout(context.Background(), constants.DefaultPersistTimeout)
	defer cancel()

	var err error
	switch j.kind {
	case persistStatus:
		err = m.store.UpdateStatus(ctx, j.channelID, j.status, j.lastError)
	case persistCount:
		err = m.store.IncrementMessageCount(ctx, j.channelID, j.count)
	}
	if err == nil {
		return
	}
	entry := m.log.WithError(err).WithField(constants.LogFieldChannelID, j.channelID)
	if errors.Is(err, store.ErrNotFound) {
		entry.Debug("Channel row missing, skipping persisted update")
		return
	}
	entry.WithFields(logrus.Fields{"kind": j.kind}).Warn("Failed to persist channel update")
}
