package delivery

import (
	"context"
	"errors"

	"chatsched/internal/domain"
	"chatsched/internal/notify"
	"chatsched/internal/store"
)

const notReadyReason = "chat client not ready"

// Fire is the timer callback for a scheduled message. It makes at most one
// delivery attempt and emits one notification, and does nothing for
// messages that are already terminal.
func (s *Service) Fire(id int64) {
	if _, busy := s.inflight.LoadOrStore(id, struct{}{}); busy {
		s.log.Warn().Int64("task_id", id).Msg("fire ignored: delivery already in flight")
		return
	}
	defer s.inflight.Delete(id)

	log := s.log.With().Int64("task_id", id).Logger()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.StoreTimeout)
	t, err := s.store.Get(ctx, id)
	cancel()
	if errors.Is(err, store.ErrNotFound) {
		log.Info().Msg("fire ignored: message deleted")
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("load scheduled message")
		return
	}
	if t.Status.Terminal() {
		log.Info().Str("status", string(t.Status)).Msg("fire ignored: message already terminal")
		return
	}

	status, reason := s.deliver(t)

	ctx, cancel = context.WithTimeout(context.Background(), s.cfg.StoreTimeout)
	applied, err := s.store.UpdateStatus(ctx, id, status, reason)
	cancel()
	if err != nil {
		log.Error().Err(err).Str("status", string(status)).Msg("record delivery outcome")
		return
	}
	if !applied {
		return
	}

	if status == domain.StatusSent {
		log.Info().Str("chat_id", t.TargetID).Msg("message sent")
		s.events.Publish(notify.Event{Type: notify.TypeMessageSent, Time: s.now(), Data: notify.MessageSent{
			TaskID:   id,
			TargetID: t.TargetID,
			Body:     t.Body,
		}})
		return
	}
	log.Error().Str("chat_id", t.TargetID).Str("reason", reason).Msg("message not sent")
	s.events.Publish(notify.Event{Type: notify.TypeMessageFailed, Time: s.now(), Data: notify.MessageFailed{
		TaskID:   id,
		TargetID: t.TargetID,
		Reason:   reason,
	}})
}

func (s *Service) deliver(t domain.Task) (domain.Status, string) {
	if !s.gate.Ready() {
		return domain.StatusFailed, notReadyReason
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.SendTimeout)
	defer cancel()
	if err := s.wait(ctx); err != nil {
		return domain.StatusFailed, err.Error()
	}
	if err := s.sender.Send(ctx, t.TargetID, t.Body); err != nil {
		return domain.StatusFailed, err.Error()
	}
	return domain.StatusSent, ""
}
