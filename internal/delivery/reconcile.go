package delivery

import (
	"context"

	"chatsched/internal/domain"
)

type ReconcileResult struct {
	Rearmed int `json:"rearmed"`
	Missed  int `json:"missed"`
	Errors  int `json:"errors"`
}

const missedReason = "scheduled time passed before the service reloaded it"

// Reconcile re-arms every pending message that is still in the future and
// marks the rest missed without attempting delivery.
func (s *Service) Reconcile(ctx context.Context) (ReconcileResult, error) {
	var res ReconcileResult
	pending, err := s.store.ListPending(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("load pending messages")
		return res, err
	}
	s.log.Info().Int("pending", len(pending)).Msg("reconciling scheduled messages")

	now := s.now()
	for _, t := range pending {
		log := s.log.With().Int64("task_id", t.ID).Time("scheduled_at", t.ScheduledAt.In(s.cfg.Location)).Logger()
		if t.ScheduledAt.After(now) {
			if err := s.arm(t.ID, t.ScheduledAt); err != nil {
				log.Error().Err(err).Msg("re-arm message")
				res.Errors++
				continue
			}
			res.Rearmed++
			continue
		}
		ok, err := s.store.UpdateStatus(ctx, t.ID, domain.StatusMissed, missedReason)
		if err != nil {
			log.Error().Err(err).Msg("mark message missed")
			res.Errors++
			continue
		}
		if ok {
			log.Warn().Msg("message missed")
			res.Missed++
		}
	}

	s.log.Info().Int("rearmed", res.Rearmed).Int("missed", res.Missed).Int("errors", res.Errors).Msg("reconciliation finished")
	return res, nil
}
