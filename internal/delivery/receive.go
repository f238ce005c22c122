package delivery

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hmdev/channelmesh/internal/filter"
	"github.com/hmdev/channelmesh/internal/message"
	"github.com/hmdev/channelmesh/internal/metrics"
	"github.com/hmdev/channelmesh/internal/session"
)

// Send routes one event into the channel: offsets are allocated, the event
// lands in the durable log or the ephemeral cache, and the caller gets a
// state snapshot carrying the assigned offsets.
func (s *Service) Send(sessionID string, env message.EventMessage) (message.ChannelStateDto, error) {
	sess, ok := s.sessions.Get(sessionID)
	if !ok {
		return message.ChannelStateDto{}, ErrSessionNotFound
	}
	sess.Touch()

	if err := validateRouting(&env); err != nil {
		metrics.SendErrors.WithLabelValues("bad_request").Inc()
		return message.ChannelStateDto{}, err
	}

	// From and date are server-assigned, whatever the client sent.
	env.From = sess.AgentName()
	env.Date = time.Now().UnixMilli()

	tier := "durable"
	if env.Ephemeral {
		tier = "ephemeral"
	}

	var g int64
	var l *int64
	if env.Ephemeral {
		var err error
		g, l, err = s.channels.AllocateOffsets(sess.ChannelID, true)
		if err != nil {
			metrics.SendErrors.WithLabelValues("transient").Inc()
			return message.ChannelStateDto{}, fmt.Errorf("%w: %v", ErrTransient, err)
		}
		env.GlobalOffset = &g
		env.LocalOffset = l
		s.cache.Put(sess.ChannelID, env)
	} else {
		// Allocation and log write stay under the channel's append lock so
		// a concurrent sender cannot land a later offset first and strand
		// this event behind a live reader's resume position.
		global, local, err := s.channels.AppendDurable(sess.ChannelID, func(gOff, lOff int64) error {
			env.GlobalOffset = &gOff
			env.LocalOffset = &lOff
			return s.dlog.Append(sess.ChannelID, &env)
		})
		if err != nil {
			metrics.SendErrors.WithLabelValues("transient").Inc()
			return message.ChannelStateDto{}, fmt.Errorf("%w: %v", ErrTransient, err)
		}
		g = global
		l = &local
	}
	metrics.SendsTotal.WithLabelValues(env.Type.String(), tier).Inc()

	st, ok := s.channels.Lookup(sess.ChannelID)
	if !ok {
		return message.ChannelStateDto{}, ErrChannelNotFound
	}
	dto := st.Dto()
	// Snapshot counters may have moved under concurrent sends; report the
	// offsets this send was assigned.
	dto.GlobalOffset = &g
	dto.LocalOffset = l
	return dto, nil
}

// validateRouting enforces the addressing contract: to and filter are
// mutually exclusive, filters must parse, to is an exact agent name or "*",
// and the event type must be known.
func validateRouting(env *message.EventMessage) error {
	if !env.Type.Valid() {
		return fmt.Errorf("%w: unknown event type", ErrBadRequest)
	}
	if env.To != "" && env.Filter != "" {
		return fmt.Errorf("%w: to and filter are mutually exclusive", ErrBadRequest)
	}
	if env.Filter != "" {
		if err := filter.Validate(env.Filter); err != nil {
			return fmt.Errorf("%w: invalid filter: %v", ErrBadRequest, err)
		}
	}
	if env.To != "" && env.To != "*" && looksLikeRegex(env.To) {
		return fmt.Errorf("%w: to must be an exact agent name or *", ErrBadRequest)
	}
	return nil
}

// looksLikeRegex flags the legacy quoted-regex form of the to field, which is
// rejected in favor of the explicit filter field.
func looksLikeRegex(to string) bool {
	if strings.HasPrefix(to, "\"") || strings.HasPrefix(to, "/") {
		return true
	}
	return strings.ContainsAny(to, "*^$()[]{}|\\+?")
}

// Receive assembles one poll for a session: a durable batch after the
// caller's offsets, the undelivered ephemeral batch, both filtered for this
// recipient, plus the offsets to resume from. Blocks up to the poll budget
// when there is nothing to deliver yet.
func (s *Service) Receive(ctx context.Context, sessionID string, rc message.ReceiveConfig) (message.EventMessageResult, error) {
	started := time.Now()
	defer func() {
		metrics.ReceiveDuration.Observe(time.Since(started).Seconds())
	}()

	sess, ok := s.sessions.Get(sessionID)
	if !ok {
		return message.EventMessageResult{}, ErrSessionNotFound
	}
	sess.Touch()

	// One receive at a time per session, so the ephemeral watermark cannot
	// double-deliver under concurrent polls.
	sess.LockReceive()
	defer sess.UnlockReceive()

	st, ok := s.channels.Lookup(sess.ChannelID)
	if !ok {
		return message.EventMessageResult{}, ErrChannelNotFound
	}

	fromGlobal := st.OriginalGlobalOffset
	fromLocal := st.OriginalLocalOffset
	if rc.GlobalOffset != nil {
		fromGlobal = *rc.GlobalOffset
	}
	if rc.LocalOffset != nil {
		fromLocal = *rc.LocalOffset
	}

	limit := s.cfg.DefaultReceiveLimit
	if rc.Limit != nil {
		limit = *rc.Limit
	}
	if limit < 0 {
		return message.EventMessageResult{}, fmt.Errorf("%w: negative limit", ErrBadRequest)
	}
	if limit > s.cfg.MaxReceiveLimit {
		limit = s.cfg.MaxReceiveLimit
	}

	wait := s.cfg.LongPoll
	switch rc.PollSource {
	case message.Poll:
		wait = 0
	case message.PollAuto:
		wait = autoPollWait(s.cfg.LongPoll, sess.EmptyPolls())
	}
	// Undelivered ephemerals mean there is something to return now.
	if pending, _ := s.cache.ReadSince(sess.ChannelID, sess.EphemeralWatermark()); len(pending) > 0 {
		wait = 0
	}

	var durableBatch []message.EventMessage
	if limit > 0 {
		// Session teardown must unblock the poll.
		rctx, cancel := context.WithCancel(ctx)
		go func() {
			select {
			case <-sess.Done():
				cancel()
			case <-rctx.Done():
			}
		}()

		var err error
		durableBatch, err = s.dlog.ReadRange(rctx, sess.ChannelID, fromGlobal, fromLocal, limit, wait)
		cancel()
		if err != nil {
			metrics.LongPollOutcomes.WithLabelValues("cancelled").Inc()
			select {
			case <-sess.Done():
				return message.EventMessageResult{}, ErrSessionNotFound
			default:
			}
			if ctx.Err() != nil {
				return message.EventMessageResult{}, ctx.Err()
			}
			return message.EventMessageResult{}, fmt.Errorf("%w: %v", ErrTransient, err)
		}
	}

	// Resume offsets advance over the whole batch read, including events
	// filtered out below, so a session never re-reads what it skipped.
	nextGlobal, nextLocal := fromGlobal, fromLocal
	for i := range durableBatch {
		e := &durableBatch[i]
		if e.GlobalOffset != nil && *e.GlobalOffset > nextGlobal {
			nextGlobal = *e.GlobalOffset
		}
		if e.LocalOffset != nil && *e.LocalOffset > nextLocal {
			nextLocal = *e.LocalOffset
		}
	}

	ephBatch, lastSeq := s.cache.ReadSince(sess.ChannelID, sess.EphemeralWatermark())
	sess.AdvanceEphemeralWatermark(lastSeq)

	result := message.EventMessageResult{
		Events:           filterForRecipient(durableBatch, sess),
		EphemeralEvents:  filterForRecipient(ephBatch, sess),
		NextGlobalOffset: &nextGlobal,
		NextLocalOffset:  &nextLocal,
	}
	if len(result.Events) > 0 || len(result.EphemeralEvents) > 0 {
		sess.ResetEmptyPolls()
		metrics.LongPollOutcomes.WithLabelValues("delivered").Inc()
	} else {
		sess.NoteEmptyPoll()
		metrics.LongPollOutcomes.WithLabelValues("empty").Inc()
	}
	return result, nil
}

// autoPollWait ramps the AUTO poll block time: an eighth of the budget on a
// fresh session, doubling per consecutive empty reply up to the full budget.
// A session with traffic polls snappily; an idle one settles into
// full-length long-polls.
func autoPollWait(budget time.Duration, emptyPolls int) time.Duration {
	if budget <= 0 {
		return 0
	}
	wait := budget / 8
	for i := 0; i < emptyPolls && wait < budget; i++ {
		wait *= 2
	}
	if wait > budget {
		wait = budget
	}
	return wait
}

// filterForRecipient keeps the events this session should see. The returned
// slice is never nil so it serializes as an empty JSON array.
func filterForRecipient(batch []message.EventMessage, sess *session.Session) []message.EventMessage {
	out := make([]message.EventMessage, 0, len(batch))
	for i := range batch {
		if deliverable(&batch[i], sess) {
			out = append(out, batch[i])
		}
	}
	return out
}

// deliverable applies the type gate, the echo policy, and the addressing
// rules for one event against one session.
func deliverable(env *message.EventMessage, sess *session.Session) bool {
	name := sess.AgentName()

	// Type gate: lifecycle, chat, and signaling always flow; a session that
	// set customEventType narrowed its feed, so other application traffic
	// must match the subscription list.
	if !env.Type.AlwaysDelivered() && !sess.Info.SubscribesTo(env.CustomType) {
		return false
	}

	// Echo policy: senders see their own CONNECT/DISCONNECT and events they
	// addressed to themselves, nothing else of their own.
	if env.From == name {
		if env.Type == message.Connect || env.Type == message.Disconnect {
			return true
		}
		return env.To == name
	}

	switch {
	case env.To == "*":
		return true
	case env.To != "":
		return env.To == name
	case env.Filter != "":
		expr, err := filter.Parse(env.Filter)
		if err != nil {
			// Validated at send; a parse failure here delivers to no one.
			return false
		}
		if expr == nil {
			return true
		}
		return expr.Evaluate(&sess.Info)
	default:
		return true
	}
}
