package scribegate

import "time"

// ApplyReserve evaluates req against sess and mutates sess in place. Stores call it
// inside whatever atomic section they hold for the identity. A nil-equivalent session
// (zero WindowResetAt) is initialized; an elapsed window is reset. Window boundaries
// are kept at millisecond precision so that every backend round-trips them exactly.
func ApplyReserve(sess *Session, req *ReserveRequest) Decision {
	now := req.Now
	if sess.WindowResetAt.IsZero() || !now.Before(sess.WindowResetAt) {
		sess.Count = 0
		sess.Pending = 0
		sess.WindowResetAt = now.Add(req.Window).UTC().Truncate(time.Millisecond)
	}
	sess.IdentityID = req.IdentityID
	sess.LastSeen = now

	used := sess.Count + sess.Pending
	d := Decision{
		Remaining: max(0, req.Limit-used),
		ResetAt:   sess.WindowResetAt,
		Limit:     req.Limit,
	}
	if used < req.Limit {
		d.Allowed = true
		sess.Pending++
	}
	return d
}

// ApplyCommit settles one pending reservation of the window ending at windowResetAt
// as usage. It reports whether sess changed.
func ApplyCommit(sess *Session, windowResetAt time.Time) bool {
	if !sess.WindowResetAt.Equal(windowResetAt) || sess.Pending <= 0 {
		return false
	}
	sess.Pending--
	sess.Count++
	return true
}

// ApplyRelease drops one pending reservation of the window ending at windowResetAt.
// It reports whether sess changed.
func ApplyRelease(sess *Session, windowResetAt time.Time) bool {
	if !sess.WindowResetAt.Equal(windowResetAt) || sess.Pending <= 0 {
		return false
	}
	sess.Pending--
	return true
}
