package room

// ApplyTap applies one tap by the given player to the document, mutating
// it in place. It must run against the current snapshot inside a store
// transaction; the winner check below is only race-free because the
// commit is conditional on that snapshot.
//
// Returns false when the tap is a no-op (stale tap after the race ended,
// or an identity that is not in the room) and nothing was changed.
func ApplyTap(r *Room, playerID string) bool {
	if r.Status != StatusRacing {
		return false
	}

	p, ok := r.Players[playerID]
	if !ok {
		return false
	}

	// A stunned player's first tap only recovers; it takes another tap
	// to actually move.
	if p.Stunned {
		p.Stunned = false
		return true
	}

	if r.Signal == SignalRed {
		p.Score -= Penalty
		if p.Score < 0 {
			p.Score = 0
		}
		p.Stunned = true
		return true
	}

	p.Score++
	if p.Score >= r.TargetScore {
		p.Score = r.TargetScore
		// Two players can cross the line in the same instant; only the
		// transaction that commits first sees WinnerName unset. The
		// loser re-runs against the finished room and no-ops above.
		if r.WinnerName == "" {
			r.Status = StatusFinished
			r.WinnerName = p.Name
		}
	}

	return true
}
