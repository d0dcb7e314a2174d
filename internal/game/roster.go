package game

// join adds player to the roster, keeping order. The first round starts when
// the roster reaches MinPlayers with no word set. changed is false for a
// duplicate join.
func join(s GameState, player string, words WordSource) (next GameState, changed bool) {
	if s.HasPlayer(player) {
		return s, false
	}
	next = s.Clone()
	next.Players = append(next.Players, player)
	if len(next.Players) >= MinPlayers && next.Word == "" {
		if next.DrawerIndex >= len(next.Players) || next.DrawerIndex < 0 {
			next.DrawerIndex = 0
		}
		next = startRound(next, words)
	}
	return next, true
}

// leave removes player and repairs the drawer index. Removing the drawer, or
// anyone ahead of the drawer, changes who players[DrawerIndex] is, so those
// removals start a fresh round.
func leave(s GameState, player string, words WordSource) (next GameState, changed bool) {
	pos := s.indexOf(player)
	if pos < 0 {
		return s, false
	}
	next = s.Clone()
	next.Players = append(next.Players[:pos], next.Players[pos+1:]...)

	if len(next.Players) == 0 {
		return idle(next), true
	}
	if next.DrawerIndex >= len(next.Players) {
		return repair(next, words), true
	}
	if pos <= s.DrawerIndex && s.Word != "" {
		return startRound(next, words), true
	}
	return next, true
}
