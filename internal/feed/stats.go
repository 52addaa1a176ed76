package feed

// Stats is a point-in-time snapshot of session counters
type Stats struct {
	FramesReceived int64 `json:"frames_received"`
	EventsSeen     int64 `json:"events_seen"`
	EventsAccepted int64 `json:"events_accepted"`
	Duplicates     int64 `json:"duplicates"`
	Dropped        int64 `json:"dropped"`
	DecodeBatches  int64 `json:"decode_batches"`
	Reconnects     int64 `json:"reconnects"`
	Notes          int   `json:"notes"`
	Profiles       int   `json:"profiles"`
	OpenRelays     int   `json:"open_relays"`
}

// Stats returns current session counters and cache sizes
func (s *Session) Stats() Stats {
	s.mu.RLock()
	notes := len(s.notes)
	profiles := len(s.profiles)
	s.mu.RUnlock()

	return Stats{
		FramesReceived: s.framesSeen.Load(),
		EventsSeen:     s.eventsSeen.Load(),
		EventsAccepted: s.accepted.Load(),
		Duplicates:     s.duplicates.Load(),
		Dropped:        s.dropped.Load(),
		DecodeBatches:  s.decodeBatches.Load(),
		Reconnects:     s.reconnects.Load(),
		Notes:          notes,
		Profiles:       profiles,
		OpenRelays:     s.pool.OpenCount(),
	}
}
