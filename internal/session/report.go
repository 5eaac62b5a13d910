package session

import "github.com/davecgh/go-spew/spew"

// spewReport renders s's internal state for ad hoc diagnostics.
func spewReport(s *Session) string {
	return spew.Sdump(struct {
		ID            string
		State         string
		Paused        bool
		OutputID      uint32
		RefreshRateHz uint32
	}{
		ID:            s.id.String(),
		State:         s.State().String(),
		Paused:        s.paused,
		OutputID:      s.outputID,
		RefreshRateHz: s.refreshRateHz,
	})
}
