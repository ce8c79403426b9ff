package engine

import "mt5bridge/internal/domain"

// detectOrder is the order in which filling flags are tested against a
// symbol's mask.
var detectOrder = []domain.FillingMode{domain.FillingIOC, domain.FillingFOK, domain.FillingReturn}

// fallbackOrder is appended after the detected mode and FillingAuto.
var fallbackOrder = []domain.FillingMode{domain.FillingReturn, domain.FillingIOC, domain.FillingFOK}

// Candidates returns the filling modes to try for a symbol, most likely
// first. mask is the symbol's filling_mode property, nil when unknown.
//
// Each mode's numeric value is ANDed with the mask. FOK is 0, so it is never
// detected from the mask and is only reached through the fallback tail.
// Brokers disagree on how the mask is encoded, so every mode is always
// present in the result exactly once.
func Candidates(mask *int) []domain.FillingMode {
	out := make([]domain.FillingMode, 0, 4)
	if mask != nil {
		for _, m := range detectOrder {
			if *mask&int(m) != 0 {
				out = append(out, m)
				break
			}
		}
	}
	out = append(out, domain.FillingAuto)
	for _, m := range fallbackOrder {
		if !containsMode(out, m) {
			out = append(out, m)
		}
	}
	return out
}

func containsMode(modes []domain.FillingMode, m domain.FillingMode) bool {
	for _, x := range modes {
		if x == m {
			return true
		}
	}
	return false
}
