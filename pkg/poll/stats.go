package poll

import "sort"

// Breakdown tallies the votes for one time slot. The score weighs a yes
// at 1 and a maybe at 0.5; no and not-answered score nothing.
type Breakdown struct {
	Yes   int
	Maybe int
	No    int
	NA    int
	Score float64
}

// CalculateBreakdown tallies a slot's response list.
func CalculateBreakdown(responses []Response) Breakdown {
	var b Breakdown
	for _, response := range responses {
		switch response.Choice {
		case ChoiceYes:
			b.Yes++
			b.Score += 1.0
		case ChoiceMaybe:
			b.Maybe++
			b.Score += 0.5
		case ChoiceNo:
			b.No++
		case ChoiceNA:
			b.NA++
		}
	}
	return b
}

// SortedTimeSlots returns the proposed slots ordered by start time;
// slots sharing a start are ordered by end.
func SortedTimeSlots(responses Responses) []TimeSlot {
	slots := make([]TimeSlot, 0, len(responses))
	for slot := range responses {
		slots = append(slots, slot)
	}
	sort.Slice(slots, func(i, j int) bool {
		if !slots[i].Start.Equal(slots[j].Start) {
			return slots[i].Start.Before(slots[j].Start)
		}
		return slots[i].End.Before(slots[j].End)
	})
	return slots
}

// TopTimeSlot returns the slot with the highest score. Slots tied on
// score resolve to the earliest start time. ok is false when no slot
// has scored yet.
func TopTimeSlot(responses Responses) (TimeSlot, Breakdown, bool) {
	var (
		top    TimeSlot
		best   Breakdown
		scored bool
	)
	for _, slot := range SortedTimeSlots(responses) {
		breakdown := CalculateBreakdown(responses[slot])
		if breakdown.Score > best.Score {
			top = slot
			best = breakdown
			scored = true
		}
	}
	return top, best, scored
}

// NumResponders counts the distinct responders across all slots.
func NumResponders(responses Responses) int {
	responders := make(map[string]struct{})
	for _, votes := range responses {
		for _, response := range votes {
			responders[response.Responder] = struct{}{}
		}
	}
	return len(responders)
}
