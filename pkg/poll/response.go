package poll

import "strings"

// Choice is an invitee's vote for one time slot.
type Choice string

const (
	ChoiceYes   Choice = "YES"
	ChoiceNo    Choice = "NO"
	ChoiceMaybe Choice = "MAYBE"
	ChoiceNA    Choice = "NA"
)

// ParseChoice maps console shorthand onto a Choice. Anything
// unrecognized counts as not-answered.
func ParseChoice(s string) Choice {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "y", "yes":
		return ChoiceYes
	case "n", "no":
		return ChoiceNo
	case "m", "maybe":
		return ChoiceMaybe
	default:
		return ChoiceNA
	}
}

// Response is one user's vote for one time slot. Immutable value.
type Response struct {
	Responder string `json:"responder"`
	Choice    Choice `json:"choice"`
}

// Responses holds a poll's proposed time slots and the accumulated
// votes per slot. Slot lists grow append-only.
type Responses map[TimeSlot][]Response

// Clone deep-copies the response map so callers cannot mutate a poll's
// internal state through a snapshot.
func (r Responses) Clone() Responses {
	clone := make(Responses, len(r))
	for slot, votes := range r {
		clone[slot] = append([]Response(nil), votes...)
	}
	return clone
}

// Key uniquely identifies a poll in the system by its title and
// initiator. Two polls with the same title cannot coexist for one
// initiator.
type Key struct {
	Title     string `json:"title"`
	Initiator string `json:"initiator"`
}

// String derives the poll's peer name.
func (k Key) String() string {
	return k.Title + "_" + k.Initiator
}
