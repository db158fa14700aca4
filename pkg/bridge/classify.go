package bridge

import (
	"strings"
)

// Class partitions transport errors into expected teardown noise and real
// failures. Benign errors still reach observers but are tagged so they never
// escalate to user-facing failure presentation.
type Class string

const (
	ClassBenign Class = "benign"
	ClassFatal  Class = "fatal"
)

// benignCodes are the error codes providers use for expected teardown.
var benignCodes = map[string]struct{}{
	"room_ended":          {},
	"room_deleted":        {},
	"room_not_found":      {},
	"meeting_ended":       {},
	"ejected":             {},
	"participant_ejected": {},
}

// benignPatterns classify errors from providers that only report free-form
// messages.
var benignPatterns = []string{
	"meeting has ended",
	"room has ended",
	"room was deleted",
	"removed from the room",
}

// Classify tags an error by its code when one is known, falling back to
// message-pattern matching. Everything unrecognized is fatal.
func Classify(code, message string) Class {
	if _, ok := benignCodes[strings.ToLower(code)]; ok {
		return ClassBenign
	}
	message = strings.ToLower(message)
	for _, pattern := range benignPatterns {
		if strings.Contains(message, pattern) {
			return ClassBenign
		}
	}
	return ClassFatal
}
