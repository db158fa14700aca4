package bridge

import (
	"testing"

	"github.com/matryer/is"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name    string
		code    string
		message string
		want    Class
	}{
		{"known benign code", "room_ended", "", ClassBenign},
		{"code is case-insensitive", "Room_Deleted", "", ClassBenign},
		{"ejection code", "ejected", "connection closed", ClassBenign},
		{"meeting ended pattern", "", "The meeting has ended", ClassBenign},
		{"room ended pattern", "", "error: room has ended", ClassBenign},
		{"room deleted pattern", "", "This room was deleted by its owner", ClassBenign},
		{"removed pattern", "", "you were removed from the room", ClassBenign},
		{"code wins over message", "room_not_found", "something exploded", ClassBenign},
		{"unknown code and message", "ice_failure", "ICE connection lost", ClassFatal},
		{"empty error", "", "", ClassFatal},
		{"unrelated message", "", "token signature invalid", ClassFatal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			is := is.New(t)
			is.Equal(Classify(tt.code, tt.message), tt.want)
		})
	}
}
