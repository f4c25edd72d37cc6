package reliability

import (
	"errors"
	"testing"
)

func TestShouldAllow(t *testing.T) {
	boom := errors.New("store down")

	cases := []struct {
		strategy FailureStrategy
		err      error
		want     bool
	}{
		{FailOpen, nil, true},
		{FailOpen, boom, true},
		{FailClosed, nil, true},
		{FailClosed, boom, false},
	}
	for _, c := range cases {
		if got := ShouldAllow(c.strategy, c.err); got != c.want {
			t.Errorf("ShouldAllow(%s, %v) = %v, want %v", c.strategy, c.err, got, c.want)
		}
	}
}
