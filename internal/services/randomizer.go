package services

import (
	"crypto/rand"
	"io"
	mrand "math/rand"

	"github.com/ahmadshakeelpu/psych-study/internal/models"
)

// AssignCondition draws one condition uniformly at random. This is the only
// randomization point in the system; it is called at most once per
// participant, from the screening transition, and is not reachable through
// any route. A single byte from the CSPRNG gives an unbiased coin.
func AssignCondition() models.Condition {
	var b [1]byte
	if _, err := io.ReadFull(rand.Reader, b[:]); err != nil {
		// The system CSPRNG failing is effectively fatal elsewhere; a math/rand
		// draw keeps the 50/50 contract if we ever get here.
		b[0] = byte(mrand.Intn(256))
	}
	if b[0]&1 == 0 {
		return models.ConditionControl
	}
	return models.ConditionExperimental
}
