package answer

import (
	"context"
	"fmt"
)

// StaticEngine is a deterministic Engine for local development and tests.
// It echoes the utterance back so transcripts show the full round trip.
type StaticEngine struct{}

func NewStaticEngine() *StaticEngine {
	return &StaticEngine{}
}

func (*StaticEngine) Answer(ctx context.Context, q Query) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return fmt.Sprintf("You said: %s", q.Message), nil
}
