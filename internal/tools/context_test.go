package tools

import (
	"context"
	"testing"
)

func TestTurnFromContext(t *testing.T) {
	if got := TurnFromContext(context.Background()); got != (TurnInfo{}) {
		t.Errorf("TurnFromContext() on bare context = %+v", got)
	}

	want := TurnInfo{EnvelopeID: "0191", Source: "socket", Author: "ada"}
	ctx := WithTurn(context.Background(), want)
	if got := TurnFromContext(ctx); got != want {
		t.Errorf("TurnFromContext() = %+v, want %+v", got, want)
	}
}
