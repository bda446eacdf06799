package progress

import (
	"context"
	"fmt"
	"time"
)

type sinkFunc func(context.Context, []Event) error

func (f sinkFunc) Consume(ctx context.Context, batch []Event) error { return f(ctx, batch) }

func (sinkFunc) Close(context.Context) error { return nil }

// ExampleHub_Emit tallies finished jobs by stage. Close flushes whatever is
// still pending.
func ExampleHub_Emit() {
	finished := map[Stage]int{}
	tally := sinkFunc(func(_ context.Context, batch []Event) error {
		for _, evt := range batch {
			if evt.Terminal() {
				finished[evt.Stage]++
			}
		}
		return nil
	})
	hub := NewHub(Config{BufferSize: 8, MaxBatchEvents: 4, MaxBatchWait: time.Second}, tally)

	at := time.Unix(0, 0)
	hub.Emit(Event{JobID: "5f0c", TS: at, Stage: StageActive})
	hub.Emit(Event{JobID: "5f0c", TS: at, Stage: StageCompleted, Tier: "headless"})
	hub.Emit(Event{JobID: "77ab", TS: at, Stage: StageFailed, Note: "exhausted all attempts"})
	if err := hub.Close(context.Background()); err != nil {
		panic(err)
	}

	fmt.Printf("completed=%d failed=%d\n", finished[StageCompleted], finished[StageFailed])
	// Output:
	// completed=1 failed=1
}
