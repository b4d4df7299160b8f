package workflow

import (
	"context"
	"testing"

	"battledecks/pkg/domain"
	"battledecks/pkg/store"
)

func TestSelectorNeverExceedsBatchSize(t *testing.T) {
	st := store.NewMemoryStore()
	seedAIDeck(t, st, "d1", 23)

	for _, size := range []int{1, 3, 5, 50} {
		sel := NewSelector(st, size)
		batch, err := sel.Next(context.Background(), "d1")
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		want := size
		if want > 23 {
			want = 23
		}
		if len(batch) != want {
			t.Fatalf("size %d: got %d slides", size, len(batch))
		}
		for i := 1; i < len(batch); i++ {
			if batch[i-1].Order >= batch[i].Order {
				t.Fatalf("batch not ordered by position: %d then %d", batch[i-1].Order, batch[i].Order)
			}
		}
	}
	if NewSelector(st, 0).Size() != DefaultBatchSize {
		t.Fatalf("expected default batch size")
	}
}

func TestSelectorEmptyWhenDeckDrained(t *testing.T) {
	st := store.NewMemoryStore()
	seedAIDeck(t, st, "d1", 2)
	ctx := context.Background()
	_, _ = st.CompleteSlide(ctx, "d1-s00", domain.SlideResult{Caption: "x"})
	_, _ = st.BlockSlide(ctx, "d1-s01")

	batch, err := NewSelector(st, 5).Next(ctx, "d1")
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if len(batch) != 0 {
		t.Fatalf("expected exhaustion, got %d slides", len(batch))
	}
}
