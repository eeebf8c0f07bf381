package objectstore

import (
	"context"
	"fmt"

	"github.com/shaunnez/diamond-opus-sub003/internal/models"
	"github.com/shaunnez/diamond-opus-sub003/internal/queue"
)

const watermarkContainer = "watermarks"

// WatermarkStore narrows Store to the one read/write pair the consolidator
// and scheduler need, keyed by feedId per §6.
type WatermarkStore struct {
	store Store
}

func NewWatermarkStore(store Store) *WatermarkStore {
	return &WatermarkStore{store: store}
}

func (w *WatermarkStore) Save(ctx context.Context, wm models.Watermark) error {
	data, err := queue.Encode(wm)
	if err != nil {
		return fmt.Errorf("watermark: encode %s: %w", wm.FeedID, err)
	}
	return w.store.Put(ctx, watermarkContainer, wm.FeedID+".json", data)
}

// Load returns a Watermark with only FeedID set (not an error) when no watermark has
// ever been written for feedID, since an unset watermark just means "no
// incremental run has completed yet" — the scheduler falls back to
// fullRunStartDate in that case.
func (w *WatermarkStore) Load(ctx context.Context, feedID string) (models.Watermark, error) {
	data, err := w.store.Get(ctx, watermarkContainer, feedID+".json")
	if err == ErrNotFound {
		return models.Watermark{FeedID: feedID}, nil
	}
	if err != nil {
		return models.Watermark{}, fmt.Errorf("watermark: load %s: %w", feedID, err)
	}

	var wm models.Watermark
	if err := queue.Decode(data, &wm); err != nil {
		return models.Watermark{}, fmt.Errorf("watermark: decode %s: %w", feedID, err)
	}
	return wm, nil
}
