package session

import (
	"container/heap"
	"context"

	"github.com/JanSpindler/blf2mdf/internal/domain"
	"github.com/JanSpindler/blf2mdf/pkg/log"
)

// mergeItem is one sample group waiting in the merge heap, tagged with
// its source stream for the stable tie break.
type mergeItem struct {
	group domain.SampleGroup
	file  int
	seq   uint64
}

// mergeHeap orders items by timestamp, then input file order, then
// arrival order within the file.
type mergeHeap []mergeItem

func (h mergeHeap) Len() int { return len(h) }

func (h mergeHeap) Less(i, j int) bool {
	if h[i].group.Timestamp != h[j].group.Timestamp {
		return h[i].group.Timestamp < h[j].group.Timestamp
	}
	if h[i].file != h[j].file {
		return h[i].file < h[j].file
	}
	return h[i].seq < h[j].seq
}

func (h mergeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *mergeHeap) Push(x any) { *h = append(*h, x.(mergeItem)) }

func (h *mergeHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// mergeStreams performs a stable k-way merge of the per-file streams
// into out. Output is strictly monotonic in timestamp per bus: a group
// whose timestamp is not after the last one emitted for its bus is
// dropped and accounted to its source file as a timestamp-order skip.
func mergeStreams(ctx context.Context, streams []chan domain.SampleGroup, out chan<- domain.SampleGroup, summaries []domain.FileSummary, logger log.Logger) {
	seqs := make([]uint64, len(streams))
	h := make(mergeHeap, 0, len(streams))
	for i, ch := range streams {
		if group, ok := <-ch; ok {
			h = append(h, mergeItem{group: group, file: i, seq: seqs[i]})
			seqs[i]++
		}
	}
	heap.Init(&h)

	lastByBus := make(map[int]int64, len(streams))
	for h.Len() > 0 {
		item := heap.Pop(&h).(mergeItem)

		last, seen := lastByBus[item.group.Bus]
		if seen && item.group.Timestamp <= last {
			orderErr := &domain.TimestampOrderError{
				Bus:       item.group.Bus,
				FrameID:   item.group.FrameID,
				Timestamp: item.group.Timestamp,
				Last:      last,
			}
			for range item.group.Samples {
				summaries[item.file].Skip(domain.SkipTimestampOrder)
			}
			logger.Warn("dropping non-monotonic sample group",
				log.String("file", summaries[item.file].Path),
				log.Err(orderErr),
			)
		} else {
			lastByBus[item.group.Bus] = item.group.Timestamp
			select {
			case out <- item.group:
			case <-ctx.Done():
				return
			}
		}

		if group, ok := <-streams[item.file]; ok {
			heap.Push(&h, mergeItem{group: group, file: item.file, seq: seqs[item.file]})
			seqs[item.file]++
		}
	}
}
