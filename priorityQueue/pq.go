package priorityQueue

import (
	"container/heap"
)

// An Item is something we manage in a priority queue, ordered by SeqNum.
type Item[T any] struct {
	SeqNum uint64 // absolute sequence number, lowest pops first
	Index  int    // The index of the item in the heap
	Value  T
}

// A PriorityQueue implements heap.Interface and holds Items.
type PriorityQueue[T any] []*Item[T]

func (pq PriorityQueue[T]) Len() int { return len(pq) }

func (pq PriorityQueue[T]) Less(i, j int) bool {
	// We want Pop to give us the lowest sequence number, so we use less than here
	return pq[i].SeqNum < pq[j].SeqNum
}

func (pq PriorityQueue[T]) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
	pq[i].Index = i
	pq[j].Index = j
}

func (pq *PriorityQueue[T]) Push(x any) {
	n := len(*pq)
	item := x.(*Item[T])
	item.Index = n
	*pq = append(*pq, item)
}

func (pq *PriorityQueue[T]) Pop() any {
	old := *pq
	n := len(old)
	item := old[n-1]
	old[n-1] = nil  // don't stop the GC from reclaiming the item eventually
	item.Index = -1 // for safety
	*pq = old[0 : n-1]
	return item
}

// PushItem adds value under seqNum, keeping heap order.
func (pq *PriorityQueue[T]) PushItem(seqNum uint64, value T) {
	heap.Push(pq, &Item[T]{SeqNum: seqNum, Value: value})
}

// Peek returns the item with the lowest sequence number without removing it.
func (pq PriorityQueue[T]) Peek() (*Item[T], bool) {
	if len(pq) == 0 {
		return nil, false
	}
	return pq[0], true
}

// PopMin removes and returns the item with the lowest sequence number.
func (pq *PriorityQueue[T]) PopMin() (*Item[T], bool) {
	if pq.Len() == 0 {
		return nil, false
	}
	return heap.Pop(pq).(*Item[T]), true
}
