// Package async holds the scheduler's bounded lock-free work queue.
package async

import (
	"errors"
	"runtime"
	"sync/atomic"
)

var (
	ErrInvalidCapacity = errors.New("ring buffer capacity must be a power of two and >= 2")
)

const cacheLinePad = 64 - 8

type slot[T any] struct {
	sequence atomic.Uint64
	value    T
}

// RingBuffer는 lock-free MPMC bounded queue이다.
// 알고리즘은 sequence 기반 CAS 패턴(Vyukov 스타일)을 따른다.
// 슬롯 소유권은 sequence 값으로만 넘어가며 전역 락은 없다.
type RingBuffer[T any] struct {
	capacity uint64
	mask     uint64

	_pad0 [cacheLinePad]byte
	head  atomic.Uint64
	_pad1 [cacheLinePad]byte
	tail  atomic.Uint64
	_pad2 [cacheLinePad]byte

	rejected atomic.Uint64

	slots []slot[T]
}

func NewRingBuffer[T any](capacity uint64) (*RingBuffer[T], error) {
	if capacity < 2 || (capacity&(capacity-1)) != 0 {
		return nil, ErrInvalidCapacity
	}
	slots := make([]slot[T], capacity)
	for i := uint64(0); i < capacity; i++ {
		slots[i].sequence.Store(i)
	}
	return &RingBuffer[T]{
		capacity: capacity,
		mask:     capacity - 1,
		slots:    slots,
	}, nil
}

func (q *RingBuffer[T]) Cap() uint64 {
	return q.capacity
}

// Len is approximate under concurrent use.
func (q *RingBuffer[T]) Len() int {
	tail := q.tail.Load()
	head := q.head.Load()
	if tail <= head {
		return 0
	}
	return int(min(tail-head, q.capacity))
}

// Rejected counts Enqueue calls that found the ring full.
func (q *RingBuffer[T]) Rejected() uint64 {
	return q.rejected.Load()
}

// Enqueue fails only when the ring is full. It never blocks.
func (q *RingBuffer[T]) Enqueue(value T) bool {
	for {
		pos := q.tail.Load()
		s := &q.slots[pos&q.mask]
		delta := int64(s.sequence.Load()) - int64(pos)

		switch {
		case delta == 0:
			if q.tail.CompareAndSwap(pos, pos+1) {
				s.value = value
				s.sequence.Store(pos + 1)
				return true
			}
		case delta < 0:
			q.rejected.Add(1)
			return false
		default:
			// 다른 producer가 이미 이 위치를 가져갔다.
			runtime.Gosched()
		}
	}
}

// Dequeue reports false when nothing is ready. It never blocks.
func (q *RingBuffer[T]) Dequeue() (T, bool) {
	var zero T
	for {
		pos := q.head.Load()
		s := &q.slots[pos&q.mask]
		delta := int64(s.sequence.Load()) - int64(pos+1)

		switch {
		case delta == 0:
			if q.head.CompareAndSwap(pos, pos+1) {
				value := s.value
				s.value = zero
				s.sequence.Store(pos + q.capacity)
				return value, true
			}
		case delta < 0:
			return zero, false
		default:
			runtime.Gosched()
		}
	}
}
