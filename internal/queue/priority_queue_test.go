package queue

import (
	"errors"
	"math/rand"
	"strconv"
	"testing"
	"time"

	"github.com/sf7293/task-scheduler/internal/domain"
	"github.com/sf7293/task-scheduler/internal/errval"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func task(id string, p domain.TaskPriority, created time.Time) *domain.Task {
	return &domain.Task{ID: id, Name: id, Status: domain.Pending, Priority: p, CreatedAt: created}
}

func popIDs(q *PriorityQueue) []string {
	var ids []string
	for {
		t, ok := q.Pop()
		if !ok {
			return ids
		}
		ids = append(ids, t.ID)
	}
}

func TestPriorityQueue_PopOrder(t *testing.T) {
	t.Run("it should pop by priority then age", func(t *testing.T) {
		q := NewPriorityQueue()
		require.NoError(t, q.Push(task("A", domain.Low, t0)))
		require.NoError(t, q.Push(task("B", domain.Critical, t0.Add(time.Second))))
		require.NoError(t, q.Push(task("C", domain.Normal, t0.Add(2*time.Second))))

		assert.Equal(t, []string{"B", "C", "A"}, popIDs(q))
	})

	t.Run("it should keep FIFO within a priority band", func(t *testing.T) {
		q := NewPriorityQueue()
		require.NoError(t, q.Push(task("late", domain.High, t0.Add(time.Minute))))
		require.NoError(t, q.Push(task("early", domain.High, t0)))
		require.NoError(t, q.Push(task("same-1", domain.High, t0.Add(time.Second))))
		require.NoError(t, q.Push(task("same-2", domain.High, t0.Add(time.Second))))

		assert.Equal(t, []string{"early", "same-1", "same-2", "late"}, popIDs(q))
	})

	t.Run("it should always pop the highest priority present", func(t *testing.T) {
		r := rand.New(rand.NewSource(42))
		q := NewPriorityQueue()
		for i := 0; i < 200; i++ {
			p := domain.TaskPriority(r.Intn(4))
			require.NoError(t, q.Push(task(strconv.Itoa(i), p, t0.Add(time.Duration(r.Intn(50))*time.Second))))
		}

		var prev *domain.Task
		for {
			next, ok := q.Pop()
			if !ok {
				break
			}
			if prev != nil {
				assert.True(t, prev.Priority >= next.Priority)
				if prev.Priority == next.Priority {
					assert.False(t, next.CreatedAt.Before(prev.CreatedAt))
				}
			}
			prev = next
		}
	})
}

func TestPriorityQueue_Push(t *testing.T) {
	t.Run("it should reject a duplicate id and leave the queue unchanged", func(t *testing.T) {
		q := NewPriorityQueue()
		require.NoError(t, q.Push(task("A", domain.Low, t0)))

		err := q.Push(task("A", domain.Critical, t0))
		assert.True(t, errors.Is(err, errval.ErrDuplicateTask))
		assert.Equal(t, 1, q.Len())

		head, ok := q.Peek()
		require.True(t, ok)
		assert.Equal(t, domain.Low, head.Priority)
	})

	t.Run("it should reject a malformed priority", func(t *testing.T) {
		q := NewPriorityQueue()
		err := q.Push(task("A", domain.TaskPriority(7), t0))
		assert.True(t, errors.Is(err, errval.ErrInvalidPriority))
		assert.Equal(t, 0, q.Len())
	})
}

func TestPriorityQueue_PeekRemove(t *testing.T) {
	q := NewPriorityQueue()
	_, ok := q.Peek()
	assert.False(t, ok)

	require.NoError(t, q.Push(task("A", domain.Normal, t0)))
	require.NoError(t, q.Push(task("B", domain.High, t0)))

	head, ok := q.Peek()
	require.True(t, ok)
	assert.Equal(t, "B", head.ID)
	assert.Equal(t, 2, q.Len())

	removed, err := q.Remove("B")
	require.NoError(t, err)
	assert.Equal(t, "B", removed.ID)

	_, err = q.Remove("B")
	assert.True(t, errors.Is(err, errval.ErrNotFound))

	assert.Equal(t, []string{"A"}, popIDs(q))
}

func TestPriorityQueue_UpdatePriority(t *testing.T) {
	t.Run("it should pop the task at its new priority", func(t *testing.T) {
		q := NewPriorityQueue()
		require.NoError(t, q.Push(task("A", domain.Low, t0)))
		require.NoError(t, q.Push(task("B", domain.High, t0.Add(time.Second))))
		require.NoError(t, q.Push(task("C", domain.Normal, t0.Add(2*time.Second))))

		require.NoError(t, q.UpdatePriority("A", domain.Critical))
		assert.Equal(t, []string{"A", "B", "C"}, popIDs(q))
	})

	t.Run("it should queue behind equal entries already waiting", func(t *testing.T) {
		q := NewPriorityQueue()
		require.NoError(t, q.Push(task("A", domain.Low, t0)))
		require.NoError(t, q.Push(task("B", domain.High, t0)))

		require.NoError(t, q.UpdatePriority("A", domain.High))
		assert.Equal(t, []string{"B", "A"}, popIDs(q))
	})

	t.Run("it should report unknown ids", func(t *testing.T) {
		q := NewPriorityQueue()
		assert.True(t, errors.Is(q.UpdatePriority("missing", domain.High), errval.ErrNotFound))
	})
}

func TestPriorityQueue_StatsAndPopUpTo(t *testing.T) {
	q := NewPriorityQueue()
	require.NoError(t, q.Push(task("A", domain.Low, t0)))
	require.NoError(t, q.Push(task("B", domain.Low, t0)))
	require.NoError(t, q.Push(task("C", domain.Critical, t0)))

	assert.Equal(t, map[domain.TaskPriority]int{
		domain.Low:      2,
		domain.Normal:   0,
		domain.High:     0,
		domain.Critical: 1,
	}, q.Stats())

	batch := q.PopUpTo(2)
	require.Len(t, batch, 2)
	assert.Equal(t, "C", batch[0].ID)
	assert.Equal(t, "A", batch[1].ID)
	assert.Equal(t, 1, q.Len())
	assert.Nil(t, q.PopUpTo(0))
}
