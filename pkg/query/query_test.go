package query

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunQueryTask_Execute(t *testing.T) {
	params := map[string]string{
		"query": "SELECT * FROM users",
	}

	t.Run("it should succeed when the random number is greater than 20", func(t *testing.T) {
		task := NewRunQueryTask(func() int { return 21 }, 0)

		output, err := task.Execute(context.Background(), params)
		require.NoError(t, err)
		assert.Equal(t, "query executed: SELECT * FROM users", output)
	})

	// marginal case
	t.Run("it should fail when the random number is exactly 20", func(t *testing.T) {
		task := NewRunQueryTask(func() int { return 20 }, 0)

		_, err := task.Execute(context.Background(), params)
		assert.True(t, errors.Is(err, ErrQueryFailed))
	})

	t.Run("it should fail when the random number is less than 20", func(t *testing.T) {
		task := NewRunQueryTask(func() int { return 19 }, 0)

		_, err := task.Execute(context.Background(), params)
		assert.True(t, errors.Is(err, ErrQueryFailed))
	})
}

func TestRunQueryTask_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	task := NewRunQueryTask(func() int { return 100 }, 1<<40)
	_, err := task.Execute(ctx, map[string]string{})
	assert.True(t, errors.Is(err, context.Canceled))
}
