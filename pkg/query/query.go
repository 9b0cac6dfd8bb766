package query

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

var ErrQueryFailed = errors.New("run_query failed")

type RunQueryTask struct {
	RandomFunc func() int
	Delay      time.Duration
}

// NewRunQueryTask is a constructor that takes a random function as a dependency
func NewRunQueryTask(randomFunc func() int, delay time.Duration) RunQueryTask {
	return RunQueryTask{
		RandomFunc: randomFunc,
		Delay:      delay,
	}
}

func (q RunQueryTask) Execute(ctx context.Context, params map[string]string) (string, error) {
	slog.Info("run_query parameters:", "params", params)

	select {
	case <-time.After(q.Delay):
	case <-ctx.Done():
		return "", ctx.Err()
	}

	// q.Random func is an injected function which returns random number between 1 and 100
	randomNumber := q.RandomFunc()
	// This function fails for 20% of times, which the retry policy treats as transient
	if randomNumber <= 20 {
		slog.Warn("Error occurred while executing the query", "params", params)
		return "", ErrQueryFailed
	}

	return "query executed: " + params["query"], nil
}
