package scheduler

import (
	"context"
	"fmt"
)

// CountTodosJob is the name of the built-in ToDo counting job.
const CountTodosJob = "count-todos"

// TodoCounter reports how many ToDo records exist.
type TodoCounter interface {
	CountTodos(ctx context.Context) (int64, error)
}

// CountTodos builds the count-todos work function.
func CountTodos(counter TodoCounter) Job {
	return func(ctx context.Context) (string, error) {
		n, err := counter.CountTodos(ctx)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("Total todos: %d", n), nil
	}
}
