// Package process supervises child processes, one per stream.
//
// Child runs a single command with a graceful stop: SIGINT first, SIGKILL
// after a timeout. Output lines are parsed and re-logged through slog.
//
// Pool keys children by stream ID and restarts crashed ones with a delay,
// up to a restart limit. The daemon uses it to run `sideband produce`
// for streams whose runner is "process":
//
//	pool := process.NewPool(process.PoolOptions{
//		Args: func(id string) ([]string, error) {
//			return []string{exe, "produce", id, "--log-json"}, nil
//		},
//		MaxRestarts: 5,
//	})
//	_ = pool.Start("cam0")
//	defer pool.StopAll()
package process
