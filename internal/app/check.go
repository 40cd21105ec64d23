package app

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Check runs a single check cycle and prints its summary.
func (a *App) Check(ctx context.Context) error {
	d, err := a.buildDeps(ctx)
	if err != nil {
		return err
	}
	defer d.close()

	result, err := d.watcher.RunCycle(ctx, time.Now().UTC())
	if err != nil {
		return err
	}

	encoded, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stdout, string(encoded))
	return nil
}
