package sheet

import (
	"context"

	"golang.org/x/sync/singleflight"
)

var summaryGroup singleflight.Group

// summarySingleflight coalesces concurrent summary reads for the same
// sheet; delegates polling a sheet mid-run otherwise stack identical
// aggregate queries on the database.
func summarySingleflight(ctx context.Context, key string, fn func(context.Context) (interface{}, error)) (interface{}, error, bool) {
	resultChan := summaryGroup.DoChan(key, func() (interface{}, error) {
		return fn(ctx)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err(), false
	case res := <-resultChan:
		return res.Val, res.Err, res.Shared
	}
}
