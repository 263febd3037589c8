//go:build !gcp

package contentstore

import (
	"context"
	"fmt"
)

func newGCSStore(ctx context.Context, opts Options) (Store, error) {
	return nil, fmt.Errorf("GCS storage is not enabled in this build (use -tags gcp)")
}
