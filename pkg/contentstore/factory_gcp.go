//go:build gcp

package contentstore

import "context"

func newGCSStore(ctx context.Context, opts Options) (Store, error) {
	return NewGCSStore(ctx, GCSStoreConfig{
		Bucket: opts.GCSBucket,
		Prefix: opts.GCSPrefix,
	})
}
