//go:build !gcp

package evidence

import (
	"context"
	"fmt"
)

func newGCSFromConfig(_ context.Context, _ Config) (Store, error) {
	return nil, fmt.Errorf("evidence: gcs backend is not enabled in this build (use -tags gcp)")
}
