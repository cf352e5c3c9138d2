package coordinator

import (
	"context"

	"github.com/bpfman/bpfman-core/internal/model"
	"github.com/bpfman/bpfman-core/internal/ociimage"
)

// pull fetches src through the bounded worker pool, per spec.md section 5:
// OCI fetches and signature verification "may suspend/block" and run off
// the coordinator thread. The semaphore is the bounded parallel pool;
// acquiring it is this call's only interaction with the coordinator's
// shared state.
func (c *Coordinator) pull(ctx context.Context, src model.BytecodeSource) (*ociimage.FetchResult, error) {
	if err := c.pullSem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer c.pullSem.Release(1)

	return c.images.Fetch(ctx, src)
}

// PullBytecode implements pull_bytecode(image_url): an eager cache warm
// that never touches the coordinator thread or persisted program state,
// since it neither loads nor attaches anything.
func (c *Coordinator) PullBytecode(ctx context.Context, imageURL string, policy model.PullPolicy) error {
	_, err := c.pull(ctx, model.BytecodeSource{ImageURL: imageURL, PullPolicy: policy})
	return err
}
