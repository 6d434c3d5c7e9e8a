package mount

import "context"

// Mounter defines the interface for mount/unmount operations
type Mounter interface {
	// Mount mounts the source device to the target directory
	Mount(ctx context.Context, source, target, fsType, options string) error
	// Unmount unmounts the target directory
	Unmount(ctx context.Context, target string) error
	// IsMounted checks if the target is mounted
	IsMounted(target string) (bool, error)
}
