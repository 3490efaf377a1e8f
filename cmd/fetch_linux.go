//go:build linux

package cmd

import (
	"context"

	"github.com/smazurov/sideband/pkg/sideband"
	"github.com/smazurov/sideband/pkg/sideband/uds"
)

func fetchDescriptor(ctx context.Context, socket string) (*sideband.NativeHandle, error) {
	return uds.Fetch(ctx, socket)
}

func closeDescriptorFds(h *sideband.NativeHandle) error {
	return uds.CloseFds(h)
}
