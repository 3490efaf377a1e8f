//go:build !linux

package cmd

import (
	"context"
	"errors"

	"github.com/smazurov/sideband/pkg/sideband"
)

var errNoUnixRights = errors.New("descriptor sockets require linux")

func fetchDescriptor(context.Context, string) (*sideband.NativeHandle, error) {
	return nil, errNoUnixRights
}

func closeDescriptorFds(*sideband.NativeHandle) error { return nil }
