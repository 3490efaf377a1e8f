package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/smazurov/sideband/internal/api/models"
	"github.com/smazurov/sideband/pkg/sideband"
)

func (s *Server) registerDescriptorRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "validate-descriptor",
		Method:      http.MethodPost,
		Path:        "/api/descriptors/validate",
		Summary:     "Validate Descriptor",
		Description: "Check a native handle layout and decode it when it is a sideband handle. " +
			"Fd values are reported as given; nothing is opened.",
		Tags:     []string{"descriptors"},
		Errors:   []int{401},
		Security: withAuth(),
	}, func(_ context.Context, in *models.DescriptorRequest) (*models.DescriptorResponse, error) {
		h := &sideband.NativeHandle{
			Version: in.Body.Version,
			NumFds:  in.Body.NumFds,
			NumInts: in.Body.NumInts,
			Data:    in.Body.Data,
		}
		return &models.DescriptorResponse{Body: validateDescriptor(h)}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "list-providers",
		Method:      http.MethodGet,
		Path:        "/api/providers",
		Summary:     "List Providers",
		Tags:        []string{"descriptors"},
		Errors:      []int{401},
		Security:    withAuth(),
	}, func(_ context.Context, _ *struct{}) (*models.ProvidersResponse, error) {
		return &models.ProvidersResponse{Body: models.ProvidersData{
			Providers: sideband.Providers(),
			Default:   s.opts.DefaultProvider,
		}}, nil
	})
}

func validateDescriptor(h *sideband.NativeHandle) models.DescriptorValidation {
	d, err := sideband.DecodeDescriptor(h)
	if err != nil {
		return models.DescriptorValidation{Error: err.Error()}
	}
	return models.DescriptorValidation{
		Valid:      true,
		HandleID:   d.ID,
		Descriptor: describe(d),
	}
}

func describe(d sideband.Descriptor) *models.DescriptorFields {
	return &models.DescriptorFields{
		ID:              d.ID,
		PID:             d.PID,
		Width:           d.Width,
		Height:          d.Height,
		ColorFormat:     d.ColorFormat.String(),
		CompressedUsage: d.CompressedUsage,
		BufferCount:     d.BufferCount,
		QueueDepth:      d.QueueDepth,
		BufferSize:      d.BufferSize(),
		BufferFds:       append([]int(nil), d.BufferFds[:]...),
		MetaFd:          d.MetaFd,
	}
}
