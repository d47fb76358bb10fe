package hostview

import (
	"context"
	"errors"

	"marginalia/internal/annotation"
	"marginalia/internal/host"
)

// Offline stands in for the registry when no browser could be reached. Every
// call reports the original connection failure.
type Offline struct {
	Err error
}

func (o Offline) cause() error {
	if o.Err != nil {
		return o.Err
	}
	return errors.New("viewer browser not connected")
}

func (o Offline) ListOpenViews(context.Context) ([]host.View, error) {
	return nil, annotation.NetworkError("hostview.list_views", o.cause())
}

func (o Offline) OpenView(context.Context, host.AttachmentRef) (host.View, error) {
	return nil, annotation.NetworkError("hostview.open_view", o.cause())
}
