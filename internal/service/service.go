// Package service exposes the task queue and the alert engine over HTTP.
package service

import (
	"context"
	"errors"

	"ModelHub/internal/biz"
	pkgerrors "ModelHub/pkg/errors"

	kerrors "github.com/go-kratos/kratos/v2/errors"
	"github.com/go-kratos/kratos/v2/transport/http"
	"github.com/google/wire"
)

// ProviderSet is service providers.
var ProviderSet = wire.NewSet(NewTaskService, NewAlertService)

// toKratosError maps biz errors onto kratos errors carrying an HTTP status.
func toKratosError(err error) error {
	if err == nil {
		return nil
	}
	var kerr *kerrors.Error
	if errors.As(err, &kerr) {
		return err
	}

	switch {
	case errors.Is(err, biz.ErrInvalidAlertRule), errors.Is(err, biz.ErrInvalidMetricSample):
		return kerrors.BadRequest("INVALID_ARGUMENT", err.Error())
	case errors.Is(err, biz.ErrAlertRuleNotFound):
		return kerrors.NotFound("ALERT_RULE_NOT_FOUND", err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return kerrors.ServiceUnavailable("REQUEST_CANCELLED", err.Error())
	}

	switch pkgerrors.KindOf(err) {
	case pkgerrors.KindSubmission, pkgerrors.KindCircuitOpen, pkgerrors.KindTransient:
		return kerrors.ServiceUnavailable("SERVICE_UNAVAILABLE", err.Error())
	}
	return kerrors.InternalServer("INTERNAL", err.Error())
}

// handle adapts a typed service method to a kratos route handler so that
// the server middleware chain runs around it.
func handle[Req any, Reply any](operation string, bind func(http.Context, *Req) error, fn func(context.Context, *Req) (*Reply, error)) http.HandlerFunc {
	return func(ctx http.Context) error {
		var in Req
		if bind != nil {
			if err := bind(ctx, &in); err != nil {
				return kerrors.BadRequest("INVALID_ARGUMENT", err.Error())
			}
		}
		http.SetOperation(ctx, operation)
		h := ctx.Middleware(func(ctx context.Context, req interface{}) (interface{}, error) {
			return fn(ctx, req.(*Req))
		})
		out, err := h(ctx, &in)
		if err != nil {
			return err
		}
		return ctx.Result(200, out)
	}
}
