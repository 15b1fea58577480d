package webhook

import (
	"github.com/hibiken/asynq"
	"go.uber.org/fx"
)

var Module = fx.Module("webhook.module",
	fx.Provide(
		NewSigner,
		NewDispatcher,
		NewService,
	),
)

// Worker mounts the delivery handler; only the worker binary includes it.
var Worker = fx.Module("webhook.worker",
	fx.Provide(NewDeliverer),
	fx.Invoke(func(mux *asynq.ServeMux, deliverer *Deliverer) {
		RegisterHandlers(mux, deliverer)
	}),
)
