package loyalty

import (
	"go.uber.org/fx"
)

var Module = fx.Module("loyalty.module",
	fx.Provide(NewService),
)
