package rule

import (
	"go.uber.org/fx"
)

var Module = fx.Module("rule.module",
	fx.Provide(
		NewEvaluator,
		NewMatcher,
		NewCalculator,
		NewRepository,
		NewService,
	),
)
