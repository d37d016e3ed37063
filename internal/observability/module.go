package observability

import "go.uber.org/fx"

// Module provides the logger for injection into every other component.
var Module = fx.Module(
	"observability",

	fx.Provide(
		NewLogger,
		NewSugaredLogger,
	),
)
