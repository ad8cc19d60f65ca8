package recovery

import (
	"etl-engine/pkg/extractor"

	"go.uber.org/fx"
)

var Module = fx.Module("recovery",
	fx.Provide(
		extractor.NewRegistry,
		NewController,
		NewStopRegistry,
	),
)
