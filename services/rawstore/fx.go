package rawstore

import (
	"go.uber.org/fx"
)

var Module = fx.Module("rawstore.service",
	fx.Provide(NewStore),
)
