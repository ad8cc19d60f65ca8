package checkpoint

import (
	"go.uber.org/fx"
)

var Module = fx.Module("checkpoint.service",
	fx.Provide(NewManager),
)
