package documents

import (
	"go.uber.org/fx"
)

// Module provides the documents repository
var Module = fx.Module("documents",
	fx.Provide(NewRepository),
)
