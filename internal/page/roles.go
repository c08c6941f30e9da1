package page

import (
	"github.com/rs/zerolog"

	"github.com/p-blackswan/verichat/internal/models"
	"github.com/p-blackswan/verichat/internal/runtime"
)

// NewOperatorController creates the operator page: it lists end users and
// waits for the operator to pick one.
func NewOperatorController(cfg Config, loop *runtime.Loop, deps Deps, logger zerolog.Logger) *Controller {
	return newController(models.RoleOperator, false, cfg, loop, deps, logger)
}

// NewEndUserController creates the end-user page: it lists operators and
// opens the first one as soon as contacts arrive.
func NewEndUserController(cfg Config, loop *runtime.Loop, deps Deps, logger zerolog.Logger) *Controller {
	return newController(models.RoleEndUser, true, cfg, loop, deps, logger)
}

// NewController picks the page for role.
func NewController(role models.Role, cfg Config, loop *runtime.Loop, deps Deps, logger zerolog.Logger) *Controller {
	if role == models.RoleEndUser {
		return NewEndUserController(cfg, loop, deps, logger)
	}
	return NewOperatorController(cfg, loop, deps, logger)
}
