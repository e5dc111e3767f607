package job

import (
	"github.com/smallbiznis/genledger/internal/job/repository"
	"github.com/smallbiznis/genledger/internal/job/service"
	"github.com/smallbiznis/genledger/internal/ratelimit"
	"go.uber.org/fx"
)

var Module = fx.Module("job",
	fx.Provide(repository.Provide),
	fx.Provide(func(t *ratelimit.PollThrottle) service.Throttle { return t }),
	service.Module,
)
