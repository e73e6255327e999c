package risk

import "errors"

var (
	ErrKillSwitchActive = errors.New("kill switch active")
	ErrCircuitOpen      = errors.New("circuit breaker open")
	ErrDailyExceed      = errors.New("daily trade count exceed")
	ErrNotionalExceed   = errors.New("order notional exceed")
	ErrPositionExceed   = errors.New("net position exceed")
)
