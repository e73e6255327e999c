package risk

import "log/slog"

// AlertClient 抽象告警发送。
type AlertClient interface {
	Send(typ, msg string)
}

type Notifier struct {
	alert AlertClient
}

func NewNotifier(alert AlertClient) *Notifier {
	return &Notifier{alert: alert}
}

func (n *Notifier) NotifyKillSwitch(pair, reason string) {
	msg := "KillSwitchActivated pair=" + pair + " reason=" + reason
	slog.Warn(msg)
	if n.alert != nil {
		n.alert.Send("KillSwitch", msg)
	}
}

func (n *Notifier) NotifyCircuitTrip(pair string, tickPrice float64) {
	msg := "CircuitBreakerTriggered pair=" + pair
	slog.Warn(msg, "price", tickPrice)
	if n.alert != nil {
		n.alert.Send("CircuitBreaker", msg)
	}
}
