package persistence

// StatusReport is a point-in-time view of both handles. Addresses are
// redacted.
type StatusReport struct {
	Primary        Status `json:"primary"`
	Shadow         Status `json:"shadow"`
	PrimaryAddress string `json:"primary_address,omitempty"`
	ShadowAddress  string `json:"shadow_address,omitempty"`
}

// Degraded reports whether the layer is running without a primary store.
func (r StatusReport) Degraded() bool {
	return r.Primary != StatusConnected
}

// Settled reports whether both probes have finished.
func (r StatusReport) Settled() bool {
	return settled(r.Primary) && settled(r.Shadow)
}

func settled(s Status) bool {
	return s == StatusConnected || s == StatusUnavailable
}

// Status returns the current state of both handles.
func (l *Layer) Status() StatusReport {
	report := StatusReport{
		Primary: l.primary.Status(),
		Shadow:  l.shadow.Status(),
	}
	if t, ok := l.primary.Target(); ok {
		report.PrimaryAddress = t.Redacted()
	}
	if t, ok := l.shadow.Target(); ok {
		report.ShadowAddress = t.Redacted()
	}
	return report
}
