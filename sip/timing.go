package sip

import (
	"encoding/json"
	"log/slog"
	"time"

	"braces.dev/errtrace"
)

// RFC 3261 base timer values.
const (
	// T1 is the round-trip time estimate.
	T1 = 500 * time.Millisecond
	// T2 caps the retransmit interval of non-INVITE requests and INVITE final responses.
	T2 = 4 * time.Second
	// T4 is the maximum time a message may stay in the network.
	T4 = 5 * time.Second
	// TimeD is the time an INVITE client transaction absorbs final response retransmits
	// over an unreliable transport.
	TimeD = 32 * time.Second
	// Time100 is the delay after which an INVITE server transaction sends 100 Trying on its own.
	Time100 = 200 * time.Millisecond
)

// TimingConfig holds the base timer values used by transactions.
// Zero fields fall back to [T1], [T2], [T4], [TimeD] and [Time100];
// the named timers A to M are derived from them as in RFC 3261 Table 4 and RFC 6026.
type TimingConfig struct {
	t1, t2, t4,
	timeD,
	time100 time.Duration
}

var defTimingCfg TimingConfig

// NewTimings creates a timing config with the given base values.
func NewTimings(t1, t2, t4, timeD, time100 time.Duration) TimingConfig {
	return TimingConfig{t1, t2, t4, timeD, time100}
}

// T1 returns the round-trip time estimate, [T1] if unset.
func (c TimingConfig) T1() time.Duration { return orDefault(c.t1, T1) }

// T2 returns the retransmit interval cap, [T2] if unset.
func (c TimingConfig) T2() time.Duration { return orDefault(c.t2, T2) }

// T4 returns the maximum message lifetime in the network, [T4] if unset.
func (c TimingConfig) T4() time.Duration { return orDefault(c.t4, T4) }

// Time100 returns the delay of the automatic 100 Trying, [Time100] if unset.
func (c TimingConfig) Time100() time.Duration { return orDefault(c.time100, Time100) }

func orDefault(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

// TimeA is the initial INVITE retransmit interval. It doubles on each fire.
func (c TimingConfig) TimeA() time.Duration { return c.T1() }

// TimeB is the INVITE client transaction timeout, 64*T1.
func (c TimingConfig) TimeB() time.Duration { return 64 * c.T1() }

// TimeD is the wait for final response retransmits over an unreliable transport.
func (c TimingConfig) TimeD() time.Duration { return orDefault(c.timeD, TimeD) }

// TimeE is the initial non-INVITE retransmit interval. It doubles up to T2.
func (c TimingConfig) TimeE() time.Duration { return c.T1() }

// TimeF is the non-INVITE client transaction timeout, 64*T1.
func (c TimingConfig) TimeF() time.Duration { return 64 * c.T1() }

// TimeG is the initial INVITE final response retransmit interval. It doubles up to T2.
func (c TimingConfig) TimeG() time.Duration { return c.T1() }

// TimeH is the wait for ACK receipt, 64*T1.
func (c TimingConfig) TimeH() time.Duration { return 64 * c.T1() }

// TimeI is the wait for ACK retransmits over an unreliable transport, T4.
func (c TimingConfig) TimeI() time.Duration { return c.T4() }

// TimeJ is the wait for non-INVITE request retransmits over an unreliable transport, 64*T1.
func (c TimingConfig) TimeJ() time.Duration { return 64 * c.T1() }

// TimeK is the wait for non-INVITE response retransmits over an unreliable transport, T4.
func (c TimingConfig) TimeK() time.Duration { return c.T4() }

// TimeL is the wait for INVITE request retransmits after a 2xx was sent, 64*T1 (RFC 6026).
func (c TimingConfig) TimeL() time.Duration { return 64 * c.T1() }

// TimeM is the wait for 2xx retransmits after the first 2xx was received, 64*T1 (RFC 6026).
func (c TimingConfig) TimeM() time.Duration { return 64 * c.T1() }

// IsZero reports whether all base values are unset.
func (c TimingConfig) IsZero() bool {
	return c.t1 == 0 && c.t2 == 0 && c.t4 == 0 && c.timeD == 0 && c.time100 == 0
}

// unreliableOnly returns d for unreliable transports and zero for reliable ones.
func unreliableOnly(d time.Duration, reliable bool) time.Duration {
	if reliable {
		return 0
	}
	return d
}

// LogValue implements [slog.LogValuer].
func (c TimingConfig) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Duration("t1", c.T1()),
		slog.Duration("t2", c.T2()),
		slog.Duration("t4", c.T4()),
		slog.Duration("time_d", c.TimeD()),
		slog.Duration("time_100", c.Time100()),
	)
}

type timingConfData struct {
	T1      time.Duration `json:"t1,omitempty"`
	T2      time.Duration `json:"t2,omitempty"`
	T4      time.Duration `json:"t4,omitempty"`
	TimeD   time.Duration `json:"time_d,omitempty"`
	Time100 time.Duration `json:"time_100,omitempty"`
}

// MarshalJSON implements [json.Marshaler].
func (c TimingConfig) MarshalJSON() ([]byte, error) {
	return errtrace.Wrap2(json.Marshal(timingConfData{c.t1, c.t2, c.t4, c.timeD, c.time100}))
}

// UnmarshalJSON implements [json.Unmarshaler].
func (c *TimingConfig) UnmarshalJSON(data []byte) error {
	var d timingConfData
	if err := json.Unmarshal(data, &d); err != nil {
		return errtrace.Wrap(err)
	}
	*c = TimingConfig{d.T1, d.T2, d.T4, d.TimeD, d.Time100}
	return nil
}
