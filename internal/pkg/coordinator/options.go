package coordinator

import (
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/clock"
)

const defaultRequestRefreshCooldown = 10 * time.Second

// Recorder receives refresh metrics. See the metrics package.
type Recorder interface {
	ObserveRefresh(name string, err error, elapsed time.Duration)
	SetAvailable(name string, available bool)
	SetListeners(name string, count int)
}

type nopRecorder struct{}

func (nopRecorder) ObserveRefresh(string, error, time.Duration) {}
func (nopRecorder) SetAvailable(string, bool)                   {}
func (nopRecorder) SetListeners(string, int)                    {}

type settings struct {
	clock        clock.WithTickerAndDelayedExecution
	logger       *zap.Logger
	timeout      time.Duration
	cooldown     time.Duration
	alwaysUpdate bool
	recorder     Recorder
	onAuthFailed func(error)
}

func defaultSettings() *settings {
	return &settings{
		clock:        clock.RealClock{},
		logger:       zap.L(),
		cooldown:     defaultRequestRefreshCooldown,
		alwaysUpdate: true,
		recorder:     nopRecorder{},
	}
}

type Option func(*settings)

func WithClock(c clock.WithTickerAndDelayedExecution) Option {
	return func(s *settings) {
		s.clock = c
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(s *settings) {
		s.logger = l
	}
}

// WithTimeout bounds every fetch. Zero means the fetch decides.
func WithTimeout(d time.Duration) Option {
	return func(s *settings) {
		s.timeout = d
	}
}

// WithRequestRefreshCooldown sets the debounce window used by RequestRefresh.
func WithRequestRefreshCooldown(d time.Duration) Option {
	return func(s *settings) {
		s.cooldown = d
	}
}

// WithAlwaysUpdate(false) suppresses notifications when a fetch returns data
// equal to the cached value.
func WithAlwaysUpdate(always bool) Option {
	return func(s *settings) {
		s.alwaysUpdate = always
	}
}

func WithRecorder(r Recorder) Option {
	return func(s *settings) {
		if r != nil {
			s.recorder = r
		}
	}
}

// WithAuthFailedHandler is called once per auth failure seen while polling.
func WithAuthFailedHandler(f func(error)) Option {
	return func(s *settings) {
		s.onAuthFailed = f
	}
}
