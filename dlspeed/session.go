package dlspeed

import (
	"context"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// interrupted sessions still report what they measured, within this budget
const submitTimeout = 10 * time.Second

type SessionConfig struct {
	RepeatCount int
	Targets     []string
}

type TransferProber interface {
	Probe(ctx context.Context, target string) (*TransferResult, error)
}

type ResultsSink interface {
	Submit(ctx context.Context, report *Report) error
}

// DisplaySink shows a loading indicator while transfers run, then the two headline values.
type DisplaySink interface {
	Loading()
	Display(speedKBps float64, latencyMS float64)
}

type Session struct {
	id      string
	config  SessionConfig
	prober  TransferProber
	results ResultsSink
	display DisplaySink
	log     zerolog.Logger
}

func NewSession(config SessionConfig, prober TransferProber, results ResultsSink, display DisplaySink) (*Session, error) {
	if config.RepeatCount < 1 {
		return nil, errors.Errorf("repeat count must be at least 1, got %d", config.RepeatCount)
	}
	if len(config.Targets) == 0 {
		return nil, errors.New("no targets configured")
	}

	id := uuid.New().String()

	return &Session{
		id:      id,
		config:  config,
		prober:  prober,
		results: results,
		display: display,
		log:     log.With().Str("component", "session").Str("session", id).Logger(),
	}, nil
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) probeJob(target string) Job[*TransferResult] {
	return func(ctx context.Context) (*TransferResult, error) {
		return s.prober.Probe(ctx, target)
	}
}

func (s *Session) buildRunner() (*JobRunner[*TransferResult], error) {
	runner := NewJobRunner[*TransferResult]()

	for _, target := range s.config.Targets {
		for iter := 0; iter < s.config.RepeatCount; iter += 1 {
			if err := runner.Push(s.probeJob(target)); err != nil {
				return nil, err
			}
		}
	}

	return runner, nil
}

// analyseOutcomes reduces outcomes to per-transfer speeds and latencies. Outcome order is irrelevant.
func analyseOutcomes(outcomes []JobOutcome[*TransferResult]) *Report {
	speeds := []float64{}
	pings := []float64{}

	for _, outcome := range outcomes {
		if !outcome.Success || outcome.Payload == nil {
			continue
		}

		if speed, ok := representativeSpeed(outcome.Payload); ok {
			speeds = append(speeds, speed)
		}
		if latency, ok := firstResponseLatency(outcome.Payload); ok {
			pings = append(pings, latency)
		}
	}

	return &Report{
		Speeds:     speeds,
		Pings:      pings,
		PingStats:  *getStats(pings),
		SpeedStats: *getStats(speeds),
	}
}

func displayValues(report *Report) (float64, float64) {
	return math.Floor(float64(report.SpeedStats.N90) / 1024), math.Floor(float64(report.PingStats.Min) * 1000)
}

// Run probes every target RepeatCount times, one transfer at a time, then hands the aggregated report
// to the sinks. The report is returned even when submitting it fails.
func (s *Session) Run(ctx context.Context) (*Report, error) {
	runner, err := s.buildRunner()
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Strs("targets", s.config.Targets).
		Int("repeat", s.config.RepeatCount).
		Msg("starting measurements")

	done, err := runner.Start(ctx)
	if err != nil {
		return nil, err
	}
	if s.display != nil {
		s.display.Loading()
	}
	outcomes := <-done

	nFailed := 0
	for index, outcome := range outcomes {
		if !outcome.Success {
			nFailed += 1
			s.log.Warn().Err(outcome.Err).Int("job", index).Msg("transfer failed")
		}
	}

	report := analyseOutcomes(outcomes)
	s.log.Info().
		Int("jobs", len(outcomes)).
		Int("failed", nFailed).
		Int("speeds", len(report.Speeds)).
		Int("pings", len(report.Pings)).
		Msg("measurements complete")

	if s.display != nil {
		s.display.Display(displayValues(report))
	}

	if s.results != nil {
		submitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), submitTimeout)
		defer cancel()

		if err := s.results.Submit(submitCtx, report); err != nil {
			return report, errors.Wrap(err, "could not submit results")
		}
	}

	return report, nil
}
