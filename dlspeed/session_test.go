package dlspeed

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	"gotest.tools/v3/assert"
)

type dummyProber struct {
	mu       sync.Mutex
	inFlight int
	maxSeen  int
	calls    []string
	fixtures map[string]func(call int) (*TransferResult, error)
}

func (p *dummyProber) Probe(ctx context.Context, target string) (*TransferResult, error) {
	p.mu.Lock()
	p.inFlight += 1
	if p.inFlight > p.maxSeen {
		p.maxSeen = p.inFlight
	}
	call := len(p.calls)
	p.calls = append(p.calls, target)
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.inFlight -= 1
		p.mu.Unlock()
	}()

	time.Sleep(time.Millisecond)

	return p.fixtures[target](call)
}

type dummyDisplay struct {
	loading   int
	calls     int
	speedKBps float64
	latencyMS float64
}

func (d *dummyDisplay) Loading() {
	d.loading += 1
}

func (d *dummyDisplay) Display(speedKBps float64, latencyMS float64) {
	d.calls += 1
	d.speedKBps = speedKBps
	d.latencyMS = latencyMS
}

type dummyResults struct {
	reports []*Report
	err     error
}

func (r *dummyResults) Submit(ctx context.Context, report *Report) error {
	r.reports = append(r.reports, report)
	return r.err
}

var dummySessionStart = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func fixedTransfer(target string, offsets []time.Duration, loaded []int64) func(int) (*TransferResult, error) {
	return func(call int) (*TransferResult, error) {
		startAt := dummySessionStart.Add(time.Duration(call) * 10 * time.Second)
		return &TransferResult{
			Target:  target,
			Samples: generateDummySamples(startAt, offsets, loaded),
		}, nil
	}
}

// Rates: small.dat 1024, 2048, 4096 B/s; large.dat 1024, 16384, 8192 B/s; 0.dat has no throughput.
func newDummyFixtures() map[string]func(int) (*TransferResult, error) {
	ms := time.Millisecond

	return map[string]func(int) (*TransferResult, error){
		"small.dat": fixedTransfer("small.dat", []time.Duration{0, 250 * ms, 500 * ms, 750 * ms}, []int64{0, 256, 768, 1792}),
		"large.dat": fixedTransfer("large.dat", []time.Duration{0, 500 * ms, 750 * ms, 1000 * ms}, []int64{0, 512, 4608, 6656}),
		"0.dat":     fixedTransfer("0.dat", []time.Duration{0, 125 * ms}, []int64{0, 0}),
	}
}

func TestSession_Run(t *testing.T) {
	prober := &dummyProber{fixtures: newDummyFixtures()}
	display := &dummyDisplay{}
	results := &dummyResults{}

	session, err := NewSession(SessionConfig{RepeatCount: 3, Targets: []string{"small.dat", "large.dat", "0.dat"}}, prober, results, display)
	assert.NilError(t, err)

	report, err := session.Run(context.Background())
	assert.NilError(t, err)

	assert.DeepEqual(t, prober.calls, []string{
		"small.dat", "small.dat", "small.dat",
		"large.dat", "large.dat", "large.dat",
		"0.dat", "0.dat", "0.dat",
	})
	assert.Equal(t, prober.maxSeen, 1)

	assert.DeepEqual(t, report.Speeds, []float64{4096, 4096, 4096, 16384, 16384, 16384})
	assert.DeepEqual(t, report.Pings, []float64{0.25, 0.25, 0.25, 0.5, 0.5, 0.5, 0.125, 0.125, 0.125})

	assert.Equal(t, report.SpeedStats.N90, StatValue(16384))
	assert.Equal(t, report.SpeedStats.Min, StatValue(4096))
	assert.Equal(t, report.SpeedStats.Max, StatValue(16384))
	assert.Equal(t, report.SpeedStats.Med, StatValue(16384))
	assert.Equal(t, report.SpeedStats.N10, StatValue(4096))
	assert.Assert(t, math.Abs(float64(report.SpeedStats.Avg)-10240) < 1e-9)
	assert.Assert(t, math.Abs(float64(report.SpeedStats.Dev)-6144) < 1e-9)

	assert.Equal(t, report.PingStats.Min, StatValue(0.125))
	assert.Equal(t, report.PingStats.Max, StatValue(0.5))
	assert.Equal(t, report.PingStats.Med, StatValue(0.25))
	assert.Equal(t, report.PingStats.N90, StatValue(0.5))
	assert.Equal(t, report.PingStats.N10, StatValue(0.125))

	assert.Equal(t, display.loading, 1)
	assert.Equal(t, display.calls, 1)
	assert.Equal(t, display.speedKBps, 16.0)
	assert.Equal(t, display.latencyMS, 125.0)

	assert.Equal(t, len(results.reports), 1)
	assert.Equal(t, results.reports[0], report)
}

func TestSession_FailedTransfersAreSkipped(t *testing.T) {
	fixtures := newDummyFixtures()
	fixtures["broken.dat"] = func(int) (*TransferResult, error) {
		return nil, errors.New("connection reset")
	}
	prober := &dummyProber{fixtures: fixtures}
	display := &dummyDisplay{}

	session, err := NewSession(SessionConfig{RepeatCount: 2, Targets: []string{"broken.dat", "small.dat"}}, prober, nil, display)
	assert.NilError(t, err)

	report, err := session.Run(context.Background())
	assert.NilError(t, err)

	assert.Equal(t, len(prober.calls), 4)
	assert.DeepEqual(t, report.Speeds, []float64{4096, 4096})
	assert.DeepEqual(t, report.Pings, []float64{0.25, 0.25})
	assert.Equal(t, display.speedKBps, 4.0)
	assert.Equal(t, display.latencyMS, 250.0)
}

func TestSession_AllTransfersFail(t *testing.T) {
	prober := &dummyProber{fixtures: map[string]func(int) (*TransferResult, error){
		"broken.dat": func(int) (*TransferResult, error) { return nil, errors.New("network unreachable") },
	}}
	display := &dummyDisplay{}
	results := &dummyResults{}

	session, err := NewSession(SessionConfig{RepeatCount: 3, Targets: []string{"broken.dat"}}, prober, results, display)
	assert.NilError(t, err)

	report, err := session.Run(context.Background())
	assert.NilError(t, err)

	assert.Equal(t, len(report.Speeds), 0)
	assert.Equal(t, len(report.Pings), 0)
	assertNaN(t, report.SpeedStats.N90)
	assertNaN(t, report.PingStats.Min)
	assert.Equal(t, display.calls, 1)
	assert.Assert(t, math.IsNaN(display.speedKBps))
	assert.Assert(t, math.IsNaN(display.latencyMS))
	assert.Equal(t, len(results.reports), 1)

	encoded, err := json.Marshal(report)
	assert.NilError(t, err)
	assert.Equal(t, string(encoded), `{"speeds":[],"pings":[],`+
		`"pingStats":{"avg":null,"med":null,"min":null,"max":null,"n90":null,"n10":null,"dev":null},`+
		`"speedStats":{"avg":null,"med":null,"min":null,"max":null,"n90":null,"n10":null,"dev":null}}`)
}

func TestSession_SubmitFailure(t *testing.T) {
	prober := &dummyProber{fixtures: newDummyFixtures()}
	results := &dummyResults{err: errors.New("collector down")}

	session, err := NewSession(SessionConfig{RepeatCount: 1, Targets: []string{"small.dat"}}, prober, results, nil)
	assert.NilError(t, err)

	report, err := session.Run(context.Background())

	assert.ErrorContains(t, err, "collector down")
	assert.Assert(t, report != nil)
	assert.DeepEqual(t, report.Speeds, []float64{4096})
}

func TestNewSession_InvalidConfig(t *testing.T) {
	_, err := NewSession(SessionConfig{RepeatCount: 0, Targets: []string{"a"}}, &dummyProber{}, nil, nil)
	assert.ErrorContains(t, err, "repeat count")

	_, err = NewSession(SessionConfig{RepeatCount: 1}, &dummyProber{}, nil, nil)
	assert.ErrorContains(t, err, "no targets")
}

func TestAnalyseOutcomes_OrderIndependent(t *testing.T) {
	fixtures := newDummyFixtures()
	small, _ := fixtures["small.dat"](0)
	large, _ := fixtures["large.dat"](1)

	forward := analyseOutcomes([]JobOutcome[*TransferResult]{
		{Success: true, Payload: small},
		{Err: errors.New("failed")},
		{Success: true, Payload: large},
	})
	backward := analyseOutcomes([]JobOutcome[*TransferResult]{
		{Success: true, Payload: large},
		{Success: true, Payload: small},
		{Err: errors.New("failed")},
	})

	assert.DeepEqual(t, forward.SpeedStats, backward.SpeedStats)
	assert.DeepEqual(t, forward.PingStats, backward.PingStats)
}

func TestSession_PostsReportOnce(t *testing.T) {
	var mu sync.Mutex
	posted := []string{}

	collector := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			mu.Lock()
			posted = append(posted, r.FormValue("data"))
			mu.Unlock()
		}
	}))
	defer collector.Close()

	prober := &dummyProber{fixtures: newDummyFixtures()}
	session, err := NewSession(
		SessionConfig{RepeatCount: 3, Targets: []string{"small.dat", "large.dat", "0.dat"}},
		prober,
		NewResultsClient(resty.New(), collector.URL+"/writer"),
		&dummyDisplay{},
	)
	assert.NilError(t, err)

	report, err := session.Run(context.Background())
	assert.NilError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, len(posted), 1)

	var decoded Report
	assert.NilError(t, json.Unmarshal([]byte(posted[0]), &decoded))
	assert.DeepEqual(t, &decoded, report)
}

func TestResultsClient_RejectedStatus(t *testing.T) {
	collector := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer collector.Close()

	client := NewResultsClient(resty.New(), collector.URL)

	err := client.Submit(context.Background(), analyseOutcomes(nil))

	assert.ErrorContains(t, err, "503")
}

type contextCheckingResults struct {
	reports []*Report
	ctxErrs []error
}

func (r *contextCheckingResults) Submit(ctx context.Context, report *Report) error {
	r.reports = append(r.reports, report)
	r.ctxErrs = append(r.ctxErrs, ctx.Err())
	return ctx.Err()
}

func TestSession_InterruptedSessionStillReports(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fixtures := newDummyFixtures()
	firstSmall := fixtures["small.dat"]
	fixtures["small.dat"] = func(call int) (*TransferResult, error) {
		// interrupted during the first transfer
		defer cancel()
		return firstSmall(call)
	}

	prober := &dummyProber{fixtures: fixtures}
	results := &contextCheckingResults{}

	session, err := NewSession(SessionConfig{RepeatCount: 3, Targets: []string{"small.dat", "large.dat"}}, prober, results, nil)
	assert.NilError(t, err)

	report, err := session.Run(ctx)
	assert.NilError(t, err)

	assert.DeepEqual(t, prober.calls, []string{"small.dat"})
	assert.Equal(t, len(results.reports), 1)
	assert.NilError(t, results.ctxErrs[0])
	assert.Equal(t, results.reports[0], report)
	assert.DeepEqual(t, report.Speeds, []float64{4096})
}
