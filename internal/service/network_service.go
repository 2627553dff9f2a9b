package service

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/Golden-forest/cardall-sync/internal/metrics"
	"github.com/Golden-forest/cardall-sync/internal/model"
	"go.uber.org/zap"
)

// ConnectivitySource exposes the platform's passive connectivity signals.
type ConnectivitySource interface {
	Link(ctx context.Context) (model.LinkState, error)
}

// Prober performs one lightweight reachability check against an endpoint.
type Prober interface {
	Probe(ctx context.Context, endpoint string) error
}

// HTTPProber probes endpoints with HEAD requests.
type HTTPProber struct {
	Client *http.Client
}

// Probe implements Prober.
func (p *HTTPProber) Probe(ctx context.Context, endpoint string) error {
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, endpoint, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// NetworkConfig holds network assessment configuration.
type NetworkConfig struct {
	ProbeEndpoints []string
	ProbeTimeout   time.Duration
	HistorySize    int
}

// NetworkService samples connectivity signals and produces point-in-time
// quality assessments. Assessment never blocks sync correctness: when the
// active probe is unavailable it degrades to passive signals with lower
// confidence recorded.
type NetworkService struct {
	cfg     NetworkConfig
	source  ConnectivitySource
	prober  Prober
	metrics *metrics.Metrics
	logger  *zap.Logger

	mu      sync.Mutex
	history []model.NetworkQuality
}

// NewNetworkService creates a network quality assessor. prober may be nil.
func NewNetworkService(
	source ConnectivitySource,
	prober Prober,
	m *metrics.Metrics,
	logger *zap.Logger,
	cfg NetworkConfig,
) *NetworkService {
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 3 * time.Second
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 20
	}
	return &NetworkService{
		cfg:     cfg,
		source:  source,
		prober:  prober,
		metrics: m,
		logger:  logger,
	}
}

// Assess combines passive link signals with the active stability probe into
// a NetworkQuality snapshot and records it in the rolling history.
func (n *NetworkService) Assess(ctx context.Context) model.NetworkQuality {
	quality := model.NetworkQuality{AssessedAt: time.Now()}

	link, err := n.source.Link(ctx)
	if err != nil || !link.Online {
		if err != nil {
			n.logger.Warn("Connectivity source unavailable", zap.Error(err))
		}
		quality.BandwidthClass = model.BandwidthPoor
		quality.LatencyClass = model.LatencyHigh
		quality.Confidence = model.ConfidenceLow
		quality.RecommendedStrategy = model.ModeConservative
		n.record(quality)
		return quality
	}

	quality.Online = true
	quality.BandwidthClass = classifyBandwidth(link.DownlinkMbps)
	quality.LatencyClass = classifyLatency(link.RTT)
	quality.Confidence = model.ConfidenceMedium

	reliability := connectionPrior(link.Type)
	if n.prober != nil && len(n.cfg.ProbeEndpoints) > 0 {
		stability := n.probeStability(ctx)
		reliability *= stability
		quality.IsStable = stability >= 0.66
		quality.Confidence = model.ConfidenceHigh
	} else {
		// No active probe available: passive signals only.
		quality.IsStable = true
		quality.Confidence = model.ConfidenceLow
	}
	quality.Reliability = reliability
	quality.RecommendedStrategy = recommendStrategy(quality)

	n.metrics.NetworkReliability.Set(reliability)
	n.record(quality)

	n.logger.Debug("Network assessed",
		zap.String("bandwidth", string(quality.BandwidthClass)),
		zap.String("latency", string(quality.LatencyClass)),
		zap.Float64("reliability", quality.Reliability),
		zap.String("recommended", string(quality.RecommendedStrategy)))
	return quality
}

// probeStability runs the reachability checks concurrently and returns the
// success ratio.
func (n *NetworkService) probeStability(ctx context.Context) float64 {
	endpoints := n.cfg.ProbeEndpoints
	results := make(chan bool, len(endpoints))

	var wg sync.WaitGroup
	for _, endpoint := range endpoints {
		wg.Add(1)
		go func(ep string) {
			defer wg.Done()
			probeCtx, cancel := context.WithTimeout(ctx, n.cfg.ProbeTimeout)
			defer cancel()
			err := n.prober.Probe(probeCtx, ep)
			results <- err == nil
		}(endpoint)
	}
	wg.Wait()
	close(results)

	successes := 0
	for ok := range results {
		if ok {
			successes++
			n.metrics.NetworkProbesTotal.WithLabelValues("success").Inc()
		} else {
			n.metrics.NetworkProbesTotal.WithLabelValues("failure").Inc()
		}
	}
	return float64(successes) / float64(len(endpoints))
}

func (n *NetworkService) record(q model.NetworkQuality) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.history = append(n.history, q)
	if len(n.history) > n.cfg.HistorySize {
		n.history = n.history[len(n.history)-n.cfg.HistorySize:]
	}
}

// History returns a copy of the bounded rolling assessment window.
func (n *NetworkService) History() []model.NetworkQuality {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]model.NetworkQuality(nil), n.history...)
}

// RestoreHistory seeds the rolling window, used when loading a snapshot.
func (n *NetworkService) RestoreHistory(history []model.NetworkQuality) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(history) > n.cfg.HistorySize {
		history = history[len(history)-n.cfg.HistorySize:]
	}
	n.history = append([]model.NetworkQuality(nil), history...)
}

// StabilityTrend is the fraction of recent assessments that were stable.
func (n *NetworkService) StabilityTrend() float64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.history) == 0 {
		return 1.0
	}
	stable := 0
	for _, q := range n.history {
		if q.IsStable {
			stable++
		}
	}
	return float64(stable) / float64(len(n.history))
}

func classifyBandwidth(downlinkMbps float64) model.BandwidthClass {
	switch {
	case downlinkMbps >= 50:
		return model.BandwidthExcellent
	case downlinkMbps >= 20:
		return model.BandwidthGood
	case downlinkMbps >= 5:
		return model.BandwidthFair
	default:
		return model.BandwidthPoor
	}
}

func classifyLatency(rtt time.Duration) model.LatencyClass {
	switch {
	case rtt <= 30*time.Millisecond:
		return model.LatencyLow
	case rtt <= 100*time.Millisecond:
		return model.LatencyMedium
	default:
		return model.LatencyHigh
	}
}

func connectionPrior(t model.ConnectionType) float64 {
	switch t {
	case model.ConnectionEthernet:
		return 0.98
	case model.ConnectionWifi:
		return 0.90
	case model.ConnectionCellular:
		return 0.75
	default:
		return 0.80
	}
}

// recommendStrategy maps a quality snapshot to the baseline sync mode. The
// strategy selector may still override it from queue statistics.
func recommendStrategy(q model.NetworkQuality) model.SyncMode {
	switch {
	case q.Reliability < 0.4:
		return model.ModeConservative
	case q.BandwidthClass == model.BandwidthExcellent &&
		q.LatencyClass == model.LatencyLow && q.Reliability >= 0.85:
		return model.ModeImmediate
	case q.Reliability < 0.6:
		return model.ModePrioritized
	case q.BandwidthClass == model.BandwidthPoor || q.LatencyClass == model.LatencyHigh:
		return model.ModeBatched
	default:
		return model.ModeAdaptive
	}
}
